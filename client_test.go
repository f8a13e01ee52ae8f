// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package simctl

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func TestUploadWire(t *testing.T) {
	s := newFakeServer(t, func(s *fakeServer) { s.onCommand = autoRespond })
	defer s.close()
	c := newTestClient(t, s)

	content := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	require.NoError(t, c.Upload(testCtx(t), "firmware.bin", content))

	cmd := s.nextCommand()
	assert.Equal(t, "file:upload", cmd["command"])
	params := cmd["params"].(map[string]any)
	assert.Equal(t, "firmware.bin", params["name"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(content), params["binary"])
}

func TestUploadFile(t *testing.T) {
	s := newFakeServer(t, func(s *fakeServer) { s.onCommand = autoRespond })
	defer s.close()
	c := newTestClient(t, s)

	dir := t.TempDir()
	path := filepath.Join(dir, "blink.hex")
	require.NoError(t, os.WriteFile(path, []byte("hexdata"), 0o644))

	require.NoError(t, c.UploadFile(testCtx(t), "blink.hex", path))
	params := s.nextCommand()["params"].(map[string]any)
	assert.Equal(t, "blink.hex", params["name"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hexdata")), params["binary"])

	// An empty path reads the named file from the working directory.
	t.Chdir(dir)
	require.NoError(t, c.UploadFile(testCtx(t), "blink.hex", ""))
	params = s.nextCommand()["params"].(map[string]any)
	assert.Equal(t, "blink.hex", params["name"])

	err := c.UploadFile(testCtx(t), "missing.bin", "")
	require.Error(t, err)
}

func TestDownload(t *testing.T) {
	s := newFakeServer(t, func(s *fakeServer) {
		s.onCommand = func(s *fakeServer, cmd map[string]any) {
			s.respond(cmd, map[string]any{
				"binary": base64.StdEncoding.EncodeToString([]byte("stored content")),
			})
		}
	})
	defer s.close()
	c := newTestClient(t, s)

	data, err := c.Download(testCtx(t), "out.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("stored content"), data)

	cmd := s.nextCommand()
	assert.Equal(t, "file:download", cmd["command"])
	assert.Equal(t, map[string]any{"name": "out.txt"}, cmd["params"])
}

func TestDownloadBadBase64(t *testing.T) {
	s := newFakeServer(t, func(s *fakeServer) {
		s.onCommand = func(s *fakeServer, cmd map[string]any) {
			s.respond(cmd, map[string]any{"binary": "!!not-base64!!"})
		}
	})
	defer s.close()
	c := newTestClient(t, s)

	_, err := c.Download(testCtx(t), "out.txt")
	require.Error(t, err)
}

func TestMonitorSerial(t *testing.T) {
	s := newFakeServer(t, func(s *fakeServer) {
		s.onCommand = func(s *fakeServer, cmd map[string]any) {
			s.respondOK(cmd)
			if cmd["command"] == "serial-monitor:listen" {
				// Malformed payloads are dropped, the rest still flows.
				s.event(EventSerialData, map[string]any{"bytes": "bogus"}, 0, false)
				s.event(EventSerialData, map[string]any{"bytes": []int{72, 101, 108, 108, 111}}, 0, false)
				s.event(EventSerialData, map[string]any{"bytes": []int{300, -7}}, 0, false)
				s.event(EventSerialData, map[string]any{"bytes": []int{33}}, 0, false)
			}
		}
	})
	defer s.close()
	c := newTestClient(t, s)

	var out lockedBuffer
	mctx, mcancel := context.WithCancel(testCtx(t))
	defer mcancel()
	errs := make(chan error, 1)
	go func() {
		errs <- c.MonitorSerial(mctx, func(chunk []byte) {
			_, _ = out.Write(chunk)
		})
	}()

	require.Eventually(t, func() bool { return out.String() == "Hello!" },
		5*time.Second, 5*time.Millisecond)

	mcancel()
	select {
	case err := <-errs:
		require.ErrorIs(t, err, context.Canceled)
	case <-timeoutC():
		t.Fatal("monitor did not observe cancellation")
	}

	// The subscription is gone once the monitor exits.
	tr := c.Transport()
	tr.mu.Lock()
	_, subscribed := tr.listeners[EventSerialData]
	tr.mu.Unlock()
	assert.False(t, subscribed)
}

func TestMonitorSerialCancelDropsBacklog(t *testing.T) {
	s := newFakeServer(t, func(s *fakeServer) {
		s.onCommand = func(s *fakeServer, cmd map[string]any) {
			s.respondOK(cmd)
			if cmd["command"] == "serial-monitor:listen" {
				s.event(EventSerialData, map[string]any{"bytes": []int{65}}, 0, false)
			}
		}
	})
	defer s.close()
	c := newTestClient(t, s)

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	mctx, mcancel := context.WithCancel(testCtx(t))
	defer mcancel()
	errs := make(chan error, 1)
	go func() {
		errs <- c.MonitorSerial(mctx, func(chunk []byte) {
			if calls.Add(1) == 1 {
				close(entered)
				<-release
			}
		})
	}()

	select {
	case <-entered:
	case <-timeoutC():
		t.Fatal("first chunk never arrived")
	}

	// Pile chunks up behind the stalled callback, then cancel before
	// releasing it. None of the backlog may reach the callback.
	for i := 0; i < 50; i++ {
		s.event(EventSerialData, map[string]any{"bytes": []int{66}}, 0, false)
	}
	mcancel()
	close(release)

	select {
	case err := <-errs:
		require.ErrorIs(t, err, context.Canceled)
	case <-timeoutC():
		t.Fatal("monitor did not observe cancellation")
	}
	assert.EqualValues(t, 1, calls.Load())
}

func TestDecodeSerialPayloadRange(t *testing.T) {
	chunk, err := decodeSerialPayload([]byte(`{"bytes":[104,105]}`))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), chunk)

	// Values outside one byte are malformed, not truncated.
	for _, raw := range []string{`{"bytes":[104,256]}`, `{"bytes":[-1]}`} {
		_, err := decodeSerialPayload([]byte(raw))
		var derr *DecodeError
		require.ErrorAs(t, err, &derr, "payload %s", raw)
	}
}

func TestSerialTee(t *testing.T) {
	s := newFakeServer(t, func(s *fakeServer) {
		s.onCommand = func(s *fakeServer, cmd map[string]any) {
			s.respondOK(cmd)
			if cmd["command"] == "serial-monitor:listen" {
				s.event(EventSerialData, map[string]any{"bytes": []int{111, 107}}, 0, false)
			}
		}
	})
	defer s.close()
	c := newTestClient(t, s)

	var out lockedBuffer
	tctx, tcancel := context.WithCancel(testCtx(t))
	defer tcancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.SerialTee(tctx, &out)
	}()

	require.Eventually(t, func() bool { return out.String() == "ok" },
		5*time.Second, 5*time.Millisecond)
	tcancel()
	select {
	case <-done:
	case <-timeoutC():
		t.Fatal("tee did not stop")
	}
}

func TestPinCommands(t *testing.T) {
	s := newFakeServer(t, func(s *fakeServer) {
		s.onCommand = func(s *fakeServer, cmd map[string]any) {
			switch cmd["command"] {
			case "pin:read":
				s.respond(cmd, map[string]any{"pin": "D13", "value": 1})
			case "gpio:list":
				s.respond(cmd, map[string]any{"pins": []any{"D12", "D13"}})
			default:
				s.respondOK(cmd)
			}
		}
	})
	defer s.close()
	c := newTestClient(t, s)

	state, err := c.PinRead(testCtx(t), "esp", "D13")
	require.NoError(t, err)
	assert.JSONEq(t, `{"pin":"D13","value":1}`, string(state))
	params := s.nextCommand()["params"].(map[string]any)
	assert.Equal(t, map[string]any{"part": "esp", "pin": "D13"}, params)

	require.NoError(t, c.PinListen(testCtx(t), "esp", "D13", true))
	params = s.nextCommand()["params"].(map[string]any)
	assert.Equal(t, map[string]any{"part": "esp", "pin": "D13", "listen": true}, params)

	pins, err := c.GPIOList(testCtx(t))
	require.NoError(t, err)
	assert.JSONEq(t, `{"pins":["D12","D13"]}`, string(pins))
}

func TestControlAndTouchWire(t *testing.T) {
	s := newFakeServer(t, func(s *fakeServer) { s.onCommand = autoRespond })
	defer s.close()
	c := newTestClient(t, s)

	require.NoError(t, c.SetControl(testCtx(t), "btn1", "pressed", 1))
	cmd := s.nextCommand()
	assert.Equal(t, "control:set", cmd["command"])
	assert.Equal(t, map[string]any{"part": "btn1", "control": "pressed", "value": float64(1)}, cmd["params"])

	require.NoError(t, c.TouchEvent(testCtx(t), TouchParams{
		Part:  "lcd1",
		X:     120,
		Y:     80,
		Event: TouchPress,
	}))
	params := s.nextCommand()["params"].(map[string]any)
	assert.Equal(t, TouchPress, params["event"])
	_, present := params["releaseAfter"]
	assert.False(t, present)

	require.NoError(t, c.TouchEvent(testCtx(t), TouchParams{
		Part:         "lcd1",
		X:            120,
		Y:            80,
		Event:        TouchPress,
		ReleaseAfter: 2 * time.Millisecond,
	}))
	params = s.nextCommand()["params"].(map[string]any)
	assert.Equal(t, float64(2_000_000), params["releaseAfter"])
}

func TestFramebufferPNG(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 1, 2, 3}
	s := newFakeServer(t, func(s *fakeServer) {
		s.onCommand = func(s *fakeServer, cmd map[string]any) {
			s.respond(cmd, map[string]any{"png": base64.StdEncoding.EncodeToString(png)})
		}
	})
	defer s.close()
	c := newTestClient(t, s)

	got, err := c.FramebufferPNG(testCtx(t), "lcd1")
	require.NoError(t, err)
	assert.Equal(t, png, got)
	params := s.nextCommand()["params"].(map[string]any)
	assert.Equal(t, map[string]any{"id": "lcd1"}, params)

	dir := t.TempDir()
	path := filepath.Join(dir, "shots", "lcd.png")
	require.NoError(t, c.SaveFramebufferPNG(testCtx(t), "lcd1", path, false))
	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, png, onDisk)

	// overwrite=false refuses to clobber
	err = c.SaveFramebufferPNG(testCtx(t), "lcd1", path, false)
	require.ErrorContains(t, err, "already exists")
	require.NoError(t, c.SaveFramebufferPNG(testCtx(t), "lcd1", path, true))
}

func TestFramebufferMissingPNG(t *testing.T) {
	s := newFakeServer(t, func(s *fakeServer) { s.onCommand = autoRespond })
	defer s.close()
	c := newTestClient(t, s)

	_, err := c.FramebufferPNG(testCtx(t), "lcd1")
	require.ErrorContains(t, err, "missing png")
}

func TestCompareFramebufferPNG(t *testing.T) {
	png := []byte("current frame")
	s := newFakeServer(t, func(s *fakeServer) {
		s.onCommand = func(s *fakeServer, cmd map[string]any) {
			s.respond(cmd, map[string]any{"png": base64.StdEncoding.EncodeToString(png)})
		}
	})
	defer s.close()
	c := newTestClient(t, s)

	dir := t.TempDir()
	reference := filepath.Join(dir, "ref.png")
	require.NoError(t, os.WriteFile(reference, png, 0o644))

	same, err := c.CompareFramebufferPNG(testCtx(t), "lcd1", reference, "")
	require.NoError(t, err)
	assert.True(t, same)

	require.NoError(t, os.WriteFile(reference, []byte("something else"), 0o644))
	mismatch := filepath.Join(dir, "out", "mismatch.png")
	same, err = c.CompareFramebufferPNG(testCtx(t), "lcd1", reference, mismatch)
	require.NoError(t, err)
	assert.False(t, same)
	dumped, err := os.ReadFile(mismatch)
	require.NoError(t, err)
	assert.Equal(t, png, dumped)

	_, err = c.CompareFramebufferPNG(testCtx(t), "lcd1", filepath.Join(dir, "nope.png"), "")
	require.Error(t, err)
}

func TestReadVCD(t *testing.T) {
	s := newFakeServer(t, func(s *fakeServer) {
		s.onCommand = func(s *fakeServer, cmd map[string]any) {
			s.respond(cmd, map[string]any{
				"vcd":          "$version simctl $end",
				"channelCount": 2,
				"sampleCount":  64,
			})
		}
	})
	defer s.close()
	c := newTestClient(t, s)

	data, err := c.ReadVCD(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "$version simctl $end", data.VCD)
	assert.Equal(t, 2, data.ChannelCount)
	assert.Equal(t, 64, data.SampleCount)
}

func TestReadVCDMalformed(t *testing.T) {
	s := newFakeServer(t, func(s *fakeServer) {
		s.onCommand = func(s *fakeServer, cmd map[string]any) {
			s.respond(cmd, map[string]any{"vcd": "data", "channelCount": 2})
		}
	})
	defer s.close()
	c := newTestClient(t, s)

	_, err := c.ReadVCD(testCtx(t))
	require.ErrorContains(t, err, "sampleCount")
}

func TestSaveVCD(t *testing.T) {
	var samples atomic.Int64
	s := newFakeServer(t, func(s *fakeServer) {
		s.onCommand = func(s *fakeServer, cmd map[string]any) {
			s.respond(cmd, map[string]any{
				"vcd":          "$dumpvars $end",
				"channelCount": 1,
				"sampleCount":  samples.Load(),
			})
		}
	})
	defer s.close()
	c := newTestClient(t, s)

	dir := t.TempDir()
	path := filepath.Join(dir, "capture", "out.vcd")

	// An empty capture is reported but not written.
	data, err := c.SaveVCD(testCtx(t), path, true)
	require.NoError(t, err)
	assert.Equal(t, 0, data.SampleCount)
	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)

	samples.Store(128)
	data, err = c.SaveVCD(testCtx(t), path, true)
	require.NoError(t, err)
	assert.Equal(t, 128, data.SampleCount)
	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "$dumpvars $end", string(onDisk))

	_, err = c.SaveVCD(testCtx(t), path, false)
	require.ErrorContains(t, err, "already exists")
}
