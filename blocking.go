// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package simctl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BlockingClient presents the asynchronous client as plain blocking calls
// for programs without their own concurrency model. A single worker
// goroutine owns the session; every call is handed off to it, executed
// there, and awaited, so at most one unit of client logic runs at a time.
// Background serial streams run alongside the worker and are tracked for
// teardown.
//
// BlockingClient methods must not be called from inside stream callbacks.
type BlockingClient struct {
	c   *Client
	log zerolog.Logger

	callTimeout  time.Duration
	drainTimeout time.Duration
	joinTimeout  time.Duration

	ops        chan func()
	quit       chan struct{}
	workerDone chan struct{}

	mu      sync.Mutex
	closed  bool
	streams map[uuid.UUID]*serialStream
}

type serialStream struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// BlockingOption configures a BlockingClient.
type BlockingOption func(*blockingOptions)

type blockingOptions struct {
	dial           []DialOption
	callTimeout    time.Duration
	drainTimeout   time.Duration
	joinTimeout    time.Duration
	startupTimeout time.Duration
}

func applyBlockingOptions(opts []BlockingOption) *blockingOptions {
	o := &blockingOptions{
		drainTimeout:   time.Second,
		joinTimeout:    5 * time.Second,
		startupTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithDialOptions forwards options to the owned session.
func WithDialOptions(opts ...DialOption) BlockingOption {
	return func(o *blockingOptions) { o.dial = opts }
}

// WithCallTimeout bounds every blocking call; on expiry the call fails with
// ErrCallTimeout and the in-flight operation is cancelled. Zero, the
// default, means calls block until the operation completes.
func WithCallTimeout(d time.Duration) BlockingOption {
	return func(o *blockingOptions) { o.callTimeout = d }
}

// WithDrainTimeout bounds the per-stream wait during StopStreams and Close.
func WithDrainTimeout(d time.Duration) BlockingOption {
	return func(o *blockingOptions) { o.drainTimeout = d }
}

// NewBlockingClient builds the facade and starts its worker. Call Connect
// next; Close releases the worker again.
func NewBlockingClient(token string, opts ...BlockingOption) (*BlockingClient, error) {
	o := applyBlockingOptions(opts)
	b := &BlockingClient{
		c:            NewClient(token, o.dial...),
		callTimeout:  o.callTimeout,
		drainTimeout: o.drainTimeout,
		joinTimeout:  o.joinTimeout,
		ops:          make(chan func()),
		quit:         make(chan struct{}),
		workerDone:   make(chan struct{}),
		streams:      make(map[uuid.UUID]*serialStream),
	}
	b.log = b.c.log

	started := make(chan struct{})
	go b.worker(started)
	select {
	case <-started:
	case <-time.After(o.startupTimeout):
		close(b.quit)
		return nil, fmt.Errorf("simctl: worker failed to start within %s", o.startupTimeout)
	}
	return b, nil
}

func (b *BlockingClient) worker(started chan<- struct{}) {
	defer close(b.workerDone)
	close(started)
	for {
		select {
		case op := <-b.ops:
			op()
		case <-b.quit:
			return
		}
	}
}

// call hands fn to the worker and blocks until it completes or the per-call
// timeout hits. The context passed to fn is cancelled on timeout, so the
// underlying operation is abandoned by the server path, not leaked here.
func (b *BlockingClient) call(name string, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("simctl: %s: %w", name, ErrClientClosed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var timeoutC <-chan time.Time
	if b.callTimeout > 0 {
		timer := time.NewTimer(b.callTimeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	done := make(chan error, 1)
	op := func() { done <- fn(ctx) }

	select {
	case b.ops <- op:
	case <-timeoutC:
		return fmt.Errorf("simctl: %s: %w", name, ErrCallTimeout)
	case <-b.workerDone:
		return fmt.Errorf("simctl: %s: %w", name, ErrClientClosed)
	}

	select {
	case err := <-done:
		return err
	case <-timeoutC:
		cancel()
		return fmt.Errorf("simctl: %s: %w", name, ErrCallTimeout)
	case <-b.workerDone:
		return fmt.Errorf("simctl: %s: %w", name, ErrClientClosed)
	}
}

// Connect dials the service, blocking until the handshake completes.
func (b *BlockingClient) Connect() (*ServerInfo, error) {
	var info *ServerInfo
	err := b.call("connect", func(ctx context.Context) error {
		var err error
		info, err = b.c.Connect(ctx)
		return err
	})
	return info, err
}

// Upload stores content on the simulator under name.
func (b *BlockingClient) Upload(name string, content []byte) error {
	return b.call("upload", func(ctx context.Context) error {
		return b.c.Upload(ctx, name, content)
	})
}

// UploadFile uploads a local file under name. An empty path uploads the
// file called name from the working directory.
func (b *BlockingClient) UploadFile(name, path string) error {
	return b.call("upload file", func(ctx context.Context) error {
		return b.c.UploadFile(ctx, name, path)
	})
}

// Download fetches a file previously stored on the simulator.
func (b *BlockingClient) Download(name string) ([]byte, error) {
	var data []byte
	err := b.call("download", func(ctx context.Context) error {
		var err error
		data, err = b.c.Download(ctx, name)
		return err
	})
	return data, err
}

// StartSimulation boots the simulation from files uploaded earlier.
func (b *BlockingClient) StartSimulation(p SimStartParams) error {
	return b.call("start simulation", func(ctx context.Context) error {
		return b.c.StartSimulation(ctx, p)
	})
}

// PauseSimulation halts the virtual clock.
func (b *BlockingClient) PauseSimulation() error {
	return b.call("pause simulation", func(ctx context.Context) error {
		return b.c.PauseSimulation(ctx)
	})
}

// ResumeSimulation continues execution, optionally pausing again after
// pauseAfter of virtual time.
func (b *BlockingClient) ResumeSimulation(pauseAfter time.Duration) error {
	return b.call("resume simulation", func(ctx context.Context) error {
		return b.c.ResumeSimulation(ctx, pauseAfter)
	})
}

// RestartSimulation reboots the current firmware from the beginning.
func (b *BlockingClient) RestartSimulation(pause bool) error {
	return b.call("restart simulation", func(ctx context.Context) error {
		return b.c.RestartSimulation(ctx, pause)
	})
}

// WaitUntilSimulationTime advances the virtual clock to the absolute target
// and leaves the simulation paused there.
func (b *BlockingClient) WaitUntilSimulationTime(target time.Duration) error {
	return b.call("wait until simulation time", func(ctx context.Context) error {
		return b.c.WaitUntilSimulationTime(ctx, target)
	})
}

// PinRead returns the current state of one pin.
func (b *BlockingClient) PinRead(part, pin string) (json.RawMessage, error) {
	var out json.RawMessage
	err := b.call("pin read", func(ctx context.Context) error {
		var err error
		out, err = b.c.PinRead(ctx, part, pin)
		return err
	})
	return out, err
}

// PinListen arms or disarms pin:change events for one pin.
func (b *BlockingClient) PinListen(part, pin string, listen bool) error {
	return b.call("pin listen", func(ctx context.Context) error {
		return b.c.PinListen(ctx, part, pin, listen)
	})
}

// GPIOList returns every GPIO pin with its current state.
func (b *BlockingClient) GPIOList() (json.RawMessage, error) {
	var out json.RawMessage
	err := b.call("gpio list", func(ctx context.Context) error {
		var err error
		out, err = b.c.GPIOList(ctx)
		return err
	})
	return out, err
}

// SetControl sets a control value on a part.
func (b *BlockingClient) SetControl(part, control string, value float64) error {
	return b.call("set control", func(ctx context.Context) error {
		return b.c.SetControl(ctx, part, control, value)
	})
}

// TouchEvent sends one touch interaction to a part with a touchscreen.
func (b *BlockingClient) TouchEvent(p TouchParams) error {
	return b.call("touch event", func(ctx context.Context) error {
		return b.c.TouchEvent(ctx, p)
	})
}

// FramebufferPNG captures the framebuffer of a display part as PNG bytes.
func (b *BlockingClient) FramebufferPNG(id string) ([]byte, error) {
	var data []byte
	err := b.call("framebuffer", func(ctx context.Context) error {
		var err error
		data, err = b.c.FramebufferPNG(ctx, id)
		return err
	})
	return data, err
}

// SaveFramebufferPNG captures the framebuffer of id and writes it to path.
func (b *BlockingClient) SaveFramebufferPNG(id, path string, overwrite bool) error {
	return b.call("save framebuffer", func(ctx context.Context) error {
		return b.c.SaveFramebufferPNG(ctx, id, path, overwrite)
	})
}

// CompareFramebufferPNG captures the framebuffer of id and compares it
// against the reference file.
func (b *BlockingClient) CompareFramebufferPNG(id, reference, saveMismatch string) (bool, error) {
	var same bool
	err := b.call("compare framebuffer", func(ctx context.Context) error {
		var err error
		same, err = b.c.CompareFramebufferPNG(ctx, id, reference, saveMismatch)
		return err
	})
	return same, err
}

// ReadVCD reads the logic analyzer capture from the simulation.
func (b *BlockingClient) ReadVCD() (*VCDData, error) {
	var data *VCDData
	err := b.call("read vcd", func(ctx context.Context) error {
		var err error
		data, err = b.c.ReadVCD(ctx)
		return err
	})
	return data, err
}

// SaveVCD reads the logic analyzer capture and writes it to path.
func (b *BlockingClient) SaveVCD(path string, overwrite bool) (*VCDData, error) {
	var data *VCDData
	err := b.call("save vcd", func(ctx context.Context) error {
		var err error
		data, err = b.c.SaveVCD(ctx, path, overwrite)
		return err
	})
	return data, err
}

// StreamSerial starts a background console monitor invoking fn for every
// chunk until StopStreams or Close. It returns immediately; the returned id
// identifies the stream in logs. A panicking fn is logged and the stream
// keeps running.
func (b *BlockingClient) StreamSerial(fn func(chunk []byte)) (uuid.UUID, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return uuid.Nil, fmt.Errorf("simctl: stream serial: %w", ErrClientClosed)
	}
	id := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	s := &serialStream{cancel: cancel, done: make(chan struct{})}
	b.streams[id] = s
	b.mu.Unlock()

	activeStreams.Inc()
	go func() {
		defer close(s.done)
		defer activeStreams.Dec()
		err := b.c.MonitorSerial(ctx, func(chunk []byte) {
			defer func() {
				if r := recover(); r != nil {
					b.log.Warn().
						Str("event", "facade.stream_panic").
						Str("stream", id.String()).
						Interface("panic", r).
						Msg("serial stream callback panicked")
				}
			}()
			fn(chunk)
		})
		if err != nil && ctx.Err() == nil {
			b.log.Warn().
				Str("event", "facade.stream_exit").
				Str("stream", id.String()).
				Err(err).
				Msg("serial stream ended")
		}
	}()
	return id, nil
}

// StreamSerialTo streams console output into w, typically os.Stdout, until
// StopStreams or Close.
func (b *BlockingClient) StreamSerialTo(w io.Writer) (uuid.UUID, error) {
	return b.StreamSerial(func(chunk []byte) {
		_, _ = w.Write(chunk)
	})
}

// StopStreams cancels every background stream and waits briefly for each to
// wind down, discarding stragglers. The session stays up.
func (b *BlockingClient) StopStreams() {
	b.mu.Lock()
	streams := b.streams
	b.streams = make(map[uuid.UUID]*serialStream)
	b.mu.Unlock()
	b.drainStreams(streams)
}

func (b *BlockingClient) drainStreams(streams map[uuid.UUID]*serialStream) {
	for _, s := range streams {
		s.cancel()
	}
	for id, s := range streams {
		select {
		case <-s.done:
		case <-time.After(b.drainTimeout):
			b.log.Warn().
				Str("event", "facade.stream_drain").
				Str("stream", id.String()).
				Msg("stream did not stop within drain window")
		}
	}
}

// Close winds the facade down in order: cancel and drain background
// streams, close the session best-effort, stop the worker, and mark the
// facade closed. Safe to call more than once; later calls return
// immediately.
func (b *BlockingClient) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	streams := b.streams
	b.streams = make(map[uuid.UUID]*serialStream)
	b.mu.Unlock()

	b.drainStreams(streams)

	if err := b.c.Close(); err != nil {
		b.log.Debug().
			Str("event", "facade.close").
			Err(err).
			Msg("transport close reported an error")
	}

	close(b.quit)
	select {
	case <-b.workerDone:
	case <-time.After(b.joinTimeout):
		b.log.Warn().
			Str("event", "facade.close").
			Msg("worker did not stop within join window")
	}
	return nil
}

// ServerVersion reports the application version the server announced at
// handshake.
func (b *BlockingClient) ServerVersion() string {
	return b.c.ServerVersion()
}

// LastPauseNanos reports the virtual clock reading at the most recently
// observed pause.
func (b *BlockingClient) LastPauseNanos() int64 {
	return b.c.LastPauseNanos()
}
