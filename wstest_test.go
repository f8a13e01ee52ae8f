// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package simctl

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// timeoutC bounds every blocking wait in the test helpers.
func timeoutC() <-chan time.Time {
	return time.After(5 * time.Second)
}

// defaultHello is what a healthy simulator announces first.
var defaultHello = map[string]any{
	"type":            msgTypeHello,
	"protocolVersion": ProtocolVersion,
	"appName":         "lux-sim",
	"appVersion":      "9.9.9",
}

// fakeServer is a scripted simulation service endpoint. Tests configure a
// hello frame and an optional per-command responder, then drive the rest of
// the conversation by hand through send and the respond helpers.
type fakeServer struct {
	t testing.TB

	// hello is sent as the first frame of every connection. nil sends
	// nothing, leaving the client waiting.
	hello any

	// onCommand, when set, is invoked on the reader goroutine for every
	// decoded command frame.
	onCommand func(s *fakeServer, cmd map[string]any)

	srv       *httptest.Server
	upgrader  websocket.Upgrader
	commands  chan map[string]any
	connected chan struct{}
	connOnce  sync.Once

	mu      sync.Mutex
	conn    *websocket.Conn
	headers http.Header

	writeMu sync.Mutex
}

// newFakeServer starts the endpoint. Configuration runs before the server
// accepts anything, so scripted state needs no locking of its own.
func newFakeServer(t testing.TB, cfg ...func(*fakeServer)) *fakeServer {
	s := &fakeServer{
		t:         t,
		hello:     defaultHello,
		commands:  make(chan map[string]any, 64),
		connected: make(chan struct{}),
	}
	for _, c := range cfg {
		c(s)
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// waitConnected blocks until a client has completed the websocket upgrade.
func (s *fakeServer) waitConnected() {
	s.t.Helper()
	select {
	case <-s.connected:
	case <-timeoutC():
		s.t.Fatal("timed out waiting for a client connection")
	}
}

// autoRespond acknowledges every command with an empty result.
func autoRespond(s *fakeServer, cmd map[string]any) {
	s.respondOK(cmd)
}

func (s *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.headers = r.Header.Clone()
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if s.hello != nil {
		s.send(s.hello)
	}
	s.connOnce.Do(func() { close(s.connected) })

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd map[string]any
		if json.Unmarshal(data, &cmd) != nil {
			continue
		}
		// Best-effort history; long benchmark runs overflow the buffer.
		select {
		case s.commands <- cmd:
		default:
		}
		if s.onCommand != nil {
			s.onCommand(s, cmd)
		}
	}
}

// url returns the ws:// address of the server.
func (s *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// nextCommand returns the next decoded command frame the server received.
func (s *fakeServer) nextCommand() map[string]any {
	s.t.Helper()
	select {
	case cmd := <-s.commands:
		return cmd
	case <-timeoutC():
		s.t.Fatal("timed out waiting for a command frame")
		return nil
	}
}

func (s *fakeServer) send(v any) {
	s.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		s.t.Fatalf("marshal frame: %v", err)
	}
	s.sendRaw(websocket.TextMessage, data)
}

func (s *fakeServer) sendRaw(kind int, data []byte) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.t.Fatal("no client connection")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.WriteMessage(kind, data)
}

// respond answers cmd with the given result.
func (s *fakeServer) respond(cmd map[string]any, result any) {
	s.send(map[string]any{
		"type":    msgTypeResponse,
		"command": cmd["command"],
		"id":      cmd["id"],
		"result":  result,
	})
}

func (s *fakeServer) respondOK(cmd map[string]any) {
	s.respond(cmd, map[string]any{})
}

// respondErr answers cmd with its error flag set.
func (s *fakeServer) respondErr(cmd map[string]any, code int, message string) {
	s.send(map[string]any{
		"type":    msgTypeResponse,
		"command": cmd["command"],
		"id":      cmd["id"],
		"error":   true,
		"result":  map[string]any{"code": code, "message": message},
	})
}

// event pushes one event frame to the client.
func (s *fakeServer) event(kind EventKind, payload any, nanos float64, paused bool) {
	s.send(map[string]any{
		"type":    msgTypeEvent,
		"event":   string(kind),
		"payload": payload,
		"nanos":   nanos,
		"paused":  paused,
	})
}

// dropConn severs the websocket from the server side, simulating a
// connection loss. The server keeps running.
func (s *fakeServer) dropConn() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// requestHeaders returns the headers of the upgrade request.
func (s *fakeServer) requestHeaders() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers
}

func (s *fakeServer) close() {
	s.dropConn()
	s.srv.CloseClientConnections()
	s.srv.Close()
}
