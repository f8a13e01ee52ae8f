// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package simctl

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// writeWait bounds every websocket write, pings included.
	writeWait = 30 * time.Second

	// pongWait is how long the session survives without hearing from the
	// server; pings go out every pingPeriod to keep it alive.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxFrameSize caps inbound frames. Framebuffer captures and VCD dumps
	// arrive as single frames, so this is generous.
	maxFrameSize = 32 << 20
)

// connState tracks the session lifecycle. Transitions are one-way:
// disconnected, connecting, connected, closing, closed. A failed connect
// jumps straight to closed; a Transport never reconnects.
type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
	stateClosing
	stateClosed
)

// EventListener receives one inbound event. Listeners run on the receive
// loop, so they must return quickly; anything slow belongs behind an
// EventQueue.
type EventListener func(*Event)

// ListenerHandle identifies one listener registration for removal.
type ListenerHandle struct {
	kind EventKind
	seq  uint64
}

type listenerEntry struct {
	seq uint64
	fn  EventListener
}

// ServerInfo reports what the service announced in its hello frame.
type ServerInfo struct {
	AppName    string
	AppVersion string
}

// Transport owns one duplex session with the simulation service and
// multiplexes it into correlated request/response calls plus a server-push
// event stream. All methods are safe for concurrent use.
//
// A Transport connects at most once. When the session ends, for any reason,
// every outstanding and future request fails with an error wrapping
// ErrConnClosed.
type Transport struct {
	url              string
	token            string
	clientID         string
	handshakeTimeout time.Duration
	log              zerolog.Logger

	// ws is set once in Connect before the loops start and never reassigned.
	ws *websocket.Conn

	nextID atomic.Uint64 // request id allocator; the first id on the wire is "1"

	writeMu sync.Mutex // serializes websocket writes

	mu          sync.Mutex
	state       connState
	pending     map[string]chan *frame
	listeners   map[EventKind][]listenerEntry
	listenerSeq uint64
	appName     string
	appVersion  string
	termErr     error

	done     chan struct{} // closed once the session is fully terminated
	doneOnce sync.Once
}

// NewTransport builds a disconnected Transport. Most callers want Dial or
// Client instead.
func NewTransport(token string, opts ...DialOption) *Transport {
	o := applyDialOptions(opts)
	return &Transport{
		url:              o.url,
		token:            token,
		clientID:         o.clientID,
		handshakeTimeout: o.handshakeTimeout,
		log:              o.log,
		pending:          make(map[string]chan *frame),
		listeners:        make(map[EventKind][]listenerEntry),
		done:             make(chan struct{}),
	}
}

// Connect opens the websocket and performs the version handshake. The first
// inbound frame must be a hello carrying a protocol version this client
// speaks; anything else fails with a *ProtocolError before any background
// processing starts. On success the receive and keepalive loops are running
// and the returned ServerInfo describes the peer.
func (t *Transport) Connect(ctx context.Context) (*ServerInfo, error) {
	t.mu.Lock()
	if t.state != stateDisconnected {
		st := t.state
		t.mu.Unlock()
		if st == stateConnecting || st == stateConnected {
			return nil, fmt.Errorf("simctl: connect: already connected")
		}
		return nil, fmt.Errorf("simctl: connect: %w", ErrConnClosed)
	}
	t.state = stateConnecting
	t.mu.Unlock()

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+t.token)
	hdr.Set("User-Agent", t.clientID)

	dialer := &websocket.Dialer{HandshakeTimeout: t.handshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, t.url, hdr)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			err = fmt.Errorf("simctl: dial %s: status %d: %w", t.url, resp.StatusCode, err)
		} else {
			err = fmt.Errorf("simctl: dial %s: %w", t.url, err)
		}
		t.fail(err)
		return nil, err
	}
	t.ws = ws
	ws.SetReadLimit(maxFrameSize)

	// The hello must arrive within the handshake window, or sooner if the
	// caller's context expires first.
	deadline := time.Now().Add(t.handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetReadDeadline(deadline)

	f, err := t.readFrame()
	if err != nil {
		ws.Close()
		err = fmt.Errorf("simctl: handshake: %w", err)
		t.fail(err)
		return nil, err
	}
	if f.Type != msgTypeHello || f.ProtocolVersion != ProtocolVersion {
		ws.Close()
		perr := &ProtocolError{FrameType: f.Type, Version: f.ProtocolVersion}
		t.fail(perr)
		return nil, perr
	}

	t.mu.Lock()
	if t.state != stateConnecting {
		// Close ran while the hello was in flight. The session is already
		// terminal; do not revive it.
		t.mu.Unlock()
		ws.Close()
		return nil, fmt.Errorf("simctl: connect: %w", ErrConnClosed)
	}
	t.appName = f.AppName
	t.appVersion = f.AppVersion
	t.state = stateConnected
	t.mu.Unlock()

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	t.log.Debug().
		Str("event", "transport.connected").
		Str("app", f.AppName).
		Str("version", f.AppVersion).
		Msg("session established")

	go t.readLoop()
	go t.keepalive()

	return &ServerInfo{AppName: f.AppName, AppVersion: f.AppVersion}, nil
}

// fail marks a connect attempt dead before the receive loop ever ran. The
// first terminal error sticks, so a concurrent Close is not overwritten.
func (t *Transport) fail(err error) {
	t.mu.Lock()
	t.state = stateClosed
	if t.termErr == nil {
		t.termErr = err
	}
	t.mu.Unlock()
	t.doneOnce.Do(func() { close(t.done) })
}

// Request sends a command and suspends until the correlated response
// arrives, ctx is done, or the session dies, whichever comes first. A
// response with its error flag set surfaces as a *ServerError; a dead
// session surfaces as an error wrapping ErrConnClosed. Each request
// resolves exactly once and its pending entry is removed afterward.
func (t *Transport) Request(ctx context.Context, command string, params any) (*Response, error) {
	t.mu.Lock()
	if t.state != stateConnected {
		st := t.state
		t.mu.Unlock()
		if st == stateDisconnected || st == stateConnecting {
			return nil, fmt.Errorf("simctl: request %s: %w", command, ErrNotConnected)
		}
		return nil, fmt.Errorf("simctl: request %s: %w", command, ErrConnClosed)
	}
	id := strconv.FormatUint(t.nextID.Add(1), 10)
	ch := make(chan *frame, 1)
	t.pending[id] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	data, err := encodeCommand(command, id, params)
	if err != nil {
		requestsTotal.WithLabelValues("encode_error").Inc()
		return nil, err
	}
	if err := t.writeFrame(data); err != nil {
		requestsTotal.WithLabelValues("transport_error").Inc()
		return nil, fmt.Errorf("simctl: send %s: %w", command, err)
	}

	select {
	case f := <-ch:
		return finishRequest(f)
	case <-ctx.Done():
		requestsTotal.WithLabelValues("canceled").Inc()
		return nil, ctx.Err()
	case <-t.done:
		// The response may have been delivered in the same instant the
		// session died; prefer it.
		select {
		case f := <-ch:
			return finishRequest(f)
		default:
		}
		requestsTotal.WithLabelValues("transport_error").Inc()
		return nil, fmt.Errorf("simctl: request %s: %w", command, t.terminalErr())
	}
}

func finishRequest(f *frame) (*Response, error) {
	if f.Error {
		requestsTotal.WithLabelValues("server_error").Inc()
		return nil, f.serverError()
	}
	requestsTotal.WithLabelValues("ok").Inc()
	return &Response{Command: f.Command, ID: f.ID, Result: f.Result}, nil
}

// AddEventListener registers fn for events of the given kind. Listeners of
// one kind fire in registration order, at most once per inbound event.
func (t *Transport) AddEventListener(kind EventKind, fn EventListener) ListenerHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listenerSeq++
	h := ListenerHandle{kind: kind, seq: t.listenerSeq}
	t.listeners[kind] = append(t.listeners[kind], listenerEntry{seq: h.seq, fn: fn})
	return h
}

// RemoveListener drops one registration. Removing the last listener of a
// kind deletes its table entry; unknown handles are no-ops.
func (t *Transport) RemoveListener(h ListenerHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries, ok := t.listeners[h.kind]
	if !ok {
		return
	}
	next := make([]listenerEntry, 0, len(entries))
	for _, e := range entries {
		if e.seq != h.seq {
			next = append(next, e)
		}
	}
	if len(next) == 0 {
		delete(t.listeners, h.kind)
	} else {
		t.listeners[h.kind] = next
	}
}

// writeFrame sends one text frame under the write lock.
func (t *Transport) writeFrame(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

// readFrame reads one text frame, skipping unexpected binary frames with a
// warning.
func (t *Transport) readFrame() (*frame, error) {
	for {
		kind, data, err := t.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind != websocket.TextMessage {
			framesSkipped.Inc()
			t.log.Warn().
				Str("event", "transport.binary_frame").
				Int("bytes", len(data)).
				Msg("skipping unexpected binary frame")
			continue
		}
		f, err := decodeFrame(data)
		if err != nil {
			return nil, err
		}
		framesReceived.WithLabelValues(f.Type).Inc()
		return f, nil
	}
}

// readLoop is the single reader of the websocket. It classifies every
// inbound frame, dispatches events to listeners in arrival order, resolves
// pending requests, and tears the session down when the stream ends.
func (t *Transport) readLoop() {
	var cause error
loop:
	for {
		f, err := t.readFrame()
		if err != nil {
			cause = err
			break
		}
		switch f.Type {
		case msgTypeEvent:
			t.dispatchEvent(f.event())
		case msgTypeResponse:
			t.resolve(f)
		case msgTypeError:
			cause = fmt.Errorf("simctl: server error frame: %s", f.Message)
			break loop
		default:
			t.log.Debug().
				Str("event", "transport.unknown_frame").
				Str("type", f.Type).
				Msg("ignoring frame of unknown type")
		}
	}
	t.shutdown(cause)
}

// resolve hands a response frame to its pending request. The entry is
// claimed under the lock, so a duplicate id is delivered at most once;
// unmatched responses are discarded.
func (t *Transport) resolve(f *frame) {
	t.mu.Lock()
	ch, ok := t.pending[f.ID]
	if ok {
		delete(t.pending, f.ID)
	}
	t.mu.Unlock()
	if !ok {
		t.log.Debug().
			Str("event", "transport.unmatched_response").
			Str("id", f.ID).
			Str("command", f.Command).
			Msg("discarding unmatched response")
		return
	}
	ch <- f
}

// dispatchEvent runs every listener registered for the event's kind before
// the next frame is read. Listener slices are copy-on-write, so iterating a
// snapshot of the header without the lock is safe.
func (t *Transport) dispatchEvent(ev *Event) {
	t.mu.Lock()
	entries := t.listeners[ev.Kind]
	t.mu.Unlock()
	for _, e := range entries {
		e.fn(ev)
	}
	eventsDispatched.WithLabelValues(string(ev.Kind)).Inc()
}

// shutdown moves the session to its terminal state and wakes everything
// still waiting on it. It runs exactly once, when the receive loop ends.
func (t *Transport) shutdown(cause error) {
	t.mu.Lock()
	expected := t.state == stateClosing
	t.state = stateClosed
	if expected || cause == nil {
		t.termErr = ErrConnClosed
	} else {
		t.termErr = fmt.Errorf("%w: %v", ErrConnClosed, cause)
	}
	t.pending = make(map[string]chan *frame)
	t.mu.Unlock()

	if !expected && cause != nil {
		t.log.Warn().
			Str("event", "transport.receive_loop_exit").
			Err(cause).
			Msg("session terminated")
	}

	_ = t.ws.Close()
	t.doneOnce.Do(func() { close(t.done) })
}

// keepalive pings the server on a timer until the session ends. Pongs push
// the read deadline forward; a missed deadline kills the receive loop.
func (t *Transport) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			_ = t.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := t.ws.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				// The receive loop will observe the dead connection.
				return
			}
		}
	}
}

// Close tears the session down. It is idempotent and safe from any state,
// including a Transport that never connected. Outstanding requests fail
// with ErrConnClosed.
func (t *Transport) Close() error {
	t.mu.Lock()
	switch t.state {
	case stateClosing, stateClosed:
		t.mu.Unlock()
		<-t.done
		return nil
	case stateDisconnected, stateConnecting:
		t.state = stateClosed
		t.termErr = ErrConnClosed
		t.mu.Unlock()
		t.doneOnce.Do(func() { close(t.done) })
		return nil
	}
	t.state = stateClosing
	t.mu.Unlock()

	// Best-effort close handshake, then drop the socket. The receive loop
	// observes the closed connection and finishes the teardown.
	t.writeMu.Lock()
	_ = t.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = t.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	_ = t.ws.Close()

	<-t.done
	return nil
}

// Done returns a channel closed once the session is fully terminated.
func (t *Transport) Done() <-chan struct{} { return t.done }

// terminalErr reports why the session ended.
func (t *Transport) terminalErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.termErr != nil {
		return t.termErr
	}
	return ErrConnClosed
}

// Connected reports whether the session is currently established.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == stateConnected
}

// ServerVersion reports the application version announced at handshake, or
// an empty string before Connect.
func (t *Transport) ServerVersion() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.appVersion
}

// ServerApp reports the application name announced at handshake.
func (t *Transport) ServerApp() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.appName
}
