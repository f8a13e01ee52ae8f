// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package simctl

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Client is the asynchronous client for the simulation service. It wraps a
// Transport with typed command wrappers for firmware upload, simulation
// control, device state and console streaming, and tracks the virtual clock
// across pauses. All methods are safe for concurrent use.
type Client struct {
	t   *Transport
	log zerolog.Logger

	// lastPauseNanos is updated by a permanent sim:pause listener, so the
	// clock reading stays correct no matter who requested the pause.
	lastPauseNanos atomic.Int64

	// pauseQueue feeds WaitUntilSimulationTime. It is registered after the
	// clock listener, so by the time a pause event is consumable here the
	// clock has already advanced.
	pauseQueue *EventQueue
}

// NewClient builds a disconnected client. Call Connect before issuing
// commands.
func NewClient(token string, opts ...DialOption) *Client {
	t := NewTransport(token, opts...)
	c := &Client{t: t, log: t.log}
	t.AddEventListener(EventSimPause, c.onPause)
	c.pauseQueue = NewEventQueue(t, EventSimPause)
	return c
}

func (c *Client) onPause(ev *Event) {
	c.lastPauseNanos.Store(int64(ev.Nanos))
}

// Connect dials the service and performs the protocol handshake.
func (c *Client) Connect(ctx context.Context) (*ServerInfo, error) {
	return c.t.Connect(ctx)
}

// Close tears the session down. Idempotent.
func (c *Client) Close() error {
	return c.t.Close()
}

// Transport exposes the underlying session engine for callers that need raw
// requests or event subscriptions beyond the built-in wrappers.
func (c *Client) Transport() *Transport { return c.t }

// Done returns a channel closed once the session is fully terminated.
func (c *Client) Done() <-chan struct{} { return c.t.Done() }

// LastPauseNanos reports the virtual clock reading, in nanoseconds, at the
// most recently observed pause.
func (c *Client) LastPauseNanos() int64 {
	return c.lastPauseNanos.Load()
}

// ServerVersion reports the application version the server announced at
// handshake, or an empty string before Connect.
func (c *Client) ServerVersion() string {
	return c.t.ServerVersion()
}
