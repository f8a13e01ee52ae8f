// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package simctl

import (
	"context"
	"time"
)

type controlSetMessage struct {
	Part    string  `json:"part"`
	Control string  `json:"control"`
	Value   float64 `json:"value"`
}

// Touch event types accepted by TouchEvent.
const (
	TouchPress   = "press"
	TouchRelease = "release"
	TouchMove    = "move"
)

type touchEventMessage struct {
	Part         string  `json:"part"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Event        string  `json:"event"`
	ReleaseAfter *int64  `json:"releaseAfter,omitempty"`
}

// TouchParams describes one touchscreen interaction.
type TouchParams struct {
	// Part identifies the touch-capable part, for example "lcd1".
	Part string

	// X and Y are touch controller coordinates.
	X, Y float64

	// Event is TouchPress, TouchRelease or TouchMove.
	Event string

	// ReleaseAfter optionally auto-releases a press after this much
	// virtual time.
	ReleaseAfter time.Duration
}

// SetControl sets a control value on a part, for example pressing a button:
// SetControl(ctx, "btn1", "pressed", 1).
func (c *Client) SetControl(ctx context.Context, part, control string, value float64) error {
	_, err := c.t.Request(ctx, "control:set", controlSetMessage{
		Part:    part,
		Control: control,
		Value:   value,
	})
	return err
}

// TouchEvent sends one touch interaction to a part with a touchscreen.
func (c *Client) TouchEvent(ctx context.Context, p TouchParams) error {
	msg := touchEventMessage{Part: p.Part, X: p.X, Y: p.Y, Event: p.Event}
	if p.ReleaseAfter > 0 {
		n := p.ReleaseAfter.Nanoseconds()
		msg.ReleaseAfter = &n
	}
	_, err := c.t.Request(ctx, "touch:event", msg)
	return err
}
