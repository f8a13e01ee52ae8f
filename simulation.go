// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package simctl

import (
	"context"
	"time"
)

// SimStartParams configures StartSimulation.
type SimStartParams struct {
	// Firmware names a previously uploaded firmware image. Required.
	Firmware string

	// ELF optionally names a previously uploaded ELF file matching the
	// firmware, enabling source-level diagnostics.
	ELF string

	// Pause starts the simulation with the virtual clock halted.
	Pause bool

	// Chips lists custom chip names to load alongside the diagram.
	Chips []string
}

type simStartMessage struct {
	Firmware string   `json:"firmware"`
	ELF      *string  `json:"elf"`
	Pause    bool     `json:"pause"`
	Chips    []string `json:"chips"`
}

type simResumeMessage struct {
	PauseAfter *int64 `json:"pauseAfter"`
}

type simRestartMessage struct {
	Pause bool `json:"pause"`
}

// StartSimulation boots the simulation from files uploaded earlier in this
// session.
func (c *Client) StartSimulation(ctx context.Context, p SimStartParams) error {
	msg := simStartMessage{
		Firmware: p.Firmware,
		Pause:    p.Pause,
		Chips:    p.Chips,
	}
	if p.ELF != "" {
		msg.ELF = &p.ELF
	}
	if msg.Chips == nil {
		msg.Chips = []string{}
	}
	_, err := c.t.Request(ctx, "sim:start", msg)
	return err
}

// PauseSimulation halts the virtual clock. Pausing an already paused
// simulation is a server-side no-op; either way a sim:pause event follows
// with the current clock reading.
func (c *Client) PauseSimulation(ctx context.Context) error {
	_, err := c.t.Request(ctx, "sim:pause", nil)
	return err
}

// ResumeSimulation continues execution. A positive pauseAfter asks the
// server to pause again once that much more virtual time has elapsed; zero
// resumes without a scheduled pause.
func (c *Client) ResumeSimulation(ctx context.Context, pauseAfter time.Duration) error {
	var msg simResumeMessage
	if pauseAfter > 0 {
		n := pauseAfter.Nanoseconds()
		msg.PauseAfter = &n
	}
	_, err := c.t.Request(ctx, "sim:resume", msg)
	return err
}

// RestartSimulation reboots the current firmware from the beginning,
// optionally landing paused.
func (c *Client) RestartSimulation(ctx context.Context, pause bool) error {
	_, err := c.t.Request(ctx, "sim:restart", simRestartMessage{Pause: pause})
	return err
}

// WaitUntilSimulationTime advances the virtual clock to the absolute target
// and leaves the simulation paused there. The simulation is paused first to
// get a consistent clock reading; if the target is already reached the call
// returns immediately. Otherwise stale pause events are flushed, the
// simulation resumes with the remainder as its auto-pause threshold, and
// the call suspends until the resulting pause event arrives.
//
// Virtual time rarely tracks wall time, so bound the wait with ctx when the
// target may be far ahead.
func (c *Client) WaitUntilSimulationTime(ctx context.Context, target time.Duration) error {
	if err := c.PauseSimulation(ctx); err != nil {
		return err
	}
	remaining := target - time.Duration(c.lastPauseNanos.Load())
	if remaining <= 0 {
		return nil
	}
	c.pauseQueue.Flush()
	if err := c.ResumeSimulation(ctx, remaining); err != nil {
		return err
	}
	_, err := c.pauseQueue.Get(ctx)
	return err
}
