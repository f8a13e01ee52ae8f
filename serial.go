// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package simctl

import (
	"context"
	"encoding/json"
	"io"
)

// serialPayload is the payload of serial-monitor:data events. The raw bytes
// arrive as a JSON array of integers, one per byte.
type serialPayload struct {
	Bytes []int `json:"bytes"`
}

func decodeSerialPayload(raw json.RawMessage) ([]byte, error) {
	var p serialPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &DecodeError{Reason: "malformed serial payload", Frame: raw, Err: err}
	}
	chunk := make([]byte, len(p.Bytes))
	for i, b := range p.Bytes {
		if b < 0 || b > 255 {
			return nil, &DecodeError{Reason: "serial byte out of range", Frame: raw}
		}
		chunk[i] = byte(b)
	}
	return chunk, nil
}

// MonitorSerial subscribes to console output and invokes fn with every
// chunk received, in order, until ctx is done or the session ends. The
// subscription is released on every exit path. Cancellation is observed at
// the next chunk boundary, including while idle.
func (c *Client) MonitorSerial(ctx context.Context, fn func(chunk []byte)) error {
	// Subscribe before asking the server to start streaming so that no
	// chunk can arrive between the two.
	q := NewEventQueue(c.t, EventSerialData)
	defer q.Close()
	if _, err := c.t.Request(ctx, "serial-monitor:listen", nil); err != nil {
		return err
	}
	for {
		ev, err := q.Get(ctx)
		if err != nil {
			return err
		}
		chunk, err := decodeSerialPayload(ev.Payload)
		if err != nil {
			c.log.Warn().
				Str("event", "client.serial_payload").
				Err(err).
				Msg("dropping malformed serial payload")
			continue
		}
		fn(chunk)
	}
}

// SerialTee streams console output into w, typically os.Stdout, until ctx
// is done or the session ends.
func (c *Client) SerialTee(ctx context.Context, w io.Writer) error {
	return c.MonitorSerial(ctx, func(chunk []byte) {
		_, _ = w.Write(chunk)
	})
}
