// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package simctl

import (
	"context"
	"encoding/json"
)

type pinMessage struct {
	Part string `json:"part"`
	Pin  string `json:"pin"`
}

type pinListenMessage struct {
	Part   string `json:"part"`
	Pin    string `json:"pin"`
	Listen bool   `json:"listen"`
}

// PinRead returns the current state of one pin, for example
// PinRead(ctx, "esp", "D13"). The result shape is server-defined.
func (c *Client) PinRead(ctx context.Context, part, pin string) (json.RawMessage, error) {
	resp, err := c.t.Request(ctx, "pin:read", pinMessage{Part: part, Pin: pin})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// PinListen arms or disarms pin:change events for one pin. While armed, the
// server pushes an EventPinChange whenever the pin's level changes.
func (c *Client) PinListen(ctx context.Context, part, pin string, listen bool) error {
	_, err := c.t.Request(ctx, "pin:listen", pinListenMessage{Part: part, Pin: pin, Listen: listen})
	return err
}

// GPIOList returns every GPIO pin known to the simulation with its current
// state. The result shape is server-defined.
func (c *Client) GPIOList(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.t.Request(ctx, "gpio:list", nil)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}
