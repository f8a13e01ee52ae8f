// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package simctl

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type framebufferMessage struct {
	ID string `json:"id"`
}

// FramebufferPNG captures the framebuffer of a display part as PNG bytes.
// The id names the part in the diagram, for example "lcd1".
func (c *Client) FramebufferPNG(ctx context.Context, id string) ([]byte, error) {
	resp, err := c.t.Request(ctx, "framebuffer:read", framebufferMessage{ID: id})
	if err != nil {
		return nil, err
	}
	var out struct {
		PNG string `json:"png"`
	}
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return nil, fmt.Errorf("simctl: framebuffer %s: %w", id, err)
	}
	if out.PNG == "" {
		return nil, fmt.Errorf("simctl: framebuffer %s: response missing png data", id)
	}
	data, err := base64.StdEncoding.DecodeString(out.PNG)
	if err != nil {
		return nil, fmt.Errorf("simctl: framebuffer %s: %w", id, err)
	}
	return data, nil
}

// SaveFramebufferPNG captures the framebuffer of id and writes it to path,
// creating parent directories as needed. With overwrite false an existing
// file is an error.
func (c *Client) SaveFramebufferPNG(ctx context.Context, id, path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("simctl: framebuffer %s: %s already exists", id, path)
		}
	}
	data, err := c.FramebufferPNG(ctx, id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("simctl: framebuffer %s: %w", id, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("simctl: framebuffer %s: %w", id, err)
	}
	return nil
}

// CompareFramebufferPNG captures the framebuffer of id and compares it byte
// for byte against the reference file. On mismatch, a non-empty
// saveMismatch path receives the captured image for inspection.
func (c *Client) CompareFramebufferPNG(ctx context.Context, id, reference, saveMismatch string) (bool, error) {
	refBytes, err := os.ReadFile(reference)
	if err != nil {
		return false, fmt.Errorf("simctl: framebuffer %s: reference: %w", id, err)
	}
	current, err := c.FramebufferPNG(ctx, id)
	if err != nil {
		return false, err
	}
	if bytes.Equal(current, refBytes) {
		return true, nil
	}
	if saveMismatch != "" {
		if err := os.MkdirAll(filepath.Dir(saveMismatch), 0o755); err != nil {
			return false, fmt.Errorf("simctl: framebuffer %s: %w", id, err)
		}
		if err := os.WriteFile(saveMismatch, current, 0o644); err != nil {
			return false, fmt.Errorf("simctl: framebuffer %s: %w", id, err)
		}
	}
	return false, nil
}
