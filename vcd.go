// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package simctl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// VCDData is a logic analyzer capture in Value Change Dump format, viewable
// in tools like PulseView or GTKWave.
type VCDData struct {
	// VCD is the capture in VCD text format.
	VCD string

	// ChannelCount is the number of channels captured.
	ChannelCount int

	// SampleCount is the number of samples captured. Zero means the logic
	// analyzer saw no activity.
	SampleCount int
}

// ReadVCD reads the logic analyzer capture from the simulation. It fails if
// the diagram has no logic analyzer or the response is missing its fields.
func (c *Client) ReadVCD(ctx context.Context) (*VCDData, error) {
	resp, err := c.t.Request(ctx, "sim:read-vcd", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		VCD          *string `json:"vcd"`
		ChannelCount *int    `json:"channelCount"`
		SampleCount  *int    `json:"sampleCount"`
	}
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return nil, fmt.Errorf("simctl: read vcd: %w", err)
	}
	if out.VCD == nil {
		return nil, fmt.Errorf("simctl: read vcd: response missing vcd string")
	}
	if out.ChannelCount == nil {
		return nil, fmt.Errorf("simctl: read vcd: response missing channelCount")
	}
	if out.SampleCount == nil {
		return nil, fmt.Errorf("simctl: read vcd: response missing sampleCount")
	}
	return &VCDData{
		VCD:          *out.VCD,
		ChannelCount: *out.ChannelCount,
		SampleCount:  *out.SampleCount,
	}, nil
}

// SaveVCD reads the logic analyzer capture and writes it to path, creating
// parent directories as needed. An empty capture is returned but not
// written. With overwrite false an existing file is an error.
func (c *Client) SaveVCD(ctx context.Context, path string, overwrite bool) (*VCDData, error) {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("simctl: save vcd: %s already exists", path)
		}
	}
	data, err := c.ReadVCD(ctx)
	if err != nil {
		return nil, err
	}
	if data.SampleCount > 0 {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("simctl: save vcd: %w", err)
		}
		if err := os.WriteFile(path, []byte(data.VCD), 0o644); err != nil {
			return nil, fmt.Errorf("simctl: save vcd: %w", err)
		}
	}
	return data, nil
}
