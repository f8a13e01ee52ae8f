// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package simctl

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
)

type fileUploadMessage struct {
	Name   string `json:"name"`
	Binary string `json:"binary"`
}

type fileDownloadMessage struct {
	Name string `json:"name"`
}

// Upload stores content on the simulator under name. The bytes travel
// base64-encoded inside the command frame.
func (c *Client) Upload(ctx context.Context, name string, content []byte) error {
	_, err := c.t.Request(ctx, "file:upload", fileUploadMessage{
		Name:   name,
		Binary: base64.StdEncoding.EncodeToString(content),
	})
	if err != nil {
		return err
	}
	c.log.Debug().
		Str("event", "client.upload").
		Str("name", name).
		Int("bytes", len(content)).
		Msg("file uploaded")
	return nil
}

// UploadFile uploads a local file under name. An empty path uploads the
// file called name from the working directory.
func (c *Client) UploadFile(ctx context.Context, name, path string) error {
	if path == "" {
		path = name
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("simctl: upload %s: %w", name, err)
	}
	return c.Upload(ctx, name, content)
}

// Download fetches a file previously stored on the simulator.
func (c *Client) Download(ctx context.Context, name string) ([]byte, error) {
	resp, err := c.t.Request(ctx, "file:download", fileDownloadMessage{Name: name})
	if err != nil {
		return nil, err
	}
	var out struct {
		Binary string `json:"binary"`
	}
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return nil, fmt.Errorf("simctl: download %s: %w", name, err)
	}
	data, err := base64.StdEncoding.DecodeString(out.Binary)
	if err != nil {
		return nil, fmt.Errorf("simctl: download %s: %w", name, err)
	}
	return data, nil
}
