// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package simctl

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultServerURL is the public simulation service endpoint.
	DefaultServerURL = "wss://sim.lux.network/api/ws/beta"

	// TokenURL is where API tokens are issued.
	TokenURL = "https://sim.lux.network/dashboard/ci"

	// EnvServer optionally overrides the server URL. It is read only by
	// ServerURLFromEnv; constructors never consult the environment
	// themselves.
	EnvServer = "SIMCTL_SERVER"

	// EnvToken names the API token variable recognized by the CLI.
	EnvToken = "SIMCTL_TOKEN"

	defaultHandshakeTimeout = 30 * time.Second
)

// Version is the client library version, stamped at build time. It is sent
// to the server as part of the default client identification string.
var Version = "0.0.0-dev"

// ServerURLFromEnv resolves the server URL from SIMCTL_SERVER, falling back
// to DefaultServerURL. Call it at the program edge and pass the result
// through WithServerURL.
func ServerURLFromEnv() string {
	if v := os.Getenv(EnvServer); v != "" {
		return v
	}
	return DefaultServerURL
}

// DialOption configures a Transport or Client.
type DialOption func(*dialOptions)

type dialOptions struct {
	url              string
	clientID         string
	log              zerolog.Logger
	handshakeTimeout time.Duration
}

func defaultDialOptions() *dialOptions {
	return &dialOptions{
		url:              DefaultServerURL,
		clientID:         "simctl/" + Version,
		log:              zerolog.Nop(),
		handshakeTimeout: defaultHandshakeTimeout,
	}
}

func applyDialOptions(opts []DialOption) *dialOptions {
	o := defaultDialOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithServerURL points the client at a specific server instead of
// DefaultServerURL.
func WithServerURL(url string) DialOption {
	return func(o *dialOptions) { o.url = url }
}

// WithClientID overrides the identification string sent in the User-Agent
// header at connect time.
func WithClientID(id string) DialOption {
	return func(o *dialOptions) { o.clientID = id }
}

// WithLogger attaches a logger. The default discards everything.
func WithLogger(log zerolog.Logger) DialOption {
	return func(o *dialOptions) { o.log = log }
}

// WithHandshakeTimeout bounds connection establishment, including the wait
// for the server's hello frame.
func WithHandshakeTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) { o.handshakeTimeout = d }
}

// Dial builds a Transport and connects it in one step. On error no
// background processing is left behind.
func Dial(ctx context.Context, token string, opts ...DialOption) (*Transport, error) {
	t := NewTransport(token, opts...)
	if _, err := t.Connect(ctx); err != nil {
		return nil, err
	}
	return t, nil
}
