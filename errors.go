// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package simctl

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by operations that need a live session
	// before Connect has succeeded.
	ErrNotConnected = errors.New("simctl: not connected")

	// ErrConnClosed reports that the session is gone. Requests in flight
	// when the connection dies fail with an error wrapping it.
	ErrConnClosed = errors.New("simctl: connection closed")

	// ErrQueueEmpty is returned by EventQueue.TryGet when nothing is buffered.
	ErrQueueEmpty = errors.New("simctl: event queue empty")

	// ErrQueueClosed is returned by EventQueue.Get once the queue is closed.
	ErrQueueClosed = errors.New("simctl: event queue closed")

	// ErrCallTimeout reports that a blocking call exceeded the facade's
	// per-call timeout. The in-flight operation is cancelled, not abandoned.
	ErrCallTimeout = errors.New("simctl: call timed out")

	// ErrClientClosed is returned by BlockingClient methods after Close.
	ErrClientClosed = errors.New("simctl: client closed")
)

// ProtocolError reports a handshake this client cannot speak: the first
// inbound frame was not a hello, or it carried an unsupported protocol
// version. Fatal; Connect aborts before any background processing starts.
type ProtocolError struct {
	FrameType string // type discriminator of the offending frame
	Version   int    // protocolVersion carried by the frame, if any
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("simctl: unsupported protocol handshake (type %q, version %d)", e.FrameType, e.Version)
}

// ServerError is an application-level failure carried in a response frame
// with its error flag set. It is scoped to the single request that caused
// it; the session stays usable.
type ServerError struct {
	Command string
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("simctl: %s: server error %d: %s", e.Command, e.Code, e.Message)
}

// DecodeError reports an inbound frame the codec cannot understand. Frames
// that are not valid JSON or lack the type discriminator are fatal to the
// session; unexpected binary frames are skipped and never produce one.
type DecodeError struct {
	Reason string
	Frame  []byte
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("simctl: decode frame: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("simctl: decode frame: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }
