// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package simctl

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the wire protocol generation this client speaks. The
// server announces its own in the hello frame and the two must match.
const ProtocolVersion = 1

// Frame type discriminators. Every frame on the wire is a single JSON text
// message tagged with one of these.
const (
	msgTypeHello    = "hello"
	msgTypeCommand  = "command"
	msgTypeResponse = "response"
	msgTypeEvent    = "event"
	msgTypeError    = "error"
)

// EventKind names a class of server-push events. Dispatch is keyed on these
// values; the constants below cover the kinds this package itself consumes.
// Any other string the server emits is delivered verbatim to listeners
// registered for it.
type EventKind string

const (
	// EventSimPause fires whenever the simulation pauses, with the virtual
	// clock reading in the event's Nanos field.
	EventSimPause EventKind = "sim:pause"

	// EventSerialData carries a chunk of console output.
	EventSerialData EventKind = "serial-monitor:data"

	// EventPinChange reports a level change on a pin previously armed with
	// PinListen.
	EventPinChange EventKind = "pin:change"
)

// commandMessage is the client to server envelope.
type commandMessage struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	ID      string `json:"id"`
	Params  any    `json:"params"`
}

// frame is the decoded server to client envelope before classification. One
// struct covers all inbound shapes; Type selects which fields are live.
type frame struct {
	Type string `json:"type"`

	// hello
	ProtocolVersion int    `json:"protocolVersion"`
	AppName         string `json:"appName"`
	AppVersion      string `json:"appVersion"`

	// response
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Result  json.RawMessage `json:"result"`
	Error   bool            `json:"error"`

	// event
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Nanos   float64         `json:"nanos"`
	Paused  bool            `json:"paused"`

	// error
	Message string `json:"message"`
}

// Response is the server's reply to one command, correlated by request id.
// Result holds the undecoded body; command wrappers decode what they need.
type Response struct {
	Command string
	ID      string
	Result  json.RawMessage
}

// Event is one unsolicited server push message. Nanos is the virtual clock
// reading when the event was emitted and Paused whether the simulation was
// paused at that point.
type Event struct {
	Kind    EventKind
	Payload json.RawMessage
	Nanos   float64
	Paused  bool
}

// errorResult is the result body of a response frame whose error flag is set.
type errorResult struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// encodeCommand builds the wire form of one command frame. A nil params
// marshals as an empty object, never null.
func encodeCommand(command, id string, params any) ([]byte, error) {
	if params == nil {
		params = struct{}{}
	}
	data, err := json.Marshal(commandMessage{
		Type:    msgTypeCommand,
		Command: command,
		ID:      id,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("simctl: encode %s: %w", command, err)
	}
	return data, nil
}

// decodeFrame parses one inbound text frame. Anything that is not valid
// JSON, or that lacks the type discriminator, is a fatal decode failure.
func decodeFrame(data []byte) (*frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &DecodeError{Reason: "not valid JSON", Frame: data, Err: err}
	}
	if f.Type == "" {
		return nil, &DecodeError{Reason: "missing type discriminator", Frame: data}
	}
	return &f, nil
}

// serverError extracts the {code, message} body of a failed response,
// keeping sane defaults when the server sent neither.
func (f *frame) serverError() *ServerError {
	res := errorResult{Code: -1, Message: "unknown server error"}
	if len(f.Result) > 0 {
		_ = json.Unmarshal(f.Result, &res)
	}
	return &ServerError{Command: f.Command, Code: res.Code, Message: res.Message}
}

// event converts a classified frame into its public form.
func (f *frame) event() *Event {
	return &Event{
		Kind:    EventKind(f.Event),
		Payload: f.Payload,
		Nanos:   f.Nanos,
		Paused:  f.Paused,
	}
}
