// ============================================================================
// proctor-guard Worker Protocol - Message Definitions
// ============================================================================
//
// Package: internal/protocol
// File: message.go
// Purpose: The closed set of messages exchanged between the supervisor and
//          exactly one worker process over its stdin/stdout pipes.
//
// Message kinds:
//   heartbeat  worker → supervisor   {worker, pid, ts, mode}
//   event      worker → supervisor   {worker, ts, payload}
//   command    supervisor → worker   {cmd, args}
//
// Anything outside this set is rejected by Validate and dropped by the
// receiver; there is no best-effort parsing of unknown shapes.
//
// ============================================================================

package protocol

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownKind is returned for a message whose kind tag is not one
	// of heartbeat, event or command.
	ErrUnknownKind = errors.New("protocol: unknown message kind")
	// ErrMalformed is returned when a known kind is missing a required field.
	ErrMalformed = errors.New("protocol: malformed message")
)

// Kind tags a Message.
type Kind string

const (
	KindHeartbeat Kind = "heartbeat"
	KindEvent     Kind = "event"
	KindCommand   Kind = "command"
)

// Command verbs every worker understands. Concerns may add their own.
const (
	CmdStop     = "stop"
	CmdPing     = "ping"
	CmdSnapshot = "snapshot"
)

// Worker modes reported in heartbeats.
const (
	ModeConnecting = "connecting"
	ModeNative     = "native"
	ModeFallback   = "fallback"
)

// Message is the tagged union carried on a worker pipe. Timestamps are Unix
// milliseconds.
type Message struct {
	Kind      Kind           `cbor:"kind"`
	Worker    string         `cbor:"worker,omitempty"`
	PID       int            `cbor:"pid,omitempty"`
	Timestamp int64          `cbor:"ts,omitempty"`
	Mode      string         `cbor:"mode,omitempty"`
	Payload   map[string]any `cbor:"payload,omitempty"`
	Cmd       string         `cbor:"cmd,omitempty"`
	Args      map[string]any `cbor:"args,omitempty"`
}

// Heartbeat builds a liveness message.
func Heartbeat(worker string, pid int, mode string, now time.Time) Message {
	return Message{
		Kind:      KindHeartbeat,
		Worker:    worker,
		PID:       pid,
		Timestamp: now.UnixMilli(),
		Mode:      mode,
	}
}

// Event builds a detection result message.
func Event(worker string, payload map[string]any, now time.Time) Message {
	return Message{
		Kind:      KindEvent,
		Worker:    worker,
		Timestamp: now.UnixMilli(),
		Payload:   payload,
	}
}

// Command builds a control message.
func Command(cmd string, args map[string]any) Message {
	return Message{Kind: KindCommand, Cmd: cmd, Args: args}
}

// Time returns the message timestamp.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// Validate checks the per-kind shape.
func (m Message) Validate() error {
	switch m.Kind {
	case KindHeartbeat:
		if m.Worker == "" || m.Timestamp == 0 {
			return fmt.Errorf("%w: heartbeat requires worker and ts", ErrMalformed)
		}
	case KindEvent:
		if m.Worker == "" || m.Timestamp == 0 {
			return fmt.Errorf("%w: event requires worker and ts", ErrMalformed)
		}
		if m.Payload == nil {
			return fmt.Errorf("%w: event requires payload", ErrMalformed)
		}
	case KindCommand:
		if m.Cmd == "" {
			return fmt.Errorf("%w: command requires cmd", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	return nil
}

// StringArg reads a string argument from a command.
func (m Message) StringArg(name string) (string, bool) {
	v, ok := m.Args[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
