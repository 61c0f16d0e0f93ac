// Package stream keeps a bidirectional event connection to the valuation
// engine alive and fans inbound events out to subscribers.
package stream

import (
	"encoding/json"
)

const (
	EventMessage = "message"
	EventReady   = "ready"
	EventStart   = "start"
	EventError   = "error"
)

// Event is an inbound frame.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Outbound is a frame sent to the engine.
type Outbound struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
}

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

func (s State) gaugeValue() float64 {
	switch s {
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	case StateFailed:
		return 3
	case StateClosed:
		return 4
	}
	return 0
}
