package connectors

import (
	"fmt"
	"time"
)

// ConnectionState describes the inspector link lifecycle.
type ConnectionState string

const (
	ConnectionStateDisconnected      ConnectionState = "disconnected"
	ConnectionStateConnecting        ConnectionState = "connecting"
	ConnectionStateAwaitingHandshake ConnectionState = "awaiting_handshake"
	ConnectionStateConnected         ConnectionState = "connected"
	ConnectionStateError             ConnectionState = "error"
)

// Disconnect and error codes carried by ConnStatus and disconnect notices.
const (
	CodeNormal           = 200
	CodeUnauthorized     = 401
	CodeHandshakeTimeout = 408
	CodeProtocolMismatch = 426
	CodeChannelLost      = 502
	CodeBindFailed       = 503
)

// CanTransitionTo reports whether the state machine accepts s -> next.
// Any state may fall to Error or Disconnected; everything else moves forward
// one step per bind cycle.
func (s ConnectionState) CanTransitionTo(next ConnectionState) bool {
	if next == ConnectionStateError || next == ConnectionStateDisconnected {
		return true
	}

	switch s {
	case ConnectionStateDisconnected:
		return next == ConnectionStateConnecting
	case ConnectionStateConnecting:
		return next == ConnectionStateAwaitingHandshake
	case ConnectionStateAwaitingHandshake:
		return next == ConnectionStateConnected
	default:
		return false
	}
}

// Terminal reports whether the current bind cycle is over.
func (s ConnectionState) Terminal() bool {
	return s == ConnectionStateDisconnected || s == ConnectionStateError
}

// ConnStatus is a bus event snapshot of the current link status.
type ConnStatus struct {
	State         ConnectionState
	Code          int
	Err           string
	TransportName string
	Target        string
	Timestamp     time.Time
}

func (s ConnStatus) String() string {
	if s.State == ConnectionStateError {
		return fmt.Sprintf("%s(%d: %s)", s.State, s.Code, s.Err)
	}

	return string(s.State)
}

// RawFrame carries frame diagnostics for debug views.
type RawFrame struct {
	Hex string
	Len int
}
