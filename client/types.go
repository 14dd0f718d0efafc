package client

import (
	"github.com/inspectlink/inspectlink/internal/config"
	"github.com/inspectlink/inspectlink/internal/connectors"
	"github.com/inspectlink/inspectlink/internal/domain"
	"github.com/inspectlink/inspectlink/internal/transmitter"
)

type (
	NetworkCall     = domain.NetworkCall
	Throwable       = domain.Throwable
	Envelope        = domain.Envelope
	ConnectionState = connectors.ConnectionState
	ConnStatus      = connectors.ConnStatus
	RecordEvent     = connectors.RecordEvent
	SessionInfo     = transmitter.SessionInfo
)

const (
	StateDisconnected      = connectors.ConnectionStateDisconnected
	StateConnecting        = connectors.ConnectionStateConnecting
	StateAwaitingHandshake = connectors.ConnectionStateAwaitingHandshake
	StateConnected         = connectors.ConnectionStateConnected
	StateError             = connectors.ConnectionStateError
)

// Disconnect codes.
const (
	CodeNormal           = connectors.CodeNormal
	CodeUnauthorized     = connectors.CodeUnauthorized
	CodeHandshakeTimeout = connectors.CodeHandshakeTimeout
	CodeProtocolMismatch = connectors.CodeProtocolMismatch
	CodeChannelLost      = connectors.CodeChannelLost
	CodeBindFailed       = connectors.CodeBindFailed
)

// Generic log priorities.
const (
	LogVerbose = domain.LogTypeVerbose
	LogDebug   = domain.LogTypeDebug
	LogInfo    = domain.LogTypeInfo
	LogWarn    = domain.LogTypeWarn
	LogError   = domain.LogTypeError
	LogAssert  = domain.LogTypeAssert
)

// Bus topics carrying ConnStatus and RecordEvent values.
const (
	TopicConnStatus    = connectors.TopicConnStatus
	TopicRecordSent    = connectors.TopicRecordSent
	TopicRecordDropped = connectors.TopicRecordDropped
)

const DefaultRepositorySignature = config.DefaultRepositorySignature
