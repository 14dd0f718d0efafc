package wire

import (
	"fmt"
	"time"

	"github.com/inspectlink/inspectlink/internal/domain"
)

type Kind uint8

const (
	KindHandshakeRequest Kind = iota + 1
	KindHandshakeResponse
	KindRecord
	KindDisconnect
)

func (k Kind) String() string {
	switch k {
	case KindHandshakeRequest:
		return "handshake_request"
	case KindHandshakeResponse:
		return "handshake_response"
	case KindRecord:
		return "record"
	case KindDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// HandshakeRequest opens every bind cycle.
type HandshakeRequest struct {
	ProtocolVersion  string    `json:"protocol_version"`
	SDKVersion       string    `json:"sdk_version"`
	CheckValue       string    `json:"check_value"`
	DeviceIdentifier string    `json:"device_identifier"`
	Nonce            []byte    `json:"nonce"`
	SentAt           time.Time `json:"sent_at"`
}

// HandshakeResponse is the peer's half of the handshake. Successful is a
// pointer so an absent flag can be told apart from an explicit false.
type HandshakeResponse struct {
	Successful       *bool  `json:"successful,omitempty"`
	AuthToken        string `json:"auth_token,omitempty"`
	DeviceIdentifier string `json:"device_identifier,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`
	ProtocolVersion  string `json:"protocol_version,omitempty"`
}

type DisconnectNotice struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// Message is a decoded frame. Exactly one payload pointer matching Kind is set.
type Message struct {
	Kind              Kind
	HandshakeRequest  *HandshakeRequest
	HandshakeResponse *HandshakeResponse
	Record            *domain.LogRecord
	Disconnect        *DisconnectNotice
}

func Bool(v bool) *bool {
	return &v
}
