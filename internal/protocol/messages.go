// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
//
// Field names are camelCase on the wire (userId, messageId, onlineCount, ...)
// because that is what the deployed web client sends and expects.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeText    = "text"
	TypeTyping  = "typing"
	TypeReceipt = "receipt"
	TypePing    = "ping"
)

// Server -> Client message types. TypeText, TypeTyping and TypeReceipt are
// also sent server -> client when relayed to the partner.
const (
	TypeConnectionEstablished = "connection_established"
	TypeConnectionRejected    = "connection_rejected"
	TypeStats                 = "stats"
	TypeSystem                = "system"
	TypePong                  = "pong"
)

// Sender tags on relayed text messages.
const (
	FromSelf     = "self"
	FromStranger = "stranger"
)

// System message texts. The web client matches these by substring, so the
// wording is part of the protocol.
const (
	SystemConnected    = "[SYSTEM] Connected to a stranger."
	SystemWaiting      = "[SYSTEM] Waiting for a stranger…"
	SystemNoPartner    = "[SYSTEM] No partner available. Please keep waiting…"
	SystemDisconnected = "[SYSTEM] Stranger has disconnected."
	SystemInactive     = "[SYSTEM] Connection closed due to inactivity (2+ days without messages)."

	SystemErrInvalidFormat = "[SYSTEM] Invalid message format."
	SystemErrMissingType   = "[SYSTEM] Message missing type field."
	SystemErrUnknownType   = "[SYSTEM] Unknown message type received."
)

// Sentinel errors returned by ParseClientMessage. The relay maps each to a
// distinct system error reply.
var (
	ErrMalformed   = errors.New("protocol: malformed JSON frame")
	ErrMissingType = errors.New("protocol: missing or empty \"type\" field")
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if partial.Type == "" {
		return ErrMissingType
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// TextMsg is a chat message sent by the client. The id is optional; the
// server assigns one if absent so that delivery receipts can reference it.
type TextMsg struct {
	Type string `json:"type"`
	Data string `json:"data"`
	ID   string `json:"id,omitempty"`
}

// TypingMsg indicates the client is currently typing. It carries no payload;
// the display debounce lives entirely on the receiving client.
type TypingMsg struct {
	Type string `json:"type"`
}

// ReceiptMsg acknowledges delivery of a specific message id.
type ReceiptMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectionEstablishedMsg is sent once immediately after the upgrade,
// carrying the identity assigned to this connection.
type ConnectionEstablishedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// ConnectionRejectedMsg is sent before closing a throttled connection.
type ConnectionRejectedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// StatsMsg is the presence snapshot broadcast to every live connection.
type StatsMsg struct {
	Type         string `json:"type"`
	OnlineCount  int    `json:"onlineCount"`
	WaitingUsers int    `json:"waitingUsers"`
	ActivePairs  int    `json:"activePairs"`
}

// SystemMsg carries a human-readable notice or error text.
type SystemMsg struct {
	Type   string `json:"type"`
	System string `json:"system"`
}

// ServerTextMsg is a text message as delivered by the server: the sender
// receives it tagged from "self", the partner tagged from "stranger", both
// carrying the same id.
type ServerTextMsg struct {
	Type string `json:"type"`
	Data string `json:"data"`
	From string `json:"from"`
	ID   string `json:"id"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. The error wraps ErrMalformed, ErrMissingType or
// ErrUnknownType so callers can reply with the matching system error text.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if errors.Is(err, ErrMissingType) || errors.Is(err, ErrMalformed) {
			return "", nil, err
		}
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeText:
		var m TextMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReceipt:
		var m ReceiptMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("%w: decode %q payload: %v", ErrMalformed, env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// MustServerMessage is NewServerMessage for payloads built from static
// structs, where a marshal failure is a programming error.
func MustServerMessage(msgType string, payload interface{}) []byte {
	data, err := NewServerMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return data
}

// SystemMessage builds a {type:"system", system:text} frame.
func SystemMessage(text string) []byte {
	return MustServerMessage(TypeSystem, SystemMsg{System: text})
}
