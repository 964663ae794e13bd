// Package protocol defines the wire messages exchanged between a Host and its
// Clients. Every websocket text frame carries exactly one Envelope encoded as
// JSON; the Type selects the shape of Payload.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Path is the HTTP path the Host upgrades to a websocket.
const Path = "/lan/ws"

type MessageType string

const (
	MsgAuth          MessageType = "auth"
	MsgAuthResult    MessageType = "auth_result"
	MsgHeartbeat     MessageType = "heartbeat"
	MsgHeartbeatAck  MessageType = "heartbeat_ack"
	MsgAction        MessageType = "action"
	MsgActionResult  MessageType = "action_result"
	MsgEvent         MessageType = "event"
	MsgProtocolError MessageType = "error"
)

// Envelope is the frame wrapper. CorrelationID pairs requests with responses
// and is empty for events.
type Envelope struct {
	Type          MessageType     `json:"type"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(t MessageType, correlationID string, payload any) (Envelope, error) {
	env := Envelope{Type: t, CorrelationID: correlationID}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return env, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Payload = data
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: %w", e.Type, err)
	}
	return nil
}

type AuthRequest struct {
	DeviceID       string `json:"deviceId"`
	DeviceName     string `json:"deviceName"`
	Username       string `json:"username"`
	CredentialHash string `json:"credentialHash"`
}

type SeatInfo struct {
	MaxSeats    int `json:"maxSeats"`
	ActiveSeats int `json:"activeSeats"`
}

type AuthResponse struct {
	Success      bool      `json:"success"`
	SessionToken string    `json:"sessionToken,omitempty"`
	SeatInfo     *SeatInfo `json:"seatInfo,omitempty"`
	ErrorCode    ErrorCode `json:"errorCode,omitempty"`
	Message      string    `json:"message,omitempty"`
}

type HeartbeatRequest struct {
	SessionToken string    `json:"sessionToken"`
	ClientTime   time.Time `json:"clientTime"`
}

type HeartbeatResponse struct {
	Success    bool      `json:"success"`
	ServerTime time.Time `json:"serverTime"`
	ErrorCode  ErrorCode `json:"errorCode,omitempty"`
}

type ActionRequest struct {
	SessionToken  string          `json:"sessionToken"`
	CorrelationID string          `json:"correlationId"`
	ActionName    string          `json:"actionName"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type ActionResponse struct {
	CorrelationID string          `json:"correlationId"`
	Success       bool            `json:"success"`
	Result        json.RawMessage `json:"result,omitempty"`
	ErrorCode     ErrorCode       `json:"errorCode,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// Err converts a failed response into an *Error. It returns nil on success.
func (r ActionResponse) Err() error {
	if r.Success {
		return nil
	}
	return &Error{Code: r.ErrorCode, Message: r.Message}
}
