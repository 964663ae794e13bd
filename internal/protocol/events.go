package protocol

import "encoding/json"

type EventType string

const (
	EventDataChanged      EventType = "DataChanged"
	EventUserConnected    EventType = "UserConnected"
	EventUserDisconnected EventType = "UserDisconnected"
	EventForceLogout      EventType = "ForceLogout"
)

// ServerEvent is pushed by the Host without a preceding request.
type ServerEvent struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DataChangedPayload describes a committed state-changing Action.
// OriginSessionID is empty when the Host itself ran the Action.
type DataChangedPayload struct {
	ActionName      string          `json:"actionName"`
	OriginSessionID string          `json:"originSessionId,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
}

type UserConnectedPayload struct {
	SessionID  string `json:"sessionId"`
	UserID     string `json:"userId"`
	DeviceName string `json:"deviceName"`
}

type UserDisconnectedPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Reason    string `json:"reason"`
}

type ForceLogoutPayload struct {
	Reason string `json:"reason"`
}

// Disconnect reasons carried by UserDisconnected and ForceLogout.
const (
	ReasonClosed       = "closed"
	ReasonHeartbeat    = "heartbeat_timeout"
	ReasonAdmin        = "admin"
	ReasonHostShutdown = "host_shutdown"
	ReasonSlowConsumer = "slow_consumer"
)

// NewEvent builds a ServerEvent with a JSON-encoded payload.
func NewEvent(t EventType, payload any) (ServerEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return ServerEvent{}, err
	}
	return ServerEvent{Type: t, Payload: data}, nil
}

// DecodePayload unmarshals the event payload into v.
func (e ServerEvent) DecodePayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}
