package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type NotificationKind string

const (
	NotificationConnectionRequest  NotificationKind = "connection_request"
	NotificationConnectionAccepted NotificationKind = "connection_accepted"
	NotificationNewMessage         NotificationKind = "new_message"
	NotificationOther              NotificationKind = "other"
)

// NotificationPayload is implemented by one struct per notification kind.
type NotificationPayload interface {
	Kind() NotificationKind
}

type ConnectionRequestPayload struct {
	RequestID string `json:"request_id"`
	Message   string `json:"message,omitempty"`
}

func (ConnectionRequestPayload) Kind() NotificationKind { return NotificationConnectionRequest }

type ConnectionAcceptedPayload struct {
	ConnectionID string `json:"connection_id"`
}

func (ConnectionAcceptedPayload) Kind() NotificationKind { return NotificationConnectionAccepted }

type NewMessagePayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Preview        string `json:"preview"`
}

func (NewMessagePayload) Kind() NotificationKind { return NotificationNewMessage }

// OtherPayload keeps notifications of kinds this build does not know about.
type OtherPayload struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"raw,omitempty"`
}

func (OtherPayload) Kind() NotificationKind { return NotificationOther }

type Notification struct {
	ID          string              `json:"id"`
	RecipientID string              `json:"recipient_id"`
	ActorID     string              `json:"actor_id"`
	Payload     NotificationPayload `json:"payload"`
	Read        bool                `json:"read"`
	CreatedAt   time.Time           `json:"created_at"`
}

func (n Notification) Kind() NotificationKind {
	if n.Payload == nil {
		return NotificationOther
	}
	return n.Payload.Kind()
}

func (n Notification) MarshalJSON() ([]byte, error) {
	type alias Notification
	return json.Marshal(struct {
		alias
		Kind NotificationKind `json:"kind"`
	}{alias: alias(n), Kind: n.Kind()})
}

// EncodePayload returns the stored kind tag and JSON body of a payload.
func EncodePayload(p NotificationPayload) (string, []byte, error) {
	if other, ok := p.(OtherPayload); ok {
		kind := other.Type
		if kind == "" {
			kind = string(NotificationOther)
		}
		raw := other.Raw
		if len(raw) == 0 {
			raw = json.RawMessage("{}")
		}
		return kind, raw, nil
	}
	if p == nil {
		return string(NotificationOther), []byte("{}"), nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode %s payload: %w", p.Kind(), err)
	}
	return string(p.Kind()), data, nil
}

// DecodePayload rebuilds a payload from its stored kind tag. Unknown kinds
// decode into OtherPayload.
func DecodePayload(kind string, data []byte) (NotificationPayload, error) {
	var (
		p   NotificationPayload
		err error
	)
	switch NotificationKind(kind) {
	case NotificationConnectionRequest:
		var v ConnectionRequestPayload
		err = json.Unmarshal(data, &v)
		p = v
	case NotificationConnectionAccepted:
		var v ConnectionAcceptedPayload
		err = json.Unmarshal(data, &v)
		p = v
	case NotificationNewMessage:
		var v NewMessagePayload
		err = json.Unmarshal(data, &v)
		p = v
	default:
		p = OtherPayload{Type: kind, Raw: append(json.RawMessage(nil), data...)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
	}
	return p, nil
}
