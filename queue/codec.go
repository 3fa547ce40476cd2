package queue

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/goliatone/go-payhooks/core"
)

type wireMessage struct {
	ID         string            `json:"id"`
	Kind       core.MessageKind  `json:"kind"`
	Payload    json.RawMessage   `json:"payload"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
	Attempt    int               `json:"attempt,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Encode writes the envelope with the kind-specific body under "payload".
func Encode(msg core.QueueMessage) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	var body any
	switch msg.Kind {
	case core.MessageKindNotification:
		body = msg.Notification
	case core.MessageKindPush:
		body = msg.Push
	case core.MessageKindEmail:
		body = msg.Email
	case core.MessageKindBulkEmail:
		body = msg.BulkEmail
	default:
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownMessageKind, msg.Kind)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("queue: encode %s payload: %w", msg.Kind, err)
	}
	return json.Marshal(wireMessage{
		ID:         msg.ID,
		Kind:       msg.Kind,
		Payload:    payload,
		EnqueuedAt: msg.EnqueuedAt,
		Attempt:    msg.Attempt,
		Metadata:   msg.Metadata,
	})
}

// Decode errors are permanent: redelivering the same bytes cannot help.
func Decode(data []byte) (core.QueueMessage, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return core.QueueMessage{}, core.Permanent(fmt.Errorf("%w: %v", core.ErrInvalidMessage, err))
	}
	msg := core.QueueMessage{
		ID:         wire.ID,
		Kind:       wire.Kind,
		EnqueuedAt: wire.EnqueuedAt,
		Attempt:    wire.Attempt,
		Metadata:   wire.Metadata,
	}
	var target any
	switch wire.Kind {
	case core.MessageKindNotification:
		msg.Notification = &core.Notification{}
		target = msg.Notification
	case core.MessageKindPush:
		msg.Push = &core.PushNotification{}
		target = msg.Push
	case core.MessageKindEmail:
		msg.Email = &core.EmailJob{}
		target = msg.Email
	case core.MessageKindBulkEmail:
		msg.BulkEmail = &core.BulkEmailJob{}
		target = msg.BulkEmail
	default:
		return core.QueueMessage{}, core.Permanent(fmt.Errorf("%w: %q", core.ErrUnknownMessageKind, wire.Kind))
	}
	if err := json.Unmarshal(wire.Payload, target); err != nil {
		return core.QueueMessage{}, core.Permanent(fmt.Errorf("%w: %s payload: %v", core.ErrInvalidMessage, wire.Kind, err))
	}
	if err := msg.Validate(); err != nil {
		return core.QueueMessage{}, core.Permanent(err)
	}
	return msg, nil
}
