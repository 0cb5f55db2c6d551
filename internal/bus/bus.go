// Package bus provides the event spine that carries chat platform events
// (messages, reactions) from platform clients to the session manager.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types carried on the bus.
const (
	EventMessage  = "platform.message"
	EventReaction = "platform.reaction"
)

// MessageSubject returns the subject for a platform's inbound posts.
func MessageSubject(platformID string) string {
	return fmt.Sprintf("platform.%s.message", platformID)
}

// ReactionSubject returns the subject for a platform's inbound reactions.
func ReactionSubject(platformID string) string {
	return fmt.Sprintf("platform.%s.reaction", platformID)
}

// Event represents a message on the event bus. The payload is kept as raw
// JSON so both the in-memory and NATS backends carry it identically.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"` // platform id that produced the event
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp, marshaling
// the payload.
func NewEvent(eventType, source string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// EventHandler is a function that handles an event. Handlers on one
// subscription are invoked sequentially in publish order.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations.
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
