// Package feed delivers row-level change notifications for the chat tables.
// Delivery is at-most-once with no ordering guarantee relative to direct
// reads; consumers are expected to re-read full state rather than merge
// deltas.
package feed

import (
	"context"
	"encoding/json"
	"time"
)

// Logical table names the feed carries events for.
const (
	TableMessages = "chat_messages"
	TablePresence = "user_presence"
)

// Type is the kind of row change an event describes.
type Type string

const (
	Insert Type = "INSERT"
	Update Type = "UPDATE"
	Delete Type = "DELETE"
)

// Event is a single row change notification.
type Event struct {
	Table     string          `json:"table"`
	Type      Type            `json:"type"`
	Origin    string          `json:"origin,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent builds an event carrying the changed row as payload.
func NewEvent(table string, typ Type, origin string, payload interface{}) (*Event, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = raw
	}
	return &Event{
		Table:     table,
		Type:      typ,
		Origin:    origin,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// UnmarshalPayload decodes the event payload into the given struct.
func (e *Event) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// SubscribeOptions scope a subscription to event types and filter self-echo.
type SubscribeOptions struct {
	// Types limits delivery to the listed event types; empty means all.
	Types []Type
	// ExcludeOrigin drops events published with the given origin id.
	ExcludeOrigin string
}

func (o SubscribeOptions) matches(e *Event) bool {
	if o.ExcludeOrigin != "" && e.Origin == o.ExcludeOrigin {
		return false
	}
	if len(o.Types) == 0 {
		return true
	}
	for _, t := range o.Types {
		if e.Type == t {
			return true
		}
	}
	return false
}

// Handle is a live subscription to one table. Events() is closed after
// Close; Close is safe to call more than once.
type Handle interface {
	Events() <-chan *Event
	Close() error
}

// Publisher publishes change events.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Subscriber opens table-scoped subscriptions.
type Subscriber interface {
	Subscribe(table string, opts SubscribeOptions) (Handle, error)
}

// Feed combines both sides of the change feed.
type Feed interface {
	Publisher
	Subscriber
	Close() error
}
