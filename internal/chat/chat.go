// Package chat implements the community chat room engine: a per-user
// manager that bridges the externally-owned session to the room, announces
// presence, keeps the online-user list and message history fresh through
// both polling and the change feed, and validates outgoing messages.
package chat

import (
	"context"
	"errors"
	"time"

	"moplaychat/internal/models"
)

// MaxMessageChars is the message length limit, counted in characters
// before sanitization.
const MaxMessageChars = 500

var (
	// ErrMessageEmpty rejects messages that are empty after sanitization.
	ErrMessageEmpty = errors.New("message cannot be empty or contain only markup")
	// ErrMessageTooLong rejects messages over MaxMessageChars characters.
	ErrMessageTooLong = errors.New("message exceeds the length limit")
	// ErrNotSignedIn rejects room operations while no session is active.
	ErrNotSignedIn = errors.New("not signed in")
	// ErrRoomClosed is returned once the manager has shut down.
	ErrRoomClosed = errors.New("chat room closed")
)

// SessionProvider exposes the externally-owned session. Current may flip
// between nil and non-nil at any time; it offers no push notification and
// must be polled.
type SessionProvider interface {
	Ready() <-chan struct{}
	Current(ctx context.Context) (*models.Session, error)
}

// MessageStore is the remote message table.
type MessageStore interface {
	Insert(ctx context.Context, origin string, msg *models.ChatMessage) (*models.ChatMessage, error)
	Recent(ctx context.Context, limit int) ([]*models.ChatMessage, error)
}

// PresenceStore is the remote online-status table. The store enforces
// user id uniqueness; this package never assumes more than that.
type PresenceStore interface {
	Upsert(ctx context.Context, origin string, rec *models.PresenceRecord) error
	Insert(ctx context.Context, origin string, rec *models.PresenceRecord) error
	SetOnline(ctx context.Context, origin string, rec *models.PresenceRecord) (int64, error)
	Delete(ctx context.Context, origin string, userID int64) error
	ListOnline(ctx context.Context) ([]*models.PresenceRecord, error)
}

// Options tune the room engine cadences. Polling is the primary freshness
// mechanism; the change feed only lowers latency.
type Options struct {
	// GatePoll is how often the session provider is polled.
	GatePoll time.Duration
	// Heartbeat is the forced presence re-announce interval.
	Heartbeat time.Duration
	// ListRefresh is the unconditional online-list refresh interval.
	ListRefresh time.Duration
	// MessageReload is the fallback full message reload interval.
	MessageReload time.Duration
	// PresenceDebounce delays list refreshes triggered by change events.
	PresenceDebounce time.Duration
	// HistoryLimit caps how many recent messages are loaded.
	HistoryLimit int
	// OfflineTimeout bounds the best-effort offline announcement.
	OfflineTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.GatePoll <= 0 {
		o.GatePoll = time.Second
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 5 * time.Second
	}
	if o.ListRefresh <= 0 {
		o.ListRefresh = 3 * time.Second
	}
	if o.MessageReload <= 0 {
		o.MessageReload = 10 * time.Second
	}
	if o.PresenceDebounce <= 0 {
		o.PresenceDebounce = 500 * time.Millisecond
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 50
	}
	if o.OfflineTimeout <= 0 {
		o.OfflineTimeout = 2 * time.Second
	}
	return o
}
