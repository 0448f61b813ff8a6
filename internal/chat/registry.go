package chat

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"moplaychat/internal/feed"
)

// Deps bundles the collaborators injected into every room manager.
type Deps struct {
	// Sessions builds a session provider scoped to one user.
	Sessions func(userID int64) SessionProvider
	Messages MessageStore
	Presence PresenceStore
	Feed     feed.Subscriber
	Options  Options
	Log      zerolog.Logger
}

// Registry owns one running manager per signed-in user, mirroring one chat
// page per browser session.
type Registry struct {
	deps Deps

	mu    sync.Mutex
	rooms map[int64]*roomEntry
}

type roomEntry struct {
	mgr    *Manager
	cancel context.CancelFunc
}

// NewRegistry builds an empty registry.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:  deps,
		rooms: make(map[int64]*roomEntry),
	}
}

// Enter returns the user's room manager, starting one if none is running.
func (r *Registry) Enter(userID int64) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.rooms[userID]; ok {
		return entry.mgr
	}

	log := r.deps.Log.With().Int64("user_id", userID).Logger()
	mgr := NewManager(
		r.deps.Sessions(userID),
		r.deps.Messages,
		r.deps.Presence,
		r.deps.Feed,
		r.deps.Options,
		log,
	)
	ctx, cancel := context.WithCancel(context.Background())
	entry := &roomEntry{mgr: mgr, cancel: cancel}
	r.rooms[userID] = entry

	go func() {
		mgr.Run(ctx)
		r.mu.Lock()
		if current, ok := r.rooms[userID]; ok && current == entry {
			delete(r.rooms, userID)
		}
		r.mu.Unlock()
	}()
	return mgr
}

// Get returns the user's running manager, or nil.
func (r *Registry) Get(userID int64) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.rooms[userID]; ok {
		return entry.mgr
	}
	return nil
}

// Stop tears down the user's room, if running, and waits for its cleanup.
// The slot is freed before Stop returns, so a racing Enter always gets a
// fresh manager rather than the one being torn down.
func (r *Registry) Stop(userID int64) {
	r.mu.Lock()
	entry, ok := r.rooms[userID]
	if ok {
		delete(r.rooms, userID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	entry.cancel()
	<-entry.mgr.Done()
}

// Shutdown stops every room.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	entries := make([]*roomEntry, 0, len(r.rooms))
	for _, entry := range r.rooms {
		entries = append(entries, entry)
	}
	r.rooms = make(map[int64]*roomEntry)
	r.mu.Unlock()

	for _, entry := range entries {
		entry.cancel()
		<-entry.mgr.Done()
	}
}
