package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"moplaychat/internal/feed"
	"moplaychat/internal/models"
)

func newTestRegistry(t *testing.T, sessions map[int64]*fakeSessions) *Registry {
	t.Helper()
	memFeed := feed.NewMemoryFeed()
	t.Cleanup(func() { memFeed.Close() })
	return NewRegistry(Deps{
		Sessions: func(userID int64) SessionProvider {
			if s, ok := sessions[userID]; ok {
				return s
			}
			return newFakeSessions(nil)
		},
		Messages: &fakeMessages{feed: memFeed},
		Presence: newFakePresence(),
		Feed:     memFeed,
		Options:  slowTimers(),
		Log:      zerolog.Nop(),
	})
}

func TestRegistryReturnsSameManagerPerUser(t *testing.T) {
	sessions := map[int64]*fakeSessions{
		1: newFakeSessions(&models.Session{UserID: 1, Username: "alice"}),
	}
	r := newTestRegistry(t, sessions)
	defer r.Shutdown()

	first := r.Enter(1)
	second := r.Enter(1)
	if first != second {
		t.Fatalf("expected one manager per user")
	}
	if r.Get(1) != first {
		t.Fatalf("Get returned a different manager")
	}
	if r.Get(2) != nil {
		t.Fatalf("expected nil for unknown user")
	}
}

func TestRegistryStopRemovesRoom(t *testing.T) {
	sessions := map[int64]*fakeSessions{
		1: newFakeSessions(&models.Session{UserID: 1, Username: "alice"}),
	}
	r := newTestRegistry(t, sessions)
	defer r.Shutdown()

	mgr := r.Enter(1)
	waitSnapshot(t, mgr, func(s Snapshot) bool { return s.Phase == PhaseActive })

	r.Stop(1)
	select {
	case <-mgr.Done():
	default:
		t.Fatalf("Stop returned before the manager finished")
	}

	// the slot is freed synchronously; an immediate Enter gets a live room
	if r.Get(1) != nil {
		t.Fatalf("stopped room still registered")
	}
	replacement := r.Enter(1)
	if replacement == mgr {
		t.Fatalf("expected a fresh manager after stop")
	}
	if err := replacement.Send(context.Background(), "hi"); errors.Is(err, ErrRoomClosed) {
		t.Fatalf("replacement manager is not running")
	}
}

func TestRegistryShutdownStopsEveryRoom(t *testing.T) {
	sessions := map[int64]*fakeSessions{
		1: newFakeSessions(&models.Session{UserID: 1, Username: "alice"}),
		2: newFakeSessions(&models.Session{UserID: 2, Username: "bob"}),
	}
	r := newTestRegistry(t, sessions)

	first := r.Enter(1)
	second := r.Enter(2)
	waitSnapshot(t, first, func(s Snapshot) bool { return s.Phase == PhaseActive })
	waitSnapshot(t, second, func(s Snapshot) bool { return s.Phase == PhaseActive })

	r.Shutdown()
	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("first manager did not stop")
	}
	select {
	case <-second.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("second manager did not stop")
	}
}
