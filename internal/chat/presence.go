package chat

import (
	"context"
	"time"

	"moplaychat/internal/models"
)

// Presence is best-effort throughout: every failure here is logged and
// swallowed, and the periodic heartbeat heals whatever state was missed.

func (m *Manager) presenceRecord(online bool) *models.PresenceRecord {
	session := m.room.session
	if session == nil {
		return nil
	}
	return &models.PresenceRecord{
		UserID:     session.UserID,
		Username:   session.Username,
		IsOnline:   online,
		LastSeenAt: time.Now().UTC(),
	}
}

// announceOnline publishes the user's online status via upsert. If the
// upsert primitive fails, it falls back to update-by-key, then insert when
// the update matched no row. Row uniqueness is the store's job.
func (m *Manager) announceOnline(ctx context.Context) {
	rec := m.presenceRecord(true)
	if rec == nil {
		return
	}
	err := m.presence.Upsert(ctx, m.origin, rec)
	if err == nil {
		return
	}
	m.log.Warn().Err(err).Msg("presence upsert failed, trying update then insert")

	affected, updateErr := m.presence.SetOnline(ctx, m.origin, rec)
	if updateErr == nil && affected > 0 {
		return
	}
	if insertErr := m.presence.Insert(ctx, m.origin, rec); insertErr != nil {
		m.log.Warn().Err(insertErr).Msg("presence insert fallback failed")
	}
}

// announceOnlineForced deletes any existing record and inserts a fresh one.
// Used as the heartbeat to recover from silent update failures on the
// remote side. Repeated calls converge on the same single-row state.
func (m *Manager) announceOnlineForced(ctx context.Context) {
	rec := m.presenceRecord(true)
	if rec == nil {
		return
	}
	if err := m.presence.Delete(ctx, m.origin, rec.UserID); err != nil {
		m.log.Warn().Err(err).Msg("presence delete failed")
	}
	if err := m.presence.Insert(ctx, m.origin, rec); err != nil {
		m.log.Warn().Err(err).Msg("forced presence insert failed")
	}
}

// announceOffline flips the record offline. Best-effort with its own
// deadline: callers may be tearing the room down and must not wait on a
// slow remote.
func (m *Manager) announceOffline() {
	rec := m.presenceRecord(false)
	if rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.OfflineTimeout)
	defer cancel()
	if _, err := m.presence.SetOnline(ctx, m.origin, rec); err != nil {
		m.log.Warn().Err(err).Msg("offline announce failed")
	}
}

// announceVisibility reflects tab visibility rather than login state.
func (m *Manager) announceVisibility(ctx context.Context, visible bool) error {
	if m.room.session == nil {
		return ErrNotSignedIn
	}
	rec := m.presenceRecord(visible)
	if _, err := m.presence.SetOnline(ctx, m.origin, rec); err != nil {
		m.log.Warn().Err(err).Bool("visible", visible).Msg("visibility announce failed")
	}
	return nil
}

// refreshOnlineUsers re-reads the full online list and replaces the view.
// A stale in-flight refresh that lands later simply replaces it again.
func (m *Manager) refreshOnlineUsers(ctx context.Context) {
	if m.room.session == nil {
		return
	}
	records, err := m.presence.ListOnline(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("online list refresh failed")
		return
	}
	m.room.replaceOnline(records)
	m.publish()
}
