package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"moplaychat/internal/feed"
	"moplaychat/internal/models"
)

// PresenceStore maintains the shared online-status table. The remote store
// enforces user_id uniqueness (primary key); concurrent writers resolve by
// last write wins.
type PresenceStore struct {
	db     *sql.DB
	driver string
	feed   feed.Publisher
	log    zerolog.Logger
}

// NewPresenceStore builds a presence store for the given driver
// ("sqlite3" or "mysql"). The publisher may be nil.
func NewPresenceStore(db *sql.DB, driver string, pub feed.Publisher, log zerolog.Logger) *PresenceStore {
	return &PresenceStore{db: db, driver: strings.ToLower(driver), feed: pub, log: log}
}

// Upsert inserts or updates the record keyed by user id in one statement.
func (s *PresenceStore) Upsert(ctx context.Context, origin string, rec *models.PresenceRecord) error {
	if rec == nil {
		return errors.New("record required")
	}
	var stmt string
	switch s.driver {
	case "sqlite", "sqlite3":
		stmt = `INSERT INTO user_presence (user_id, username, is_online, last_seen_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				username = excluded.username,
				is_online = excluded.is_online,
				last_seen_at = excluded.last_seen_at`
	case "mysql":
		stmt = `INSERT INTO user_presence (user_id, username, is_online, last_seen_at)
			VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				username = VALUES(username),
				is_online = VALUES(is_online),
				last_seen_at = VALUES(last_seen_at)`
	default:
		return fmt.Errorf("upsert unsupported for driver %s", s.driver)
	}
	if _, err := s.db.ExecContext(ctx, stmt, rec.UserID, rec.Username, rec.IsOnline, rec.LastSeenAt); err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	s.announce(ctx, feed.Update, origin, rec)
	return nil
}

// Insert creates a fresh record. Fails if a row for the user already exists.
func (s *PresenceStore) Insert(ctx context.Context, origin string, rec *models.PresenceRecord) error {
	if rec == nil {
		return errors.New("record required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_presence (user_id, username, is_online, last_seen_at) VALUES (?, ?, ?, ?)`,
		rec.UserID, rec.Username, rec.IsOnline, rec.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("insert presence: %w", err)
	}
	s.announce(ctx, feed.Insert, origin, rec)
	return nil
}

// SetOnline updates the online flag and timestamp for an existing row and
// reports how many rows matched, so callers can fall back to Insert.
func (s *PresenceStore) SetOnline(ctx context.Context, origin string, rec *models.PresenceRecord) (int64, error) {
	if rec == nil {
		return 0, errors.New("record required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_presence SET is_online = ?, last_seen_at = ? WHERE user_id = ?`,
		rec.IsOnline, rec.LastSeenAt, rec.UserID,
	)
	if err != nil {
		return 0, fmt.Errorf("update presence: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("presence rows affected: %w", err)
	}
	if affected > 0 {
		s.announce(ctx, feed.Update, origin, rec)
	}
	return affected, nil
}

// Delete removes the record for the user, if any.
func (s *PresenceStore) Delete(ctx context.Context, origin string, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_presence WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	s.announce(ctx, feed.Delete, origin, &models.PresenceRecord{UserID: userID})
	return nil
}

// ListOnline returns every record currently flagged online, sorted by
// username. Staleness of last_seen_at is not interpreted here.
func (s *PresenceStore) ListOnline(ctx context.Context) ([]*models.PresenceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, username, is_online, last_seen_at FROM user_presence
		 WHERE is_online = ? ORDER BY username`, true,
	)
	if err != nil {
		return nil, fmt.Errorf("query presence: %w", err)
	}
	defer rows.Close()

	var records []*models.PresenceRecord
	for rows.Next() {
		var rec models.PresenceRecord
		if err := rows.Scan(&rec.UserID, &rec.Username, &rec.IsOnline, &rec.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		if !rec.Valid() {
			continue
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate presence: %w", err)
	}
	return records, nil
}

func (s *PresenceStore) announce(ctx context.Context, typ feed.Type, origin string, rec *models.PresenceRecord) {
	if s.feed == nil {
		return
	}
	event, err := feed.NewEvent(feed.TablePresence, typ, origin, rec)
	if err != nil {
		s.log.Warn().Err(err).Msg("encode presence event failed")
		return
	}
	if err := s.feed.Publish(ctx, event); err != nil {
		s.log.Warn().Err(err).Msg("publish presence event failed")
	}
}
