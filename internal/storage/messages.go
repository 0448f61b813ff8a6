package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"moplaychat/internal/feed"
	"moplaychat/internal/models"
)

// MessageStore persists chat messages and announces inserts on the change
// feed. Rows are append-only; retention is handled externally.
type MessageStore struct {
	db   *sql.DB
	feed feed.Publisher
	log  zerolog.Logger
}

// NewMessageStore builds a message store. The publisher may be nil, in which
// case writes are silent.
func NewMessageStore(db *sql.DB, pub feed.Publisher, log zerolog.Logger) *MessageStore {
	return &MessageStore{db: db, feed: pub, log: log}
}

// Insert stores a new message and returns it with its assigned id. The
// origin id travels with the change event so the writer's own subscription
// can filter the echo.
func (s *MessageStore) Insert(ctx context.Context, origin string, msg *models.ChatMessage) (*models.ChatMessage, error) {
	if msg == nil {
		return nil, errors.New("message required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (user_id, username, text, created_at) VALUES (?, ?, ?, ?)`,
		msg.UserID, msg.Username, msg.Text, msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	msg.ID = id

	s.announce(ctx, feed.Insert, origin, msg)
	return msg, nil
}

// Recent returns the newest limit messages ordered oldest to newest.
func (s *MessageStore) Recent(ctx context.Context, limit int) ([]*models.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, username, text, created_at FROM chat_messages
		 ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var newestFirst []*models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.UserID, &m.Username, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		newestFirst = append(newestFirst, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	messages := make([]*models.ChatMessage, len(newestFirst))
	for i, m := range newestFirst {
		messages[len(messages)-1-i] = m
	}
	return messages, nil
}

func (s *MessageStore) announce(ctx context.Context, typ feed.Type, origin string, msg *models.ChatMessage) {
	if s.feed == nil {
		return
	}
	event, err := feed.NewEvent(feed.TableMessages, typ, origin, msg)
	if err != nil {
		s.log.Warn().Err(err).Msg("encode message event failed")
		return
	}
	if err := s.feed.Publish(ctx, event); err != nil {
		// Push is a latency optimization; readers fall back to polling.
		s.log.Warn().Err(err).Msg("publish message event failed")
	}
}
