package chat

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"moplaychat/internal/models"
)

var (
	markupPattern     = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// Sanitize strips markup tags and collapses runs of whitespace. The same
// normalization is applied before a message is stored, so callers can use
// it to show what will actually be sent.
func Sanitize(text string) string {
	text = markupPattern.ReplaceAllString(text, "")
	text = whitespacePattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// send validates and persists a message. Length is checked before
// sanitization so the limit matches what the input counter showed. The
// persisted row is rendered only when it comes back through the feed or a
// reload, keeping the store the single source of truth.
func (m *Manager) send(ctx context.Context, raw string) error {
	session := m.room.session
	if session == nil {
		return ErrNotSignedIn
	}
	if utf8.RuneCountInString(raw) > MaxMessageChars {
		return ErrMessageTooLong
	}
	text := Sanitize(raw)
	if text == "" {
		return ErrMessageEmpty
	}

	msg := &models.ChatMessage{
		UserID:    session.UserID,
		Username:  session.Username,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := m.messages.Insert(ctx, m.origin, msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// onIncoming appends a delivered message to the view. Duplicate deliveries
// of the same id (feed echo plus periodic reload) collapse to one bubble.
func (m *Manager) onIncoming(msg *models.ChatMessage) {
	if m.room.session == nil {
		return
	}
	if m.room.appendBubble(msg) {
		m.publish()
	}
}

// reloadRecent fetches the newest messages and fully replaces the rendered
// list. Runs at room entry and periodically in case push delivery is
// unreliable.
func (m *Manager) reloadRecent(ctx context.Context) {
	if m.room.session == nil {
		return
	}
	msgs, err := m.messages.Recent(ctx, m.opts.HistoryLimit)
	if err != nil {
		m.log.Warn().Err(err).Msg("message reload failed")
		return
	}
	m.room.replaceBubbles(msgs)
	m.publish()
}
