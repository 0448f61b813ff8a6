package chat

import (
	"html"
	"time"

	"moplaychat/internal/models"
)

// Phase is the room view the surrounding UI should show.
type Phase string

const (
	PhaseLoginRequired Phase = "login_required"
	PhaseActive        Phase = "active"
)

// OnlineUser is one entry of the online-user list.
type OnlineUser struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	You      bool   `json:"you"`
}

// Bubble is a rendered chat message. Text and Username are escaped and safe
// to insert into markup as-is.
type Bubble struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	Own       bool      `json:"own"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is an immutable view of the room handed to the UI. Every refresh
// replaces the whole snapshot; deltas are never merged.
type Snapshot struct {
	Phase       Phase           `json:"phase"`
	User        *models.Session `json:"user,omitempty"`
	OnlineCount int             `json:"online_count"`
	OnlineUsers []OnlineUser    `json:"online_users"`
	Messages    []Bubble        `json:"messages"`
}

// roomState is the loop-owned mutable room. Only the manager goroutine
// touches it.
type roomState struct {
	phase   Phase
	session *models.Session
	online  []OnlineUser
	bubbles []Bubble
	seen    map[int64]struct{}
}

func newRoomState() roomState {
	return roomState{phase: PhaseLoginRequired, seen: make(map[int64]struct{})}
}

func (r *roomState) reset() {
	*r = newRoomState()
}

// appendBubble renders and appends the message unless its id was already
// displayed. Reports whether the room changed.
func (r *roomState) appendBubble(msg *models.ChatMessage) bool {
	if msg == nil || msg.ID == 0 || msg.Text == "" {
		return false
	}
	if _, ok := r.seen[msg.ID]; ok {
		return false
	}
	r.seen[msg.ID] = struct{}{}
	r.bubbles = append(r.bubbles, r.renderBubble(msg))
	return true
}

// replaceBubbles rebuilds the message list from a full reload.
func (r *roomState) replaceBubbles(msgs []*models.ChatMessage) {
	r.bubbles = r.bubbles[:0]
	r.seen = make(map[int64]struct{}, len(msgs))
	for _, msg := range msgs {
		if msg == nil || msg.ID == 0 {
			continue
		}
		if _, ok := r.seen[msg.ID]; ok {
			continue
		}
		r.seen[msg.ID] = struct{}{}
		r.bubbles = append(r.bubbles, r.renderBubble(msg))
	}
}

// replaceOnline swaps in a freshly read online list. The previous list is
// discarded wholesale so out-of-order completions cannot interleave.
func (r *roomState) replaceOnline(records []*models.PresenceRecord) {
	r.online = r.online[:0]
	for _, rec := range records {
		if !rec.Valid() || !rec.IsOnline {
			continue
		}
		entry := OnlineUser{
			UserID:   rec.UserID,
			Username: rec.Username,
		}
		if r.session != nil && rec.UserID == r.session.UserID {
			entry.You = true
		}
		r.online = append(r.online, entry)
	}
}

func (r *roomState) renderBubble(msg *models.ChatMessage) Bubble {
	own := r.session != nil && msg.UserID == r.session.UserID
	return Bubble{
		ID:        msg.ID,
		UserID:    msg.UserID,
		Username:  html.EscapeString(msg.Username),
		Text:      html.EscapeString(msg.Text),
		Own:       own,
		CreatedAt: msg.CreatedAt,
	}
}

func (r *roomState) snapshot() Snapshot {
	snap := Snapshot{
		Phase:       r.phase,
		OnlineCount: len(r.online),
		OnlineUsers: make([]OnlineUser, len(r.online)),
		Messages:    make([]Bubble, len(r.bubbles)),
	}
	copy(snap.OnlineUsers, r.online)
	copy(snap.Messages, r.bubbles)
	if r.session != nil {
		session := *r.session
		snap.User = &session
	}
	return snap
}
