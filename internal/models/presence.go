package models

import "time"

// PresenceRecord is a user's shared online status. At most one row exists
// per user id; a missing row reads as offline. Logout flips IsOnline to
// false rather than deleting the row.
type PresenceRecord struct {
	UserID     int64     `json:"user_id"`
	Username   string    `json:"username"`
	IsOnline   bool      `json:"is_online"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Valid reports whether the record carries enough data to be displayed.
// Rows written by older clients occasionally miss the username.
func (p *PresenceRecord) Valid() bool {
	return p != nil && p.UserID > 0 && p.Username != ""
}
