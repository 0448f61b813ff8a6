package models

import "time"

// User is a registered account.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session is the chat subsystem's read-only view of a signed-in user. It is
// owned by the auth service and may appear or disappear at any time relative
// to chat state.
type Session struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}
