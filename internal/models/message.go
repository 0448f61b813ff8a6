package models

import "time"

// ChatMessage is a single community chat message. Rows are immutable once
// written; eviction of old rows is handled outside this service.
type ChatMessage struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}
