package models

import "time"

// Chat is a two-party conversation.
type Chat struct {
	ID            int64      `json:"id"`
	Title         string     `json:"title"`
	CreatedBy     int64      `json:"created_by"`
	CreatedAt     time.Time  `json:"created_at"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// Participant is one member of a chat, in join order.
type Participant struct {
	UserID      int64  `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Position    int    `json:"position"`
}
