package models

import (
	"strings"
	"time"
)

// Message is a direct message between two users.
type Message struct {
	ID         int64     `db:"id" json:"id"`
	SenderID   int64     `db:"sender_id" json:"senderId"`
	ReceiverID int64     `db:"receiver_id" json:"receiverId"`
	Text       string    `db:"text" json:"text,omitempty"`
	Image      string    `db:"image" json:"image,omitempty"`
	Seen       bool      `db:"seen" json:"seen"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`
}

// NewMessage carries the fields a caller supplies when sending.
type NewMessage struct {
	SenderID   int64
	ReceiverID int64
	Text       string
	Image      string
}

// Normalize trims surrounding whitespace from the body fields.
func (m NewMessage) Normalize() NewMessage {
	m.Text = strings.TrimSpace(m.Text)
	m.Image = strings.TrimSpace(m.Image)
	return m
}

// HasBody reports whether at least one of text or image is present.
func (m NewMessage) HasBody() bool {
	return strings.TrimSpace(m.Text) != "" || strings.TrimSpace(m.Image) != ""
}

// UnseenCount is the per-sender unseen counter pushed to a receiver.
type UnseenCount struct {
	SenderID    int64 `db:"sender_id" json:"senderId"`
	UnseenCount int64 `db:"unseen" json:"unseenCount"`
}
