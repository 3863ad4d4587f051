package models

import (
	"time"
)

// Conversation is the single persistent thread between two users. The
// participants are stored in canonical order (smaller id first) so that one
// row exists per unordered pair, enforced by a unique constraint on
// (participant_low, participant_high).
type Conversation struct {
	ID              string    `json:"id"`
	ParticipantLow  int64     `json:"participantLow"`
	ParticipantHigh int64     `json:"participantHigh"`
	LastMessageAt   time.Time `json:"lastMessageAt"`
	CreatedAt       time.Time `json:"createdAt"`
}

func (c *Conversation) HasParticipant(userID int64) bool {
	return c.ParticipantLow == userID || c.ParticipantHigh == userID
}

// OtherParticipant returns the counterpart of userID. The caller must already
// know userID is a participant.
func (c *Conversation) OtherParticipant(userID int64) int64 {
	if c.ParticipantLow == userID {
		return c.ParticipantHigh
	}
	return c.ParticipantLow
}

type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       int64      `json:"senderId"`
	Content        string     `json:"content"`
	IsRead         bool       `json:"isRead"`
	CreatedAt      time.Time  `json:"createdAt"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
}

// ConversationSummary is one inbox row: the counterpart's identity, the most
// recent message and the caller's unread count.
type ConversationSummary struct {
	ID             string    `json:"id"`
	OtherUserID    int64     `json:"otherUser"`
	OtherUserName  string    `json:"otherUserName,omitempty"`
	OtherUserEmail string    `json:"otherUserEmail,omitempty"`
	LastMessage    string    `json:"lastMessage"`
	LastMessageAt  time.Time `json:"lastMessageAt"`
	UnreadCount    int       `json:"unreadCount"`
}

// CanonicalPair orders two user ids into the (low, high) form used everywhere
// a conversation key is read or written, so lookups are independent of
// argument order.
func CanonicalPair(a, b int64) (low, high int64) {
	if a < b {
		return a, b
	}
	return b, a
}
