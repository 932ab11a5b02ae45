package model

import "time"

// ---------------------------------------------
// Backend rows
// ---------------------------------------------

// Message is one row of the messages table as the client sees it.
// IsOptimistic is a local flag and is never written to the backend.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	IsRead         bool      `json:"is_read"`
	IsOptimistic   bool      `json:"is_optimistic,omitempty"`
}

// Identity returns the tagged form of the message ID.
func (m Message) Identity() MessageID {
	return ParseMessageID(m.ID)
}

// MessagePatch is a partial update. Nil fields are left untouched.
type MessagePatch struct {
	ID           *string
	SenderID     *string
	Content      *string
	CreatedAt    *time.Time
	IsRead       *bool
	IsOptimistic *bool
}

// Apply returns m with the patch applied. The conversation is never changed.
func (p MessagePatch) Apply(m Message) Message {
	if p.ID != nil {
		m.ID = *p.ID
	}
	if p.SenderID != nil {
		m.SenderID = *p.SenderID
	}
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.CreatedAt != nil {
		m.CreatedAt = *p.CreatedAt
	}
	if p.IsRead != nil {
		m.IsRead = *p.IsRead
	}
	if p.IsOptimistic != nil {
		m.IsOptimistic = *p.IsOptimistic
	}
	return m
}

// IsEmpty reports whether the patch changes nothing.
func (p MessagePatch) IsEmpty() bool {
	return p.ID == nil && p.SenderID == nil && p.Content == nil &&
		p.CreatedAt == nil && p.IsRead == nil && p.IsOptimistic == nil
}

// Confirm builds the patch that turns a placeholder into the confirmed record.
func Confirm(confirmed Message) MessagePatch {
	optimistic := false
	return MessagePatch{
		ID:           &confirmed.ID,
		SenderID:     &confirmed.SenderID,
		Content:      &confirmed.Content,
		CreatedAt:    &confirmed.CreatedAt,
		IsRead:       &confirmed.IsRead,
		IsOptimistic: &optimistic,
	}
}

// MarkedRead is the patch applied by read receipts.
func MarkedRead() MessagePatch {
	read := true
	return MessagePatch{IsRead: &read}
}
