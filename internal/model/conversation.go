package model

import "time"

// Conversation is a row of the conversations table. Direct messages only,
// so there are always exactly two participants.
type Conversation struct {
	ID             string    `json:"id"`
	Participant1ID string    `json:"participant1_id"`
	Participant2ID string    `json:"participant2_id"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// OtherParticipant returns the participant that is not self.
func (c Conversation) OtherParticipant(self string) string {
	if c.Participant1ID == self {
		return c.Participant2ID
	}
	return c.Participant1ID
}

// HasParticipant reports whether userID takes part in the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	return c.Participant1ID == userID || c.Participant2ID == userID
}

// Profile is the public part of a user's profile.
type Profile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"profile_picture_url"`
}

// Label is the name shown for the profile. Unknown users render as "User".
func (p Profile) Label() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	if p.Username != "" {
		return p.Username
	}
	return "User"
}

// Summary is one entry of the conversation list. It is derived from the
// cached messages and conversation metadata, never edited directly.
type Summary struct {
	ConversationID   string    `json:"conversation_id"`
	OtherParticipant Profile   `json:"other_participant"`
	LastMessage      *Message  `json:"last_message,omitempty"`
	UnreadCount      int       `json:"unread_count"`
	UpdatedAt        time.Time `json:"updated_at"`
}
