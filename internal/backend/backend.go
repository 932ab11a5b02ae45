// Package backend describes the hosted backend the sync layer consumes:
// identity lookup, row access over conversations/messages/profiles, and a
// row-change feed. Implementations live in the subpackages.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chat-sync/internal/model"
)

var (
	ErrNoSession = errors.New("no authenticated session")
	ErrNotFound  = errors.New("not found")
)

// Identity resolves the signed-in user.
type Identity interface {
	// CurrentUserID returns ErrNoSession when nobody is signed in.
	CurrentUserID(ctx context.Context) (string, error)
}

// NewMessage is what the client writes; the backend assigns ID and CreatedAt.
type NewMessage struct {
	ConversationID string
	SenderID       string
	Content        string
}

// Store is row access over the conversations, messages and profiles tables.
type Store interface {
	ListConversations(ctx context.Context, userID string) ([]model.Conversation, error)
	GetConversation(ctx context.Context, id string) (model.Conversation, error)
	FindOrCreateConversation(ctx context.Context, userID, otherUserID string) (model.Conversation, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error

	// ListMessages returns one conversation's messages, oldest first.
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	// ListMessagesIn returns the messages of several conversations, newest first.
	ListMessagesIn(ctx context.Context, conversationIDs []string) ([]model.Message, error)
	// InsertMessage returns the authoritative record.
	InsertMessage(ctx context.Context, msg NewMessage) (model.Message, error)
	MarkRead(ctx context.Context, messageIDs []string) error

	Profiles(ctx context.Context, ids []string) ([]model.Profile, error)
}

// Filter scopes a subscription to one table and optionally to rows whose
// Column equals Value (conversation_id = X for a chat view).
type Filter struct {
	Table  model.Table
	Column string
	Value  string
}

// ConversationFilter scopes a subscription to one conversation's messages.
func ConversationFilter(conversationID string) Filter {
	return Filter{Table: model.TableMessages, Column: "conversation_id", Value: conversationID}
}

// AllMessages scopes a subscription to every message the user can see.
func AllMessages() Filter {
	return Filter{Table: model.TableMessages}
}

// Matches reports whether a change on table/row passes the filter. Deletes
// that do not carry the filter column are let through.
func (f Filter) Matches(table model.Table, row model.Row) bool {
	if f.Table != "" && f.Table != table {
		return false
	}
	if f.Column == "" {
		return true
	}
	v, ok := row.String(f.Column)
	return !ok || v == f.Value
}

// MatchesEvent applies Matches to whichever row the event carries.
func (f Filter) MatchesEvent(ev model.Event) bool {
	switch e := ev.(type) {
	case model.Insert:
		return f.Matches(e.Source, e.New)
	case model.Update:
		return f.Matches(e.Source, e.New)
	case model.Delete:
		return f.Matches(e.Source, e.Old)
	}
	return false
}

// String renders the filter in the hosted backend's syntax, e.g.
// "messages:conversation_id=eq.c1".
func (f Filter) String() string {
	if f.Column == "" {
		return string(f.Table)
	}
	return fmt.Sprintf("%s:%s=eq.%s", f.Table, f.Column, f.Value)
}

// Subscription is a live stream of row changes. Events arrive in commit
// order per row. Done is closed when the stream ends, either through Close
// (Err returns nil) or a disruption (Err returns the cause).
type Subscription interface {
	Events() <-chan model.Event
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Feed opens subscriptions.
type Feed interface {
	Subscribe(ctx context.Context, filter Filter) (Subscription, error)
}

// Publisher pushes committed row changes to a feed.
type Publisher interface {
	Publish(ctx context.Context, change model.Change) error
}
