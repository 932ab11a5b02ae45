// Package memory is an in-process backend: identity, row storage and a
// change feed behind one mutex. Tests and the load generator run against it.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat-sync/internal/backend"
	"chat-sync/internal/model"
)

// InsertHook runs before a message insert commits. Returning an error
// rejects the write; blocking holds the caller's send in flight.
type InsertHook func(ctx context.Context, msg backend.NewMessage) error

type subscriber struct {
	filter backend.Filter
	stream *backend.Stream
}

// Backend implements backend.Identity, backend.Store and backend.Feed.
type Backend struct {
	mu            sync.RWMutex
	userID        string
	conversations map[string]model.Conversation
	messages      map[string]model.Message
	profiles      map[string]model.Profile
	insertHook    InsertHook
	now           func() time.Time

	// pubMu spans a write and its publication so per-row event order
	// matches commit order.
	pubMu  sync.Mutex
	subsMu sync.Mutex
	subs   map[*subscriber]struct{}
}

type Option func(*Backend)

func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

func New(opts ...Option) *Backend {
	b := &Backend{
		conversations: make(map[string]model.Conversation),
		messages:      make(map[string]model.Message),
		profiles:      make(map[string]model.Profile),
		subs:          make(map[*subscriber]struct{}),
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ---------------------------------------------
// Identity
// ---------------------------------------------

func (b *Backend) SignIn(userID string) {
	b.mu.Lock()
	b.userID = userID
	b.mu.Unlock()
}

func (b *Backend) SignOut() {
	b.SignIn("")
}

func (b *Backend) CurrentUserID(_ context.Context) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.userID == "" {
		return "", backend.ErrNoSession
	}
	return b.userID, nil
}

// ---------------------------------------------
// Seeding and test controls
// ---------------------------------------------

func (b *Backend) AddProfile(p model.Profile) {
	b.mu.Lock()
	b.profiles[p.ID] = p
	b.mu.Unlock()
}

// AddConversation stores a conversation without publishing.
func (b *Backend) AddConversation(c model.Conversation) {
	b.mu.Lock()
	b.conversations[c.ID] = c
	b.mu.Unlock()
}

// AddMessage stores a message without publishing.
func (b *Backend) AddMessage(m model.Message) {
	b.mu.Lock()
	b.messages[m.ID] = m
	b.mu.Unlock()
}

// DropMessage deletes a message without publishing, as a delete missed by a
// dropped channel would.
func (b *Backend) DropMessage(id string) {
	b.mu.Lock()
	delete(b.messages, id)
	b.mu.Unlock()
}

func (b *Backend) SetInsertHook(hook InsertHook) {
	b.mu.Lock()
	b.insertHook = hook
	b.mu.Unlock()
}

// Emit pushes a change to matching subscribers as if the backend committed it.
func (b *Backend) Emit(change model.Change) error {
	ev, err := change.Event()
	if err != nil {
		return err
	}
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	b.publish(ev)
	return nil
}

// Disconnect ends every open subscription with err, as a dropped channel would.
func (b *Backend) Disconnect(err error) {
	b.subsMu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subsMu.Unlock()

	for _, s := range subs {
		s.stream.Fail(err)
	}
}

// Subscribers counts the open subscriptions.
func (b *Backend) Subscribers() int {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	return len(b.subs)
}

// Message returns the stored row.
func (b *Backend) Message(id string) (model.Message, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.messages[id]
	return m, ok
}

// ---------------------------------------------
// Store
// ---------------------------------------------

func (b *Backend) ListConversations(_ context.Context, userID string) ([]model.Conversation, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []model.Conversation
	for _, c := range b.conversations {
		if c.HasParticipant(userID) {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b model.Conversation) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return out, nil
}

func (b *Backend) GetConversation(_ context.Context, id string) (model.Conversation, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.conversations[id]
	if !ok {
		return model.Conversation{}, backend.ErrNotFound
	}
	return c, nil
}

func (b *Backend) FindOrCreateConversation(_ context.Context, userID, otherUserID string) (model.Conversation, error) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.Lock()
	for _, c := range b.conversations {
		if c.HasParticipant(userID) && c.HasParticipant(otherUserID) {
			b.mu.Unlock()
			return c, nil
		}
	}
	c := model.Conversation{
		ID:             uuid.NewString(),
		Participant1ID: userID,
		Participant2ID: otherUserID,
		UpdatedAt:      b.now(),
	}
	b.conversations[c.ID] = c
	b.mu.Unlock()

	b.publish(model.Insert{Source: model.TableConversations, New: model.ConversationRow(c)})
	return c, nil
}

func (b *Backend) TouchConversation(_ context.Context, id string, at time.Time) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.Lock()
	c, ok := b.conversations[id]
	if !ok {
		b.mu.Unlock()
		return backend.ErrNotFound
	}
	c.UpdatedAt = at
	b.conversations[id] = c
	b.mu.Unlock()

	b.publish(model.Update{Source: model.TableConversations, New: model.ConversationRow(c)})
	return nil
}

func (b *Backend) ListMessages(_ context.Context, conversationID string) ([]model.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []model.Message
	for _, m := range b.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b model.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (b *Backend) ListMessagesIn(_ context.Context, conversationIDs []string) ([]model.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []model.Message
	for _, m := range b.messages {
		if slices.Contains(conversationIDs, m.ConversationID) {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b model.Message) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func (b *Backend) InsertMessage(ctx context.Context, msg backend.NewMessage) (model.Message, error) {
	b.mu.RLock()
	hook := b.insertHook
	_, known := b.conversations[msg.ConversationID]
	b.mu.RUnlock()

	if hook != nil {
		if err := hook(ctx, msg); err != nil {
			return model.Message{}, err
		}
	}
	if !known {
		return model.Message{}, backend.ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.Lock()
	m := model.Message{
		ID:             uuid.NewString(),
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		CreatedAt:      b.now(),
	}
	b.messages[m.ID] = m
	b.mu.Unlock()

	b.publish(model.Insert{Source: model.TableMessages, New: model.MessageRow(m)})
	return m, nil
}

func (b *Backend) MarkRead(_ context.Context, messageIDs []string) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.Lock()
	var changed []model.Message
	for _, id := range messageIDs {
		m, ok := b.messages[id]
		if !ok || m.IsRead {
			continue
		}
		m.IsRead = true
		b.messages[id] = m
		changed = append(changed, m)
	}
	b.mu.Unlock()

	for _, m := range changed {
		old := model.MessageRow(m)
		old["is_read"] = false
		b.publish(model.Update{Source: model.TableMessages, New: model.MessageRow(m), Old: old})
	}
	return nil
}

func (b *Backend) Profiles(_ context.Context, ids []string) ([]model.Profile, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]model.Profile, 0, len(ids))
	for _, id := range ids {
		if p, ok := b.profiles[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// ---------------------------------------------
// Feed
// ---------------------------------------------

func (b *Backend) Subscribe(ctx context.Context, filter backend.Filter) (backend.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscriber{filter: filter}
	sub.stream = backend.NewStream(backend.StreamBuffer, func() {
		b.subsMu.Lock()
		delete(b.subs, sub)
		b.subsMu.Unlock()
	})

	b.subsMu.Lock()
	b.subs[sub] = struct{}{}
	b.subsMu.Unlock()
	return sub.stream, nil
}

// publish fans ev out to matching subscribers. Callers hold pubMu.
func (b *Backend) publish(ev model.Event) {
	b.subsMu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		if s.filter.MatchesEvent(ev) {
			subs = append(subs, s)
		}
	}
	b.subsMu.Unlock()

	for _, s := range subs {
		s.stream.Deliver(ev)
	}
}
