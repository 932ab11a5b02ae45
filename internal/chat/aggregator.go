package chat

import (
	"slices"
	"strings"
	"sync"

	"chat-sync/internal/cache"
	"chat-sync/internal/model"
)

// Summarize derives the last message and unread count of one conversation.
// Unread means sent by someone other than self and not yet read.
func Summarize(messages []model.Message, self string) (*model.Message, int) {
	var last *model.Message
	unread := 0
	for i := range messages {
		m := messages[i]
		if last == nil || !m.CreatedAt.Before(last.CreatedAt) {
			last = &m
		}
		if m.SenderID != self && !m.IsRead {
			unread++
		}
	}
	return last, unread
}

type listEntry struct {
	conversation model.Conversation
	other        model.Profile
	summary      model.Summary
}

// Aggregator keeps the conversation list. Summaries are recomputed from the
// cache whenever a conversation's messages change; a conversation evicted
// from the cache keeps its last summary until the next load.
type Aggregator struct {
	mu      sync.Mutex
	cache   *cache.Cache
	self    string
	entries map[string]*listEntry
}

func NewAggregator(c *cache.Cache) *Aggregator {
	return &Aggregator{cache: c, entries: make(map[string]*listEntry)}
}

func (a *Aggregator) SetSelf(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.self = userID
	for id, e := range a.entries {
		a.recomputeLocked(id, e, a.cache.Messages(id))
	}
}

// ListItem is one conversation with everything needed to summarize it.
type ListItem struct {
	Conversation model.Conversation
	Other        model.Profile
	Messages     []model.Message
}

// Load replaces the whole list.
func (a *Aggregator) Load(items []ListItem) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = make(map[string]*listEntry, len(items))
	for _, it := range items {
		e := &listEntry{conversation: it.Conversation, other: it.Other}
		a.entries[it.Conversation.ID] = e
		a.recomputeLocked(it.Conversation.ID, e, it.Messages)
	}
}

// Upsert records conversation metadata and the other participant's profile.
func (a *Aggregator) Upsert(c model.Conversation, other model.Profile) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[c.ID]
	if !ok {
		e = &listEntry{}
		a.entries[c.ID] = e
	}
	e.conversation = c
	if other.ID != "" {
		e.other = other
	}
	a.recomputeLocked(c.ID, e, a.cache.Messages(c.ID))
}

// Touch moves the conversation's metadata timestamp forward.
func (a *Aggregator) Touch(c model.Conversation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[c.ID]
	if !ok {
		return
	}
	if c.UpdatedAt.After(e.conversation.UpdatedAt) {
		e.conversation.UpdatedAt = c.UpdatedAt
	}
	if e.conversation.Participant1ID == "" {
		e.conversation.Participant1ID = c.Participant1ID
		e.conversation.Participant2ID = c.Participant2ID
	}
	a.recomputeLocked(c.ID, e, a.cache.Messages(c.ID))
}

// Refresh recomputes one conversation from the cache. A conversation seen
// for the first time gets a synthesized entry; created reports that case.
func (a *Aggregator) Refresh(conversationID string) (created bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[conversationID]
	if !ok {
		e = &listEntry{conversation: model.Conversation{ID: conversationID}}
		a.entries[conversationID] = e
		created = true
	}
	if !a.cache.HasConversation(conversationID) && !created {
		return false
	}
	a.recomputeLocked(conversationID, e, a.cache.Messages(conversationID))
	return created
}

func (a *Aggregator) Remove(conversationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, conversationID)
}

func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = make(map[string]*listEntry)
	a.self = ""
}

// Known reports whether the conversation is listed with its metadata.
func (a *Aggregator) Known(conversationID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[conversationID]
	return ok && e.conversation.Participant1ID != ""
}

func (a *Aggregator) Summary(conversationID string) (model.Summary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[conversationID]
	if !ok {
		return model.Summary{}, false
	}
	return e.summary, true
}

// List returns the summaries, most recent first. Conversations without
// messages go last, newest metadata first, then by ID.
func (a *Aggregator) List() []model.Summary {
	a.mu.Lock()
	out := make([]model.Summary, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.summary)
	}
	a.mu.Unlock()

	slices.SortStableFunc(out, compareSummaries)
	return out
}

func compareSummaries(x, y model.Summary) int {
	switch {
	case x.LastMessage != nil && y.LastMessage == nil:
		return -1
	case x.LastMessage == nil && y.LastMessage != nil:
		return 1
	case x.LastMessage != nil && y.LastMessage != nil:
		if c := y.LastMessage.CreatedAt.Compare(x.LastMessage.CreatedAt); c != 0 {
			return c
		}
	default:
		if c := y.UpdatedAt.Compare(x.UpdatedAt); c != 0 {
			return c
		}
	}
	return strings.Compare(x.ConversationID, y.ConversationID)
}

func (a *Aggregator) recomputeLocked(id string, e *listEntry, messages []model.Message) {
	last, unread := Summarize(messages, a.self)
	updated := e.conversation.UpdatedAt
	if last != nil && last.CreatedAt.After(updated) {
		updated = last.CreatedAt
	}
	e.summary = model.Summary{
		ConversationID:   id,
		OtherParticipant: e.other,
		LastMessage:      last,
		UnreadCount:      unread,
		UpdatedAt:        updated,
	}
}
