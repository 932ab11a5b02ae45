// Package cache holds the in-memory message working set: one ordered message
// list per conversation, bounded in both dimensions.
package cache

import (
	"slices"
	"sync"

	"chat-sync/internal/model"
)

const (
	DefaultMaxConversations = 50
	DefaultMaxMessages      = 100
)

// Cache maps a conversation ID to its messages, sorted by CreatedAt and unique
// by ID. Every method holds the one lock for its whole read-modify-write, so
// no partially applied state is observable. Reads return copies.
type Cache struct {
	mu               sync.Mutex
	entries          map[string][]model.Message
	order            []string // insertion order, oldest first
	maxConversations int
	maxMessages      int
}

type Option func(*Cache)

func WithMaxConversations(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxConversations = n
		}
	}
}

func WithMaxMessages(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxMessages = n
		}
	}
}

func New(opts ...Option) *Cache {
	c := &Cache{
		entries:          make(map[string][]model.Message),
		maxConversations: DefaultMaxConversations,
		maxMessages:      DefaultMaxMessages,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Messages returns a copy of the conversation's messages, empty if absent.
func (c *Cache) Messages(conversationID string) []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.entries[conversationID])
}

// SetMessages replaces the conversation's list with the most recent
// messages by CreatedAt, then evicts old conversations if over capacity.
func (c *Cache) SetMessages(conversationID string, messages []model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(conversationID, slices.Clone(messages))
}

// AddMessage appends one message, then trims like SetMessages.
func (c *Cache) AddMessage(conversationID string, msg model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing := c.entries[conversationID]
	next := make([]model.Message, 0, len(existing)+1)
	next = append(next, existing...)
	next = append(next, msg)
	c.setLocked(conversationID, next)
}

// UpdateMessage patches the message with the given ID in place. It reports
// false, and changes nothing, when the ID is not cached.
func (c *Cache) UpdateMessage(conversationID, id string, patch model.MessagePatch) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.entries[conversationID]
	if !ok {
		return false
	}
	idx := indexOf(existing, id)
	if idx < 0 {
		return false
	}
	next := slices.Clone(existing)
	next[idx] = patch.Apply(next[idx])
	c.setLocked(conversationID, next)
	return true
}

// RemoveMessage deletes the message with the given ID. Missing IDs are a no-op.
func (c *Cache) RemoveMessage(conversationID, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.entries[conversationID]
	if !ok {
		return false
	}
	idx := indexOf(existing, id)
	if idx < 0 {
		return false
	}
	c.setLocked(conversationID, slices.Delete(slices.Clone(existing), idx, idx+1))
	return true
}

// Contains reports whether the conversation holds a message with the ID.
func (c *Cache) Contains(conversationID, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return indexOf(c.entries[conversationID], id) >= 0
}

// Locate finds the conversation that holds a message ID.
func (c *Cache) Locate(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for convID, msgs := range c.entries {
		if indexOf(msgs, id) >= 0 {
			return convID, true
		}
	}
	return "", false
}

func (c *Cache) HasConversation(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[conversationID]
	return ok
}

func (c *Cache) ClearConversation(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[conversationID]; !ok {
		return
	}
	delete(c.entries, conversationID)
	if i := slices.Index(c.order, conversationID); i >= 0 {
		c.order = slices.Delete(c.order, i, i+1)
	}
}

// Clear drops everything. Called at sign-out.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]model.Message)
	c.order = nil
}

// Stats describes the cache for diagnostics.
type Stats struct {
	Size          int      `json:"size"`
	MaxSize       int      `json:"max_size"`
	Conversations []string `json:"conversations"`
	TotalMessages int      `json:"total_messages"`
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, msgs := range c.entries {
		total += len(msgs)
	}
	return Stats{
		Size:          len(c.entries),
		MaxSize:       c.maxConversations,
		Conversations: slices.Clone(c.order),
		TotalMessages: total,
	}
}

// setLocked normalizes and stores msgs, which the caller must own.
func (c *Cache) setLocked(conversationID string, msgs []model.Message) {
	msgs = dedupe(msgs)
	slices.SortStableFunc(msgs, func(a, b model.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if len(msgs) > c.maxMessages {
		msgs = slices.Clone(msgs[len(msgs)-c.maxMessages:])
	}

	if _, ok := c.entries[conversationID]; !ok {
		c.order = append(c.order, conversationID)
	}
	c.entries[conversationID] = msgs
	c.evictLocked()
}

// evictLocked drops the oldest-inserted conversations until within capacity.
// Access does not refresh position: this is insertion order, not LRU.
func (c *Cache) evictLocked() {
	for len(c.order) > c.maxConversations {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// dedupe keeps the last occurrence of every ID at the position of the first.
func dedupe(msgs []model.Message) []model.Message {
	pos := make(map[string]int, len(msgs))
	out := msgs[:0]
	for _, m := range msgs {
		if i, ok := pos[m.ID]; ok {
			out[i] = m
			continue
		}
		pos[m.ID] = len(out)
		out = append(out, m)
	}
	return out
}

func indexOf(msgs []model.Message, id string) int {
	return slices.IndexFunc(msgs, func(m model.Message) bool { return m.ID == id })
}
