package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"chat-sync/internal/backend"
	"chat-sync/internal/cache"
	"chat-sync/internal/model"
	"chat-sync/internal/telemetry"
)

// Observer receives state changes. Calls come from the subscription
// goroutines as well as the caller's, so implementations must be safe for
// concurrent use and must not call back into the Client synchronously.
type Observer interface {
	MessagesChanged(conversationID string, messages []model.Message)
	ConversationsChanged(summaries []model.Summary)
}

type nopObserver struct{}

func (nopObserver) MessagesChanged(string, []model.Message) {}
func (nopObserver) ConversationsChanged([]model.Summary)    {}

type Option func(*Client)

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithObserver(o Observer) Option {
	return func(c *Client) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithEchoWindow sets how far apart a placeholder and its live echo may be.
func WithEchoWindow(d time.Duration) Option {
	return func(c *Client) { c.echoWindow = d }
}

// Client ties the cache, the send pipeline, the reconciler and the list
// aggregator to one signed-in session. It is the surface a UI talks to.
type Client struct {
	identity backend.Identity
	store    backend.Store
	cache    *cache.Cache
	recorder *telemetry.Recorder
	log      zerolog.Logger
	observer Observer

	echoWindow time.Duration
	pending    *PendingSends
	sender     *Sender
	reconciler *Reconciler
	aggregator *Aggregator
	hub        *Hub

	mu         sync.Mutex
	self       string
	active     string
	describing map[string]bool

	listOpen atomic.Bool

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

func NewClient(identity backend.Identity, store backend.Store, feed backend.Feed, c *cache.Cache, rec *telemetry.Recorder, opts ...Option) *Client {
	cl := &Client{
		identity:   identity,
		store:      store,
		cache:      c,
		recorder:   rec,
		log:        zerolog.Nop(),
		observer:   nopObserver{},
		describing: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(cl)
	}
	if cl.recorder == nil {
		cl.recorder = telemetry.NewRecorder(telemetry.DefaultMaxSamples)
	}

	cl.pending = NewPendingSends(cl.echoWindow)
	cl.sender = NewSender(identity, store, c, cl.recorder, cl.pending, cl.log)
	cl.reconciler = NewReconciler(c, store, cl.pending, cl.log)
	cl.aggregator = NewAggregator(c)
	cl.hub = NewHub(feed, cl.reconciler, cl.log)
	cl.bgCtx, cl.bgCancel = context.WithCancel(context.Background())

	cl.sender.OnChange(cl.messagesChanged)
	cl.reconciler.OnChange(cl.messagesChanged)
	cl.reconciler.OnConversation(cl.conversationChanged)
	return cl
}

// Send posts text to a conversation. See Sender.Send.
func (c *Client) Send(ctx context.Context, conversationID, text string) (model.Message, error) {
	if _, err := c.resolveSelf(ctx); err != nil {
		return model.Message{}, &SendError{ConversationID: conversationID, Text: text, Err: err}
	}
	return c.sender.Send(ctx, conversationID, text)
}

// Sending reports whether a send is in flight.
func (c *Client) Sending() bool { return c.sender.InFlight() }

// OpenConversation makes conversationID the open chat: it subscribes to its
// messages, serves whatever is cached, then replaces the cache with fresh
// rows and marks unread messages from the other participant as read.
func (c *Client) OpenConversation(ctx context.Context, conversationID string) ([]model.Message, error) {
	if conversationID == "" {
		return nil, ErrNoConversation
	}
	if _, err := c.resolveSelf(ctx); err != nil {
		return nil, err
	}

	if err := c.hub.Attach(ctx, ConversationScope(conversationID)); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.active = conversationID
	c.mu.Unlock()

	if c.cache.HasConversation(conversationID) {
		c.recorder.TrackCacheHit()
		c.observer.MessagesChanged(conversationID, c.cache.Messages(conversationID))
	} else {
		c.recorder.TrackCacheMiss()
	}

	if err := c.syncConversation(ctx, conversationID); err != nil {
		return c.cache.Messages(conversationID), err
	}
	c.markConversationReadLater(conversationID)
	return c.cache.Messages(conversationID), nil
}

// OpenConversationWith finds or creates the conversation with another user
// and opens it.
func (c *Client) OpenConversationWith(ctx context.Context, otherUserID string) (model.Conversation, []model.Message, error) {
	self, err := c.resolveSelf(ctx)
	if err != nil {
		return model.Conversation{}, nil, err
	}
	conv, err := c.store.FindOrCreateConversation(ctx, self, otherUserID)
	if err != nil {
		return model.Conversation{}, nil, fmt.Errorf("find conversation with %s: %w", otherUserID, err)
	}

	other := model.Profile{ID: otherUserID}
	if profiles, err := c.store.Profiles(ctx, []string{otherUserID}); err == nil && len(profiles) > 0 {
		other = profiles[0]
	}
	c.aggregator.Upsert(conv, other)

	msgs, err := c.OpenConversation(ctx, conv.ID)
	return conv, msgs, err
}

// CloseConversation leaves the open chat. Its messages stay cached.
func (c *Client) CloseConversation() {
	c.hub.Detach(ScopeConversation)
	c.mu.Lock()
	c.active = ""
	c.mu.Unlock()
}

// ActiveConversation returns the open chat, "" when none.
func (c *Client) ActiveConversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// OpenList subscribes to every conversation and loads the list.
func (c *Client) OpenList(ctx context.Context) ([]model.Summary, error) {
	if _, err := c.resolveSelf(ctx); err != nil {
		return nil, err
	}
	if err := c.hub.Attach(ctx, ListScope()); err != nil {
		return nil, err
	}
	c.listOpen.Store(true)
	if err := c.syncList(ctx); err != nil {
		return c.aggregator.List(), err
	}
	return c.aggregator.List(), nil
}

// CloseList stops following the conversation list.
func (c *Client) CloseList() {
	c.listOpen.Store(false)
	c.hub.Detach(ScopeList)
}

// Focus is called when a screen regains focus. Views whose subscription
// dropped are resubscribed and fully resynced.
func (c *Client) Focus(ctx context.Context) error {
	var errs []error
	for _, scope := range c.hub.Stale() {
		c.log.Info().Str("scope", scope.String()).Msg("resubscribing")
		if err := c.hub.Attach(ctx, scope); err != nil {
			errs = append(errs, err)
			continue
		}
		errs = append(errs, c.resync(ctx, scope))
	}
	return errors.Join(errs...)
}

// Refresh resyncs every attached view from the backend.
func (c *Client) Refresh(ctx context.Context) error {
	var errs []error
	for _, scope := range c.hub.Stale() {
		if err := c.hub.Attach(ctx, scope); err != nil {
			errs = append(errs, err)
		}
	}
	for _, kind := range []ScopeKind{ScopeConversation, ScopeList} {
		if scope, ok := c.hub.Scope(kind); ok {
			errs = append(errs, c.resync(ctx, scope))
		}
	}
	return errors.Join(errs...)
}

func (c *Client) resync(ctx context.Context, scope Scope) error {
	if scope.Kind == ScopeList {
		return c.syncList(ctx)
	}
	return c.syncConversation(ctx, scope.ConversationID)
}

// MarkRead marks every unread message from others in the conversation as read.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	self, err := c.resolveSelf(ctx)
	if err != nil {
		return err
	}
	var ids []string
	for _, m := range c.cache.Messages(conversationID) {
		if m.SenderID != self && !m.IsRead && !m.IsOptimistic {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	start := time.Now()
	err = c.store.MarkRead(ctx, ids)
	c.recorder.TrackAPI("markRead", start, time.Now(), err == nil)
	if err != nil {
		return fmt.Errorf("mark read in %s: %w", conversationID, err)
	}

	changed := false
	for _, id := range ids {
		changed = c.cache.UpdateMessage(conversationID, id, model.MarkedRead()) || changed
	}
	if changed {
		c.messagesChanged(conversationID)
	}
	return nil
}

// Messages returns the cached messages of a conversation, oldest first.
func (c *Client) Messages(conversationID string) []model.Message {
	return c.cache.Messages(conversationID)
}

// Conversations returns the list, most recent first.
func (c *Client) Conversations() []model.Summary {
	return c.aggregator.List()
}

func (c *Client) CacheStats() cache.Stats { return c.cache.Stats() }

func (c *Client) Recorder() *telemetry.Recorder { return c.recorder }

// Close ends the session: subscriptions are torn down, background work is
// drained, and the cache and telemetry are cleared.
func (c *Client) Close() error {
	c.listOpen.Store(false)
	c.hub.Close()
	c.bgCancel()
	c.bg.Wait()
	c.reconciler.Close()

	c.cache.Clear()
	c.pending.clear()
	c.aggregator.Reset()
	c.recorder.Reset()

	c.mu.Lock()
	c.self = ""
	c.active = ""
	c.mu.Unlock()
	return nil
}

// ---------------------------------------------
// Sync
// ---------------------------------------------

func (c *Client) resolveSelf(ctx context.Context) (string, error) {
	id, err := c.identity.CurrentUserID(ctx)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	changed := c.self != id
	c.self = id
	c.mu.Unlock()
	if changed {
		c.reconciler.SetSelf(id)
		c.aggregator.SetSelf(id)
	}
	return id, nil
}

func (c *Client) syncConversation(ctx context.Context, conversationID string) error {
	known := c.cachedIDs(conversationID)
	start := time.Now()
	fresh, err := c.store.ListMessages(ctx, conversationID)
	c.recorder.TrackAPI("fetchMessages", start, time.Now(), err == nil)
	if err != nil {
		return fmt.Errorf("fetch messages for %s: %w", conversationID, err)
	}

	merged := mergeFresh(fresh, c.cache.Messages(conversationID), known, c.pending.pendingIn(conversationID))
	c.cache.SetMessages(conversationID, merged)
	c.messagesChanged(conversationID)
	return nil
}

func (c *Client) syncList(ctx context.Context) error {
	self, err := c.resolveSelf(ctx)
	if err != nil {
		return err
	}

	start := time.Now()
	convs, err := c.store.ListConversations(ctx, self)
	c.recorder.TrackAPI("fetchConversations", start, time.Now(), err == nil)
	if err != nil {
		return fmt.Errorf("fetch conversations: %w", err)
	}

	ids := make([]string, 0, len(convs))
	others := make([]string, 0, len(convs))
	for _, conv := range convs {
		ids = append(ids, conv.ID)
		if o := conv.OtherParticipant(self); o != "" && !slices.Contains(others, o) {
			others = append(others, o)
		}
	}

	known := make(map[string]map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = c.cachedIDs(id)
	}

	var (
		profiles []model.Profile
		messages []model.Message
	)
	if len(convs) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			start := time.Now()
			p, err := c.store.Profiles(gctx, others)
			c.recorder.TrackAPI("fetchProfiles", start, time.Now(), err == nil)
			if err != nil {
				return fmt.Errorf("fetch profiles: %w", err)
			}
			profiles = p
			return nil
		})
		g.Go(func() error {
			start := time.Now()
			m, err := c.store.ListMessagesIn(gctx, ids)
			c.recorder.TrackAPI("fetchMessages", start, time.Now(), err == nil)
			if err != nil {
				return fmt.Errorf("fetch list messages: %w", err)
			}
			messages = m
			return nil
		})
		if err := g.Wait(); err != nil {
			return err
		}
	}

	byID := make(map[string]model.Profile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}
	byConv := make(map[string][]model.Message, len(convs))
	for _, m := range messages {
		byConv[m.ConversationID] = append(byConv[m.ConversationID], m)
	}

	items := make([]ListItem, 0, len(convs))
	for _, conv := range convs {
		other := conv.OtherParticipant(self)
		profile, ok := byID[other]
		if !ok {
			profile = model.Profile{ID: other}
		}
		merged := mergeFresh(byConv[conv.ID], c.cache.Messages(conv.ID), known[conv.ID], c.pending.pendingIn(conv.ID))
		if len(merged) > 0 || c.cache.HasConversation(conv.ID) {
			c.cache.SetMessages(conv.ID, merged)
		}
		items = append(items, ListItem{Conversation: conv, Other: profile, Messages: merged})
	}
	c.aggregator.Load(items)
	c.observer.ConversationsChanged(c.aggregator.List())
	return nil
}

// cachedIDs snapshots the message IDs cached for a conversation before a fetch.
func (c *Client) cachedIDs(conversationID string) map[string]bool {
	msgs := c.cache.Messages(conversationID)
	ids := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		ids[m.ID] = true
	}
	return ids
}

// mergeFresh replaces the cache with a fetch. The only cached entries that
// survive are placeholders still in flight and rows that reached the cache
// after the pre-fetch snapshot known, since the fetch may have missed them.
// Fresh rows come last so they win the cache's ID dedupe.
func mergeFresh(fresh, cached []model.Message, known, inFlight map[string]bool) []model.Message {
	out := make([]model.Message, 0, len(fresh)+len(inFlight))
	for _, m := range cached {
		switch {
		case inFlight[m.ID]:
			out = append(out, m)
		case !m.IsOptimistic && !known[m.ID]:
			out = append(out, m)
		}
	}
	return append(out, fresh...)
}

func (c *Client) markConversationReadLater(conversationID string) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		if err := c.MarkRead(c.bgCtx, conversationID); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("bulk mark read failed")
		}
	}()
}

// ---------------------------------------------
// Change propagation
// ---------------------------------------------

func (c *Client) messagesChanged(conversationID string) {
	if c.aggregator.Refresh(conversationID) || !c.aggregator.Known(conversationID) {
		c.describeLater(conversationID)
	}
	c.observer.MessagesChanged(conversationID, c.cache.Messages(conversationID))
	c.observer.ConversationsChanged(c.aggregator.List())
}

func (c *Client) conversationChanged(conv model.Conversation) {
	c.aggregator.Touch(conv)
	c.observer.ConversationsChanged(c.aggregator.List())
}

// describeLater fills in metadata and the other participant's profile for a
// conversation first seen through a live message.
func (c *Client) describeLater(conversationID string) {
	if !c.listOpen.Load() {
		return
	}
	c.mu.Lock()
	self := c.self
	if c.describing[conversationID] {
		c.mu.Unlock()
		return
	}
	c.describing[conversationID] = true
	c.mu.Unlock()

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.describing, conversationID)
			c.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(c.bgCtx, 10*time.Second)
		defer cancel()

		conv, err := c.store.GetConversation(ctx, conversationID)
		if err != nil {
			c.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("describe conversation failed")
			return
		}
		other := model.Profile{ID: conv.OtherParticipant(self)}
		if profiles, err := c.store.Profiles(ctx, []string{other.ID}); err == nil && len(profiles) > 0 {
			other = profiles[0]
		}
		c.aggregator.Upsert(conv, other)
		c.observer.ConversationsChanged(c.aggregator.List())
	}()
}
