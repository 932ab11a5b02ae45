package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chat-sync/internal/backend"
	"chat-sync/internal/cache"
	"chat-sync/internal/model"
)

// ScopeKind says what a subscription was opened for.
type ScopeKind int

const (
	// ScopeConversation follows one open chat.
	ScopeConversation ScopeKind = iota
	// ScopeList follows every conversation for the list screen.
	ScopeList
)

func (k ScopeKind) String() string {
	if k == ScopeList {
		return "list"
	}
	return "conversation"
}

type Scope struct {
	Kind           ScopeKind
	ConversationID string
}

func ConversationScope(id string) Scope { return Scope{Kind: ScopeConversation, ConversationID: id} }
func ListScope() Scope                  { return Scope{Kind: ScopeList} }

// Filter is the feed filter for the scope.
func (s Scope) Filter() backend.Filter {
	if s.Kind == ScopeList {
		return backend.AllMessages()
	}
	return backend.ConversationFilter(s.ConversationID)
}

func (s Scope) String() string {
	if s.Kind == ScopeList {
		return "list"
	}
	return "conversation:" + s.ConversationID
}

// Reconciler folds live row changes into the cache. Every mutation goes
// through the cache's ID dedupe, so replays and races with the Sender leave
// one entry per message.
type Reconciler struct {
	cache   *cache.Cache
	store   backend.Store
	pending *PendingSends
	log     zerolog.Logger
	now     func() time.Time

	mu           sync.RWMutex
	self         string
	changed      func(conversationID string)
	conversation func(model.Conversation)

	// stop cancels mark-read follow-ups; replaced after each Close.
	stop      context.Context
	cancel    context.CancelFunc
	marking   map[string]bool
	followUps sync.WaitGroup
}

func NewReconciler(c *cache.Cache, store backend.Store, pending *PendingSends, log zerolog.Logger) *Reconciler {
	r := &Reconciler{
		cache:        c,
		store:        store,
		pending:      pending,
		log:          log,
		now:          func() time.Time { return time.Now().UTC() },
		changed:      func(string) {},
		conversation: func(model.Conversation) {},
		marking:      make(map[string]bool),
	}
	r.stop, r.cancel = context.WithCancel(context.Background())
	return r
}

func (r *Reconciler) SetSelf(userID string) {
	r.mu.Lock()
	r.self = userID
	r.mu.Unlock()
}

// OnChange registers the callback run after a conversation's cached
// messages changed.
func (r *Reconciler) OnChange(fn func(conversationID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn != nil {
		r.changed = fn
	}
}

// OnConversation registers the callback for conversation row changes.
func (r *Reconciler) OnConversation(fn func(model.Conversation)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn != nil {
		r.conversation = fn
	}
}

func (r *Reconciler) hooks() (string, func(string), func(model.Conversation)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.self, r.changed, r.conversation
}

// Run consumes sub until it ends or ctx is cancelled. It returns the
// subscription's error, nil after a clean Close.
func (r *Reconciler) Run(ctx context.Context, sub backend.Subscription, scope Scope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-sub.Events():
			r.Apply(ctx, ev, scope)
		case <-sub.Done():
			for {
				select {
				case ev := <-sub.Events():
					r.Apply(ctx, ev, scope)
				default:
					return sub.Err()
				}
			}
		}
	}
}

// Apply folds one event into the cache. It returns the conversation whose
// messages changed, or "" when nothing did.
func (r *Reconciler) Apply(ctx context.Context, ev model.Event, scope Scope) string {
	self, changed, onConversation := r.hooks()

	if ev.Table() == model.TableConversations {
		r.applyConversation(ev, onConversation)
		return ""
	}
	if ev.Table() != model.TableMessages {
		return ""
	}

	var convID string
	switch e := ev.(type) {
	case model.Insert:
		convID = r.applyInsert(ctx, e, scope, self)
	case model.Update:
		convID = r.applyUpdate(e)
	case model.Delete:
		convID = r.applyDelete(e)
	}
	if convID != "" {
		changed(convID)
	}
	return convID
}

func (r *Reconciler) applyInsert(ctx context.Context, e model.Insert, scope Scope, self string) string {
	msg, err := model.MessageFromRow(e.New, r.now())
	if err != nil {
		r.log.Warn().Err(err).Str("scope", scope.String()).Msg("dropping malformed insert")
		return ""
	}
	if msg.ConversationID == "" {
		msg.ConversationID = scope.ConversationID
	}
	if msg.ConversationID == "" {
		r.log.Warn().Str("message_id", msg.ID).Msg("dropping insert without conversation")
		return ""
	}
	if r.cache.Contains(msg.ConversationID, msg.ID) {
		// Another scope may have cached it first without marking it read.
		if scope.Kind == ScopeConversation {
			if cached, ok := r.cached(msg.ConversationID, msg.ID); ok && r.shouldMarkRead(cached, self) {
				r.markReadLater(ctx, cached)
			}
		}
		return ""
	}

	if self != "" && msg.SenderID == self {
		if tempID, ok := r.pending.adopt(msg); ok {
			if r.cache.UpdateMessage(msg.ConversationID, tempID.String(), model.Confirm(msg)) {
				r.log.Debug().Str("temp_id", tempID.String()).Str("message_id", msg.ID).Msg("adopted own echo")
				return msg.ConversationID
			}
		}
	}

	r.cache.AddMessage(msg.ConversationID, msg)

	if scope.Kind == ScopeConversation && r.shouldMarkRead(msg, self) {
		r.markReadLater(ctx, msg)
	}
	return msg.ConversationID
}

func (r *Reconciler) applyUpdate(e model.Update) string {
	id, ok := e.New.String("id")
	if !ok || id == "" {
		return ""
	}
	convID, _ := e.New.String("conversation_id")
	if convID == "" || !r.cache.Contains(convID, id) {
		located, found := r.cache.Locate(id)
		if !found {
			return ""
		}
		convID = located
	}
	patch := model.PatchFromRow(e.New)
	if patch.IsEmpty() {
		return ""
	}
	if !r.cache.UpdateMessage(convID, id, patch) {
		return ""
	}
	return convID
}

func (r *Reconciler) applyDelete(e model.Delete) string {
	id, ok := e.Old.String("id")
	if !ok || id == "" {
		return ""
	}
	convID, _ := e.Old.String("conversation_id")
	if convID == "" || !r.cache.Contains(convID, id) {
		located, found := r.cache.Locate(id)
		if !found {
			return ""
		}
		convID = located
	}
	if !r.cache.RemoveMessage(convID, id) {
		return ""
	}
	return convID
}

func (r *Reconciler) applyConversation(ev model.Event, onConversation func(model.Conversation)) {
	var row model.Row
	switch e := ev.(type) {
	case model.Insert:
		row = e.New
	case model.Update:
		row = e.New
	default:
		return
	}
	c, err := model.ConversationFromRow(row)
	if err != nil {
		r.log.Warn().Err(err).Msg("dropping malformed conversation row")
		return
	}
	onConversation(c)
}

func (r *Reconciler) shouldMarkRead(msg model.Message, self string) bool {
	return self != "" && msg.SenderID != self && !msg.IsRead && !msg.IsOptimistic
}

func (r *Reconciler) cached(conversationID, id string) (model.Message, bool) {
	for _, m := range r.cache.Messages(conversationID) {
		if m.ID == id {
			return m, true
		}
	}
	return model.Message{}, false
}

// markReadLater marks a message from someone else as read once the open
// chat has shown it. At most one follow-up per message runs at a time, and
// Close cancels them.
func (r *Reconciler) markReadLater(ctx context.Context, msg model.Message) {
	r.mu.Lock()
	if r.marking[msg.ID] {
		r.mu.Unlock()
		return
	}
	r.marking[msg.ID] = true
	stop := r.stop
	r.followUps.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.followUps.Done()
		defer func() {
			r.mu.Lock()
			delete(r.marking, msg.ID)
			r.mu.Unlock()
		}()

		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		defer context.AfterFunc(stop, cancel)()

		if err := r.store.MarkRead(fctx, []string{msg.ID}); err != nil {
			if !errors.Is(err, context.Canceled) {
				r.log.Warn().Err(err).Str("message_id", msg.ID).Msg("mark read failed")
			}
			return
		}
		if r.cache.UpdateMessage(msg.ConversationID, msg.ID, model.MarkedRead()) {
			_, changed, _ := r.hooks()
			changed(msg.ConversationID)
		}
	}()
}

// Wait blocks until pending mark-read follow-ups have finished.
func (r *Reconciler) Wait() {
	r.followUps.Wait()
}

// Close cancels pending mark-read follow-ups and waits for them. The
// reconciler stays usable afterwards.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.cancel()
	r.stop, r.cancel = context.WithCancel(context.Background())
	r.mu.Unlock()
	r.followUps.Wait()
}
