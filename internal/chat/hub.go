package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"chat-sync/internal/backend"
)

// view is one live subscription and the goroutine consuming it.
type view struct {
	scope  Scope
	sub    backend.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

func (v *view) alive() bool {
	select {
	case <-v.done:
		return false
	default:
		return true
	}
}

// Hub owns the live subscriptions, at most one per scope kind. Attaching a
// new view tears down the previous one of the same kind first.
type Hub struct {
	feed       backend.Feed
	reconciler *Reconciler
	log        zerolog.Logger

	mu    sync.Mutex
	views map[ScopeKind]*view
}

func NewHub(feed backend.Feed, r *Reconciler, log zerolog.Logger) *Hub {
	return &Hub{
		feed:       feed,
		reconciler: r,
		log:        log,
		views:      make(map[ScopeKind]*view),
	}
}

// Attach subscribes for scope and starts consuming. The previous view of the
// same kind is closed and its consumer has exited before the new one starts.
func (h *Hub) Attach(ctx context.Context, scope Scope) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.detachLocked(scope.Kind)

	sub, err := h.feed.Subscribe(ctx, scope.Filter())
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", scope, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	v := &view{scope: scope, sub: sub, cancel: cancel, done: make(chan struct{})}
	h.views[scope.Kind] = v

	go h.consume(runCtx, v)
	h.log.Debug().Str("scope", scope.String()).Msg("subscribed")
	return nil
}

func (h *Hub) consume(ctx context.Context, v *view) {
	defer close(v.done)
	err := h.reconciler.Run(ctx, v.sub, v.scope)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	h.log.Warn().Err(err).Str("scope", v.scope.String()).Msg("subscription dropped")
}

// Detach closes the view of the given kind and waits for its consumer.
func (h *Hub) Detach(kind ScopeKind) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(kind)
}

func (h *Hub) detachLocked(kind ScopeKind) {
	v, ok := h.views[kind]
	if !ok {
		return
	}
	delete(h.views, kind)
	v.sub.Close()
	v.cancel()
	<-v.done
}

// Scope returns the scope attached for kind, live or not.
func (h *Hub) Scope(kind ScopeKind) (Scope, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.views[kind]
	if !ok {
		return Scope{}, false
	}
	return v.scope, true
}

// Alive reports whether the view of kind is attached and still consuming.
func (h *Hub) Alive(kind ScopeKind) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.views[kind]
	return ok && v.alive()
}

// Stale lists the attached views whose subscription has ended.
func (h *Hub) Stale() []Scope {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Scope
	for _, kind := range []ScopeKind{ScopeConversation, ScopeList} {
		if v, ok := h.views[kind]; ok && !v.alive() {
			out = append(out, v.scope)
		}
	}
	return out
}

// Close detaches every view.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for kind := range h.views {
		h.detachLocked(kind)
	}
}
