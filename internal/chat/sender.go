package chat

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chat-sync/internal/backend"
	"chat-sync/internal/cache"
	"chat-sync/internal/model"
	"chat-sync/internal/telemetry"
)

// Sender runs the optimistic send: a placeholder shows up in the cache
// immediately and is either confirmed with the server record or rolled back.
// One send may be in flight at a time.
type Sender struct {
	identity backend.Identity
	store    backend.Store
	cache    *cache.Cache
	recorder *telemetry.Recorder
	pending  *PendingSends
	log      zerolog.Logger

	busy    atomic.Bool
	now     func() time.Time
	changed func(conversationID string)
}

func NewSender(identity backend.Identity, store backend.Store, c *cache.Cache, rec *telemetry.Recorder, pending *PendingSends, log zerolog.Logger) *Sender {
	return &Sender{
		identity: identity,
		store:    store,
		cache:    c,
		recorder: rec,
		pending:  pending,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		changed:  func(string) {},
	}
}

// OnChange registers the callback run whenever the send touched the cache.
func (s *Sender) OnChange(fn func(conversationID string)) {
	if fn != nil {
		s.changed = fn
	}
}

// InFlight reports whether a send is waiting on the backend.
func (s *Sender) InFlight() bool { return s.busy.Load() }

// Send writes text to the conversation and returns the confirmed record.
// A rolled back send returns a *SendError carrying the original text.
func (s *Sender) Send(ctx context.Context, conversationID, text string) (model.Message, error) {
	content := strings.TrimSpace(text)
	if content == "" {
		return model.Message{}, ErrEmptyMessage
	}
	if conversationID == "" {
		return model.Message{}, ErrNoConversation
	}
	if !s.busy.CompareAndSwap(false, true) {
		return model.Message{}, ErrSendInFlight
	}
	defer s.busy.Store(false)

	start := s.now()
	self, err := s.identity.CurrentUserID(ctx)
	if err != nil {
		s.trackLatency(start, false)
		return model.Message{}, &SendError{ConversationID: conversationID, Text: text, Err: err}
	}

	tempID := model.NewTemporaryID()
	placeholder := model.Message{
		ID:             tempID.String(),
		ConversationID: conversationID,
		SenderID:       self,
		Content:        content,
		CreatedAt:      start,
		IsOptimistic:   true,
	}
	s.pending.add(&inflightSend{
		tempID:         tempID,
		conversationID: conversationID,
		senderID:       self,
		content:        content,
		createdAt:      start,
	})
	s.cache.AddMessage(conversationID, placeholder)
	s.changed(conversationID)

	callStart := s.now()
	confirmed, err := s.store.InsertMessage(ctx, backend.NewMessage{
		ConversationID: conversationID,
		SenderID:       self,
		Content:        content,
	})
	if s.recorder != nil {
		s.recorder.TrackAPI("sendMessage", callStart, s.now(), err == nil)
	}
	if err == nil {
		if _, idErr := model.ConfirmedID(confirmed.ID); idErr != nil {
			err = fmt.Errorf("backend returned message id %q: %w", confirmed.ID, idErr)
		}
	}

	entry := s.pending.remove(tempID)
	if err != nil {
		if entry != nil && entry.adoptedID != "" {
			// The live echo already confirmed it; the error came after commit.
			s.log.Warn().Err(err).Str("conversation_id", conversationID).
				Str("message_id", entry.adoptedID).Msg("send reported failure after its echo arrived")
			s.trackLatency(start, true)
			return s.cached(conversationID, entry.adoptedID, placeholder), nil
		}
		s.cache.RemoveMessage(conversationID, tempID.String())
		s.changed(conversationID)
		s.trackLatency(start, false)
		s.log.Error().Err(err).Str("conversation_id", conversationID).Msg("send rolled back")
		return model.Message{}, &SendError{ConversationID: conversationID, Text: text, Err: err}
	}

	confirmed.IsOptimistic = false
	if !s.cache.UpdateMessage(conversationID, tempID.String(), model.Confirm(confirmed)) &&
		!s.cache.Contains(conversationID, confirmed.ID) {
		s.cache.AddMessage(conversationID, confirmed)
	}
	s.changed(conversationID)

	if err := s.store.TouchConversation(ctx, conversationID, confirmed.CreatedAt); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("touch conversation failed")
	}
	s.trackLatency(start, true)
	return confirmed, nil
}

func (s *Sender) trackLatency(start time.Time, success bool) {
	if s.recorder != nil {
		s.recorder.TrackMessageLatency(start, s.now(), success)
	}
}

func (s *Sender) cached(conversationID, id string, fallback model.Message) model.Message {
	for _, m := range s.cache.Messages(conversationID) {
		if m.ID == id {
			return m
		}
	}
	fallback.ID = id
	fallback.IsOptimistic = false
	return fallback
}
