package chat

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chat-sync/internal/backend"
	"chat-sync/internal/backend/memory"
	"chat-sync/internal/cache"
	"chat-sync/internal/model"
)

func newTestReconciler(store backend.Store) (*Reconciler, *cache.Cache) {
	c := cache.New()
	r := NewReconciler(c, store, NewPendingSends(0), zerolog.Nop())
	r.SetSelf("me")
	return r, c
}

func insertOf(m model.Message) model.Insert {
	return model.Insert{Source: model.TableMessages, New: model.MessageRow(m)}
}

func TestApplyInsertIsIdempotent(t *testing.T) {
	r, c := newTestReconciler(memory.New())
	ev := insertOf(model.Message{ID: "m1", ConversationID: "c1", SenderID: "me", Content: "a", CreatedAt: at(1)})

	if got := r.Apply(context.Background(), ev, ListScope()); got != "c1" {
		t.Fatalf("first apply reported %q", got)
	}
	if got := r.Apply(context.Background(), ev, ListScope()); got != "" {
		t.Fatalf("replayed insert reported a change on %q", got)
	}
	if n := len(c.Messages("c1")); n != 1 {
		t.Fatalf("expected one message, got %d", n)
	}
}

func TestApplyOrdersOutOfOrderInserts(t *testing.T) {
	r, c := newTestReconciler(memory.New())
	for _, sec := range []int{3, 1, 2} {
		m := model.Message{ID: "m" + string(rune('0'+sec)), ConversationID: "c1", SenderID: "me", CreatedAt: at(sec)}
		r.Apply(context.Background(), insertOf(m), ListScope())
	}
	msgs := c.Messages("c1")
	for i, want := range []string{"m1", "m2", "m3"} {
		if msgs[i].ID != want {
			t.Fatalf("position %d = %s, want %s", i, msgs[i].ID, want)
		}
	}
}

func TestApplyDropsMalformedRows(t *testing.T) {
	r, c := newTestReconciler(memory.New())
	bad := model.Insert{Source: model.TableMessages, New: model.Row{"id": model.TemporaryPrefix + "x", "conversation_id": "c1"}}
	if got := r.Apply(context.Background(), bad, ListScope()); got != "" {
		t.Fatalf("malformed row applied to %q", got)
	}
	if c.HasConversation("c1") {
		t.Fatal("malformed row reached the cache")
	}
}

func TestApplyUpdateAndDelete(t *testing.T) {
	r, c := newTestReconciler(memory.New())
	c.AddMessage("c1", model.Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "a", CreatedAt: at(1)})

	up := model.Update{Source: model.TableMessages, New: model.Row{"id": "m1", "is_read": true}}
	if got := r.Apply(context.Background(), up, ListScope()); got != "c1" {
		t.Fatalf("update without conversation_id reported %q", got)
	}
	if !c.Messages("c1")[0].IsRead {
		t.Fatal("update not applied")
	}

	missing := model.Update{Source: model.TableMessages, New: model.Row{"id": "nope", "is_read": true}}
	if got := r.Apply(context.Background(), missing, ListScope()); got != "" {
		t.Fatal("update of an unknown message should be a no-op")
	}

	del := model.Delete{Source: model.TableMessages, Old: model.Row{"id": "m1"}}
	if got := r.Apply(context.Background(), del, ListScope()); got != "c1" {
		t.Fatalf("delete reported %q", got)
	}
	if n := len(c.Messages("c1")); n != 0 {
		t.Fatalf("delete left %d messages", n)
	}
}

func TestApplyMarksIncomingReadInOpenChat(t *testing.T) {
	b := memory.New()
	incoming := model.Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "hey", CreatedAt: at(1)}
	b.AddMessage(incoming)
	r, c := newTestReconciler(b)

	r.Apply(context.Background(), insertOf(incoming), ConversationScope("c1"))
	r.Wait()

	if stored, _ := b.Message("m1"); !stored.IsRead {
		t.Fatal("backend row not marked read")
	}
	if !c.Messages("c1")[0].IsRead {
		t.Fatal("cached row not marked read")
	}

	// The list screen never marks anything read.
	other := model.Message{ID: "m2", ConversationID: "c1", SenderID: "u2", CreatedAt: at(2)}
	b.AddMessage(other)
	r.Apply(context.Background(), insertOf(other), ListScope())
	r.Wait()
	if stored, _ := b.Message("m2"); stored.IsRead {
		t.Fatal("list scope marked a message read")
	}
}

func TestChatScopeMarksReadAfterListScopeCachedFirst(t *testing.T) {
	b := memory.New()
	incoming := model.Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "hey", CreatedAt: at(1)}
	b.AddMessage(incoming)
	r, c := newTestReconciler(b)
	ev := insertOf(incoming)

	// The list and the open chat both receive the insert; the list wins the race.
	r.Apply(context.Background(), ev, ListScope())
	r.Apply(context.Background(), ev, ConversationScope("c1"))
	r.Wait()

	if stored, _ := b.Message("m1"); !stored.IsRead {
		t.Fatal("backend row not marked read")
	}
	if msgs := c.Messages("c1"); len(msgs) != 1 || !msgs[0].IsRead {
		t.Fatalf("cached = %+v", msgs)
	}
}

// stuckStore never answers MarkRead until its context ends.
type stuckStore struct {
	*memory.Backend
	calls chan struct{}
}

func (s stuckStore) MarkRead(ctx context.Context, ids []string) error {
	s.calls <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

func TestCloseCancelsPendingMarkRead(t *testing.T) {
	store := stuckStore{Backend: memory.New(), calls: make(chan struct{}, 1)}
	r, _ := newTestReconciler(store)

	incoming := model.Message{ID: "m1", ConversationID: "c1", SenderID: "u2", CreatedAt: at(1)}
	r.Apply(context.Background(), insertOf(incoming), ConversationScope("c1"))
	<-store.calls

	closed := make(chan struct{})
	go func() {
		r.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a hung mark-read")
	}
}

func TestEchoOutsideWindowIsNotAdopted(t *testing.T) {
	r, c := newTestReconciler(memory.New())
	temp := model.NewTemporaryID()
	sentAt := time.Now().UTC()
	r.pending.add(&inflightSend{tempID: temp, conversationID: "c1", senderID: "me", content: "hi", createdAt: sentAt})
	c.AddMessage("c1", model.Message{ID: temp.String(), ConversationID: "c1", SenderID: "me", Content: "hi", CreatedAt: sentAt, IsOptimistic: true})

	late := model.Message{ID: "m9", ConversationID: "c1", SenderID: "me", Content: "hi", CreatedAt: sentAt.Add(5 * time.Second)}
	r.Apply(context.Background(), insertOf(late), ConversationScope("c1"))

	if n := len(c.Messages("c1")); n != 2 {
		t.Fatalf("expected placeholder and unrelated message, got %d", n)
	}

	near := model.Message{ID: "m10", ConversationID: "c1", SenderID: "me", Content: "hi", CreatedAt: sentAt.Add(time.Second)}
	r.Apply(context.Background(), insertOf(near), ConversationScope("c1"))
	for _, m := range c.Messages("c1") {
		if m.ID == temp.String() {
			t.Fatal("placeholder should have been adopted")
		}
	}
}

func TestRunReturnsSubscriptionError(t *testing.T) {
	b := memory.New()
	r, c := newTestReconciler(b)
	sub, err := b.Subscribe(context.Background(), backend.AllMessages())
	if err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- r.Run(context.Background(), sub, ListScope()) }()

	b.AddConversation(model.Conversation{ID: "c1"})
	if _, err := b.InsertMessage(context.Background(), backend.NewMessage{ConversationID: "c1", SenderID: "u2", Content: "x"}); err != nil {
		t.Fatalf("InsertMessage err: %v", err)
	}
	b.Disconnect(backend.ErrSlowConsumer)

	select {
	case err := <-errc:
		if err != backend.ErrSlowConsumer {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after disconnect")
	}
	if n := len(c.Messages("c1")); n != 1 {
		t.Fatalf("event before disconnect lost: %d messages", n)
	}
}
