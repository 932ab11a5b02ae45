package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chat-sync/internal/backend"
	"chat-sync/internal/backend/memory"
	"chat-sync/internal/cache"
	"chat-sync/internal/model"
	"chat-sync/internal/telemetry"
)

type recordingObserver struct {
	mu    sync.Mutex
	msgs  map[string][]model.Message
	lists int
}

func (o *recordingObserver) MessagesChanged(id string, msgs []model.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.msgs == nil {
		o.msgs = make(map[string][]model.Message)
	}
	o.msgs[id] = msgs
}

func (o *recordingObserver) ConversationsChanged([]model.Summary) {
	o.mu.Lock()
	o.lists++
	o.mu.Unlock()
}

func (o *recordingObserver) last(id string) []model.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.msgs[id]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func seededBackend() *memory.Backend {
	b := memory.New()
	b.SignIn("me")
	b.AddProfile(model.Profile{ID: "u1", Username: "ana"})
	b.AddProfile(model.Profile{ID: "u2", Username: "bo"})
	b.AddConversation(model.Conversation{ID: "c1", Participant1ID: "me", Participant2ID: "u1", UpdatedAt: at(1)})
	b.AddConversation(model.Conversation{ID: "c2", Participant1ID: "u2", Participant2ID: "me", UpdatedAt: at(2)})
	return b
}

func newTestClient(t *testing.T, b *memory.Backend) (*Client, *recordingObserver) {
	t.Helper()
	obs := &recordingObserver{}
	cl := NewClient(b, b, b, cache.New(), telemetry.NewRecorder(50), WithObserver(obs))
	t.Cleanup(func() { cl.Close() })
	return cl, obs
}

func TestOpenConversationServesCacheThenFresh(t *testing.T) {
	b := seededBackend()
	b.AddMessage(model.Message{ID: "m1", ConversationID: "c1", SenderID: "u1", Content: "hello", CreatedAt: at(5)})
	cl, obs := newTestClient(t, b)
	ctx := context.Background()

	msgs, err := cl.OpenConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("OpenConversation err: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("messages = %+v", msgs)
	}
	if got := obs.last("c1"); len(got) != 1 {
		t.Fatalf("observer saw %d messages", len(got))
	}

	waitFor(t, "bulk mark read", func() bool {
		m, _ := b.Message("m1")
		return m.IsRead
	})

	cl.CloseConversation()
	if _, err := cl.OpenConversation(ctx, "c1"); err != nil {
		t.Fatalf("reopen err: %v", err)
	}
	st := cl.Recorder().Stats().Cache
	if st.Hits != 1 || st.Misses != 1 {
		t.Fatalf("cache stats = %+v", st)
	}
	if n := b.Subscribers(); n != 1 {
		t.Fatalf("expected one live subscription, got %d", n)
	}
}

func TestSendThroughLiveChatLeavesOneEntry(t *testing.T) {
	b := seededBackend()
	cl, _ := newTestClient(t, b)
	ctx := context.Background()

	if _, err := cl.OpenConversation(ctx, "c1"); err != nil {
		t.Fatalf("OpenConversation err: %v", err)
	}
	sent, err := cl.Send(ctx, "c1", "hi")
	if err != nil {
		t.Fatalf("Send err: %v", err)
	}

	// Give the echo time to come through the subscription.
	time.Sleep(50 * time.Millisecond)
	msgs := cl.Messages("c1")
	if len(msgs) != 1 || msgs[0].ID != sent.ID || msgs[0].IsOptimistic {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestIncomingMessageInOpenChatIsMarkedRead(t *testing.T) {
	b := seededBackend()
	cl, _ := newTestClient(t, b)
	ctx := context.Background()
	if _, err := cl.OpenConversation(ctx, "c1"); err != nil {
		t.Fatalf("OpenConversation err: %v", err)
	}

	in, err := b.InsertMessage(ctx, backend.NewMessage{ConversationID: "c1", SenderID: "u1", Content: "ping"})
	if err != nil {
		t.Fatalf("InsertMessage err: %v", err)
	}
	waitFor(t, "incoming read", func() bool {
		for _, m := range cl.Messages("c1") {
			if m.ID == in.ID {
				return m.IsRead
			}
		}
		return false
	})
}

func TestOpenListAndLiveReorder(t *testing.T) {
	b := seededBackend()
	cl, _ := newTestClient(t, b)
	ctx := context.Background()

	list, err := cl.OpenList(ctx)
	if err != nil {
		t.Fatalf("OpenList err: %v", err)
	}
	if got := ids(list); !sameIDs(got, []string{"c2", "c1"}) {
		t.Fatalf("initial list = %v", got)
	}
	if list[0].OtherParticipant.Label() != "bo" {
		t.Fatalf("c2 other participant = %+v", list[0].OtherParticipant)
	}

	if _, err := b.InsertMessage(ctx, backend.NewMessage{ConversationID: "c1", SenderID: "u1", Content: "new"}); err != nil {
		t.Fatalf("InsertMessage err: %v", err)
	}
	waitFor(t, "reorder", func() bool {
		return sameIDs(ids(cl.Conversations()), []string{"c1", "c2"})
	})
	s := cl.Conversations()[0]
	if s.UnreadCount != 1 || s.LastMessage.Content != "new" {
		t.Fatalf("c1 summary = %+v", s)
	}
}

func TestListDescribesUnknownConversation(t *testing.T) {
	b := seededBackend()
	cl, _ := newTestClient(t, b)
	ctx := context.Background()
	if _, err := cl.OpenList(ctx); err != nil {
		t.Fatalf("OpenList err: %v", err)
	}

	b.AddProfile(model.Profile{ID: "u3", DisplayName: "Cy"})
	b.AddConversation(model.Conversation{ID: "c3", Participant1ID: "u3", Participant2ID: "me"})
	if _, err := b.InsertMessage(ctx, backend.NewMessage{ConversationID: "c3", SenderID: "u3", Content: "first"}); err != nil {
		t.Fatalf("InsertMessage err: %v", err)
	}

	waitFor(t, "described conversation", func() bool {
		list := cl.Conversations()
		return len(list) == 3 && list[0].ConversationID == "c3" && list[0].OtherParticipant.Label() == "Cy"
	})
}

func TestFocusResyncsAfterDisconnect(t *testing.T) {
	b := seededBackend()
	cl, _ := newTestClient(t, b)
	ctx := context.Background()
	if _, err := cl.OpenConversation(ctx, "c1"); err != nil {
		t.Fatalf("OpenConversation err: %v", err)
	}

	b.Disconnect(errors.New("socket closed"))
	waitFor(t, "stale view", func() bool { return len(cl.hub.Stale()) == 1 })

	// Committed while the channel was down, so never pushed.
	b.AddMessage(model.Message{ID: "missed", ConversationID: "c1", SenderID: "u1", Content: "while away", CreatedAt: at(30)})

	if err := cl.Focus(ctx); err != nil {
		t.Fatalf("Focus err: %v", err)
	}
	found := false
	for _, m := range cl.Messages("c1") {
		found = found || m.ID == "missed"
	}
	if !found {
		t.Fatal("resync did not pick up the missed message")
	}
	if !cl.hub.Alive(ScopeConversation) || b.Subscribers() != 1 {
		t.Fatal("expected a fresh subscription after Focus")
	}

	if err := cl.Focus(ctx); err != nil {
		t.Fatalf("second Focus err: %v", err)
	}
}

func TestFocusDropsRowsDeletedWhileDisconnected(t *testing.T) {
	b := seededBackend()
	b.AddMessage(model.Message{ID: "m1", ConversationID: "c1", SenderID: "u1", Content: "one", CreatedAt: at(5)})
	b.AddMessage(model.Message{ID: "m2", ConversationID: "c1", SenderID: "u1", Content: "two", CreatedAt: at(6)})
	cl, _ := newTestClient(t, b)
	ctx := context.Background()
	if _, err := cl.OpenConversation(ctx, "c1"); err != nil {
		t.Fatalf("OpenConversation err: %v", err)
	}

	b.Disconnect(errors.New("socket closed"))
	waitFor(t, "stale view", func() bool { return len(cl.hub.Stale()) == 1 })
	b.DropMessage("m2")

	if err := cl.Focus(ctx); err != nil {
		t.Fatalf("Focus err: %v", err)
	}
	if got := cl.Messages("c1"); len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("after resync = %+v", got)
	}

	// An empty fetch empties the conversation too.
	b.DropMessage("m1")
	if err := cl.Refresh(ctx); err != nil {
		t.Fatalf("Refresh err: %v", err)
	}
	if got := cl.Messages("c1"); len(got) != 0 {
		t.Fatalf("after empty resync = %+v", got)
	}
}

func TestOpenConversationWithCreatesOnce(t *testing.T) {
	b := seededBackend()
	b.AddProfile(model.Profile{ID: "u5", Username: "eve"})
	cl, _ := newTestClient(t, b)
	ctx := context.Background()

	first, _, err := cl.OpenConversationWith(ctx, "u5")
	if err != nil {
		t.Fatalf("OpenConversationWith err: %v", err)
	}
	second, _, err := cl.OpenConversationWith(ctx, "u5")
	if err != nil {
		t.Fatalf("OpenConversationWith err: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("created two conversations: %s, %s", first.ID, second.ID)
	}
	if cl.ActiveConversation() != first.ID {
		t.Fatalf("active = %q", cl.ActiveConversation())
	}
	s, ok := cl.aggregator.Summary(first.ID)
	if !ok || s.OtherParticipant.Label() != "eve" {
		t.Fatalf("summary = %+v", s)
	}
}

func TestCloseClearsSession(t *testing.T) {
	b := seededBackend()
	b.AddMessage(model.Message{ID: "m1", ConversationID: "c1", SenderID: "u1", CreatedAt: at(5)})
	cl, _ := newTestClient(t, b)
	ctx := context.Background()
	if _, err := cl.OpenList(ctx); err != nil {
		t.Fatalf("OpenList err: %v", err)
	}

	cl.Close()

	if st := cl.CacheStats(); st.Size != 0 {
		t.Fatalf("cache not cleared: %+v", st)
	}
	if n := len(cl.Conversations()); n != 0 {
		t.Fatalf("list not cleared: %d", n)
	}
	if b.Subscribers() != 0 {
		t.Fatal("subscriptions left open")
	}
}

func TestMergeFreshKeepsInFlightAndLateLiveRows(t *testing.T) {
	fresh := []model.Message{
		{ID: "m1", CreatedAt: at(1)},
		{ID: "m2", CreatedAt: at(2), IsRead: true},
	}
	cached := []model.Message{
		{ID: "m2", CreatedAt: at(2)},
		{ID: "old", CreatedAt: at(0)},
		{ID: "live", CreatedAt: at(3)},
		{ID: "temp_a", CreatedAt: at(4), IsOptimistic: true},
		{ID: "temp_gone", CreatedAt: at(4), IsOptimistic: true},
		{ID: "deleted", CreatedAt: at(5)},
	}
	// Everything but "live" was cached before the fetch started.
	known := map[string]bool{"m2": true, "old": true, "temp_a": true, "temp_gone": true, "deleted": true}

	c := cache.New()
	c.SetMessages("c1", mergeFresh(fresh, cached, known, map[string]bool{"temp_a": true}))

	got := c.Messages("c1")
	want := []string{"m1", "m2", "live", "temp_a"}
	if len(got) != len(want) {
		t.Fatalf("merged = %+v", got)
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("position %d = %s, want %s", i, got[i].ID, want[i])
		}
	}
	if !got[1].IsRead {
		t.Fatal("fresh row should win over the cached copy")
	}
}
