package cache

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"chat-sync/internal/model"
)

var base = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func msg(id string, offset int) model.Message {
	return model.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       "u1",
		Content:        "content " + id,
		CreatedAt:      base.Add(time.Duration(offset) * time.Second),
	}
}

func TestMessagesAbsentIsEmpty(t *testing.T) {
	c := New()
	if got := c.Messages("missing"); len(got) != 0 {
		t.Fatalf("expected empty slice, got %d messages", len(got))
	}
	if c.HasConversation("missing") {
		t.Fatal("reading must not create an entry")
	}
}

func TestAddMessageIsIdempotent(t *testing.T) {
	c := New()
	m := msg("m1", 1)

	c.AddMessage("c1", m)
	once := c.Messages("c1")
	c.AddMessage("c1", m)
	twice := c.Messages("c1")

	if len(once) != 1 || len(twice) != 1 {
		t.Fatalf("expected one entry after duplicate insert, got %d then %d", len(once), len(twice))
	}
	if once[0] != twice[0] {
		t.Fatalf("state changed on duplicate insert: %+v vs %+v", once[0], twice[0])
	}
}

func TestOrderingIndependentOfArrival(t *testing.T) {
	c := New()
	rng := rand.New(rand.NewSource(42))
	offsets := rng.Perm(40)

	for i, off := range offsets {
		c.AddMessage("c1", msg(fmt.Sprintf("m%d", i), off))
	}

	got := c.Messages("c1")
	if len(got) != 40 {
		t.Fatalf("expected 40 messages, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt.Before(got[i-1].CreatedAt) {
			t.Fatalf("messages out of order at %d: %v before %v", i, got[i].CreatedAt, got[i-1].CreatedAt)
		}
	}
}

func TestSetMessagesKeepsMostRecent(t *testing.T) {
	c := New(WithMaxMessages(3))
	c.SetMessages("c1", []model.Message{msg("m5", 5), msg("m1", 1), msg("m4", 4), msg("m2", 2), msg("m3", 3)})

	got := c.Messages("c1")
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	want := []string{"m3", "m4", "m5"}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d: got %s want %s", i, got[i].ID, id)
		}
	}
}

func TestUpdateMessageReplacesInPlace(t *testing.T) {
	c := New()
	c.SetMessages("c1", []model.Message{msg("m1", 1), msg("temp_x", 2), msg("m3", 3)})

	confirmed := msg("m42", 2)
	if !c.UpdateMessage("c1", "temp_x", model.Confirm(confirmed)) {
		t.Fatal("expected update to find the placeholder")
	}

	got := c.Messages("c1")
	if len(got) != 3 || got[1].ID != "m42" {
		t.Fatalf("expected m42 in the middle, got %+v", got)
	}
	if c.Contains("c1", "temp_x") {
		t.Fatal("placeholder id still cached")
	}
}

func TestUpdateAndRemoveMissingAreNoOps(t *testing.T) {
	c := New()
	c.AddMessage("c1", msg("m1", 1))

	if c.UpdateMessage("c1", "nope", model.MarkedRead()) {
		t.Error("update of a missing id reported success")
	}
	if c.UpdateMessage("other", "m1", model.MarkedRead()) {
		t.Error("update in a missing conversation reported success")
	}
	if c.RemoveMessage("c1", "nope") {
		t.Error("remove of a missing id reported success")
	}
	if c.HasConversation("other") {
		t.Error("no-op update created a conversation entry")
	}
	if got := c.Messages("c1"); len(got) != 1 || got[0].IsRead {
		t.Fatalf("cache changed by no-ops: %+v", got)
	}
}

func TestRemoveMessage(t *testing.T) {
	c := New()
	c.SetMessages("c1", []model.Message{msg("m1", 1), msg("m2", 2)})

	if !c.RemoveMessage("c1", "m1") {
		t.Fatal("expected remove to succeed")
	}
	got := c.Messages("c1")
	if len(got) != 1 || got[0].ID != "m2" {
		t.Fatalf("unexpected messages after remove: %+v", got)
	}
}

func TestEvictionBound(t *testing.T) {
	c := New()
	for i := 0; i < 75; i++ {
		c.AddMessage(fmt.Sprintf("c%d", i), msg(fmt.Sprintf("m%d", i), i))
		if size := c.Stats().Size; size > DefaultMaxConversations {
			t.Fatalf("cache grew to %d conversations", size)
		}
	}

	if !c.HasConversation("c74") {
		t.Fatal("most recently inserted conversation was evicted")
	}
	if c.HasConversation("c0") || c.HasConversation("c24") {
		t.Fatal("oldest conversations should have been evicted")
	}
	if !c.HasConversation("c25") {
		t.Fatal("c25 should still be cached")
	}
}

func TestEvictionIsByInsertionNotAccess(t *testing.T) {
	c := New(WithMaxConversations(2))
	c.AddMessage("a", msg("m1", 1))
	c.AddMessage("b", msg("m2", 2))

	// Touching "a" again does not make it younger than "b".
	c.AddMessage("a", msg("m3", 3))
	_ = c.Messages("a")
	c.AddMessage("c", msg("m4", 4))

	if c.HasConversation("a") {
		t.Fatal("expected a to be evicted as the oldest inserted")
	}
	if !c.HasConversation("b") || !c.HasConversation("c") {
		t.Fatalf("unexpected survivors: %v", c.Stats().Conversations)
	}
}

func TestMessagesReturnsCopy(t *testing.T) {
	c := New()
	c.AddMessage("c1", msg("m1", 1))

	got := c.Messages("c1")
	got[0].Content = "mutated"

	if c.Messages("c1")[0].Content == "mutated" {
		t.Fatal("caller mutation leaked into the cache")
	}
}

func TestLocateAndClear(t *testing.T) {
	c := New()
	c.AddMessage("c1", msg("m1", 1))
	c.AddMessage("c2", msg("m2", 2))

	if conv, ok := c.Locate("m2"); !ok || conv != "c2" {
		t.Fatalf("Locate(m2) = %q, %v", conv, ok)
	}

	c.ClearConversation("c1")
	if c.HasConversation("c1") {
		t.Fatal("ClearConversation left the entry")
	}

	c.Clear()
	stats := c.Stats()
	if stats.Size != 0 || stats.TotalMessages != 0 || len(stats.Conversations) != 0 {
		t.Fatalf("unexpected stats after Clear: %+v", stats)
	}
}
