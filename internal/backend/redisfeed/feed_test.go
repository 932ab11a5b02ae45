package redisfeed

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"chat-sync/internal/backend"
	"chat-sync/internal/model"
)

func TestChannelNames(t *testing.T) {
	f := New(nil)

	cases := []struct {
		name   string
		change model.Change
		want   string
	}{
		{"message insert", model.Change{Type: model.EventInsert, Table: model.TableMessages, New: model.Row{"id": "m1", "conversation_id": "c1"}}, "changes:messages:c1"},
		{"message delete", model.Change{Type: model.EventDelete, Table: model.TableMessages, Old: model.Row{"id": "m1", "conversation_id": "c2"}}, "changes:messages:c2"},
		{"conversation update", model.Change{Type: model.EventUpdate, Table: model.TableConversations, New: model.Row{"id": "c3"}}, "changes:conversations:c3"},
		{"missing key", model.Change{Type: model.EventDelete, Table: model.TableMessages, Old: model.Row{"id": "m1"}}, "changes:messages:_"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := f.Channel(tc.change); got != tc.want {
				t.Fatalf("Channel = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestTopics(t *testing.T) {
	f := New(nil, WithPrefix("x"))

	if name, pattern := f.topic(backend.ConversationFilter("c1")); name != "x:messages:c1" || pattern {
		t.Fatalf("conversation topic = %q, %v", name, pattern)
	}
	if name, pattern := f.topic(backend.AllMessages()); name != "x:messages:*" || !pattern {
		t.Fatalf("list topic = %q, %v", name, pattern)
	}
	if name, pattern := f.topic(backend.Filter{}); name != "x:*" || !pattern {
		t.Fatalf("catch-all topic = %q, %v", name, pattern)
	}
}

// Runs against CHATSYNC_TEST_REDIS when set.
func TestPublishSubscribe(t *testing.T) {
	addr := os.Getenv("CHATSYNC_TEST_REDIS")
	if addr == "" {
		t.Skip("CHATSYNC_TEST_REDIS not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })

	ctx := context.Background()
	f := New(rdb, WithPrefix("test-"+time.Now().Format("150405.000000")))

	chat, err := f.Subscribe(ctx, backend.ConversationFilter("c1"))
	if err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}
	defer chat.Close()
	list, err := f.Subscribe(ctx, backend.AllMessages())
	if err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}
	defer list.Close()

	other := model.Message{ID: "m0", ConversationID: "c2", SenderID: "u2", CreatedAt: time.Now().UTC()}
	mine := model.Message{ID: "m1", ConversationID: "c1", SenderID: "u1", Content: "hi", CreatedAt: time.Now().UTC()}
	for _, m := range []model.Message{other, mine} {
		if err := f.Publish(ctx, model.ChangeOf(model.Insert{Source: model.TableMessages, New: model.MessageRow(m)})); err != nil {
			t.Fatalf("Publish err: %v", err)
		}
	}

	select {
	case ev := <-chat.Events():
		if id, _ := ev.(model.Insert).New.String("id"); id != "m1" {
			t.Fatalf("chat subscription got %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("chat subscription timed out")
	}

	for i := 0; i < 2; i++ {
		select {
		case <-list.Events():
		case <-time.After(2 * time.Second):
			t.Fatalf("list subscription got %d of 2 events", i)
		}
	}
}
