package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"chat-sync/internal/backend/memory"
	"chat-sync/internal/cache"
	"chat-sync/internal/chat"
	"chat-sync/internal/telemetry"
)

func TestConsoleStartsAndMessagesConversation(t *testing.T) {
	b := seedDemo(memory.New())
	cl := chat.NewClient(b, b, b, cache.New(), telemetry.NewRecorder(10))
	defer cl.Close()

	var out bytes.Buffer
	in := strings.NewReader("with ana\nsend hello there\nlist\nstats\nquit\nsend never\n")
	runConsole(context.Background(), cl, in, &out)

	conv := cl.ActiveConversation()
	if conv == "" {
		t.Fatalf("no conversation opened; output:\n%s", out.String())
	}
	msgs := cl.Messages(conv)
	if len(msgs) != 1 || msgs[0].Content != "hello there" || msgs[0].IsOptimistic {
		t.Fatalf("messages = %+v", msgs)
	}
	if !strings.Contains(out.String(), "Ana Flores") {
		t.Fatalf("list output missing participant:\n%s", out.String())
	}
	if !strings.Contains(out.String(), `"telemetry"`) {
		t.Fatalf("stats output missing:\n%s", out.String())
	}
}

func TestConsoleReportsErrors(t *testing.T) {
	b := seedDemo(memory.New())
	cl := chat.NewClient(b, b, b, cache.New(), telemetry.NewRecorder(10))
	defer cl.Close()

	var out bytes.Buffer
	runCommand(context.Background(), cl, "send nobody is listening", &out)
	if !strings.Contains(out.String(), "error:") {
		t.Fatalf("output = %q", out.String())
	}
}
