package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"chat-sync/internal/chat"
	"chat-sync/internal/model"
)

const usage = `commands:
  list              open the conversation list
  open <id>         open a conversation
  with <user id>    open or start a conversation with a user
  send <text>       send to the open conversation
  read              mark the open conversation read
  refresh           resync everything on screen
  stats             print telemetry and cache stats
  quit`

// printer renders observer callbacks as they arrive.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) MessagesChanged(conversationID string, msgs []model.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	state := ""
	if last.IsOptimistic {
		state = " (sending)"
	}
	fmt.Fprintf(p.out, "[%s] %s: %s%s\n", conversationID, last.SenderID, last.Content, state)
}

func (p *printer) ConversationsChanged(list []model.Summary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "conversations updated (%d)\n", len(list))
}

// runConsole reads commands from in until quit, EOF or ctx is done.
func runConsole(ctx context.Context, cl *chat.Client, in io.Reader, out io.Writer) {
	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
	}()

	fmt.Fprintln(out, usage)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !runCommand(ctx, cl, line, out) {
				return
			}
		}
	}
}

// runCommand executes one line and reports whether the console should continue.
func runCommand(ctx context.Context, cl *chat.Client, line string, out io.Writer) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var err error
	switch cmd {
	case "":
	case "quit", "exit":
		return false
	case "list":
		var list []model.Summary
		if list, err = cl.OpenList(callCtx); err == nil {
			printList(out, list)
		}
	case "open":
		var msgs []model.Message
		if msgs, err = cl.OpenConversation(callCtx, arg); err == nil {
			printMessages(out, msgs)
		}
	case "with":
		var conv model.Conversation
		var msgs []model.Message
		if conv, msgs, err = cl.OpenConversationWith(callCtx, arg); err == nil {
			fmt.Fprintf(out, "opened %s\n", conv.ID)
			printMessages(out, msgs)
		}
	case "send":
		_, err = cl.Send(callCtx, cl.ActiveConversation(), arg)
	case "read":
		err = cl.MarkRead(callCtx, cl.ActiveConversation())
	case "refresh":
		err = cl.Refresh(callCtx)
	case "stats":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		err = enc.Encode(map[string]any{
			"telemetry":   cl.Recorder().Export(),
			"cache":       cl.CacheStats(),
			"degradation": cl.Recorder().Degradation(),
		})
	default:
		fmt.Fprintln(out, usage)
	}
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
	}
	return true
}

func printList(out io.Writer, list []model.Summary) {
	for _, s := range list {
		preview := ""
		if s.LastMessage != nil {
			preview = s.LastMessage.Content
		}
		fmt.Fprintf(out, "%s  %-20s %2d unread  %s\n", s.ConversationID, s.OtherParticipant.Label(), s.UnreadCount, preview)
	}
}

func printMessages(out io.Writer, msgs []model.Message) {
	for _, m := range msgs {
		fmt.Fprintf(out, "%s %s: %s\n", m.CreatedAt.Format(time.Kitchen), m.SenderID, m.Content)
	}
}
