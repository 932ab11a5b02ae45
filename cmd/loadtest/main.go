package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chat-sync/internal/backend/memory"
	"chat-sync/internal/cache"
	"chat-sync/internal/chat"
	"chat-sync/internal/logger"
	"chat-sync/internal/model"
	"chat-sync/internal/telemetry"
)

// user is a fixed identity, so many clients can share one in-process backend.
type user string

func (u user) CurrentUserID(context.Context) (string, error) { return string(u), nil }

type result struct {
	sent      int
	failed    int
	converged bool
}

func main() {
	pairs := flag.Int("pairs", 50, "number of conversations, two clients each")
	msgs := flag.Int("messages", 20, "messages per client")
	pause := flag.Duration("pause", 10*time.Millisecond, "delay between sends")
	flag.Parse()

	log := logger.New(os.Getenv("ENV"), os.Getenv("LOG_LEVEL"))
	log.Info().Int("clients", *pairs*2).Int("messages", *msgs).Msg("starting load test")

	b := memory.New()
	rec := telemetry.NewRecorder(*pairs * *msgs * 2)

	results := make([]result, *pairs)
	var clients []*chat.Client
	var mu sync.Mutex
	var wg sync.WaitGroup

	start := time.Now()
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			ca, cb, res := runPair(b, rec, log, pairID, *msgs, *pause)
			mu.Lock()
			clients = append(clients, ca, cb)
			mu.Unlock()
			results[pairID] = res
		}(i)
	}
	wg.Wait()

	var total result
	diverged := 0
	for _, r := range results {
		total.sent += r.sent
		total.failed += r.failed
		if !r.converged {
			diverged++
		}
	}
	log.Info().
		Int("sent", total.sent).
		Int("failed", total.failed).
		Int("diverged_pairs", diverged).
		Dur("elapsed", time.Since(start)).
		Msg("load test complete")

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(map[string]any{
		"stats":       rec.Stats(),
		"trends":      rec.RecentTrends(telemetry.DefaultTrendWindow),
		"degradation": rec.Degradation(),
	})

	// Close resets the shared recorder, so it runs after the report.
	for _, cl := range clients {
		cl.Close()
	}
	if diverged > 0 || total.failed > 0 {
		os.Exit(1)
	}
}

func runPair(b *memory.Backend, rec *telemetry.Recorder, log zerolog.Logger, pairID, msgs int, pause time.Duration) (*chat.Client, *chat.Client, result) {
	idA := fmt.Sprintf("u_%d_a", pairID)
	idB := fmt.Sprintf("u_%d_b", pairID)
	b.AddProfile(model.Profile{ID: idA, Username: idA})
	b.AddProfile(model.Profile{ID: idB, Username: idB})

	newClient := func(id string) *chat.Client {
		return chat.NewClient(user(id), b, b, cache.New(), rec,
			chat.WithLogger(log.With().Str("user", id).Logger()))
	}
	clientA, clientB := newClient(idA), newClient(idB)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	conv, _, err := clientA.OpenConversationWith(ctx, idB)
	if err != nil {
		log.Error().Err(err).Int("pair", pairID).Msg("create conversation failed")
		return clientA, clientB, result{}
	}
	if _, err := clientB.OpenConversation(ctx, conv.ID); err != nil {
		log.Error().Err(err).Int("pair", pairID).Msg("open conversation failed")
		return clientA, clientB, result{}
	}

	var res result
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, cl := range []*chat.Client{clientA, clientB} {
		wg.Add(1)
		go func(cl *chat.Client) {
			defer wg.Done()
			for i := 0; i < msgs; i++ {
				_, err := cl.Send(ctx, conv.ID, fmt.Sprintf("LoadTest Msg %d", i))
				mu.Lock()
				if err != nil {
					res.failed++
				} else {
					res.sent++
				}
				mu.Unlock()
				time.Sleep(pause)
			}
		}(cl)
	}
	wg.Wait()

	res.converged = waitConverged(clientA, clientB, conv.ID, res.sent, 5*time.Second)
	if !res.converged {
		log.Warn().Int("pair", pairID).
			Int("a", len(clientA.Messages(conv.ID))).
			Int("b", len(clientB.Messages(conv.ID))).
			Msg("clients did not converge")
	}
	return clientA, clientB, res
}

// waitConverged reports whether both clients end up holding want confirmed
// messages, capped at the cache's per-conversation bound.
func waitConverged(a, b *chat.Client, conversationID string, want int, timeout time.Duration) bool {
	want = min(want, cache.DefaultMaxMessages)
	deadline := time.Now().Add(timeout)
	for {
		if confirmed(a.Messages(conversationID)) == want && confirmed(b.Messages(conversationID)) == want {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func confirmed(msgs []model.Message) int {
	n := 0
	for _, m := range msgs {
		if !m.IsOptimistic {
			n++
		}
	}
	return n
}
