package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chat-sync/internal/backend"
	"chat-sync/internal/backend/memory"
	"chat-sync/internal/backend/postgres"
	"chat-sync/internal/backend/redisfeed"
	"chat-sync/internal/config"
	"chat-sync/internal/db"
	"chat-sync/internal/model"
	"chat-sync/internal/realtime"
	"chat-sync/internal/session"
)

// demoUser is signed in when the in-process backend stands in for the hosted one.
const demoUser = "me"

// stack is the backend the client and relay run against.
type stack struct {
	identity  backend.Identity
	store     backend.Store
	feed      backend.Feed
	validator *session.Validator

	closers []func() error
}

func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStack(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*stack, error) {
	s := &stack{validator: session.NewValidator(cfg.JWTSecret)}

	var rdb *redis.Client
	var feed *redisfeed.Feed
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		s.closers = append(s.closers, rdb.Close)
		feed = redisfeed.New(rdb, redisfeed.WithLogger(log))
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")
	}

	var mem *memory.Backend
	if cfg.DatabaseDSN != "" {
		database, err := db.NewDatabase(ctx, cfg.DatabaseDSN)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, database.Close)
		if err := database.AutoMigrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		log.Info().Msg("connected to PostgreSQL")

		opts := []postgres.Option{postgres.WithLogger(log)}
		if feed != nil {
			opts = append(opts, postgres.WithPublisher(feed))
		}
		s.store = postgres.New(database.Conn, opts...)
	} else {
		mem = seedDemo(memory.New())
		s.store = mem
		log.Warn().Msg("DB_DSN not set, using the in-process backend")
	}

	switch {
	case cfg.RealtimeURL != "":
		s.feed = realtime.NewFeed(cfg.RealtimeURL, s.token, realtime.WithFeedLogger(log))
	case feed != nil:
		s.feed = feed
	case mem != nil:
		s.feed = mem
	default:
		s.Close()
		return nil, errors.New("DB_DSN needs REDIS_ADDR or REALTIME_URL for change events")
	}

	switch {
	case cfg.AccessToken != "":
		s.identity = session.NewTokenIdentity(cfg.AccessToken, s.validator)
	case mem != nil:
		s.identity = mem
	default:
		s.identity = session.NewTokenIdentity("", s.validator)
	}

	return s, nil
}

func (s *stack) token() string {
	if t, ok := s.identity.(*session.TokenIdentity); ok {
		return t.Token()
	}
	return ""
}

func seedDemo(b *memory.Backend) *memory.Backend {
	b.SignIn(demoUser)
	b.AddProfile(model.Profile{ID: demoUser, Username: "me"})
	b.AddProfile(model.Profile{ID: "ana", Username: "ana", DisplayName: "Ana Flores"})
	b.AddProfile(model.Profile{ID: "bo", Username: "bo"})
	return b
}
