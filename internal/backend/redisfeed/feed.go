// Package redisfeed relays row changes over Redis pub/sub. Writers publish
// each committed change on a per-conversation channel; a chat view
// subscribes to its conversation's channel and the list view pattern
// subscribes to the whole table.
package redisfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chat-sync/internal/backend"
	"chat-sync/internal/model"
)

const DefaultPrefix = "changes"

// ErrRelayClosed ends a subscription whose pub/sub connection went away.
var ErrRelayClosed = errors.New("redis relay closed")

type Feed struct {
	rdb    *redis.Client
	prefix string
	log    zerolog.Logger
}

type Option func(*Feed)

func WithPrefix(prefix string) Option {
	return func(f *Feed) { f.prefix = prefix }
}

func WithLogger(log zerolog.Logger) Option {
	return func(f *Feed) { f.log = log }
}

func New(rdb *redis.Client, opts ...Option) *Feed {
	f := &Feed{rdb: rdb, prefix: DefaultPrefix, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// routingColumn is the row field a table's channels are keyed by.
func routingColumn(t model.Table) string {
	if t == model.TableMessages {
		return "conversation_id"
	}
	return "id"
}

// Channel names the channel a change is published on, e.g.
// "changes:messages:c1".
func (f *Feed) Channel(change model.Change) string {
	row := change.New
	if change.Type == model.EventDelete {
		row = change.Old
	}
	key, _ := row.String(routingColumn(change.Table))
	if key == "" {
		key = "_"
	}
	return fmt.Sprintf("%s:%s:%s", f.prefix, change.Table, key)
}

// topic returns the channel or pattern a filter listens on.
func (f *Feed) topic(filter backend.Filter) (name string, pattern bool) {
	if filter.Column != "" && filter.Column == routingColumn(filter.Table) {
		return fmt.Sprintf("%s:%s:%s", f.prefix, filter.Table, filter.Value), false
	}
	if filter.Table == "" {
		return f.prefix + ":*", true
	}
	return fmt.Sprintf("%s:%s:*", f.prefix, filter.Table), true
}

// Publish implements backend.Publisher.
func (f *Feed) Publish(ctx context.Context, change model.Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, f.Channel(change), payload).Err()
}

// Subscribe implements backend.Feed. It returns once Redis has confirmed
// the subscription, so no change published afterwards is missed.
func (f *Feed) Subscribe(ctx context.Context, filter backend.Filter) (backend.Subscription, error) {
	name, pattern := f.topic(filter)

	var ps *redis.PubSub
	if pattern {
		ps = f.rdb.PSubscribe(ctx, name)
	} else {
		ps = f.rdb.Subscribe(ctx, name)
	}
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}

	stream := backend.NewStream(backend.StreamBuffer, func() { ps.Close() })
	go f.pump(ps, stream, filter)
	f.log.Debug().Str("topic", name).Bool("pattern", pattern).Msg("relay subscribed")
	return stream, nil
}

func (f *Feed) pump(ps *redis.PubSub, stream *backend.Stream, filter backend.Filter) {
	ch := ps.Channel()
	for {
		select {
		case <-stream.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				stream.Fail(ErrRelayClosed)
				return
			}
			var change model.Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				f.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping undecodable change")
				continue
			}
			ev, err := change.Event()
			if err != nil {
				f.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping change")
				continue
			}
			if !filter.MatchesEvent(ev) {
				continue
			}
			if !stream.Deliver(ev) {
				return
			}
		}
	}
}
