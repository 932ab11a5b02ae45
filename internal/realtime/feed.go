package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chat-sync/internal/backend"
)

// ErrChannel wraps an error frame sent by the server.
var ErrChannel = errors.New("realtime channel error")

// TokenSource returns the current access token for each new connection.
type TokenSource func() string

// Feed implements backend.Feed against a realtime Server.
type Feed struct {
	url    string
	token  TokenSource
	dialer *websocket.Dialer
	log    zerolog.Logger
	refs   atomic.Uint64
}

type FeedOption func(*Feed)

func WithDialer(d *websocket.Dialer) FeedOption {
	return func(f *Feed) { f.dialer = d }
}

func WithFeedLogger(log zerolog.Logger) FeedOption {
	return func(f *Feed) { f.log = log }
}

// NewFeed connects to url (ws:// or wss://).
func NewFeed(url string, token TokenSource, opts ...FeedOption) *Feed {
	f := &Feed{url: url, token: token, dialer: websocket.DefaultDialer, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Subscribe opens a connection, asks for filter and waits for the server to
// acknowledge it.
func (f *Feed) Subscribe(ctx context.Context, filter backend.Filter) (backend.Subscription, error) {
	header := http.Header{}
	if f.token != nil {
		if tok := f.token(); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}

	ws, resp, err := f.dialer.DialContext(ctx, f.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial realtime: %w", backend.ErrNoSession)
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	ref := strconv.FormatUint(f.refs.Add(1), 10)
	if err := f.handshake(ctx, ws, ref, filter); err != nil {
		ws.Close()
		return nil, err
	}

	stream := backend.NewStream(backend.StreamBuffer, func() {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		ws.Close()
	})
	go f.readLoop(ws, stream, ref, filter)
	return stream, nil
}

func (f *Feed) handshake(ctx context.Context, ws *websocket.Conn, ref string, filter backend.Filter) error {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ws.SetWriteDeadline(deadline)
	if err := ws.WriteJSON(subscribeFrame(ref, filter)); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}

	ws.SetReadDeadline(deadline)
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", filter, err)
		}
		for _, fr := range splitFrames(message) {
			if fr.Ref != ref {
				continue
			}
			switch fr.Type {
			case FrameSubscribed:
				return nil
			case FrameError:
				return fmt.Errorf("subscribe %s: %w: %s", filter, ErrChannel, fr.Error)
			}
		}
	}
}

func (f *Feed) readLoop(ws *websocket.Conn, stream *backend.Stream, ref string, filter backend.Filter) {
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPingHandler(func(data string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-stream.Done():
			default:
				f.log.Warn().Err(err).Str("filter", filter.String()).Msg("realtime channel dropped")
				stream.Fail(err)
			}
			return
		}
		for _, fr := range splitFrames(message) {
			if fr.Ref != "" && fr.Ref != ref {
				continue
			}
			switch fr.Type {
			case FrameChange:
				if fr.Change == nil {
					continue
				}
				ev, err := fr.Change.Event()
				if err != nil {
					f.log.Warn().Err(err).Msg("dropping change frame")
					continue
				}
				if !stream.Deliver(ev) {
					ws.Close()
					return
				}
			case FrameError:
				stream.Fail(fmt.Errorf("%w: %s", ErrChannel, fr.Error))
				return
			}
		}
	}
}

// splitFrames decodes a websocket message holding one or more
// newline-separated frames. Undecodable lines are skipped.
func splitFrames(message []byte) []Frame {
	var out []Frame
	for _, line := range bytes.Split(message, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var fr Frame
		if err := json.Unmarshal(line, &fr); err != nil {
			continue
		}
		out = append(out, fr)
	}
	return out
}
