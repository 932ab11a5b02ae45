package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chat-sync/internal/backend"
	myMiddleware "chat-sync/internal/middleware"
	"chat-sync/internal/model"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 4096                // Maximum frame size allowed from peer.
	sendBuffer     = backend.StreamBuffer
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server upgrades authenticated requests and relays the subscriptions each
// connection asks for from the upstream feed.
type Server struct {
	feed      backend.Feed
	validator myMiddleware.TokenValidator
	log       zerolog.Logger
}

func NewServer(feed backend.Feed, validator myMiddleware.TokenValidator, log zerolog.Logger) *Server {
	return &Server{feed: feed, validator: validator, log: log}
}

// conn is a middleman between the websocket connection and the upstream
// subscriptions it opened.
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	userID string
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]backend.Subscription
	shut bool
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := myMiddleware.TokenFromRequest(r)
	if token == "" {
		http.Error(w, "Missing authentication token", http.StatusUnauthorized)
		return
	}
	userID, err := s.validator.Authenticate(token)
	if err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		srv:    s,
		ws:     ws,
		userID: userID,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]backend.Subscription),
	}
	s.log.Debug().Str("user_id", userID).Msg("realtime client connected")

	go c.writePump()
	go c.readPump()
}

// readPump handles frames from the peer until the connection dies.
func (c *conn) readPump() {
	defer c.shutdown()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.srv.log.Warn().Err(err).Str("user_id", c.userID).Msg("realtime read failed")
			}
			return
		}
		var fr Frame
		if err := json.Unmarshal(message, &fr); err != nil {
			c.enqueue(Frame{Type: FrameError, Error: "malformed frame"})
			continue
		}
		switch fr.Type {
		case FrameSubscribe:
			c.subscribe(fr)
		case FrameUnsubscribe:
			c.unsubscribe(fr.Ref)
		default:
			c.enqueue(Frame{Type: FrameError, Ref: fr.Ref, Error: "unknown frame type " + fr.Type})
		}
	}
}

func (c *conn) subscribe(fr Frame) {
	filter, err := filterOf(fr)
	if err != nil {
		c.enqueue(Frame{Type: FrameError, Ref: fr.Ref, Error: err.Error()})
		return
	}
	sub, err := c.srv.feed.Subscribe(c.ctx, filter)
	if err != nil {
		c.enqueue(Frame{Type: FrameError, Ref: fr.Ref, Error: err.Error()})
		return
	}

	c.mu.Lock()
	if c.shut {
		c.mu.Unlock()
		sub.Close()
		return
	}
	if old, ok := c.subs[fr.Ref]; ok {
		old.Close()
	}
	c.subs[fr.Ref] = sub
	c.mu.Unlock()

	c.enqueue(Frame{Type: FrameSubscribed, Ref: fr.Ref})
	go c.forward(fr.Ref, sub)
}

func (c *conn) unsubscribe(ref string) {
	c.mu.Lock()
	sub, ok := c.subs[ref]
	delete(c.subs, ref)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// forward pumps one upstream subscription into the send buffer.
func (c *conn) forward(ref string, sub backend.Subscription) {
	for {
		select {
		case ev := <-sub.Events():
			change := model.ChangeOf(ev)
			if !c.enqueue(Frame{Type: FrameChange, Ref: ref, Change: &change}) {
				return
			}
		case <-sub.Done():
			if err := sub.Err(); err != nil {
				c.enqueue(Frame{Type: FrameError, Ref: ref, Error: err.Error()})
			}
			return
		}
	}
}

// enqueue queues a frame without blocking. A peer that lets the buffer fill
// is disconnected.
func (c *conn) enqueue(fr Frame) bool {
	payload, err := json.Marshal(fr)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shut {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.srv.log.Warn().Str("user_id", c.userID).Msg("realtime client too slow, disconnecting")
		c.closeLocked()
		return false
	}
}

func (c *conn) shutdown() {
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()
	c.ws.Close()
}

func (c *conn) closeLocked() {
	if c.shut {
		return
	}
	c.shut = true
	for ref, sub := range c.subs {
		sub.Close()
		delete(c.subs, ref)
	}
	c.cancel()
	close(c.send)
}

// writePump pumps queued frames to the websocket connection.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Flush whatever else is queued in the same frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
