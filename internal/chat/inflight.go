package chat

import (
	"sync"
	"time"

	"chat-sync/internal/model"
)

// DefaultEchoWindow bounds how far apart a placeholder and the echo of its
// own insert may be stamped and still be treated as the same message.
const DefaultEchoWindow = 2 * time.Second

type inflightSend struct {
	tempID         model.MessageID
	conversationID string
	senderID       string
	content        string
	createdAt      time.Time
	adoptedID      string
}

// PendingSends tracks sends whose backend write has not returned, so the
// reconciler can recognise the echo of one before the sender does.
type PendingSends struct {
	mu     sync.Mutex
	window time.Duration
	byTemp map[string]*inflightSend
}

func NewPendingSends(window time.Duration) *PendingSends {
	if window <= 0 {
		window = DefaultEchoWindow
	}
	return &PendingSends{window: window, byTemp: make(map[string]*inflightSend)}
}

func (p *PendingSends) add(s *inflightSend) {
	p.mu.Lock()
	p.byTemp[s.tempID.String()] = s
	p.mu.Unlock()
}

func (p *PendingSends) remove(tempID model.MessageID) *inflightSend {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.byTemp[tempID.String()]
	delete(p.byTemp, tempID.String())
	return s
}

// adopt finds the in-flight send that msg echoes and claims it for msg.ID.
// Each send is adopted at most once.
func (p *PendingSends) adopt(msg model.Message) (model.MessageID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *inflightSend
	for _, s := range p.byTemp {
		if s.adoptedID != "" || s.conversationID != msg.ConversationID ||
			s.senderID != msg.SenderID || s.content != msg.Content {
			continue
		}
		if absDuration(msg.CreatedAt.Sub(s.createdAt)) > p.window {
			continue
		}
		if best == nil || s.createdAt.Before(best.createdAt) {
			best = s
		}
	}
	if best == nil {
		return model.MessageID{}, false
	}
	best.adoptedID = msg.ID
	return best.tempID, true
}

// pendingIn returns the placeholder IDs still in flight for a conversation.
func (p *PendingSends) pendingIn(conversationID string) map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]bool)
	for id, s := range p.byTemp {
		if s.conversationID == conversationID && s.adoptedID == "" {
			out[id] = true
		}
	}
	return out
}

func (p *PendingSends) clear() {
	p.mu.Lock()
	p.byTemp = make(map[string]*inflightSend)
	p.mu.Unlock()
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
