package backend

import (
	"errors"
	"sync"

	"chat-sync/internal/model"
)

// StreamBuffer matches the per-client send buffer of the relay hub.
const StreamBuffer = 256

// ErrSlowConsumer ends a stream whose consumer fell a full buffer behind.
// Events would otherwise be dropped silently; ending the stream forces the
// owner into a resync instead.
var ErrSlowConsumer = errors.New("subscription buffer full")

// Stream is the Subscription shared by the feed implementations. Producers
// call Deliver and Fail; the consumer reads Events until Done.
type Stream struct {
	events  chan model.Event
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
	onClose func()
}

// NewStream returns an open stream. onClose, if set, runs once when the
// stream ends for any reason.
func NewStream(buffer int, onClose func()) *Stream {
	if buffer <= 0 {
		buffer = StreamBuffer
	}
	return &Stream{
		events:  make(chan model.Event, buffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (s *Stream) Events() <-chan model.Event { return s.events }
func (s *Stream) Done() <-chan struct{}      { return s.done }

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Deliver queues ev without blocking. It reports false once the stream has
// ended; a full buffer ends the stream with ErrSlowConsumer.
func (s *Stream) Deliver(ev model.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	default:
		s.Fail(ErrSlowConsumer)
		return false
	}
}

// Fail ends the stream with err. Only the first end counts.
func (s *Stream) Fail(err error) {
	s.finish(err)
}

// Close ends the stream without error.
func (s *Stream) Close() error {
	s.finish(nil)
	return nil
}

func (s *Stream) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}
