// Package streaming fans readings out to in-process subscribers and serves
// them over gRPC.
package streaming

import (
	"context"
	"sync"

	"github.com/KevinKickass/moldsim/internal/machine"
	"github.com/KevinKickass/moldsim/internal/publish"
	"github.com/google/uuid"
)

const subscriberBuffer = 100

// ReadingStreamer is a publish.Sink that copies each reading into the buffered
// channel of every subscriber. A full channel drops the reading for that
// subscriber only.
type ReadingStreamer struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]chan machine.Reading
	closed      bool
}

func NewReadingStreamer() *ReadingStreamer {
	return &ReadingStreamer{
		subscribers: make(map[uuid.UUID]chan machine.Reading),
	}
}

// Subscribe registers a new subscriber. The channel is closed by Unsubscribe
// or Close.
func (s *ReadingStreamer) Subscribe() (uuid.UUID, <-chan machine.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	ch := make(chan machine.Reading, subscriberBuffer)
	if s.closed {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

func (s *ReadingStreamer) Unsubscribe(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.subscribers[id]; ok {
		delete(s.subscribers, id)
		close(ch)
	}
}

func (s *ReadingStreamer) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

func (s *ReadingStreamer) Publish(_ context.Context, r machine.Reading) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dropped := false
	for _, ch := range s.subscribers {
		select {
		case ch <- r:
		default:
			dropped = true
		}
	}
	if dropped {
		return publish.ErrDropped
	}
	return nil
}

func (s *ReadingStreamer) Flush(context.Context) error { return nil }

// Close ends every subscription; later subscribers get a closed channel.
func (s *ReadingStreamer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
	s.closed = true
	return nil
}
