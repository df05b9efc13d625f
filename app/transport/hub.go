// Package transport delivers batches of raw event messages from the outside world to subscribers.
// Hub is the in-process fan-out, WSClient and RedisSubscriber feed it from the network and
// RedisPublisher sends batches the other way.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/umputun/taskwatch/app/event"
)

//go:generate moq -out mocks/repeater.go -pkg mocks -skip-ensure -fmt goimports . Repeater

// Repeater retries fun until it succeeds, the strategy gives up or ctx is done
type Repeater interface {
	Do(ctx context.Context, fun func() error, errors ...error) (err error)
}

// Hub fans out batches to subscribers in registration order. Thread safe.
type Hub struct {
	mu   sync.Mutex
	seq  int
	subs []subscriber
}

type subscriber struct {
	id int
	fn func(batch [][]byte)
}

// Subscribe registers fn to receive every delivered batch. Returned function unsubscribes.
func (h *Hub) Subscribe(fn func(batch [][]byte)) (unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	id := h.seq
	h.subs = append(h.subs, subscriber{id: id, fn: fn})
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, s := range h.subs {
			if s.id == id {
				h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
				return
			}
		}
	}
}

// Deliver passes batch to all subscribers, synchronously on the caller's goroutine
func (h *Hub) Deliver(batch [][]byte) {
	h.mu.Lock()
	subs := make([]subscriber, len(h.subs))
	copy(subs, h.subs)
	h.mu.Unlock()

	for _, s := range subs {
		s.fn(batch)
	}
}

// DeliverFrame splits a batch frame and delivers the messages. Malformed frame is not delivered at all.
func (h *Hub) DeliverFrame(frame []byte) error {
	batch, err := event.SplitBatch(frame)
	if err != nil {
		return fmt.Errorf("frame of %d bytes dropped: %w", len(frame), err)
	}
	if len(batch) == 0 {
		return nil
	}
	h.Deliver(batch)
	return nil
}

// Subscribers returns the number of registered subscribers
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
