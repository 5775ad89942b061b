// pkg/events/feed.go
package events

import (
	"sync"

	"github.com/cskr/pubsub"
)

// AllTopic receives every value published on a Feed.
const AllTopic = "*"

const defaultCapacity = 64

// Feed fans typed values out to any number of subscribers using cskr/pubsub.
// Subscribers only see values published after they subscribed.
type Feed[T any] struct {
	bus *pubsub.PubSub

	mu     sync.RWMutex
	closed bool
}

// NewFeed creates a feed whose per-subscriber buffer holds capacity values.
func NewFeed[T any](capacity int) *Feed[T] {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Feed[T]{bus: pubsub.New(capacity)}
}

// Publish delivers v to AllTopic subscribers and to subscribers of each of the
// given topics. It blocks while a subscriber buffer is full.
func (f *Feed[T]) Publish(v T, topics ...string) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	f.bus.Pub(v, append([]string{AllTopic}, topics...)...)
}

// Subscribe returns a subscription to the given topics, or to everything when
// none are given. Do not mix AllTopic with other topics.
func (f *Feed[T]) Subscribe(topics ...string) *Subscription[T] {
	if len(topics) == 0 {
		topics = []string{AllTopic}
	}

	out := make(chan T)
	s := &Subscription[T]{
		C:      out,
		feed:   f,
		topics: topics,
		done:   make(chan struct{}),
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		close(out)
		close(s.done)
		s.closeOnce.Do(func() {})
		return s
	}
	s.raw = f.bus.Sub(topics...)
	go s.forward(out)
	return s
}

// Close shuts the feed down. All subscription channels are closed.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.bus.Shutdown()
}

func (f *Feed[T]) unsub(ch chan interface{}, topics ...string) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	f.bus.Unsub(ch, topics...)
}

// Subscription is one consumer of a Feed. Receive from C until it is closed.
type Subscription[T any] struct {
	C <-chan T

	feed   *Feed[T]
	topics []string
	raw    chan interface{}

	done      chan struct{}
	closeOnce sync.Once
}

// Close unsubscribes. C is closed once pending values are discarded.
func (s *Subscription[T]) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.feed.unsub(s.raw, s.topics...)
	})
}

func (s *Subscription[T]) forward(out chan<- T) {
	defer close(out)
	// Keep draining raw after Close so the bus never blocks on us; raw is
	// closed by Unsub or Shutdown.
	for v := range s.raw {
		select {
		case <-s.done:
			continue
		default:
		}
		select {
		case out <- v.(T):
		case <-s.done:
		}
	}
}
