// Package subscriptions tracks which topics the client wants and which relay
// subscriptions currently back them.
package subscriptions

import (
	"sort"
	"sync"
)

// Topics is the set of topics the caller has asked to follow. It survives
// reconnects and drives resubscription.
type Topics struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

func NewTopics() *Topics {
	return &Topics{set: make(map[string]struct{})}
}

// Add reports whether topic was newly added.
func (t *Topics) Add(topic string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.set[topic]; ok {
		return false
	}
	t.set[topic] = struct{}{}
	return true
}

// Remove reports whether topic was present.
func (t *Topics) Remove(topic string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.set[topic]; !ok {
		return false
	}
	delete(t.set, topic)
	return true
}

func (t *Topics) Contains(topic string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.set[topic]
	return ok
}

// All returns a sorted snapshot.
func (t *Topics) All() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.set))
	for topic := range t.set {
		out = append(out, topic)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (t *Topics) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.set)
}
