package subscriptions

import (
	"sort"
	"sync"
)

// Subscription binds a topic to the relay-assigned id it was acknowledged
// with, and the connection epoch that acknowledgement arrived on.
type Subscription struct {
	ID    string
	Topic string
	Epoch uint64
}

// Tracker holds relay subscriptions. Registrations from an older epoch are
// kept but reported as stale until the topic is registered again.
type Tracker struct {
	mu      sync.RWMutex
	epoch   uint64
	byTopic map[string]Subscription
}

func NewTracker() *Tracker {
	return &Tracker{byTopic: make(map[string]Subscription)}
}

// SetEpoch moves the tracker to a new connection epoch. Older epochs are
// ignored.
func (t *Tracker) SetEpoch(epoch uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if epoch > t.epoch {
		t.epoch = epoch
	}
}

func (t *Tracker) Epoch() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.epoch
}

// Register records topic -> id under epoch. A registration never replaces one
// from a newer epoch; the return value reports whether it was stored.
func (t *Tracker) Register(topic, id string, epoch uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.byTopic[topic]; ok && existing.Epoch > epoch {
		return false
	}
	t.byTopic[topic] = Subscription{ID: id, Topic: topic, Epoch: epoch}
	return true
}

// Unregister drops the registration for topic, whatever its epoch.
func (t *Tracker) Unregister(topic string) (Subscription, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub, ok := t.byTopic[topic]
	delete(t.byTopic, topic)
	return sub, ok
}

// IsSubscribed is true only for registrations made under the current epoch.
func (t *Tracker) IsSubscribed(topic string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sub, ok := t.byTopic[topic]
	return ok && t.epoch != 0 && sub.Epoch == t.epoch
}

// SubscriptionID returns the most recent id for topic, stale or not.
func (t *Tracker) SubscriptionID(topic string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sub, ok := t.byTopic[topic]
	return sub.ID, ok
}

// SubscriptionsForEpoch returns topic -> id for registrations under epoch.
func (t *Tracker) SubscriptionsForEpoch(epoch uint64) map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]string)
	for topic, sub := range t.byTopic {
		if sub.Epoch == epoch {
			out[topic] = sub.ID
		}
	}
	return out
}

// StaleTopics lists topics whose registration predates the current epoch.
func (t *Tracker) StaleTopics() []string {
	t.mu.RLock()
	var out []string
	for topic, sub := range t.byTopic {
		if sub.Epoch != t.epoch {
			out = append(out, topic)
		}
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Active returns the current-epoch subscriptions sorted by topic.
func (t *Tracker) Active() []Subscription {
	t.mu.RLock()
	var out []Subscription
	for _, sub := range t.byTopic {
		if t.epoch != 0 && sub.Epoch == t.epoch {
			out = append(out, sub)
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}
