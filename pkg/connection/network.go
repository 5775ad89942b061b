// pkg/connection/network.go
package connection

import (
	"context"
	"sync"

	"github.com/lightforgemedia/go-relayclient/pkg/events"
)

// NetworkMonitor reports network reachability. true means available.
type NetworkMonitor interface {
	Subscribe() *events.Subscription[bool]
}

// NetworkSignal is a NetworkMonitor driven by the embedding application.
type NetworkSignal struct {
	feed *events.Feed[bool]

	mu        sync.Mutex
	available bool
}

var _ NetworkMonitor = (*NetworkSignal)(nil)

// NewNetworkSignal starts out reporting the network as available.
func NewNetworkSignal() *NetworkSignal {
	return &NetworkSignal{feed: events.NewFeed[bool](0), available: true}
}

// SetAvailable publishes a reachability signal. Repeated values are
// published too; an available signal is a prompt to reconnect.
func (n *NetworkSignal) SetAvailable(available bool) {
	n.mu.Lock()
	n.available = available
	n.mu.Unlock()
	n.feed.Publish(available)
}

func (n *NetworkSignal) Available() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.available
}

func (n *NetworkSignal) Subscribe() *events.Subscription[bool] {
	return n.feed.Subscribe()
}

func (n *NetworkSignal) Close() { n.feed.Close() }

// Follow forwards reachability changes from m to h until ctx is done or the
// monitor closes.
func Follow(ctx context.Context, h Handler, m NetworkMonitor) {
	sub := m.Subscribe()
	defer sub.Close()
	for {
		select {
		case available, ok := <-sub.C:
			if !ok {
				return
			}
			h.HandleNetworkChange(available)
		case <-ctx.Done():
			return
		}
	}
}
