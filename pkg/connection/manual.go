// pkg/connection/manual.go
package connection

import (
	"context"
	"sync"
)

// Manual never reconnects by itself. An unexpected loss publishes
// EventConnectionLost with the topics the client held at that moment and
// leaves the handler disconnected until the caller connects again.
type Manual struct {
	*connector

	lostMu     sync.Mutex
	lostTopics []string
}

var _ Handler = (*Manual)(nil)

func NewManual(cfg Config) (*Manual, error) {
	m := &Manual{}
	c, err := newConnector(cfg, m.lost)
	if err != nil {
		return nil, err
	}
	m.connector = c
	return m, nil
}

func (m *Manual) Connect(ctx context.Context) error {
	return m.dial(ctx, StateDisconnected)
}

func (m *Manual) Disconnect(ctx context.Context) error {
	m.disconnect()
	return nil
}

// HandleNetworkChange only logs; reconnecting is the caller's decision.
func (m *Manual) HandleNetworkChange(available bool) {
	m.logger.Debug("Connection: network change ignored by manual strategy", "available", available)
}

// LostTopics returns the topic snapshot of the most recent loss.
func (m *Manual) LostTopics() []string {
	m.lostMu.Lock()
	defer m.lostMu.Unlock()
	return append([]string(nil), m.lostTopics...)
}

func (m *Manual) Close() { m.close() }

func (m *Manual) lost(epoch uint64, err error, topics []string) {
	m.lostMu.Lock()
	m.lostTopics = append([]string(nil), topics...)
	m.lostMu.Unlock()

	m.mu.Lock()
	m.queueLocked(Event{
		Kind:       EventConnectionLost,
		State:      StateDisconnected,
		Epoch:      epoch,
		Err:        err,
		LostTopics: topics,
	})
	m.mu.Unlock()
}
