package jsonrpc

import (
	"math/rand"
	"sync"
	"time"
)

// IDGenerator issues strictly increasing request IDs. The millisecond clock
// occupies the high digits so IDs also grow across process restarts; the low
// three digits are random to spread concurrent clients.
type IDGenerator struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewIDGenerator returns a generator backed by the wall clock.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{now: time.Now}
}

// Next returns an ID greater than every ID this generator returned before.
func (g *IDGenerator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now
	if g.now != nil {
		now = g.now
	}
	candidate := now().UnixMilli()*1000 + rand.Int63n(1000)
	if candidate <= g.last {
		candidate = g.last + 1
	}
	g.last = candidate
	return ID(candidate)
}

var defaultGenerator = NewIDGenerator()

// NextID draws from the process-wide generator.
func NextID() ID { return defaultGenerator.Next() }
