package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive[T any](t *testing.T, s *Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-s.C:
		require.True(t, ok, "subscription closed")
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestFeedTopics(t *testing.T) {
	feed := NewFeed[string](4)
	defer feed.Close()

	all := feed.Subscribe()
	onlyA := feed.Subscribe("a")
	defer all.Close()
	defer onlyA.Close()

	feed.Publish("one", "a")
	feed.Publish("two", "b")

	assert.Equal(t, "one", receive(t, all))
	assert.Equal(t, "two", receive(t, all))
	assert.Equal(t, "one", receive(t, onlyA))

	select {
	case v := <-onlyA.C:
		t.Fatalf("unexpected value %q on topic a", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFeedNoReplay(t *testing.T) {
	feed := NewFeed[int](4)
	defer feed.Close()

	feed.Publish(1)
	late := feed.Subscribe()
	defer late.Close()
	feed.Publish(2)

	assert.Equal(t, 2, receive(t, late))
}

func TestSubscriptionCloseDoesNotBlockPublisher(t *testing.T) {
	feed := NewFeed[int](1)
	defer feed.Close()

	idle := feed.Subscribe()
	active := feed.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			feed.Publish(i)
		}
	}()

	assert.Equal(t, 0, receive(t, active))
	idle.Close()
	for i := 1; i < 10; i++ {
		assert.Equal(t, i, receive(t, active))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a closed subscription")
	}
	active.Close()
}

func TestFeedClose(t *testing.T) {
	feed := NewFeed[int](1)
	sub := feed.Subscribe()
	feed.Close()

	select {
	case _, ok := <-sub.C:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed by feed shutdown")
	}

	feed.Publish(1)
	sub.Close()
	after := feed.Subscribe()
	_, ok := <-after.C
	assert.False(t, ok)
}
