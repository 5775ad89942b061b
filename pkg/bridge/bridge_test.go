package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lightforgemedia/go-relayclient/pkg/events"
	"github.com/lightforgemedia/go-relayclient/pkg/irn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	got    []irn.SubscriptionData
	fail   bool
	closed bool
}

func (s *recordingSink) Deliver(ctx context.Context, msg irn.SubscriptionData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.got = append(s.got, msg)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.fail {
		return errors.New("close failed")
	}
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestRunForwardsToAllSinks(t *testing.T) {
	feed := events.NewFeed[irn.SubscriptionData](8)
	defer feed.Close()

	good := &recordingSink{}
	bad := &recordingSink{fail: true}
	var buf bytes.Buffer
	var bufMu sync.Mutex
	writer := NewWriterSink(writerFunc(func(p []byte) (int, error) {
		bufMu.Lock()
		defer bufMu.Unlock()
		return buf.Write(p)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	sub := feed.Subscribe()
	go func() {
		Run(ctx, nil, sub, bad, good, writer)
		close(done)
	}()

	feed.Publish(irn.SubscriptionData{Topic: "aa", Message: "one"}, "aa")
	feed.Publish(irn.SubscriptionData{Topic: "bb", Message: "two"}, "bb")

	require.Eventually(t, func() bool { return good.count() == 2 }, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	bufMu.Lock()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	bufMu.Unlock()
	require.Len(t, lines, 2)
	var first irn.SubscriptionData
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "one", first.Message)
	assert.Equal(t, "aa", first.Topic)
}

func TestRunStopsWhenFeedCloses(t *testing.T) {
	feed := events.NewFeed[irn.SubscriptionData](8)
	sub := feed.Subscribe()
	done := make(chan struct{})
	go func() {
		Run(context.Background(), nil, sub, &recordingSink{})
		close(done)
	}()

	feed.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after feed close")
	}
}

func TestCloseAll(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{fail: true}
	err := CloseAll(a, b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close failed")
	assert.True(t, a.closed)
	assert.True(t, b.closed)

	assert.NoError(t, CloseAll())
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
