package topicwatch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSyncer struct {
	mu      sync.Mutex
	subs    map[string]bool
	calls   []string
	failing map[string]bool
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{subs: make(map[string]bool), failing: make(map[string]bool)}
}

func (f *fakeSyncer) Subscribe(ctx context.Context, topic string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "+"+topic)
	if f.failing[topic] {
		return "", errors.New("relay refused")
	}
	f.subs[topic] = true
	return "id-" + topic, nil
}

func (f *fakeSyncer) Unsubscribe(ctx context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "-"+topic)
	delete(f.subs, topic)
	return nil
}

func (f *fakeSyncer) subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for topic := range f.subs {
		out = append(out, topic)
	}
	return out
}

func writeTopics(t *testing.T, path string, lines ...string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestReadTopics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topics")
	writeTopics(t, path, "# relay topics", "aa", "", "  bb  ", "aa")

	topics, err := ReadTopics(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"aa", "bb"}, topics)

	writeTopics(t, path, "aa", "not-hex")
	_, err = ReadTopics(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ":2:")

	_, err = ReadTopics(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestWatcherAppliesChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topics")
	writeTopics(t, path, "aa", "bb")

	syncer := newFakeSyncer()
	w, err := New(path, syncer, WithLogger(testLogger()), WithDebounce(50))
	require.NoError(t, err)

	changes := make(chan Change, 10)
	w.AddCallback(func(c Change) { changes <- c })

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	select {
	case c := <-changes:
		assert.Equal(t, []string{"aa", "bb"}, c.Added)
		assert.Empty(t, c.Removed)
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for initial sync")
	}
	assert.ElementsMatch(t, []string{"aa", "bb"}, syncer.subscribed())

	writeTopics(t, path, "bb", "cc")

	select {
	case c := <-changes:
		assert.Equal(t, []string{"cc"}, c.Added)
		assert.Equal(t, []string{"aa"}, c.Removed)
		assert.NoError(t, c.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for file change")
	}
	assert.ElementsMatch(t, []string{"bb", "cc"}, syncer.subscribed())
	assert.Equal(t, []string{"bb", "cc"}, w.Topics())

	// A file in the same directory does not trigger a sync.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other"), []byte("dd\n"), 0644))
	select {
	case c := <-changes:
		t.Fatalf("unexpected change: %+v", c)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherReplacedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topics")
	writeTopics(t, path, "aa")

	syncer := newFakeSyncer()
	w, err := New(path, syncer, WithLogger(testLogger()), WithDebounce(50))
	require.NoError(t, err)
	changes := make(chan Change, 10)
	w.AddCallback(func(c Change) { changes <- c })
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()
	<-changes

	tmp := filepath.Join(dir, "topics.tmp")
	writeTopics(t, tmp, "ee")
	require.NoError(t, os.Rename(tmp, path))

	select {
	case c := <-changes:
		assert.Equal(t, []string{"ee"}, c.Added)
		assert.Equal(t, []string{"aa"}, c.Removed)
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for replaced file")
	}
}

func TestWatcherRetriesFailedTopics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topics")
	writeTopics(t, path, "aa", "bb")

	syncer := newFakeSyncer()
	syncer.failing["bb"] = true
	w, err := New(path, syncer, WithLogger(testLogger()), WithDebounce(50))
	require.NoError(t, err)
	changes := make(chan Change, 10)
	w.AddCallback(func(c Change) { changes <- c })

	err = w.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscribe bb")
	defer w.Stop()
	<-changes
	assert.Equal(t, []string{"aa"}, w.Topics())

	syncer.mu.Lock()
	syncer.failing["bb"] = false
	syncer.mu.Unlock()
	writeTopics(t, path, "aa", "bb", "# touched")

	select {
	case c := <-changes:
		assert.Equal(t, []string{"bb"}, c.Added)
		assert.Empty(t, c.Removed)
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for retry")
	}
	assert.Equal(t, []string{"aa", "bb"}, w.Topics())
}

func TestNewRequiresSyncer(t *testing.T) {
	_, err := New("topics", nil)
	assert.Error(t, err)
}
