// Package topicwatch keeps relay subscriptions in step with a topics file.
//
// The file holds one hex topic per line. Blank lines and lines starting with
// '#' are ignored. Whenever the file changes the watcher subscribes to new
// topics and unsubscribes from removed ones.
package topicwatch

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	"github.com/lightforgemedia/go-relayclient/pkg/irn"
)

// Syncer applies topic changes. *client.Client satisfies it.
type Syncer interface {
	Subscribe(ctx context.Context, topic string) (string, error)
	Unsubscribe(ctx context.Context, topic string) error
}

// Change describes one applied diff of the topics file.
type Change struct {
	Added   []string
	Removed []string
	Err     error
}

// Watcher watches a topics file for changes
type Watcher struct {
	path       string
	syncer     Syncer
	watcher    *fsnotify.Watcher
	logger     *slog.Logger
	debounceMs int
	timeout    time.Duration

	callbacks   []func(Change)
	callbacksMu sync.RWMutex

	topicsMu sync.Mutex
	topics   map[string]struct{}

	changedMu sync.Mutex
	changed   time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Watcher for path. Nothing is read until Start.
func New(path string, syncer Syncer, opts ...Option) (*Watcher, error) {
	if syncer == nil {
		return nil, fmt.Errorf("topicwatch: syncer is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:       abs,
		syncer:     syncer,
		watcher:    watcher,
		logger:     slog.Default(),
		debounceMs: 300,
		timeout:    10 * time.Second,
		topics:     make(map[string]struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// AddCallback adds a callback invoked after every applied change
func (w *Watcher) AddCallback(callback func(Change)) {
	w.callbacksMu.Lock()
	defer w.callbacksMu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start applies the current file contents and then watches for changes.
// The file's directory is watched so that editors replacing the file on save
// are noticed. The returned error is from the initial sync; the watcher keeps
// running even when some topics failed.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	w.logger.Info("Watching topics file", "file", w.path)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	w.ctx, w.cancel = context.WithCancel(ctx)

	change := w.sync()
	go w.watchLoop()
	return change.Err
}

// Stop stops watching. Subscriptions made so far are left in place.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	close(w.done)
	return w.watcher.Close()
}

// Topics returns the topics currently applied, sorted.
func (w *Watcher) Topics() []string {
	w.topicsMu.Lock()
	defer w.topicsMu.Unlock()
	return sortedKeys(w.topics)
}

func (w *Watcher) watchLoop() {
	debounce := time.Duration(w.debounceMs) * time.Millisecond
	ticker := time.NewTicker(debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.changedMu.Lock()
				w.changed = time.Now()
				w.changedMu.Unlock()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)
		case <-ticker.C:
			w.changedMu.Lock()
			ready := !w.changed.IsZero() && time.Since(w.changed) >= debounce
			if ready {
				w.changed = time.Time{}
			}
			w.changedMu.Unlock()
			if ready {
				w.sync()
			}
		}
	}
}

// sync reads the file and applies the difference from the applied set.
func (w *Watcher) sync() Change {
	want, err := ReadTopics(w.path)
	if err != nil {
		// A missing file mid-save keeps the current subscriptions.
		w.logger.Warn("Topics file unreadable", "file", w.path, "error", err)
		change := Change{Err: err}
		w.notifyCallbacks(change)
		return change
	}

	w.topicsMu.Lock()
	defer w.topicsMu.Unlock()

	wantSet := make(map[string]struct{}, len(want))
	for _, topic := range want {
		wantSet[topic] = struct{}{}
	}

	var change Change
	var errs *multierror.Error
	for _, topic := range want {
		if _, ok := w.topics[topic]; ok {
			continue
		}
		if err := w.apply(func(ctx context.Context) error {
			_, err := w.syncer.Subscribe(ctx, topic)
			return err
		}); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("subscribe %s: %w", topic, err))
			continue
		}
		w.topics[topic] = struct{}{}
		change.Added = append(change.Added, topic)
	}
	for _, topic := range sortedKeys(w.topics) {
		if _, ok := wantSet[topic]; ok {
			continue
		}
		if err := w.apply(func(ctx context.Context) error {
			return w.syncer.Unsubscribe(ctx, topic)
		}); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("unsubscribe %s: %w", topic, err))
			continue
		}
		delete(w.topics, topic)
		change.Removed = append(change.Removed, topic)
	}
	change.Err = errs.ErrorOrNil()

	if len(change.Added) > 0 || len(change.Removed) > 0 || change.Err != nil {
		w.logger.Info("Topics file applied", "added", len(change.Added), "removed", len(change.Removed), "error", change.Err)
		w.notifyCallbacks(change)
	}
	return change
}

func (w *Watcher) apply(op func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(w.ctx, w.timeout)
	defer cancel()
	return op(ctx)
}

func (w *Watcher) notifyCallbacks(change Change) {
	w.callbacksMu.RLock()
	defer w.callbacksMu.RUnlock()
	for _, callback := range w.callbacks {
		callback(change)
	}
}

// ReadTopics parses a topics file. Duplicates are dropped and order is kept.
// An invalid topic fails the whole file.
func ReadTopics(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var topics []string
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if err := irn.ValidateTopic(text); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if _, ok := seen[text]; ok {
			continue
		}
		seen[text] = struct{}{}
		topics = append(topics, text)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return topics, nil
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
