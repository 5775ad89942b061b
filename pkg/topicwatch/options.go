package topicwatch

import (
	"log/slog"
	"time"
)

// Option configures a Watcher
type Option func(*Watcher)

// WithLogger sets the logger for the watcher
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDebounce sets the debounce time in milliseconds
func WithDebounce(debounceMs int) Option {
	return func(w *Watcher) {
		if debounceMs > 0 {
			w.debounceMs = debounceMs
		}
	}
}

// WithRequestTimeout bounds each subscribe and unsubscribe call.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(w *Watcher) {
		if timeout > 0 {
			w.timeout = timeout
		}
	}
}
