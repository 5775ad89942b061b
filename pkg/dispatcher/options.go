// pkg/dispatcher/options.go
package dispatcher

import (
	"log/slog"
	"time"

	"github.com/lightforgemedia/go-relayclient/pkg/jsonrpc"
	"golang.org/x/time/rate"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	defaultOutboxSize     = 16
)

// Options configures a Dispatcher.
type Options struct {
	Logger *slog.Logger

	// RequestTimeout bounds every Send, including time spent waiting for a
	// connection.
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	OutboxSize     int

	// WriteLimit caps outbound frames per second; zero disables the limiter.
	WriteLimit rate.Limit
	WriteBurst int

	// TopicOf extracts the topic recorded in history for a request.
	TopicOf func(*jsonrpc.Request) string

	// OnWriteFailure is told which epoch's socket failed a write.
	OnWriteFailure func(epoch uint64, err error)

	// Session identifies this dispatcher in history records. Random when empty.
	Session string
}

// DefaultOptions returns the defaults applied to zero fields.
func DefaultOptions() Options {
	return Options{
		Logger:         slog.Default(),
		RequestTimeout: defaultRequestTimeout,
		WriteTimeout:   defaultWriteTimeout,
		OutboxSize:     defaultOutboxSize,
		TopicOf:        func(*jsonrpc.Request) string { return "" },
	}
}

// Option configures a Dispatcher.
type Option func(*Options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(o *Options) { o.RequestTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *Options) { o.WriteTimeout = d }
}

func WithOutboxSize(n int) Option {
	return func(o *Options) { o.OutboxSize = n }
}

// WithWriteLimit throttles outbound frames with a token bucket.
func WithWriteLimit(limit rate.Limit, burst int) Option {
	return func(o *Options) {
		o.WriteLimit = limit
		o.WriteBurst = burst
	}
}

func WithTopicFunc(fn func(*jsonrpc.Request) string) Option {
	return func(o *Options) { o.TopicOf = fn }
}

func WithWriteFailureHandler(fn func(epoch uint64, err error)) Option {
	return func(o *Options) { o.OnWriteFailure = fn }
}

func WithSession(session string) Option {
	return func(o *Options) { o.Session = session }
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.Logger == nil {
		o.Logger = def.Logger
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = def.RequestTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = def.OutboxSize
	}
	if o.TopicOf == nil {
		o.TopicOf = def.TopicOf
	}
	if o.WriteLimit > 0 && o.WriteBurst <= 0 {
		o.WriteBurst = 1
	}
}
