package client

import (
	"errors"
	"log/slog"
	"time"

	"github.com/lightforgemedia/go-relayclient/pkg/connection"
	"github.com/lightforgemedia/go-relayclient/pkg/relayurl"
	"github.com/lightforgemedia/go-relayclient/pkg/socket"
	"github.com/lightforgemedia/go-relayclient/pkg/storage"
	"golang.org/x/time/rate"
)

const (
	defaultRequestTimeout         = 10 * time.Second
	defaultConnectTimeout         = 15 * time.Second
	defaultResubscribeConcurrency = 8
	defaultResubscribeAttempts    = 5
	// Client-initiated pings are disabled by default. Rely on relay pings.
	libraryDefaultClientPingInterval = 0 * time.Second
)

// Strategy selects the reconnection policy.
type Strategy int

const (
	// StrategyAutomatic reconnects with backoff after unexpected loss and on
	// network-available signals.
	StrategyAutomatic Strategy = iota
	// StrategyManual only connects when Connect is called.
	StrategyManual
)

func (s Strategy) String() string {
	switch s {
	case StrategyAutomatic:
		return "automatic"
	case StrategyManual:
		return "manual"
	default:
		return "unknown"
	}
}

// Options contains configuration values for NewWithOptions.
type Options struct {
	Logger *slog.Logger

	ProjectID string
	RelayHost string // relayurl.DefaultHost when empty
	Scheme    string // "wss" when empty
	BundleID  string
	UserAgent relayurl.UserAgent

	// Keychain holds the client identity key. An in-memory keychain is used
	// when nil, giving a fresh identity per process.
	Keychain storage.Keychain
	// Store persists RPC history. An unbounded in-memory store is used when nil.
	Store storage.KeyValueStorage
	// Sockets builds the transport. coder/websocket sockets when nil.
	Sockets socket.Factory

	Strategy Strategy
	// Network, when set, feeds reachability signals to the connection handler.
	Network connection.NetworkMonitor

	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	TokenTTL       time.Duration
	PingInterval   time.Duration
	Backoff        connection.Backoff

	ResubscribeConcurrency int
	ResubscribeAttempts    int

	// WriteLimit caps outbound frames per second; zero disables the limiter.
	WriteLimit rate.Limit
	WriteBurst int
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Logger:                 slog.Default(),
		RelayHost:              relayurl.DefaultHost,
		Scheme:                 relayurl.DefaultScheme,
		UserAgent:              relayurl.DefaultUserAgent(),
		Strategy:               StrategyAutomatic,
		RequestTimeout:         defaultRequestTimeout,
		ConnectTimeout:         defaultConnectTimeout,
		PingInterval:           libraryDefaultClientPingInterval,
		Backoff:                connection.DefaultBackoff(),
		ResubscribeConcurrency: defaultResubscribeConcurrency,
		ResubscribeAttempts:    defaultResubscribeAttempts,
	}
}

func (o *Options) validate() error {
	if o.ProjectID == "" {
		return errors.New("ProjectID is required")
	}
	if o.RequestTimeout < 0 {
		return errors.New("RequestTimeout must be non-negative")
	}
	if o.ConnectTimeout < 0 {
		return errors.New("ConnectTimeout must be non-negative")
	}
	if o.ResubscribeConcurrency < 0 || o.ResubscribeAttempts < 0 {
		return errors.New("resubscribe settings must be non-negative")
	}
	return nil
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.Logger == nil {
		o.Logger = def.Logger
	}
	if o.RelayHost == "" {
		o.RelayHost = def.RelayHost
	}
	if o.Scheme == "" {
		o.Scheme = def.Scheme
	}
	if o.UserAgent == (relayurl.UserAgent{}) {
		o.UserAgent = def.UserAgent
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = def.RequestTimeout
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.PingInterval < 0 {
		o.PingInterval = 0
	}
	if o.Backoff == (connection.Backoff{}) {
		o.Backoff = def.Backoff
	}
	if o.ResubscribeConcurrency == 0 {
		o.ResubscribeConcurrency = def.ResubscribeConcurrency
	}
	if o.ResubscribeAttempts == 0 {
		o.ResubscribeAttempts = def.ResubscribeAttempts
	}
	if o.Keychain == nil {
		o.Keychain = storage.NewMemoryKeychain()
	}
	if o.Store == nil {
		o.Store = storage.NewMemoryStore(0)
	}
	if o.Sockets == nil {
		o.Sockets = socket.NewFactory(
			socket.WithLogger(o.Logger),
			socket.WithPingInterval(o.PingInterval),
		)
	}
}

// Option configures the Client.
type Option func(*Options)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithRelay points the client at host, e.g. "127.0.0.1:8080". scheme is "ws"
// or "wss".
func WithRelay(scheme, host string) Option {
	return func(o *Options) {
		o.Scheme = scheme
		o.RelayHost = host
	}
}

func WithBundleID(bundleID string) Option {
	return func(o *Options) { o.BundleID = bundleID }
}

func WithUserAgent(ua relayurl.UserAgent) Option {
	return func(o *Options) { o.UserAgent = ua }
}

func WithKeychain(k storage.Keychain) Option {
	return func(o *Options) { o.Keychain = k }
}

// WithStore sets where RPC history is persisted.
func WithStore(s storage.KeyValueStorage) Option {
	return func(o *Options) { o.Store = s }
}

func WithSocketFactory(f socket.Factory) Option {
	return func(o *Options) { o.Sockets = f }
}

// WithStrategy selects automatic or manual reconnection.
func WithStrategy(s Strategy) Option {
	return func(o *Options) { o.Strategy = s }
}

func WithNetworkMonitor(m connection.NetworkMonitor) Option {
	return func(o *Options) { o.Network = m }
}

// WithRequestTimeout bounds every request, including time spent waiting for
// a connection.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		if timeout > 0 {
			o.RequestTimeout = timeout
		}
	}
}

func WithConnectTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		if timeout > 0 {
			o.ConnectTimeout = timeout
		}
	}
}

func WithTokenTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TokenTTL = ttl }
}

// WithClientPingInterval sets the client-initiated ping interval.
// interval <= 0 disables client pings.
func WithClientPingInterval(interval time.Duration) Option {
	return func(o *Options) { o.PingInterval = interval }
}

// WithBackoff sets the reconnect and resubscribe backoff.
func WithBackoff(b connection.Backoff) Option {
	return func(o *Options) { o.Backoff = b }
}

// WithResubscribe bounds resubscription after a reconnect: at most
// concurrency topics at once, each tried up to attempts times.
func WithResubscribe(concurrency, attempts int) Option {
	return func(o *Options) {
		if concurrency > 0 {
			o.ResubscribeConcurrency = concurrency
		}
		if attempts > 0 {
			o.ResubscribeAttempts = attempts
		}
	}
}

// WithWriteLimit throttles outbound frames with a token bucket.
func WithWriteLimit(limit rate.Limit, burst int) Option {
	return func(o *Options) {
		o.WriteLimit = limit
		o.WriteBurst = burst
	}
}
