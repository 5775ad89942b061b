// pkg/relayserver/options.go
package relayserver

import (
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultClientSendBuffer    = 16
	defaultWriteTimeout        = 10 * time.Second
	defaultMailboxSize         = 256
	libraryDefaultPingInterval = 30 * time.Second
)

type serverConfig struct {
	logger           *slog.Logger
	acceptOptions    *websocket.AcceptOptions
	clientSendBuffer int
	writeTimeout     time.Duration
	pingInterval     time.Duration // 0 means use libraryDefaultPingInterval, <0 means disable
	requireAuth      bool
	mailboxSize      int
	now              func() time.Time
}

// Option configures the Server.
type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.config.logger = logger
		}
	}
}

func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(s *Server) { s.config.acceptOptions = opts }
}

// WithClientSendBuffer sets the per-connection outbound queue size. A client
// whose queue stays full is disconnected.
func WithClientSendBuffer(size int) Option {
	return func(s *Server) {
		if size > 0 {
			s.config.clientSendBuffer = size
		}
	}
}

func WithWriteTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.config.writeTimeout = timeout
		}
	}
}

// WithPingInterval sets the server ping interval.
// interval < 0 disables pings, 0 uses the library default.
func WithPingInterval(interval time.Duration) Option {
	return func(s *Server) { s.config.pingInterval = interval }
}

// WithRequireAuth makes the upgrade handler verify the bearer JWT.
func WithRequireAuth(require bool) Option {
	return func(s *Server) { s.config.requireAuth = require }
}

// WithMailboxSize bounds how many undelivered messages are kept per topic for
// irn_batchFetchMessages.
func WithMailboxSize(size int) Option {
	return func(s *Server) {
		if size > 0 {
			s.config.mailboxSize = size
		}
	}
}

// Options mirrors the functional options for NewWithOptions.
type Options struct {
	Logger           *slog.Logger
	AcceptOptions    *websocket.AcceptOptions
	ClientSendBuffer int
	WriteTimeout     time.Duration
	// PingInterval: 0 uses the default, negative disables pings.
	PingInterval time.Duration
	RequireAuth  bool
	MailboxSize  int
}

// DefaultOptions returns the defaults used by New.
func DefaultOptions() Options {
	return Options{
		Logger:           slog.Default(),
		AcceptOptions:    &websocket.AcceptOptions{},
		ClientSendBuffer: defaultClientSendBuffer,
		WriteTimeout:     defaultWriteTimeout,
		PingInterval:     libraryDefaultPingInterval,
		RequireAuth:      true,
		MailboxSize:      defaultMailboxSize,
	}
}

// NewWithOptions validates opts and builds a Server. extraOpts override the
// struct values.
func NewWithOptions(opts Options, extraOpts ...Option) (*Server, error) {
	if opts.ClientSendBuffer < 0 {
		return nil, errors.New("ClientSendBuffer must be non-negative")
	}
	if opts.WriteTimeout < 0 {
		return nil, errors.New("WriteTimeout must be non-negative")
	}
	if opts.MailboxSize < 0 {
		return nil, errors.New("MailboxSize must be non-negative")
	}

	fns := []Option{
		WithLogger(opts.Logger),
		WithAcceptOptions(opts.AcceptOptions),
		WithRequireAuth(opts.RequireAuth),
	}
	if opts.ClientSendBuffer > 0 {
		fns = append(fns, WithClientSendBuffer(opts.ClientSendBuffer))
	}
	if opts.WriteTimeout > 0 {
		fns = append(fns, WithWriteTimeout(opts.WriteTimeout))
	}
	if opts.PingInterval != 0 {
		fns = append(fns, WithPingInterval(opts.PingInterval))
	}
	if opts.MailboxSize > 0 {
		fns = append(fns, WithMailboxSize(opts.MailboxSize))
	}
	return New(append(fns, extraOpts...)...)
}
