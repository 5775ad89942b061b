// pkg/socket/websocket.go
package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 1024 * 1024 // 1MB
)

type wsConfig struct {
	logger       *slog.Logger
	httpClient   *http.Client
	dialTimeout  time.Duration
	writeTimeout time.Duration
	pingInterval time.Duration
	readLimit    int64
}

// Option configures WebSocket instances.
type Option func(*wsConfig)

func WithLogger(logger *slog.Logger) Option {
	return func(c *wsConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *wsConfig) { c.httpClient = client }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *wsConfig) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *wsConfig) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithPingInterval enables client pings. A failed ping closes the socket.
func WithPingInterval(d time.Duration) Option {
	return func(c *wsConfig) { c.pingInterval = d }
}

func WithReadLimit(n int64) Option {
	return func(c *wsConfig) {
		if n > 0 {
			c.readLimit = n
		}
	}
}

// NewFactory returns a Factory producing coder/websocket sockets.
func NewFactory(opts ...Option) Factory {
	return FactoryFunc(func(url string, header http.Header) Socket {
		return New(url, header, opts...)
	})
}

// WebSocket implements Socket over github.com/coder/websocket.
type WebSocket struct {
	url    string
	header http.Header
	config wsConfig

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	closing bool
	cb      Callbacks
}

func New(url string, header http.Header, opts ...Option) *WebSocket {
	cfg := wsConfig{
		logger:       slog.Default(),
		dialTimeout:  defaultDialTimeout,
		writeTimeout: defaultWriteTimeout,
		readLimit:    defaultReadLimit,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &WebSocket{url: url, header: header.Clone(), config: cfg}
}

func (s *WebSocket) SetCallbacks(cb Callbacks) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

func (s *WebSocket) callbacks() Callbacks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cb
}

// Connect dials the relay. A failed dial is reported to OnDisconnect as well
// as returned.
func (s *WebSocket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(ctx, s.config.dialTimeout)
	conn, httpResp, err := websocket.Dial(dialCtx, s.url, &websocket.DialOptions{
		HTTPClient: s.config.httpClient,
		HTTPHeader: s.header,
	})
	dialCancel()

	if err != nil {
		errMsg := fmt.Sprintf("dial failed: %v", err)
		if httpResp != nil {
			errMsg = fmt.Sprintf("%s (status: %s)", errMsg, httpResp.Status)
		}
		err = errors.New(errMsg)
		if cb := s.callbacks(); cb.OnDisconnect != nil {
			cb.OnDisconnect(err)
		}
		return err
	}
	conn.SetReadLimit(s.config.readLimit)

	pumpCtx, pumpCancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.conn = conn
	s.cancel = pumpCancel
	s.closing = false
	cb := s.cb
	s.mu.Unlock()

	s.config.logger.Debug("Socket: connected", "url", s.url)
	if cb.OnConnect != nil {
		cb.OnConnect()
	}

	go s.readPump(pumpCtx, conn)
	if s.config.pingInterval > 0 {
		go s.pingLoop(pumpCtx, conn)
	}
	return nil
}

// Disconnect closes the socket normally. OnDisconnect(nil) follows from the
// read pump.
func (s *WebSocket) Disconnect() error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
	if err != nil {
		s.config.logger.Debug("Socket: close handshake incomplete", "error", err)
	}
	return nil
}

func (s *WebSocket) Write(ctx context.Context, data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.config.writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("socket write: %w", err)
	}
	return nil
}

func (s *WebSocket) readPump(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			s.closed(conn, err)
			return
		}
		if typ != websocket.MessageText {
			s.config.logger.Debug("Socket: ignoring binary frame", "bytes", len(data))
			continue
		}
		if cb := s.callbacks(); cb.OnText != nil {
			cb.OnText(data)
		}
	}
}

func (s *WebSocket) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, s.config.pingInterval/2)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.config.logger.Info("Socket: ping failed, closing stale connection", "error", err)
				conn.Close(websocket.StatusPolicyViolation, "ping timeout")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// closed runs once per connection when its read pump stops.
func (s *WebSocket) closed(conn *websocket.Conn, readErr error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	closing := s.closing
	cancel := s.cancel
	cb := s.cb
	s.mu.Unlock()

	cancel()
	conn.Close(websocket.StatusAbnormalClosure, "read pump terminated")

	var cause error
	if !closing {
		cause = fmt.Errorf("connection lost: %w", readErr)
		s.config.logger.Info("Socket: connection lost", "error", readErr, "status", websocket.CloseStatus(readErr))
	}
	if cb.OnDisconnect != nil {
		cb.OnDisconnect(cause)
	}
}
