// Package relayserver is an in-process relay for development and tests. It
// authenticates clients by their bearer JWT, routes the irn_* JSON-RPC
// methods and fans published messages out to subscribers.
package relayserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/lightforgemedia/go-relayclient/pkg/auth"
	"github.com/lightforgemedia/go-relayclient/pkg/events"
	"github.com/lightforgemedia/go-relayclient/pkg/irn"
	"github.com/lightforgemedia/go-relayclient/pkg/jsonrpc"
)

var ErrShuttingDown = errors.New("relayserver: shutting down")

// Server manages relay connections and topic routing.
type Server struct {
	config serverConfig
	bus    *events.Feed[irn.SubscriptionData]
	ids    *jsonrpc.IDGenerator

	clientsMu sync.RWMutex
	clients   map[string]*managedClient // connection id -> client

	topicsMu    sync.Mutex
	subscribers map[string]int // topic -> live subscriptions
	mailbox     map[string][]irn.SubscriptionData

	statsMu      sync.Mutex
	methodCounts map[string]int
	acks         map[jsonrpc.ID]int
	silent       map[string]bool

	shutdownOnce sync.Once
	shutdownChan chan struct{}
	mainCtx      context.Context
	mainCancel   context.CancelFunc
}

// New creates a Server. Mount UpgradeHandler on an HTTP server to use it.
func New(opts ...Option) (*Server, error) {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	s := &Server{
		config: serverConfig{
			logger:           slog.Default(),
			clientSendBuffer: defaultClientSendBuffer,
			writeTimeout:     defaultWriteTimeout,
			mailboxSize:      defaultMailboxSize,
			requireAuth:      true,
			now:              time.Now,
		},
		bus:          events.NewFeed[irn.SubscriptionData](0),
		ids:          jsonrpc.NewIDGenerator(),
		clients:      make(map[string]*managedClient),
		subscribers:  make(map[string]int),
		mailbox:      make(map[string][]irn.SubscriptionData),
		methodCounts: make(map[string]int),
		acks:         make(map[jsonrpc.ID]int),
		silent:       make(map[string]bool),
		shutdownChan: make(chan struct{}),
		mainCtx:      mainCtx,
		mainCancel:   mainCancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.config.pingInterval == 0 {
		s.config.pingInterval = libraryDefaultPingInterval
	} else if s.config.pingInterval < 0 {
		s.config.pingInterval = 0
	}
	if s.config.acceptOptions == nil {
		s.config.acceptOptions = &websocket.AcceptOptions{}
	}

	s.config.logger.Info(fmt.Sprintf("Relay: Initialized. Ping interval: %v, auth required: %v, client send buffer: %d",
		s.config.pingInterval, s.config.requireAuth, s.config.clientSendBuffer))
	return s, nil
}

// UpgradeHandler accepts relay connections. The request must carry a
// projectId query parameter and, when auth is required, a valid bearer JWT.
func (s *Server) UpgradeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-s.shutdownChan:
			http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}

		if r.URL.Query().Get("projectId") == "" {
			http.Error(w, "missing projectId", http.StatusBadRequest)
			s.config.logger.Info("Relay: Rejected connection without projectId")
			return
		}

		clientID := "anonymous"
		if s.config.requireAuth {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			claims, err := auth.ParseAuthToken(token, "", s.config.now)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				s.config.logger.Info(fmt.Sprintf("Relay: Rejected connection: %v", err))
				return
			}
			clientID = claims.Issuer
		}

		conn, err := websocket.Accept(w, r, s.config.acceptOptions)
		if err != nil {
			s.config.logger.Info(fmt.Sprintf("Relay: Failed to accept websocket connection: %v", err))
			return
		}

		clientCtx, clientCancel := context.WithCancel(s.mainCtx)
		mc := &managedClient{
			id:        uuid.NewString(),
			clientID:  clientID,
			userAgent: r.Header.Get("User-Agent"),
			conn:      conn,
			server:    s,
			send:      make(chan []byte, s.config.clientSendBuffer),
			ctx:       clientCtx,
			cancel:    clientCancel,
			subs:      make(map[string]*subscription),
			logger:    s.config.logger,
		}

		s.addClient(mc)
		mc.logger.Info(fmt.Sprintf("Relay: Client %s connected as %s (%s)", mc.id, mc.clientID, mc.userAgent))

		go mc.writePump()
		go mc.readPump()
		if s.config.pingInterval > 0 {
			go mc.pingLoop()
		}
	}
}

func (s *Server) addClient(mc *managedClient) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[mc.id] = mc
}

func (s *Server) removeClient(mc *managedClient) {
	mc.cancel()

	s.clientsMu.Lock()
	if _, exists := s.clients[mc.id]; !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, mc.id)
	s.clientsMu.Unlock()

	mc.closeSubscriptions()
	mc.conn.CloseNow()
	mc.logger.Info(fmt.Sprintf("Relay: Client %s disconnected and removed.", mc.id))
}

func (s *Server) snapshot() []*managedClient {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	out := make([]*managedClient, 0, len(s.clients))
	for _, mc := range s.clients {
		out = append(out, mc)
	}
	return out
}

// Publish routes a message to every subscriber of topic. Without
// subscribers it is kept for irn_batchFetchMessages.
func (s *Server) Publish(topic, message string, tag int) error {
	select {
	case <-s.mainCtx.Done():
		return ErrShuttingDown
	default:
	}
	if err := irn.ValidateTopic(topic); err != nil {
		return err
	}

	data := irn.SubscriptionData{
		Topic:       topic,
		Message:     message,
		PublishedAt: s.config.now().UnixMilli(),
		Tag:         tag,
	}

	s.topicsMu.Lock()
	if s.subscribers[topic] == 0 {
		box := append(s.mailbox[topic], data)
		if len(box) > s.config.mailboxSize {
			box = box[len(box)-s.config.mailboxSize:]
		}
		s.mailbox[topic] = box
	}
	s.topicsMu.Unlock()

	s.bus.Publish(data, topic)
	return nil
}

func (s *Server) fetchMessages(topics []string) []irn.SubscriptionData {
	s.topicsMu.Lock()
	defer s.topicsMu.Unlock()
	var out []irn.SubscriptionData
	for _, topic := range topics {
		out = append(out, s.mailbox[topic]...)
		delete(s.mailbox, topic)
	}
	return out
}

func (s *Server) trackSubscription(topic string, delta int) {
	s.topicsMu.Lock()
	defer s.topicsMu.Unlock()
	s.subscribers[topic] += delta
	if s.subscribers[topic] <= 0 {
		delete(s.subscribers, topic)
	}
}

func (s *Server) countMethod(method string) bool {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.methodCounts[method]++
	return s.silent[method]
}

func (s *Server) countAck(id jsonrpc.ID) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.acks[id]++
}

// Deliver pushes an irn_subscription with the given request id to every
// subscriber of topic and returns how many were sent. Reusing an id
// simulates relay redelivery.
func (s *Server) Deliver(topic, message string, id jsonrpc.ID) int {
	data := irn.SubscriptionData{Topic: topic, Message: message, PublishedAt: s.config.now().UnixMilli()}
	n := 0
	for _, mc := range s.snapshot() {
		for _, sub := range mc.subscriptionsFor(topic) {
			mc.deliver(sub.id, data, id)
			n++
		}
	}
	return n
}

// DropConnections terminates every connection without a close handshake.
func (s *Server) DropConnections() int {
	clients := s.snapshot()
	for _, mc := range clients {
		mc.logger.Info(fmt.Sprintf("Relay: Dropping client %s", mc.id))
		mc.conn.CloseNow()
	}
	return len(clients)
}

// SetSilent makes the relay swallow requests for method without answering.
func (s *Server) SetSilent(method string, silent bool) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.silent[method] = silent
}

// MethodCount reports how many requests for method were received.
func (s *Server) MethodCount(method string) int {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.methodCounts[method]
}

// AckCount reports how many responses the clients sent for id.
func (s *Server) AckCount(id jsonrpc.ID) int {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.acks[id]
}

func (s *Server) ConnectionCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// ClientIDs lists the authenticated identities of live connections.
func (s *Server) ClientIDs() []string {
	var out []string
	for _, mc := range s.snapshot() {
		out = append(out, mc.clientID)
	}
	sort.Strings(out)
	return out
}

// Subscribers reports the live subscriptions on topic across connections.
func (s *Server) Subscribers(topic string) int {
	s.topicsMu.Lock()
	defer s.topicsMu.Unlock()
	return s.subscribers[topic]
}

// Context is cancelled on Shutdown.
func (s *Server) Context() context.Context {
	return s.mainCtx
}

// Shutdown closes every connection and waits for them to be removed.
func (s *Server) Shutdown(ctx context.Context) error {
	var result *multierror.Error
	s.shutdownOnce.Do(func() {
		s.config.logger.Info("Relay: Initiating shutdown...")
		close(s.shutdownChan)

		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, mc := range s.snapshot() {
			wg.Add(1)
			go func(mc *managedClient) {
				defer wg.Done()
				err := mc.conn.Close(websocket.StatusGoingAway, "relay shutting down")
				if err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, net.ErrClosed) {
					mu.Lock()
					result = multierror.Append(result, fmt.Errorf("client %s: %w", mc.id, err))
					mu.Unlock()
				}
			}(mc)
		}
		wg.Wait()
		s.mainCancel()
	})

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		remaining := s.ConnectionCount()
		if remaining == 0 {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			s.config.logger.Info(fmt.Sprintf("Relay: Shutdown interrupted with %d clients remaining: %v", remaining, ctx.Err()))
			result = multierror.Append(result, ctx.Err())
			return result.ErrorOrNil()
		}
	}

	s.bus.Close()
	s.config.logger.Info("Relay: Shutdown complete.")
	return result.ErrorOrNil()
}
