// pkg/connection/connector.go
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/lightforgemedia/go-relayclient/pkg/events"
	"github.com/lightforgemedia/go-relayclient/pkg/relayurl"
	"github.com/lightforgemedia/go-relayclient/pkg/socket"
)

var (
	ErrClosed        = errors.New("connection: handler closed")
	ErrMissingConfig = errors.New("connection: incomplete config")

	errSuperseded = errors.New("connection: attempt cancelled by disconnect")
	errSocketLost = errors.New("connection: socket closed by relay")
)

// lossHook is the strategy's reaction to losing the active socket.
type lossHook func(epoch uint64, err error, topics []string)

// connector is the core shared by both strategies: it builds sockets, swaps
// them into the target and turns socket status into state transitions.
type connector struct {
	cfg        Config
	logger     *slog.Logger
	status     *socket.StatusProvider
	ownsStatus bool
	statusSub  *events.Subscription[socket.Status]
	feed       *events.Feed[Event]
	onLost     lossHook

	// attemptMu serializes connection attempts.
	attemptMu sync.Mutex

	mu          sync.Mutex
	state       State
	epoch       uint64
	active      socket.Socket
	attempt     socket.Socket
	attemptLost bool
	closed      bool
	queue       []Event

	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newConnector(cfg Config, onLost lossHook) (*connector, error) {
	if cfg.Tokens == nil || cfg.URLs == nil || cfg.Sockets == nil || cfg.Target == nil {
		return nil, ErrMissingConfig
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	cfg.Backoff = withBackoffDefaults(cfg.Backoff)

	ctx, cancel := context.WithCancel(context.Background())
	c := &connector{
		cfg:    cfg,
		logger: cfg.Logger,
		status: cfg.Status,
		feed:   events.NewFeed[Event](0),
		onLost: onLost,
		notify: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	if c.status == nil {
		c.status = socket.NewStatusProvider(cfg.Logger)
		c.ownsStatus = true
	}
	c.statusSub = c.status.Subscribe()

	c.wg.Add(2)
	go c.watchStatus()
	go c.emitLoop()
	return c, nil
}

func withBackoffDefaults(b Backoff) Backoff {
	def := DefaultBackoff()
	if b.InitialInterval <= 0 {
		b.InitialInterval = def.InitialInterval
	}
	if b.Multiplier < 1 {
		b.Multiplier = def.Multiplier
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = def.MaxInterval
	}
	if b.RandomizationFactor < 0 || b.RandomizationFactor > 1 {
		b.RandomizationFactor = def.RandomizationFactor
	}
	return b
}

// State returns the current connection state.
func (c *connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Epoch returns the epoch of the last successful connection, 0 if none.
func (c *connector) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Events streams state transitions in the order they happen.
func (c *connector) Events() *events.Subscription[Event] {
	return c.feed.Subscribe()
}

// HandleWriteFailure drops the socket of epoch if it is still active. Stale
// reports are ignored.
func (c *connector) HandleWriteFailure(epoch uint64, err error) {
	c.mu.Lock()
	sock := c.active
	current := c.epoch
	c.mu.Unlock()
	if sock == nil || current != epoch {
		c.logger.Debug("Connection: ignoring write failure for an inactive epoch", "epoch", epoch, "current", current)
		return
	}
	if c.lose(sock, fmt.Errorf("write failed: %w", err)) {
		_ = sock.Disconnect()
	}
}

// dial runs one connection attempt. failState is entered if it fails.
func (c *connector) dial(ctx context.Context, failState State) error {
	c.attemptMu.Lock()
	defer c.attemptMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.active != nil {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting, nil)
	c.mu.Unlock()

	sock, err := c.build()
	if err != nil {
		c.logger.Info(fmt.Sprintf("Connection: cannot prepare socket: %v", err))
		c.failAttempt(nil, failState, err)
		return err
	}

	c.mu.Lock()
	c.attempt = sock
	c.attemptLost = false
	c.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	err = sock.Connect(connectCtx)
	cancel()
	if err != nil {
		c.logger.Info(fmt.Sprintf("Connection: attempt failed: %v", err))
		c.failAttempt(sock, failState, err)
		return err
	}
	return c.promote(sock, failState)
}

// build mints a fresh token and creates a socket observed by the status
// provider.
func (c *connector) build() (socket.Socket, error) {
	url, err := c.cfg.URLs.Create(c.cfg.BundleID)
	if err != nil {
		return nil, err
	}
	token, err := c.cfg.Tokens.CreateAuthToken(url)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	if c.cfg.UserAgent != "" {
		header.Set("User-Agent", c.cfg.UserAgent)
	}
	sock := c.cfg.Sockets.Create(url, header)
	c.status.Observe(sock, c.cfg.Target.HandleFrame)
	return sock, nil
}

func (c *connector) failAttempt(sock socket.Socket, failState State, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sock != nil && c.attempt == sock {
		c.attempt = nil
	}
	// A Disconnect during the attempt already moved the state to idle.
	if c.state == StateConnecting {
		c.setStateLocked(failState, err)
	}
}

// promote makes a connected socket active under the next epoch.
func (c *connector) promote(sock socket.Socket, failState State) error {
	c.mu.Lock()
	if c.closed || c.attempt != sock {
		closed := c.closed
		c.mu.Unlock()
		_ = sock.Disconnect()
		if closed {
			return ErrClosed
		}
		return errSuperseded
	}
	c.attempt = nil
	if c.attemptLost {
		c.setStateLocked(failState, errSocketLost)
		c.mu.Unlock()
		return errSocketLost
	}

	epoch := c.epoch + 1
	if err := c.cfg.Target.Attach(sock, epoch); err != nil {
		c.setStateLocked(failState, err)
		c.mu.Unlock()
		_ = sock.Disconnect()
		return err
	}
	c.epoch = epoch
	c.active = sock
	c.setStateLocked(StateConnected, nil)
	onConnected := c.cfg.OnConnected
	if onConnected != nil {
		c.wg.Add(1)
	}
	c.mu.Unlock()

	c.logger.Info(fmt.Sprintf("Connection: connected (epoch %d)", epoch))
	if onConnected != nil {
		go func() {
			defer c.wg.Done()
			onConnected(c.ctx, epoch)
		}()
	}
	return nil
}

// lose handles the loss of sock. It reports whether sock was the active
// socket.
func (c *connector) lose(sock socket.Socket, err error) bool {
	if err == nil {
		err = errSocketLost
	}

	c.mu.Lock()
	if sock != nil && c.attempt == sock {
		c.attemptLost = true
		c.mu.Unlock()
		return false
	}
	if c.active == nil || c.active != sock {
		c.mu.Unlock()
		return false
	}
	epoch := c.epoch
	c.active = nil
	c.cfg.Target.Detach(epoch)
	var topics []string
	if c.cfg.Topics != nil {
		topics = c.cfg.Topics.All()
	}
	c.setStateLocked(StateDisconnected, err)
	c.mu.Unlock()

	c.logger.Info(fmt.Sprintf("Connection: lost connection for epoch %d: %v", epoch, err))
	if c.onLost != nil {
		c.onLost(epoch, err, topics)
	}
	return true
}

// disconnect closes the active socket and any attempt in progress and rests
// in StateIdle.
func (c *connector) disconnect() {
	c.mu.Lock()
	sock, attempt := c.active, c.attempt
	epoch := c.epoch
	c.active, c.attempt = nil, nil
	if sock != nil {
		c.cfg.Target.Detach(epoch)
	}
	if !c.closed {
		c.setStateLocked(StateIdle, nil)
	}
	c.mu.Unlock()

	if sock != nil {
		c.logger.Info(fmt.Sprintf("Connection: disconnecting epoch %d", epoch))
		_ = sock.Disconnect()
	}
	if attempt != nil {
		_ = attempt.Disconnect()
	}
}

func (c *connector) watchStatus() {
	defer c.wg.Done()
	for {
		select {
		case st, ok := <-c.statusSub.C:
			if !ok {
				return
			}
			if st.Kind == socket.KindConnected {
				continue
			}
			c.lose(st.Socket, st.Err)
		case <-c.ctx.Done():
			return
		}
	}
}

// setStateLocked must be called with c.mu held.
func (c *connector) setStateLocked(s State, err error) {
	if c.state == s && err == nil {
		return
	}
	c.state = s
	c.queueLocked(Event{Kind: EventStateChanged, State: s, Epoch: c.epoch, Err: err})
}

// queueLocked must be called with c.mu held.
func (c *connector) queueLocked(ev Event) {
	c.queue = append(c.queue, ev)
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// emitLoop publishes queued events from a single goroutine so subscribers
// see transitions in order.
func (c *connector) emitLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.notify:
			c.flush()
		case <-c.ctx.Done():
			c.flush()
			return
		}
	}
}

func (c *connector) flush() {
	c.mu.Lock()
	q := c.queue
	c.queue = nil
	c.mu.Unlock()
	for _, ev := range q {
		c.feed.Publish(ev)
	}
}

func (c *connector) close() {
	c.disconnect()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.statusSub.Close()
	c.wg.Wait()
	c.feed.Close()
	if c.ownsStatus {
		c.status.Close()
	}
	c.logger.Info("Connection: handler closed")
}

func isPermanent(err error) bool {
	return errors.Is(err, relayurl.ErrInvalidConfiguration) || errors.Is(err, ErrClosed)
}
