// Package client is the relay client facade. It composes the authenticator,
// URL factory, trackers, connection handler, history and dispatcher into one
// owned instance that is safe for concurrent use.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/lightforgemedia/go-relayclient/pkg/auth"
	"github.com/lightforgemedia/go-relayclient/pkg/connection"
	"github.com/lightforgemedia/go-relayclient/pkg/dispatcher"
	"github.com/lightforgemedia/go-relayclient/pkg/events"
	"github.com/lightforgemedia/go-relayclient/pkg/history"
	"github.com/lightforgemedia/go-relayclient/pkg/irn"
	"github.com/lightforgemedia/go-relayclient/pkg/jsonrpc"
	"github.com/lightforgemedia/go-relayclient/pkg/relayurl"
	"github.com/lightforgemedia/go-relayclient/pkg/socket"
	"github.com/lightforgemedia/go-relayclient/pkg/subscriptions"
	"golang.org/x/sync/errgroup"
)

var (
	ErrClosed = errors.New("client: closed")
	// ErrSuperseded stops a resubscription whose connection was replaced.
	ErrSuperseded = errors.New("client: connection epoch superseded")
)

const (
	// maxFetchRounds bounds FetchMessages paging.
	maxFetchRounds = 32
	// maxIDConflicts bounds fresh-id retries when an id is already taken.
	maxIDConflicts = 3
)

// Client is a relay client. Create it with New or NewWithOptions.
type Client struct {
	config Options
	logger *slog.Logger

	auth       *auth.Authenticator
	ids        *jsonrpc.IDGenerator
	topics     *subscriptions.Topics
	tracker    *subscriptions.Tracker
	history    *history.History
	dispatcher *dispatcher.Dispatcher
	status     *socket.StatusProvider
	conn       connection.Handler

	messages  *events.Feed[irn.SubscriptionData]
	subEvents *events.Feed[SubscriptionEvent]

	// inflightMu guards inflight: topics added by a Subscribe or
	// BatchSubscribe whose request has not finished.
	inflightMu sync.Mutex
	inflight   map[string]int

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a client for projectID with the library defaults.
func New(projectID string, opts ...Option) (*Client, error) {
	o := DefaultOptions()
	o.ProjectID = projectID
	for _, opt := range opts {
		opt(&o)
	}
	return NewWithOptions(o)
}

// NewWithOptions creates a client from an Options struct. Zero fields take
// defaults. The client does not connect until Connect is called or, for the
// automatic strategy, the network monitor reports the network as available.
func NewWithOptions(opts Options) (*Client, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.applyDefaults()
	logger := opts.Logger

	authOpts := []auth.Option{auth.WithLogger(logger)}
	if opts.TokenTTL > 0 {
		authOpts = append(authOpts, auth.WithTokenTTL(opts.TokenTTL))
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config:    opts,
		logger:    logger,
		auth:      auth.NewAuthenticator(opts.Keychain, authOpts...),
		ids:       jsonrpc.NewIDGenerator(),
		topics:    subscriptions.NewTopics(),
		tracker:   subscriptions.NewTracker(),
		history:   history.New(opts.Store, history.WithLogger(logger)),
		status:    socket.NewStatusProvider(logger),
		messages:  events.NewFeed[irn.SubscriptionData](0),
		subEvents: events.NewFeed[SubscriptionEvent](0),
		inflight:  make(map[string]int),
		ctx:       ctx,
		cancel:    cancel,
	}

	c.dispatcher = dispatcher.NewWithOptions(c.history, dispatcher.Options{
		Logger:         logger,
		RequestTimeout: opts.RequestTimeout,
		WriteLimit:     opts.WriteLimit,
		WriteBurst:     opts.WriteBurst,
		TopicOf:        irn.TopicOf,
		OnWriteFailure: c.handleWriteFailure,
	})

	cfg := connection.Config{
		Logger: logger,
		Tokens: c.auth,
		URLs: relayurl.Factory{
			Scheme:    opts.Scheme,
			Host:      opts.RelayHost,
			ProjectID: opts.ProjectID,
			UserAgent: opts.UserAgent,
		},
		BundleID:       opts.BundleID,
		UserAgent:      opts.UserAgent.String(),
		Sockets:        opts.Sockets,
		Target:         c.dispatcher,
		Status:         c.status,
		Topics:         c.topics,
		OnConnected:    c.onConnected,
		ConnectTimeout: opts.ConnectTimeout,
		Backoff:        opts.Backoff,
	}

	var err error
	switch opts.Strategy {
	case StrategyManual:
		c.conn, err = connection.NewManual(cfg)
	default:
		c.conn, err = connection.NewAutomatic(cfg)
	}
	if err != nil {
		cancel()
		c.dispatcher.Close()
		c.status.Close()
		return nil, err
	}

	c.wg.Add(1)
	go c.pumpMessages(c.dispatcher.Requests(irn.MethodSubscription))

	if opts.Network != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			connection.Follow(c.ctx, c.conn, opts.Network)
		}()
	}

	logger.Info(fmt.Sprintf("Client: Initialized for project %s (%s strategy, relay %s)", opts.ProjectID, opts.Strategy, opts.RelayHost))
	return c, nil
}

func (c *Client) handleWriteFailure(epoch uint64, err error) {
	if c.conn != nil {
		c.conn.HandleWriteFailure(epoch, err)
	}
}

// Connect opens the relay connection and returns once it is established or
// the attempt failed. Under the automatic strategy a failed attempt keeps
// retrying in the background.
func (c *Client) Connect(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	return c.conn.Connect(ctx)
}

// Disconnect closes the connection. The automatic strategy stays
// disconnected until Connect or a network-available signal.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	return c.conn.Disconnect(ctx)
}

// Send writes a raw request with a caller-chosen id and returns the relay's
// response. Reusing the id of an earlier request never causes a second write
// while that request is pending, and returns the stored response once it
// resolved.
func (c *Client) Send(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	reply, err := c.dispatcher.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	return reply.Response, nil
}

// call sends method with a fresh id and decodes the result into out. A relay
// error surfaces as *jsonrpc.Error.
func (c *Client) call(ctx context.Context, method string, params, out interface{}) (uint64, error) {
	var reply *dispatcher.Reply
	for attempt := 0; ; attempt++ {
		req, err := jsonrpc.NewRequest(c.ids.Next(), method, params)
		if err != nil {
			return 0, err
		}
		reply, err = c.dispatcher.Send(ctx, req)
		if errors.Is(err, dispatcher.ErrIDConflict) && attempt < maxIDConflicts {
			c.logger.Debug("Client: request id taken, drawing a new one", "id", req.ID, "method", method)
			continue
		}
		if err != nil {
			return 0, err
		}
		break
	}
	if err := reply.Response.DecodeResult(out); err != nil {
		return reply.Epoch, fmt.Errorf("%s: %w", method, err)
	}
	return reply.Epoch, nil
}

// PublishOptions are the optional publish parameters. A zero TTL uses
// irn.DefaultTTL.
type PublishOptions struct {
	Tag    int
	TTL    time.Duration
	Prompt bool
}

// Publish sends message on topic.
func (c *Client) Publish(ctx context.Context, topic, message string, opts PublishOptions) error {
	if err := irn.ValidateTopic(topic); err != nil {
		return err
	}
	ttl, err := irn.TTLSeconds(opts.TTL)
	if err != nil {
		return err
	}
	var ok bool
	_, err = c.call(ctx, irn.MethodPublish, irn.PublishParams{
		Topic:   topic,
		Message: message,
		TTL:     ttl,
		Tag:     opts.Tag,
		Prompt:  opts.Prompt,
	}, &ok)
	return err
}

// Subscribe follows topic and returns the relay subscription id. The topic is
// resubscribed after every reconnect until Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, topic string) (string, error) {
	if err := irn.ValidateTopic(topic); err != nil {
		return "", err
	}
	added := c.topics.Add(topic)
	if added {
		c.markInflight(1, topic)
		defer c.markInflight(-1, topic)
	}

	var id string
	epoch, err := c.call(ctx, irn.MethodSubscribe, irn.SubscribeParams{Topic: topic}, &id)
	if err != nil {
		if added {
			c.topics.Remove(topic)
		}
		return "", err
	}
	c.register(topic, id, epoch, SubscriptionCreated)
	return id, nil
}

// BatchSubscribe follows every topic with one request.
func (c *Client) BatchSubscribe(ctx context.Context, topics []string) ([]string, error) {
	for _, topic := range topics {
		if err := irn.ValidateTopic(topic); err != nil {
			return nil, err
		}
	}
	var added []string
	for _, topic := range topics {
		if c.topics.Add(topic) {
			added = append(added, topic)
		}
	}
	c.markInflight(1, added...)
	defer c.markInflight(-1, added...)

	var ids []string
	epoch, err := c.call(ctx, irn.MethodBatchSubscribe, irn.BatchSubscribeParams{Topics: topics}, &ids)
	if err == nil && len(ids) != len(topics) {
		err = fmt.Errorf("%s: got %d ids for %d topics", irn.MethodBatchSubscribe, len(ids), len(topics))
	}
	if err != nil {
		for _, topic := range added {
			c.topics.Remove(topic)
		}
		return nil, err
	}
	for i, topic := range topics {
		c.register(topic, ids[i], epoch, SubscriptionCreated)
	}
	return ids, nil
}

func (c *Client) markInflight(delta int, topics ...string) {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	for _, topic := range topics {
		if c.inflight[topic] += delta; c.inflight[topic] <= 0 {
			delete(c.inflight, topic)
		}
	}
}

// needsResubscribe reports whether topic still lacks a subscription under
// epoch. A topic whose first subscribe is in flight is covered by that
// request, which the dispatcher carries onto the new socket.
func (c *Client) needsResubscribe(topic string, epoch uint64) bool {
	if !c.topics.Contains(topic) {
		return false
	}
	if _, ok := c.tracker.SubscriptionsForEpoch(epoch)[topic]; ok {
		return false
	}
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	return c.inflight[topic] == 0
}

func (c *Client) register(topic, id string, epoch uint64, kind SubscriptionEventKind) {
	if !c.topics.Contains(topic) {
		// Unsubscribed while the request was in flight.
		return
	}
	if !c.tracker.Register(topic, id, epoch) {
		return
	}
	c.logger.Info(fmt.Sprintf("Client: %s topic %s as %s (epoch %d)", kind, topic, id, epoch))
	c.subEvents.Publish(SubscriptionEvent{Kind: kind, Topic: topic, ID: id, Epoch: epoch})
}

// Unsubscribe stops following topic. It is not resubscribed after later
// reconnects even when the relay request fails.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.topics.Remove(topic)
	id, ok := c.tracker.SubscriptionID(topic)
	if !ok {
		return nil
	}

	var done bool
	_, err := c.call(ctx, irn.MethodUnsubscribe, irn.UnsubscribeParams{Topic: topic, ID: id}, &done)
	// The topic is no longer followed, so the local registration goes even
	// when the relay did not confirm.
	c.unregister(topic)
	return err
}

// BatchUnsubscribe stops following every topic with one request.
func (c *Client) BatchUnsubscribe(ctx context.Context, topics []string) error {
	var subs []irn.UnsubscribeParams
	for _, topic := range topics {
		c.topics.Remove(topic)
		if id, ok := c.tracker.SubscriptionID(topic); ok {
			subs = append(subs, irn.UnsubscribeParams{Topic: topic, ID: id})
		}
	}
	if len(subs) == 0 {
		return nil
	}

	var done bool
	_, err := c.call(ctx, irn.MethodBatchUnsubscribe, irn.BatchUnsubscribeParams{Subscriptions: subs}, &done)
	for _, s := range subs {
		c.unregister(s.Topic)
	}
	return err
}

func (c *Client) unregister(topic string) {
	if c.topics.Contains(topic) {
		// Subscribed again meanwhile.
		return
	}
	sub, ok := c.tracker.Unregister(topic)
	if !ok {
		return
	}
	c.logger.Info(fmt.Sprintf("Client: unsubscribed topic %s", topic))
	c.subEvents.Publish(SubscriptionEvent{Kind: SubscriptionRemoved, Topic: topic, ID: sub.ID, Epoch: sub.Epoch})
}

// FetchMessages drains messages the relay holds for topics.
func (c *Client) FetchMessages(ctx context.Context, topics []string) ([]irn.SubscriptionData, error) {
	var out []irn.SubscriptionData
	for round := 0; round < maxFetchRounds; round++ {
		var result irn.BatchFetchMessagesResult
		if _, err := c.call(ctx, irn.MethodBatchFetchMessages, irn.BatchFetchMessagesParams{Topics: topics}, &result); err != nil {
			return out, err
		}
		out = append(out, result.Messages...)
		if !result.HasMore {
			return out, nil
		}
	}
	c.logger.Warn("Client: stopped fetching messages after too many rounds", "topics", topics)
	return out, nil
}

// Resubscribe subscribes every followed topic again on the current
// connection. Topics are handled concurrently and retried independently;
// the returned error aggregates the topics that still failed.
func (c *Client) Resubscribe(ctx context.Context) error {
	return c.resubscribe(ctx, c.conn.Epoch())
}

func (c *Client) onConnected(ctx context.Context, epoch uint64) {
	c.tracker.SetEpoch(epoch)
	if err := c.resubscribe(ctx, epoch); err != nil {
		c.logger.Warn(fmt.Sprintf("Client: resubscription for epoch %d incomplete: %v", epoch, err))
	}
}

func (c *Client) resubscribe(ctx context.Context, epoch uint64) error {
	topics := c.topics.All()
	if len(topics) == 0 {
		return nil
	}
	c.logger.Info(fmt.Sprintf("Client: Re-subscribing to %d topics for epoch %d...", len(topics), epoch))

	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.ResubscribeConcurrency)
	for _, topic := range topics {
		topic := topic
		g.Go(func() error {
			if err := c.resubscribeTopic(gctx, topic, epoch); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("topic %s: %w", topic, err))
				mu.Unlock()
			}
			// Failures stay independent; never cancel the siblings.
			return nil
		})
	}
	_ = g.Wait()
	return result.ErrorOrNil()
}

func (c *Client) resubscribeTopic(ctx context.Context, topic string, epoch uint64) error {
	op := func() error {
		if !c.needsResubscribe(topic, epoch) {
			return nil
		}
		if current := c.conn.Epoch(); current != epoch {
			return backoff.Permanent(fmt.Errorf("%w: %d, now %d", ErrSuperseded, epoch, current))
		}
		var id string
		replyEpoch, err := c.call(ctx, irn.MethodSubscribe, irn.SubscribeParams{Topic: topic}, &id)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, dispatcher.ErrClosed) {
				return backoff.Permanent(err)
			}
			return err
		}
		c.register(topic, id, replyEpoch, SubscriptionResubscribed)
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.config.ResubscribeAttempts-1)), ctx)
	return backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		c.logger.Info(fmt.Sprintf("Client: resubscribe to %s failed: %v. Retrying in %v", topic, err, wait))
	})
}

func (c *Client) newBackOff() backoff.BackOff {
	cfg := c.config.Backoff
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.InitialInterval,
		RandomizationFactor: cfg.RandomizationFactor,
		Multiplier:          cfg.Multiplier,
		MaxInterval:         cfg.MaxInterval,
		MaxElapsedTime:      cfg.MaxElapsedTime,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// pumpMessages turns deduplicated irn_subscription requests into messages.
func (c *Client) pumpMessages(sub *events.Subscription[*jsonrpc.Request]) {
	defer c.wg.Done()
	defer sub.Close()
	for req := range sub.C {
		var params irn.SubscriptionParams
		if err := req.DecodeParams(&params); err != nil {
			c.logger.Warn("Client: dropping undecodable delivery", "id", req.ID, "error", err)
			continue
		}
		if !c.topics.Contains(params.Data.Topic) {
			c.logger.Debug("Client: dropping delivery for an unfollowed topic", "id", req.ID, "topic", params.Data.Topic)
			continue
		}
		c.messages.Publish(params.Data, params.Data.Topic)
	}
}

// Messages streams deliveries for the given topics, or for every topic when
// none are given. Each relay delivery is published once. A subscriber that
// stops reading stalls delivery to everyone; Close the subscription when done.
func (c *Client) Messages(topics ...string) *events.Subscription[irn.SubscriptionData] {
	return c.messages.Subscribe(topics...)
}

// SocketStatus streams socket connect and disconnect events, coalesced per
// socket. Once a subscriber's buffer is full, publishing blocks until it
// reads, which stalls the read pump and reconnects. Keep reading or Close the
// subscription.
func (c *Client) SocketStatus() *events.Subscription[socket.Status] {
	return c.status.Subscribe()
}

// ConnectionStates streams connection handler state changes.
func (c *Client) ConnectionStates() *events.Subscription[connection.Event] {
	return c.conn.Events()
}

// SubscriptionEvents streams subscription lifecycle events.
func (c *Client) SubscriptionEvents() *events.Subscription[SubscriptionEvent] {
	return c.subEvents.Subscribe()
}

// ClientID returns the did:key identity presented to the relay.
func (c *Client) ClientID() (string, error) {
	return c.auth.ClientID()
}

func (c *Client) State() connection.State { return c.conn.State() }

func (c *Client) Epoch() uint64 { return c.conn.Epoch() }

// IsSubscribed reports whether topic has a subscription on the current
// connection.
func (c *Client) IsSubscribed(topic string) bool {
	c.tracker.SetEpoch(c.conn.Epoch())
	return c.topics.Contains(topic) && c.tracker.IsSubscribed(topic)
}

// Topics returns the followed topics.
func (c *Client) Topics() []string { return c.topics.All() }

// Subscriptions returns the subscriptions of the current connection.
func (c *Client) Subscriptions() []subscriptions.Subscription {
	c.tracker.SetEpoch(c.conn.Epoch())
	active := c.tracker.Active()
	out := active[:0]
	for _, sub := range active {
		if c.topics.Contains(sub.Topic) {
			out = append(out, sub)
		}
	}
	return out
}

// LostTopics returns the topics followed when a manual-strategy connection
// was last lost. It is nil under the automatic strategy.
func (c *Client) LostTopics() []string {
	if m, ok := c.conn.(*connection.Manual); ok {
		return m.LostTopics()
	}
	return nil
}

// PendingRequests lists requests still waiting for a response, oldest first,
// including those carried over from an earlier run when the history store is
// persistent. An empty topic matches all.
func (c *Client) PendingRequests(topic string) ([]history.Record, error) {
	return c.history.Pending(topic)
}

// Close disconnects and releases every resource. Pending requests fail with
// dispatcher.ErrClosed and all streams are closed.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.logger.Info("Client: Closing...")
		c.cancel()
		c.conn.Close()
		c.dispatcher.Close()
		c.wg.Wait()
		c.status.Close()
		c.messages.Close()
		c.subEvents.Close()
		c.logger.Info("Client: Closed.")
	})
}
