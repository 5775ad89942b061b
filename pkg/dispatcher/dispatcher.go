// Package dispatcher multiplexes JSON-RPC calls over the active relay socket.
//
// Every outbound request is recorded in history before it is written, so a
// request id reaches the relay at most once per socket: concurrent sends of
// the same id share one call, a resolved id is answered from history, and an
// unresolved id is only written again once the socket that carried it has
// been replaced. Inbound server requests are deduplicated the same way and
// always acknowledged.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lightforgemedia/go-relayclient/pkg/events"
	"github.com/lightforgemedia/go-relayclient/pkg/history"
	"github.com/lightforgemedia/go-relayclient/pkg/jsonrpc"
	"github.com/lightforgemedia/go-relayclient/pkg/socket"
	"golang.org/x/time/rate"
)

var (
	ErrTimeout          = errors.New("dispatcher: request timed out")
	ErrConnectionClosed = errors.New("dispatcher: connection closed")
	ErrClosed           = fmt.Errorf("%w: dispatcher closed", ErrConnectionClosed)
	// ErrIDConflict means the id belongs to a different request, e.g. one the
	// relay sent us. Nothing is written; retry with a fresh id.
	ErrIDConflict = fmt.Errorf("%w: id belongs to another request", history.ErrDuplicateRequest)

	errStaleEpoch = errors.New("dispatcher: socket replaced before write")
	errAbandoned  = errors.New("dispatcher: call abandoned")
)

// Reply is the outcome of a Send.
type Reply struct {
	Response *jsonrpc.Response
	// Epoch of the socket the response arrived on.
	Epoch uint64
	// FromHistory is set when the response was recorded earlier and nothing
	// was written.
	FromHistory bool
}

// call is the shared handle for one in-flight request id.
type call struct {
	id        jsonrpc.ID
	method    string
	payload   []byte
	createdAt time.Time

	// guarded by Dispatcher.mu
	epoch      uint64 // epoch of the socket last carrying payload, 0 if none
	attempts   int
	waiters    int
	finished   bool
	replyEpoch uint64
	resp       *jsonrpc.Response
	err        error

	done      chan struct{}
	abandoned chan struct{}
}

type outbound struct {
	data   []byte
	epoch  uint64
	call   *call
	result chan error // nil for acknowledgements
}

func (o *outbound) complete(err error) {
	if o.result != nil {
		o.result <- err
	}
}

// Dispatcher owns the request/response state for a client. It is safe for
// concurrent use.
type Dispatcher struct {
	config  Options
	logger  *slog.Logger
	history *history.History
	limiter *rate.Limiter

	mu       sync.Mutex
	sock     socket.Socket
	epoch    uint64
	attached chan struct{} // closed and replaced on every Attach
	pending  map[jsonrpc.ID]*call
	sentOn   map[jsonrpc.ID]uint64
	closed   bool

	outbox   chan *outbound
	requests *events.Feed[*jsonrpc.Request]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher recording into hist. It has no socket until Attach.
func New(hist *history.History, opts ...Option) *Dispatcher {
	var cfg Options
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewWithOptions(hist, cfg)
}

// NewWithOptions is New with an Options struct; zero fields take defaults.
func NewWithOptions(hist *history.History, cfg Options) *Dispatcher {
	cfg.applyDefaults()
	if cfg.Session == "" {
		cfg.Session = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		config:   cfg,
		logger:   cfg.Logger,
		history:  hist,
		attached: make(chan struct{}),
		pending:  make(map[jsonrpc.ID]*call),
		sentOn:   make(map[jsonrpc.ID]uint64),
		outbox:   make(chan *outbound, cfg.OutboxSize),
		requests: events.NewFeed[*jsonrpc.Request](0),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.WriteLimit > 0 {
		d.limiter = rate.NewLimiter(cfg.WriteLimit, cfg.WriteBurst)
	}

	d.wg.Add(1)
	go d.writePump()
	return d
}

// Session returns the id stamped on history records written by d.
func (d *Dispatcher) Session() string { return d.config.Session }

// Epoch returns the epoch of the attached socket, or of the last one.
func (d *Dispatcher) Epoch() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.epoch
}

// Connected reports whether a socket is attached.
func (d *Dispatcher) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sock != nil
}

// PendingCount reports the number of in-flight request ids.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Requests streams unsolicited server requests, once per request id. Pass
// method names to filter.
func (d *Dispatcher) Requests(methods ...string) *events.Subscription[*jsonrpc.Request] {
	return d.requests.Subscribe(methods...)
}

// Send writes req on the active socket and waits for its response. Without a
// socket the request is queued until one is attached. The wait is bounded by
// ctx and the request timeout; a timeout yields ErrTimeout, an epoch change
// after the write yields ErrConnectionClosed.
func (d *Dispatcher) Send(ctx context.Context, req *jsonrpc.Request) (*Reply, error) {
	r := *req
	if r.JSONRPC == "" {
		r.JSONRPC = jsonrpc.Version
	}
	payload, err := json.Marshal(&r)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: marshal %s: %w", r.ID, err)
	}

	timeout := d.config.RequestTimeout
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, reply, err := d.join(&r, payload)
	if err != nil {
		return nil, err
	}
	if reply != nil {
		d.logger.Debug("Dispatcher: answered from history", "id", r.ID, "method", r.Method)
		return reply, nil
	}
	defer d.leave(c)

	select {
	case <-c.done:
		if c.err != nil {
			return nil, c.err
		}
		return &Reply{Response: c.resp, Epoch: c.replyEpoch}, nil
	case <-opCtx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		d.logger.Info(fmt.Sprintf("Dispatcher: %s %s timed out after %v", r.Method, r.ID, timeout))
		return nil, fmt.Errorf("%w: %s %s", ErrTimeout, r.Method, r.ID)
	}
}

// join returns the call to wait on, or a reply straight from history.
func (d *Dispatcher) join(req *jsonrpc.Request, payload []byte) (*call, *Reply, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, nil, ErrClosed
	}
	if c, ok := d.pending[req.ID]; ok {
		if c.method != req.Method {
			return nil, nil, fmt.Errorf("%w: %s is in flight as %s", ErrIDConflict, req.ID, c.method)
		}
		c.waiters++
		d.logger.Debug("Dispatcher: joining in-flight request", "id", req.ID)
		return c, nil, nil
	}

	rec, err := d.history.Get(req.ID)
	if err == nil && (rec.Direction != history.DirectionSent || rec.Method != req.Method) {
		return nil, nil, fmt.Errorf("%w: %s was %s as %s", ErrIDConflict, req.ID, rec.Direction, rec.Method)
	}
	switch {
	case err == nil && rec.Resolved():
		var resp jsonrpc.Response
		if err := json.Unmarshal(rec.Response, &resp); err != nil {
			return nil, nil, fmt.Errorf("dispatcher: stored response for %s: %w", req.ID, err)
		}
		return nil, &Reply{Response: &resp, Epoch: rec.Epoch, FromHistory: true}, nil

	case err == nil:
		c := d.newCall(req, payload)
		if e, ok := d.sentOn[req.ID]; ok && d.sock != nil && e == d.epoch && rec.Session == d.config.Session {
			// Already on the live socket; its response is still due.
			c.epoch = e
			return c, nil, nil
		}
		d.logger.Info("Dispatcher: retransmitting request from a replaced socket", "id", req.ID, "method", req.Method)
		d.startTransmit(c)
		return c, nil, nil

	case errors.Is(err, history.ErrNotFound):
		err := d.history.Record(history.Record{
			RequestID: req.ID,
			Topic:     d.config.TopicOf(req),
			Direction: history.DirectionSent,
			Method:    req.Method,
			Payload:   req.Params,
			Session:   d.config.Session,
			Epoch:     d.epoch,
		})
		if err != nil {
			return nil, nil, err
		}
		c := d.newCall(req, payload)
		d.startTransmit(c)
		return c, nil, nil

	default:
		return nil, nil, err
	}
}

// newCall registers a call with one waiter. Caller holds d.mu.
func (d *Dispatcher) newCall(req *jsonrpc.Request, payload []byte) *call {
	c := &call{
		id:        req.ID,
		method:    req.Method,
		payload:   payload,
		createdAt: time.Now(),
		waiters:   1,
		done:      make(chan struct{}),
		abandoned: make(chan struct{}),
	}
	d.pending[req.ID] = c
	return c
}

// leave drops one waiter. The last waiter to leave an unfinished call
// abandons it; a write that already happened is not retracted.
func (d *Dispatcher) leave(c *call) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c.waiters--
	if c.waiters > 0 || c.finished {
		return
	}
	if d.pending[c.id] == c {
		delete(d.pending, c.id)
	}
	close(c.abandoned)
}

func (d *Dispatcher) finish(c *call, resp *jsonrpc.Response, err error, epoch uint64) {
	d.mu.Lock()
	if c.finished {
		d.mu.Unlock()
		return
	}
	c.finished = true
	c.resp = resp
	c.err = err
	c.replyEpoch = epoch
	if d.pending[c.id] == c {
		delete(d.pending, c.id)
	}
	d.mu.Unlock()
	close(c.done)
}

// startTransmit must be called with d.mu held.
func (d *Dispatcher) startTransmit(c *call) {
	d.wg.Add(1)
	go d.transmit(c)
}

// transmit hands c to the writer once a socket is attached, retrying when the
// socket is replaced before the frame goes out.
func (d *Dispatcher) transmit(c *call) {
	defer d.wg.Done()
	for {
		epoch, err := d.awaitSocket(c)
		if err != nil {
			return
		}

		o := &outbound{data: c.payload, epoch: epoch, call: c, result: make(chan error, 1)}
		select {
		case d.outbox <- o:
		case <-c.abandoned:
			return
		case <-d.ctx.Done():
			return
		}

		select {
		case err = <-o.result:
		case <-d.ctx.Done():
			return
		}
		switch {
		case err == nil, errors.Is(err, errAbandoned):
			return
		case errors.Is(err, errStaleEpoch):
			continue
		default:
			d.finish(c, nil, err, epoch)
			return
		}
	}
}

func (d *Dispatcher) awaitSocket(c *call) (uint64, error) {
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return 0, ErrClosed
		}
		if d.sock != nil {
			epoch := d.epoch
			d.mu.Unlock()
			return epoch, nil
		}
		attached := d.attached
		d.mu.Unlock()

		select {
		case <-attached:
		case <-c.abandoned:
			return 0, errAbandoned
		case <-d.ctx.Done():
			return 0, ErrClosed
		}
	}
}

// writePump is the only goroutine writing to sockets, preserving send order
// per socket.
func (d *Dispatcher) writePump() {
	defer d.wg.Done()
	for {
		select {
		case o := <-d.outbox:
			d.write(o)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) write(o *outbound) {
	if o.call != nil {
		select {
		case <-o.call.abandoned:
			o.complete(errAbandoned)
			return
		default:
		}
	}

	d.mu.Lock()
	sock, epoch := d.sock, d.epoch
	d.mu.Unlock()
	if sock == nil || epoch != o.epoch {
		o.complete(errStaleEpoch)
		return
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(d.ctx); err != nil {
			o.complete(ErrClosed)
			return
		}
	}

	writeCtx, cancel := context.WithTimeout(d.ctx, d.config.WriteTimeout)
	err := sock.Write(writeCtx, o.data)
	cancel()
	if err != nil {
		d.logger.Info(fmt.Sprintf("Dispatcher: write on epoch %d failed: %v", epoch, err))
		o.complete(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
		if d.config.OnWriteFailure != nil {
			go d.config.OnWriteFailure(epoch, err)
		}
		return
	}

	if c := o.call; c != nil {
		d.mu.Lock()
		superseded := false
		if !c.finished {
			c.epoch = epoch
			c.attempts++
			d.sentOn[c.id] = epoch
			superseded = d.sock == nil || d.epoch != epoch
		}
		d.mu.Unlock()
		if superseded {
			d.finish(c, nil, fmt.Errorf("%w: socket for epoch %d replaced", ErrConnectionClosed, epoch), epoch)
		}
	}
	o.complete(nil)
}

// Attach makes sock the active socket for epoch, which must be newer than any
// epoch seen before. Calls written on older sockets fail with
// ErrConnectionClosed; queued calls are released to the new socket.
func (d *Dispatcher) Attach(sock socket.Socket, epoch uint64) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if epoch <= d.epoch {
		current := d.epoch
		d.mu.Unlock()
		return fmt.Errorf("dispatcher: epoch %d is not newer than %d", epoch, current)
	}
	d.sock = sock
	d.epoch = epoch
	d.sentOn = make(map[jsonrpc.ID]uint64)
	stale := d.collect(func(c *call) bool { return c.epoch != 0 && c.epoch < epoch })
	close(d.attached)
	d.attached = make(chan struct{})
	d.mu.Unlock()

	d.logger.Info(fmt.Sprintf("Dispatcher: attached socket for epoch %d (%d stale calls failed)", epoch, len(stale)))
	d.failAll(stale, fmt.Errorf("%w: superseded by epoch %d", ErrConnectionClosed, epoch))
	return nil
}

// Detach releases the socket of epoch after it was lost. Calls written on it
// fail with ErrConnectionClosed; calls not yet written keep waiting.
func (d *Dispatcher) Detach(epoch uint64) {
	d.mu.Lock()
	if d.sock == nil || d.epoch != epoch {
		d.mu.Unlock()
		return
	}
	d.sock = nil
	stale := d.collect(func(c *call) bool { return c.epoch == epoch })
	d.mu.Unlock()

	d.logger.Info(fmt.Sprintf("Dispatcher: detached socket for epoch %d", epoch))
	d.failAll(stale, fmt.Errorf("%w: socket for epoch %d lost", ErrConnectionClosed, epoch))
}

// collect must be called with d.mu held.
func (d *Dispatcher) collect(match func(*call) bool) []*call {
	var out []*call
	for _, c := range d.pending {
		if !c.finished && match(c) {
			out = append(out, c)
		}
	}
	return out
}

func (d *Dispatcher) failAll(calls []*call, err error) {
	for _, c := range calls {
		d.finish(c, nil, err, 0)
	}
}

// HandleFrame processes one inbound text frame from the active socket.
func (d *Dispatcher) HandleFrame(data []byte) {
	frame, err := jsonrpc.Decode(data)
	if err != nil {
		d.logger.Warn("Dispatcher: dropping malformed frame", "error", err, "bytes", len(data))
		return
	}
	if frame.IsRequest() {
		d.handleRequest(frame.Request)
		return
	}
	d.handleResponse(frame.Response)
}

func (d *Dispatcher) handleResponse(resp *jsonrpc.Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		d.logger.Error("Dispatcher: cannot encode response", "id", resp.ID, "error", err)
		return
	}
	_, herr := d.history.Resolve(resp.ID, raw)

	d.mu.Lock()
	c := d.pending[resp.ID]
	epoch := d.epoch
	delete(d.sentOn, resp.ID)
	d.mu.Unlock()

	switch {
	case herr == nil:
	case errors.Is(herr, history.ErrAlreadyResolved):
		if c == nil {
			d.logger.Debug("Dispatcher: dropping duplicate response", "id", resp.ID)
			return
		}
	case errors.Is(herr, history.ErrNotFound):
		if c == nil {
			d.logger.Warn("Dispatcher: response for unknown request", "id", resp.ID)
			return
		}
	default:
		d.logger.Error("Dispatcher: failed to record response", "id", resp.ID, "error", herr)
	}

	if c == nil {
		d.logger.Debug("Dispatcher: late response recorded in history", "id", resp.ID)
		return
	}
	d.finish(c, resp, nil, epoch)
}

func (d *Dispatcher) handleRequest(req *jsonrpc.Request) {
	d.mu.Lock()
	epoch := d.epoch
	d.mu.Unlock()

	err := d.history.Record(history.Record{
		RequestID: req.ID,
		Topic:     d.config.TopicOf(req),
		Direction: history.DirectionReceived,
		Method:    req.Method,
		Payload:   req.Params,
		Session:   d.config.Session,
		Epoch:     epoch,
	})
	ack, _ := jsonrpc.NewResult(req.ID, true)

	switch {
	case errors.Is(err, history.ErrDuplicateRequest) && d.receivedBefore(req):
		d.logger.Debug("Dispatcher: acknowledging duplicate delivery", "id", req.ID, "method", req.Method)
		d.respond(ack)
		return
	case errors.Is(err, history.ErrDuplicateRequest):
		d.logger.Warn("Dispatcher: inbound request reuses the id of a sent request", "id", req.ID, "method", req.Method)
	case err != nil:
		d.logger.Error("Dispatcher: failed to record inbound request", "id", req.ID, "error", err)
	}

	d.requests.Publish(req, req.Method)
	raw := d.respond(ack)
	if err == nil && raw != nil {
		if _, err := d.history.Resolve(req.ID, raw); err != nil {
			d.logger.Warn("Dispatcher: failed to resolve inbound request", "id", req.ID, "error", err)
		}
	}
}

// receivedBefore reports whether the recorded request under req.ID is an
// earlier delivery of req rather than one of ours.
func (d *Dispatcher) receivedBefore(req *jsonrpc.Request) bool {
	rec, err := d.history.Get(req.ID)
	return err == nil && rec.Direction == history.DirectionReceived && rec.Method == req.Method
}

// respond queues a response without waiting; a full outbox drops it and the
// relay redelivers.
func (d *Dispatcher) respond(resp *jsonrpc.Response) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		d.logger.Error("Dispatcher: cannot encode acknowledgement", "id", resp.ID, "error", err)
		return nil
	}
	d.mu.Lock()
	epoch := d.epoch
	d.mu.Unlock()

	select {
	case d.outbox <- &outbound{data: data, epoch: epoch}:
	default:
		d.logger.Warn("Dispatcher: outbox full, dropping acknowledgement", "id", resp.ID)
	}
	return data
}

// Close fails every pending call with ErrClosed and stops the writer.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.sock = nil
	calls := d.collect(func(*call) bool { return true })
	d.mu.Unlock()

	d.cancel()
	d.failAll(calls, ErrClosed)
	d.wg.Wait()
	d.requests.Close()
}
