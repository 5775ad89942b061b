package socket

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/lightforgemedia/go-relayclient/pkg/events"
)

// Kind classifies a socket status change.
type Kind int

const (
	KindConnected Kind = iota + 1
	KindDisconnected
	// KindConnectionFailed is a socket that closed before it ever opened.
	KindConnectionFailed
)

func (k Kind) String() string {
	switch k {
	case KindConnected:
		return "connected"
	case KindDisconnected:
		return "disconnected"
	case KindConnectionFailed:
		return "connection_failed"
	default:
		return "unknown"
	}
}

// ErrReplaced is the error of the Disconnected status published for an open
// socket when another socket is observed in its place.
var ErrReplaced = errors.New("socket: replaced by a new socket")

// Status is one transition of the observed socket.
type Status struct {
	Kind   Kind
	Err    error
	Socket Socket
}

// StatusProvider turns socket callbacks into a Status stream. It observes one
// socket at a time; callbacks from sockets it observed earlier are ignored.
// Consecutive statuses of the same kind are coalesced.
type StatusProvider struct {
	logger *slog.Logger
	feed   *events.Feed[Status]

	mu      sync.Mutex
	current Socket
	opened  bool
	last    Kind
}

func NewStatusProvider(logger *slog.Logger) *StatusProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusProvider{logger: logger, feed: events.NewFeed[Status](0)}
}

// Observe installs callbacks on s and makes it the observed socket. Inbound
// text from s is passed to onText while s is observed. If the previously
// observed socket is open and its close has not been reported yet, a
// Disconnected status is published for it first.
func (p *StatusProvider) Observe(s Socket, onText func([]byte)) {
	p.mu.Lock()
	prev := p.current
	closePrev := prev != nil && prev != s && p.opened && p.last == KindConnected
	if closePrev {
		p.last = KindDisconnected
	}
	p.current = s
	p.opened = false
	p.mu.Unlock()

	if closePrev {
		p.logger.Debug("StatusProvider: socket replaced while open")
		p.feed.Publish(Status{Kind: KindDisconnected, Err: ErrReplaced, Socket: prev})
	}

	s.SetCallbacks(Callbacks{
		OnConnect:    func() { p.report(s, KindConnected, nil) },
		OnDisconnect: func(err error) { p.report(s, KindDisconnected, err) },
		OnText: func(data []byte) {
			if onText != nil && p.observing(s) {
				onText(data)
			}
		},
	})
}

// Subscribe returns a live stream of statuses; nothing is replayed. Status
// publishing blocks while a subscriber's buffer is full, which stalls the
// observed socket's callbacks; keep reading or Close the subscription.
func (p *StatusProvider) Subscribe() *events.Subscription[Status] {
	return p.feed.Subscribe()
}

// Last returns the most recently published kind, zero before any event.
func (p *StatusProvider) Last() Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *StatusProvider) Close() { p.feed.Close() }

func (p *StatusProvider) observing(s Socket) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current == s
}

func (p *StatusProvider) report(s Socket, kind Kind, err error) {
	p.mu.Lock()
	if p.current != s {
		p.mu.Unlock()
		p.logger.Debug("StatusProvider: ignoring event from a replaced socket", "kind", kind)
		return
	}
	switch kind {
	case KindConnected:
		p.opened = true
	case KindDisconnected:
		if !p.opened {
			kind = KindConnectionFailed
		}
	}
	if kind == p.last {
		p.mu.Unlock()
		return
	}
	p.last = kind
	p.mu.Unlock()

	p.logger.Debug("StatusProvider: socket status", "kind", kind, "error", err)
	p.feed.Publish(Status{Kind: kind, Err: err, Socket: s})
}
