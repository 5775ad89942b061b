// pkg/connection/state.go
package connection

import (
	"context"
	"log/slog"
	"time"

	"github.com/lightforgemedia/go-relayclient/pkg/events"
	"github.com/lightforgemedia/go-relayclient/pkg/socket"
)

// State is the connection lifecycle state owned by a Handler.
type State int

const (
	// StateIdle is the resting state before the first Connect and after an
	// explicit Disconnect.
	StateIdle State = iota
	StateConnecting
	StateConnected
	// StateDisconnected follows an unexpected loss or a failed attempt.
	StateDisconnected
	// StateReconnecting is a pending retry of the automatic strategy.
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// EventKind classifies handler events.
type EventKind int

const (
	EventStateChanged EventKind = iota + 1
	// EventConnectionLost is published by the manual strategy when the socket
	// drops without a Disconnect.
	EventConnectionLost
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventConnectionLost:
		return "connection_lost"
	default:
		return "unknown"
	}
}

// Event is published on every state transition.
type Event struct {
	Kind  EventKind
	State State
	Epoch uint64
	Err   error
	// LostTopics is the topic snapshot taken when the connection was lost.
	LostTopics []string
}

// Handler owns connect and disconnect decisions for one client. Automatic
// and Manual differ only in what happens after a loss.
type Handler interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	HandleNetworkChange(available bool)
	// HandleWriteFailure degrades the connection of epoch to disconnected.
	HandleWriteFailure(epoch uint64, err error)
	State() State
	Epoch() uint64
	Events() *events.Subscription[Event]
	Close()
}

// Target receives the active socket. The dispatcher implements it.
type Target interface {
	Attach(sock socket.Socket, epoch uint64) error
	Detach(epoch uint64)
	HandleFrame(data []byte)
}

// TokenIssuer mints the bearer token for one socket.
type TokenIssuer interface {
	CreateAuthToken(audience string) (string, error)
}

// URLBuilder builds the relay URL.
type URLBuilder interface {
	Create(bundleID string) (string, error)
}

// TopicSource is the set of topics the client wants to stay subscribed to.
type TopicSource interface {
	All() []string
}

// Backoff configures the automatic strategy's retry schedule.
type Backoff struct {
	InitialInterval     time.Duration
	Multiplier          float64
	MaxInterval         time.Duration
	RandomizationFactor float64
	// MaxElapsedTime stops a retry loop; zero retries until stopped.
	MaxElapsedTime time.Duration
}

// DefaultBackoff returns the retry schedule used when none is configured.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialInterval:     800 * time.Millisecond,
		Multiplier:          1.5,
		MaxInterval:         30 * time.Second,
		RandomizationFactor: 0.5,
	}
}

const defaultConnectTimeout = 15 * time.Second

// Config wires a Handler to its collaborators. Tokens, URLs, Sockets and
// Target are required.
type Config struct {
	Logger *slog.Logger

	Tokens    TokenIssuer
	URLs      URLBuilder
	BundleID  string
	UserAgent string
	Sockets   socket.Factory
	Target    Target

	// Status observes every socket; one is created when nil.
	Status *socket.StatusProvider
	Topics TopicSource

	// OnConnected runs on its own goroutine after every successful connect.
	// ctx is cancelled when the handler closes.
	OnConnected func(ctx context.Context, epoch uint64)

	ConnectTimeout time.Duration
	Backoff        Backoff
}
