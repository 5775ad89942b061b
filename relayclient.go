// relayclient.go
//
// Package relayclient is a client for irn relays: authenticated WebSocket
// connections, topic subscriptions that survive reconnects, and JSON-RPC
// requests delivered at most once per id.
//
// The implementation lives under pkg/. This package re-exports the types most
// applications need.
package relayclient

import (
	"context"
	"time"

	"github.com/lightforgemedia/go-relayclient/pkg/client"
	"github.com/lightforgemedia/go-relayclient/pkg/connection"
	"github.com/lightforgemedia/go-relayclient/pkg/dispatcher"
	"github.com/lightforgemedia/go-relayclient/pkg/irn"
	"github.com/lightforgemedia/go-relayclient/pkg/jsonrpc"
	"github.com/lightforgemedia/go-relayclient/pkg/relayserver"
)

// Re-export core types
type (
	Client            = client.Client
	Options           = client.Options
	Option            = client.Option
	Strategy          = client.Strategy
	PublishOptions    = client.PublishOptions
	SubscriptionEvent = client.SubscriptionEvent
	Message           = irn.SubscriptionData
	Request           = jsonrpc.Request
	Response          = jsonrpc.Response
	ConnectionState   = connection.State
	NetworkSignal     = connection.NetworkSignal
	Relay             = relayserver.Server
)

const (
	StrategyAutomatic = client.StrategyAutomatic
	StrategyManual    = client.StrategyManual
)

// Re-export error types
var (
	ErrClosed           = client.ErrClosed
	ErrTimeout          = dispatcher.ErrTimeout
	ErrConnectionClosed = dispatcher.ErrConnectionClosed
	ErrInvalidTopic     = irn.ErrInvalidTopic
	ErrInvalidTTL       = irn.ErrInvalidTTL
)

// Re-export client options
var (
	WithLogger             = client.WithLogger
	WithRelay              = client.WithRelay
	WithBundleID           = client.WithBundleID
	WithKeychain           = client.WithKeychain
	WithStore              = client.WithStore
	WithStrategy           = client.WithStrategy
	WithNetworkMonitor     = client.WithNetworkMonitor
	WithRequestTimeout     = client.WithRequestTimeout
	WithClientPingInterval = client.WithClientPingInterval
	WithBackoff            = client.WithBackoff
)

// New creates a client for projectID. It does not connect.
func New(projectID string, opts ...Option) (*Client, error) {
	return client.New(projectID, opts...)
}

// DefaultOptions returns default options for NewWithOptions.
func DefaultOptions() Options {
	return client.DefaultOptions()
}

// NewWithOptions creates a client from an Options struct.
func NewWithOptions(opts Options) (*Client, error) {
	return client.NewWithOptions(opts)
}

// Dial creates a client and connects it, bounded by timeout.
func Dial(ctx context.Context, projectID string, timeout time.Duration, opts ...Option) (*Client, error) {
	c, err := client.New(projectID, opts...)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// NewRequest builds a JSON-RPC request with a fresh id.
func NewRequest(method string, params interface{}) (*Request, error) {
	return jsonrpc.NewRequest(jsonrpc.NextID(), method, params)
}

// NewNetworkSignal returns a network monitor driven by SetAvailable.
func NewNetworkSignal() *NetworkSignal {
	return connection.NewNetworkSignal()
}

// NewRelay creates an in-process development relay.
func NewRelay(opts ...relayserver.Option) (*Relay, error) {
	return relayserver.New(opts...)
}
