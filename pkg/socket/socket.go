// Package socket is the WebSocket boundary of the relay client. A Socket is
// built for one URL and header set; the connection handler creates a fresh
// one, with a fresh auth token, for every connection attempt.
package socket

import (
	"context"
	"errors"
	"net/http"
)

var ErrNotConnected = errors.New("socket: not connected")

// Callbacks receive socket lifecycle and inbound text. OnDisconnect is called
// with nil after a local Disconnect and with the cause otherwise; it is also
// called when Connect fails.
type Callbacks struct {
	OnConnect    func()
	OnDisconnect func(err error)
	OnText       func(data []byte)
}

// Socket is a text-frame WebSocket.
type Socket interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Write(ctx context.Context, data []byte) error
	SetCallbacks(cb Callbacks)
}

// Factory builds sockets.
type Factory interface {
	Create(url string, header http.Header) Socket
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(url string, header http.Header) Socket

func (f FactoryFunc) Create(url string, header http.Header) Socket { return f(url, header) }
