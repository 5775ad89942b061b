// Package sockettest provides an in-memory socket.Socket for tests.
package sockettest

import (
	"context"
	"net/http"
	"sync"

	"github.com/lightforgemedia/go-relayclient/pkg/jsonrpc"
	"github.com/lightforgemedia/go-relayclient/pkg/socket"
)

// Responder computes the frames the fake relay sends back for one written
// frame. Returning nil sends nothing.
type Responder func(written []byte) [][]byte

// Socket records writes and lets the test drive lifecycle callbacks.
type Socket struct {
	URL    string
	Header http.Header

	mu          sync.Mutex
	cb          socket.Callbacks
	connected   bool
	connectErr  error
	writeErr    error
	respond     Responder
	writes      [][]byte
	connects    int
	disconnects int
	written     chan []byte
}

func New() *Socket {
	return &Socket{written: make(chan []byte, 256)}
}

func (s *Socket) SetCallbacks(cb socket.Callbacks) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

// FailConnect makes subsequent Connect calls fail with err.
func (s *Socket) FailConnect(err error) {
	s.mu.Lock()
	s.connectErr = err
	s.mu.Unlock()
}

// FailWrites makes subsequent Write calls fail with err.
func (s *Socket) FailWrites(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

// SetResponder installs an automatic relay.
func (s *Socket) SetResponder(r Responder) {
	s.mu.Lock()
	s.respond = r
	s.mu.Unlock()
}

func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if err := s.connectErr; err != nil {
		cb := s.cb
		s.mu.Unlock()
		if cb.OnDisconnect != nil {
			cb.OnDisconnect(err)
		}
		return err
	}
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = true
	s.connects++
	cb := s.cb
	s.mu.Unlock()

	if cb.OnConnect != nil {
		cb.OnConnect()
	}
	return nil
}

func (s *Socket) Disconnect() error {
	s.close(nil)
	return nil
}

// Drop simulates the relay terminating the connection.
func (s *Socket) Drop(err error) {
	s.close(err)
}

func (s *Socket) close(err error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	s.disconnects++
	cb := s.cb
	s.mu.Unlock()

	if cb.OnDisconnect != nil {
		cb.OnDisconnect(err)
	}
}

func (s *Socket) Write(ctx context.Context, data []byte) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return socket.ErrNotConnected
	}
	if s.writeErr != nil {
		err := s.writeErr
		s.mu.Unlock()
		return err
	}
	frame := append([]byte(nil), data...)
	s.writes = append(s.writes, frame)
	respond := s.respond
	s.mu.Unlock()

	select {
	case s.written <- frame:
	default:
	}
	if respond != nil {
		if replies := respond(frame); len(replies) > 0 {
			go func() {
				for _, r := range replies {
					s.Deliver(r)
				}
			}()
		}
	}
	return nil
}

// Deliver hands data to OnText as if the relay sent it.
func (s *Socket) Deliver(data []byte) {
	s.mu.Lock()
	cb := s.cb
	connected := s.connected
	s.mu.Unlock()
	if connected && cb.OnText != nil {
		cb.OnText(data)
	}
}

// Written is fed every successful write (best effort, buffered).
func (s *Socket) Written() <-chan []byte { return s.written }

func (s *Socket) Writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

func (s *Socket) WriteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

// Requests decodes every written frame that is a request.
func (s *Socket) Requests() []*jsonrpc.Request {
	var out []*jsonrpc.Request
	for _, w := range s.Writes() {
		if f, err := jsonrpc.Decode(w); err == nil && f.IsRequest() {
			out = append(out, f.Request)
		}
	}
	return out
}

// Responses decodes every written frame that is a response (acks).
func (s *Socket) Responses() []*jsonrpc.Response {
	var out []*jsonrpc.Response
	for _, w := range s.Writes() {
		if f, err := jsonrpc.Decode(w); err == nil && !f.IsRequest() {
			out = append(out, f.Response)
		}
	}
	return out
}

func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Socket) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func (s *Socket) Disconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

// Factory hands out fake sockets and remembers them.
type Factory struct {
	mu        sync.Mutex
	sockets   []*Socket
	configure func(*Socket)
}

// NewFactory returns a factory that runs configure on every new socket.
func NewFactory(configure func(*Socket)) *Factory {
	return &Factory{configure: configure}
}

// SetConfigure replaces the hook applied to sockets created from now on.
func (f *Factory) SetConfigure(configure func(*Socket)) {
	f.mu.Lock()
	f.configure = configure
	f.mu.Unlock()
}

func (f *Factory) Create(url string, header http.Header) socket.Socket {
	s := New()
	s.URL = url
	s.Header = header

	f.mu.Lock()
	configure := f.configure
	f.sockets = append(f.sockets, s)
	f.mu.Unlock()

	if configure != nil {
		configure(s)
	}
	return s
}

func (f *Factory) Sockets() []*Socket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Socket(nil), f.sockets...)
}

func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sockets)
}

// Last returns the most recently created socket, or nil.
func (f *Factory) Last() *Socket {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sockets) == 0 {
		return nil
	}
	return f.sockets[len(f.sockets)-1]
}

// EchoResponder answers every request with the given result and ignores
// responses (acks).
func EchoResponder(result interface{}) Responder {
	return func(written []byte) [][]byte {
		f, err := jsonrpc.Decode(written)
		if err != nil || !f.IsRequest() {
			return nil
		}
		resp, err := jsonrpc.NewResult(f.Request.ID, result)
		if err != nil {
			return nil
		}
		return [][]byte{Marshal(resp)}
	}
}
