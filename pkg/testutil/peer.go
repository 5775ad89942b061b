package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-relayclient/pkg/auth"
	"github.com/lightforgemedia/go-relayclient/pkg/jsonrpc"
	"github.com/lightforgemedia/go-relayclient/pkg/storage"
)

// Peer is a bare relay connection speaking raw JSON-RPC frames. Responses are
// matched to calls by id; server requests are queued on Requests.
type Peer struct {
	T        *testing.T
	Conn     *websocket.Conn
	ClientID string
	Requests chan *jsonrpc.Request

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	waiting map[jsonrpc.ID]chan *jsonrpc.Response
}

// NewPeer dials rawURL. With authenticate set it presents a bearer token for a
// freshly generated identity.
func NewPeer(t *testing.T, rawURL string, authenticate bool) (*Peer, error) {
	t.Helper()

	header := http.Header{}
	var clientID string
	if authenticate {
		a := auth.NewAuthenticator(storage.NewMemoryKeychain(), auth.WithLogger(DefaultLogger))
		token, err := a.CreateAuthToken(rawURL)
		if err != nil {
			return nil, err
		}
		clientID, _ = a.ClientID()
		header.Set("Authorization", "Bearer "+token)
	}
	header.Set("User-Agent", "testutil-peer")

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, rawURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		T:        t,
		Conn:     conn,
		ClientID: clientID,
		Requests: make(chan *jsonrpc.Request, 64),
		ctx:      ctx,
		cancel:   cancel,
		waiting:  make(map[jsonrpc.ID]chan *jsonrpc.Response),
	}
	go p.readLoop()
	t.Cleanup(p.Close)
	return p, nil
}

func (p *Peer) readLoop() {
	defer close(p.Requests)
	for {
		_, data, err := p.Conn.Read(p.ctx)
		if err != nil {
			return
		}
		frame, err := jsonrpc.Decode(data)
		if err != nil {
			p.T.Logf("Peer: dropping frame: %v", err)
			continue
		}
		if frame.IsRequest() {
			select {
			case p.Requests <- frame.Request:
			case <-p.ctx.Done():
				return
			}
			continue
		}
		p.mu.Lock()
		ch := p.waiting[frame.Response.ID]
		delete(p.waiting, frame.Response.ID)
		p.mu.Unlock()
		if ch != nil {
			ch <- frame.Response
		}
	}
}

// Write sends v as one text frame.
func (p *Peer) Write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
	defer cancel()
	return p.Conn.Write(ctx, websocket.MessageText, data)
}

// Call sends a request and waits for the response with the same id.
func (p *Peer) Call(method string, params interface{}, timeout time.Duration) (*jsonrpc.Response, error) {
	req, err := jsonrpc.NewRequest(jsonrpc.NextID(), method, params)
	if err != nil {
		return nil, err
	}
	ch := make(chan *jsonrpc.Response, 1)
	p.mu.Lock()
	p.waiting[req.ID] = ch
	p.mu.Unlock()

	if err := p.Write(req); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(timeout):
		p.mu.Lock()
		delete(p.waiting, req.ID)
		p.mu.Unlock()
		return nil, fmt.Errorf("no response to %s %s within %v", method, req.ID, timeout)
	}
}

// Ack answers a server request with result true.
func (p *Peer) Ack(req *jsonrpc.Request) error {
	resp, err := jsonrpc.NewResult(req.ID, true)
	if err != nil {
		return err
	}
	return p.Write(resp)
}

func (p *Peer) Close() {
	p.Conn.Close(websocket.StatusNormalClosure, "peer closing")
	p.cancel()
}
