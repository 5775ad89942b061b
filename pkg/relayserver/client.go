// pkg/relayserver/client.go
package relayserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/lightforgemedia/go-relayclient/pkg/events"
	"github.com/lightforgemedia/go-relayclient/pkg/irn"
	"github.com/lightforgemedia/go-relayclient/pkg/jsonrpc"
)

const maxDroppedMessages = 3

type subscription struct {
	id    string
	topic string
	feed  *events.Subscription[irn.SubscriptionData]
}

// managedClient is one relay connection.
type managedClient struct {
	id        string // connection id
	clientID  string // did:key from the auth token
	userAgent string
	conn      *websocket.Conn
	server    *Server
	send      chan []byte
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	subsMu sync.Mutex
	subs   map[string]*subscription // subscription id -> subscription

	droppedMu       sync.Mutex
	droppedMessages int
}

func (mc *managedClient) readPump() {
	defer mc.server.removeClient(mc)
	mc.conn.SetReadLimit(1024 * 1024)

	for {
		typ, data, err := mc.conn.Read(mc.ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if errors.Is(err, context.Canceled) || status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				mc.logger.Info(fmt.Sprintf("Relay: Client %s readPump closing gracefully: %v", mc.id, err))
			} else {
				mc.logger.Info(fmt.Sprintf("Relay: Client %s read error in readPump: %v (status: %d)", mc.id, err, status))
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		frame, err := jsonrpc.Decode(data)
		if err != nil {
			mc.logger.Info(fmt.Sprintf("Relay: Client %s sent an invalid frame: %v", mc.id, err))
			continue
		}
		if !frame.IsRequest() {
			mc.server.countAck(frame.Response.ID)
			continue
		}
		// Requests are handled in arrival order.
		mc.handleRequest(frame.Request)
	}
}

func (mc *managedClient) handleRequest(req *jsonrpc.Request) {
	if mc.server.countMethod(req.Method) {
		mc.logger.Debug("Relay: swallowing request", "client", mc.id, "method", req.Method, "id", req.ID)
		return
	}

	result, rpcErr := mc.route(req)
	if rpcErr != nil {
		mc.logger.Info(fmt.Sprintf("Relay: Client %s %s %s failed: %s", mc.id, req.Method, req.ID, rpcErr.Message))
		mc.trySend(&jsonrpc.Response{ID: req.ID, JSONRPC: jsonrpc.Version, Error: rpcErr})
		return
	}
	resp, err := jsonrpc.NewResult(req.ID, result)
	if err != nil {
		mc.trySend(jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInternalError, err.Error()))
		return
	}
	mc.trySend(resp)
}

func invalidParams(err error) *jsonrpc.Error {
	return &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: err.Error()}
}

func (mc *managedClient) route(req *jsonrpc.Request) (interface{}, *jsonrpc.Error) {
	switch req.Method {
	case irn.MethodPublish:
		var p irn.PublishParams
		if err := req.DecodeParams(&p); err != nil {
			return nil, invalidParams(err)
		}
		if p.TTL < int64(irn.MinTTL/time.Second) {
			return nil, invalidParams(fmt.Errorf("%w: %d", irn.ErrInvalidTTL, p.TTL))
		}
		if err := mc.server.Publish(p.Topic, p.Message, p.Tag); err != nil {
			return nil, invalidParams(err)
		}
		mc.logger.Info(fmt.Sprintf("Relay: Client %s published on topic '%s' (tag %d)", mc.id, p.Topic, p.Tag))
		return true, nil

	case irn.MethodSubscribe:
		var p irn.SubscribeParams
		if err := req.DecodeParams(&p); err != nil {
			return nil, invalidParams(err)
		}
		if err := irn.ValidateTopic(p.Topic); err != nil {
			return nil, invalidParams(err)
		}
		return mc.subscribe(p.Topic), nil

	case irn.MethodUnsubscribe:
		var p irn.UnsubscribeParams
		if err := req.DecodeParams(&p); err != nil {
			return nil, invalidParams(err)
		}
		mc.unsubscribe(p.Topic, p.ID)
		return true, nil

	case irn.MethodBatchSubscribe:
		var p irn.BatchSubscribeParams
		if err := req.DecodeParams(&p); err != nil {
			return nil, invalidParams(err)
		}
		for _, topic := range p.Topics {
			if err := irn.ValidateTopic(topic); err != nil {
				return nil, invalidParams(err)
			}
		}
		ids := make([]string, 0, len(p.Topics))
		for _, topic := range p.Topics {
			ids = append(ids, mc.subscribe(topic))
		}
		return ids, nil

	case irn.MethodBatchUnsubscribe:
		var p irn.BatchUnsubscribeParams
		if err := req.DecodeParams(&p); err != nil {
			return nil, invalidParams(err)
		}
		for _, u := range p.Subscriptions {
			mc.unsubscribe(u.Topic, u.ID)
		}
		return true, nil

	case irn.MethodBatchFetchMessages:
		var p irn.BatchFetchMessagesParams
		if err := req.DecodeParams(&p); err != nil {
			return nil, invalidParams(err)
		}
		msgs := mc.server.fetchMessages(p.Topics)
		if msgs == nil {
			msgs = []irn.SubscriptionData{}
		}
		return irn.BatchFetchMessagesResult{Messages: msgs}, nil

	default:
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "unknown method: " + req.Method}
	}
}

// subscribe is idempotent per connection and topic.
func (mc *managedClient) subscribe(topic string) string {
	mc.subsMu.Lock()
	defer mc.subsMu.Unlock()
	for _, sub := range mc.subs {
		if sub.topic == topic {
			return sub.id
		}
	}

	sub := &subscription{
		id:    uuid.NewString(),
		topic: topic,
		feed:  mc.server.bus.Subscribe(topic),
	}
	mc.subs[sub.id] = sub
	mc.server.trackSubscription(topic, 1)
	go mc.forward(sub)

	mc.logger.Info(fmt.Sprintf("Relay: Client %s subscribed to topic '%s' as %s", mc.id, topic, sub.id))
	return sub.id
}

// unsubscribe removes the subscription named by id, or the one on topic when
// id is empty.
func (mc *managedClient) unsubscribe(topic, id string) {
	mc.subsMu.Lock()
	sub, ok := mc.subs[id]
	if !ok && id == "" {
		for _, s := range mc.subs {
			if s.topic == topic {
				sub, ok = s, true
				break
			}
		}
	}
	if ok {
		delete(mc.subs, sub.id)
	}
	mc.subsMu.Unlock()

	if !ok {
		mc.logger.Info(fmt.Sprintf("Relay: Client %s unsubscribed unknown subscription '%s' on topic '%s'", mc.id, id, topic))
		return
	}
	sub.feed.Close()
	mc.server.trackSubscription(sub.topic, -1)
	mc.logger.Info(fmt.Sprintf("Relay: Client %s unsubscribed from topic '%s'", mc.id, sub.topic))
}

func (mc *managedClient) subscriptionsFor(topic string) []*subscription {
	mc.subsMu.Lock()
	defer mc.subsMu.Unlock()
	var out []*subscription
	for _, sub := range mc.subs {
		if sub.topic == topic {
			out = append(out, sub)
		}
	}
	return out
}

func (mc *managedClient) closeSubscriptions() {
	mc.subsMu.Lock()
	subs := mc.subs
	mc.subs = make(map[string]*subscription)
	mc.subsMu.Unlock()
	for _, sub := range subs {
		sub.feed.Close()
		mc.server.trackSubscription(sub.topic, -1)
	}
}

func (mc *managedClient) forward(sub *subscription) {
	for data := range sub.feed.C {
		mc.deliver(sub.id, data, 0)
	}
}

// deliver pushes data as irn_subscription. A zero id gets a fresh one.
func (mc *managedClient) deliver(subID string, data irn.SubscriptionData, id jsonrpc.ID) {
	if id == 0 {
		id = mc.server.ids.Next()
	}
	req, err := jsonrpc.NewRequest(id, irn.MethodSubscription, irn.SubscriptionParams{ID: subID, Data: data})
	if err != nil {
		mc.logger.Info(fmt.Sprintf("Relay: Failed to build delivery for client %s: %v", mc.id, err))
		return
	}
	mc.trySend(req)
}

// trySend queues v without blocking. A client that keeps its queue full is
// disconnected.
func (mc *managedClient) trySend(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		mc.logger.Info(fmt.Sprintf("Relay: Failed to encode frame for client %s: %v", mc.id, err))
		return
	}

	select {
	case mc.send <- data:
	case <-mc.ctx.Done():
	default:
		mc.droppedMu.Lock()
		mc.droppedMessages++
		dropped := mc.droppedMessages
		mc.droppedMu.Unlock()

		mc.logger.Info(fmt.Sprintf("Relay: Client %s send channel full, dropped %d frames", mc.id, dropped))
		if dropped >= maxDroppedMessages {
			mc.logger.Info(fmt.Sprintf("Relay: Client %s dropped %d messages, disconnecting slow client.", mc.id, dropped))
			mc.conn.Close(websocket.StatusPolicyViolation, "too many dropped messages")
			go mc.server.removeClient(mc)
		}
	}
}

func (mc *managedClient) writePump() {
	defer mc.logger.Debug("Relay: writePump stopping", "client", mc.id)
	for {
		select {
		case data := <-mc.send:
			writeCtx, cancel := context.WithTimeout(mc.ctx, mc.server.config.writeTimeout)
			err := mc.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				mc.logger.Info(fmt.Sprintf("Relay: Client %s write error in writePump: %v. Closing connection.", mc.id, err))
				mc.conn.CloseNow()
				return
			}
		case <-mc.ctx.Done():
			return
		}
	}
}

func (mc *managedClient) pingLoop() {
	interval := mc.server.config.pingInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(mc.ctx, interval/2)
			err := mc.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if mc.ctx.Err() != nil {
					return
				}
				mc.logger.Info(fmt.Sprintf("Relay: Client %s ping failed: %v. Closing connection.", mc.id, err))
				mc.conn.Close(websocket.StatusPolicyViolation, "ping failure")
				return
			}
		case <-mc.ctx.Done():
			return
		}
	}
}
