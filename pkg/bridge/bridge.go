// Package bridge forwards relay messages received by a client to other
// destinations, such as NATS subjects or a line-oriented writer.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/lightforgemedia/go-relayclient/pkg/events"
	"github.com/lightforgemedia/go-relayclient/pkg/irn"
)

// Sink receives relay messages.
type Sink interface {
	Deliver(ctx context.Context, msg irn.SubscriptionData) error
	Close() error
}

// Run forwards every value from sub to all sinks until ctx is done or sub is
// closed. A failing sink is logged and does not stop the others.
func Run(ctx context.Context, logger *slog.Logger, sub *events.Subscription[irn.SubscriptionData], sinks ...Sink) {
	if logger == nil {
		logger = slog.Default()
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			for _, sink := range sinks {
				if err := sink.Deliver(ctx, msg); err != nil {
					logger.Error(fmt.Sprintf("Bridge: deliver on topic %s failed", msg.Topic), "error", err)
				}
			}
		}
	}
}

// CloseAll closes every sink and returns the combined error.
func CloseAll(sinks ...Sink) error {
	var errs *multierror.Error
	for _, sink := range sinks {
		if err := sink.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// WriterSink writes each message as one JSON line.
type WriterSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{enc: json.NewEncoder(w)}
}

func (s *WriterSink) Deliver(ctx context.Context, msg irn.SubscriptionData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(msg)
}

func (s *WriterSink) Close() error { return nil }
