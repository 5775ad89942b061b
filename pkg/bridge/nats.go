package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lightforgemedia/go-relayclient/pkg/irn"
	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is prepended to the topic to form the NATS subject.
const DefaultSubjectPrefix = "relay"

// NATSOptions contains configuration options for the NATS sink.
type NATSOptions struct {
	// URL is the NATS server URL. nats.DefaultURL when empty.
	URL string

	// SubjectPrefix is joined to the topic with a dot.
	SubjectPrefix string

	// ConnectionOptions are additional options for the NATS connection.
	ConnectionOptions []nats.Option
}

// NATSSink republishes relay messages on NATS subjects "<prefix>.<topic>".
type NATSSink struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSSink connects to NATS.
func NewNATSSink(opts NATSOptions) (*NATSSink, error) {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = DefaultSubjectPrefix
	}

	conn, err := nats.Connect(opts.URL, opts.ConnectionOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSSink{conn: conn, prefix: opts.SubjectPrefix}, nil
}

// Subject returns the NATS subject used for topic.
func (s *NATSSink) Subject(topic string) string {
	return s.prefix + "." + topic
}

// Deliver publishes msg as JSON.
func (s *NATSSink) Deliver(ctx context.Context, msg irn.SubscriptionData) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if msg.Topic == "" {
		return errors.New("message has no topic")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return s.conn.Publish(s.Subject(msg.Topic), data)
}

// Close flushes pending messages and closes the NATS connection.
func (s *NATSSink) Close() error {
	err := s.conn.Flush()
	s.conn.Close()
	if errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}
	return err
}
