// irn/methods.go
package irn

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lightforgemedia/go-relayclient/pkg/jsonrpc"
)

// Relay method names - used by both the client and the development relay.
const (
	MethodPublish            = "irn_publish"
	MethodSubscribe          = "irn_subscribe"
	MethodUnsubscribe        = "irn_unsubscribe"
	MethodSubscription       = "irn_subscription" // relay pushes this to the client
	MethodBatchSubscribe     = "irn_batchSubscribe"
	MethodBatchUnsubscribe   = "irn_batchUnsubscribe"
	MethodBatchFetchMessages = "irn_batchFetchMessages"
)

const (
	// DefaultTTL is applied to publishes that do not set one.
	DefaultTTL = 6 * time.Hour
	// MinTTL is the smallest TTL the relay accepts.
	MinTTL = time.Second
)

var (
	ErrInvalidTopic = errors.New("irn: invalid topic")
	ErrInvalidTTL   = errors.New("irn: invalid ttl")
)

// --- Params ---

// PublishParams is the payload of irn_publish. TTL is in seconds.
type PublishParams struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
	TTL     int64  `json:"ttl"`
	Tag     int    `json:"tag"`
	Prompt  bool   `json:"prompt,omitempty"`
}

// SubscribeParams is the payload of irn_subscribe. The result is the relay's
// subscription id.
type SubscribeParams struct {
	Topic string `json:"topic"`
}

// UnsubscribeParams is the payload of irn_unsubscribe.
type UnsubscribeParams struct {
	Topic string `json:"topic"`
	ID    string `json:"id"`
}

// SubscriptionParams is what the relay pushes with irn_subscription.
type SubscriptionParams struct {
	ID   string           `json:"id"`
	Data SubscriptionData `json:"data"`
}

// SubscriptionData is one message delivered on a topic. PublishedAt is in
// unix milliseconds.
type SubscriptionData struct {
	Topic       string `json:"topic"`
	Message     string `json:"message"`
	PublishedAt int64  `json:"publishedAt"`
	Tag         int    `json:"tag"`
}

type BatchSubscribeParams struct {
	Topics []string `json:"topics"`
}

type BatchUnsubscribeParams struct {
	Subscriptions []UnsubscribeParams `json:"subscriptions"`
}

type BatchFetchMessagesParams struct {
	Topics []string `json:"topics"`
}

type BatchFetchMessagesResult struct {
	Messages []SubscriptionData `json:"messages"`
	HasMore  bool               `json:"hasMore"`
}

// ValidateTopic accepts a non-empty hex string, optionally 0x-prefixed.
func ValidateTopic(topic string) error {
	body := strings.TrimPrefix(topic, "0x")
	if body == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	if len(body)%2 != 0 {
		return fmt.Errorf("%w: odd length %q", ErrInvalidTopic, topic)
	}
	if _, err := hex.DecodeString(body); err != nil {
		return fmt.Errorf("%w: %q is not hex", ErrInvalidTopic, topic)
	}
	return nil
}

// TTLSeconds converts a publish TTL to the wire unit, applying DefaultTTL to
// zero.
func TTLSeconds(ttl time.Duration) (int64, error) {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if ttl < MinTTL {
		return 0, fmt.Errorf("%w: %v is below %v", ErrInvalidTTL, ttl, MinTTL)
	}
	return int64(ttl / time.Second), nil
}

// TopicOf extracts the topic a request concerns, for history bookkeeping.
// It understands both flat params ({"topic":...}) and irn_subscription
// params ({"data":{"topic":...}}).
func TopicOf(req *jsonrpc.Request) string {
	var fields struct {
		Topic string `json:"topic"`
		Data  struct {
			Topic string `json:"topic"`
		} `json:"data"`
	}
	if err := req.DecodeParams(&fields); err != nil {
		return ""
	}
	if fields.Topic != "" {
		return fields.Topic
	}
	return fields.Data.Topic
}
