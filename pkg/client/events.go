package client

// SubscriptionEventKind classifies a subscription lifecycle event.
type SubscriptionEventKind int

const (
	// SubscriptionCreated follows a successful Subscribe or BatchSubscribe.
	SubscriptionCreated SubscriptionEventKind = iota + 1
	// SubscriptionResubscribed follows resubscription on a new connection.
	SubscriptionResubscribed
	// SubscriptionRemoved follows a successful Unsubscribe.
	SubscriptionRemoved
)

func (k SubscriptionEventKind) String() string {
	switch k {
	case SubscriptionCreated:
		return "subscribed"
	case SubscriptionResubscribed:
		return "resubscribed"
	case SubscriptionRemoved:
		return "unsubscribed"
	default:
		return "unknown"
	}
}

// SubscriptionEvent reports a change to a relay subscription.
type SubscriptionEvent struct {
	Kind  SubscriptionEventKind
	Topic string
	ID    string
	Epoch uint64
}
