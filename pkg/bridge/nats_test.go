package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/lightforgemedia/go-relayclient/pkg/irn"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isNATSServerRunning checks if a NATS server is running on the default URL.
func isNATSServerRunning() bool {
	nc, err := nats.Connect(nats.DefaultURL)
	if err != nil {
		return false
	}
	nc.Close()
	return true
}

func TestNATSSinkInvalidURL(t *testing.T) {
	_, err := NewNATSSink(NATSOptions{URL: "invalid-url"})
	assert.Error(t, err)
}

func TestNATSSinkPublishes(t *testing.T) {
	if !isNATSServerRunning() {
		t.Skip("Skipping test because no NATS server is running")
	}

	sink, err := NewNATSSink(NATSOptions{SubjectPrefix: "relaytest"})
	require.NoError(t, err)
	defer sink.Close()
	assert.Equal(t, "relaytest.abcd", sink.Subject("abcd"))

	nc, err := nats.Connect(nats.DefaultURL)
	require.NoError(t, err)
	defer nc.Close()
	msgs := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("relaytest.>", msgs)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	want := irn.SubscriptionData{Topic: "abcd", Message: "hello", PublishedAt: 1700000000000, Tag: 1100}
	require.NoError(t, sink.Deliver(context.Background(), want))

	select {
	case m := <-msgs:
		assert.Equal(t, "relaytest.abcd", m.Subject)
		var got irn.SubscriptionData
		require.NoError(t, json.Unmarshal(m.Data, &got))
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for NATS message")
	}

	assert.Error(t, sink.Deliver(context.Background(), irn.SubscriptionData{Message: "no topic"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sink.Deliver(ctx, want), context.Canceled)
}
