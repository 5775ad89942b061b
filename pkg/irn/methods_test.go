package irn

import (
	"testing"
	"time"

	"github.com/lightforgemedia/go-relayclient/pkg/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTopic(t *testing.T) {
	assert.NoError(t, ValidateTopic("ab12"))
	assert.NoError(t, ValidateTopic("0xAB12"))
	assert.ErrorIs(t, ValidateTopic(""), ErrInvalidTopic)
	assert.ErrorIs(t, ValidateTopic("0x"), ErrInvalidTopic)
	assert.ErrorIs(t, ValidateTopic("abc"), ErrInvalidTopic)
	assert.ErrorIs(t, ValidateTopic("zz"), ErrInvalidTopic)
}

func TestTTLSeconds(t *testing.T) {
	secs, err := TTLSeconds(0)
	require.NoError(t, err)
	assert.Equal(t, int64(21600), secs)

	secs, err = TTLSeconds(5 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(300), secs)

	_, err = TTLSeconds(500 * time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidTTL)
}

func TestTopicOf(t *testing.T) {
	pub, err := jsonrpc.NewRequest(1, MethodPublish, PublishParams{Topic: "aa", Message: "m", TTL: 300})
	require.NoError(t, err)
	assert.Equal(t, "aa", TopicOf(pub))

	sub, err := jsonrpc.NewRequest(2, MethodSubscription, SubscriptionParams{ID: "s", Data: SubscriptionData{Topic: "bb"}})
	require.NoError(t, err)
	assert.Equal(t, "bb", TopicOf(sub))

	batch, err := jsonrpc.NewRequest(3, MethodBatchSubscribe, BatchSubscribeParams{Topics: []string{"cc"}})
	require.NoError(t, err)
	assert.Equal(t, "", TopicOf(batch))
}
