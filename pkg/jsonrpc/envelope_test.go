package jsonrpc

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequest(t *testing.T) {
	frame, err := Decode([]byte(`{"id":1700000000000123,"jsonrpc":"2.0","method":"irn_subscription","params":{"id":"abc"}}`))
	require.NoError(t, err)
	require.True(t, frame.IsRequest())
	assert.Equal(t, ID(1700000000000123), frame.Request.ID)
	assert.Equal(t, "irn_subscription", frame.Request.Method)

	var params struct {
		ID string `json:"id"`
	}
	require.NoError(t, frame.Request.DecodeParams(&params))
	assert.Equal(t, "abc", params.ID)
}

func TestDecodeResponse(t *testing.T) {
	frame, err := Decode([]byte(`{"id":7,"jsonrpc":"2.0","result":"sub-1"}`))
	require.NoError(t, err)
	require.False(t, frame.IsRequest())

	var result string
	require.NoError(t, frame.Response.DecodeResult(&result))
	assert.Equal(t, "sub-1", result)

	frame, err = Decode([]byte(`{"id":8,"jsonrpc":"2.0","error":{"code":-32600,"message":"bad"}}`))
	require.NoError(t, err)
	err = frame.Response.DecodeResult(&result)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32600, rpcErr.Code)
}

func TestDecodeInvalidFrames(t *testing.T) {
	cases := map[string]string{
		"not json":       `{"id":`,
		"wrong version":  `{"id":1,"jsonrpc":"1.0","result":true}`,
		"missing id":     `{"jsonrpc":"2.0","method":"irn_publish"}`,
		"no outcome":     `{"id":1,"jsonrpc":"2.0"}`,
		"request+result": `{"id":1,"jsonrpc":"2.0","method":"x","result":true}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.ErrorIs(t, err, ErrInvalidFrame)
		})
	}
}

func TestRequestWireShape(t *testing.T) {
	req, err := NewRequest(42, "irn_subscribe", map[string]string{"topic": "ab"})
	require.NoError(t, err)
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":42,"jsonrpc":"2.0","method":"irn_subscribe","params":{"topic":"ab"}}`, string(raw))

	resp, err := NewResult(42, true)
	require.NoError(t, err)
	raw, err = json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":42,"jsonrpc":"2.0","result":true}`, string(raw))
}

func TestIDGeneratorMonotonic(t *testing.T) {
	frozen := time.UnixMilli(1_700_000_000_000)
	g := &IDGenerator{now: func() time.Time { return frozen }}

	var mu sync.Mutex
	seen := make(map[ID]bool)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				id := g.Next()
				mu.Lock()
				assert.False(t, seen[id], "id %s issued twice", id)
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 4000)

	prev := g.Next()
	for i := 0; i < 100; i++ {
		next := g.Next()
		assert.Greater(t, int64(next), int64(prev))
		prev = next
	}
}
