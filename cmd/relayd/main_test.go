package main

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/lightforgemedia/go-relayclient/pkg/client"
	"github.com/lightforgemedia/go-relayclient/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config {
	return config{
		addr:            "127.0.0.1:0",
		requireAuth:     true,
		pingInterval:    0,
		writeTimeout:    time.Second,
		sendBuffer:      16,
		mailboxSize:     10,
		shutdownTimeout: 2 * time.Second,
		logLevel:        "debug",
	}
}

func startRelay(t *testing.T) (string, context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	addrCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- serve(ctx, testConfig(), testutil.DefaultLogger, func(addr string) { addrCh <- addr })
	}()
	addr, err := testutil.Receive(t, addrCh, 2*time.Second)
	require.NoError(t, err)
	return addr, cancel, errCh
}

func TestServeHealthAndShutdown(t *testing.T) {
	addr, cancel, errCh := startRelay(t)

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "OK\n", string(body))

	cancel()
	err, recvErr := testutil.Receive(t, errCh, 5*time.Second)
	require.NoError(t, recvErr)
	assert.NoError(t, err)
}

func TestServeRelaysBetweenClients(t *testing.T) {
	addr, cancel, errCh := startRelay(t)
	defer func() {
		cancel()
		<-errCh
	}()

	newClient := func() *client.Client {
		c, err := client.New(testutil.TestProjectID,
			client.WithLogger(testutil.DefaultLogger),
			client.WithRelay("ws", addr),
			client.WithRequestTimeout(2*time.Second),
		)
		require.NoError(t, err)
		t.Cleanup(c.Close)
		require.NoError(t, c.Connect(context.Background()))
		return c
	}
	sub, pub := newClient(), newClient()

	const topic = "cafe01"
	msgs := sub.Messages(topic)
	defer msgs.Close()

	ctx, ctxCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer ctxCancel()
	_, err := sub.Subscribe(ctx, topic)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, topic, "hi", client.PublishOptions{}))

	msg, err := testutil.Receive(t, msgs.C, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Message)
}

func TestRootCmdReadsEnvironment(t *testing.T) {
	t.Setenv("RELAY_LOG_LEVEL", "nonsense")
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--addr", "127.0.0.1:0"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}
