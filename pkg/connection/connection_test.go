package connection_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightforgemedia/go-relayclient/pkg/connection"
	"github.com/lightforgemedia/go-relayclient/pkg/events"
	"github.com/lightforgemedia/go-relayclient/pkg/relayurl"
	"github.com/lightforgemedia/go-relayclient/pkg/socket"
	"github.com/lightforgemedia/go-relayclient/pkg/socket/sockettest"
	"github.com/lightforgemedia/go-relayclient/pkg/subscriptions"
	"github.com/lightforgemedia/go-relayclient/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	mu       sync.Mutex
	attached []uint64
	detached []uint64
	frames   int
}

func (f *fakeTarget) Attach(_ socket.Socket, epoch uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, epoch)
	return nil
}

func (f *fakeTarget) Detach(epoch uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, epoch)
}

func (f *fakeTarget) HandleFrame([]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames++
}

func (f *fakeTarget) Attached() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.attached...)
}

func (f *fakeTarget) Detached() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.detached...)
}

type tokenFunc func(audience string) (string, error)

func (f tokenFunc) CreateAuthToken(audience string) (string, error) { return f(audience) }

func staticTokens() connection.TokenIssuer {
	return tokenFunc(func(string) (string, error) { return "tok", nil })
}

type harness struct {
	target    *fakeTarget
	sockets   *sockettest.Factory
	topics    *subscriptions.Topics
	connected chan uint64
	cfg       connection.Config
}

func newHarness() *harness {
	h := &harness{
		target:    &fakeTarget{},
		sockets:   sockettest.NewFactory(nil),
		topics:    subscriptions.NewTopics(),
		connected: make(chan uint64, 16),
	}
	h.cfg = connection.Config{
		Logger:    testutil.DefaultLogger,
		Tokens:    staticTokens(),
		URLs:      relayurl.Factory{Scheme: "ws", Host: "relay.test", ProjectID: "p1"},
		UserAgent: "wc-2/go-relayclient-1.0.0/test",
		Sockets:   h.sockets,
		Target:    h.target,
		Topics:    h.topics,
		OnConnected: func(_ context.Context, epoch uint64) {
			h.connected <- epoch
		},
		Backoff: connection.Backoff{
			InitialInterval:     10 * time.Millisecond,
			Multiplier:          2,
			MaxInterval:         40 * time.Millisecond,
			RandomizationFactor: 0.1,
		},
	}
	return h
}

func (h *harness) waitConnected(t *testing.T, epoch uint64) {
	t.Helper()
	select {
	case got := <-h.connected:
		require.Equal(t, epoch, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("no connection for epoch %d", epoch)
	}
}

func TestManualConnectBuildsAuthenticatedSocket(t *testing.T) {
	h := newHarness()
	m, err := connection.NewManual(h.cfg)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	h.waitConnected(t, 1)

	assert.Equal(t, connection.StateConnected, m.State())
	assert.EqualValues(t, 1, m.Epoch())
	assert.Equal(t, []uint64{1}, h.target.Attached())

	sock := h.sockets.Last()
	require.NotNil(t, sock)
	assert.Equal(t, "Bearer tok", sock.Header.Get("Authorization"))
	assert.Equal(t, "wc-2/go-relayclient-1.0.0/test", sock.Header.Get("User-Agent"))
	assert.True(t, strings.HasPrefix(sock.URL, "ws://relay.test/?"))
}

func TestManualNeverReconnectsOnItsOwn(t *testing.T) {
	h := newHarness()
	h.topics.Add("aa")
	h.topics.Add("bb")
	m, err := connection.NewManual(h.cfg)
	require.NoError(t, err)
	defer m.Close()
	evs := m.Events()
	defer evs.Close()

	for round := uint64(1); round <= 3; round++ {
		require.NoError(t, m.Connect(context.Background()))
		h.waitConnected(t, round)

		h.sockets.Last().Drop(errors.New("relay went away"))

		ev := waitEvent(t, evs, func(ev connection.Event) bool { return ev.Kind == connection.EventConnectionLost })
		assert.Equal(t, round, ev.Epoch)
		assert.Equal(t, []string{"aa", "bb"}, ev.LostTopics)
		assert.Equal(t, []string{"aa", "bb"}, m.LostTopics())

		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, connection.StateDisconnected, m.State())
		assert.Equal(t, int(round), h.sockets.Count(), "no socket is created without Connect")
	}
	assert.Equal(t, []uint64{1, 2, 3}, h.target.Detached())
}

func TestManualIgnoresNetworkSignals(t *testing.T) {
	h := newHarness()
	m, err := connection.NewManual(h.cfg)
	require.NoError(t, err)
	defer m.Close()

	m.HandleNetworkChange(true)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.sockets.Count())
	assert.Equal(t, connection.StateIdle, m.State())
}

func TestAutomaticReconnectsAfterDrop(t *testing.T) {
	h := newHarness()
	a, err := connection.NewAutomatic(h.cfg)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Connect(context.Background()))
	h.waitConnected(t, 1)

	first := h.sockets.Last()
	first.Drop(errors.New("relay restarted"))
	h.waitConnected(t, 2)

	assert.Equal(t, connection.StateConnected, a.State())
	assert.EqualValues(t, 2, a.Epoch())
	assert.Equal(t, []uint64{1, 2}, h.target.Attached())
	assert.Equal(t, []uint64{1}, h.target.Detached())
	assert.Equal(t, 2, h.sockets.Count())
	assert.NotSame(t, first, h.sockets.Last())
}

func TestAutomaticRetriesFailedAttempts(t *testing.T) {
	h := newHarness()
	var created atomic.Int32
	h.sockets.SetConfigure(func(s *sockettest.Socket) {
		if created.Add(1) <= 2 {
			s.FailConnect(errors.New("dial refused"))
		}
	})
	a, err := connection.NewAutomatic(h.cfg)
	require.NoError(t, err)
	defer a.Close()

	err = a.Connect(context.Background())
	require.Error(t, err, "the first attempt's failure is reported")

	h.waitConnected(t, 1)
	assert.Equal(t, 3, h.sockets.Count())
	assert.Equal(t, connection.StateConnected, a.State())
}

func TestAutomaticRetriesIdentityFailures(t *testing.T) {
	h := newHarness()
	var calls atomic.Int32
	h.cfg.Tokens = tokenFunc(func(string) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("keychain locked")
		}
		return "tok", nil
	})
	a, err := connection.NewAutomatic(h.cfg)
	require.NoError(t, err)
	defer a.Close()

	require.Error(t, a.Connect(context.Background()))
	h.waitConnected(t, 1)
	assert.Equal(t, 1, h.sockets.Count(), "no socket is built without a token")
}

func TestInvalidConfigurationIsNotRetried(t *testing.T) {
	h := newHarness()
	h.cfg.URLs = relayurl.Factory{Host: "relay.test"}
	a, err := connection.NewAutomatic(h.cfg)
	require.NoError(t, err)
	defer a.Close()

	err = a.Connect(context.Background())
	require.ErrorIs(t, err, relayurl.ErrInvalidConfiguration)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, h.sockets.Count())
	assert.Equal(t, connection.StateDisconnected, a.State())
}

func TestAutomaticDisconnectSuppressesRetries(t *testing.T) {
	h := newHarness()
	a, err := connection.NewAutomatic(h.cfg)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Connect(context.Background()))
	h.waitConnected(t, 1)

	require.NoError(t, a.Disconnect(context.Background()))
	assert.Equal(t, connection.StateIdle, a.State())
	assert.False(t, h.sockets.Last().Connected())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.sockets.Count(), "explicit disconnect is not undone")

	a.HandleNetworkChange(true)
	h.waitConnected(t, 2)
	assert.Equal(t, connection.StateConnected, a.State())
}

func TestAutomaticNetworkLossStopsRetries(t *testing.T) {
	h := newHarness()
	h.sockets.SetConfigure(func(s *sockettest.Socket) { s.FailConnect(errors.New("offline")) })
	a, err := connection.NewAutomatic(h.cfg)
	require.NoError(t, err)
	defer a.Close()

	require.Error(t, a.Connect(context.Background()))
	require.NoError(t, testutil.WaitFor(t, "retries", time.Second, func() bool { return h.sockets.Count() >= 2 }))

	a.HandleNetworkChange(false)
	assert.Equal(t, connection.StateDisconnected, a.State())
	settled := h.sockets.Count()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, settled, h.sockets.Count(), "no attempts while the network is down")

	h.sockets.SetConfigure(nil)
	a.HandleNetworkChange(true)
	h.waitConnected(t, 1)
}

func TestWriteFailureTriggersRecovery(t *testing.T) {
	h := newHarness()
	a, err := connection.NewAutomatic(h.cfg)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Connect(context.Background()))
	h.waitConnected(t, 1)
	first := h.sockets.Last()

	a.HandleWriteFailure(0, errors.New("stale report"))
	assert.True(t, first.Connected(), "reports for other epochs are ignored")

	a.HandleWriteFailure(1, errors.New("broken pipe"))
	h.waitConnected(t, 2)
	assert.False(t, first.Connected())
	assert.Equal(t, []uint64{1}, h.target.Detached())
}

func TestEpochIncreasesAcrossConnections(t *testing.T) {
	h := newHarness()
	a, err := connection.NewAutomatic(h.cfg)
	require.NoError(t, err)
	defer a.Close()
	evs := a.Events()
	defer evs.Close()

	require.NoError(t, a.Connect(context.Background()))
	h.waitConnected(t, 1)
	for epoch := uint64(2); epoch <= 4; epoch++ {
		h.sockets.Last().Drop(errors.New("drop"))
		h.waitConnected(t, epoch)
	}

	var last uint64
	for i := 0; i < 4; i++ {
		ev := waitEvent(t, evs, func(ev connection.Event) bool { return ev.State == connection.StateConnected })
		assert.Greater(t, ev.Epoch, last)
		last = ev.Epoch
	}
	assert.EqualValues(t, 4, last)
}

func TestFollowForwardsNetworkSignals(t *testing.T) {
	h := newHarness()
	a, err := connection.NewAutomatic(h.cfg)
	require.NoError(t, err)
	defer a.Close()

	signal := connection.NewNetworkSignal()
	defer signal.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go connection.Follow(ctx, a, signal)

	require.NoError(t, testutil.WaitFor(t, "connect on signal", time.Second, func() bool {
		signal.SetAvailable(true)
		return a.State() == connection.StateConnected
	}))
	assert.True(t, signal.Available())
}

func TestCloseRejectsConnect(t *testing.T) {
	h := newHarness()
	m, err := connection.NewManual(h.cfg)
	require.NoError(t, err)
	m.Close()
	assert.ErrorIs(t, m.Connect(context.Background()), connection.ErrClosed)
}

func TestMissingConfig(t *testing.T) {
	_, err := connection.NewAutomatic(connection.Config{})
	assert.ErrorIs(t, err, connection.ErrMissingConfig)
}

func waitEvent(t *testing.T, sub *events.Subscription[connection.Event], match func(connection.Event) bool) connection.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			require.True(t, ok, "event stream closed")
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}
