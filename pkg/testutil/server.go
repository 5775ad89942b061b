package testutil

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/lightforgemedia/go-relayclient/pkg/relayserver"
)

// TestProjectID is the project id used against test relays.
const TestProjectID = "test-project"

// RelayServer combines a development relay and its HTTP server for testing.
type RelayServer struct {
	*relayserver.Server
	HTTP  *httptest.Server
	WSURL string // ws://127.0.0.1:port
	Host  string // 127.0.0.1:port
}

// NewRelayServer starts a relay on an httptest server. It is shut down when
// the test ends.
func NewRelayServer(t *testing.T, opts ...relayserver.Option) *RelayServer {
	t.Helper()

	finalOpts := append([]relayserver.Option{relayserver.WithLogger(DefaultLogger)}, opts...)
	s, err := relayserver.New(finalOpts...)
	if err != nil {
		t.Fatalf("Failed to create relay: %v", err)
	}

	h := httptest.NewServer(s.UpgradeHandler())
	u, err := url.Parse(h.URL)
	if err != nil {
		t.Fatalf("Failed to parse test server URL: %v", err)
	}

	rs := &RelayServer{
		Server: s,
		HTTP:   h,
		WSURL:  "ws" + strings.TrimPrefix(h.URL, "http"),
		Host:   u.Host,
	}
	t.Cleanup(rs.Close)
	return rs
}

// URL returns a connectable relay URL carrying the test project id.
func (rs *RelayServer) URL() string {
	return rs.WSURL + "/?projectId=" + TestProjectID
}

// WaitForConnections waits until the relay holds n connections.
func (rs *RelayServer) WaitForConnections(t *testing.T, n int, timeout time.Duration) error {
	t.Helper()
	return WaitFor(t, "relay connections", timeout, func() bool { return rs.ConnectionCount() == n })
}

// Close shuts the relay down and closes the HTTP server.
func (rs *RelayServer) Close() {
	if rs.Server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rs.Server.Shutdown(ctx)
	}
	if rs.HTTP != nil {
		rs.HTTP.Close()
	}
}
