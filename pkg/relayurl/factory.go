// Package relayurl builds the relay WebSocket URL. Construction is pure and
// deterministic.
package relayurl

import (
	"errors"
	"fmt"
	"net/url"
	"runtime"
	"strings"
)

const (
	DefaultScheme = "wss"
	DefaultHost   = "relay.walletconnect.org"

	SDKName    = "go-relayclient"
	SDKVersion = "1.0.0"
)

var ErrInvalidConfiguration = errors.New("relayurl: invalid configuration")

// UserAgent renders as <protocol>-<version>/<sdk>-<sdkVersion>/<os>.
type UserAgent struct {
	Protocol   string
	Version    string
	SDK        string
	SDKVersion string
	OS         string
}

// DefaultUserAgent describes this library on the running platform.
func DefaultUserAgent() UserAgent {
	return UserAgent{Protocol: "wc", Version: "2", SDK: SDKName, SDKVersion: SDKVersion, OS: runtime.GOOS}
}

func (u UserAgent) String() string {
	return fmt.Sprintf("%s-%s/%s-%s/%s", u.Protocol, u.Version, u.SDK, u.SDKVersion, u.OS)
}

// Factory holds the relay endpoint configuration.
type Factory struct {
	Scheme    string // "wss" when empty; "ws" for local relays
	Host      string
	ProjectID string
	UserAgent UserAgent
}

// Create returns <scheme>://<host>/?projectId=..&ua=..[&bundleId=..].
func (f Factory) Create(bundleID string) (string, error) {
	if f.Host == "" {
		return "", fmt.Errorf("%w: empty relay host", ErrInvalidConfiguration)
	}
	if strings.ContainsAny(f.Host, "/?#@") || strings.Contains(f.Host, "://") {
		return "", fmt.Errorf("%w: relay host %q must be a bare host[:port]", ErrInvalidConfiguration, f.Host)
	}
	if f.ProjectID == "" {
		return "", fmt.Errorf("%w: empty project id", ErrInvalidConfiguration)
	}

	scheme := f.Scheme
	if scheme == "" {
		scheme = DefaultScheme
	}
	if scheme != "wss" && scheme != "ws" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidConfiguration, scheme)
	}

	ua := f.UserAgent
	if ua == (UserAgent{}) {
		ua = DefaultUserAgent()
	}

	q := url.Values{}
	q.Set("projectId", f.ProjectID)
	q.Set("ua", ua.String())
	if bundleID != "" {
		q.Set("bundleId", bundleID)
	}
	u := url.URL{Scheme: scheme, Host: f.Host, Path: "/", RawQuery: q.Encode()}
	return u.String(), nil
}
