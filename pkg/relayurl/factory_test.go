package relayurl

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var linuxUA = UserAgent{Protocol: "wc", Version: "2", SDK: SDKName, SDKVersion: SDKVersion, OS: "linux"}

func TestUserAgentString(t *testing.T) {
	assert.Equal(t, "wc-2/go-relayclient-1.0.0/linux", linuxUA.String())
}

func TestCreate(t *testing.T) {
	f := Factory{Host: "relay.example.com", ProjectID: "proj", UserAgent: linuxUA}

	raw, err := f.Create("com.example.app")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "wss", u.Scheme)
	assert.Equal(t, "relay.example.com", u.Host)
	assert.Equal(t, "/", u.Path)
	assert.Equal(t, "proj", u.Query().Get("projectId"))
	assert.Equal(t, "wc-2/go-relayclient-1.0.0/linux", u.Query().Get("ua"))
	assert.Equal(t, "com.example.app", u.Query().Get("bundleId"))

	again, err := f.Create("com.example.app")
	require.NoError(t, err)
	assert.Equal(t, raw, again, "construction is deterministic")

	noBundle, err := f.Create("")
	require.NoError(t, err)
	assert.NotContains(t, noBundle, "bundleId")
}

func TestCreateLocalScheme(t *testing.T) {
	raw, err := Factory{Scheme: "ws", Host: "127.0.0.1:5555", ProjectID: "p"}.Create("")
	require.NoError(t, err)
	assert.Contains(t, raw, "ws://127.0.0.1:5555/?")
}

func TestCreateInvalid(t *testing.T) {
	cases := map[string]Factory{
		"empty host":     {ProjectID: "p"},
		"host w/ scheme": {Host: "wss://relay.example.com", ProjectID: "p"},
		"host w/ path":   {Host: "relay.example.com/x", ProjectID: "p"},
		"no project":     {Host: "relay.example.com"},
		"bad scheme":     {Scheme: "http", Host: "relay.example.com", ProjectID: "p"},
	}
	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.Create("")
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}
}
