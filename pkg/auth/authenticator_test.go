package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lightforgemedia/go-relayclient/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenKeychain struct{}

func (brokenKeychain) Add(string, []byte) error    { return errors.New("keychain locked") }
func (brokenKeychain) Read(string) ([]byte, error) { return nil, errors.New("keychain locked") }
func (brokenKeychain) Delete(string) error         { return nil }

const audience = "wss://relay.example.com/?projectId=p1"

func TestCreateAuthTokenShape(t *testing.T) {
	issued := time.Unix(1_700_000_000, 0)
	a := NewAuthenticator(storage.NewMemoryKeychain(), WithClock(func() time.Time { return issued }))

	token, err := a.CreateAuthToken(audience)
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)

	header, err := base64.RawURLEncoding.DecodeString(parts[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"alg":"EdDSA","typ":"JWT"}`, string(header))

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var claims map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &claims))
	assert.Equal(t, audience, claims["aud"])
	assert.Equal(t, float64(issued.Unix()), claims["iat"])
	assert.Equal(t, float64(issued.Add(DefaultTokenTTL).Unix()), claims["exp"])
	assert.Len(t, claims["sub"], 64)
	assert.True(t, strings.HasPrefix(claims["iss"].(string), "did:key:z"))

	parsed, err := ParseAuthToken(token, audience, func() time.Time { return issued.Add(time.Minute) })
	require.NoError(t, err)
	assert.Equal(t, claims["iss"], parsed.Issuer)
}

func TestIdentityIsStable(t *testing.T) {
	keychain := storage.NewMemoryKeychain()
	a := NewAuthenticator(keychain)

	id1, err := a.ClientID()
	require.NoError(t, err)
	id2, err := NewAuthenticator(keychain).ClientID()
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	t1, err := a.CreateAuthToken(audience)
	require.NoError(t, err)
	t2, err := a.CreateAuthToken(audience)
	require.NoError(t, err)
	assert.NotEqual(t, t1, t2, "subject is fresh per token")
}

func TestIdentityUnavailable(t *testing.T) {
	a := NewAuthenticator(brokenKeychain{})
	_, err := a.CreateAuthToken(audience)
	assert.ErrorIs(t, err, ErrIdentityUnavailable)

	keychain := storage.NewMemoryKeychain()
	require.NoError(t, keychain.Add(IdentityKeyName, []byte("short")))
	_, err = NewAuthenticator(keychain).ClientID()
	assert.ErrorIs(t, err, ErrIdentityUnavailable)
}

func TestParseAuthTokenRejects(t *testing.T) {
	issued := time.Unix(1_700_000_000, 0)
	a := NewAuthenticator(storage.NewMemoryKeychain(),
		WithClock(func() time.Time { return issued }),
		WithTokenTTL(time.Hour))
	token, err := a.CreateAuthToken(audience)
	require.NoError(t, err)

	_, err = ParseAuthToken(token, audience, func() time.Time { return issued.Add(2 * time.Hour) })
	assert.ErrorIs(t, err, ErrInvalidToken, "expired")

	_, err = ParseAuthToken(token, "wss://other.example.com", func() time.Time { return issued })
	assert.ErrorIs(t, err, ErrInvalidToken, "wrong audience")

	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + "." + base64.RawURLEncoding.EncodeToString(make([]byte, ed25519.SignatureSize))
	_, err = ParseAuthToken(tampered, audience, func() time.Time { return issued })
	assert.ErrorIs(t, err, ErrInvalidToken, "bad signature")
}

func TestDIDKeyRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	did := EncodeDIDKey(pub)
	decoded, err := DecodeDIDKey(did)
	require.NoError(t, err)
	assert.Equal(t, pub, decoded)

	_, err = DecodeDIDKey("did:web:example.com")
	assert.ErrorIs(t, err, ErrInvalidDID)
}
