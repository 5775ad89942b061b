package auth

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

const (
	didKeyPrefix = "did:key:"
	// multibase prefix for base58btc
	multibaseBase58BTC = "z"
)

// multicodec varint for ed25519-pub
var ed25519Multicodec = []byte{0xed, 0x01}

var ErrInvalidDID = errors.New("auth: invalid did:key")

// EncodeDIDKey renders an ed25519 public key as a did:key identifier.
func EncodeDIDKey(pub ed25519.PublicKey) string {
	raw := make([]byte, 0, len(ed25519Multicodec)+len(pub))
	raw = append(raw, ed25519Multicodec...)
	raw = append(raw, pub...)
	return didKeyPrefix + multibaseBase58BTC + base58.Encode(raw)
}

// DecodeDIDKey is the inverse of EncodeDIDKey.
func DecodeDIDKey(did string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(did, didKeyPrefix+multibaseBase58BTC) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDID, did)
	}
	raw, err := base58.Decode(strings.TrimPrefix(did, didKeyPrefix+multibaseBase58BTC))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDID, err)
	}
	if !bytes.HasPrefix(raw, ed25519Multicodec) || len(raw) != len(ed25519Multicodec)+ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: not an ed25519 key", ErrInvalidDID)
	}
	return ed25519.PublicKey(raw[len(ed25519Multicodec):]), nil
}
