// Package storage holds the persistence boundaries of the relay client: a
// key-value store for RPC history and a keychain for the identity key.
package storage

import "errors"

// ErrNotFound is returned by Get/Read for a missing key.
var ErrNotFound = errors.New("storage: key not found")

// KeyValueStorage persists opaque values. Implementations must be safe for
// concurrent use.
type KeyValueStorage interface {
	Set(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	// Keys lists every key starting with prefix, sorted.
	Keys(prefix string) ([]string, error)
}

// Keychain persists secrets.
type Keychain interface {
	Add(key string, secret []byte) error
	Read(key string) ([]byte, error)
	Delete(key string) error
}
