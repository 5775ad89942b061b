package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

var errEmptySecret = errors.New("storage: empty secret")

// MemoryKeychain keeps secrets sealed in memguard enclaves. Plaintext only
// exists in guarded memory while Read copies it out.
type MemoryKeychain struct {
	mu       sync.RWMutex
	enclaves map[string]*memguard.Enclave
}

func NewMemoryKeychain() *MemoryKeychain {
	return &MemoryKeychain{enclaves: make(map[string]*memguard.Enclave)}
}

// Add seals secret under key. The caller's slice is left untouched.
func (k *MemoryKeychain) Add(key string, secret []byte) error {
	if len(secret) == 0 {
		return errEmptySecret
	}
	// NewEnclave wipes its input.
	enclave := memguard.NewEnclave(clone(secret))

	k.mu.Lock()
	defer k.mu.Unlock()
	k.enclaves[key] = enclave
	return nil
}

func (k *MemoryKeychain) Read(key string) ([]byte, error) {
	k.mu.RLock()
	enclave, ok := k.enclaves[key]
	k.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	buffer, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open enclave %s: %w", key, err)
	}
	defer buffer.Destroy()
	return clone(buffer.Bytes()), nil
}

func (k *MemoryKeychain) Delete(key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.enclaves, key)
	return nil
}

// StoreKeychain persists secrets in a KeyValueStorage under a "keychain/"
// prefix and caches them in a MemoryKeychain. The CLI uses it to keep the
// client identity stable across runs.
type StoreKeychain struct {
	store KeyValueStorage
	cache *MemoryKeychain
}

func NewStoreKeychain(store KeyValueStorage) *StoreKeychain {
	return &StoreKeychain{store: store, cache: NewMemoryKeychain()}
}

const keychainPrefix = "keychain/"

func (k *StoreKeychain) Add(key string, secret []byte) error {
	if err := k.store.Set(keychainPrefix+key, secret); err != nil {
		return err
	}
	return k.cache.Add(key, secret)
}

func (k *StoreKeychain) Read(key string) ([]byte, error) {
	if secret, err := k.cache.Read(key); err == nil {
		return secret, nil
	}
	secret, err := k.store.Get(keychainPrefix + key)
	if err != nil {
		return nil, err
	}
	if err := k.cache.Add(key, secret); err != nil {
		return nil, err
	}
	return secret, nil
}

func (k *StoreKeychain) Delete(key string) error {
	k.cache.Delete(key)
	return k.store.Delete(keychainPrefix + key)
}
