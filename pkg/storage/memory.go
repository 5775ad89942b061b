package storage

import (
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore is an in-process KeyValueStorage. Entries older than the
// retention window disappear; a zero retention keeps everything.
type MemoryStore struct {
	cache *gocache.Cache
}

// NewMemoryStore creates a store with the given retention.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	expiration := gocache.NoExpiration
	cleanup := time.Duration(0)
	if retention > 0 {
		expiration = retention
		cleanup = retention
	}
	return &MemoryStore{cache: gocache.New(expiration, cleanup)}
}

func (s *MemoryStore) Set(key string, value []byte) error {
	s.cache.Set(key, clone(value), gocache.DefaultExpiration)
	return nil
}

func (s *MemoryStore) Get(key string) ([]byte, error) {
	v, ok := s.cache.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v.([]byte)), nil
}

func (s *MemoryStore) Delete(key string) error {
	s.cache.Delete(key)
	return nil
}

func (s *MemoryStore) Keys(prefix string) ([]string, error) {
	var keys []string
	for k := range s.cache.Items() {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len reports the number of live entries.
func (s *MemoryStore) Len() int { return s.cache.ItemCount() }

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
