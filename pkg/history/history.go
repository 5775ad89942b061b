// Package history keeps a durable record of every JSON-RPC request the client
// sent or received, keyed by request id. It is the source of truth for
// duplicate suppression across reconnects and restarts.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lightforgemedia/go-relayclient/pkg/jsonrpc"
	"github.com/lightforgemedia/go-relayclient/pkg/storage"
)

// KeyPrefix namespaces history records in the key-value store.
const KeyPrefix = "rpc_history/"

var (
	ErrDuplicateRequest = errors.New("history: duplicate request id")
	ErrNotFound         = errors.New("history: record not found")
	ErrAlreadyResolved  = errors.New("history: record already resolved")
)

// Direction tells whether we sent the request or the relay did.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Record is one request and, once it completes, its response.
type Record struct {
	RequestID  jsonrpc.ID      `json:"requestId"`
	Topic      string          `json:"topic,omitempty"`
	Direction  Direction       `json:"direction"`
	Method     string          `json:"method,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
	Session    string          `json:"session,omitempty"`
	Epoch      uint64          `json:"epoch,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	ResolvedAt *time.Time      `json:"resolvedAt,omitempty"`
}

// Resolved reports whether a response has been recorded.
func (r Record) Resolved() bool { return r.ResolvedAt != nil }

// History stores Records in a storage.KeyValueStorage. It never deletes;
// retention belongs to the store.
type History struct {
	store  storage.KeyValueStorage
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex // makes check-then-write atomic
}

type Option func(*History)

func WithLogger(logger *slog.Logger) Option {
	return func(h *History) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *History) { h.now = now }
}

func New(store storage.KeyValueStorage, opts ...Option) *History {
	h := &History{store: store, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func key(id jsonrpc.ID) string { return KeyPrefix + id.String() }

// Record inserts rec. An existing record with the same id yields
// ErrDuplicateRequest and is left untouched.
func (h *History) Record(rec Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.load(rec.RequestID); err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, rec.RequestID)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = h.now()
	}
	rec.Response = nil
	rec.ResolvedAt = nil
	return h.save(rec)
}

// Exists reports whether any record carries id.
func (h *History) Exists(id jsonrpc.ID) bool {
	_, err := h.Get(id)
	return err == nil
}

func (h *History) Get(id jsonrpc.ID) (Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.load(id)
}

// Resolve attaches response to the record. A resolved record is immutable;
// resolving it again returns ErrAlreadyResolved along with the stored record.
func (h *History) Resolve(id jsonrpc.ID, response json.RawMessage) (Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, err := h.load(id)
	if err != nil {
		return Record{}, err
	}
	if rec.Resolved() {
		return rec, fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}
	resolvedAt := h.now()
	rec.Response = append(json.RawMessage(nil), response...)
	rec.ResolvedAt = &resolvedAt
	if err := h.save(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Pending lists unresolved records, oldest first. An empty topic matches all.
func (h *History) Pending(topic string) ([]Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	keys, err := h.store.Keys(KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("history: list records: %w", err)
	}
	var out []Record
	for _, k := range keys {
		raw, err := h.store.Get(k)
		if err != nil {
			continue // expired between Keys and Get
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			h.logger.Warn("History: skipping unreadable record", "key", k, "error", err)
			continue
		}
		if rec.Resolved() || (topic != "" && rec.Topic != topic) {
			continue
		}
		out = append(out, rec)
	}
	sortByCreated(out)
	return out, nil
}

func (h *History) load(id jsonrpc.ID) (Record, error) {
	raw, err := h.store.Get(key(id))
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("history: load %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("history: decode %s: %w", id, err)
	}
	return rec, nil
}

func (h *History) save(rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("history: encode %s: %w", rec.RequestID, err)
	}
	if err := h.store.Set(key(rec.RequestID), raw); err != nil {
		return fmt.Errorf("history: store %s: %w", rec.RequestID, err)
	}
	return nil
}
