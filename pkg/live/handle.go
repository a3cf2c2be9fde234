package live

import (
	"fmt"
	"log/slog"
	"time"
)

// HandleValidity is how long a persisted resumption handle stays usable.
// The service keeps the compressed conversation context for a limited window;
// a handle older than this is treated exactly like no handle at all.
const HandleValidity = 2 * time.Hour

const (
	handleKey       = "live.resumption_handle"
	handleIssuedKey = "live.resumption_handle_issued_at"
)

// KeyValue is the persistence surface the handle store needs. The concrete
// store lives with the caller so a browser-like client can use a file while
// tests use memory.
type KeyValue interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Delete(key string) error
}

// HandleStore persists the most recent session resumption handle together
// with its issue timestamp. Loads never fail: storage errors and expired
// handles both read as "no handle", so a corrupt store degrades to a fresh
// conversation instead of blocking connects.
type HandleStore struct {
	kv  KeyValue
	now func() time.Time
}

// NewHandleStore returns a HandleStore backed by kv.
func NewHandleStore(kv KeyValue) *HandleStore {
	return &HandleStore{kv: kv, now: time.Now}
}

// Save records handle with the current time as its issue timestamp.
func (s *HandleStore) Save(handle string) error {
	if handle == "" {
		return s.Clear()
	}
	if err := s.kv.Set(handleKey, handle); err != nil {
		return fmt.Errorf("handle store: save: %w", err)
	}
	if err := s.kv.Set(handleIssuedKey, s.now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("handle store: save timestamp: %w", err)
	}
	return nil
}

// Load returns the stored handle if it is still within [HandleValidity].
// Expired or unreadable handles are cleared and reported as absent.
func (s *HandleStore) Load() (string, bool) {
	handle, ok, err := s.kv.Get(handleKey)
	if err != nil {
		slog.Warn("handle store unreadable, starting fresh", "error", err)
		return "", false
	}
	if !ok || handle == "" {
		return "", false
	}

	issuedAt, ok, err := s.kv.Get(handleIssuedKey)
	if err != nil || !ok {
		_ = s.Clear()
		return "", false
	}
	issued, err := time.Parse(time.RFC3339, issuedAt)
	if err != nil {
		slog.Warn("handle store has malformed issue timestamp, discarding handle", "error", err)
		_ = s.Clear()
		return "", false
	}
	if s.now().Sub(issued) > HandleValidity {
		slog.Debug("resumption handle expired", "issued_at", issued)
		_ = s.Clear()
		return "", false
	}
	return handle, true
}

// Clear removes any stored handle.
func (s *HandleStore) Clear() error {
	if err := s.kv.Delete(handleKey); err != nil {
		return fmt.Errorf("handle store: clear: %w", err)
	}
	if err := s.kv.Delete(handleIssuedKey); err != nil {
		return fmt.Errorf("handle store: clear timestamp: %w", err)
	}
	return nil
}
