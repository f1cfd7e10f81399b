package satchel

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore implements Store using in-memory maps. Used in tests and as the
// graceful-degradation fallback when the SQLite store cannot be opened:
// offline data is lost on restart, but the application keeps working.
type MemoryStore struct {
	data map[Collection]map[string]json.RawMessage
	mu   sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[Collection]map[string]json.RawMessage),
	}
}

func (m *MemoryStore) Put(ctx context.Context, c Collection, key string, record any) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, string(c), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.data[c]
	if !ok {
		coll = make(map[string]json.RawMessage)
		m.data[c] = coll
	}
	coll[key] = raw
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, c Collection, key string, out any) error {
	m.mu.RLock()
	raw, ok := m.data[c][key]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return newStorageError(StorageErrorTypeRead, string(c), err)
	}
	return nil
}

func (m *MemoryStore) GetAll(ctx context.Context, c Collection, f Filter) ([]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []json.RawMessage
	for _, raw := range m.data[c] {
		if matchFilter(raw, f) {
			out = append(out, append(json.RawMessage(nil), raw...))
		}
	}
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, c Collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[c], key)
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context, c Collection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, c)
	return nil
}

func (m *MemoryStore) SizeBytes(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, coll := range m.data {
		for _, raw := range coll {
			total += int64(len(raw))
		}
	}
	return total, nil
}

func (m *MemoryStore) Close() error { return nil }

// matchFilter applies a secondary-index equality filter to a raw record.
// Index fields mirror the columns the SQLite store indexes.
func matchFilter(raw json.RawMessage, f Filter) bool {
	if f == (Filter{}) {
		return true
	}
	var fields struct {
		Subject     string      `json:"subject"`
		Kind        ContentKind `json:"kind"`
		UserID      string      `json:"user_id"`
		ContentID   string      `json:"content_id"`
		SyncPending *bool       `json:"sync_pending"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}
	if f.Subject != "" && fields.Subject != f.Subject {
		return false
	}
	if f.Kind != "" && fields.Kind != f.Kind {
		return false
	}
	if f.UserID != "" && fields.UserID != f.UserID {
		return false
	}
	if f.ContentID != "" && fields.ContentID != f.ContentID {
		return false
	}
	if f.SyncPending != nil {
		if fields.SyncPending == nil || *fields.SyncPending != *f.SyncPending {
			return false
		}
	}
	return true
}
