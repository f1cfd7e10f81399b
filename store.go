package satchel

import (
	"context"
	"encoding/json"
)

// Collection names a logical record set inside the local durable store.
type Collection string

const (
	// CollectionContent holds cached lesson/quiz/material metadata.
	CollectionContent Collection = "content"
	// CollectionMaterials holds per-lesson material blob metadata.
	CollectionMaterials Collection = "materials"
	// CollectionProgress holds per-(user, lesson) progress records.
	CollectionProgress Collection = "progress"
	// CollectionQueue holds pending mutations awaiting remote acknowledgment.
	CollectionQueue Collection = "sync_queue"
)

// Filter is an optional secondary-index equality filter for GetAll. The zero
// value matches everything. Result ordering is unspecified; callers must not
// depend on it.
type Filter struct {
	Subject     string
	Kind        ContentKind
	UserID      string
	ContentID   string
	SyncPending *bool
}

// Store is the local durable substrate shared by the queue, the cache, and
// the progress tracker. Implementations persist named collections of JSON
// records addressed by primary key, survive process restarts, and support
// secondary-index equality lookups.
//
// Individual record writes are atomic; no multi-record transactions are
// required by any caller.
type Store interface {
	// Put inserts or overwrites a record by primary key.
	Put(ctx context.Context, c Collection, key string, record any) error

	// Get unmarshals the record for key into out. Returns ErrNotFound when
	// the key is absent.
	Get(ctx context.Context, c Collection, key string, out any) error

	// GetAll returns the raw records matching the filter.
	GetAll(ctx context.Context, c Collection, f Filter) ([]json.RawMessage, error)

	// Delete removes a record. Deleting an absent key is a no-op, not an error.
	Delete(ctx context.Context, c Collection, key string) error

	// Clear empties a collection.
	Clear(ctx context.Context, c Collection) error

	// SizeBytes reports the store's on-disk footprint, 0 when unknown.
	SizeBytes(ctx context.Context) (int64, error)

	// Close releases underlying resources.
	Close() error
}

// decodeAll unmarshals every raw record into a slice of T, skipping records
// that fail to decode. A corrupt row degrades to "absent" rather than failing
// the whole read.
func decodeAll[T any](raws []json.RawMessage) []T {
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}
