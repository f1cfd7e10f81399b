package satchel

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// MutationQueue is the durable staging area for writes that could not (or
// should not yet) be sent to the remote endpoint. Entries live in the
// underlying store's sync_queue collection and are removed only after the
// remote write they represent has been acknowledged.
type MutationQueue struct {
	store Store

	// serializes ID generation so same-millisecond enqueues stay ordered
	mu     sync.Mutex
	lastID string
}

// NewMutationQueue creates a queue over the given store.
func NewMutationQueue(store Store) *MutationQueue {
	return &MutationQueue{store: store}
}

// Enqueue appends a new pending mutation and returns it. IDs are unique and
// sort in enqueue order: a millisecond timestamp followed by a random base36
// disambiguator for collisions within the same millisecond.
func (q *MutationQueue) Enqueue(ctx context.Context, action ActionKind, dataType DataType, userID string, payload any) (QueueEntry, error) {
	if err := validateEntry(action, dataType); err != nil {
		return QueueEntry{}, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return QueueEntry{}, fmt.Errorf("encode payload: %w", err)
	}

	entry := QueueEntry{
		ID:        q.nextID(),
		Action:    action,
		DataType:  dataType,
		UserID:    userID,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}
	if err := q.store.Put(ctx, CollectionQueue, entry.ID, entry); err != nil {
		return QueueEntry{}, err
	}
	return entry, nil
}

// ListPending returns all entries currently in the queue, oldest first. Safe
// to call while concurrent enqueues happen; the result reflects the committed
// state at read time.
func (q *MutationQueue) ListPending(ctx context.Context) ([]QueueEntry, error) {
	raws, err := q.store.GetAll(ctx, CollectionQueue, Filter{})
	if err != nil {
		return nil, err
	}
	entries := decodeAll[QueueEntry](raws)
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// PendingCount returns the number of unacknowledged entries. On storage
// failure it reports 0 rather than an error; the UI badge degrades silently.
func (q *MutationQueue) PendingCount(ctx context.Context) int {
	raws, err := q.store.GetAll(ctx, CollectionQueue, Filter{})
	if err != nil {
		return 0
	}
	return len(decodeAll[QueueEntry](raws))
}

// Remove deletes a confirmed entry. Idempotent.
func (q *MutationQueue) Remove(ctx context.Context, entryID string) error {
	return q.store.Delete(ctx, CollectionQueue, entryID)
}

// IncrementRetry bumps the retry counter on a failed entry. The queue itself
// imposes no retry ceiling; retry policy lives in the sync engine.
func (q *MutationQueue) IncrementRetry(ctx context.Context, entryID string) error {
	var entry QueueEntry
	if err := q.store.Get(ctx, CollectionQueue, entryID, &entry); err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}
	entry.RetryCount++
	return q.store.Put(ctx, CollectionQueue, entryID, entry)
}

// Clear drops every queued mutation. Used only by the full offline-data wipe.
func (q *MutationQueue) Clear(ctx context.Context) error {
	return q.store.Clear(ctx, CollectionQueue)
}

// nextID returns a unique identifier that sorts in enqueue order: a
// zero-padded millisecond timestamp plus a random base36 suffix. Within the
// same millisecond the random suffix could sort backwards, so IDs are
// regenerated until strictly greater than the previous one.
func (q *MutationQueue) nextID() string {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		id := fmt.Sprintf("%013d-%s", time.Now().UnixMilli(), randomBase36(9))
		if id > q.lastID {
			q.lastID = id
			return id
		}
	}
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

func randomBase36(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = base36[rand.Intn(len(base36))]
	}
	return string(b)
}
