package satchel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeRemote is an in-memory RemoteEndpoint double. Inserted offline_data
// rows and profile patches are recorded for assertions.
type fakeRemote struct {
	mu       sync.Mutex
	inserts  map[string][]any           // table -> records
	updates  map[string][]map[string]any // table -> patches
	profiles map[string]Profile

	failInsert  error // returned by Insert on offline_data
	failProfile error // returned by FetchProfile
	insertCalls int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		inserts:  make(map[string][]any),
		updates:  make(map[string][]map[string]any),
		profiles: make(map[string]Profile),
	}
}

func (f *fakeRemote) Insert(ctx context.Context, table string, record any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if table == TableOfflineData {
		f.insertCalls++
		if f.failInsert != nil {
			return f.failInsert
		}
	}
	f.inserts[table] = append(f.inserts[table], record)
	return nil
}

func (f *fakeRemote) Update(ctx context.Context, table string, filter map[string]string, patch any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, _ := patch.(map[string]any)
	f.updates[table] = append(f.updates[table], m)

	if table == TableProfiles {
		if userID, ok := filter["user_id"]; ok {
			p := f.profiles[userID]
			p.UserID = userID
			if v, ok := m["total_points"].(int); ok {
				p.TotalPoints = v
			}
			if v, ok := m["level"].(int); ok {
				p.Level = v
			}
			f.profiles[userID] = p
		}
	}
	return nil
}

func (f *fakeRemote) FetchProfile(ctx context.Context, userID string) (Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failProfile != nil {
		return Profile{}, f.failProfile
	}
	p, ok := f.profiles[userID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (f *fakeRemote) profile(userID string) Profile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profiles[userID]
}

func (f *fakeRemote) insertCount(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserts[table])
}

func fastSyncConfig() SyncConfig {
	cfg := DefaultSyncConfig()
	cfg.Retry = RetryConfig{
		MaxAttempts:    1,
		InitialBackoff: time.Millisecond,
		RetryIf:        IsRetryable,
	}
	cfg.BreakerThreshold = 100
	return cfg
}

func newTestEngine(t *testing.T, remote *fakeRemote) (*SyncEngine, *MutationQueue, Store) {
	t.Helper()
	store := NewMemoryStore()
	queue := NewMutationQueue(store)
	engine := NewSyncEngine(queue, remote, nil, store, fastSyncConfig(), nil)
	return engine, queue, store
}

func TestSyncEngine_DrainsQueue(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.profiles["user-1"] = Profile{UserID: "user-1", TotalPoints: 100, Level: 1}
	engine, queue, _ := newTestEngine(t, remote)

	for i := 0; i < 3; i++ {
		if _, err := queue.Enqueue(ctx, ActionCreate, DataUserActivity, "user-1", struct{}{}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	result := engine.Sync(ctx)
	if result.Skipped {
		t.Fatalf("expected pass to run")
	}
	if result.Synced != 3 || result.Failed != 0 {
		t.Fatalf("expected 3 synced 0 failed, got %d/%d", result.Synced, result.Failed)
	}
	if got := queue.PendingCount(ctx); got != 0 {
		t.Errorf("expected empty queue after drain, got %d", got)
	}
	if got := remote.insertCount(TableOfflineData); got != 3 {
		t.Errorf("expected 3 offline_data inserts, got %d", got)
	}
}

func TestSyncEngine_QuizResultAccruesPoints(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.profiles["user-1"] = Profile{UserID: "user-1", TotalPoints: 1210, Level: 7}
	engine, queue, store := newTestEngine(t, remote)

	rec := ProgressRecord{UserID: "user-1", LessonID: "quiz-9", Score: 80, SyncPending: true}
	if err := store.Put(ctx, CollectionProgress, rec.Key(), rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := queue.Enqueue(ctx, ActionCreate, DataQuizResult, "user-1",
		QuizResultEvent{QuizID: "quiz-9", Score: 80}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	result := engine.Sync(ctx)
	if result.Synced != 1 {
		t.Fatalf("expected 1 synced, got %d (failed=%d)", result.Synced, result.Failed)
	}

	// Score 80 grants 40 points: 1210+40=1250, which lands in level 7.
	p := remote.profile("user-1")
	if p.TotalPoints != 1250 {
		t.Errorf("expected total_points=1250, got %d", p.TotalPoints)
	}
	if p.Level != 7 {
		t.Errorf("expected level=7, got %d", p.Level)
	}

	var after ProgressRecord
	if err := store.Get(ctx, CollectionProgress, rec.Key(), &after); err != nil {
		t.Fatalf("Get progress: %v", err)
	}
	if after.SyncPending {
		t.Errorf("expected sync-pending flag cleared after acknowledgment")
	}
}

func TestSyncEngine_LessonProgressAccruesEarnedPoints(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.profiles["user-1"] = Profile{UserID: "user-1", TotalPoints: 190, Level: 1}
	engine, queue, _ := newTestEngine(t, remote)

	if _, err := queue.Enqueue(ctx, ActionCreate, DataLessonProgress, "user-1",
		LessonProgressEvent{LessonID: "algebra-1", Completed: true, PointsEarned: 25}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if result := engine.Sync(ctx); result.Synced != 1 {
		t.Fatalf("expected 1 synced, got %+v", result)
	}

	p := remote.profile("user-1")
	if p.TotalPoints != 215 {
		t.Errorf("expected total_points=215, got %d", p.TotalPoints)
	}
	if p.Level != 2 {
		t.Errorf("expected level crossing to 2, got %d", p.Level)
	}
}

func TestSyncEngine_FailureKeepsEntryQueued(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.failInsert = &NetworkError{Op: "insert", StatusCode: 503, Cause: errors.New("unavailable")}
	engine, queue, _ := newTestEngine(t, remote)

	if _, err := queue.Enqueue(ctx, ActionCreate, DataUserActivity, "user-1", struct{}{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	result := engine.Sync(ctx)
	if result.Failed != 1 || result.Synced != 0 {
		t.Fatalf("expected 1 failed 0 synced, got %d/%d", result.Failed, result.Synced)
	}

	pending, err := queue.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected entry still queued, got %d", len(pending))
	}
	if pending[0].RetryCount != 1 {
		t.Errorf("expected RetryCount=1 after failed pass, got %d", pending[0].RetryCount)
	}

	// The endpoint recovers; the next pass drains the entry.
	remote.mu.Lock()
	remote.failInsert = nil
	remote.mu.Unlock()

	if result := engine.Sync(ctx); result.Synced != 1 {
		t.Fatalf("expected recovery pass to sync 1, got %+v", result)
	}
	if got := queue.PendingCount(ctx); got != 0 {
		t.Errorf("expected empty queue, got %d", got)
	}
}

func TestSyncEngine_FailureIsolation(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.profiles["user-1"] = Profile{UserID: "user-1"}
	engine, queue, _ := newTestEngine(t, remote)

	for i := 0; i < 3; i++ {
		if _, err := queue.Enqueue(ctx, ActionCreate, DataUserActivity, "user-1", struct{}{}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	// Fail exactly the second offline_data insert; its neighbors must still
	// drain.
	calls := 0
	engine.remote = &scriptedRemote{inner: remote, failOn: map[int]error{
		2: &NetworkError{Op: "insert", StatusCode: 500, Cause: errors.New("boom")},
	}, calls: &calls}

	result := engine.Sync(ctx)
	if result.Synced != 2 || result.Failed != 1 {
		t.Fatalf("expected 2 synced 1 failed, got %d/%d", result.Synced, result.Failed)
	}

	pending, _ := queue.ListPending(ctx)
	if len(pending) != 1 {
		t.Fatalf("expected 1 entry left, got %d", len(pending))
	}
	if pending[0].RetryCount != 1 {
		t.Errorf("expected failed entry RetryCount=1, got %d", pending[0].RetryCount)
	}
}

// scriptedRemote fails the Nth offline_data insert and delegates the rest.
type scriptedRemote struct {
	inner  RemoteEndpoint
	failOn map[int]error
	calls  *int
}

func (s *scriptedRemote) Insert(ctx context.Context, table string, record any) error {
	if table == TableOfflineData {
		*s.calls++
		if err, ok := s.failOn[*s.calls]; ok {
			return err
		}
	}
	return s.inner.Insert(ctx, table, record)
}

func (s *scriptedRemote) Update(ctx context.Context, table string, filter map[string]string, patch any) error {
	return s.inner.Update(ctx, table, filter, patch)
}

func (s *scriptedRemote) FetchProfile(ctx context.Context, userID string) (Profile, error) {
	return s.inner.FetchProfile(ctx, userID)
}

func TestSyncEngine_SingleFlight(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	engine, queue, _ := newTestEngine(t, remote)

	// A slow insert holds the pass open while concurrent triggers arrive.
	release := make(chan struct{})
	engine.remote = &blockingRemote{inner: remote, release: release}

	if _, err := queue.Enqueue(ctx, ActionCreate, DataUserActivity, "user-1", struct{}{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	done := make(chan SyncResult, 1)
	go func() { done <- engine.Sync(ctx) }()

	// Wait for the pass to be in flight, then trigger again.
	for i := 0; ; i++ {
		engine.mu.Lock()
		inFlight := engine.inFlight
		engine.mu.Unlock()
		if inFlight {
			break
		}
		if i > 1000 {
			t.Fatalf("pass never started")
		}
		time.Sleep(time.Millisecond)
	}

	second := engine.Sync(ctx)
	if !second.Skipped {
		t.Errorf("expected concurrent pass to be skipped")
	}

	close(release)
	first := <-done
	if first.Synced != 1 {
		t.Errorf("expected first pass to sync 1, got %+v", first)
	}
	if got := remote.insertCount(TableOfflineData); got != 1 {
		t.Errorf("expected exactly 1 insert, got %d", got)
	}
}

// blockingRemote parks the first offline_data insert until released.
type blockingRemote struct {
	inner   RemoteEndpoint
	release chan struct{}
	once    sync.Once
}

func (b *blockingRemote) Insert(ctx context.Context, table string, record any) error {
	if table == TableOfflineData {
		b.once.Do(func() { <-b.release })
	}
	return b.inner.Insert(ctx, table, record)
}

func (b *blockingRemote) Update(ctx context.Context, table string, filter map[string]string, patch any) error {
	return b.inner.Update(ctx, table, filter, patch)
}

func (b *blockingRemote) FetchProfile(ctx context.Context, userID string) (Profile, error) {
	return b.inner.FetchProfile(ctx, userID)
}

func TestSyncEngine_SideEffectFailureDoesNotRequeue(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.failProfile = &NetworkError{Op: "fetch", StatusCode: 500, Cause: errors.New("boom")}
	engine, queue, _ := newTestEngine(t, remote)

	if _, err := queue.Enqueue(ctx, ActionCreate, DataQuizResult, "user-1",
		QuizResultEvent{QuizID: "quiz-1", Score: 100}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// The append is acknowledged, so the entry is removed even though the
	// point accrual that follows fails; re-running would double-append.
	result := engine.Sync(ctx)
	if result.Synced != 1 {
		t.Fatalf("expected entry counted as synced, got %+v", result)
	}
	if got := queue.PendingCount(ctx); got != 0 {
		t.Errorf("expected entry removed after acknowledged append, got %d pending", got)
	}
	if got := remote.insertCount(TableOfflineData); got != 1 {
		t.Errorf("expected 1 append, got %d", got)
	}
}

func TestSyncEngine_MaxRetriesSkipsEntry(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.failInsert = &NetworkError{Op: "insert", StatusCode: 503, Cause: errors.New("down")}

	store := NewMemoryStore()
	queue := NewMutationQueue(store)
	cfg := fastSyncConfig()
	cfg.MaxRetries = 2
	engine := NewSyncEngine(queue, remote, nil, store, cfg, nil)

	if _, err := queue.Enqueue(ctx, ActionCreate, DataUserActivity, "user-1", struct{}{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	engine.Sync(ctx)
	engine.Sync(ctx)
	before := remote.insertCalls

	// Over the ceiling: the pass must not attempt the entry again, but it
	// stays queued rather than being dropped.
	engine.Sync(ctx)
	if remote.insertCalls != before {
		t.Errorf("expected no further attempts, got %d extra", remote.insertCalls-before)
	}
	if got := queue.PendingCount(ctx); got != 1 {
		t.Errorf("expected entry still queued, got %d", got)
	}
}

func TestSyncEngine_AchievementAppendOnly(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.profiles["user-1"] = Profile{UserID: "user-1", TotalPoints: 500}
	engine, queue, _ := newTestEngine(t, remote)

	if _, err := queue.Enqueue(ctx, ActionCreate, DataAchievement, "user-1",
		AchievementEvent{AchievementID: "streak-7", Name: "Week Streak", PointsAwarded: 30}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if result := engine.Sync(ctx); result.Synced != 1 {
		t.Fatalf("expected 1 synced, got %+v", result)
	}

	if got := remote.insertCount(TableAchievements); got != 1 {
		t.Errorf("expected 1 achievement row, got %d", got)
	}
	// Achievements never touch the point total.
	if p := remote.profile("user-1"); p.TotalPoints != 500 {
		t.Errorf("expected total_points unchanged at 500, got %d", p.TotalPoints)
	}
}

func TestSyncEngine_StartStop(t *testing.T) {
	remote := newFakeRemote()
	store := NewMemoryStore()
	queue := NewMutationQueue(store)
	monitor := NewManualMonitor(false)
	defer monitor.Close()

	cfg := fastSyncConfig()
	cfg.Interval = 10 * time.Millisecond
	engine := NewSyncEngine(queue, remote, monitor, store, cfg, nil)

	engine.Start()
	engine.Start() // idempotent

	if _, err := queue.Enqueue(context.Background(), ActionCreate, DataUserActivity, "user-1", struct{}{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Coming online triggers a pass.
	monitor.SetOnline(true)
	deadline := time.Now().Add(2 * time.Second)
	for queue.PendingCount(context.Background()) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("queue never drained after online transition")
		}
		time.Sleep(5 * time.Millisecond)
	}

	engine.Stop()
	engine.Stop() // idempotent
}
