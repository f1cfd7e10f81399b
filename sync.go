package satchel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SyncConfig configures the sync engine.
type SyncConfig struct {
	// Interval between periodic sync passes while online. Default: 30s.
	Interval time.Duration `yaml:"interval"`

	// MaxRetries caps how many failed attempts an entry may accumulate
	// before passes skip it (it stays queued, never silently dropped).
	// 0 means unlimited, matching the source protocol, which never
	// distinguishes permanent rejection from transient failure.
	MaxRetries int `yaml:"max_retries"`

	// Retry configures in-pass backoff for transient transport errors.
	Retry RetryConfig `yaml:"-"`

	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit to the remote endpoint. Default: 5.
	BreakerThreshold int `yaml:"breaker_threshold"`

	// BreakerReset is how long the circuit stays open. Default: 30s.
	BreakerReset time.Duration `yaml:"breaker_reset"`
}

// DefaultSyncConfig returns the default sync engine configuration.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Interval:         30 * time.Second,
		MaxRetries:       0,
		Retry:            DefaultRetryConfig(),
		BreakerThreshold: 5,
		BreakerReset:     30 * time.Second,
	}
}

// SyncStats is a snapshot of sync engine activity.
type SyncStats struct {
	TotalPasses      int64         `json:"total_passes"`
	TotalSynced      int64         `json:"total_synced"`
	TotalFailed      int64         `json:"total_failed"`
	LastPassDuration time.Duration `json:"last_pass_duration"`
	LastPassTime     time.Time     `json:"last_pass_time"`
	Pending          int           `json:"pending"`
}

// SyncResult reports the outcome of one sync pass.
type SyncResult struct {
	// Skipped is true when the pass was a single-flight no-op because
	// another pass was already running.
	Skipped  bool          `json:"skipped"`
	Synced   int           `json:"synced"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// SyncEngine drains the mutation queue against the remote endpoint and
// applies per-type side effects (point accrual, leveling, activity stamps).
//
// A pass is triggered by a connectivity online-transition, by a fixed
// interval timer while online, or explicitly via Sync. Passes are
// single-flight: a trigger while a pass is running is a no-op, which is the
// only guard against double-applying read-modify-write point updates.
type SyncEngine struct {
	queue   *MutationQueue
	remote  RemoteEndpoint
	monitor ConnectivityMonitor
	store   Store
	cfg     SyncConfig
	logger  *slog.Logger

	retryer *Retryer
	cb      *CircuitBreaker

	mu       sync.Mutex
	inFlight bool
	running  bool
	stats    SyncStats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSyncEngine wires a sync engine. The store is used only to clear local
// sync-pending flags after acknowledgment; monitor may be nil when the host
// triggers every pass explicitly.
func NewSyncEngine(queue *MutationQueue, remote RemoteEndpoint, monitor ConnectivityMonitor, store Store, cfg SyncConfig, logger *slog.Logger) *SyncEngine {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retry.RetryIf == nil {
		cfg.Retry.RetryIf = IsRetryable
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SyncEngine{
		queue:   queue,
		remote:  remote,
		monitor: monitor,
		store:   store,
		cfg:     cfg,
		logger:  logger,
		retryer: NewRetryer(cfg.Retry),
		cb:      NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerReset),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the background trigger loop. Background passes fail
// silently (logged) and simply retry later.
func (e *SyncEngine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.loop()
}

// Stop shuts the trigger loop down and waits for an in-flight pass.
func (e *SyncEngine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

func (e *SyncEngine) loop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	var transitions <-chan bool
	if e.monitor != nil {
		transitions = e.monitor.Transitions()
	}

	for {
		select {
		case <-e.ctx.Done():
			return
		case online, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			if online {
				e.Sync(e.ctx)
			}
		case <-ticker.C:
			if e.monitor == nil || e.monitor.Online() {
				e.Sync(e.ctx)
			}
		}
	}
}

// Sync runs one drain-and-apply pass. Concurrent calls while a pass is
// in flight return immediately with Skipped set.
func (e *SyncEngine) Sync(ctx context.Context) SyncResult {
	e.mu.Lock()
	if e.inFlight {
		e.mu.Unlock()
		return SyncResult{Skipped: true}
	}
	e.inFlight = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inFlight = false
		e.mu.Unlock()
	}()

	start := time.Now()
	result := SyncResult{}

	entries, err := e.queue.ListPending(ctx)
	if err != nil {
		e.logger.Warn("sync pass could not read queue", "error", err)
		return result
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if e.cfg.MaxRetries > 0 && entry.RetryCount >= e.cfg.MaxRetries {
			// Over the retry ceiling: leave it queued but stop burning
			// requests on it this pass.
			continue
		}

		if err := e.apply(ctx, entry); err != nil {
			result.Failed++
			e.logger.Warn("sync failed for entry",
				"entry", entry.ID, "data_type", entry.DataType, "retries", entry.RetryCount, "error", err)
			if rerr := e.queue.IncrementRetry(ctx, entry.ID); rerr != nil {
				e.logger.Warn("could not record retry", "entry", entry.ID, "error", rerr)
			}
			continue
		}

		if err := e.queue.Remove(ctx, entry.ID); err != nil {
			e.logger.Warn("could not remove acknowledged entry", "entry", entry.ID, "error", err)
			continue
		}
		result.Synced++
	}

	result.Duration = time.Since(start)

	e.mu.Lock()
	e.stats.TotalPasses++
	e.stats.TotalSynced += int64(result.Synced)
	e.stats.TotalFailed += int64(result.Failed)
	e.stats.LastPassDuration = result.Duration
	e.stats.LastPassTime = time.Now()
	e.stats.Pending = len(entries) - result.Synced
	e.mu.Unlock()

	return result
}

// apply sends one entry to the remote append log and, on acknowledgment,
// applies its type-specific side effect. Side-effect failures after the
// acknowledged append are logged, not retried: the entry's remote write
// happened, so re-running it would double-apply.
func (e *SyncEngine) apply(ctx context.Context, entry QueueEntry) error {
	err := e.cb.Execute(func() error {
		return e.retryer.Do(ctx, func() error {
			return e.remote.Insert(ctx, TableOfflineData, map[string]any{
				"id":        entry.ID,
				"user_id":   entry.UserID,
				"data_type": string(entry.DataType),
				"data":      entry.Payload,
			})
		})
	})
	if err != nil {
		return err
	}

	if err := e.applySideEffect(ctx, entry); err != nil {
		e.logger.Warn("side effect failed after acknowledgment",
			"entry", entry.ID, "data_type", entry.DataType, "error", err)
	}
	return nil
}

func (e *SyncEngine) applySideEffect(ctx context.Context, entry QueueEntry) error {
	switch entry.DataType {
	case DataLessonProgress:
		var ev LessonProgressEvent
		if err := json.Unmarshal(entry.Payload, &ev); err != nil {
			return fmt.Errorf("decode lesson progress: %w", err)
		}
		if err := e.accruePoints(ctx, entry.UserID, ev.PointsEarned); err != nil {
			return err
		}
		e.clearSyncPending(ctx, entry.UserID, ev.LessonID)
		return nil

	case DataQuizResult:
		var ev QuizResultEvent
		if err := json.Unmarshal(entry.Payload, &ev); err != nil {
			return fmt.Errorf("decode quiz result: %w", err)
		}
		if err := e.accruePoints(ctx, entry.UserID, QuizPointDelta(ev.Score)); err != nil {
			return err
		}
		e.clearSyncPending(ctx, entry.UserID, ev.QuizID)
		return nil

	case DataAchievement:
		// Append-only; points were granted when the achievement was created.
		return e.remote.Insert(ctx, TableAchievements, map[string]any{
			"user_id": entry.UserID,
			"data":    entry.Payload,
		})

	case DataUserActivity:
		return e.remote.Update(ctx, TableProfiles,
			map[string]string{"user_id": entry.UserID},
			map[string]any{"last_activity": time.Now().UTC().Format(time.RFC3339)})
	}
	return fmt.Errorf("unknown data type %q", entry.DataType)
}

// accruePoints performs the remote read-modify-write of the learner's point
// total and recomputes the level. Passes never overlap (single-flight), which
// is the only guard against two writers racing this update.
func (e *SyncEngine) accruePoints(ctx context.Context, userID string, delta int) error {
	profile, err := e.remote.FetchProfile(ctx, userID)
	if err != nil {
		return err
	}

	total := profile.TotalPoints + delta
	return e.remote.Update(ctx, TableProfiles,
		map[string]string{"user_id": userID},
		map[string]any{
			"total_points":  total,
			"level":         LevelForPoints(total),
			"last_activity": time.Now().UTC().Format(time.RFC3339),
		})
}

// clearSyncPending flips the local progress record's pending flag once its
// mutation has been acknowledged. Local-only bookkeeping; failures are
// logged and the flag self-heals on the next update.
func (e *SyncEngine) clearSyncPending(ctx context.Context, userID, lessonID string) {
	if e.store == nil || lessonID == "" {
		return
	}
	key := userID + "/" + lessonID
	var rec ProgressRecord
	if err := e.store.Get(ctx, CollectionProgress, key, &rec); err != nil {
		return
	}
	rec.SyncPending = false
	if err := e.store.Put(ctx, CollectionProgress, key, rec); err != nil {
		e.logger.Warn("could not clear sync-pending flag", "key", key, "error", err)
	}
}

// Stats returns a snapshot of engine counters.
func (e *SyncEngine) Stats() SyncStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
