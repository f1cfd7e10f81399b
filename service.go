package satchel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"
)

// OfflineService is the top-level facade tying together the durable store,
// the mutation queue, the sync engine, and the content cache.
//
// Writes always land locally first and are queued for upload; the sync engine
// drains the queue whenever connectivity allows. When the SQLite store cannot
// be opened the service comes up in degraded mode on an in-memory store, so
// the app keeps working for the session even if nothing survives a restart.
type OfflineService struct {
	config  Config
	store   Store
	blobs   *BlobStore
	queue   *MutationQueue
	remote  RemoteEndpoint
	source  ContentSource
	cache   *ContentCache
	engine  *SyncEngine
	monitor ConnectivityMonitor
	logger  *slog.Logger

	degraded bool
}

// ServiceStats aggregates counters from the service's subsystems.
type ServiceStats struct {
	Sync    SyncStats  `json:"sync"`
	Cache   CacheStats `json:"cache"`
	Pending int        `json:"pending"`
}

// New creates and starts an offline service from the given configuration.
func New(cfg Config) (*OfflineService, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger.With("component", "offline_service")

	s := &OfflineService{config: cfg, logger: logger}

	store, err := OpenSQLiteStore(cfg.Store)
	if err != nil {
		// Durable storage is best effort: a corrupt or unopenable database
		// degrades to an in-memory session instead of taking the app down.
		logger.Warn("durable store unavailable, running in memory",
			"path", cfg.Store.Path, "error", err)
		s.store = NewMemoryStore()
		s.degraded = true
	} else {
		s.store = store
	}

	blobs, err := NewBlobStore(filepath.Join(cfg.DataDir, "materials"), *cfg.CompressBlobs, cfg.Encryption)
	if err != nil {
		s.store.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	s.blobs = blobs

	s.remote = NewHTTPEndpoint(cfg.Remote)

	if cfg.S3Source.Bucket != "" {
		source, err := NewS3ContentSource(cfg.S3Source)
		if err != nil {
			s.store.Close()
			return nil, fmt.Errorf("open S3 content source: %w", err)
		}
		s.source = source
	} else {
		s.source = NewHTTPContentSource(cfg.Source)
	}

	switch {
	case cfg.Realtime.URL != "":
		s.monitor = NewRealtimeMonitor(cfg.Realtime)
	case cfg.Probe.URL != "":
		s.monitor = NewProbeMonitor(cfg.Probe)
	default:
		s.monitor = NewManualMonitor(true)
	}

	s.queue = NewMutationQueue(s.store)
	s.cache = NewContentCache(s.store, s.blobs, s.source, cfg.Cache, cfg.Logger)
	s.engine = NewSyncEngine(s.queue, s.remote, s.monitor, s.store, cfg.Sync, cfg.Logger)
	s.engine.Start()

	logger.Info("offline service started",
		"data_dir", cfg.DataDir, "degraded", s.degraded)
	return s, nil
}

// Degraded reports whether the service fell back to in-memory storage.
func (s *OfflineService) Degraded() bool { return s.degraded }

// SaveLessonProgress records lesson progress locally and queues it for
// upload. timeSpent is the additional seconds spent since the last save; the
// stored total only ever grows. Score is clamped to [0,100]. A lesson once
// completed stays completed.
func (s *OfflineService) SaveLessonProgress(ctx context.Context, userID, lessonID string, completed bool, score int, timeSpent int64, pointsEarned int) error {
	if timeSpent < 0 {
		timeSpent = 0
	}
	record, err := s.upsertProgress(ctx, userID, lessonID, completed, score, timeSpent)
	if err != nil {
		return err
	}

	event := LessonProgressEvent{
		LessonID:     lessonID,
		Completed:    record.Completed,
		TimeSpent:    record.TimeSpent,
		PointsEarned: pointsEarned,
	}
	if _, err := s.queue.Enqueue(ctx, ActionCreate, DataLessonProgress, userID, event); err != nil {
		return err
	}
	s.maybeSync()
	return nil
}

// SaveQuizResult records a finished quiz attempt locally and queues it for
// upload. Score is clamped to [0,100]; points are granted remotely during
// sync at 50 points for a perfect score.
func (s *OfflineService) SaveQuizResult(ctx context.Context, userID, quizID string, score int, answers json.RawMessage, timeSpent int64) error {
	if timeSpent < 0 {
		timeSpent = 0
	}
	score = ClampScore(score)
	if _, err := s.upsertProgress(ctx, userID, quizID, true, score, timeSpent); err != nil {
		return err
	}

	event := QuizResultEvent{
		QuizID:    quizID,
		Score:     score,
		Answers:   answers,
		TimeSpent: timeSpent,
	}
	if _, err := s.queue.Enqueue(ctx, ActionCreate, DataQuizResult, userID, event); err != nil {
		return err
	}
	s.maybeSync()
	return nil
}

// upsertProgress merges an update into the stored progress record, enforcing
// score bounds and time-spent monotonicity.
func (s *OfflineService) upsertProgress(ctx context.Context, userID, lessonID string, completed bool, score int, timeSpentDelta int64) (ProgressRecord, error) {
	record := ProgressRecord{UserID: userID, LessonID: lessonID}
	if err := s.store.Get(ctx, CollectionProgress, record.Key(), &record); err != nil && !errors.Is(err, ErrNotFound) {
		return ProgressRecord{}, fmt.Errorf("load progress: %w", err)
	}

	record.Completed = record.Completed || completed
	record.Score = ClampScore(score)
	record.TimeSpent += timeSpentDelta
	record.LastUpdated = time.Now()
	record.SyncPending = true

	if err := s.store.Put(ctx, CollectionProgress, record.Key(), record); err != nil {
		return ProgressRecord{}, fmt.Errorf("save progress: %w", err)
	}
	return record, nil
}

// RecordAchievement queues an unlocked achievement for upload. Achievements
// are append-only; their points were granted when earned.
func (s *OfflineService) RecordAchievement(ctx context.Context, userID, achievementID, name string, points int) error {
	event := AchievementEvent{
		AchievementID: achievementID,
		Name:          name,
		PointsAwarded: points,
	}
	if _, err := s.queue.Enqueue(ctx, ActionCreate, DataAchievement, userID, event); err != nil {
		return err
	}
	s.maybeSync()
	return nil
}

// RecordActivity queues a bare activity signal so the remote last-activity
// timestamp gets refreshed on the next sync.
func (s *OfflineService) RecordActivity(ctx context.Context, userID string) error {
	if _, err := s.queue.Enqueue(ctx, ActionUpdate, DataUserActivity, userID, struct{}{}); err != nil {
		return err
	}
	s.maybeSync()
	return nil
}

// EnqueueMutation adds an arbitrary mutation to the sync queue.
func (s *OfflineService) EnqueueMutation(ctx context.Context, action ActionKind, dataType DataType, userID string, payload any) (QueueEntry, error) {
	entry, err := s.queue.Enqueue(ctx, action, dataType, userID, payload)
	if err != nil {
		return QueueEntry{}, err
	}
	s.maybeSync()
	return entry, nil
}

// maybeSync kicks off a background sync pass when connectivity allows. The
// engine's single-flight guard makes redundant kicks harmless.
func (s *OfflineService) maybeSync() {
	if s.monitor.Online() {
		go s.engine.Sync(context.Background())
	}
}

// Progress returns the stored progress record for a (user, lesson) pair.
func (s *OfflineService) Progress(ctx context.Context, userID, lessonID string) (ProgressRecord, error) {
	var record ProgressRecord
	key := userID + "/" + lessonID
	if err := s.store.Get(ctx, CollectionProgress, key, &record); err != nil {
		return ProgressRecord{}, err
	}
	return record, nil
}

// ListProgress returns all progress records for a user.
func (s *OfflineService) ListProgress(ctx context.Context, userID string) ([]ProgressRecord, error) {
	raws, err := s.store.GetAll(ctx, CollectionProgress, Filter{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	return decodeAll[ProgressRecord](raws), nil
}

// PendingCount returns the number of queued mutations, 0 when unknown.
func (s *OfflineService) PendingCount(ctx context.Context) int {
	return s.queue.PendingCount(ctx)
}

// TriggerSync runs a sync pass now and returns its result.
func (s *OfflineService) TriggerSync(ctx context.Context) SyncResult {
	return s.engine.Sync(ctx)
}

// DownloadContent fetches a content item for offline use. See
// ContentCache.Download for partial-failure semantics.
func (s *OfflineService) DownloadContent(ctx context.Context, id string, onProgress ProgressFunc) error {
	return s.cache.Download(ctx, id, onProgress)
}

// DownloadSubject downloads all content the source lists for a subject.
func (s *OfflineService) DownloadSubject(ctx context.Context, subject string, onProgress ProgressFunc) error {
	return s.cache.DownloadSubject(ctx, subject, onProgress)
}

// CachedContent returns a cached content item, refreshing its last-accessed
// timestamp.
func (s *OfflineService) CachedContent(ctx context.Context, id string) (ContentRecord, error) {
	return s.cache.Get(ctx, id)
}

// ListCachedContent lists cached content, optionally filtered by subject and
// kind.
func (s *OfflineService) ListCachedContent(ctx context.Context, subject string, kind ContentKind) ([]ContentRecord, error) {
	return s.cache.List(ctx, subject, kind)
}

// Materials lists the downloaded materials attached to a content item.
func (s *OfflineService) Materials(ctx context.Context, contentID string) ([]MaterialRecord, error) {
	return s.cache.Materials(ctx, contentID)
}

// OpenMaterial returns the locally stored bytes for a material.
func (s *OfflineService) OpenMaterial(ctx context.Context, contentID, name string) ([]byte, error) {
	return s.cache.OpenMaterial(ctx, contentID, name)
}

// EvictContent removes one content item and its materials from the cache.
func (s *OfflineService) EvictContent(ctx context.Context, id string) error {
	return s.cache.Evict(ctx, id)
}

// ClearAllOfflineData wipes every piece of local state: cached content,
// materials and their blobs, progress records, and the pending mutation
// queue. Unsynced mutations are lost.
func (s *OfflineService) ClearAllOfflineData(ctx context.Context) error {
	if err := s.cache.Clear(ctx); err != nil {
		return err
	}
	if err := s.store.Clear(ctx, CollectionProgress); err != nil {
		return fmt.Errorf("clear progress: %w", err)
	}
	if err := s.queue.Clear(ctx); err != nil {
		return err
	}
	s.logger.Info("cleared all offline data")
	return nil
}

// StorageUsage reports local storage consumption against the quota.
func (s *OfflineService) StorageUsage(ctx context.Context) StorageUsage {
	return s.cache.Usage(ctx)
}

// Stats returns a snapshot of sync, cache, and queue counters.
func (s *OfflineService) Stats(ctx context.Context) ServiceStats {
	return ServiceStats{
		Sync:    s.engine.Stats(),
		Cache:   s.cache.Stats(),
		Pending: s.queue.PendingCount(ctx),
	}
}

// Close stops background work and releases resources. Pending mutations stay
// queued and resume on the next start.
func (s *OfflineService) Close() error {
	s.engine.Stop()
	if err := s.monitor.Close(); err != nil {
		s.logger.Debug("monitor close", "error", err)
	}
	return s.store.Close()
}
