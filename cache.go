package satchel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// CacheConfig holds content cache settings.
type CacheConfig struct {
	// QuotaBytes is the soft cap on total local storage (store + blobs).
	// Downloads that would exceed it are refused with ErrQuotaExceeded.
	// 0 means unlimited. Default: 500 MB.
	QuotaBytes int64 `yaml:"quota_bytes"`

	// DownloadConcurrency bounds parallel content downloads in DownloadSubject.
	// Default: 4.
	DownloadConcurrency int `yaml:"download_concurrency"`
}

// DefaultCacheConfig returns a CacheConfig with sensible defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		QuotaBytes:          500 * 1024 * 1024,
		DownloadConcurrency: 4,
	}
}

// CacheStats tracks content cache activity.
type CacheStats struct {
	Downloads        uint64 `json:"downloads"`
	PartialDownloads uint64 `json:"partial_downloads"`
	FailedDownloads  uint64 `json:"failed_downloads"`
	Evictions        uint64 `json:"evictions"`
}

// ProgressFunc receives download progress as a percentage in [0,100]. Values
// reported to a single callback never decrease.
type ProgressFunc func(pct int)

// ContentCache manages locally downloaded lessons, quizzes, and their
// attached materials. Content metadata lives in the durable store; material
// bytes live in the blob backend.
type ContentCache struct {
	store  Store
	blobs  *BlobStore
	source ContentSource
	config CacheConfig
	logger *slog.Logger

	downloads        atomic.Uint64
	partialDownloads atomic.Uint64
	failedDownloads  atomic.Uint64
	evictions        atomic.Uint64
}

// NewContentCache creates a content cache over the given store, blob backend,
// and remote content source.
func NewContentCache(store Store, blobs *BlobStore, source ContentSource, cfg CacheConfig, logger *slog.Logger) *ContentCache {
	if cfg.DownloadConcurrency <= 0 {
		cfg.DownloadConcurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContentCache{
		store:  store,
		blobs:  blobs,
		source: source,
		config: cfg,
		logger: logger.With("component", "content_cache"),
	}
}

// monotonicProgress wraps a ProgressFunc so reported values are clamped to
// [0,100] and never go backwards.
func monotonicProgress(fn ProgressFunc) ProgressFunc {
	if fn == nil {
		return func(int) {}
	}
	last := -1
	return func(pct int) {
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		if pct <= last {
			return
		}
		last = pct
		fn(pct)
	}
}

// Download fetches the content with the given ID from the remote source and
// persists it for offline use, reporting progress through onProgress.
//
// Individual material failures do not abort the download: the content record
// is stored with the materials that did succeed and a *PartialDownloadError
// is returned so callers can surface the gap. Storage quota is checked before
// any bytes are written.
func (c *ContentCache) Download(ctx context.Context, id string, onProgress ProgressFunc) error {
	report := monotonicProgress(onProgress)
	report(0)

	if err := c.checkQuota(ctx); err != nil {
		c.failedDownloads.Add(1)
		return err
	}

	manifest, err := c.source.FetchContent(ctx, id)
	if err != nil {
		c.failedDownloads.Add(1)
		return fmt.Errorf("fetch content %s: %w", id, err)
	}
	report(10)

	now := time.Now()
	var totalSize int64
	var failed []string

	// Each material gets an equal share of the 10..90 progress band.
	share := 80
	if n := len(manifest.Materials); n > 0 {
		share = 80 / n
	}

	for i, ref := range manifest.Materials {
		size, err := c.downloadMaterial(ctx, manifest.ID, ref, now)
		if err != nil {
			if ctx.Err() != nil {
				c.failedDownloads.Add(1)
				return ctx.Err()
			}
			c.logger.Warn("material download failed",
				"content_id", manifest.ID,
				"material", ref.Name,
				"error", err)
			failed = append(failed, ref.Name)
		} else {
			totalSize += size
		}
		report(10 + (i+1)*share)
	}
	report(90)

	record := ContentRecord{
		ID:           manifest.ID,
		Kind:         manifest.Kind,
		Subject:      manifest.Subject,
		Title:        manifest.Title,
		Payload:      manifest.Payload,
		SizeBytes:    totalSize + int64(len(manifest.Payload)),
		DownloadedAt: now,
		LastAccessed: now,
	}
	if err := c.store.Put(ctx, CollectionContent, record.ID, record); err != nil {
		c.failedDownloads.Add(1)
		return fmt.Errorf("store content %s: %w", manifest.ID, err)
	}
	report(100)

	c.downloads.Add(1)
	if len(failed) > 0 {
		c.partialDownloads.Add(1)
		return &PartialDownloadError{ContentID: manifest.ID, Failed: failed}
	}
	return nil
}

func (c *ContentCache) downloadMaterial(ctx context.Context, contentID string, ref MaterialRef, now time.Time) (int64, error) {
	body, _, err := c.source.OpenMaterial(ctx, ref.Ref)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return 0, fmt.Errorf("read material %s: %w", ref.Name, err)
	}

	key := contentID + "/" + ref.Name
	if err := c.blobs.Write(ctx, key, data); err != nil {
		return 0, fmt.Errorf("store material %s: %w", ref.Name, err)
	}

	record := MaterialRecord{
		ID:           key,
		ContentID:    contentID,
		Name:         ref.Name,
		MediaType:    ref.MediaType,
		SizeBytes:    int64(len(data)),
		BlobKey:      key,
		DownloadedAt: now,
	}
	if err := c.store.Put(ctx, CollectionMaterials, record.ID, record); err != nil {
		return 0, fmt.Errorf("store material record %s: %w", ref.Name, err)
	}
	return int64(len(data)), nil
}

// DownloadSubject downloads every content item the source lists for a
// subject, bounded by DownloadConcurrency. Per-item failures are logged and
// counted; the first error is returned after all downloads finish.
func (c *ContentCache) DownloadSubject(ctx context.Context, subject string, onProgress ProgressFunc) error {
	ids, err := c.source.ListSubject(ctx, subject)
	if err != nil {
		return fmt.Errorf("list subject %s: %w", subject, err)
	}
	if len(ids) == 0 {
		return nil
	}

	report := monotonicProgress(onProgress)
	report(0)

	var (
		wg       sync.WaitGroup
		sem      = make(chan struct{}, c.config.DownloadConcurrency)
		mu       sync.Mutex
		done     int
		firstErr error
	)

	for _, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()

			err := c.Download(ctx, id, nil)

			mu.Lock()
			defer mu.Unlock()
			done++
			report(done * 100 / len(ids))
			if err != nil && !IsPartial(err) {
				c.logger.Warn("subject download item failed",
					"subject", subject, "content_id", id, "error", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}(id)
	}
	wg.Wait()
	return firstErr
}

// Get returns a cached content record and refreshes its LastAccessed
// timestamp. Returns ErrNotFound when the content is not cached.
func (c *ContentCache) Get(ctx context.Context, id string) (ContentRecord, error) {
	var record ContentRecord
	if err := c.store.Get(ctx, CollectionContent, id, &record); err != nil {
		return ContentRecord{}, err
	}
	record.LastAccessed = time.Now()
	if err := c.store.Put(ctx, CollectionContent, record.ID, record); err != nil {
		c.logger.Debug("touch failed", "content_id", record.ID, "error", err)
	}
	return record, nil
}

// List returns cached content records, optionally filtered by subject and
// kind (empty values match everything). Results are ordered by most recent
// download first.
func (c *ContentCache) List(ctx context.Context, subject string, kind ContentKind) ([]ContentRecord, error) {
	raws, err := c.store.GetAll(ctx, CollectionContent, Filter{Subject: subject, Kind: kind})
	if err != nil {
		return nil, fmt.Errorf("list content: %w", err)
	}
	records := decodeAll[ContentRecord](raws)
	sort.Slice(records, func(i, j int) bool {
		return records[i].DownloadedAt.After(records[j].DownloadedAt)
	})
	return records, nil
}

// Materials returns the material records attached to a content item.
func (c *ContentCache) Materials(ctx context.Context, contentID string) ([]MaterialRecord, error) {
	raws, err := c.store.GetAll(ctx, CollectionMaterials, Filter{ContentID: contentID})
	if err != nil {
		return nil, fmt.Errorf("list materials: %w", err)
	}
	return decodeAll[MaterialRecord](raws), nil
}

// OpenMaterial returns the locally stored bytes for a material.
func (c *ContentCache) OpenMaterial(ctx context.Context, contentID, name string) ([]byte, error) {
	var record MaterialRecord
	if err := c.store.Get(ctx, CollectionMaterials, contentID+"/"+name, &record); err != nil {
		return nil, err
	}
	return c.blobs.Read(ctx, record.BlobKey)
}

// Evict removes a content item, its material records, and their blobs.
// Evicting content that is not cached is a no-op.
func (c *ContentCache) Evict(ctx context.Context, id string) error {
	materials, err := c.Materials(ctx, id)
	if err != nil {
		return err
	}
	for _, m := range materials {
		if err := c.blobs.Delete(ctx, m.BlobKey); err != nil {
			return fmt.Errorf("delete blob %s: %w", m.BlobKey, err)
		}
		if err := c.store.Delete(ctx, CollectionMaterials, m.ID); err != nil {
			return fmt.Errorf("delete material %s: %w", m.ID, err)
		}
	}
	if err := c.store.Delete(ctx, CollectionContent, id); err != nil {
		return fmt.Errorf("delete content %s: %w", id, err)
	}
	c.evictions.Add(1)
	return nil
}

// Clear removes all cached content, material records, and blobs.
func (c *ContentCache) Clear(ctx context.Context) error {
	if err := c.store.Clear(ctx, CollectionContent); err != nil {
		return fmt.Errorf("clear content: %w", err)
	}
	if err := c.store.Clear(ctx, CollectionMaterials); err != nil {
		return fmt.Errorf("clear materials: %w", err)
	}
	if err := c.blobs.Clear(ctx); err != nil {
		return fmt.Errorf("clear blobs: %w", err)
	}
	return nil
}

// Usage reports current local storage consumption against the configured
// quota. Returns zeros when the sizes cannot be determined.
func (c *ContentCache) Usage(ctx context.Context) StorageUsage {
	storeBytes, err := c.store.SizeBytes(ctx)
	if err != nil {
		c.logger.Debug("store size unavailable", "error", err)
		return StorageUsage{}
	}
	blobBytes, err := c.blobs.SizeBytes(ctx)
	if err != nil {
		c.logger.Debug("blob size unavailable", "error", err)
		return StorageUsage{}
	}
	return StorageUsage{
		UsedBytes:  storeBytes + blobBytes,
		QuotaBytes: c.config.QuotaBytes,
	}
}

func (c *ContentCache) checkQuota(ctx context.Context) error {
	if c.config.QuotaBytes <= 0 {
		return nil
	}
	usage := c.Usage(ctx)
	if usage.UsedBytes >= c.config.QuotaBytes {
		return newStorageError(StorageErrorTypeQuota, string(CollectionContent),
			fmt.Errorf("used %d of %d bytes", usage.UsedBytes, c.config.QuotaBytes))
	}
	return nil
}

// Stats returns a snapshot of cache activity counters.
func (c *ContentCache) Stats() CacheStats {
	return CacheStats{
		Downloads:        c.downloads.Load(),
		PartialDownloads: c.partialDownloads.Load(),
		FailedDownloads:  c.failedDownloads.Load(),
		Evictions:        c.evictions.Load(),
	}
}

// marshalPayload is a small helper for callers building event payloads.
func marshalPayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}
