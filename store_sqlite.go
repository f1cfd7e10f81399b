package satchel

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteStoreConfig configures the SQLite-backed durable store.
type SQLiteStoreConfig struct {
	// Path to the SQLite database file.
	Path string `yaml:"path"`

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string `yaml:"journal_mode"`

	// BusyTimeout is the timeout for acquiring locks in milliseconds.
	BusyTimeout int `yaml:"busy_timeout"`

	// MaxConnections is the max number of database connections.
	MaxConnections int `yaml:"max_connections"`
}

// DefaultSQLiteStoreConfig returns default configuration.
func DefaultSQLiteStoreConfig(path string) SQLiteStoreConfig {
	return SQLiteStoreConfig{
		Path:           path,
		JournalMode:    "WAL",
		BusyTimeout:    5000,
		MaxConnections: 4,
	}
}

// storeMigrations holds the additive schema history. Version N is applied by
// running entries [current..N). Migrations only ever add tables and indexes;
// existing collections are never dropped or rewritten, so opening an old
// database at a newer version preserves all data.
var storeMigrations = []string{
	// v1: records table with the secondary-index columns used by Filter.
	`CREATE TABLE IF NOT EXISTS records (
		collection   TEXT NOT NULL,
		key          TEXT NOT NULL,
		subject      TEXT DEFAULT '',
		kind         TEXT DEFAULT '',
		user_id      TEXT DEFAULT '',
		content_id   TEXT DEFAULT '',
		sync_pending INTEGER,
		data         TEXT NOT NULL,
		updated_at   INTEGER NOT NULL,
		PRIMARY KEY (collection, key)
	);
	CREATE INDEX IF NOT EXISTS idx_records_subject ON records(collection, subject);
	CREATE INDEX IF NOT EXISTS idx_records_user ON records(collection, user_id);
	CREATE INDEX IF NOT EXISTS idx_records_pending ON records(collection, sync_pending);`,

	// v2: lookup of materials by owning content and kind filtering.
	`CREATE INDEX IF NOT EXISTS idx_records_content ON records(collection, content_id);
	CREATE INDEX IF NOT EXISTS idx_records_kind ON records(collection, kind);`,
}

// SQLiteStore implements Store on a single SQLite file. Record payloads are
// stored as JSON with the filterable fields denormalized into indexed columns.
type SQLiteStore struct {
	db     *sql.DB
	config SQLiteStoreConfig
	mu     sync.RWMutex
	closed bool

	putStmt *sql.Stmt
	getStmt *sql.Stmt
	delStmt *sql.Stmt
}

// OpenSQLiteStore opens (and migrates) the SQLite store at config.Path.
func OpenSQLiteStore(config SQLiteStoreConfig) (*SQLiteStore, error) {
	if config.Path == "" {
		return nil, newStorageError(StorageErrorTypeOpen, "", fmt.Errorf("empty path"))
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 4
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d",
		config.Path, config.JournalMode, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeOpen, "", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	s := &SQLiteStore{db: db, config: config}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, newStorageError(StorageErrorTypeOpen, "", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, newStorageError(StorageErrorTypeOpen, "", err)
	}
	return s, nil
}

// migrate applies any pending additive migrations.
func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for v := current; v < len(storeMigrations); v++ {
		if _, err := s.db.Exec(storeMigrations[v]); err != nil {
			return fmt.Errorf("apply migration %d: %w", v+1, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, v+1); err != nil {
			return fmt.Errorf("record migration %d: %w", v+1, err)
		}
	}
	return nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.putStmt, err = s.db.Prepare(`
		INSERT OR REPLACE INTO records
			(collection, key, subject, kind, user_id, content_id, sync_pending, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, strftime('%s','now'))
	`)
	if err != nil {
		return fmt.Errorf("prepare put: %w", err)
	}

	s.getStmt, err = s.db.Prepare(`SELECT data FROM records WHERE collection = ? AND key = ?`)
	if err != nil {
		return fmt.Errorf("prepare get: %w", err)
	}

	s.delStmt, err = s.db.Prepare(`DELETE FROM records WHERE collection = ? AND key = ?`)
	if err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, c Collection, key string, record any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, string(c), err)
	}

	// Denormalize the filterable fields into indexed columns.
	var idx struct {
		Subject     string      `json:"subject"`
		Kind        ContentKind `json:"kind"`
		UserID      string      `json:"user_id"`
		ContentID   string      `json:"content_id"`
		SyncPending *bool       `json:"sync_pending"`
	}
	_ = json.Unmarshal(raw, &idx)

	var pending any
	if idx.SyncPending != nil {
		pending = boolToInt(*idx.SyncPending)
	}

	if _, err := s.putStmt.ExecContext(ctx, string(c), key,
		idx.Subject, string(idx.Kind), idx.UserID, idx.ContentID, pending, string(raw)); err != nil {
		if isQuotaErr(err) {
			return newStorageError(StorageErrorTypeQuota, string(c), err)
		}
		return newStorageError(StorageErrorTypeWrite, string(c), err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, c Collection, key string, out any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	var data string
	err := s.getStmt.QueryRowContext(ctx, string(c), key).Scan(&data)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return newStorageError(StorageErrorTypeRead, string(c), err)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return newStorageError(StorageErrorTypeRead, string(c), err)
	}
	return nil
}

func (s *SQLiteStore) GetAll(ctx context.Context, c Collection, f Filter) ([]json.RawMessage, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT data FROM records WHERE collection = ?`
	args := []any{string(c)}

	if f.Subject != "" {
		query += ` AND subject = ?`
		args = append(args, f.Subject)
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.ContentID != "" {
		query += ` AND content_id = ?`
		args = append(args, f.ContentID)
	}
	if f.SyncPending != nil {
		query += ` AND sync_pending = ?`
		args = append(args, boolToInt(*f.SyncPending))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, string(c), err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, newStorageError(StorageErrorTypeRead, string(c), err)
		}
		out = append(out, json.RawMessage(data))
	}
	if err := rows.Err(); err != nil {
		return nil, newStorageError(StorageErrorTypeRead, string(c), err)
	}
	return out, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, c Collection, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.delStmt.ExecContext(ctx, string(c), key); err != nil {
		return newStorageError(StorageErrorTypeWrite, string(c), err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context, c Collection) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ?`, string(c)); err != nil {
		return newStorageError(StorageErrorTypeWrite, string(c), err)
	}
	return nil
}

func (s *SQLiteStore) SizeBytes(ctx context.Context) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, nil
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, nil
	}
	return pageCount * pageSize, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{s.putStmt, s.getStmt, s.delStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isQuotaErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "disk is full") ||
		strings.Contains(msg, "database or disk is full") ||
		strings.Contains(msg, "no space left")
}
