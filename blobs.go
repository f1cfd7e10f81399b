package satchel

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/snappy"
)

// BlobStore persists material payloads (PDFs, videos, images, audio) on the
// local filesystem for offline access. Blobs are snappy-compressed by
// default and optionally encrypted at rest.
type BlobStore struct {
	baseDir  string
	compress bool
	enc      *Encryptor
}

const blobSaltFile = ".satchel-salt"

// NewBlobStore creates a blob store rooted at baseDir. When encryption uses
// a password-derived key, the derivation salt is persisted under baseDir so
// blobs stay readable across restarts.
func NewBlobStore(baseDir string, compress bool, encCfg EncryptionConfig) (*BlobStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, newStorageError(StorageErrorTypeOpen, "", err)
	}
	absDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeOpen, "", err)
	}

	b := &BlobStore{baseDir: filepath.Clean(absDir), compress: compress}

	if encCfg.Enabled {
		b.enc, err = b.openEncryptor(encCfg)
		if err != nil {
			return nil, newStorageError(StorageErrorTypeOpen, "", err)
		}
	}
	return b, nil
}

// openEncryptor reuses the persisted salt when present so a password keeps
// decrypting previously written blobs.
func (b *BlobStore) openEncryptor(cfg EncryptionConfig) (*Encryptor, error) {
	if len(cfg.Key) > 0 || cfg.KeyPassword == "" {
		return NewEncryptor(cfg)
	}

	saltPath := filepath.Join(b.baseDir, blobSaltFile)
	if salt, err := os.ReadFile(saltPath); err == nil {
		return NewEncryptorWithSalt(cfg.KeyPassword, salt)
	}

	enc, err := NewEncryptor(cfg)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(saltPath, enc.Salt(), 0o600); err != nil {
		return nil, fmt.Errorf("persist key salt: %w", err)
	}
	return enc, nil
}

// safePath validates and returns a path within the base directory,
// rejecting traversal through the key.
func (b *BlobStore) safePath(key string) (string, error) {
	resolved := filepath.Clean(filepath.Join(b.baseDir, filepath.Clean(key)))
	if resolved != b.baseDir && !strings.HasPrefix(resolved, b.baseDir+string(os.PathSeparator)) {
		return "", errors.New("invalid blob key: path traversal attempt")
	}
	return resolved, nil
}

func (b *BlobStore) Write(ctx context.Context, key string, data []byte) error {
	path, err := b.safePath(key)
	if err != nil {
		return err
	}

	if b.compress {
		data = snappy.Encode(nil, data)
	}
	if b.enc != nil {
		if data, err = b.enc.Encrypt(data); err != nil {
			return newStorageError(StorageErrorTypeWrite, "", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return newStorageError(StorageErrorTypeWrite, "", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		if isQuotaErr(err) {
			return newStorageError(StorageErrorTypeQuota, "", err)
		}
		return newStorageError(StorageErrorTypeWrite, "", err)
	}
	return nil
}

func (b *BlobStore) Read(ctx context.Context, key string) ([]byte, error) {
	path, err := b.safePath(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, newStorageError(StorageErrorTypeRead, "", err)
	}

	if b.enc != nil {
		if data, err = b.enc.Decrypt(data); err != nil {
			return nil, newStorageError(StorageErrorTypeRead, "", err)
		}
	}
	if b.compress {
		if data, err = snappy.Decode(nil, data); err != nil {
			return nil, newStorageError(StorageErrorTypeRead, "", err)
		}
	}
	return data, nil
}

// Delete removes a blob. Absent keys are a no-op.
func (b *BlobStore) Delete(ctx context.Context, key string) error {
	path, err := b.safePath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return newStorageError(StorageErrorTypeWrite, "", err)
	}
	return nil
}

// Clear removes every blob while keeping the store (and its salt) usable.
func (b *BlobStore) Clear(ctx context.Context) error {
	entries, err := os.ReadDir(b.baseDir)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "", err)
	}
	for _, entry := range entries {
		if entry.Name() == blobSaltFile {
			continue
		}
		if err := os.RemoveAll(filepath.Join(b.baseDir, entry.Name())); err != nil {
			return newStorageError(StorageErrorTypeWrite, "", err)
		}
	}
	return nil
}

// SizeBytes walks the store and sums file sizes. Returns 0 on walk errors.
func (b *BlobStore) SizeBytes(ctx context.Context) (int64, error) {
	var total int64
	err := filepath.WalkDir(b.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, ierr := d.Info(); ierr == nil {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, nil
	}
	return total, nil
}
