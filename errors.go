package satchel

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the satchel package.
var (
	// ErrClosed is returned when operations are attempted on a closed service
	// or store.
	ErrClosed = errors.New("satchel is closed")

	// ErrStorageUnavailable is returned when the local durable store could not
	// be opened or has become unusable. Offline features degrade: callers
	// treat collections as empty and always attempt the network.
	ErrStorageUnavailable = errors.New("local storage unavailable")

	// ErrQuotaExceeded is returned when a local write fails for lack of space.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrNotFound is returned when a record is absent from a collection.
	ErrNotFound = errors.New("record not found")

	// ErrOffline is returned when a remote write is attempted with no
	// connectivity. Always recoverable; the mutation stays queued.
	ErrOffline = errors.New("remote endpoint unreachable while offline")

	// ErrRemoteRejected is returned when the remote endpoint answered a write
	// with a non-success status.
	ErrRemoteRejected = errors.New("remote endpoint rejected write")
)

// StorageErrorType categorizes local store failures.
type StorageErrorType int

const (
	// StorageErrorTypeUnknown is an unclassified storage error.
	StorageErrorTypeUnknown StorageErrorType = iota
	// StorageErrorTypeOpen indicates the store could not be opened.
	StorageErrorTypeOpen
	// StorageErrorTypeRead indicates a read failure.
	StorageErrorTypeRead
	// StorageErrorTypeWrite indicates a write failure.
	StorageErrorTypeWrite
	// StorageErrorTypeQuota indicates the store is out of space.
	StorageErrorTypeQuota
)

// StorageError provides detailed information about local store failures.
type StorageError struct {
	Type       StorageErrorType
	Collection string
	Cause      error
}

func (e *StorageError) Error() string {
	op := "access"
	switch e.Type {
	case StorageErrorTypeOpen:
		op = "open"
	case StorageErrorTypeRead:
		op = "read"
	case StorageErrorTypeWrite:
		op = "write"
	case StorageErrorTypeQuota:
		op = "write"
	}
	if e.Collection != "" {
		return fmt.Sprintf("storage %s %s: %v", op, e.Collection, e.Cause)
	}
	return fmt.Sprintf("storage %s: %v", op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// Is implements error matching for StorageError.
func (e *StorageError) Is(target error) bool {
	switch e.Type {
	case StorageErrorTypeQuota:
		return target == ErrQuotaExceeded || target == ErrStorageUnavailable
	}
	return target == ErrStorageUnavailable
}

func newStorageError(errType StorageErrorType, collection string, cause error) *StorageError {
	return &StorageError{Type: errType, Collection: collection, Cause: cause}
}

// NetworkError wraps a failed remote call. Network failures are always
// treated as recoverable: the queue entry survives and is retried on the next
// sync pass.
type NetworkError struct {
	Op         string // "insert", "update", "fetch_profile", "download"
	StatusCode int    // 0 when the request never completed
	Cause      error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("remote %s: %v", e.Op, e.Cause)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

// Is implements error matching for NetworkError.
func (e *NetworkError) Is(target error) bool {
	if e.StatusCode >= 400 {
		return target == ErrRemoteRejected
	}
	return target == ErrOffline
}

// PartialDownloadError reports a multi-asset download where some materials
// failed. The content record was still persisted with the successful subset;
// this error is informational, not fatal.
type PartialDownloadError struct {
	ContentID string
	Failed    []string // material names that could not be fetched
}

func (e *PartialDownloadError) Error() string {
	return fmt.Sprintf("content %s: %d material(s) failed to download", e.ContentID, len(e.Failed))
}

// IsPartial reports whether err is a tolerated partial-download failure.
func IsPartial(err error) bool {
	var pe *PartialDownloadError
	return errors.As(err, &pe)
}
