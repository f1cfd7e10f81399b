package satchel

import (
	"errors"
	"fmt"
	"testing"
)

func TestStorageError_Matching(t *testing.T) {
	cause := errors.New("io failure")

	err := newStorageError(StorageErrorTypeWrite, "progress", cause)
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("expected write error to match ErrStorageUnavailable")
	}
	if errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("expected write error not to match ErrQuotaExceeded")
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected cause preserved in chain")
	}

	quota := newStorageError(StorageErrorTypeQuota, "content", errors.New("disk is full"))
	if !errors.Is(quota, ErrQuotaExceeded) {
		t.Errorf("expected quota error to match ErrQuotaExceeded")
	}
	if !errors.Is(quota, ErrStorageUnavailable) {
		t.Errorf("expected quota error to also match ErrStorageUnavailable")
	}
}

func TestStorageError_Message(t *testing.T) {
	err := newStorageError(StorageErrorTypeRead, "sync_queue", errors.New("corrupt page"))
	want := "storage read sync_queue: corrupt page"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}

	bare := newStorageError(StorageErrorTypeOpen, "", errors.New("locked"))
	if bare.Error() != "storage open: locked" {
		t.Errorf("unexpected message %q", bare.Error())
	}
}

func TestNetworkError_Matching(t *testing.T) {
	rejected := &NetworkError{Op: "insert", StatusCode: 422, Cause: ErrRemoteRejected}
	if !errors.Is(rejected, ErrRemoteRejected) {
		t.Errorf("expected 422 to match ErrRemoteRejected")
	}
	if errors.Is(rejected, ErrOffline) {
		t.Errorf("expected 422 not to match ErrOffline")
	}

	transport := &NetworkError{Op: "insert", Cause: errors.New("connection refused")}
	if !errors.Is(transport, ErrOffline) {
		t.Errorf("expected transport failure to match ErrOffline")
	}

	wrapped := fmt.Errorf("sync entry e1: %w", rejected)
	var ne *NetworkError
	if !errors.As(wrapped, &ne) {
		t.Errorf("expected NetworkError extractable from wrapped chain")
	}
	if ne.StatusCode != 422 {
		t.Errorf("expected status preserved, got %d", ne.StatusCode)
	}
}

func TestPartialDownloadError(t *testing.T) {
	err := &PartialDownloadError{ContentID: "bio-1", Failed: []string{"ch2.pdf", "ch4.pdf"}}
	if !IsPartial(err) {
		t.Errorf("expected IsPartial=true")
	}
	if !IsPartial(fmt.Errorf("download: %w", err)) {
		t.Errorf("expected IsPartial to see through wrapping")
	}
	if IsPartial(errors.New("plain")) {
		t.Errorf("expected IsPartial=false for unrelated error")
	}
	if IsPartial(nil) {
		t.Errorf("expected IsPartial=false for nil")
	}
}
