// Package spool stages PUT bodies to disk and drives their background
// upload to the remote object store under a global pending-byte budget, so
// the router can acknowledge a write before the slow part, the network
// round trip to the store, has finished.
package spool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"

	"github.com/AudereNow/s3cacheproxy/internal/logger"
)

// StageResult is the outcome of Stage.
type StageResult int

const (
	// StageAccepted means the body was written to the spool path and is
	// ready for AdmitAndUpload.
	StageAccepted StageResult = iota
	// StageDuplicate means a spool file for this key already existed;
	// an upload for this key is already in flight.
	StageDuplicate
	// StageIOError means writing the spool file failed.
	StageIOError
)

// AdmitResult is the outcome of AdmitAndUpload's admission check.
type AdmitResult int

const (
	// AdmitUploading means the upload was admitted and launched.
	AdmitUploading AdmitResult = iota
	// AdmitTooLarge means size exceeds the configured per-entry cap.
	AdmitTooLarge
	// AdmitBudgetExceeded means admitting size would exceed the pending
	// upload byte budget.
	AdmitBudgetExceeded
)

// UploadFunc performs the actual remote transfer of the spooled file at
// path, and reports its outcome to the circuit breaker exactly once before
// returning.
type UploadFunc func(ctx context.Context, key, path string, size int64) error

// Spooler stages upload bodies to spoolDir and uploads them asynchronously
// under a shared pending-byte budget.
type Spooler struct {
	spoolDir        string
	maxEntryBytes   int64 // 0 means no cap
	maxPendingBytes int64 // 0 means no cap

	pendingBytes atomic.Int64

	mu     sync.Mutex
	active map[string]struct{} // keys with an upload currently in flight

	wg conc.WaitGroup
}

// New creates a Spooler rooted at spoolDir. maxEntryBytes and
// maxPendingBytes of 0 disable the corresponding limit.
func New(spoolDir string, maxEntryBytes, maxPendingBytes int64) *Spooler {
	return &Spooler{
		spoolDir:        spoolDir,
		maxEntryBytes:   maxEntryBytes,
		maxPendingBytes: maxPendingBytes,
		active:          make(map[string]struct{}),
	}
}

// pathFor returns the canonical spool path for key. The key is a slash-
// separated request path with no leading separator, so it maps directly
// onto a nested file path under spoolDir.
func (s *Spooler) pathFor(key string) string {
	return filepath.Join(s.spoolDir, filepath.FromSlash(key))
}

// Stage streams body to the spool path for key. If a spool file for key
// already exists, it returns StageDuplicate without consuming body further
// than necessary; the router treats this as success, the upload is already
// in flight.
func (s *Spooler) Stage(key string, body io.Reader) (result StageResult, size int64, err error) {
	path := s.pathFor(key)

	if _, statErr := os.Stat(path); statErr == nil {
		return StageDuplicate, 0, nil
	}

	if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
		return StageIOError, 0, fmt.Errorf("spool: create dir: %w", mkErr)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return StageDuplicate, 0, nil
		}
		return StageIOError, 0, fmt.Errorf("spool: create file: %w", err)
	}

	n, copyErr := io.Copy(f, body)
	closeErr := f.Close()
	if copyErr != nil {
		os.Remove(path)
		return StageIOError, 0, fmt.Errorf("spool: write body: %w", copyErr)
	}
	if closeErr != nil {
		os.Remove(path)
		return StageIOError, 0, fmt.Errorf("spool: close file: %w", closeErr)
	}

	return StageAccepted, n, nil
}

// AdmitAndUpload admits size into the pending-byte budget and, if admitted,
// runs upload: inline when async is false, otherwise in the background via
// a panic-safe goroutine. The
// terminal outcome, success or failure, always decrements pendingBytes
// and unlinks the spool file, regardless of admission result's caller
// waiting for it or not.
func (s *Spooler) AdmitAndUpload(ctx context.Context, key string, size int64, async bool, upload UploadFunc) (AdmitResult, <-chan error) {
	path := s.pathFor(key)

	if s.maxEntryBytes > 0 && size > s.maxEntryBytes {
		os.Remove(path)
		return AdmitTooLarge, nil
	}

	for {
		current := s.pendingBytes.Load()
		if s.maxPendingBytes > 0 && current+size > s.maxPendingBytes {
			os.Remove(path)
			return AdmitBudgetExceeded, nil
		}
		if s.pendingBytes.CompareAndSwap(current, current+size) {
			break
		}
	}

	s.mu.Lock()
	s.active[key] = struct{}{}
	s.mu.Unlock()

	uploadCtx := ctx
	if async {
		// The caller's request context is cancelled the moment the handler
		// returns, well before a background upload gets a chance to run.
		// Detach cancellation so the upload isn't killed out from under
		// itself; WithoutCancel still carries the request's log fields.
		uploadCtx = context.WithoutCancel(ctx)
	}

	done := make(chan error, 1)
	run := func() {
		err := upload(uploadCtx, key, path, size)

		s.pendingBytes.Add(-size)
		s.mu.Lock()
		delete(s.active, key)
		s.mu.Unlock()

		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logger.Warn("spool: failed to unlink spool file", logger.Key(key), logger.Err(rmErr))
		}

		if err != nil {
			logger.ErrorCtx(ctx, "spool: upload failed", logger.Key(key), logger.Err(err))
		}
		done <- err
		close(done)
	}

	if async {
		s.wg.Go(run)
	} else {
		run()
	}

	return AdmitUploading, done
}

// PendingBytes returns the current sum of sizes of uploads in flight.
func (s *Spooler) PendingBytes() int64 {
	return s.pendingBytes.Load()
}

// InFlight reports whether an upload for key is currently admitted and
// running.
func (s *Spooler) InFlight(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[key]
	return ok
}

// PurgeAll deletes the entire spool directory tree and recreates it empty.
// Called on startup (to clear leftovers from an unclean prior exit) and on
// shutdown.
func (s *Spooler) PurgeAll() error {
	if err := os.RemoveAll(s.spoolDir); err != nil {
		return fmt.Errorf("spool: purge: %w", err)
	}
	if err := os.MkdirAll(s.spoolDir, 0o755); err != nil {
		return fmt.Errorf("spool: recreate dir: %w", err)
	}
	return nil
}

// Wait blocks until all in-flight background uploads have finished. The
// shutdown sequence does not call it; uploads in flight at exit are
// abandoned.
func (s *Spooler) Wait() {
	s.wg.Wait()
}
