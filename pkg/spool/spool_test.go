package spool

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageWritesBodyAndReportsSize(t *testing.T) {
	s := New(t.TempDir(), 0, 0)

	result, size, err := s.Stage("a/b/c", strings.NewReader("HELLO"))
	require.NoError(t, err)
	assert.Equal(t, StageAccepted, result)
	assert.EqualValues(t, 5, size)

	data, err := os.ReadFile(filepath.Join(s.spoolDir, "a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(data))
}

func TestStageDuplicateWhenSpoolFileExists(t *testing.T) {
	s := New(t.TempDir(), 0, 0)

	_, _, err := s.Stage("k", strings.NewReader("first"))
	require.NoError(t, err)

	result, _, err := s.Stage("k", strings.NewReader("second"))
	require.NoError(t, err)
	assert.Equal(t, StageDuplicate, result)
}

func TestAdmitAndUploadRejectsOversizedEntry(t *testing.T) {
	s := New(t.TempDir(), 10, 0)
	_, _, err := s.Stage("k", strings.NewReader(strings.Repeat("x", 20)))
	require.NoError(t, err)

	result, done := s.AdmitAndUpload(context.Background(), "k", 20, false, func(ctx context.Context, key, path string, size int64) error {
		t.Fatal("upload must not be called for an oversized entry")
		return nil
	})
	assert.Equal(t, AdmitTooLarge, result)
	assert.Nil(t, done)
	_, statErr := os.Stat(s.pathFor("k"))
	assert.True(t, os.IsNotExist(statErr), "spool file must be unlinked on rejection")
}

func TestAdmitAndUploadRejectsOverBudget(t *testing.T) {
	s := New(t.TempDir(), 0, 10)
	_, _, err := s.Stage("k", strings.NewReader(strings.Repeat("x", 20)))
	require.NoError(t, err)

	result, done := s.AdmitAndUpload(context.Background(), "k", 20, false, func(ctx context.Context, key, path string, size int64) error {
		t.Fatal("upload must not be called when over budget")
		return nil
	})
	assert.Equal(t, AdmitBudgetExceeded, result)
	assert.Nil(t, done)
}

func TestAdmitAndUploadSyncRunsInline(t *testing.T) {
	s := New(t.TempDir(), 0, 0)
	_, _, err := s.Stage("k", strings.NewReader("HELLO"))
	require.NoError(t, err)

	var called atomic.Bool
	result, done := s.AdmitAndUpload(context.Background(), "k", 5, false, func(ctx context.Context, key, path string, size int64) error {
		called.Store(true)
		return nil
	})
	assert.Equal(t, AdmitUploading, result)
	assert.True(t, called.Load(), "synchronous upload must have already run by the time AdmitAndUpload returns")

	err = <-done
	assert.NoError(t, err)
	assert.EqualValues(t, 0, s.PendingBytes())
	_, statErr := os.Stat(s.pathFor("k"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestAdmitAndUploadAsyncCompletesInBackground(t *testing.T) {
	s := New(t.TempDir(), 0, 0)
	_, _, err := s.Stage("k", strings.NewReader("HELLO"))
	require.NoError(t, err)

	release := make(chan struct{})
	result, done := s.AdmitAndUpload(context.Background(), "k", 5, true, func(ctx context.Context, key, path string, size int64) error {
		<-release
		return nil
	})
	assert.Equal(t, AdmitUploading, result)
	assert.True(t, s.InFlight("k"))
	assert.EqualValues(t, 5, s.PendingBytes())

	close(release)
	err = <-done
	assert.NoError(t, err)
	assert.Eventually(t, func() bool { return s.PendingBytes() == 0 }, time.Second, time.Millisecond)
	assert.False(t, s.InFlight("k"))
}

func TestPurgeAllEmptiesDirectory(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, 0, 0)
	_, _, err := s.Stage("a/b", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, s.PurgeAll())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConcurrentStageOnlyOneAccepted(t *testing.T) {
	// Exercises the idempotence property the router relies on: two
	// concurrent PUTs for the same key must result in only one accepted
	// stage (the other observes StageDuplicate), because Stage opens the
	// spool file with O_EXCL.
	s := New(t.TempDir(), 0, 0)

	var wg sync.WaitGroup
	results := make([]StageResult, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, _, err := s.Stage("k", strings.NewReader("HELLO"))
			require.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	var accepted, duplicate int
	for _, r := range results {
		switch r {
		case StageAccepted:
			accepted++
		case StageDuplicate:
			duplicate++
		}
	}
	assert.Equal(t, 1, accepted, "exactly one concurrent stage for the same key must be accepted")
	assert.Equal(t, 7, duplicate)
}
