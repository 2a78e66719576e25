package scanning

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nanisaisampath/brr-demo-new-ui-2025/internal/domain/scanning"
	"github.com/nanisaisampath/brr-demo-new-ui-2025/pkg/common/logger"
)

func newTestCoordinator(objects scanning.ObjectStore, progress scanning.ProgressStore, cfg DownloadConfig) *DownloadCoordinator {
	return NewDownloadCoordinator(objects, progress, cfg, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
}

func seedSession(t *testing.T, store *memProgressStore, sessionID string) {
	t.Helper()
	require.NoError(t, store.Update(sessionID, scanning.ProgressUpdate{
		Stage:   scanning.StagePtr(scanning.StageDownloading),
		Message: scanning.StringPtr("Downloading files"),
	}))
}

func TestDownloadAllSucceed(t *testing.T) {
	objects := newFakeObjectStore()
	for i := 0; i < 5; i++ {
		objects.addObject(fmt.Sprintf("batch/doc-%d.pdf", i), bytes.Repeat([]byte{byte(i)}, 64))
	}

	store := newMemProgressStore()
	seedSession(t, store, "scan-1")

	dir := t.TempDir()
	coord := newTestCoordinator(objects, store, DownloadConfig{Concurrency: 3})

	summary := coord.Download(context.Background(), "scan-1", objects.listing, dir)

	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 5, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)

	for i := 0; i < 5; i++ {
		data, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("doc-%d.pdf", i)))
		require.NoError(t, err)
		assert.Len(t, data, 64)
	}

	rec := store.mustGet("scan-1")
	assert.Equal(t, 5, rec.FilesProcessed)
	assert.Equal(t, 5, rec.TotalFiles)
	assert.Equal(t, 50, rec.Progress, "download phase tops out at 50")
}

func TestDownloadConcurrencyBound(t *testing.T) {
	objects := newFakeObjectStore()
	for i := 0; i < 6; i++ {
		objects.addObject(fmt.Sprintf("batch/doc-%d.pdf", i), bytes.Repeat([]byte{1}, 256))
	}

	store := newMemProgressStore()
	seedSession(t, store, "scan-1")

	coord := newTestCoordinator(objects, store, DownloadConfig{Concurrency: 2})
	summary := coord.Download(context.Background(), "scan-1", objects.listing, t.TempDir())

	assert.Equal(t, 6, summary.Succeeded)
	assert.LessOrEqual(t, objects.maxInFlight(), 2, "never more than the configured limit in flight")
}

func TestDownloadPartialFailureTolerance(t *testing.T) {
	objects := newFakeObjectStore()
	for i := 0; i < 5; i++ {
		objects.addObject(fmt.Sprintf("batch/doc-%d.pdf", i), bytes.Repeat([]byte{1}, 32))
	}
	objects.getErr["batch/doc-2.pdf"] = errors.New("connection reset")

	store := newMemProgressStore()
	seedSession(t, store, "scan-1")

	coord := newTestCoordinator(objects, store, DownloadConfig{Concurrency: 3})
	summary := coord.Download(context.Background(), "scan-1", objects.listing, t.TempDir())

	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 4, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []string{"batch/doc-2.pdf"}, summary.FailedKeys)

	rec := store.mustGet("scan-1")
	assert.Equal(t, 5, rec.FilesProcessed, "failed files still count as processed")
	assert.Equal(t, []string{"batch/doc-2.pdf"}, rec.FailedFiles)
}

func TestDownloadOversizeAborted(t *testing.T) {
	objects := newFakeObjectStore()
	objects.addObject("batch/ok.pdf", bytes.Repeat([]byte{1}, 32))
	objects.addObject("batch/huge.pdf", bytes.Repeat([]byte{1}, 2048))

	store := newMemProgressStore()
	seedSession(t, store, "scan-1")

	dir := t.TempDir()
	coord := newTestCoordinator(objects, store, DownloadConfig{Concurrency: 3, MaxFileSize: 1024})
	summary := coord.Download(context.Background(), "scan-1", objects.listing, dir)

	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []string{"batch/huge.pdf"}, summary.FailedKeys)

	_, err := os.Stat(filepath.Join(dir, "huge.pdf"))
	assert.True(t, os.IsNotExist(err), "oversize transfer must be aborted, not truncated")

	_, err = os.Stat(filepath.Join(dir, "ok.pdf"))
	assert.NoError(t, err)
}

func TestDownloadOversizeByAccumulation(t *testing.T) {
	// Content length unknown (-1): the cap must still trip on accumulated
	// bytes.
	objects := newFakeObjectStore()
	objects.listing = []scanning.Object{{Key: "batch/stream.bin", Size: -1}}
	objects.getHook = func(key string) (io.ReadCloser, int64, error) {
		return io.NopCloser(bytes.NewReader(bytes.Repeat([]byte{1}, 4096))), -1, nil
	}

	store := newMemProgressStore()
	seedSession(t, store, "scan-1")

	dir := t.TempDir()
	coord := newTestCoordinator(objects, store, DownloadConfig{Concurrency: 1, MaxFileSize: 1024})
	summary := coord.Download(context.Background(), "scan-1", objects.listing, dir)

	assert.Equal(t, 1, summary.Failed)
	_, err := os.Stat(filepath.Join(dir, "stream.bin"))
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadStallWatchdogAbortsTransfer(t *testing.T) {
	objects := newFakeObjectStore()
	objects.addObject("batch/ok.pdf", bytes.Repeat([]byte{1}, 32))
	objects.listing = append(objects.listing, scanning.Object{Key: "batch/stuck.pdf", Size: 64})
	objects.getHook = func(key string) (io.ReadCloser, int64, error) {
		if key == "batch/stuck.pdf" {
			return newStallingBody(), 64, nil
		}
		return io.NopCloser(bytes.NewReader(bytes.Repeat([]byte{1}, 32))), 32, nil
	}

	store := newMemProgressStore()
	seedSession(t, store, "scan-1")

	coord := newTestCoordinator(objects, store, DownloadConfig{
		Concurrency:     2,
		PerFileTimeout:  5 * time.Second,
		InactivityLimit: 30 * time.Millisecond,
		WatchdogTick:    10 * time.Millisecond,
	})

	done := make(chan DownloadSummary, 1)
	go func() {
		done <- coord.Download(context.Background(), "scan-1", objects.listing, t.TempDir())
	}()

	select {
	case summary := <-done:
		assert.Equal(t, 1, summary.Failed, "stalled transfer must fail")
		assert.Equal(t, 1, summary.Succeeded)
	case <-time.After(2 * time.Second):
		t.Fatal("stalled transfer hung the batch")
	}
}

func TestDownloadHeartbeatKeepsRecordFresh(t *testing.T) {
	objects := newFakeObjectStore()
	objects.listing = []scanning.Object{{Key: "batch/slow.pdf", Size: 16}}
	objects.getHook = func(key string) (io.ReadCloser, int64, error) {
		return &slowBody{data: bytes.Repeat([]byte{1}, 16), delay: 20 * time.Millisecond}, 16, nil
	}

	store := newMemProgressStore()
	seedSession(t, store, "scan-1")
	before := store.updateCount()

	coord := newTestCoordinator(objects, store, DownloadConfig{
		Concurrency:       1,
		HeartbeatInterval: 5 * time.Millisecond,
	})
	coord.Download(context.Background(), "scan-1", objects.listing, t.TempDir())

	// One settle update plus several heartbeats.
	assert.Greater(t, store.updateCount(), before+2, "heartbeat should republish during a slow transfer")
	assert.Equal(t, "Downloading files (1/1)", store.mustGet("scan-1").Message)
}

func TestDownloadRequestPacing(t *testing.T) {
	objects := newFakeObjectStore()
	for i := 0; i < 3; i++ {
		objects.addObject(fmt.Sprintf("batch/doc-%d.pdf", i), bytes.Repeat([]byte{1}, 16))
	}

	store := newMemProgressStore()
	seedSession(t, store, "scan-1")

	// Burst 1 at 50 rps: the second and third reads each wait ~20ms.
	coord := newTestCoordinator(objects, store, DownloadConfig{
		Concurrency: 3,
		RequestRate: 50,
	})

	start := time.Now()
	summary := coord.Download(context.Background(), "scan-1", objects.listing, t.TempDir())

	assert.Equal(t, 3, summary.Succeeded)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond,
		"reads must be paced, not issued all at once")
}

func TestTransientTransferErrorClassification(t *testing.T) {
	assert.True(t, IsTransientTransferError(fmt.Errorf("x: %w", scanning.ErrStalled)))
	assert.True(t, IsTransientTransferError(fmt.Errorf("x: %w", scanning.ErrFileTooLarge)))
	assert.True(t, IsTransientTransferError(context.DeadlineExceeded))
	assert.False(t, IsTransientTransferError(errors.New("boom")))
}

// slowBody trickles bytes with a delay between reads.
type slowBody struct {
	data  []byte
	off   int
	delay time.Duration
}

func (b *slowBody) Read(p []byte) (int, error) {
	if b.off >= len(b.data) {
		return 0, io.EOF
	}
	time.Sleep(b.delay)
	n := copy(p, b.data[b.off:b.off+1])
	b.off += n
	return n, nil
}

func (b *slowBody) Close() error { return nil }
