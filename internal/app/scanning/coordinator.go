// Package scanning provides the services that drive a document batch scan:
// the download coordinator, the verification invoker, the session
// orchestrator, and the client-side progress poller.
package scanning

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nanisaisampath/brr-demo-new-ui-2025/internal/domain/scanning"
	"github.com/nanisaisampath/brr-demo-new-ui-2025/pkg/common"
	"github.com/nanisaisampath/brr-demo-new-ui-2025/pkg/common/logger"
)

const (
	defaultConcurrency       = 3
	defaultPerFileTimeout    = 30 * time.Second
	defaultInactivityLimit   = 20 * time.Second
	defaultWatchdogTick      = 2 * time.Second
	defaultMaxFileSize       = 100 * 1024 * 1024
	defaultHeartbeatInterval = 2 * time.Second

	copyBufferSize = 32 * 1024
)

// DownloadConfig tunes the download coordinator. Zero values fall back to
// the defaults above.
type DownloadConfig struct {
	// Concurrency caps the number of in-flight transfers.
	Concurrency int

	// PerFileTimeout bounds the total duration of one transfer.
	PerFileTimeout time.Duration

	// InactivityLimit is how long a transfer may go without receiving any
	// bytes before the stall watchdog aborts it.
	InactivityLimit time.Duration

	// WatchdogTick is the fixed interval on which the stall watchdog checks
	// transfer activity.
	WatchdogTick time.Duration

	// MaxFileSize aborts (not truncates) any transfer whose accumulated
	// bytes exceed it.
	MaxFileSize int64

	// HeartbeatInterval is how often the current status message is
	// republished during the download phase, so pollers never mistake a
	// slow batch for a dead session.
	HeartbeatInterval time.Duration

	// RequestRate caps the rate at which object reads are issued against
	// the remote store, in requests per second. Zero disables pacing.
	RequestRate float64
}

func (c DownloadConfig) withDefaults() DownloadConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.PerFileTimeout <= 0 {
		c.PerFileTimeout = defaultPerFileTimeout
	}
	if c.InactivityLimit <= 0 {
		c.InactivityLimit = defaultInactivityLimit
	}
	if c.WatchdogTick <= 0 {
		c.WatchdogTick = defaultWatchdogTick
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = defaultMaxFileSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	return c
}

// DownloadSummary reports how a batch set settled. Individual file failures
// are partial-failure tolerant: they are counted here and reflected in
// progress metadata but never abort the scan.
type DownloadSummary struct {
	Total      int
	Succeeded  int
	Failed     int
	FailedKeys []string
}

// DownloadCoordinator fetches a known set of remote object keys into local
// storage, bounded by a concurrency limit, with per-transfer protection
// against hangs and runaway size.
type DownloadCoordinator struct {
	objects  scanning.ObjectStore
	progress scanning.ProgressStore
	cfg      DownloadConfig

	// limiter paces GetObject issuance; nil when RequestRate is zero.
	limiter *common.RateLimiter

	logger *logger.Logger
	tracer trace.Tracer
}

// NewDownloadCoordinator creates a coordinator with the given tuning.
func NewDownloadCoordinator(
	objects scanning.ObjectStore,
	progress scanning.ProgressStore,
	cfg DownloadConfig,
	log *logger.Logger,
	tracer trace.Tracer,
) *DownloadCoordinator {
	cfg = cfg.withDefaults()

	var limiter *common.RateLimiter
	if cfg.RequestRate > 0 {
		limiter = common.NewRateLimiter(cfg.RequestRate, 1)
	}

	return &DownloadCoordinator{
		objects:  objects,
		progress: progress,
		cfg:      cfg,
		limiter:  limiter,
		logger:   log.With("component", "download_coordinator"),
		tracer:   tracer,
	}
}

// Download fetches every object into targetDir in sequential batches of size
// Concurrency. A batch settles fully, success or failure, before the next
// one starts, which caps in-flight transfers at the configured limit. One
// file's failure never cancels its siblings.
func (d *DownloadCoordinator) Download(
	ctx context.Context,
	sessionID string,
	objects []scanning.Object,
	targetDir string,
) DownloadSummary {
	ctx, span := d.tracer.Start(ctx, "download_coordinator.download",
		trace.WithAttributes(
			attribute.String("session_id", sessionID),
			attribute.Int("total_files", len(objects)),
			attribute.Int("concurrency", d.cfg.Concurrency),
		))
	defer span.End()

	total := len(objects)
	summary := DownloadSummary{Total: total}

	// The processed counter is shared across the whole download phase and
	// incremented exactly once per settled transfer, so the exposed
	// filesProcessed/totalFiles ratio never regresses even though transfers
	// complete out of submission order within a batch.
	var processed atomic.Int64
	var mu sync.Mutex

	stopHeartbeat := d.startHeartbeat(sessionID)
	defer stopHeartbeat()

	for start := 0; start < total; start += d.cfg.Concurrency {
		end := start + d.cfg.Concurrency
		if end > total {
			end = total
		}
		batch := objects[start:end]

		var g errgroup.Group
		for _, obj := range batch {
			obj := obj
			g.Go(func() error {
				err := d.transfer(ctx, obj, targetDir)

				done := int(processed.Add(1))
				name := filepath.Base(obj.Key)

				if err != nil {
					d.logger.Warn(ctx, "File download failed",
						"session_id", sessionID,
						"key", obj.Key,
						"error", err,
					)
					mu.Lock()
					summary.Failed++
					summary.FailedKeys = append(summary.FailedKeys, obj.Key)
					mu.Unlock()
				} else {
					mu.Lock()
					summary.Succeeded++
					mu.Unlock()
				}

				pct := int(math.Round(float64(done) / float64(total) * 50))
				if uerr := d.progress.Update(sessionID, scanning.ProgressUpdate{
					Message:        scanning.StringPtr(fmt.Sprintf("Downloading files (%d/%d)", done, total)),
					Progress:       scanning.IntPtr(pct),
					FilesProcessed: scanning.IntPtr(done),
					TotalFiles:     scanning.IntPtr(total),
					CurrentFile:    scanning.StringPtr(name),
				}); uerr != nil {
					d.logger.Error(ctx, "Failed to publish download progress", "session_id", sessionID, "error", uerr)
				}

				// Per-file failures are absorbed; returning nil keeps the
				// rest of the batch running.
				return nil
			})
		}
		_ = g.Wait()
	}

	mu.Lock()
	if len(summary.FailedKeys) > 0 {
		if err := d.progress.Update(sessionID, scanning.ProgressUpdate{
			FailedFiles: summary.FailedKeys,
		}); err != nil {
			d.logger.Error(ctx, "Failed to record failed files", "session_id", sessionID, "error", err)
		}
	}
	mu.Unlock()

	span.SetAttributes(
		attribute.Int("succeeded", summary.Succeeded),
		attribute.Int("failed", summary.Failed),
	)
	span.SetStatus(codes.Ok, "batch set settled")
	return summary
}

// startHeartbeat republishes the record's current message on a fixed
// interval for the whole download phase. The returned func stops the
// heartbeat; it is always safe to call.
func (d *DownloadCoordinator) startHeartbeat(sessionID string) func() {
	stop := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(d.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				rec, err := d.progress.Get(sessionID)
				if err != nil {
					continue
				}
				// Republish the existing message unchanged; the point is a
				// fresh timestamp, not new content.
				_ = d.progress.Update(sessionID, scanning.ProgressUpdate{
					Message: scanning.StringPtr(rec.Message),
				})
			}
		}
	}()

	return func() { once.Do(func() { close(stop) }) }
}

// transfer streams one object to disk, guarded by an overall timeout, a
// stall watchdog, and a size cap. The watchdog and timeout are independent;
// whichever fires first aborts this one transfer only.
func (d *DownloadCoordinator) transfer(ctx context.Context, obj scanning.Object, targetDir string) error {
	ctx, span := d.tracer.Start(ctx, "download_coordinator.transfer",
		trace.WithAttributes(
			attribute.String("key", obj.Key),
			attribute.Int64("target_size", obj.Size),
		))
	defer span.End()

	if obj.Size > d.cfg.MaxFileSize {
		span.SetStatus(codes.Error, "file exceeds size cap")
		return fmt.Errorf("%w: %s is %d bytes", scanning.ErrFileTooLarge, obj.Key, obj.Size)
	}

	// Pacing waits happen before the per-file timeout starts, so a slow
	// token never eats into the transfer's own budget.
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			span.RecordError(err)
			return fmt.Errorf("waiting to issue read for %s: %w", obj.Key, err)
		}
	}

	tctx, cancel := context.WithTimeout(ctx, d.cfg.PerFileTimeout)
	defer cancel()

	body, size, err := d.objects.GetObject(tctx, obj.Key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to open object stream")
		return fmt.Errorf("opening stream for %s: %w", obj.Key, err)
	}
	defer body.Close()

	if size > d.cfg.MaxFileSize {
		span.SetStatus(codes.Error, "file exceeds size cap")
		return fmt.Errorf("%w: %s is %d bytes", scanning.ErrFileTooLarge, obj.Key, size)
	}

	task := &scanning.DownloadTask{
		Key:            obj.Key,
		TargetSize:     size,
		LastActivityAt: time.Now(),
	}

	dest := filepath.Join(targetDir, filepath.Base(obj.Key))
	f, err := os.Create(dest)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("creating %s: %w", dest, err)
	}

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	var stalled atomic.Bool
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)

	// The watchdog is scoped to this transfer: it exits with the transfer
	// and destroys the stream if no bytes arrive within the inactivity
	// limit, or when the overall timeout fires mid-read.
	go func() {
		ticker := time.NewTicker(d.cfg.WatchdogTick)
		defer ticker.Stop()

		for {
			select {
			case <-watchdogDone:
				return
			case <-tctx.Done():
				body.Close()
				return
			case <-ticker.C:
				idle := time.Since(time.Unix(0, lastActivity.Load()))
				if idle > d.cfg.InactivityLimit {
					stalled.Store(true)
					body.Close()
					return
				}
			}
		}
	}()

	copyErr := func() error {
		buf := make([]byte, copyBufferSize)
		for {
			n, rerr := body.Read(buf)
			if n > 0 {
				lastActivity.Store(time.Now().UnixNano())
				task.BytesReceived += int64(n)
				task.LastActivityAt = time.Now()

				if task.BytesReceived > d.cfg.MaxFileSize {
					return fmt.Errorf("%w: %s exceeded %d bytes", scanning.ErrFileTooLarge, obj.Key, d.cfg.MaxFileSize)
				}
				if _, werr := f.Write(buf[:n]); werr != nil {
					return fmt.Errorf("writing %s: %w", dest, werr)
				}
			}
			if rerr == io.EOF {
				return nil
			}
			if rerr != nil {
				if stalled.Load() {
					return fmt.Errorf("%s: %w", obj.Key, scanning.ErrStalled)
				}
				if tctx.Err() != nil {
					return fmt.Errorf("transfer of %s timed out after %s: %w", obj.Key, d.cfg.PerFileTimeout, tctx.Err())
				}
				return fmt.Errorf("reading %s: %w", obj.Key, rerr)
			}
		}
	}()

	if cerr := f.Close(); cerr != nil && copyErr == nil {
		copyErr = fmt.Errorf("closing %s: %w", dest, cerr)
	}

	if copyErr != nil {
		// Aborted transfers never leave partial files behind.
		os.Remove(dest)
		span.RecordError(copyErr)
		span.SetStatus(codes.Error, "transfer failed")
		return copyErr
	}

	span.SetAttributes(attribute.Int64("bytes_received", task.BytesReceived))
	span.SetStatus(codes.Ok, "transfer complete")
	return nil
}

// IsTransientTransferError reports whether err belongs to the per-file error
// class that is absorbed into progress metadata rather than failing a scan.
func IsTransientTransferError(err error) bool {
	return errors.Is(err, scanning.ErrStalled) ||
		errors.Is(err, scanning.ErrFileTooLarge) ||
		errors.Is(err, context.DeadlineExceeded)
}
