package scanning

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nanisaisampath/brr-demo-new-ui-2025/internal/domain/scanning"
	"github.com/nanisaisampath/brr-demo-new-ui-2025/pkg/common/logger"
)

const (
	// completedGrace keeps a completed record available so a slow or
	// reconnecting poller can still retrieve the final payload.
	completedGrace = 60 * time.Second

	// initFailureGrace is the short retention for precondition failures;
	// fast failures do not need to linger for polling clients.
	initFailureGrace = 5 * time.Second

	// failureGrace retains download/verification failures long enough for
	// a polling client to observe them.
	failureGrace = 30 * time.Second
)

// downloader is the coordinator surface the orchestrator consumes.
type downloader interface {
	Download(ctx context.Context, sessionID string, objects []scanning.Object, targetDir string) DownloadSummary
}

// OrchestratorConfig tunes the scan orchestrator.
type OrchestratorConfig struct {
	// StagingRoot is the base directory for per-session staging
	// directories. Each session owns StagingRoot/<sessionID> exclusively,
	// recreated empty at scan start, so concurrent scans never share
	// staging state.
	StagingRoot string

	// CompletedGrace/FailureGrace/InitFailureGrace override the terminal
	// record retention windows. Zero values use the defaults.
	CompletedGrace   time.Duration
	FailureGrace     time.Duration
	InitFailureGrace time.Duration
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.CompletedGrace <= 0 {
		c.CompletedGrace = completedGrace
	}
	if c.FailureGrace <= 0 {
		c.FailureGrace = failureGrace
	}
	if c.InitFailureGrace <= 0 {
		c.InitFailureGrace = initFailureGrace
	}
	return c
}

// Orchestrator drives the scan stage state machine: it validates
// preconditions, sequences the download coordinator and the verification
// invoker, and persists the final result on the session's progress record.
// Each scan runs as a single detached background task; nothing is retried
// automatically - a failed scan requires the caller to start a new session.
type Orchestrator struct {
	objects    scanning.ObjectStore
	progress   scanning.ProgressStore
	downloader downloader
	verifier   scanning.Verifier
	cfg        OrchestratorConfig

	logger *logger.Logger
	tracer trace.Tracer
}

// NewOrchestrator creates a scan orchestrator.
func NewOrchestrator(
	objects scanning.ObjectStore,
	progress scanning.ProgressStore,
	dl downloader,
	verifier scanning.Verifier,
	cfg OrchestratorConfig,
	log *logger.Logger,
	tracer trace.Tracer,
) *Orchestrator {
	return &Orchestrator{
		objects:    objects,
		progress:   progress,
		downloader: dl,
		verifier:   verifier,
		cfg:        cfg.withDefaults(),
		logger:     log.With("component", "scan_orchestrator"),
		tracer:     tracer,
	}
}

// StartScan allocates a session, seeds its progress record, and launches the
// scan as a detached background task. It returns immediately; callers
// observe the session through the progress store.
func (o *Orchestrator) StartScan(ctx context.Context, folder string) (scanning.ProgressRecord, error) {
	ctx, span := o.tracer.Start(ctx, "scan_orchestrator.start_scan",
		trace.WithAttributes(attribute.String("folder", folder)))
	defer span.End()

	if folder == "" {
		err := scanning.NewConfigurationError("no folder selected")
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing folder")
		return scanning.ProgressRecord{}, err
	}

	sessionID := scanning.NewSessionID()
	if err := o.progress.Update(sessionID, scanning.ProgressUpdate{
		Stage:    scanning.StagePtr(scanning.StageInitializing),
		Message:  scanning.StringPtr("Initializing scan"),
		Progress: scanning.IntPtr(0),
	}); err != nil {
		span.RecordError(err)
		return scanning.ProgressRecord{}, err
	}

	rec, err := o.progress.Get(sessionID)
	if err != nil {
		span.RecordError(err)
		return scanning.ProgressRecord{}, err
	}

	// The scan outlives the triggering request; detach from its
	// cancellation while keeping trace context.
	go o.run(context.WithoutCancel(ctx), sessionID, folder)

	span.SetAttributes(attribute.String("session_id", sessionID))
	span.SetStatus(codes.Ok, "scan session started")
	return rec, nil
}

// run executes the stage state machine for one session. It never panics
// through: any unhandled failure is converted to a terminal error stage so
// pollers always observe a well-formed outcome.
func (o *Orchestrator) run(ctx context.Context, sessionID, folder string) {
	ctx, span := o.tracer.Start(ctx, "scan_orchestrator.run",
		trace.WithAttributes(
			attribute.String("session_id", sessionID),
			attribute.String("folder", folder),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error(ctx, "Scan panicked", "session_id", sessionID, "panic", r)
			span.SetStatus(codes.Error, "scan panicked")
			o.fail(ctx, sessionID, fmt.Sprintf("internal error: %v", r), o.cfg.FailureGrace)
		}
	}()

	// Stage: initializing. The staging directory is exclusively owned by
	// this session; recreate it empty so no stale files from a previous run
	// leak into a new scan.
	stagingDir := filepath.Join(o.cfg.StagingRoot, sessionID)
	if err := recreateDir(stagingDir); err != nil {
		o.logger.Error(ctx, "Failed to prepare staging directory", "session_id", sessionID, "error", err)
		o.fail(ctx, sessionID, fmt.Sprintf("failed to prepare staging directory: %v", err), o.cfg.InitFailureGrace)
		return
	}

	// Stage: downloading.
	objects, err := o.objects.ListObjects(ctx, folder)
	if err != nil {
		o.logger.Error(ctx, "Failed to list remote objects", "session_id", sessionID, "error", err)
		o.fail(ctx, sessionID, fmt.Sprintf("failed to list files: %v", err), o.cfg.FailureGrace)
		return
	}
	if len(objects) == 0 {
		o.logger.Warn(ctx, "No files found under prefix", "session_id", sessionID, "folder", folder)
		o.fail(ctx, sessionID, scanning.ErrNoFilesFound.Error(), o.cfg.InitFailureGrace)
		return
	}

	if err := o.progress.Update(sessionID, scanning.ProgressUpdate{
		Stage:      scanning.StagePtr(scanning.StageDownloading),
		Message:    scanning.StringPtr(fmt.Sprintf("Downloading files (0/%d)", len(objects))),
		TotalFiles: scanning.IntPtr(len(objects)),
	}); err != nil {
		o.fail(ctx, sessionID, err.Error(), o.cfg.FailureGrace)
		return
	}

	summary := o.downloader.Download(ctx, sessionID, objects, stagingDir)
	o.logger.Info(ctx, "Download phase settled",
		"session_id", sessionID,
		"total", summary.Total,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
	)

	// Individual file failures are already reflected in progress metadata;
	// the scan advances to verification regardless.
	if err := o.progress.Update(sessionID, scanning.ProgressUpdate{
		Stage:    scanning.StagePtr(scanning.StageVerifying),
		Message:  scanning.StringPtr("Verifying documents"),
		Progress: scanning.IntPtr(50),
	}); err != nil {
		o.fail(ctx, sessionID, err.Error(), o.cfg.FailureGrace)
		return
	}

	// Stage: verifying. On failure the staging directory is left intact
	// for postmortem inspection.
	artifact, err := o.verifier.Verify(ctx, sessionID, stagingDir)
	if err != nil {
		var spawnErr *scanning.SpawnError
		if errors.As(err, &spawnErr) {
			o.logger.Error(ctx, "Verification tool misconfigured", "session_id", sessionID, "error", err)
		} else {
			o.logger.Error(ctx, "Verification failed", "session_id", sessionID, "error", err)
		}
		o.fail(ctx, sessionID, err.Error(), o.cfg.FailureGrace)
		return
	}

	if err := o.progress.Update(sessionID, scanning.ProgressUpdate{
		Stage:    scanning.StagePtr(scanning.StageCompleted),
		Message:  scanning.StringPtr("Scan completed"),
		Progress: scanning.IntPtr(100),
		Data:     artifact,
	}); err != nil {
		o.fail(ctx, sessionID, err.Error(), o.cfg.FailureGrace)
		return
	}

	// Staged files have served their purpose once verification succeeds;
	// only failures retain them for postmortem inspection.
	if err := os.RemoveAll(stagingDir); err != nil {
		o.logger.Warn(ctx, "Failed to remove staging directory",
			"session_id", sessionID, "staging_dir", stagingDir, "error", err)
	}

	o.logger.Info(ctx, "Scan completed", "session_id", sessionID)
	span.SetStatus(codes.Ok, "scan completed")
	o.clearAfter(sessionID, o.cfg.CompletedGrace)
}

// fail marks the session terminally errored and schedules its removal after
// the given grace window.
func (o *Orchestrator) fail(ctx context.Context, sessionID, message string, grace time.Duration) {
	if err := o.progress.Update(sessionID, scanning.ProgressUpdate{
		Stage:   scanning.StagePtr(scanning.StageError),
		Message: scanning.StringPtr("Scan failed"),
		Error:   scanning.StringPtr(message),
	}); err != nil {
		o.logger.Error(ctx, "Failed to record scan failure", "session_id", sessionID, "error", err)
	}
	o.clearAfter(sessionID, grace)
}

// clearAfter removes the session's record once its grace window elapses.
// The store's TTL sweep remains the safety net if the process dies first.
func (o *Orchestrator) clearAfter(sessionID string, grace time.Duration) {
	time.AfterFunc(grace, func() { o.progress.Clear(sessionID) })
}

func recreateDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}
