package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/nanisaisampath/brr-demo-new-ui-2025/internal/api"
	appscanning "github.com/nanisaisampath/brr-demo-new-ui-2025/internal/app/scanning"
	"github.com/nanisaisampath/brr-demo-new-ui-2025/internal/config"
	"github.com/nanisaisampath/brr-demo-new-ui-2025/internal/infra/storage/progress"
	"github.com/nanisaisampath/brr-demo-new-ui-2025/internal/infra/storage/s3"
	"github.com/nanisaisampath/brr-demo-new-ui-2025/pkg/common/logger"
	"github.com/nanisaisampath/brr-demo-new-ui-2025/pkg/common/otel"
)

var build = "develop"

const serviceType = "scan-engine"

func main() {
	// Set the correct number of threads for the service.
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		stdlog.Fatalf("failed to load configuration: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("SCAN-ENGINE-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
	}

	log := logger.NewWithMetadata(os.Stdout, parseLogLevel(cfg.Logging.Level),
		svcName, traceIDFn, logEvents, metadata)

	ctx := context.Background()

	if err := run(ctx, log, cfg); err != nil {
		log.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, cfg *config.Config) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build)

	// -------------------------------------------------------------------------
	// Configuration
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// -------------------------------------------------------------------------
	// Start Tracing Support
	log.Info(ctx, "startup", "status", "initializing tracing support")

	traceProvider, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Otel.ServiceName,
		ExporterEndpoint: cfg.Otel.ExporterEndpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability:      cfg.Otel.Probability,
		InsecureExporter: cfg.Otel.Insecure,
	})
	if err != nil {
		return fmt.Errorf("starting tracing: %w", err)
	}
	defer teardown(ctx)

	tracer := traceProvider.Tracer(cfg.Otel.ServiceName)

	// -------------------------------------------------------------------------
	// Initialize Object Store
	log.Info(ctx, "startup", "status", "initializing object store", "bucket", cfg.S3.Bucket)

	objects, err := s3.NewClient(ctx, s3.Config{
		Bucket:          cfg.S3.Bucket,
		Region:          cfg.S3.Region,
		AccessKeyID:     cfg.S3.AccessKeyID,
		SecretAccessKey: cfg.S3.SecretAccessKey,
		Endpoint:        cfg.S3.Endpoint,
	}, log, tracer)
	if err != nil {
		return fmt.Errorf("creating object store client: %w", err)
	}

	// -------------------------------------------------------------------------
	// Initialize Scan Pipeline
	log.Info(ctx, "startup", "status", "initializing scan pipeline")

	store := progress.NewStore(log, tracer,
		progress.WithTTL(cfg.Scan.ProgressTTL),
		progress.WithSweepInterval(cfg.Scan.SweepInterval),
	)
	defer store.Stop()

	coordinator := appscanning.NewDownloadCoordinator(objects, store, appscanning.DownloadConfig{
		Concurrency:       cfg.Scan.Concurrency,
		PerFileTimeout:    cfg.Scan.PerFileTimeout,
		InactivityLimit:   cfg.Scan.InactivityLimit,
		MaxFileSize:       cfg.Scan.MaxFileSize,
		HeartbeatInterval: cfg.Scan.HeartbeatInterval,
		RequestRate:       cfg.Scan.RequestRate,
	}, log, tracer)

	verifier := appscanning.NewInvoker(appscanning.InvokerConfig{
		Command:          cfg.Verifier.Command,
		Args:             cfg.Verifier.Args,
		WorkDir:          cfg.Verifier.WorkDir,
		ArtifactPath:     cfg.Verifier.ArtifactPath,
		ProgressInterval: cfg.Verifier.ProgressInterval,
		MaxRuntime:       cfg.Verifier.MaxRuntime,
	}, store, log, tracer)

	orchestrator := appscanning.NewOrchestrator(objects, store, coordinator, verifier,
		appscanning.OrchestratorConfig{StagingRoot: cfg.Scan.StagingRoot}, log, tracer)

	// -------------------------------------------------------------------------
	// Start API Service
	log.Info(ctx, "startup", "status", "initializing API support")

	server := api.NewServer(cfg.Web, orchestrator, store, log, tracer)

	serverCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start(serverCtx)
	}()

	// -------------------------------------------------------------------------
	// Shutdown
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case <-serverCtx.Done():
		log.Info(ctx, "shutdown", "status", "shutdown started")
		defer log.Info(ctx, "shutdown", "status", "shutdown complete")

		// Start triggers its own graceful shutdown on context cancellation;
		// wait for it to settle.
		select {
		case <-serverErrors:
		case <-time.After(cfg.Web.ShutdownTimeout + time.Second):
		}
	}

	return nil
}

func parseLogLevel(level string) logger.Level {
	switch level {
	case "debug":
		return logger.LevelDebug
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}
