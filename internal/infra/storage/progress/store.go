// Package progress provides an in-memory, concurrency-safe store of scan
// progress records with lazy TTL eviction. The store is the only resource
// shared across scan sessions: each session has a single writer (its
// orchestration task) while any number of pollers read concurrently.
package progress

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nanisaisampath/brr-demo-new-ui-2025/internal/domain/scanning"
	"github.com/nanisaisampath/brr-demo-new-ui-2025/pkg/common/logger"
	"github.com/nanisaisampath/brr-demo-new-ui-2025/pkg/common/otel"
	"github.com/nanisaisampath/brr-demo-new-ui-2025/pkg/common/timeutil"
)

const (
	// defaultTTL is how long an untouched record survives before the sweep
	// evicts it. The sweep is a safety net against sessions orphaned by a
	// crashed or abandoned scan; the orchestrator clears sessions
	// proactively on both success and failure.
	defaultTTL = 10 * time.Minute

	// defaultSweepInterval is how often the eviction sweep runs while the
	// store is non-empty.
	defaultSweepInterval = 5 * time.Minute
)

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides the record time-to-live.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithSweepInterval overrides the eviction sweep interval.
func WithSweepInterval(interval time.Duration) Option {
	return func(s *Store) { s.sweepInterval = interval }
}

// WithTimeProvider overrides the clock. Used by tests.
func WithTimeProvider(tp timeutil.Provider) Option {
	return func(s *Store) { s.timeProvider = tp }
}

// Store is an in-memory implementation of scanning.ProgressStore. The
// eviction sweep runs only while the store holds records; when the last
// record is cleared the sweep goroutine stops so an idle process carries no
// timers.
type Store struct {
	ttl           time.Duration
	sweepInterval time.Duration
	timeProvider  timeutil.Provider

	mu        sync.RWMutex
	records   map[string]*scanning.ProgressRecord
	sweepStop chan struct{}

	logger *logger.Logger
	tracer trace.Tracer
}

var _ scanning.ProgressStore = (*Store)(nil)

// NewStore creates a progress store. Instances are independent; tests may
// construct as many isolated stores as they need.
func NewStore(log *logger.Logger, tracer trace.Tracer, opts ...Option) *Store {
	s := &Store{
		ttl:           defaultTTL,
		sweepInterval: defaultSweepInterval,
		timeProvider:  timeutil.Default(),
		records:       make(map[string]*scanning.ProgressRecord),
		logger:        log.With("component", "progress_store"),
		tracer:        tracer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update merges the partial fields into the session's record, creating the
// record when absent, and stamps the write time. A stage write that violates
// the lifecycle rules is rejected wholesale, so a late or misbehaving writer
// can never resurrect or regress a terminal record. Update also ensures the
// eviction sweep is running.
func (s *Store) Update(sessionID string, update scanning.ProgressUpdate) error {
	if err := scanning.ValidateSessionID(sessionID); err != nil {
		return err
	}

	_, span := otel.AddSpan(context.Background(), s.tracer, "progress_store.update",
		attribute.String("session_id", sessionID))
	defer span.End()

	now := s.timeProvider.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[sessionID]
	if !ok {
		rec = &scanning.ProgressRecord{SessionID: sessionID}
		s.records[sessionID] = rec
	}
	if err := rec.Apply(update, now); err != nil {
		span.RecordError(err)
		return err
	}

	s.startSweepLocked()
	return nil
}

// Get returns a copy of the session's record, or scanning.ErrSessionNotFound.
// Callers map not-found to an idle status rather than an error.
func (s *Store) Get(sessionID string) (scanning.ProgressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[sessionID]
	if !ok {
		return scanning.ProgressRecord{}, scanning.ErrSessionNotFound
	}
	return *rec, nil
}

// Clear removes the session's record immediately. When the store becomes
// empty the eviction sweep is stopped.
func (s *Store) Clear(sessionID string) {
	_, span := otel.AddSpan(context.Background(), s.tracer, "progress_store.clear",
		attribute.String("session_id", sessionID))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, sessionID)
	if len(s.records) == 0 {
		s.stopSweepLocked()
	}
}

// Len returns the number of live records. Used by tests and diagnostics.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Stop halts the eviction sweep regardless of store contents. Intended for
// process shutdown.
func (s *Store) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopSweepLocked()
}

// startSweepLocked launches the sweep goroutine if it is not already
// running. The caller must hold s.mu.
func (s *Store) startSweepLocked() {
	if s.sweepStop != nil {
		return
	}
	stop := make(chan struct{})
	s.sweepStop = stop

	go s.sweepLoop(stop)
}

// stopSweepLocked signals the sweep goroutine to exit. The caller must hold
// s.mu.
func (s *Store) stopSweepLocked() {
	if s.sweepStop == nil {
		return
	}
	close(s.sweepStop)
	s.sweepStop = nil
}

func (s *Store) sweepLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.evictStale(stop)
		}
	}
}

// evictStale removes records whose last write is older than the TTL. When
// the store empties, the sweep stops itself.
func (s *Store) evictStale(stop chan struct{}) {
	now := s.timeProvider.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, rec := range s.records {
		if now.Sub(rec.Timestamp) > s.ttl {
			s.logger.Warn(context.Background(), "Evicting stale progress record",
				"session_id", id,
				"stage", rec.Stage,
				"last_update", rec.Timestamp.UTC().Format(time.RFC3339),
			)
			delete(s.records, id)
		}
	}

	// Another sweep may have been started since; only stop the loop that
	// called us.
	if len(s.records) == 0 && s.sweepStop == stop {
		s.stopSweepLocked()
	}
}
