package scanning

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/nanisaisampath/brr-demo-new-ui-2025/internal/domain/scanning"
	"github.com/nanisaisampath/brr-demo-new-ui-2025/pkg/common/logger"
)

const (
	defaultPollInterval         = time.Second
	defaultStagnationPolls      = 8
	defaultMaxTransportFailures = 3
)

// ErrConnectivityLost is surfaced after the configured number of consecutive
// transport failures. The poller stops auto-retrying at that point; resuming
// requires explicit caller action.
var ErrConnectivityLost = errors.New("lost connectivity to progress endpoint")

// PollFunc fetches the current progress record for a session. Unknown or
// expired sessions are reported as a record with StageIdle, not as an error;
// an error return means the transport itself failed.
type PollFunc func(ctx context.Context) (scanning.ProgressRecord, error)

// PollerConfig tunes the progress poller.
type PollerConfig struct {
	// Interval is the polling cadence.
	Interval time.Duration

	// StagnationPolls is the number of consecutive polls observing the same
	// timestamp before a non-fatal stall hint is surfaced.
	StagnationPolls int

	// MaxTransportFailures is the number of consecutive transport failures
	// tolerated before the poller gives up with ErrConnectivityLost.
	MaxTransportFailures int
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.Interval <= 0 {
		c.Interval = defaultPollInterval
	}
	if c.StagnationPolls <= 0 {
		c.StagnationPolls = defaultStagnationPolls
	}
	if c.MaxTransportFailures <= 0 {
		c.MaxTransportFailures = defaultMaxTransportFailures
	}
	return c
}

// Update is one observation delivered to the poller's consumer.
type Update struct {
	// Record is the last successfully fetched progress record.
	Record scanning.ProgressRecord

	// Stalled is a non-fatal hint that the record's timestamp has not
	// advanced across the configured number of polls. It is advisory only;
	// heartbeats already bound true staleness, so this mainly helps
	// diagnose a stuck external process.
	Stalled bool

	// Err is set on the final update when polling stops for a reason other
	// than reaching a terminal stage or caller cancellation.
	Err error
}

// Poller observes a scan session to completion without blocking the caller
// that started it. It is an observer, not a controller: cancelling the
// poller never affects the orchestrator's in-flight work.
type Poller struct {
	poll PollFunc
	cfg  PollerConfig

	logger *logger.Logger
}

// NewPoller creates a poller over the given transport.
func NewPoller(poll PollFunc, cfg PollerConfig, log *logger.Logger) *Poller {
	return &Poller{
		poll:   poll,
		cfg:    cfg.withDefaults(),
		logger: log.With("component", "progress_poller"),
	}
}

// Observe polls on a fixed cadence until it sees a terminal stage, the
// caller cancels the context, or connectivity is lost. Updates are delivered
// on the returned channel, which is closed when observation ends.
func (p *Poller) Observe(ctx context.Context) <-chan Update {
	updates := make(chan Update, 1)

	go func() {
		defer close(updates)

		retryDelay := backoff.NewExponentialBackOff()
		retryDelay.InitialInterval = p.cfg.Interval
		retryDelay.MaxInterval = 10 * p.cfg.Interval
		retryDelay.MaxElapsedTime = 0
		retryDelay.Reset()

		var (
			lastTimestamp   time.Time
			unchangedPolls  int
			transportErrors int
		)

		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()

		for {
			rec, err := p.poll(ctx)
			switch {
			case err != nil && ctx.Err() != nil:
				// Caller-initiated cancellation, not a network failure.
				return

			case err != nil:
				transportErrors++
				p.logger.Warn(ctx, "Progress poll failed",
					"consecutive_failures", transportErrors,
					"error", err,
				)
				if transportErrors >= p.cfg.MaxTransportFailures {
					p.deliver(ctx, updates, Update{Err: ErrConnectivityLost})
					return
				}
				// Back off between failed polls, bounded so a flapping
				// endpoint is re-probed promptly once it recovers.
				if !p.sleep(ctx, retryDelay.NextBackOff()) {
					return
				}
				continue

			default:
				transportErrors = 0
				retryDelay.Reset()

				update := Update{Record: rec}
				if !rec.Stage.Terminal() && rec.Stage != scanning.StageIdle && rec.Timestamp.Equal(lastTimestamp) {
					unchangedPolls++
					if unchangedPolls == p.cfg.StagnationPolls {
						update.Stalled = true
						p.logger.Warn(ctx, "Session appears stalled",
							"session_id", rec.SessionID,
							"stage", rec.Stage,
							"unchanged_polls", unchangedPolls,
						)
					}
				} else if !rec.Timestamp.Equal(lastTimestamp) {
					unchangedPolls = 0
				}
				lastTimestamp = rec.Timestamp

				if !p.deliver(ctx, updates, update) {
					return
				}
				if rec.Stage.Terminal() {
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return updates
}

// deliver sends an update unless the caller has gone away.
func (p *Poller) deliver(ctx context.Context, updates chan<- Update, u Update) bool {
	select {
	case updates <- u:
		return true
	case <-ctx.Done():
		return false
	}
}

// sleep waits for d or until the context is cancelled.
func (p *Poller) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// StorePollFunc adapts a progress store into a PollFunc, mapping an unknown
// session to an idle record the way the HTTP endpoint does for remote
// pollers.
func StorePollFunc(store scanning.ProgressStore, sessionID string) PollFunc {
	return func(ctx context.Context) (scanning.ProgressRecord, error) {
		rec, err := store.Get(sessionID)
		if errors.Is(err, scanning.ErrSessionNotFound) {
			return scanning.ProgressRecord{
				SessionID: sessionID,
				Stage:     scanning.StageIdle,
				Message:   "No scan in progress",
			}, nil
		}
		if err != nil {
			return scanning.ProgressRecord{}, err
		}
		return rec, nil
	}
}
