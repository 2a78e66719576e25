package scanning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanisaisampath/brr-demo-new-ui-2025/internal/domain/scanning"
	"github.com/nanisaisampath/brr-demo-new-ui-2025/pkg/common/logger"
)

// scriptedPoll replays a fixed sequence of poll outcomes, repeating the last
// one once the script is exhausted.
type scriptedPoll struct {
	mu      sync.Mutex
	outcome []pollOutcome
	idx     int
}

type pollOutcome struct {
	rec scanning.ProgressRecord
	err error
}

func (s *scriptedPoll) fn(ctx context.Context) (scanning.ProgressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.outcome[s.idx]
	if s.idx < len(s.outcome)-1 {
		s.idx++
	}
	return out.rec, out.err
}

func newTestPoller(poll PollFunc, cfg PollerConfig) *Poller {
	if cfg.Interval == 0 {
		cfg.Interval = 2 * time.Millisecond
	}
	return NewPoller(poll, cfg, logger.Noop())
}

func collect(t *testing.T, updates <-chan Update, timeout time.Duration) []Update {
	t.Helper()
	var got []Update
	deadline := time.After(timeout)
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return got
			}
			got = append(got, u)
		case <-deadline:
			t.Fatalf("poller did not finish within %v (got %d updates)", timeout, len(got))
		}
	}
}

func record(stage scanning.Stage, ts time.Time) scanning.ProgressRecord {
	return scanning.ProgressRecord{
		SessionID: "scan-1",
		Stage:     stage,
		Timestamp: ts,
	}
}

func TestPollerStopsOnTerminalStage(t *testing.T) {
	now := time.Now()
	script := &scriptedPoll{outcome: []pollOutcome{
		{rec: record(scanning.StageDownloading, now)},
		{rec: record(scanning.StageVerifying, now.Add(time.Second))},
		{rec: record(scanning.StageCompleted, now.Add(2*time.Second))},
	}}

	p := newTestPoller(script.fn, PollerConfig{})
	got := collect(t, p.Observe(context.Background()), 2*time.Second)

	require.Len(t, got, 3)
	assert.Equal(t, scanning.StageCompleted, got[2].Record.Stage)
	assert.NoError(t, got[2].Err)
}

func TestPollerIdleKeepsPollingWithoutStallHint(t *testing.T) {
	now := time.Now()
	script := &scriptedPoll{outcome: []pollOutcome{
		{rec: record(scanning.StageIdle, now)},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	p := newTestPoller(script.fn, PollerConfig{StagnationPolls: 3})
	updates := p.Observe(ctx)

	// Idle records share a timestamp forever; that is normal, not a stall.
	for i := 0; i < 6; i++ {
		select {
		case u := <-updates:
			assert.Equal(t, scanning.StageIdle, u.Record.Stage)
			assert.False(t, u.Stalled)
		case <-time.After(time.Second):
			t.Fatal("poller stopped on an idle session")
		}
	}
	cancel()

	assert.Eventually(t, func() bool {
		_, ok := <-updates
		return !ok
	}, time.Second, time.Millisecond, "channel closes on cancellation")
}

func TestPollerStagnationHint(t *testing.T) {
	frozen := record(scanning.StageVerifying, time.Now())
	script := &scriptedPoll{outcome: []pollOutcome{{rec: frozen}}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := newTestPoller(script.fn, PollerConfig{StagnationPolls: 3})
	updates := p.Observe(ctx)

	var got []Update
	for i := 0; i < 6; i++ {
		select {
		case u := <-updates:
			got = append(got, u)
		case <-time.After(time.Second):
			t.Fatal("poller stopped unexpectedly")
		}
	}

	var stalledAt []int
	for i, u := range got {
		if u.Stalled {
			stalledAt = append(stalledAt, i)
		}
	}
	// First poll establishes the baseline; the hint fires once the timestamp
	// has then been unchanged for the configured number of polls.
	assert.Equal(t, []int{3}, stalledAt, "the stall hint is surfaced exactly once")
}

func TestPollerStagnationResetsOnFreshTimestamp(t *testing.T) {
	now := time.Now()
	script := &scriptedPoll{outcome: []pollOutcome{
		{rec: record(scanning.StageVerifying, now)},
		{rec: record(scanning.StageVerifying, now)},
		{rec: record(scanning.StageVerifying, now)},
		{rec: record(scanning.StageVerifying, now.Add(time.Second))}, // fresh again
		{rec: record(scanning.StageCompleted, now.Add(2 * time.Second))},
	}}

	p := newTestPoller(script.fn, PollerConfig{StagnationPolls: 3})
	got := collect(t, p.Observe(context.Background()), 2*time.Second)

	for _, u := range got {
		assert.False(t, u.Stalled, "progress resumed before the hint threshold")
	}
}

func TestPollerConnectivityLost(t *testing.T) {
	script := &scriptedPoll{outcome: []pollOutcome{
		{err: errors.New("connection refused")},
	}}

	p := newTestPoller(script.fn, PollerConfig{MaxTransportFailures: 3})
	got := collect(t, p.Observe(context.Background()), 5*time.Second)

	require.Len(t, got, 1, "failed polls deliver nothing until the poller gives up")
	assert.ErrorIs(t, got[0].Err, ErrConnectivityLost)
}

func TestPollerTransportFailureCounterResets(t *testing.T) {
	now := time.Now()
	script := &scriptedPoll{outcome: []pollOutcome{
		{err: errors.New("timeout")},
		{err: errors.New("timeout")},
		{rec: record(scanning.StageDownloading, now)}, // recovery resets the counter
		{err: errors.New("timeout")},
		{err: errors.New("timeout")},
		{rec: record(scanning.StageCompleted, now.Add(time.Second))},
	}}

	p := newTestPoller(script.fn, PollerConfig{MaxTransportFailures: 3})
	got := collect(t, p.Observe(context.Background()), 5*time.Second)

	require.Len(t, got, 2)
	assert.NoError(t, got[0].Err)
	assert.NoError(t, got[1].Err)
	assert.Equal(t, scanning.StageCompleted, got[1].Record.Stage)
}

func TestPollerCancellationDuringFailureIsSilent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	poll := func(ctx context.Context) (scanning.ProgressRecord, error) {
		cancel()
		return scanning.ProgressRecord{}, ctx.Err()
	}

	p := newTestPoller(poll, PollerConfig{})
	got := collect(t, p.Observe(ctx), time.Second)

	assert.Empty(t, got, "caller cancellation is not a connectivity failure")
}

func TestStorePollFunc(t *testing.T) {
	store := newMemProgressStore()

	t.Run("unknown session maps to idle", func(t *testing.T) {
		rec, err := StorePollFunc(store, "scan-missing")(context.Background())
		require.NoError(t, err)
		assert.Equal(t, scanning.StageIdle, rec.Stage)
		assert.Equal(t, "No scan in progress", rec.Message)
	})

	t.Run("known session returns its record", func(t *testing.T) {
		require.NoError(t, store.Update("scan-1", scanning.ProgressUpdate{
			Stage:    scanning.StagePtr(scanning.StageDownloading),
			Progress: scanning.IntPtr(25),
		}))
		rec, err := StorePollFunc(store, "scan-1")(context.Background())
		require.NoError(t, err)
		assert.Equal(t, scanning.StageDownloading, rec.Stage)
		assert.Equal(t, 25, rec.Progress)
	})
}
