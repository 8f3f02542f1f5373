package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-crosspost-backend/internal/dedup"
	"github.com/tbourn/go-crosspost-backend/internal/domain"
	"github.com/tbourn/go-crosspost-backend/internal/repo"
)

// staleBatch bounds how many abandoned executions one sweep fails.
const staleBatch = 100

// JanitorReport summarizes one sweep.
type JanitorReport struct {
	Purged      int64
	Recovered   int
	StaleFailed int
}

// Janitor performs periodic housekeeping: it purges expired dedup entries,
// reschedules media groups whose timers were lost, and fails executions
// left pending by a crashed process.
type Janitor struct {
	DB         *gorm.DB
	Ledger     dedup.Ledger
	Aggregator *Aggregator
	Interval   time.Duration
	// StaleExecutionTimeout is how long an execution may stay pending
	// before it is considered abandoned. Zero disables the check.
	StaleExecutionTimeout time.Duration

	Log zerolog.Logger
	// Now is overridable in tests.
	Now func() time.Time
}

func (j *Janitor) now() time.Time {
	if j.Now != nil {
		return j.Now().UTC()
	}
	return time.Now().UTC()
}

// Run sweeps every Interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	interval := j.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
				j.Log.Warn().Err(err).Msg("janitor sweep failed")
			}
		}
	}
}

// RunOnce performs one sweep. Each step runs even when an earlier one fails;
// the first error is returned.
func (j *Janitor) RunOnce(ctx context.Context) (JanitorReport, error) {
	var (
		rep      JanitorReport
		firstErr error
	)
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	now := j.now()

	if j.Ledger != nil {
		n, err := j.Ledger.Purge(ctx, now)
		rep.Purged = n
		keep(err)
	}
	if j.Aggregator != nil {
		n, err := j.Aggregator.RecoverPending(ctx)
		rep.Recovered = n
		keep(err)
	}
	if j.StaleExecutionTimeout > 0 {
		n, err := j.failStale(ctx, now)
		rep.StaleFailed = n
		keep(err)
	}

	if rep.Purged > 0 || rep.Recovered > 0 || rep.StaleFailed > 0 {
		j.Log.Info().
			Int64("purged", rep.Purged).
			Int("recovered_groups", rep.Recovered).
			Int("stale_executions", rep.StaleFailed).
			Msg("janitor sweep")
	}
	return rep, firstErr
}

func (j *Janitor) failStale(ctx context.Context, now time.Time) (int, error) {
	stuck, err := repo.ListPendingExecutionsBefore(ctx, j.DB, now.Add(-j.StaleExecutionTimeout), staleBatch)
	if err != nil {
		return 0, err
	}
	msg := fmt.Sprintf("abandoned: still pending after %s", j.StaleExecutionTimeout)
	failed := 0
	for _, e := range stuck {
		p := e.Progress.Data()
		p.Progress = 100
		p.Stage = StageFailed
		p.FailureReason = ReasonInternal
		ok, err := repo.FinalizeExecution(ctx, j.DB, e.ID, domain.ExecFailed, msg, p, now)
		if err != nil {
			return failed, err
		}
		if ok {
			failed++
		}
	}
	return failed, nil
}
