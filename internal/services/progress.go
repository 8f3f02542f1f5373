package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-crosspost-backend/internal/domain"
	"github.com/tbourn/go-crosspost-backend/internal/repo"
)

// Reported progress is rescaled into [progressFloor, progressCeil] so that a
// pending record never shows 0 or 100; 100 is reserved for Finalize.
const (
	progressFloor = 14
	progressCeil  = 94
)

// Stage names written into the progress document.
const (
	StageQueued     = "queued"
	StagePreparing  = "preparing"
	StageMedia      = "fetching_media"
	StageScheduling = "scheduling"
	StagePublishing = "publishing"
	StageCompleted  = "completed"
	StageFailed     = "failed"
)

// FinalOutcome is the terminal state written by Finalize.
type FinalOutcome struct {
	Status         string // domain.ExecSuccess or domain.ExecFailed
	Error          string
	FailureReason  string
	PostID         string
	URL            string
	DroppedMedia   int
	FallbackReason string
}

// ProgressReporter writes progress and terminal state to the execution
// ledger. One execution is reported by one goroutine at a time.
type ProgressReporter struct {
	DB *gorm.DB
	// MinPendingVisibility is the minimum time a record stays pending after
	// creation, so polling observers get to see it.
	MinPendingVisibility time.Duration
	Log                  zerolog.Logger
	// Now is overridable in tests.
	Now func() time.Time

	mu   sync.Mutex
	last map[string]int
}

func (p *ProgressReporter) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// Scale maps raw progress 0..100 into the pending band.
func Scale(raw int) int {
	if raw < 0 {
		raw = 0
	}
	if raw > 100 {
		raw = 100
	}
	return progressFloor + raw*(progressCeil-progressFloor)/100
}

// Report records progress for a pending execution. The stored value never
// decreases: a lower raw value keeps the previous progress and only updates
// the stage. It returns the stored progress.
func (p *ProgressReporter) Report(ctx context.Context, id string, raw int, stage string) (int, error) {
	scaled := Scale(raw)

	p.mu.Lock()
	if p.last == nil {
		p.last = make(map[string]int)
	}
	if prev, ok := p.last[id]; ok && prev > scaled {
		scaled = prev
	}
	p.last[id] = scaled
	p.mu.Unlock()

	ok, err := repo.UpdateExecutionProgress(ctx, p.DB, id, domain.ExecutionProgress{Progress: scaled, Stage: stage})
	if err != nil {
		p.Log.Warn().Err(err).Str("execution_id", id).Str("stage", stage).Msg("progress write failed")
		return scaled, err
	}
	if !ok {
		p.Log.Debug().Str("execution_id", id).Msg("progress ignored: execution not pending")
	}
	return scaled, nil
}

// Finalize waits until the record has been pending for at least
// MinPendingVisibility, then writes the terminal status with progress 100.
// If ctx ends during the wait the write happens immediately so the record is
// never left pending. It reports false when the record was no longer pending.
func (p *ProgressReporter) Finalize(ctx context.Context, exec *domain.TaskExecution, out FinalOutcome) (bool, error) {
	if wait := exec.CreatedAt.Add(p.MinPendingVisibility).Sub(p.now()); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}
	wctx := context.WithoutCancel(ctx)

	stage := StageCompleted
	if out.Status != domain.ExecSuccess {
		stage = StageFailed
	}
	progress := domain.ExecutionProgress{
		Progress:          100,
		Stage:             stage,
		PostID:            out.PostID,
		URL:               out.URL,
		FailureReason:     out.FailureReason,
		DroppedMediaCount: out.DroppedMedia,
		FallbackReason:    out.FallbackReason,
	}

	p.mu.Lock()
	delete(p.last, exec.ID)
	p.mu.Unlock()

	ok, err := repo.FinalizeExecution(wctx, p.DB, exec.ID, out.Status, out.Error, progress, p.now())
	if err != nil {
		p.Log.Error().Err(err).Str("execution_id", exec.ID).Msg("finalize failed")
		return false, err
	}
	if ok {
		exec.Status = out.Status
		exec.Error = out.Error
	}
	return ok, nil
}
