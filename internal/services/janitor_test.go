package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-crosspost-backend/internal/dedup"
	"github.com/tbourn/go-crosspost-backend/internal/domain"
	"github.com/tbourn/go-crosspost-backend/internal/repo"
)

func TestJanitor_RunOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ledger := dedup.NewSQLLedger(db, time.Minute)
	ledger.Now = func() time.Time { return now.Add(-time.Hour) }
	if ok, err := dedup.AdmitUpdate(ctx, ledger, "bot", 1); err != nil || !ok {
		t.Fatalf("admit: %v %v", ok, err)
	}
	ledger.Now = func() time.Time { return now }
	if ok, err := dedup.AdmitUpdate(ctx, ledger, "bot", 2); err != nil || !ok {
		t.Fatalf("admit: %v %v", ok, err)
	}

	if _, _, err := repo.AppendFragment(ctx, db, albumItem(1, "late"), now.Add(-time.Hour)); err != nil {
		t.Fatalf("append: %v", err)
	}

	stale := &domain.TaskExecution{TaskID: "task", SourceAccountID: "src", TargetAccountID: "t1", CreatedAt: now.Add(-2 * time.Hour)}
	fresh := &domain.TaskExecution{TaskID: "task", SourceAccountID: "src", TargetAccountID: "t2"}
	for _, e := range []*domain.TaskExecution{stale, fresh} {
		if err := repo.CreateExecution(ctx, db, e); err != nil {
			t.Fatalf("create execution: %v", err)
		}
	}

	disp := &recordingDispatcher{}
	j := &Janitor{
		DB:                    db,
		Ledger:                ledger,
		Aggregator:            newAggregator(t, db, "A", disp, time.Second),
		StaleExecutionTimeout: 30 * time.Minute,
		Log:                   zerolog.Nop(),
		Now:                   func() time.Time { return now },
	}
	rep, err := j.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Purged != 1 || rep.Recovered != 1 || rep.StaleFailed != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	eventually(t, 2*time.Second, func() bool { return disp.count() == 1 })

	got, _ := repo.GetExecution(ctx, db, stale.ID)
	if got.Status != domain.ExecFailed || !strings.HasPrefix(got.Error, "abandoned") {
		t.Fatalf("stale execution not failed: %+v", got)
	}
	if p := got.Progress.Data(); p.Progress != 100 || p.FailureReason != ReasonInternal {
		t.Fatalf("unexpected progress: %+v", p)
	}
	if got, _ := repo.GetExecution(ctx, db, fresh.ID); got.Status != domain.ExecPending {
		t.Fatalf("fresh execution touched: %+v", got)
	}

	// Purged keys can be admitted again; live ones cannot.
	if ok, _ := dedup.AdmitUpdate(ctx, ledger, "bot", 1); !ok {
		t.Fatalf("expired key should be admissible after purge")
	}
	if ok, _ := dedup.AdmitUpdate(ctx, ledger, "bot", 2); ok {
		t.Fatalf("live key admitted twice")
	}
}

func TestJanitor_RunStopsWithContext(t *testing.T) {
	db := newTestDB(t)
	j := &Janitor{DB: db, Interval: 10 * time.Millisecond, Log: zerolog.Nop()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()
	time.Sleep(35 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
