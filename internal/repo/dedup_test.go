package repo

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tbourn/go-crosspost-backend/internal/domain"
)

func TestInsertProcessedUpdate_SuccessAndDuplicate(t *testing.T) {
	db := newTestDB(t, &domain.ProcessedUpdate{})
	ctx := context.Background()
	now := time.Now().UTC()
	ttl := 72 * time.Hour

	rec, err := InsertProcessedUpdate(ctx, db, domain.KeyspaceUpdate, "acc", "42", now, ttl)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if rec == nil || rec.ID == "" || !rec.ExpiresAt.Equal(now.Add(ttl)) {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if _, err := InsertProcessedUpdate(ctx, db, domain.KeyspaceUpdate, "acc", "42", now, ttl); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// Same key in another keyspace or account is independent.
	if _, err := InsertProcessedUpdate(ctx, db, domain.KeyspaceMessage, "acc", "42", now, ttl); err != nil {
		t.Fatalf("other keyspace: %v", err)
	}
	if _, err := InsertProcessedUpdate(ctx, db, domain.KeyspaceUpdate, "acc2", "42", now, ttl); err != nil {
		t.Fatalf("other account: %v", err)
	}
}

func TestInsertProcessedUpdate_ConcurrentExactlyOne(t *testing.T) {
	db := newTestDB(t, &domain.ProcessedUpdate{})
	ctx := context.Background()
	now := time.Now().UTC()

	const n = 16
	var wins, dups int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := InsertProcessedUpdate(ctx, db, domain.KeyspaceUpdate, "acc", "7", now, time.Hour)
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, ErrDuplicate):
				atomic.AddInt32(&dups, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || dups != n-1 {
		t.Fatalf("expected 1 win and %d duplicates, got %d/%d", n-1, wins, dups)
	}
}

func TestInsertProcessedUpdate_Error_NoTable(t *testing.T) {
	db := newTestDB(t)
	_, err := InsertProcessedUpdate(context.Background(), db, domain.KeyspaceUpdate, "a", "k", time.Now(), time.Hour)
	if err == nil || errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected raw db error, got %v", err)
	}
}

func TestPurgeProcessedUpdates_RemovesOnlyExpired(t *testing.T) {
	db := newTestDB(t, &domain.ProcessedUpdate{})
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := InsertProcessedUpdate(ctx, db, domain.KeyspaceUpdate, "a", "old", now.Add(-3*time.Hour), time.Hour); err != nil {
		t.Fatalf("seed old: %v", err)
	}
	if _, err := InsertProcessedUpdate(ctx, db, domain.KeyspaceUpdate, "a", "fresh", now, time.Hour); err != nil {
		t.Fatalf("seed fresh: %v", err)
	}

	n, err := PurgeProcessedUpdates(ctx, db, now)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged row, got %d", n)
	}

	// The purged key can be admitted again; the fresh one cannot.
	if _, err := InsertProcessedUpdate(ctx, db, domain.KeyspaceUpdate, "a", "old", now, time.Hour); err != nil {
		t.Fatalf("re-admit purged: %v", err)
	}
	if _, err := InsertProcessedUpdate(ctx, db, domain.KeyspaceUpdate, "a", "fresh", now, time.Hour); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected fresh key to remain, got %v", err)
	}
}
