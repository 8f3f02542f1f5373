package dedup

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-crosspost-backend/internal/repo"
)

// SQLLedger is a Ledger backed by the processed_updates table.
type SQLLedger struct {
	DB        *gorm.DB
	Retention time.Duration
	// Now is overridable in tests.
	Now func() time.Time
}

// NewSQLLedger returns a ledger whose entries live for retention.
func NewSQLLedger(db *gorm.DB, retention time.Duration) *SQLLedger {
	return &SQLLedger{DB: db, Retention: retention, Now: time.Now}
}

// Admit implements Ledger.
func (l *SQLLedger) Admit(ctx context.Context, keyspace, accountID, key string) (bool, error) {
	_, err := repo.InsertProcessedUpdate(ctx, l.DB, keyspace, accountID, key, l.Now(), l.Retention)
	if errors.Is(err, repo.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Forget implements Ledger.
func (l *SQLLedger) Forget(ctx context.Context, keyspace, accountID, key string) error {
	return repo.DeleteProcessedUpdate(ctx, l.DB, keyspace, accountID, key)
}

// Purge implements Ledger.
func (l *SQLLedger) Purge(ctx context.Context, now time.Time) (int64, error) {
	return repo.PurgeProcessedUpdates(ctx, l.DB, now)
}
