// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the SQL side of the dedup ledger: an
// insert-if-absent admission on (keyspace, account_id, key) and a purge of
// expired rows.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-crosspost-backend/internal/domain"
)

// ErrDuplicate indicates that a record already exists for the unique key the
// caller tried to insert.
var ErrDuplicate = errors.New("duplicate")

// InsertProcessedUpdate atomically records (keyspace, accountID, key) with an
// expiry of now+ttl. It returns ErrDuplicate when the key was already
// admitted. Concurrent callers racing on one key see exactly one success; the
// unique index decides.
func InsertProcessedUpdate(ctx context.Context, db *gorm.DB, keyspace, accountID, key string, now time.Time, ttl time.Duration) (*domain.ProcessedUpdate, error) {
	now = now.UTC()
	rec := &domain.ProcessedUpdate{
		ID:        uuid.NewString(),
		Keyspace:  keyspace,
		AccountID: accountID,
		Key:       key,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return nil, ErrDuplicate
		}
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrDuplicate
	}
	return rec, nil
}

// DeleteProcessedUpdate removes one admitted key. Deleting a missing key is
// not an error.
func DeleteProcessedUpdate(ctx context.Context, db *gorm.DB, keyspace, accountID, key string) error {
	return db.WithContext(ctx).
		Where(map[string]any{"keyspace": keyspace, "account_id": accountID, "key": key}).
		Delete(&domain.ProcessedUpdate{}).Error
}

// PurgeProcessedUpdates deletes ledger rows whose expiry is at or before now
// and returns how many were removed.
func PurgeProcessedUpdates(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ?", now.UTC()).
		Delete(&domain.ProcessedUpdate{})
	return res.RowsAffected, res.Error
}

// isUniqueViolation reports whether err came from a UNIQUE constraint.
// glebarez/sqlite often returns plain-text errors for these.
func isUniqueViolation(err error) bool {
	low := strings.ToLower(err.Error())
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}
