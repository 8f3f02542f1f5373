// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// TaskExecution model (the execution ledger).
//
// Every mutation after creation is conditional on status = 'pending', which
// makes the terminal transition monotonic: once a record leaves pending no
// write in this file can touch it again.
//
// Functions:
//
//   - CreateExecution(ctx, db, e) -> error
//     Inserts a pending record. ID and timestamps are filled when empty.
//
//   - UpdateExecutionProgress(ctx, db, id, p) -> (bool, error)
//     Replaces the progress document of a pending record.
//
//   - FinalizeExecution(ctx, db, id, status, errMsg, p, at) -> (bool, error)
//     Writes the terminal status exactly once.
//
//   - GetExecution(ctx, db, id) -> *domain.TaskExecution, error
//
//   - ListExecutionsPage / CountExecutions / ExecutionsStats
//     Read paths for the polling API.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/go-crosspost-backend/internal/domain"
)

// ExecutionFilter narrows execution queries. Empty fields match everything.
type ExecutionFilter struct {
	TaskID          string
	TargetAccountID string
	Status          string
}

func (f ExecutionFilter) apply(q *gorm.DB) *gorm.DB {
	if f.TaskID != "" {
		q = q.Where("task_id = ?", f.TaskID)
	}
	if f.TargetAccountID != "" {
		q = q.Where("target_account_id = ?", f.TargetAccountID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	return q
}

// CreateExecution inserts e in the pending state.
func CreateExecution(ctx context.Context, db *gorm.DB, e *domain.TaskExecution) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = e.CreatedAt
	e.Status = domain.ExecPending
	return db.WithContext(ctx).Create(e).Error
}

// UpdateExecutionProgress stores p on a pending record. It returns false when
// the record is missing or already terminal.
func UpdateExecutionProgress(ctx context.Context, db *gorm.DB, id string, p domain.ExecutionProgress) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.TaskExecution{}).
		Where("id = ? AND status = ?", id, domain.ExecPending).
		Updates(map[string]any{
			"progress":   datatypes.NewJSONType(p),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FinalizeExecution moves a pending record to status (success or failed) with
// its final progress document. It returns false when the record was not
// pending, in which case nothing was written.
func FinalizeExecution(ctx context.Context, db *gorm.DB, id, status, errMsg string, p domain.ExecutionProgress, at time.Time) (bool, error) {
	if status != domain.ExecSuccess && status != domain.ExecFailed {
		return false, errors.New("finalize: status must be success or failed")
	}
	at = at.UTC()
	res := db.WithContext(ctx).
		Model(&domain.TaskExecution{}).
		Where("id = ? AND status = ?", id, domain.ExecPending).
		Updates(map[string]any{
			"status":      status,
			"error":       errMsg,
			"progress":    datatypes.NewJSONType(p),
			"executed_at": at,
			"updated_at":  at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// GetExecution fetches a single execution by id, or ErrNotFound.
func GetExecution(ctx context.Context, db *gorm.DB, id string) (*domain.TaskExecution, error) {
	var e domain.TaskExecution
	err := db.WithContext(ctx).Where("id = ?", id).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListExecutionsPage returns a page of executions matching f, newest first.
// Use CountExecutions to obtain the total for pagination metadata.
func ListExecutionsPage(ctx context.Context, db *gorm.DB, f ExecutionFilter, offset, limit int) ([]domain.TaskExecution, error) {
	var out []domain.TaskExecution
	err := f.apply(db.WithContext(ctx)).
		Order("created_at desc").
		Order("id desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountExecutions returns the number of executions matching f.
func CountExecutions(ctx context.Context, db *gorm.DB, f ExecutionFilter) (int64, error) {
	var total int64
	err := f.apply(db.WithContext(ctx).Model(&domain.TaskExecution{})).Count(&total).Error
	return total, err
}

// ListPendingExecutionsBefore returns pending records created before cutoff.
// They belong to a process that died mid-dispatch.
func ListPendingExecutionsBefore(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.TaskExecution, error) {
	var out []domain.TaskExecution
	err := db.WithContext(ctx).
		Where("status = ? AND created_at <= ?", domain.ExecPending, cutoff.UTC()).
		Order("created_at asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}
