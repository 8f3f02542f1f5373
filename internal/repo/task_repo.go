// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// AutomationTask model.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-crosspost-backend/internal/domain"
)

// ListActiveTasksForSource returns active tasks whose source accounts contain
// accountID, ordered by creation time. The JSON column is prefiltered with
// LIKE and then checked exactly, so a task whose source merely shares a
// substring with accountID is never returned.
func ListActiveTasksForSource(ctx context.Context, db *gorm.DB, accountID string) ([]domain.AutomationTask, error) {
	quoted, err := json.Marshal(accountID)
	if err != nil {
		return nil, err
	}
	var rows []domain.AutomationTask
	err = db.WithContext(ctx).
		Where("status = ?", domain.TaskActive).
		Where("source_accounts LIKE ?", "%"+string(quoted)+"%").
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, t := range rows {
		if t.HasSource(accountID) {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetTask fetches a single task by id, or ErrNotFound.
func GetTask(ctx context.Context, db *gorm.DB, id string) (*domain.AutomationTask, error) {
	var t domain.AutomationTask
	err := db.WithContext(ctx).Where("id = ?", id).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// RecordTaskRun increments a task's counters once for a dispatched batch.
// failure_count is bumped when failed is true. A non-empty lastError replaces
// the task's last error; an empty one leaves it untouched.
func RecordTaskRun(ctx context.Context, db *gorm.DB, taskID string, failed bool, lastError string, now time.Time) error {
	fields := map[string]any{
		"execution_count": gorm.Expr("execution_count + 1"),
		"last_run_at":     now.UTC(),
		"updated_at":      now.UTC(),
	}
	if failed {
		fields["failure_count"] = gorm.Expr("failure_count + 1")
	}
	if lastError != "" {
		fields["last_error"] = lastError
	}
	res := db.WithContext(ctx).
		Model(&domain.AutomationTask{}).
		Where("id = ?", taskID).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTaskLastError records a fatal configuration problem on the task without
// touching its counters.
func SetTaskLastError(ctx context.Context, db *gorm.DB, taskID, msg string) error {
	res := db.WithContext(ctx).
		Model(&domain.AutomationTask{}).
		Where("id = ?", taskID).
		Update("last_error", msg)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertTask inserts t or overwrites its configuration columns. Counters and
// last-run bookkeeping of an existing row are preserved.
func UpsertTask(ctx context.Context, db *gorm.DB, t *domain.AutomationTask) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "status", "source_accounts", "target_accounts",
				"filters", "transform", "destination_flags",
				"publish_delay_seconds", "updated_at",
			}),
		}).
		Create(t).Error
}
