// Package services – ExecutionService
//
// This file implements the read side of the execution ledger that polling
// observers use: paginated listing with filters and single-record lookup.
// Writes to the ledger go exclusively through ProgressReporter.
package services

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/go-crosspost-backend/internal/domain"
	"github.com/tbourn/go-crosspost-backend/internal/repo"
	"github.com/tbourn/go-crosspost-backend/internal/utils"
)

// ExecutionRepo defines the repository contract required by ExecutionService.
type ExecutionRepo interface {
	// GetExecution fetches a single execution by ID.
	GetExecution(ctx context.Context, db *gorm.DB, id string) (*domain.TaskExecution, error)

	// CountExecutions returns the number of executions matching f.
	CountExecutions(ctx context.Context, db *gorm.DB, f repo.ExecutionFilter) (int64, error)

	// ListExecutionsPage returns a page of executions matching f, newest first.
	ListExecutionsPage(ctx context.Context, db *gorm.DB, f repo.ExecutionFilter, offset, limit int) ([]domain.TaskExecution, error)
}

// ExecutionService exposes the execution ledger to the HTTP layer.
type ExecutionService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the execution repository used by this service.
	Repo ExecutionRepo
}

// NewExecutionService constructs an ExecutionService.
func NewExecutionService(db *gorm.DB, r ExecutionRepo) *ExecutionService {
	return &ExecutionService{DB: db, Repo: r}
}

// ValidStatus reports whether s is empty or a known execution status.
func ValidStatus(s string) bool {
	switch s {
	case "", domain.ExecPending, domain.ExecSuccess, domain.ExecFailed:
		return true
	}
	return false
}

// ListPage returns a page of executions matching f and the total count.
// Out-of-range page and pageSize are clamped.
func (s *ExecutionService) ListPage(ctx context.Context, f repo.ExecutionFilter, page, pageSize int) ([]domain.TaskExecution, int64, error) {
	pg := utils.NewPage(page, pageSize)

	f.TaskID = strings.TrimSpace(f.TaskID)
	f.TargetAccountID = strings.TrimSpace(f.TargetAccountID)

	total, err := s.Repo.CountExecutions(ctx, s.DB, f)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.TaskExecution{}, 0, nil
	}

	items, err := s.Repo.ListExecutionsPage(ctx, s.DB, f, pg.Offset(), pg.Size)
	return items, total, err
}

// Get returns one execution or ErrExecutionNotFound.
func (s *ExecutionService) Get(ctx context.Context, id string) (*domain.TaskExecution, error) {
	e, err := s.Repo.GetExecution(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return e, nil
}
