// Execution HTTP handlers.
//
// This file exposes the read-only endpoints polling observers use to follow
// fan-out progress:
//   - GET /executions        (list, paginated, filterable, ETag support)
//   - GET /executions/{id}   (single record)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses (including conditional responses).
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-crosspost-backend/internal/domain"
	"github.com/tbourn/go-crosspost-backend/internal/repo"
	"github.com/tbourn/go-crosspost-backend/internal/services"
	"github.com/tbourn/go-crosspost-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// IngestService admits webhook deliveries.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type IngestService interface {
	// Authenticate validates the receiving account and its secret token.
	Authenticate(ctx context.Context, accountID, secret string) error
	// Ingest admits one normalized update without waiting for dispatch.
	Ingest(ctx context.Context, u domain.InboundUpdate) (services.IngestOutcome, error)
}

// ExecutionService exposes the execution ledger.
type ExecutionService interface {
	// ListPage returns a page of executions matching f and the total count.
	ListPage(ctx context.Context, f repo.ExecutionFilter, page, pageSize int) ([]domain.TaskExecution, int64, error)
	// Get returns one execution by id.
	Get(ctx context.Context, id string) (*domain.TaskExecution, error)
}

//
// Handler wiring
//

// Handlers groups the webhook and execution endpoints. It depends on
// abstract service interfaces to keep transport concerns separate from
// business logic.
type Handlers struct {
	ingestSvc IngestService
	execSvc   ExecutionService
}

// New constructs and returns a Handlers instance bound to the given services.
func New(ingestSvc IngestService, execSvc ExecutionService) *Handlers {
	return &Handlers{ingestSvc: ingestSvc, execSvc: execSvc}
}

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListExecutionsResponse wraps a page of executions and pagination information.
type ListExecutionsResponse struct {
	Executions []domain.TaskExecution `json:"executions"`
	Pagination Pagination             `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds the page and page_size query params.
func clampPagination(c *gin.Context) utils.Page {
	return utils.ParsePage(c.Query("page"), c.Query("page_size"))
}

// executionFilter reads the task_id, target_account_id and status query params.
func executionFilter(c *gin.Context) repo.ExecutionFilter {
	return repo.ExecutionFilter{
		TaskID:          strings.TrimSpace(c.Query("task_id")),
		TargetAccountID: strings.TrimSpace(c.Query("target_account_id")),
		Status:          strings.ToLower(strings.TrimSpace(c.Query("status"))),
	}
}

//
// Handlers
//

// ListExecutions godoc
// @ID          listExecutions
// @Summary     List executions (paginated)
// @Description Returns a page of execution records, newest first. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Executions
// @Produce     json
//
// @Param       If-None-Match      header  string  false "Return 304 if ETag matches"  example(W/\"abc123\")
// @Param       task_id            query   string  false "Filter by task"
// @Param       target_account_id  query   string  false "Filter by target account"
// @Param       status             query   string  false "Filter by status"  Enums(pending, success, failed)
// @Param       page               query   int     false "Page number"       minimum(1) default(1)
// @Param       page_size          query   int     false "Items per page"    minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListExecutionsResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /executions [get]
func (h *Handlers) ListExecutions(c *gin.Context) {
	ctx := c.Request.Context()
	pg := clampPagination(c)
	f := executionFilter(c)
	if !services.ValidStatus(f.Status) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "status must be pending, success or failed")
		return
	}

	// ETag pre-check (best effort).
	var db *gorm.DB
	if svc, ok := h.execSvc.(*services.ExecutionService); ok {
		db = svc.DB
	}
	if db != nil {
		count, maxTS, err := repo.ExecutionsStats(ctx, db, f)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.UnixNano()
			}
			etag := fmt.Sprintf(`W/"executions:%s:%s:%s:%d:%d:%d:%d"`,
				f.TaskID, f.TargetAccountID, f.Status, pg.Number, pg.Size, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.execSvc.ListPage(ctx, f, pg.Number, pg.Size)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := pg.TotalPages(total)
	ok(c, http.StatusOK, ListExecutionsResponse{
		Executions: items,
		Pagination: Pagination{
			Page:       pg.Number,
			PageSize:   pg.Size,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    pg.Number < totalPages,
		},
	})
}

// GetExecution godoc
// @ID          getExecution
// @Summary     Get an execution
// @Description Returns one execution record including its progress document.
// @Tags        Executions
// @Produce     json
//
// @Param       id  path  string  true  "Execution ID (UUID)"  format(uuid)
//
// @Success     200  {object} domain.TaskExecution
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Execution not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /executions/{id} [get]
func (h *Handlers) GetExecution(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "execution id must be a UUID")
		return
	}

	e, err := h.execSvc.Get(c.Request.Context(), id)
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, e)
}
