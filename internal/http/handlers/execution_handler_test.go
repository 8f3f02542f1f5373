package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-crosspost-backend/internal/domain"
	"github.com/tbourn/go-crosspost-backend/internal/repo"
	"github.com/tbourn/go-crosspost-backend/internal/services"
)

// ---------- test DB + repo shim ----------

func newExecDB(t *testing.T) *gorm.DB {
	t.Helper()

	// Unique DSN per call to avoid cross-test contamination
	dsn := fmt.Sprintf("file:exec_handlers_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type testExecRepo struct{}

func (testExecRepo) GetExecution(ctx context.Context, db *gorm.DB, id string) (*domain.TaskExecution, error) {
	return repo.GetExecution(ctx, db, id)
}

func (testExecRepo) CountExecutions(ctx context.Context, db *gorm.DB, f repo.ExecutionFilter) (int64, error) {
	return repo.CountExecutions(ctx, db, f)
}

func (testExecRepo) ListExecutionsPage(ctx context.Context, db *gorm.DB, f repo.ExecutionFilter, offset, limit int) ([]domain.TaskExecution, error) {
	return repo.ListExecutionsPage(ctx, db, f, offset, limit)
}

func newExecRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := newExecDB(t)
	h := New(nil, services.NewExecutionService(db, testExecRepo{}))
	r := gin.New()
	r.GET("/executions", h.ListExecutions)
	r.GET("/executions/:id", h.GetExecution)
	return r, db
}

func seedExecutions(t *testing.T, db *gorm.DB) []*domain.TaskExecution {
	t.Helper()
	base := time.Now().UTC().Add(-time.Hour)
	var out []*domain.TaskExecution
	for i, target := range []string{"t1", "t2", "t3"} {
		e := &domain.TaskExecution{
			TaskID:          "relay",
			SourceAccountID: "bot",
			TargetAccountID: target,
			CreatedAt:       base.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.CreateExecution(context.Background(), db, e); err != nil {
			t.Fatalf("create execution: %v", err)
		}
		out = append(out, e)
	}
	return out
}

func get(r *gin.Engine, path string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ---------- tests ----------

func TestListExecutions_PaginationAndETag(t *testing.T) {
	r, db := newExecRouter(t)
	seedExecutions(t, db)

	w := get(r, "/executions?page=1&page_size=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp ListExecutionsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(resp.Executions) != 2 || resp.Pagination.Total != 3 || resp.Pagination.TotalPages != 2 || !resp.Pagination.HasNext {
		t.Fatalf("unexpected page: %+v", resp.Pagination)
	}
	if resp.Executions[0].TargetAccountID != "t3" {
		t.Fatalf("expected newest first, got %s", resp.Executions[0].TargetAccountID)
	}

	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("missing ETag")
	}
	if w := get(r, "/executions?page=1&page_size=2", map[string]string{"If-None-Match": etag}); w.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", w.Code)
	}
	if w := get(r, "/executions?page=2&page_size=2", map[string]string{"If-None-Match": etag}); w.Code != http.StatusOK {
		t.Fatalf("different page must not match etag, got %d", w.Code)
	}
}

func TestListExecutions_ETagChangesOnProgress(t *testing.T) {
	r, db := newExecRouter(t)
	execs := seedExecutions(t, db)

	etag := get(r, "/executions", nil).Header().Get("ETag")

	time.Sleep(5 * time.Millisecond)
	ok, err := repo.FinalizeExecution(context.Background(), db, execs[0].ID, domain.ExecSuccess, "",
		domain.ExecutionProgress{Stage: "done", Progress: 100}, time.Now().UTC())
	if err != nil || !ok {
		t.Fatalf("finalize: %v %v", ok, err)
	}
	if w := get(r, "/executions", map[string]string{"If-None-Match": etag}); w.Code != http.StatusOK {
		t.Fatalf("stale etag matched after finalize: %d", w.Code)
	}
}

func TestListExecutions_Filters(t *testing.T) {
	r, db := newExecRouter(t)
	execs := seedExecutions(t, db)
	if _, err := repo.FinalizeExecution(context.Background(), db, execs[1].ID, domain.ExecFailed, "boom",
		domain.ExecutionProgress{Progress: 100}, time.Now().UTC()); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	var resp ListExecutionsResponse
	w := get(r, "/executions?status=FAILED", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(resp.Executions) != 1 || resp.Executions[0].ID != execs[1].ID || resp.Executions[0].Error != "boom" {
		t.Fatalf("status filter: %+v", resp.Executions)
	}

	w = get(r, "/executions?target_account_id=t3&task_id=relay", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(resp.Executions) != 1 || resp.Executions[0].ID != execs[2].ID {
		t.Fatalf("target filter: %+v", resp.Executions)
	}

	w = get(r, "/executions?task_id=other", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(resp.Executions) != 0 || resp.Pagination.Total != 0 {
		t.Fatalf("expected empty result: %+v", resp)
	}

	if w := get(r, "/executions?status=done", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid status accepted: %d", w.Code)
	}
}

func TestGetExecution(t *testing.T) {
	r, db := newExecRouter(t)
	execs := seedExecutions(t, db)

	w := get(r, "/executions/"+execs[0].ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var e domain.TaskExecution
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("json: %v", err)
	}
	if e.ID != execs[0].ID || e.Status != domain.ExecPending {
		t.Fatalf("unexpected execution: %+v", e)
	}

	if w := get(r, "/executions/not-a-uuid", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if w := get(r, "/executions/"+uuid.NewString(), nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
