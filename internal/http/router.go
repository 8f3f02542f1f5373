// Package httpapi wires the HTTP transport (Gin) to the ingestion pipeline
// and the execution ledger. It centralizes cross-cutting concerns such as
// tracing, correlation IDs, logging/redaction, panic recovery, metrics, rate
// limiting, CORS and security headers.
//
// Two surfaces are mounted:
//   - /webhooks/telegram/:accountId receives Telegram updates for a source account
//   - {APIBasePath}/executions serves the execution ledger to polling observers
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-crosspost-backend/internal/config"
	"github.com/tbourn/go-crosspost-backend/internal/domain"
	"github.com/tbourn/go-crosspost-backend/internal/http/handlers"
	"github.com/tbourn/go-crosspost-backend/internal/http/middleware"
	"github.com/tbourn/go-crosspost-backend/internal/repo"
	"github.com/tbourn/go-crosspost-backend/internal/services"
)

// webhookBodyLimit caps a single update. Telegram updates are a few KiB;
// media travels by file id, never inline.
const webhookBodyLimit = 1 << 20

// execRepoShim adapts the repository free functions to the
// services.ExecutionRepo interface.
type execRepoShim struct{}

// GetExecution proxies repo.GetExecution.
func (execRepoShim) GetExecution(ctx context.Context, db *gorm.DB, id string) (*domain.TaskExecution, error) {
	return repo.GetExecution(ctx, db, id)
}

// CountExecutions proxies repo.CountExecutions.
func (execRepoShim) CountExecutions(ctx context.Context, db *gorm.DB, f repo.ExecutionFilter) (int64, error) {
	return repo.CountExecutions(ctx, db, f)
}

// ListExecutionsPage proxies repo.ListExecutionsPage.
func (execRepoShim) ListExecutionsPage(ctx context.Context, db *gorm.DB, f repo.ExecutionFilter, offset, limit int) ([]domain.TaskExecution, error) {
	return repo.ListExecutionsPage(ctx, db, f, offset, limit)
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. ingest is normally the *services.Aggregator.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: access logs with secrets and PII scrubbed
//  4. ScopedLogger + Recovery: request logger, panics to JSON 500
//  5. Body size limiter
//  6. Metrics
//  7. Rate limiter (per webhook account, otherwise per IP)
//  8. CORS and security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, ingest handlers.IngestService, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{}))
	r.Use(middleware.ScopedLogger())
	r.Use(middleware.Recovery())
	r.Use(limitBody(webhookBodyLimit))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByAccountOrIP())
	r.Use(rl.Handler())

	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)

	apiBase := cfg.APIBasePath
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:       cfg.Security.EnableHSTS,
		HSTSMaxAge:       cfg.Security.HSTSMaxAge,
		NoStorePrefixes:  []string{"/webhooks/"},
		RevalidatePrefix: joinPath(apiBase, "/executions"),
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	h := handlers.New(ingest, services.NewExecutionService(db, execRepoShim{}))

	r.POST("/webhooks/telegram/:accountId", h.TelegramWebhook)

	api := groupWithPrefix(r, apiBase)
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	{
		api.GET("/executions", h.ListExecutions)
		api.GET("/executions/:id", h.GetExecution)
	}
}

// corsMiddleware allows any origin when no allowlist is configured, and
// otherwise echoes allowed origins only. Observers are read-only, so
// credentials are never allowed.
func corsMiddleware(origins []string) []gin.HandlerFunc {
	base := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "If-None-Match"},
		ExposeHeaders:    []string{"X-Request-ID", "ETag", "Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		base.AllowAllOrigins = true
		return []gin.HandlerFunc{
			// ACAO even without an Origin header (simple health checks).
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(base),
		}
	}
	// gin-contrib/cors skips requests it considers same-origin, so allowed
	// origins are echoed here as well.
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	base.AllowOrigins = origins
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(base),
	}
}

// limitBody caps the request body size using http.MaxBytesReader. Requests
// exceeding the cap fail on read, which the handlers report as 400.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}

func joinPath(prefix, p string) string {
	if prefix == "" || prefix == "/" {
		return p
	}
	return prefix + p
}
