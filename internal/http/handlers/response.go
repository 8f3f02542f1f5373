// Package handlers implements the relay's HTTP surfaces: the Telegram webhook
// that feeds the ingestion pipeline and the read-only execution ledger API.
//
// Every failure leaves through fail() as an ErrorResponse with a stable code.
// The webhook has one extra rule: Telegram redelivers any update that was not
// answered with a 2xx, so a 5xx body sets "retry" to tell operators that the
// same update id will come back, while 4xx answers are final.
//
//	HTTP/1.1 500 Internal Server Error
//	{"request_id":"9f1c...","code":"ingest_failed","message":"admit message: ...","retry":true}
//
// Accepted deliveries are acknowledged with ack(), which echoes the ingest
// outcome so a redelivered update is visible as "duplicate" in access logs.
//
//	HTTP/1.1 200 OK
//	{"request_id":"9f1c...","status":"buffered"}
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-crosspost-backend/internal/http/middleware"
	"github.com/tbourn/go-crosspost-backend/internal/services"
)

// ErrorResponse is the error envelope of both surfaces.
type ErrorResponse struct {
	// Echo of X-Request-ID.
	RequestID string `json:"request_id,omitempty"`
	// Stable code, see errors.go.
	Code    string `json:"code"`
	Message string `json:"message"`
	// Retry is set on 5xx: the sender should (and Telegram will) redeliver.
	Retry bool `json:"retry,omitempty"`
}

// fail aborts with an ErrorResponse. 5xx answers are logged with the
// request-scoped logger since the caller will retry them.
func fail(c *gin.Context, status int, code, msg string) {
	retry := status >= http.StatusInternalServerError
	if retry {
		lg := middleware.LoggerFrom(c)
		lg.Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: requestID(c),
		Code:      code,
		Message:   msg,
		Retry:     retry,
	})
}

// Fail lets the router answer unmatched routes with the same envelope.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// ok writes body as JSON.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// ack answers an accepted webhook delivery with its ingest outcome.
func ack(c *gin.Context, out services.IngestOutcome) {
	c.Header("X-Ingest-Outcome", string(out))
	ok(c, http.StatusOK, IngestResponse{RequestID: requestID(c), Status: out})
}

func requestID(c *gin.Context) string {
	return c.Writer.Header().Get("X-Request-ID")
}
