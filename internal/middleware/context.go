package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/mir00r/api-gateway/internal/domain"
	gwerrors "github.com/mir00r/api-gateway/internal/errors"
)

type contextKey string

const requestContextKey contextKey = "requestContext"

// WithRequestContext attaches the per-request context
func WithRequestContext(ctx context.Context, rc *domain.RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

// RequestContextFrom extracts the per-request context, or nil when the
// request did not pass through the logging middleware.
func RequestContextFrom(ctx context.Context) *domain.RequestContext {
	rc, _ := ctx.Value(requestContextKey).(*domain.RequestContext)
	return rc
}

// errorResponse is the synthesized failure body returned to clients
type errorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	CorrelationID string `json:"correlation_id,omitempty"`
	RetryAfter    int64  `json:"retry_after_seconds,omitempty"`
}

// WriteError writes a gateway error as a JSON response. Retryable
// rejections carry a Retry-After header in whole seconds, rounded up.
func WriteError(w http.ResponseWriter, err *gwerrors.GatewayError) {
	w.Header().Set("Content-Type", "application/json")
	if err.CorrelationID != "" {
		w.Header().Set("X-Request-ID", err.CorrelationID)
	}

	var retrySecs int64
	if err.RetryAfter > 0 {
		retrySecs = int64(err.RetryAfter / time.Second)
		if err.RetryAfter%time.Second != 0 {
			retrySecs++
		}
		if retrySecs < 1 {
			retrySecs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(retrySecs, 10))
	}

	w.WriteHeader(err.HTTPStatusCode())
	json.NewEncoder(w).Encode(errorResponse{
		Error:         err.Message,
		Code:          string(err.Code),
		CorrelationID: err.CorrelationID,
		RetryAfter:    retrySecs,
	})
}
