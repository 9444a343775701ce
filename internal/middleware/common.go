package middleware

import (
	"net/http"
	"time"

	"github.com/mir00r/api-gateway/internal/domain"
	gwerrors "github.com/mir00r/api-gateway/internal/errors"
	"github.com/mir00r/api-gateway/pkg/logger"
)

// Middleware is a standard http.Handler wrapper
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares in declaration order: the first listed is
// the outermost.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// LoggingMiddleware provides structured request logging and attaches
// the per-request context that the rest of the pipeline reads.
func LoggingMiddleware(log *logger.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rc := domain.NewRequestContext(r)
			r = r.WithContext(WithRequestContext(r.Context(), rc))

			// Echo the correlation id back so clients can cite it
			w.Header().Set("X-Request-ID", rc.CorrelationID)

			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			requestLogger := log.RequestLogger(
				rc.CorrelationID,
				rc.Method,
				rc.Endpoint,
				rc.RemoteAddr,
			)

			requestLogger.Debug("Request started")

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			logEntry := requestLogger.WithFields(map[string]interface{}{
				"status_code":   wrapped.statusCode,
				"duration_ms":   duration.Milliseconds(),
				"response_size": wrapped.size,
				"caller_id":     rc.CallerID,
				"service":       rc.Service,
			})

			switch {
			case wrapped.statusCode >= 500:
				logEntry.Error("Request completed with error")
			case wrapped.statusCode >= 400:
				logEntry.Warn("Request completed with warning")
			default:
				logEntry.Info("Request completed")
			}
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture response details
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int64
}

// WriteHeader captures the status code
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size
func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += int64(size)
	return size, err
}

// RecoveryMiddleware provides panic recovery with logging
func RecoveryMiddleware(log *logger.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					rc := RequestContextFrom(r.Context())
					var correlationID string
					if rc != nil {
						correlationID = rc.CorrelationID
					}

					log.WithFields(map[string]interface{}{
						"correlation_id": correlationID,
						"path":           r.URL.Path,
						"method":         r.Method,
						"panic":          err,
					}).Error("Panic recovered in request handler")

					ge := gwerrors.NewInternalError("pipeline", "unexpected error").WithCorrelationID(correlationID)
					WriteError(w, ge)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeadersMiddleware adds security headers
func SecurityHeadersMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-XSS-Protection", "1; mode=block")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

			next.ServeHTTP(w, r)
		})
	}
}
