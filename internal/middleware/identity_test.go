package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/mir00r/api-gateway/internal/config"
	"github.com/mir00r/api-gateway/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key"

func testLogger() *logger.Logger {
	log, _ := logger.New(logger.Config{
		Level:  "error",
		Format: "text",
		Output: "stdout",
	})
	return log
}

func signToken(t *testing.T, subject string, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

// identityProbe runs a request through the logging and identity
// middleware and reports the resolved caller.
func identityProbe(cfg config.AuthConfig, req *http.Request) (*httptest.ResponseRecorder, string) {
	var callerID string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rc := RequestContextFrom(r.Context()); rc != nil {
			callerID = rc.CallerID
		}
		w.WriteHeader(http.StatusOK)
	})

	handler := Chain(inner,
		LoggingMiddleware(testLogger()),
		IdentityMiddleware(cfg, testLogger()),
	)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, callerID
}

func TestIdentityFromValidToken(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest("GET", "/samples", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "svc-reporting", testSecret))

	rec, caller := identityProbe(config.AuthConfig{
		Enabled:   true,
		SecretKey: testSecret,
	}, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "svc-reporting", caller)
}

func TestIdentityRejectsInvalidToken(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest("GET", "/samples", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "svc-reporting", "wrong-secret"))

	rec, _ := identityProbe(config.AuthConfig{
		Enabled:   true,
		SecretKey: testSecret,
	}, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "AUTHENTICATION_FAILED")
}

func TestIdentityRejectsExpiredToken(t *testing.T) {
	t.Parallel()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "svc-reporting",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/samples", nil)
	req.Header.Set("Authorization", "Bearer "+signed)

	rec, _ := identityProbe(config.AuthConfig{
		Enabled:   true,
		SecretKey: testSecret,
	}, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIdentityAnonymousFallsBackToClientIP(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest("GET", "/samples", nil)
	req.RemoteAddr = "203.0.113.7:45102"

	rec, caller := identityProbe(config.AuthConfig{
		Enabled:        true,
		SecretKey:      testSecret,
		AllowAnonymous: true,
	}, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "203.0.113.7", caller)
}

func TestIdentityMissingTokenRejectedWhenAnonymousDisallowed(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest("GET", "/samples", nil)

	rec, _ := identityProbe(config.AuthConfig{
		Enabled:   true,
		SecretKey: testSecret,
	}, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIdentityDisabledUsesClientIP(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest("GET", "/samples", nil)
	req.RemoteAddr = "198.51.100.4:2001"

	rec, caller := identityProbe(config.AuthConfig{Enabled: false}, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "198.51.100.4", caller)
}

func TestLoggingMiddlewareCorrelationID(t *testing.T) {
	t.Parallel()

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := RequestContextFrom(r.Context())
		require.NotNil(t, rc)
		assert.NotEmpty(t, rc.CorrelationID)
		w.WriteHeader(http.StatusOK)
	})

	handler := LoggingMiddleware(testLogger())(inner)

	// A caller-provided id is propagated unchanged
	req := httptest.NewRequest("GET", "/samples", nil)
	req.Header.Set("X-Request-ID", "req-12345")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-12345", rec.Header().Get("X-Request-ID"))

	// Without one, the gateway mints its own
	req = httptest.NewRequest("GET", "/samples", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRecoveryMiddleware(t *testing.T) {
	t.Parallel()

	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	handler := Chain(panicking,
		RecoveryMiddleware(testLogger()),
		LoggingMiddleware(testLogger()),
	)

	req := httptest.NewRequest("GET", "/samples", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL_ERROR")
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	t.Parallel()

	handler := SecurityHeadersMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}
