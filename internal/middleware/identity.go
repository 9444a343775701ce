package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/mir00r/api-gateway/internal/config"
	gwerrors "github.com/mir00r/api-gateway/internal/errors"
	"github.com/mir00r/api-gateway/pkg/logger"
)

// identityClaims are the token claims the gateway cares about
type identityClaims struct {
	CallerID string `json:"caller_id"`
	jwt.RegisteredClaims
}

// IdentityMiddleware resolves the caller identity before any quota is
// consumed. A valid bearer token yields the token subject; without a
// token the client IP stands in when anonymous callers are allowed.
// Invalid tokens are rejected with 401 and never reach the limiter.
func IdentityMiddleware(cfg config.AuthConfig, log *logger.Logger) Middleware {
	authLog := log.MiddlewareLogger("identity")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := RequestContextFrom(r.Context())
			if rc == nil {
				next.ServeHTTP(w, r)
				return
			}

			if !cfg.Enabled {
				rc.CallerID = clientIP(r)
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				if cfg.AllowAnonymous {
					rc.CallerID = clientIP(r)
					next.ServeHTTP(w, r)
					return
				}
				WriteError(w, gwerrors.NewAuthenticationError("missing bearer token").WithCorrelationID(rc.CorrelationID))
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				WriteError(w, gwerrors.NewAuthenticationError("malformed authorization header").WithCorrelationID(rc.CorrelationID))
				return
			}

			claims := &identityClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
				}
				return []byte(cfg.SecretKey), nil
			})
			if err != nil || !token.Valid {
				authLog.WithError(err).WithField("correlation_id", rc.CorrelationID).Warn("Token validation failed")
				WriteError(w, gwerrors.NewAuthenticationError("invalid token").WithCorrelationID(rc.CorrelationID))
				return
			}

			callerID := claims.CallerID
			if callerID == "" {
				callerID = claims.Subject
			}
			if callerID == "" {
				WriteError(w, gwerrors.NewAuthenticationError("token carries no subject").WithCorrelationID(rc.CorrelationID))
				return
			}

			rc.CallerID = callerID
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port from the remote address
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
