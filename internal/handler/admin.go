package handler

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mir00r/api-gateway/internal/breaker"
	"github.com/mir00r/api-gateway/internal/ratelimit"
	"github.com/mir00r/api-gateway/pkg/logger"
)

// AdminHandler exposes the operator control surface. The admin mux is
// bound separately from the proxy routes so it never competes with
// upstream path prefixes.
type AdminHandler struct {
	breakers *breaker.Manager
	limiter  *ratelimit.Limiter
	logger   *logger.Logger
}

// NewAdminHandler creates an admin handler
func NewAdminHandler(breakers *breaker.Manager, limiter *ratelimit.Limiter, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		breakers: breakers,
		limiter:  limiter,
		logger:   log,
	}
}

// RegisterRoutes registers the admin endpoints
func (h *AdminHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/admin/breakers/{service}/reset", h.ResetBreaker).Methods("POST")
	router.HandleFunc("/admin/ratelimit/scopes/reset", h.ResetScope).Methods("POST")
	router.HandleFunc("/admin/ratelimit/bans/{caller}", h.Unban).Methods("DELETE")
}

// ResetBreaker forces a circuit breaker back to Closed with an empty
// window.
func (h *AdminHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]

	if !h.breakers.Reset(service) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": "unknown service: " + service,
		})
		return
	}

	h.logger.WithField("service", service).Info("Circuit breaker reset by operator")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": service,
		"state":   "closed",
	})
}

// ResetScope clears the counters for one rate-limit scope key
func (h *AdminHandler) ResetScope(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "missing scope query parameter",
		})
		return
	}

	h.limiter.Reset(scope)
	h.logger.WithField("scope", scope).Info("Rate limit scope reset by operator")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scope": scope,
		"reset": true,
	})
}

// Unban lifts an active penalty for a caller
func (h *AdminHandler) Unban(w http.ResponseWriter, r *http.Request) {
	caller := mux.Vars(r)["caller"]

	h.limiter.Unban(caller)
	h.logger.WithField("caller", caller).Info("Caller ban lifted by operator")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"caller":   caller,
		"unbanned": true,
	})
}
