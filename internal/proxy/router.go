package proxy

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mir00r/api-gateway/internal/config"
	"github.com/mir00r/api-gateway/internal/domain"
	gwerrors "github.com/mir00r/api-gateway/internal/errors"
	"github.com/mir00r/api-gateway/internal/middleware"
)

// RegisterRoutes installs the routing table: each configured path
// prefix is bound to the pipeline handler for its upstream service.
// gorilla/mux matches in registration order, so more specific routes
// must come first in the configuration, and the gateway's own status
// and admin endpoints must be registered before calling this.
func RegisterRoutes(router *mux.Router, routes []config.RouteConfig, p *Pipeline) {
	for _, route := range routes {
		router.PathPrefix(route.Prefix).Handler(p.ServiceHandler(route.Service))
	}

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := middleware.RequestContextFrom(r.Context())
		if rc == nil {
			rc = domain.NewRequestContext(r)
		}
		middleware.WriteError(w, gwerrors.NewRouteNotFoundError(r.URL.Path).WithCorrelationID(rc.CorrelationID))
	})
}
