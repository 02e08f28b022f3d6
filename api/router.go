// Package api assembles the ops HTTP surface: request intake and status,
// fleet snapshots, audit logs and KPIs.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	apidispatch "github.com/openhail/dispatch/api/dispatch"
	apifleet "github.com/openhail/dispatch/api/fleet"
	apikpi "github.com/openhail/dispatch/api/kpi"
	apirequests "github.com/openhail/dispatch/api/requests"
	"github.com/openhail/dispatch/core/dispatch/audit"
	"github.com/openhail/dispatch/core/logger"
	"github.com/openhail/dispatch/core/registry"
)

// Deps collects everything the router serves.
type Deps struct {
	Engine    apirequests.Engine
	Scheduler apirequests.Scheduler
	Registry  *registry.Registry
	Audit     audit.Store
	AgentWS   http.Handler // optional websocket gateway mount
	AuthToken string
	Log       logger.Logger
}

// NewRouter builds the ops router.
func NewRouter(deps Deps) *mux.Router {
	r := mux.NewRouter()
	if deps.Log != nil {
		r.Use(loggingMiddleware(deps.Log))
	}
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if deps.Engine != nil && deps.Scheduler != nil {
		apirequests.New(deps.Engine, deps.Scheduler).Register(r)
	}
	if deps.Registry != nil {
		r.Handle("/api/fleet", apifleet.NewHandler(deps.Registry)).Methods(http.MethodGet)
	}
	if deps.Audit != nil {
		r.Handle("/api/dispatch/logs", apidispatch.NewLogHandler(deps.Audit, deps.AuthToken)).Methods(http.MethodGet)
		r.Handle("/api/kpi", apikpi.NewHandler(deps.Audit)).Methods(http.MethodGet)
	}
	if deps.AgentWS != nil {
		r.Handle("/ws/agents/{id}", deps.AgentWS)
	}
	return r
}

func loggingMiddleware(log logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debugf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
		})
	}
}
