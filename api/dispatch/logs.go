// Package dispatch exposes the dispatch audit trail over HTTP.
package dispatch

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/openhail/dispatch/core/dispatch/audit"
)

// NewLogHandler returns an HTTP handler exposing audit records via
// GET /api/dispatch/logs. Requests must include an Authorization header
// with "Bearer <token>" when token is non-empty.
func NewLogHandler(store audit.Store, token string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != "" {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		q := audit.Query{}
		if s := r.URL.Query().Get("start"); s != "" {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				q.Start = t
			}
		}
		if s := r.URL.Query().Get("end"); s != "" {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				q.End = t
			}
		}
		q.RequestID = r.URL.Query().Get("request_id")
		q.AgentID = r.URL.Query().Get("agent_id")
		if kind := r.URL.Query().Get("kind"); kind == audit.KindAttempt || kind == audit.KindOutcome {
			q.Kind = kind
		}
		records, err := store.Query(r.Context(), q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(records); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}
