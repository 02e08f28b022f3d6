// Package kpi serves dispatch quality indicators computed from the
// audit trail.
package kpi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/openhail/dispatch/core/dispatch/audit"
	"github.com/openhail/dispatch/jobs/kpi"
)

// NewHandler serves GET /api/kpi. The window defaults to the last 24h;
// start and end accept RFC3339 overrides.
func NewHandler(store audit.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		end := time.Now()
		start := end.Add(-24 * time.Hour)
		if s := r.URL.Query().Get("start"); s != "" {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				start = t
			}
		}
		if s := r.URL.Query().Get("end"); s != "" {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				end = t
			}
		}
		rep, err := kpi.Compute(r.Context(), store, start, end)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(rep); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
