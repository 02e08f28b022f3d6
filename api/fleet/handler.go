// Package fleet exposes the live agent registry over HTTP.
package fleet

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/openhail/dispatch/core/model"
	"github.com/openhail/dispatch/core/registry"
)

// agentView is the wire form of one agent.
type agentView struct {
	ID        string    `json:"id"`
	Class     string    `json:"class"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	LocatedAt time.Time `json:"located_at"`
	Connected bool      `json:"connected"`
	Available bool      `json:"available"`
	Busy      bool      `json:"busy"`
	Rating    float64   `json:"rating"`
	Trips     int       `json:"trips"`
}

type snapshot struct {
	Counts registry.Counts `json:"counts"`
	Agents []agentView     `json:"agents"`
}

// NewHandler serves GET /api/fleet. Query parameters class, connected
// and available narrow the listing.
func NewHandler(reg *registry.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := registry.Filter{
			Class:         model.ServiceClass(r.URL.Query().Get("class")),
			ConnectedOnly: r.URL.Query().Get("connected") == "true",
			AvailableOnly: r.URL.Query().Get("available") == "true",
		}
		agents := reg.List(f)
		out := snapshot{Counts: reg.Counts(), Agents: make([]agentView, 0, len(agents))}
		for _, a := range agents {
			out.Agents = append(out.Agents, agentView{
				ID:        a.ID,
				Class:     string(a.Class),
				Lat:       a.Location.Lat,
				Lon:       a.Location.Lon,
				LocatedAt: a.LocatedAt,
				Connected: a.Connected,
				Available: a.Available,
				Busy:      a.Busy,
				Rating:    a.Rating,
				Trips:     a.CompletedTrips,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
