// Package requests exposes request intake and session status over HTTP.
package requests

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/openhail/dispatch/core/dispatch"
	"github.com/openhail/dispatch/core/geo"
	"github.com/openhail/dispatch/core/model"
)

// Engine is the slice of the coordinator the handlers use.
type Engine interface {
	Cancel(requestID string) error
	Status(requestID string) (dispatch.Status, error)
	Complete(requestID string) error
	Statuses() []dispatch.Status
}

// Scheduler is the intake path for new and parked requests.
type Scheduler interface {
	Submit(req model.Request) (string, error)
	Cancel(requestID string) bool
	Pending() []model.Request
}

// Handler bundles the request endpoints.
type Handler struct {
	engine Engine
	sched  Scheduler
}

// New creates the handler set.
func New(engine Engine, sched Scheduler) *Handler {
	return &Handler{engine: engine, sched: sched}
}

// Register mounts the endpoints on the router.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/api/requests", h.submit).Methods(http.MethodPost)
	r.HandleFunc("/api/requests", h.list).Methods(http.MethodGet)
	r.HandleFunc("/api/requests/{id}", h.status).Methods(http.MethodGet)
	r.HandleFunc("/api/requests/{id}", h.cancel).Methods(http.MethodDelete)
	r.HandleFunc("/api/requests/{id}/complete", h.complete).Methods(http.MethodPost)
}

type submitBody struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customer_id"`
	Class      string    `json:"class"`
	OriginLat  float64   `json:"origin_lat"`
	OriginLon  float64   `json:"origin_lon"`
	DestLat    float64   `json:"dest_lat"`
	DestLon    float64   `json:"dest_lon"`
	PickupAt   time.Time `json:"pickup_at,omitempty"`
	Deadline   time.Time `json:"deadline,omitempty"`
}

type statusView struct {
	RequestID  string         `json:"request_id"`
	CustomerID string         `json:"customer_id"`
	State      string         `json:"state"`
	Reason     string         `json:"reason,omitempty"`
	Binding    *model.Binding `json:"binding,omitempty"`
	Attempts   int            `json:"attempts"`
	Contacted  int            `json:"contacted"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
}

func toView(st dispatch.Status) statusView {
	return statusView{
		RequestID:  st.RequestID,
		CustomerID: st.CustomerID,
		State:      st.State.String(),
		Reason:     string(st.Reason),
		Binding:    st.Binding,
		Attempts:   len(st.Attempts),
		Contacted:  st.Contacted,
		StartedAt:  st.StartedAt,
		FinishedAt: st.FinishedAt,
	}
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	req := model.Request{
		ID:          body.ID,
		CustomerID:  body.CustomerID,
		Class:       model.ServiceClass(body.Class),
		Origin:      geo.Point{Lat: body.OriginLat, Lon: body.OriginLon},
		Destination: geo.Point{Lat: body.DestLat, Lon: body.DestLon},
		CreatedAt:   time.Now(),
		PickupAt:    body.PickupAt,
		Deadline:    body.Deadline,
	}
	id, err := h.sched.Submit(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"request_id": id})
}

func (h *Handler) list(w http.ResponseWriter, _ *http.Request) {
	statuses := h.engine.Statuses()
	views := make([]statusView, 0, len(statuses))
	for _, st := range statuses {
		views = append(views, toView(st))
	}
	pending := h.sched.Pending()
	parked := make([]string, 0, len(pending))
	for _, req := range pending {
		parked = append(parked, req.ID)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"active": views,
		"parked": parked,
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, err := h.engine.Status(id)
	if err != nil {
		if errors.Is(err, dispatch.ErrNotFound) {
			http.Error(w, "unknown request", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toView(st))
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if h.sched.Cancel(id) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := h.engine.Cancel(id); err != nil {
		if errors.Is(err, dispatch.ErrNotFound) {
			http.Error(w, "unknown request", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.engine.Complete(id); err != nil {
		switch {
		case errors.Is(err, dispatch.ErrNotFound):
			http.Error(w, "unknown request", http.StatusNotFound)
		case errors.Is(err, dispatch.ErrNotBound):
			http.Error(w, "request not bound", http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
