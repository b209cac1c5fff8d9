package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/rider-core/internal/models"
	"github.com/example/rider-core/internal/ride"
)

type draftRequest struct {
	Pickup       *models.Stop `json:"pickup,omitempty"`
	Dropoff      *models.Stop `json:"dropoff,omitempty"`
	VehicleClass string       `json:"vehicleClass,omitempty"`
	WantReturn   *bool        `json:"wantReturn,omitempty"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	snap := s.machine.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"session":          snap,
		"canBook":          s.machine.CanBook(),
		"autoFollowCamera": s.machine.AutoFollowCamera(),
	})
}

// handleDraft applies partial updates to the pre-booking draft and refreshes
// the route estimate when both stops are known.
func (s *Server) handleDraft(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	apply := func(err error) bool {
		if err == nil {
			return true
		}
		status := http.StatusUnprocessableEntity
		if errors.Is(err, ride.ErrNotIdle) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return false
	}

	if req.Pickup != nil && !apply(s.machine.SetPickup(*req.Pickup)) {
		return
	}
	if req.Dropoff != nil && !apply(s.machine.SetDropoff(*req.Dropoff)) {
		return
	}
	if req.VehicleClass != "" && !apply(s.machine.SetVehicleClass(models.VehicleClass(req.VehicleClass))) {
		return
	}
	if req.WantReturn != nil && !apply(s.machine.SetWantReturnTrip(*req.WantReturn)) {
		return
	}

	snap := s.machine.Snapshot()
	if s.router != nil && !snap.Pickup.Location.IsZero() && !snap.Dropoff.Location.IsZero() {
		route, err := s.router.Route(r.Context(), snap.Pickup.Location, snap.Dropoff.Location)
		if err != nil {
			s.logger.Warn("draft route estimate failed", "error", err)
		} else if !apply(s.machine.SetRouteEstimate(*route)) {
			return
		}
	}

	s.handleSession(w, r)
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	err := s.machine.BookRide(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"session": s.machine.Snapshot()})
	case errors.Is(err, ride.ErrNotIdle):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.machine.Cancel(r.Context(), true); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": s.machine.Snapshot()})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	if err := s.machine.AcknowledgeCompletion(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	s.machine.RefreshNearby()
	writeJSON(w, http.StatusOK, map[string]any{"drivers": s.pool.Snapshot()})
}

func (s *Server) handleRiderLocation(w http.ResponseWriter, r *http.Request) {
	var pos models.LatLng
	if err := json.NewDecoder(r.Body).Decode(&pos); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if pos.IsZero() {
		http.Error(w, "missing coordinates", http.StatusBadRequest)
		return
	}
	s.machine.UpdateRiderLocation(pos)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePlaces(w http.ResponseWriter, r *http.Request) {
	if s.places == nil {
		http.Error(w, "place search not configured", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		http.Error(w, "missing q parameter", http.StatusBadRequest)
		return
	}
	results, err := s.places.Search(r.Context(), q)
	if err != nil {
		s.logger.Warn("place search failed", "query", q, "error", err)
		http.Error(w, "place search failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"places": results})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
