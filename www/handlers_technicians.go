package www

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"fieldops/dispatch"
	"fieldops/protocol"
	"fieldops/store"
)

func (h *Handlers) apiRegisterTechnician(w http.ResponseWriter, r *http.Request) {
	var in dispatch.TechnicianIntake
	if !h.decodeJSON(w, r, &in) {
		return
	}
	t, err := h.engine.Coordinator().RegisterTechnician(r.Context(), orgID(r), in, h.actor(r, "workforce"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonStatus(w, http.StatusCreated, t)
}

func (h *Handlers) apiListTechnicians(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.Coordinator().View(r.Context(), orgID(r))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, map[string]any{"seq": snap.Seq, "technicians": snap.SortedTechnicians()})
}

func (h *Handlers) apiGetTechnician(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.Coordinator().View(r.Context(), orgID(r))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	t := snap.Technician(id)
	if t == nil {
		h.writeErr(w, fmt.Errorf("%w: technician %s", dispatch.ErrNotFound, id))
		return
	}
	h.jsonOK(w, map[string]any{
		"seq":           snap.Seq,
		"technician":    t,
		"used_capacity": snap.UsedCapacity(id),
	})
}

type stateRequest struct {
	State store.TechState `json:"state" validate:"required,oneof=off_shift idle unavailable"`
}

func (h *Handlers) apiSetTechnicianState(w http.ResponseWriter, r *http.Request) {
	var req stateRequest
	if !h.bind(w, r, &req) {
		return
	}
	t, err := h.engine.Coordinator().SetTechnicianState(r.Context(), orgID(r), chi.URLParam(r, "id"), req.State, h.actor(r, "workforce"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, t)
}

type locationRequest struct {
	Lat       float64   `json:"lat" validate:"gte=-90,lte=90"`
	Lon       float64   `json:"lon" validate:"gte=-180,lte=180"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
}

// apiReportLocation is the HTTP twin of the device telemetry topic.
func (h *Handlers) apiReportLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if !h.bind(w, r, &req) {
		return
	}
	eta, err := h.engine.Tracker().ReportLocation(r.Context(), orgID(r), protocol.LocationPing{
		TechnicianID: chi.URLParam(r, "id"),
		Lat:          req.Lat,
		Lon:          req.Lon,
		Timestamp:    req.Timestamp,
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if eta == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	h.jsonOK(w, eta)
}

func (h *Handlers) apiTechnicianETA(w http.ResponseWriter, r *http.Request) {
	eta, err := h.engine.Tracker().ETA(r.Context(), orgID(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if eta == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.jsonOK(w, eta)
}

// apiTechnicianRoute serves the technician's committed route with the
// sequence it was read at.
func (h *Handlers) apiTechnicianRoute(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.LiveState().Schedule(r.Context(), orgID(r))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	route := s.Route(id)
	if route == nil {
		h.writeErr(w, fmt.Errorf("%w: technician %s", dispatch.ErrNotFound, id))
		return
	}
	h.jsonOK(w, map[string]any{"seq": s.Seq, "route": route})
}
