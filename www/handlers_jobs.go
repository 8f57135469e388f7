package www

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"fieldops/dispatch"
	"fieldops/store"
)

func (h *Handlers) apiCreateJob(w http.ResponseWriter, r *http.Request) {
	var in dispatch.WorkOrderIntake
	if !h.decodeJSON(w, r, &in) {
		return
	}
	j, err := h.engine.Coordinator().CreateWorkOrder(r.Context(), orgID(r), in, h.actor(r, "intake"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonStatus(w, http.StatusCreated, j)
}

func (h *Handlers) apiListJobs(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.Coordinator().View(r.Context(), orgID(r))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	state := store.JobState(r.URL.Query().Get("state"))
	tech := r.URL.Query().Get("technician_id")
	jobs := make([]*store.WorkOrder, 0, len(snap.Jobs))
	for _, j := range snap.SortedJobs() {
		if state != "" && j.State != state {
			continue
		}
		if tech != "" && j.TechnicianID != tech {
			continue
		}
		jobs = append(jobs, j)
	}
	h.jsonOK(w, map[string]any{"seq": snap.Seq, "jobs": jobs})
}

func (h *Handlers) apiGetJob(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.Coordinator().View(r.Context(), orgID(r))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	j := snap.Job(id)
	if j == nil {
		h.writeErr(w, fmt.Errorf("%w: job %s", dispatch.ErrNotFound, id))
		return
	}
	h.jsonOK(w, map[string]any{"seq": snap.Seq, "job": j})
}

func (h *Handlers) apiCancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.engine.Coordinator().CancelWorkOrder(r.Context(), orgID(r), chi.URLParam(r, "id"), h.actor(r, "intake"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, j)
}

type statusRequest struct {
	TechnicianID string    `json:"technician_id" validate:"required"`
	Event        string    `json:"event" validate:"required,oneof=departed arrived completed blocked"`
	Reason       string    `json:"reason"`
	At           time.Time `json:"at"`
}

// apiJobStatus takes a technician's departed/arrived/completed/blocked post.
func (h *Handlers) apiJobStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !h.bind(w, r, &req) {
		return
	}
	j, err := h.engine.Coordinator().ApplyStatus(r.Context(), orgID(r), dispatch.StatusUpdate{
		TechnicianID: req.TechnicianID,
		JobID:        chi.URLParam(r, "id"),
		Event:        req.Event,
		Reason:       req.Reason,
		At:           req.At,
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, j)
}
