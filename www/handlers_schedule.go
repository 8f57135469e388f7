package www

import (
	"net/http"

	"fieldops/dispatch"
	"fieldops/store"
)

func (h *Handlers) apiSchedule(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.LiveState().Schedule(r.Context(), orgID(r))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, s)
}

func (h *Handlers) apiListETAs(w http.ResponseWriter, r *http.Request) {
	etas, err := h.engine.LiveState().ETAs(r.Context(), orgID(r))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, etas)
}

// apiListEvents pages the schedule event log: ?after=<seq>&limit=<n>.
func (h *Handlers) apiListEvents(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt64(r, "after")
	if err != nil {
		h.writeErr(w, err)
		return
	}
	limit := queryInt(r, "limit", 500)
	if limit > 5000 {
		limit = 5000
	}
	events, err := h.engine.DB().ListScheduleEvents(r.Context(), orgID(r), after, limit)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if events == nil {
		events = []*store.ScheduleEvent{}
	}
	h.jsonOK(w, events)
}

func (h *Handlers) apiQueue(w http.ResponseWriter, r *http.Request) {
	org := orgID(r)
	entries, err := h.engine.DB().ListQueue(r.Context(), org)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []*store.QueueEntry{}
	}
	resp := map[string]any{"entries": entries, "suspended": false}
	if serr := h.engine.Coordinator().Suspension(r.Context(), org); serr != nil {
		resp["suspended"] = true
		resp["suspension"] = serr.Error()
	}
	h.jsonOK(w, resp)
}

func (h *Handlers) apiAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.DB().ListAuditLog(orgID(r), queryInt(r, "limit", 200))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []*store.AuditEntry{}
	}
	h.jsonOK(w, entries)
}

func (h *Handlers) apiForceAssign(w http.ResponseWriter, r *http.Request) {
	var req dispatch.ForceAssignRequest
	if !h.bind(w, r, &req) {
		return
	}
	j, err := h.engine.Coordinator().ForceAssign(r.Context(), orgID(r), req, h.getUsername(r))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, j)
}

func (h *Handlers) apiForceReorder(w http.ResponseWriter, r *http.Request) {
	var req dispatch.ReorderRequest
	if !h.bind(w, r, &req) {
		return
	}
	stops, err := h.engine.Coordinator().ForceReorder(r.Context(), orgID(r), req, h.getUsername(r))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, stops)
}

type replanRequest struct {
	Technicians []string `json:"technicians"`
	Assign      bool     `json:"assign"`
}

// apiReplan runs a manual re-optimization synchronously. With no technicians
// and no assign flag it rebuilds every route.
func (h *Handlers) apiReplan(w http.ResponseWriter, r *http.Request) {
	var req replanRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	org := orgID(r)
	t := dispatch.Trigger{Kinds: []dispatch.TriggerKind{dispatch.TriggerManual}, Technicians: req.Technicians, Assign: req.Assign}
	if len(t.Technicians) == 0 && !t.Assign {
		snap, err := h.engine.Coordinator().View(r.Context(), org)
		if err != nil {
			h.writeErr(w, err)
			return
		}
		for _, tech := range snap.SortedTechnicians() {
			t.Technicians = append(t.Technicians, tech.ID)
		}
		t.Assign = true
	}
	res, err := h.engine.Coordinator().Replan(r.Context(), org, t)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.log.Info().Str("org", org).Str("actor", h.getUsername(r)).Int64("seq", res.Seq).Msg("manual replan")
	h.jsonOK(w, res)
}

func (h *Handlers) apiResume(w http.ResponseWriter, r *http.Request) {
	org := orgID(r)
	if err := h.engine.Coordinator().Resume(r.Context(), org, h.getUsername(r)); err != nil {
		h.writeErr(w, err)
		return
	}
	h.engine.Coordinator().Trigger(org, dispatch.Trigger{Kinds: []dispatch.TriggerKind{dispatch.TriggerManual}, Assign: true})
	h.jsonOK(w, map[string]string{"status": "resumed"})
}
