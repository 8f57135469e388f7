package www

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"fieldops/dispatch"
	"fieldops/tracking"
)

const maxBodyBytes = 1 << 20

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handlers) jsonOK(w http.ResponseWriter, data any) {
	h.jsonStatus(w, http.StatusOK, data)
}

func (h *Handlers) jsonStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Debug().Err(err).Msg("encode response")
	}
}

func (h *Handlers) jsonError(w http.ResponseWriter, status int, code, msg string) {
	h.jsonStatus(w, status, map[string]apiError{"error": {Code: code, Message: msg}})
}

// writeErr maps domain errors to a status and a stable error code.
func (h *Handlers) writeErr(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	if status >= 500 && status != http.StatusServiceUnavailable {
		h.log.Error().Err(err).Msg("request failed")
	}
	h.jsonError(w, status, code, err.Error())
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, dispatch.ErrInvalidWorkOrder):
		return http.StatusUnprocessableEntity, "InvalidWorkOrder"
	case errors.Is(err, dispatch.ErrInvalidTechnician):
		return http.StatusUnprocessableEntity, "InvalidTechnician"
	case errors.Is(err, dispatch.ErrInvalidRequest), errors.Is(err, tracking.ErrInvalidPing):
		return http.StatusUnprocessableEntity, "InvalidRequest"
	case errors.Is(err, dispatch.ErrNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, dispatch.ErrStaleState):
		return http.StatusConflict, "StaleState"
	case errors.Is(err, dispatch.ErrInvalidTransition):
		return http.StatusConflict, "InvalidTransition"
	case errors.Is(err, dispatch.ErrNoSkillMatch):
		return http.StatusConflict, "NoSkillMatch"
	case errors.Is(err, dispatch.ErrNoCapacity):
		return http.StatusConflict, "NoCapacity"
	case errors.Is(err, dispatch.ErrNoTimeWindowFit):
		return http.StatusConflict, "NoTimeWindowFit"
	case errors.Is(err, dispatch.ErrInfeasible):
		return http.StatusConflict, "Infeasible"
	case errors.Is(err, dispatch.ErrSuspended):
		return http.StatusServiceUnavailable, "Suspended"
	default:
		return http.StatusInternalServerError, "Internal"
	}
}

// decodeJSON reads a bounded JSON body. An empty body leaves dst untouched.
func (h *Handlers) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		h.jsonError(w, http.StatusBadRequest, "BadRequest", fmt.Sprintf("decode body: %v", err))
		return false
	}
	return true
}

// bind decodes and validates a request body owned by this package. Intake
// records skip it: the coordinator validates those and reports the domain error.
func (h *Handlers) bind(w http.ResponseWriter, r *http.Request, dst any) bool {
	if !h.decodeJSON(w, r, dst) {
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.jsonError(w, http.StatusUnprocessableEntity, "InvalidRequest", err.Error())
		return false
	}
	return true
}

func orgID(r *http.Request) string { return chi.URLParam(r, "org") }

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func queryInt64(r *http.Request, key string) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", dispatch.ErrInvalidRequest, key)
	}
	return n, nil
}
