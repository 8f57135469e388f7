package www

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/sessions"
	"github.com/rs/zerolog"

	"fieldops/engine"
)

type Handlers struct {
	engine   *engine.Engine
	sessions *sessions.CookieStore
	eventHub *EventHub
	validate *validator.Validate
	log      zerolog.Logger
}

// NewRouter builds the HTTP API. The returned func stops the SSE hub.
func NewRouter(eng *engine.Engine, log zerolog.Logger) (http.Handler, func()) {
	hub := NewEventHub(log)
	hub.Start()
	subID := hub.SetupEngineListeners(eng)

	h := &Handlers{
		engine:   eng,
		sessions: newSessionStore(eng.AppConfig().Web.SessionSecret),
		eventHub: hub,
		validate: validator.New(),
		log:      log.With().Str("component", "www").Logger(),
	}

	h.ensureDefaultAdmin(context.Background(), eng.DB())

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.apiHealthCheck)
		r.Post("/login", h.apiLogin)
		r.Post("/logout", h.apiLogout)

		r.Route("/orgs/{org}", func(r chi.Router) {
			// Intake, technician devices and read consumers.
			r.Post("/jobs", h.apiCreateJob)
			r.Get("/jobs", h.apiListJobs)
			r.Get("/jobs/{id}", h.apiGetJob)
			r.Post("/jobs/{id}/cancel", h.apiCancelJob)
			r.Post("/jobs/{id}/status", h.apiJobStatus)

			r.Post("/technicians", h.apiRegisterTechnician)
			r.Get("/technicians", h.apiListTechnicians)
			r.Get("/technicians/{id}", h.apiGetTechnician)
			r.Put("/technicians/{id}/state", h.apiSetTechnicianState)
			r.Post("/technicians/{id}/location", h.apiReportLocation)
			r.Get("/technicians/{id}/eta", h.apiTechnicianETA)
			r.Get("/technicians/{id}/route", h.apiTechnicianRoute)

			r.Get("/schedule", h.apiSchedule)
			r.Get("/etas", h.apiListETAs)
			r.Get("/events", h.apiListEvents)
			r.Get("/events/stream", hub.SSEHandler)

			// Dispatcher console.
			r.Group(func(r chi.Router) {
				r.Use(h.requireAuth)
				r.Get("/queue", h.apiQueue)
				r.Get("/audit", h.apiAudit)
				r.Post("/assign", h.apiForceAssign)
				r.Post("/reorder", h.apiForceReorder)
				r.Post("/replan", h.apiReplan)
				r.Post("/resume", h.apiResume)
			})
		})
	})

	stopFn := func() {
		eng.Events.Unsubscribe(subID)
		hub.Stop()
	}
	return r, stopFn
}

func (h *Handlers) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", path).
			Int("status", ww.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	})
}

func (h *Handlers) apiHealthCheck(w http.ResponseWriter, r *http.Request) {
	dbOK := h.engine.DB().Ping(r.Context()) == nil
	msgOK := false
	if c := h.engine.MsgClient(); c != nil {
		msgOK = c.IsConnected()
	}
	geoOK := true
	if fb := h.engine.Providers().Fallback; fb != nil {
		geoOK = fb.Healthy()
	}
	status := "ok"
	code := http.StatusOK
	if !dbOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	h.jsonStatus(w, code, map[string]any{
		"status":      status,
		"database":    dbOK,
		"messaging":   msgOK,
		"geo":         geoOK,
		"sse_clients": h.eventHub.ClientCount(),
	})
}
