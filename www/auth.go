package www

import (
	"context"
	"net/http"

	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"

	"fieldops/store"
)

const sessionName = "fieldops-session"

func newSessionStore(secret string) *sessions.CookieStore {
	if secret == "" {
		secret = "fieldops-default-secret-change-me"
	}
	s := sessions.NewCookieStore([]byte(secret))
	s.Options.HttpOnly = true
	s.Options.SameSite = http.SameSiteLaxMode
	return s
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (h *Handlers) isAuthenticated(r *http.Request) bool {
	session, err := h.sessions.Get(r, sessionName)
	if err != nil {
		return false
	}
	auth, ok := session.Values["authenticated"].(bool)
	return ok && auth
}

// requireAuth guards dispatcher-only endpoints.
func (h *Handlers) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.isAuthenticated(r) {
			h.jsonError(w, http.StatusUnauthorized, "Unauthorized", "dispatcher login required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) getUsername(r *http.Request) string {
	session, err := h.sessions.Get(r, sessionName)
	if err != nil {
		return ""
	}
	username, _ := session.Values["username"].(string)
	return username
}

// actor names who made a change: the logged-in dispatcher, or the caller's
// X-Actor header for service-to-service intake.
func (h *Handlers) actor(r *http.Request, def string) string {
	if u := h.getUsername(r); u != "" {
		return u
	}
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return def
}

func (h *Handlers) ensureDefaultAdmin(ctx context.Context, db *store.DB) {
	exists, err := db.AdminUserExists(ctx)
	if err != nil || exists {
		return
	}
	hash, err := hashPassword("admin")
	if err != nil {
		return
	}
	if err := db.CreateAdminUser(ctx, "admin", hash); err != nil {
		h.log.Warn().Err(err).Msg("create default admin")
		return
	}
	h.log.Warn().Msg("created default dispatcher admin/admin; change the password")
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (h *Handlers) apiLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.bind(w, r, &req) {
		return
	}
	user, err := h.engine.DB().GetAdminUser(r.Context(), req.Username)
	if err != nil || !checkPassword(user.PasswordHash, req.Password) {
		h.jsonError(w, http.StatusUnauthorized, "Unauthorized", "invalid username or password")
		return
	}

	session, _ := h.sessions.Get(r, sessionName)
	session.Values["authenticated"] = true
	session.Values["username"] = req.Username
	if err := session.Save(r, w); err != nil {
		h.log.Error().Err(err).Msg("session save")
		h.jsonError(w, http.StatusInternalServerError, "Internal", "session save failed")
		return
	}
	h.jsonOK(w, map[string]string{"username": req.Username})
}

func (h *Handlers) apiLogout(w http.ResponseWriter, r *http.Request) {
	session, _ := h.sessions.Get(r, sessionName)
	session.Values["authenticated"] = false
	session.Values["username"] = ""
	session.Options.MaxAge = -1
	session.Save(r, w)
	w.WriteHeader(http.StatusNoContent)
}
