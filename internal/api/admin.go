package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

type loginBody struct {
	Secret string `json:"secret"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body loginBody
	r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := s.sessions.CheckSecret(body.Secret); err != nil {
		if errors.Is(err, ErrAdminDisabled) {
			writeError(w, http.StatusServiceUnavailable, "admin access is disabled")
			return
		}
		zap.L().Warn("api: admin login rejected", zap.String("remote", r.RemoteAddr))
		writeError(w, http.StatusUnauthorized, "invalid secret")
		return
	}

	token, exp, err := s.sessions.Issue()
	if err != nil {
		zap.L().Error("api: issue session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  exp,
		MaxAge:   int(time.Until(exp).Seconds()),
		HttpOnly: true,
		Secure:   isHTTPS(r),
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "token": token, "expires_at": exp.UTC()})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   isHTTPS(r),
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// requireAdmin accepts a session cookie, a session token as a Bearer
// credential, or the admin secret itself as a Bearer credential.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.sessions.Enabled() {
			writeError(w, http.StatusServiceUnavailable, "admin access is disabled")
			return
		}
		if s.authorized(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Bearer realm="ab-resolver"`)
		writeError(w, http.StatusUnauthorized, "unauthorized")
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if c, err := r.Cookie(SessionCookie); err == nil && s.sessions.Verify(c.Value) == nil {
		return true
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return false
	}
	return s.sessions.Verify(token) == nil || s.sessions.CheckSecret(token) == nil
}
