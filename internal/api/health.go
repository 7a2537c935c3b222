package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleHealth also pings the experiment store and reports the snapshot.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]any{"ok": true}
	if snap := s.cache.Current(); snap != nil {
		body["snapshot_version"] = snap.Version
		body["snapshot_experiments"] = len(snap.Experiments)
		body["snapshot_loaded_at"] = snap.LoadedAt.UTC()
	}

	if err := s.store.Ping(ctx); err != nil {
		zap.L().Warn("api: health check store ping failed", zap.Error(err))
		body["ok"] = false
		body["error"] = "store unavailable"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}
