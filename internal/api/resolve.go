package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sells-group/ab-resolver/internal/experiment"
	"github.com/sells-group/ab-resolver/internal/monitoring"
)

// resolveBody accepts both the short field names sent by the page snippet
// and the long names used by server-side callers.
type resolveBody struct {
	URL             string `json:"url"`
	CID             string `json:"cid"`
	ClientID        string `json:"client_id"`
	Force           string `json:"force"`
	ForcedVariant   string `json:"forced_variant"`
	Variant         string `json:"variant"`
	ExistingVariant string `json:"existing_variant"`
}

func (b resolveBody) request() experiment.Request {
	return experiment.Request{
		URL:             b.URL,
		ClientID:        firstNonEmpty(b.ClientID, b.CID),
		ForcedVariant:   firstNonEmpty(b.ForcedVariant, b.Force),
		ExistingVariant: firstNonEmpty(b.ExistingVariant, b.Variant),
	}
}

// resolveResponse adds the legacy "id" key and an explicit forced flag to
// the resolution.
type resolveResponse struct {
	experiment.Resolution
	ID     string `json:"id,omitempty"`
	Forced bool   `json:"forced,omitempty"`
}

type resolveError struct {
	Active bool   `json:"active"`
	Error  string `json:"error"`
}

func (s *Server) handleResolvePost(w http.ResponseWriter, r *http.Request) {
	var body resolveBody
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, resolveError{Error: "invalid json"})
		return
	}
	s.resolve(w, r, body.request())
}

func (s *Server) handleResolveGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.resolve(w, r, resolveBody{
		URL:             q.Get("url"),
		CID:             q.Get("cid"),
		ClientID:        q.Get("client_id"),
		Force:           q.Get("force"),
		ForcedVariant:   q.Get("forced_variant"),
		Variant:         q.Get("variant"),
		ExistingVariant: q.Get("existing_variant"),
	}.request())
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request, req experiment.Request) {
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, resolveError{Error: "missing url"})
		return
	}
	start := time.Now()
	ctx := r.Context()

	snap, err := s.cache.Get(ctx)
	if err != nil {
		zap.L().Warn("api: no experiment snapshot, resolving as inactive",
			zap.String("request_id", middleware.GetReqID(ctx)),
			zap.Error(err),
		)
	}

	exp := experiment.FindActive(req.URL, s.now(), snap.Experiments)
	if exp != nil && req.ExistingVariant == "" {
		if c, err := r.Cookie(s.opts.CookiePrefix + exp.ID); err == nil {
			req.ExistingVariant = c.Value
		}
	}
	res := experiment.ResolveFor(req, exp)

	outcome := monitoring.OutcomeInactive
	if res.Active {
		outcome = string(res.Source)
		if !res.Forced() {
			s.setVariantCookie(w, r, res)
		}
		zap.L().Debug("api: resolved",
			zap.String("experiment", res.ExperimentID),
			zap.String("variant", string(res.Variant)),
			zap.String("source", string(res.Source)),
			zap.Uint64("snapshot", snap.Version),
		)
	}
	s.metrics.ObserveResolution(outcome, res.ExperimentID, string(res.Variant), time.Since(start))

	writeJSON(w, http.StatusOK, resolveResponse{
		Resolution: res,
		ID:         res.ExperimentID,
		Forced:     res.Forced(),
	})
}

func (s *Server) setVariantCookie(w http.ResponseWriter, r *http.Request, res experiment.Resolution) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.opts.CookiePrefix + res.ExperimentID,
		Value:    string(res.Variant),
		Path:     "/",
		MaxAge:   int(s.opts.CookieMaxAge.Seconds()),
		Expires:  s.now().Add(s.opts.CookieMaxAge),
		SameSite: http.SameSiteLaxMode,
		Secure:   isHTTPS(r),
	})
}

func isHTTPS(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
