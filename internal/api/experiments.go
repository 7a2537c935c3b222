package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/ab-resolver/internal/model"
	"github.com/sells-group/ab-resolver/internal/store"
)

const maxBodyBytes = 64 << 10

// NewExperimentID returns an id of the form exp_1a2b3c4d.
func NewExperimentID() string {
	return "exp_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ExperimentFilter{
		Status: model.ExperimentStatus(q.Get("status")),
		Search: firstNonEmpty(q.Get("search"), q.Get("q")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(filter.Status)))
		return
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	exps, err := s.store.ListExperiments(r.Context(), filter)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"experiments": exps, "count": len(exps)})
}

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	exp := model.Experiment{Status: model.StatusDraft, PreserveParams: true}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&exp); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if exp.ID == "" {
		exp.ID = NewExperimentID()
	}
	normalizeTimes(&exp)

	if err := s.store.CreateExperiment(r.Context(), &exp); err != nil {
		writeStoreError(w, r, err)
		return
	}
	s.changed("created", exp.ID)
	writeJSON(w, http.StatusCreated, exp)
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.store.GetExperiment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handleUpdateExperiment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch model.ExperimentPatch
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	exp, err := s.store.UpdateExperiment(r.Context(), id, patch)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	s.changed("updated", id)
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handleDeleteExperiment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteExperiment(r.Context(), id); err != nil {
		writeStoreError(w, r, err)
		return
	}
	s.changed("deleted", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.collector.Collect(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// changed drops the cached snapshot so the write is visible to the next
// resolve.
func (s *Server) changed(action, id string) {
	s.cache.Invalidate()
	zap.L().Info("experiment "+action, zap.String("experiment", id))
}

func normalizeTimes(e *model.Experiment) {
	if e.StartAt != nil {
		t := e.StartAt.UTC()
		e.StartAt = &t
	}
	if e.StopAt != nil {
		t := e.StopAt.UTC()
		e.StopAt = &t
	}
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}
