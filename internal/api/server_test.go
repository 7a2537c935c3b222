package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ab-resolver/internal/model"
	"github.com/sells-group/ab-resolver/internal/monitoring"
	"github.com/sells-group/ab-resolver/internal/snapshot"
	"github.com/sells-group/ab-resolver/internal/store"
)

const testSecret = "0123456789abcdef-test"

type testEnv struct {
	srv     *Server
	store   *store.SQLiteStore
	cache   *snapshot.Cache
	handler http.Handler
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	cache := snapshot.New(st, snapshot.Options{TTL: time.Minute})
	srv := New(cache, st, monitoring.NewMetrics("test"), opts)
	return &testEnv{srv: srv, store: st, cache: cache, handler: srv.Router()}
}

func (e *testEnv) seed(t *testing.T, exps ...model.Experiment) {
	t.Helper()
	for i := range exps {
		require.NoError(t, e.store.CreateExperiment(context.Background(), &exps[i]))
	}
	e.cache.Invalidate()
}

func (e *testEnv) do(t *testing.T, method, target, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func runningExp(id, baseline, test string) model.Experiment {
	return model.Experiment{
		ID:             id,
		BaselineURL:    baseline,
		TestURL:        test,
		Status:         model.StatusRunning,
		PreserveParams: true,
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestHealth_PingsStore(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.seed(t, runningExp("exp1", "https://site.com/lp1", "https://site.com/lp2"))
	_, err := env.cache.Refresh(context.Background())
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, 1.0, body["snapshot_experiments"])

	require.NoError(t, env.store.Close())
	rec = env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, false, decode(t, rec)["ok"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.do(t, http.MethodPost, "/exp/resolve", `{"url":"https://nowhere.com/"}`)

	rec := env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `test_resolutions_total{outcome="inactive"} 1`)
}

func TestCORS_AllowAllByDefault(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodOptions, "/exp/resolve", "", func(r *http.Request) {
		r.Header.Set("Origin", "https://anything.example")
		r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	})
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_AllowList(t *testing.T) {
	env := newTestEnv(t, Options{AllowedOrigins: []string{"https://opsotools.com"}})

	rec := env.do(t, http.MethodPost, "/exp/resolve", `{"url":"https://opsotools.com/x"}`, func(r *http.Request) {
		r.Header.Set("Origin", "https://opsotools.com")
	})
	assert.Equal(t, "https://opsotools.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	rec = env.do(t, http.MethodPost, "/exp/resolve", `{"url":"https://opsotools.com/x"}`, func(r *http.Request) {
		r.Header.Set("Origin", "https://evil.example")
	})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
