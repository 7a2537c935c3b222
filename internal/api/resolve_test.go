package api

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ab-resolver/internal/model"
)

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestResolve_MissingURL(t *testing.T) {
	env := newTestEnv(t, Options{})

	for _, body := range []string{`{}`, ``, `{"cid":"c1"}`} {
		rec := env.do(t, http.MethodPost, "/exp/resolve", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.JSONEq(t, `{"active":false,"error":"missing url"}`, rec.Body.String())
	}

	rec := env.do(t, http.MethodGet, "/exp/resolve", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolve_InvalidJSON(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodPost, "/exp/resolve", `{"url":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"active":false,"error":"invalid json"}`, rec.Body.String())
}

func TestResolve_Inactive(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.seed(t, runningExp("exp1", "https://site.com/lp1", "https://site.com/lp2"))

	rec := env.do(t, http.MethodPost, "/exp/resolve", `{"url":"https://other.com/lp1","cid":"c1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"active":false}`, rec.Body.String())
	assert.Empty(t, rec.Result().Cookies())
}

func TestResolve_ActiveSetsStickyCookie(t *testing.T) {
	env := newTestEnv(t, Options{})
	exp := runningExp("exp1", "https://site.com/lp1", "https://site.com/lp2/")
	exp.AllocationB = model.Float64(1)
	env.seed(t, exp)

	rec := env.do(t, http.MethodPost, "/exp/resolve", `{"url":"https://site.com/lp1?utm_source=ads#top","cid":"GA1.2.3"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, true, body["active"])
	assert.Equal(t, "exp1", body["id"])
	assert.Equal(t, "exp1", body["experiment_id"])
	assert.Equal(t, "B", body["variant"])
	assert.Equal(t, "hash", body["source"])
	assert.Equal(t, 1.0, body["allocation_b"])
	assert.Equal(t, true, body["preserve_params"])
	assert.Equal(t, "https://site.com/lp2/?utm_source=ads#top", body["redirect_url"])
	assert.Nil(t, body["forced"])

	c := findCookie(rec, "expvar_exp1")
	require.NotNil(t, c)
	assert.Equal(t, "B", c.Value)
	assert.Equal(t, "/", c.Path)
	assert.Equal(t, 90*24*3600, c.MaxAge)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
}

func TestResolve_CookieIsSticky(t *testing.T) {
	env := newTestEnv(t, Options{})
	exp := runningExp("exp1", "https://site.com/lp1", "https://site.com/lp2")
	exp.AllocationB = model.Float64(0) // a fresh draw would always be A
	env.seed(t, exp)

	rec := env.do(t, http.MethodPost, "/exp/resolve", `{"url":"https://site.com/lp1"}`, func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "expvar_exp1", Value: "B"})
	})
	body := decode(t, rec)
	assert.Equal(t, "B", body["variant"])
	assert.Equal(t, "sticky", body["source"])

	// An explicit existing variant in the body beats the cookie.
	rec = env.do(t, http.MethodPost, "/exp/resolve", `{"url":"https://site.com/lp1","variant":"A"}`, func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "expvar_exp1", Value: "B"})
	})
	assert.Equal(t, "A", decode(t, rec)["variant"])
}

func TestResolve_ForcedSkipsCookie(t *testing.T) {
	env := newTestEnv(t, Options{})
	exp := runningExp("exp1", "https://site.com/lp1", "https://site.com/lp2")
	exp.AllocationB = model.Float64(0)
	env.seed(t, exp)

	rec := env.do(t, http.MethodPost, "/exp/resolve", `{"url":"https://site.com/lp1","force":"B"}`)
	body := decode(t, rec)
	assert.Equal(t, "B", body["variant"])
	assert.Equal(t, true, body["forced"])
	assert.Nil(t, findCookie(rec, "expvar_exp1"))

	rec = env.do(t, http.MethodPost, "/exp/resolve", `{"url":"https://site.com/lp1?__exp=forceB"}`)
	assert.Equal(t, "B", decode(t, rec)["variant"])
	assert.Nil(t, findCookie(rec, "expvar_exp1"))
}

func TestResolve_GET(t *testing.T) {
	env := newTestEnv(t, Options{CookiePrefix: "ab_"})
	env.seed(t, runningExp("exp1", "https://site.com/lp1", "https://site.com/lp2"))

	q := url.Values{"url": {"https://site.com/lp1/"}, "cid": {"c1"}, "forced_variant": {"A"}}
	rec := env.do(t, http.MethodGet, "/exp/resolve?"+q.Encode(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["active"])
	assert.Equal(t, "A", body["variant"])
	assert.Equal(t, "forced", body["source"])
}

func TestResolve_DeterministicForClient(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.seed(t, runningExp("exp1", "https://site.com/lp1", "https://site.com/lp2"))

	first := decode(t, env.do(t, http.MethodPost, "/exp/resolve", `{"url":"https://site.com/lp1","client_id":"visitor-42"}`))
	for i := 0; i < 5; i++ {
		again := decode(t, env.do(t, http.MethodPost, "/exp/resolve", `{"url":"https://site.com/lp1","cid":"visitor-42"}`))
		assert.Equal(t, first["variant"], again["variant"])
	}
}

func TestResolve_RateLimited(t *testing.T) {
	env := newTestEnv(t, Options{RateLimitRPS: 1, RateLimitBurst: 1})

	rec := env.do(t, http.MethodPost, "/exp/resolve", `{"url":"https://site.com/"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/exp/resolve", `{"url":"https://site.com/"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"active":false,"error":"rate_limited"}`, rec.Body.String())
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// A different client has its own bucket.
	rec = env.do(t, http.MethodPost, "/exp/resolve", `{"url":"https://site.com/"}`, func(r *http.Request) {
		r.RemoteAddr = "10.0.0.9:5555"
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoverResolve(t *testing.T) {
	env := newTestEnv(t, Options{})
	h := env.srv.recoverResolve(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/exp/resolve", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"active":false,"error":"server_error"}`, rec.Body.String())

	metrics := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), `test_resolutions_total{outcome="error"} 1`)
}
