package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gojson "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plexwrapped/internal/auth"
	"plexwrapped/internal/config"
	"plexwrapped/internal/db/dbtest"
	httpx "plexwrapped/internal/http"
	"plexwrapped/internal/integrations"
	"plexwrapped/internal/jobs"
)

// gatedGenerator blocks every generation until release is signalled.
type gatedGenerator struct{ release chan struct{} }

func (g gatedGenerator) Generate(ctx context.Context, key jobs.Key) (json.RawMessage, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return json.RawMessage(`{"subjectId":"` + key.SubjectID + `","totalPlays":7}`), nil
}

type testServer struct {
	srv   *httptest.Server
	gen   gatedGenerator
	redis *miniredis.Miniredis
}

func newTestServer(t *testing.T, withRedis bool) *testServer {
	t.Helper()
	gdb := dbtest.Open(t, &auth.User{}, &jobs.GenerationJob{}, &integrations.Setting{})

	gen := gatedGenerator{release: make(chan struct{})}
	store := &jobs.Store{DB: gdb}
	worker := jobs.NewWorker(gen, store)
	t.Cleanup(func() {
		close(gen.release)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = worker.Shutdown(ctx)
	})

	cfg := config.Config{
		RateLimit: config.RateLimitConfig{Requests: 1000, Window: time.Minute},
	}
	deps := httpx.Deps{
		Users:        &auth.Users{DB: gdb},
		JWT:          auth.NewJWT("0123456789abcdef", time.Hour),
		Integrations: &integrations.Service{DB: gdb},
		Dispatcher:   jobs.NewDispatcher(store, worker),
		Jobs:         jobs.NewQuery(store),
	}

	ts := &testServer{gen: gen}
	if withRedis {
		ts.redis = miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: ts.redis.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		deps.Sessions = auth.NewSessionStore(rdb, time.Hour)
	}

	ts.srv = httptest.NewServer(httpx.NewRouter(cfg, deps))
	t.Cleanup(ts.srv.Close)
	return ts
}

type response struct {
	code    int
	body    map[string]any
	cookies []*http.Cookie
}

func (ts *testServer) call(t *testing.T, method, path, token string, body any, cookies ...*http.Cookie) response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := gojson.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}

	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := response{code: resp.StatusCode, cookies: resp.Cookies()}
	if resp.StatusCode != http.StatusNoContent {
		_ = gojson.NewDecoder(resp.Body).Decode(&out.body)
	}
	return out
}

func (ts *testServer) register(t *testing.T, email string) (string, uint64) {
	t.Helper()
	res := ts.call(t, http.MethodPost, "/auth/register", "", map[string]string{"email": email, "password": "correct horse"})
	require.Equal(t, http.StatusCreated, res.code, res.body)
	return res.body["token"].(string), uint64(res.body["user_id"].(float64))
}

func (ts *testServer) waitStatus(t *testing.T, path, token, want string) response {
	t.Helper()
	var last response
	require.Eventually(t, func() bool {
		last = ts.call(t, http.MethodGet, path, token, nil)
		return last.code == http.StatusOK && last.body["status"] == want
	}, 5*time.Second, 10*time.Millisecond)
	return last
}

func TestRegisterLoginMe(t *testing.T) {
	ts := newTestServer(t, false)

	adminToken, _ := ts.register(t, "Admin@Example.com")
	userToken, _ := ts.register(t, "user@example.com")

	res := ts.call(t, http.MethodGet, "/me", adminToken, nil)
	assert.Equal(t, http.StatusOK, res.code)
	assert.Equal(t, true, res.body["is_admin"])

	res = ts.call(t, http.MethodGet, "/me", userToken, nil)
	assert.Equal(t, false, res.body["is_admin"])

	res = ts.call(t, http.MethodPost, "/auth/register", "", map[string]string{"email": "user@example.com", "password": "correct horse"})
	assert.Equal(t, http.StatusConflict, res.code)
	assert.Equal(t, "conflict", res.body["code"])

	res = ts.call(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "admin@example.com", "password": "wrong password"})
	assert.Equal(t, http.StatusUnauthorized, res.code)
	assert.Equal(t, "unauthenticated", res.body["code"])

	res = ts.call(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "admin@example.com", "password": "correct horse"})
	assert.Equal(t, http.StatusOK, res.code)
	assert.NotEmpty(t, res.body["token"])

	res = ts.call(t, http.MethodGet, "/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.code)
}

func TestSelfServiceLifecycle(t *testing.T) {
	ts := newTestServer(t, false)
	token, uid := ts.register(t, "me@example.com")

	res := ts.call(t, http.MethodGet, "/wrapped/2024/status", token, nil)
	assert.Equal(t, http.StatusNotFound, res.code)
	assert.Equal(t, "not_found", res.body["code"])

	res = ts.call(t, http.MethodPost, "/wrapped/2024/generate", token, nil)
	assert.Equal(t, http.StatusAccepted, res.code)
	assert.Equal(t, true, res.body["accepted"])

	res = ts.call(t, http.MethodGet, "/wrapped/2024/status", token, nil)
	assert.Equal(t, http.StatusOK, res.code)
	assert.Equal(t, "generating", res.body["status"])
	assert.NotContains(t, res.body, "result")
	assert.NotContains(t, res.body, "error")

	res = ts.call(t, http.MethodPost, "/wrapped/2024/generate", token, nil)
	assert.Equal(t, http.StatusOK, res.code)
	assert.Equal(t, true, res.body["alreadyInFlight"])

	ts.gen.release <- struct{}{}
	res = ts.waitStatus(t, "/wrapped/2024/status", token, "completed")
	result, ok := res.body["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(7), result["totalPlays"])
	assert.Equal(t, strconv.FormatUint(uid, 10), result["subjectId"])
	assert.NotEmpty(t, res.body["finishedAt"])

	res = ts.call(t, http.MethodPost, "/wrapped/2024/generate", token, nil)
	assert.Equal(t, http.StatusAccepted, res.code)

	res = ts.call(t, http.MethodPost, "/wrapped/last-year/generate", token, nil)
	assert.Equal(t, http.StatusBadRequest, res.code)
	assert.Equal(t, "validation", res.body["code"])
}

func TestAdminRoutes(t *testing.T) {
	ts := newTestServer(t, false)
	adminToken, _ := ts.register(t, "admin@example.com")
	userToken, uid := ts.register(t, "user@example.com")
	subject := "/admin/wrapped/" + strconv.FormatUint(uid, 10) + "/2024"

	res := ts.call(t, http.MethodPost, subject+"/generate", userToken, nil)
	assert.Equal(t, http.StatusForbidden, res.code)
	assert.Equal(t, "unauthorized", res.body["code"])

	res = ts.call(t, http.MethodPost, subject+"/generate", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.code)

	res = ts.call(t, http.MethodPost, "/admin/wrapped/999/2024/generate", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, res.code)

	res = ts.call(t, http.MethodPost, subject+"/generate", adminToken, nil)
	assert.Equal(t, http.StatusAccepted, res.code)

	res = ts.call(t, http.MethodGet, subject+"/status", adminToken, nil)
	assert.Equal(t, "generating", res.body["status"])

	// the user sees the same job through the self-service route
	res = ts.call(t, http.MethodPost, "/wrapped/2024/generate", userToken, nil)
	assert.Equal(t, true, res.body["alreadyInFlight"])

	res = ts.call(t, http.MethodGet, "/admin/jobs/2024", adminToken, nil)
	assert.Equal(t, http.StatusOK, res.code)
	list, ok := res.body["jobs"].([]any)
	require.True(t, ok)
	require.Len(t, list, 1)
	assert.Equal(t, "generating", list[0].(map[string]any)["status"])

	ts.gen.release <- struct{}{}
	ts.waitStatus(t, subject+"/status", adminToken, "completed")
}

func TestAdminIntegrations(t *testing.T) {
	ts := newTestServer(t, false)
	adminToken, _ := ts.register(t, "admin@example.com")

	res := ts.call(t, http.MethodPut, "/admin/integrations/tautulli", adminToken, map[string]any{
		"url":         "http://tautulli:8181",
		"api_key":     "super-secret",
		"enabled":     true,
		"media_types": []string{"movie", "episode"},
	})
	require.Equal(t, http.StatusOK, res.code, res.body)
	assert.Equal(t, true, res.body["has_api_key"])
	assert.NotContains(t, res.body, "api_key")

	res = ts.call(t, http.MethodGet, "/admin/integrations", adminToken, nil)
	assert.Equal(t, http.StatusOK, res.code)
	assert.Len(t, res.body["integrations"], 1)

	res = ts.call(t, http.MethodPut, "/admin/integrations/plex", adminToken, map[string]any{"url": "http://plex"})
	assert.Equal(t, http.StatusNotFound, res.code)

	res = ts.call(t, http.MethodPut, "/admin/integrations/radarr", adminToken, map[string]any{"url": "not a url"})
	assert.Equal(t, http.StatusBadRequest, res.code)

	res = ts.call(t, http.MethodPut, "/admin/integrations/radarr", adminToken, map[string]any{"url": "http://radarr", "surprise": 1})
	assert.Equal(t, http.StatusBadRequest, res.code)

	res = ts.call(t, http.MethodDelete, "/admin/integrations/tautulli", adminToken, nil)
	assert.Equal(t, http.StatusNoContent, res.code)

	res = ts.call(t, http.MethodGet, "/admin/integrations/tautulli", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, res.code)
}

func TestAdminUsers(t *testing.T) {
	ts := newTestServer(t, false)
	adminToken, adminID := ts.register(t, "admin@example.com")
	userToken, uid := ts.register(t, "user@example.com")
	idPath := func(id uint64) string { return "/admin/users/" + strconv.FormatUint(id, 10) }

	res := ts.call(t, http.MethodPatch, idPath(adminID), adminToken, map[string]any{"is_admin": false})
	assert.Equal(t, http.StatusConflict, res.code)

	res = ts.call(t, http.MethodPatch, idPath(uid), adminToken, map[string]any{"is_admin": true, "media_user_id": "7"})
	require.Equal(t, http.StatusOK, res.code, res.body)
	assert.Equal(t, true, res.body["is_admin"])
	assert.Equal(t, "7", res.body["media_user_id"])

	// promotion takes effect on the next request without a new token
	res = ts.call(t, http.MethodGet, "/admin/users", userToken, nil)
	assert.Equal(t, http.StatusOK, res.code)
	assert.Len(t, res.body["users"], 2)

	res = ts.call(t, http.MethodPatch, "/admin/users/404", adminToken, map[string]any{"is_admin": true})
	assert.Equal(t, http.StatusNotFound, res.code)
}

func TestCookieSession(t *testing.T) {
	ts := newTestServer(t, true)
	ts.register(t, "admin@example.com")

	res := ts.call(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "admin@example.com", "password": "correct horse"})
	require.Equal(t, http.StatusOK, res.code)

	var session *http.Cookie
	for _, c := range res.cookies {
		if c.Name == auth.SessionCookie {
			session = c
		}
	}
	require.NotNil(t, session)
	assert.True(t, session.HttpOnly)

	res = ts.call(t, http.MethodGet, "/admin/users", "", nil, session)
	assert.Equal(t, http.StatusOK, res.code)

	res = ts.call(t, http.MethodPost, "/auth/logout", "", nil, session)
	assert.Equal(t, http.StatusNoContent, res.code)

	res = ts.call(t, http.MethodGet, "/admin/users", "", nil, session)
	assert.Equal(t, http.StatusUnauthorized, res.code)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, false)

	resp, err := ts.srv.Client().Get(ts.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = ts.srv.Client().Get(ts.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func rateLimitedRouter(trustProxy bool) http.Handler {
	cfg := config.Config{
		RateLimit:         config.RateLimitConfig{Requests: 3, Window: time.Minute},
		TrustProxyHeaders: trustProxy,
	}
	return httpx.NewRouter(cfg, httpx.Deps{JWT: auth.NewJWT("0123456789abcdef", time.Hour)})
}

func TestRateLimitIgnoresForwardedHeadersByDefault(t *testing.T) {
	h := rateLimitedRouter(false)

	codes := map[int]int{}
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/wrapped/2024/status", nil)
		req.RemoteAddr = "198.51.100.7:50000"
		req.Header.Set("X-Forwarded-For", "10.0.0."+strconv.Itoa(i+1))
		req.Header.Set("X-Real-IP", "10.0.1."+strconv.Itoa(i+1))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes[rec.Code]++
	}
	assert.Equal(t, map[int]int{http.StatusUnauthorized: 3, http.StatusTooManyRequests: 7}, codes)
}

func TestRateLimitKeysOnForwardedAddressBehindProxy(t *testing.T) {
	h := rateLimitedRouter(true)

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/wrapped/2024/status", nil)
		req.RemoteAddr = "192.0.2.1:50000"
		req.Header.Set("X-Forwarded-For", "10.0.0."+strconv.Itoa(i+1))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "each forwarded client has its own budget")
	}
}
