package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"qazna.org/authcore/internal/auth"
	"qazna.org/authcore/internal/obs"
	"qazna.org/authcore/internal/store/memstore"
)

type testEnv struct {
	api *API
	svc *auth.Service
	srv *httptest.Server
}

func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()
	key, err := auth.NewHS256Key("http-test", []byte("http-signing-secret-0123456789abcd"))
	if err != nil {
		t.Fatalf("NewHS256Key: %v", err)
	}
	ring, err := auth.NewKeyRing(key, time.Minute)
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}
	svc, err := auth.NewService(memstore.NewCredentialStore(), memstore.NewRefreshStore(), ring,
		[]byte("http-refresh-hash-key-0123456789ab"),
		auth.WithHashParams(auth.HashParams{Memory: 1024, Time: 1, Parallelism: 1}),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	opts := Options{
		Service:    svc,
		Metrics:    obs.NewMetrics("test", "abc123"),
		Version:    "test",
		RatePerSec: 1000,
		RateBurst:  1000,
	}
	for _, m := range mutate {
		m(&opts)
	}
	api := New(opts)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{api: api, svc: svc, srv: srv}
}

type apiClient struct {
	t   *testing.T
	srv *httptest.Server
}

func (c apiClient) do(method, path, bearer string, body any, headers ...string) *http.Response {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			c.t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.srv.URL+path, &buf)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := c.srv.Client().Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	c.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected status %d, got %d", want, resp.StatusCode)
	}
}

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

var alice = map[string]any{
	"tenant_id":  "tenant-a",
	"identifier": "Alice@Example.com",
	"credential": "Secr3t!pass",
	"attributes": map[string]string{"name": "Alice"},
}

func TestJoinLoginRefreshLogoutFlow(t *testing.T) {
	env := newTestEnv(t)
	c := apiClient{t: t, srv: env.srv}

	resp := c.do(http.MethodPost, "/v1/auth/member/join", "", alice)
	expectStatus(t, resp, http.StatusCreated)
	joined := decode[auth.Session](t, resp)
	if joined.SubjectID == "" || joined.AccessToken == "" || joined.RefreshToken == "" {
		t.Fatalf("incomplete session: %+v", joined)
	}

	resp = c.do(http.MethodPost, "/v1/auth/member/login", "", map[string]any{
		"identifier": "alice@example.com",
		"credential": "Secr3t!pass",
	}, "X-Tenant-ID", "tenant-a")
	expectStatus(t, resp, http.StatusOK)
	logged := decode[auth.Session](t, resp)
	if logged.SubjectID != joined.SubjectID {
		t.Fatalf("login subject %q, join subject %q", logged.SubjectID, joined.SubjectID)
	}

	resp = c.do(http.MethodGet, "/v1/auth/me", logged.AccessToken, nil)
	expectStatus(t, resp, http.StatusOK)
	me := decode[auth.Principal](t, resp)
	if me.SubjectID != joined.SubjectID || me.Role != "member" || me.TenantID != "tenant-a" {
		t.Fatalf("unexpected principal: %+v", me)
	}

	resp = c.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": logged.RefreshToken})
	expectStatus(t, resp, http.StatusOK)
	rotated := decode[auth.Session](t, resp)
	if rotated.RefreshToken == logged.RefreshToken {
		t.Fatalf("refresh token was not rotated")
	}

	resp = c.do(http.MethodPost, "/v1/auth/logout", "", map[string]string{"refresh_token": rotated.RefreshToken})
	expectStatus(t, resp, http.StatusNoContent)
	resp = c.do(http.MethodPost, "/v1/auth/logout", "", map[string]string{"refresh_token": rotated.RefreshToken})
	expectStatus(t, resp, http.StatusNoContent)

	resp = c.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": rotated.RefreshToken})
	expectStatus(t, resp, http.StatusUnauthorized)
}

func TestJoinDuplicateConflict(t *testing.T) {
	env := newTestEnv(t)
	c := apiClient{t: t, srv: env.srv}

	expectStatus(t, c.do(http.MethodPost, "/v1/auth/member/join", "", alice), http.StatusCreated)
	resp := c.do(http.MethodPost, "/v1/auth/member/join", "", alice)
	expectStatus(t, resp, http.StatusConflict)
	body := decode[errorBody](t, resp)
	if body.Error != "duplicate_identity" || body.RequestID == "" {
		t.Fatalf("unexpected error body: %+v", body)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	env := newTestEnv(t)
	c := apiClient{t: t, srv: env.srv}
	expectStatus(t, c.do(http.MethodPost, "/v1/auth/member/join", "", alice), http.StatusCreated)

	wrongPassword := c.do(http.MethodPost, "/v1/auth/member/login", "", map[string]any{
		"tenant_id":  "tenant-a",
		"identifier": "alice@example.com",
		"credential": "nope-nope",
	})
	unknownUser := c.do(http.MethodPost, "/v1/auth/member/login", "", map[string]any{
		"tenant_id":  "tenant-a",
		"identifier": "bob@example.com",
		"credential": "nope-nope",
	})
	expectStatus(t, wrongPassword, http.StatusUnauthorized)
	expectStatus(t, unknownUser, http.StatusUnauthorized)
	a := decode[errorBody](t, wrongPassword)
	b := decode[errorBody](t, unknownUser)
	if a.Error != b.Error || a.Message != b.Message {
		t.Fatalf("login failures differ: %+v vs %+v", a, b)
	}
	if strings.Contains(a.Message, "alice") {
		t.Fatalf("error message echoes input: %q", a.Message)
	}
}

func TestRefreshReplayRevokesSession(t *testing.T) {
	env := newTestEnv(t)
	c := apiClient{t: t, srv: env.srv}

	resp := c.do(http.MethodPost, "/v1/auth/member/join", "", alice)
	expectStatus(t, resp, http.StatusCreated)
	r0 := decode[auth.Session](t, resp).RefreshToken

	resp = c.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": r0})
	expectStatus(t, resp, http.StatusOK)
	r1 := decode[auth.Session](t, resp).RefreshToken

	resp = c.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": r0})
	expectStatus(t, resp, http.StatusUnauthorized)
	if body := decode[errorBody](t, resp); body.Error != "session_revoked" {
		t.Fatalf("expected session_revoked, got %+v", body)
	}

	resp = c.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": r1})
	expectStatus(t, resp, http.StatusUnauthorized)
}

func TestInvalidRequestBodies(t *testing.T) {
	env := newTestEnv(t)
	c := apiClient{t: t, srv: env.srv}

	cases := map[string]struct {
		path string
		body any
		want int
	}{
		"empty body":       {"/v1/auth/refresh", nil, http.StatusBadRequest},
		"unknown field":    {"/v1/auth/refresh", `{"refresh_token":"x","extra":1}`, http.StatusBadRequest},
		"trailing data":    {"/v1/auth/refresh", `{"refresh_token":"x"}{}`, http.StatusBadRequest},
		"malformed token":  {"/v1/auth/refresh", map[string]string{"refresh_token": "garbage"}, http.StatusUnauthorized},
		"unknown role":     {"/v1/auth/ghost/join", alice, http.StatusBadRequest},
		"login with attrs": {"/v1/auth/member/login", alice, http.StatusBadRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c.t = t
			expectStatus(t, c.do(http.MethodPost, tc.path, "", tc.body), tc.want)
		})
	}
}

func TestGlobalRoleSelfJoinIsGated(t *testing.T) {
	admin := map[string]any{"identifier": "root@example.com", "credential": "Adm1n!pass"}

	env := newTestEnv(t)
	c := apiClient{t: t, srv: env.srv}
	expectStatus(t, c.do(http.MethodPost, "/v1/auth/admin/join", "", admin), http.StatusForbidden)

	open := newTestEnv(t, func(o *Options) { o.AllowGlobalJoin = true })
	c = apiClient{t: t, srv: open.srv}
	expectStatus(t, c.do(http.MethodPost, "/v1/auth/admin/join", "", admin), http.StatusCreated)
}

func TestAdminDisablesIdentity(t *testing.T) {
	env := newTestEnv(t)
	c := apiClient{t: t, srv: env.srv}
	ctx := context.Background()

	adminSess, err := env.svc.Join(ctx, auth.JoinRequest{Role: "admin", Identifier: "root@example.com", Credential: "Adm1n!pass"})
	if err != nil {
		t.Fatalf("admin join: %v", err)
	}
	resp := c.do(http.MethodPost, "/v1/auth/member/join", "", alice)
	expectStatus(t, resp, http.StatusCreated)
	member := decode[auth.Session](t, resp)

	path := "/v1/admin/identities/" + member.SubjectID + "/status"
	expectStatus(t, c.do(http.MethodPost, path, member.AccessToken, map[string]string{"status": "disabled"}), http.StatusForbidden)
	expectStatus(t, c.do(http.MethodPost, path, "", map[string]string{"status": "disabled"}), http.StatusUnauthorized)
	expectStatus(t, c.do(http.MethodPost, path, adminSess.AccessToken, map[string]string{"status": "frozen"}), http.StatusBadRequest)
	expectStatus(t, c.do(http.MethodPost, "/v1/admin/identities/missing/status", adminSess.AccessToken,
		map[string]string{"status": "disabled"}), http.StatusNotFound)

	expectStatus(t, c.do(http.MethodPost, path, adminSess.AccessToken, map[string]string{"status": "disabled"}), http.StatusOK)

	resp = c.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": member.RefreshToken})
	expectStatus(t, resp, http.StatusForbidden)
	if body := decode[errorBody](t, resp); body.Error != "identity_disabled" {
		t.Fatalf("expected identity_disabled, got %+v", body)
	}
	resp = c.do(http.MethodPost, "/v1/auth/member/login", "", map[string]any{
		"tenant_id":  "tenant-a",
		"identifier": "alice@example.com",
		"credential": "Secr3t!pass",
	})
	expectStatus(t, resp, http.StatusUnauthorized)
	if body := decode[errorBody](t, resp); body.Error != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %+v", body)
	}
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	env := newTestEnv(t)
	c := apiClient{t: t, srv: env.srv}

	resp := c.do(http.MethodPost, "/v1/auth/member/join", "", alice)
	expectStatus(t, resp, http.StatusCreated)
	first := decode[auth.Session](t, resp)
	resp = c.do(http.MethodPost, "/v1/auth/member/login", "", map[string]any{
		"tenant_id":  "tenant-a",
		"identifier": "alice@example.com",
		"credential": "Secr3t!pass",
	})
	expectStatus(t, resp, http.StatusOK)
	second := decode[auth.Session](t, resp)

	resp = c.do(http.MethodPost, "/v1/auth/logout-all", second.AccessToken, nil)
	expectStatus(t, resp, http.StatusOK)
	out := decode[map[string]int64](t, resp)
	if out["revoked"] != 2 {
		t.Fatalf("expected 2 revoked sessions, got %v", out)
	}
	for _, tok := range []string{first.RefreshToken, second.RefreshToken} {
		expectStatus(t, c.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": tok}), http.StatusUnauthorized)
	}
}

func TestHealthReadyAndMetrics(t *testing.T) {
	var down atomic.Bool
	env := newTestEnv(t, func(o *Options) {
		o.Ready = ProbeFunc(func(context.Context) error {
			if down.Load() {
				return errors.New("db down")
			}
			return nil
		})
	})
	c := apiClient{t: t, srv: env.srv}

	resp := c.do(http.MethodGet, "/healthz", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if h := decode[map[string]string](t, resp); h["status"] != "ok" || h["version"] != "test" {
		t.Fatalf("unexpected health body: %v", h)
	}

	expectStatus(t, c.do(http.MethodGet, "/readyz", "", nil), http.StatusOK)
	down.Store(true)
	expectStatus(t, c.do(http.MethodGet, "/readyz", "", nil), http.StatusServiceUnavailable)

	expectStatus(t, c.do(http.MethodPost, "/v1/auth/member/join", "", alice), http.StatusCreated)
	resp = c.do(http.MethodGet, "/metrics", "", nil)
	expectStatus(t, resp, http.StatusOK)
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(buf.String(), `path="/v1/auth/:role/join"`) {
		t.Fatalf("metrics missing canonical join path")
	}
}

func TestUnknownRouteReturnsJSON(t *testing.T) {
	env := newTestEnv(t)
	c := apiClient{t: t, srv: env.srv}
	resp := c.do(http.MethodGet, "/nope", "", nil)
	expectStatus(t, resp, http.StatusNotFound)
	if body := decode[errorBody](t, resp); body.Error != "not_found" {
		t.Fatalf("unexpected body: %+v", body)
	}
}
