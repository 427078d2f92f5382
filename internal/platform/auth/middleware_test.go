package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type testAuthenticator struct {
	identity Identity
	err      error
	calls    int
}

func (a *testAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	a.calls++
	return a.identity, a.err
}

func serve(t *testing.T, m Middleware, method, path string) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	called := false
	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(method, "http://example.test"+path, nil)
	req.Header.Set("X-Request-Id", "rid-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, called
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body["request_id"] != "rid-1" {
		t.Fatalf("request_id=%v, want rid-1", body["request_id"])
	}
	code, _ := body["error"].(string)
	return code
}

func TestMiddleware_Unauthorized(t *testing.T) {
	var audited []DenyEvent
	m := Middleware{
		Authenticator: &testAuthenticator{err: ErrUnauthenticated},
		Audit: func(ctx context.Context, event DenyEvent) error {
			audited = append(audited, event)
			return nil
		},
	}
	rec, called := serve(t, m, http.MethodGet, "/api/verdicts")
	if called {
		t.Fatalf("handler should not be called")
	}
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "unauthorized" {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if len(audited) != 1 || audited[0].Reason != "unauthenticated" || audited[0].Path != "/api/verdicts" {
		t.Fatalf("audited=%+v", audited)
	}
}

func TestMiddleware_InvalidToken(t *testing.T) {
	rec, _ := serve(t, Middleware{Authenticator: &testAuthenticator{err: errors.New("bad token")}}, http.MethodGet, "/api/verdicts")
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "invalid_token" {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestMiddleware_ViewerCannotGate(t *testing.T) {
	m := Middleware{
		Authenticator: &testAuthenticator{identity: Identity{Subject: "alice", Roles: []string{RoleViewer}}},
		Authorize:     MethodRoleAuthorizer(),
	}
	rec, called := serve(t, m, http.MethodPost, "/api/models/churn/gate")
	if called || rec.Code != http.StatusForbidden || errorCode(t, rec) != "forbidden" {
		t.Fatalf("status=%d called=%v", rec.Code, called)
	}

	var seen Identity
	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/verdicts", nil))
	if seen.Subject != "alice" {
		t.Fatalf("identity not propagated: %+v", seen)
	}

	rec, called = serve(t, m, http.MethodGet, "/api/models/churn/versions")
	if !called || rec.Code != http.StatusOK {
		t.Fatalf("viewer GET status=%d called=%v", rec.Code, called)
	}
}

func TestMiddleware_SkipPrefixes(t *testing.T) {
	authn := &testAuthenticator{err: ErrUnauthenticated}
	rec, called := serve(t, Middleware{Authenticator: authn, SkipPrefixes: []string{"/healthz", "/api/alerts"}}, http.MethodPost, "/api/alerts")
	if !called || rec.Code != http.StatusOK || authn.calls != 0 {
		t.Fatalf("status=%d called=%v calls=%d", rec.Code, called, authn.calls)
	}
}
