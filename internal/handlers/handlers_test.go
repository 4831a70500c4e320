package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/webconsole-io/gateway/internal/auth"
	"github.com/webconsole-io/gateway/internal/bus"
	"github.com/webconsole-io/gateway/internal/dockerproxy"
	"github.com/webconsole-io/gateway/internal/filerelay"
	"github.com/webconsole-io/gateway/internal/files"
	"github.com/webconsole-io/gateway/internal/registry"
	"github.com/webconsole-io/gateway/internal/remotecmd"
	"github.com/webconsole-io/gateway/internal/sshpool"
	"github.com/webconsole-io/gateway/internal/store"
	"github.com/webconsole-io/gateway/internal/target"
	"github.com/webconsole-io/gateway/internal/transport/transporttest"
)

type env struct {
	h      *Handlers
	dialer *transporttest.Dialer
	token  string
}

func setupEnv(t *testing.T) *env {
	t.Helper()
	st, err := store.Open(":memory:", time.Hour)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	var key fernet.Key
	if err := key.Generate(); err != nil {
		t.Fatal(err)
	}
	verifier := auth.NewVerifier(&key)
	token, err := verifier.IssueToken("alice")
	if err != nil {
		t.Fatal(err)
	}

	dialer := transporttest.NewDialer()
	pool := sshpool.New(dialer, 10)
	targets := target.NewStatic([]target.Target{
		{ID: "web-1", Name: "Web", Host: "10.0.0.1", User: "deploy", Password: "pw"},
	}, nil)
	b := bus.New()
	exec := remotecmd.Executor{SettleWait: time.Second}

	reg := registry.New(pool, st, targets, b, registry.Options{})
	h := &Handlers{
		Registry: reg,
		Docker:   dockerproxy.New(pool, dockerproxy.Options{Exec: exec}),
		Files:    files.New(pool, exec, b),
		Relay:    filerelay.New(pool, targets, exec, b, time.Minute),
		Targets:  targets,
		Pool:     pool,
		Bus:      b,
		Verifier: verifier,
	}
	return &env{h: h, dialer: dialer, token: token}
}

func (e *env) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+e.token)
	rec := httptest.NewRecorder()
	e.h.Router().ServeHTTP(rec, req)
	return rec
}

func (e *env) createSession(t *testing.T, id string) {
	t.Helper()
	rec := e.request(t, "POST", "/api/v1/sessions", map[string]string{
		"sessionId": id, "targetId": "web-1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: %d %s", rec.Code, rec.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	e := setupEnv(t)
	req := httptest.NewRequest("GET", "/api/v1/sessions", nil)
	rec := httptest.NewRecorder()
	e.h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest("GET", "/api/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	e.h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", rec.Code)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	e := setupEnv(t)
	e.createSession(t, "s1")

	// Idempotent retry reports the existing session.
	rec := e.request(t, "POST", "/api/v1/sessions", map[string]string{
		"sessionId": "s1", "targetId": "web-1",
	})
	if rec.Code != http.StatusOK {
		t.Errorf("retry status = %d, want 200", rec.Code)
	}
	var retry registry.Info
	json.Unmarshal(rec.Body.Bytes(), &retry)
	if retry.Status != registry.StatusAlreadyConnected {
		t.Errorf("retry status field = %q", retry.Status)
	}

	rec = e.request(t, "GET", "/api/v1/sessions", nil)
	var list []registry.Info
	json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list) != 1 || list[0].SessionID != "s1" {
		t.Fatalf("list = %+v", list)
	}

	rec = e.request(t, "POST", "/api/v1/sessions/s1/input", map[string]string{"data": "ls\n"})
	if rec.Code != http.StatusOK {
		t.Errorf("input status = %d", rec.Code)
	}
	if got := e.dialer.Conns()[0].Shells()[0].Written(); got != "ls\n" {
		t.Errorf("written = %q", got)
	}

	rec = e.request(t, "DELETE", "/api/v1/sessions/s1", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("terminate status = %d", rec.Code)
	}
	rec = e.request(t, "DELETE", "/api/v1/sessions/s1", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second terminate status = %d, want 404", rec.Code)
	}
}

func TestViewModeEndpoint(t *testing.T) {
	e := setupEnv(t)
	e.createSession(t, "s1")

	rec := e.request(t, "POST", "/api/v1/sessions/s1/view-mode", map[string]string{"viewMode": "docker"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	rec = e.request(t, "POST", "/api/v1/sessions/s1/view-mode", map[string]string{"viewMode": "bogus"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bogus mode status = %d, want 400", rec.Code)
	}
}

func TestDockerEndpoints(t *testing.T) {
	e := setupEnv(t)
	e.createSession(t, "s1")
	e.dialer.Handle = func(cmd string) (transporttest.Result, bool) {
		if strings.Contains(cmd, "/containers/json") {
			return transporttest.Result{Stdout: `[{"Id":"abc"}]`}, true
		}
		return transporttest.Result{}, false
	}

	rec := e.request(t, "GET", "/api/v1/sessions/s1/docker/containers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	var containers []map[string]any
	json.Unmarshal(rec.Body.Bytes(), &containers)
	if len(containers) != 1 || containers[0]["Id"] != "abc" {
		t.Errorf("containers = %v", containers)
	}

	rec = e.request(t, "GET", "/api/v1/sessions/s1/docker/containers/bad%3Bid/stats", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid container id status = %d, want 400", rec.Code)
	}

	rec = e.request(t, "GET", "/api/v1/sessions/nope/docker/containers", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", rec.Code)
	}
}

func TestFileEndpointsRejectTraversal(t *testing.T) {
	e := setupEnv(t)
	e.createSession(t, "s1")

	rec := e.request(t, "GET", "/api/v1/sessions/s1/files/?path=/etc/../root", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("traversal list status = %d, want 400", rec.Code)
	}
	rec = e.request(t, "POST", "/api/v1/sessions/s1/files/delete", map[string]string{"path": "../../etc"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("traversal delete status = %d, want 400", rec.Code)
	}
}

func TestDownloadAndUpload(t *testing.T) {
	e := setupEnv(t)
	e.createSession(t, "s1")
	e.dialer.Files["/srv/report.txt"] = []byte("contents")

	rec := e.request(t, "GET", "/api/v1/sessions/s1/files/download?path=/srv/report.txt", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("download status = %d %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "contents" {
		t.Errorf("download body = %q", rec.Body.String())
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "report.txt") {
		t.Errorf("content disposition = %q", cd)
	}

	req := httptest.NewRequest("POST", "/api/v1/sessions/s1/files/upload?path=/srv/new.txt",
		strings.NewReader("uploaded"))
	req.Header.Set("Authorization", "Bearer "+e.token)
	up := httptest.NewRecorder()
	e.h.Router().ServeHTTP(up, req)
	if up.Code != http.StatusCreated {
		t.Fatalf("upload status = %d %s", up.Code, up.Body.String())
	}
	if got := string(e.dialer.Files["/srv/new.txt"]); got != "uploaded" {
		t.Errorf("uploaded content = %q", got)
	}
}

func TestCopyEndpointSync(t *testing.T) {
	e := setupEnv(t)
	e.createSession(t, "s1")
	e.dialer.Handle = func(cmd string) (transporttest.Result, bool) {
		return transporttest.Result{}, true
	}

	rec := e.request(t, "POST", "/api/v1/copy", map[string]string{
		"srcSessionId": "s1", "srcPath": "/tmp/a",
		"dstSessionId": "s1", "dstPath": "/tmp/b",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("copy status = %d %s", rec.Code, rec.Body.String())
	}
	if got := e.dialer.ExecCount("cp -r"); got != 1 {
		t.Errorf("cp commands = %d, want 1", got)
	}
}

func TestForeignUserCannotTouchSession(t *testing.T) {
	e := setupEnv(t)
	e.createSession(t, "s1")

	mallory, err := e.h.Verifier.IssueToken("mallory")
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest("GET", "/api/v1/sessions/s1/history", nil)
	req.Header.Set("Authorization", "Bearer "+mallory)
	rec := httptest.NewRecorder()
	e.h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("foreign history status = %d, want 403", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	e := setupEnv(t)
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	e.h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rec.Code)
	}
}
