package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"gameforge/internal/db"
	"gameforge/internal/domain"
	"gameforge/internal/engine"
	"gameforge/internal/engine/auth"
	"gameforge/internal/llm"
	"gameforge/internal/pipeline"
	"gameforge/internal/store"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, authCfg AuthConfig) (*testServer, func()) {
	t.Helper()
	conn, err := db.OpenMigrated(context.Background(), db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	st := store.NewMemory()
	orch, err := pipeline.New(pipeline.Config{
		Generator: llm.NewMock(),
		Store:     st,
		Stages:    pipeline.DefaultStages(pipeline.StageOptions{Levels: 3}),
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	e := engine.New(conn, orch, st)
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: authCfg, Stages: pipeline.StageOptions{Levels: 3}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestRunLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", map[string]any{
		"request":    "a platformer about a leaf spirit",
		"project_id": "game-1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create run status %d: %s", res.StatusCode, string(data))
	}
	var created RunResultResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if created.Run.Status != domain.RunCompleted || created.Report.OverallScore != 100 || created.Events != 6 {
		t.Fatalf("created = %+v", created)
	}
	if created.Run.RequestedBy != "local" {
		t.Fatalf("requested_by = %q", created.Run.RequestedBy)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/game-1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get run status %d: %s", res.StatusCode, string(data))
	}
	var got RunResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if got.ID != created.Run.ID || got.EventCounts["design.completed"] != 3 || got.Report == nil || !got.Report.Passed {
		t.Fatalf("got = %+v", got)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list runs status %d: %s", res.StatusCode, string(data))
	}
	var list paginatedRuns
	_ = json.Unmarshal(data, &list)
	if len(list.Items) != 1 {
		t.Fatalf("runs = %+v", list.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/game-1/context", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("context status %d: %s", res.StatusCode, string(data))
	}
	var pc map[string]any
	_ = json.Unmarshal(data, &pc)
	if pc["project_id"] != "game-1" || pc["genre"] != "platformer" {
		t.Fatalf("context = %v", pc)
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", map[string]any{"request": "a quest", "project_id": "game-2"}, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("create run: %d %s", res.StatusCode, string(data))
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/game-2/events?limit=4", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 4 || page.NextCursor == "" || page.Items[0].Seq != 6 {
		t.Fatalf("page = %+v", page)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/game-2/events?limit=4&cursor="+page.NextCursor, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2 status %d: %s", res.StatusCode, string(data))
	}
	var next paginatedEvents
	_ = json.Unmarshal(data, &next)
	if len(next.Items) != 2 || next.NextCursor != "" || next.Items[1].Seq != 1 {
		t.Fatalf("page 2 = %+v", next)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/game-2/events?type=design.started", nil, nil)
	var started paginatedEvents
	_ = json.Unmarshal(data, &started)
	if res.StatusCode != http.StatusOK || len(started.Items) != 3 {
		t.Fatalf("started = %d %+v", res.StatusCode, started)
	}
	var payload map[string]any
	_ = json.Unmarshal(started.Items[0].Payload, &payload)
	if payload["stage"] != "narrative" {
		t.Fatalf("payload = %v", payload)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/game-2/events?cursor=abc", nil, nil)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "bad_request" {
		t.Fatalf("bad cursor: %d %s", res.StatusCode, string(data))
	}
}

func TestRunWithReviewDecisions(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/runs", map[string]any{
		"request":    "a platformer",
		"project_id": "game-3",
		"levels":     2,
		"assets":     true,
		"review": map[string]any{
			"enemy_sprite": map[string]any{"approved": false, "feedback": "too cute"},
		},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create run: %d %s", res.StatusCode, string(data))
	}
	var created RunResultResponse
	_ = json.Unmarshal(data, &created)
	if created.Run.Status != domain.RunCompleted || len(created.Stages) != 6 {
		t.Fatalf("created = %+v", created)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs/game-3/events?type=asset.rejected", nil, nil)
	var rejected paginatedEvents
	_ = json.Unmarshal(data, &rejected)
	if res.StatusCode != http.StatusOK || len(rejected.Items) != 1 {
		t.Fatalf("rejected = %d %s", res.StatusCode, string(data))
	}
}

func TestRunFailureIsReported(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	mock := llm.NewMock()
	mock.Responses[llm.TaskLevels] = "no json here"
	orch, err := pipeline.New(pipeline.Config{Generator: mock, Store: store.NewMemory()})
	if err != nil {
		t.Fatal(err)
	}
	e := srv.Engine
	e.Orchestrator = orch
	handler, err := New(Config{Engine: e})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	hs := &http.Server{Handler: handler}
	go hs.Serve(ln)
	defer hs.Shutdown(context.Background())

	res, data := doJSON(t, srv.Client(), http.MethodPost, "http://"+ln.Addr().String()+"/v0/runs", map[string]any{"request": "a puzzle", "project_id": "game-4"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create run: %d %s", res.StatusCode, string(data))
	}
	var created RunResultResponse
	_ = json.Unmarshal(data, &created)
	if created.Run.Status != domain.RunFailed || created.Run.Error == "" || created.Run.Score != nil {
		t.Fatalf("run = %+v", created.Run)
	}
}

func TestRequestValidationAndConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", map[string]any{"request": ""}, nil)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "bad_request" {
		t.Fatalf("empty request: %d %s", res.StatusCode, string(data))
	}

	if err := srv.Engine.Repo.InsertRun(context.Background(), domain.Run{
		ID: "stuck", ProjectID: "game-5", UserRequest: "x", Status: domain.RunRunning,
		RequestedBy: "tester", CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", map[string]any{"request": "x", "project_id": "game-5"}, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "run_in_progress" {
		t.Fatalf("conflict: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/unknown", nil, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("unknown run: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/unknown/context", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown context: %d %s", res.StatusCode, string(data))
	}
}

func TestBearerAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must not need auth: %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("anonymous: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("bad token: %d %s", res.StatusCode, string(data))
	}

	viewer, err := auth.Issue(testSecret, "vera", []string{"viewer"}, time.Hour, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	viewerHeaders := map[string]string{"Authorization": "Bearer " + viewer}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs", nil, viewerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("viewer list: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", map[string]any{"request": "x"}, viewerHeaders)
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("viewer create: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/token", map[string]any{"subject": "dan"}, viewerHeaders)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer token: %d %s", res.StatusCode, string(data))
	}

	admin, err := auth.Issue(testSecret, "ada", []string{"admin"}, time.Hour, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/token", map[string]any{"subject": "dan", "roles": []string{"designer"}}, map[string]string{"Authorization": "Bearer " + admin})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin token: %d %s", res.StatusCode, string(data))
	}
	var tok TokenResponse
	_ = json.Unmarshal(data, &tok)

	designerHeaders := map[string]string{"Authorization": "Bearer " + tok.Token}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, designerHeaders)
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if res.StatusCode != http.StatusOK || me.ActorID != "dan" || me.Source != "jwt" {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", map[string]any{"request": "a shooter", "project_id": "game-6"}, designerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("designer create: %d %s", res.StatusCode, string(data))
	}
	var created RunResultResponse
	_ = json.Unmarshal(data, &created)
	if created.Run.RequestedBy != "dan" {
		t.Fatalf("requested_by = %q", created.Run.RequestedBy)
	}
}

func TestOpenAPISpec(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	paths, _ := doc["paths"].(map[string]any)
	for _, p := range []string{"/v0/runs", "/v0/runs/{project_id}", "/v0/runs/{project_id}/events", "/v0/runs/{project_id}/context"} {
		if _, ok := paths[p]; !ok {
			t.Fatalf("openapi missing %s", p)
		}
	}
}
