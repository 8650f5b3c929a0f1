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

	"github.com/golang-jwt/jwt/v5"

	"deltasync/internal/db"
	"deltasync/internal/domain"
	"deltasync/internal/engine"
	"deltasync/internal/migrate"
)

var initialSince = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, basePath string, auth AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, nil, nil, nil, engine.Options{Environment: "test", InitialSince: initialSince})
	handler, err := New(Config{Trigger: e, Tasks: e, BasePath: basePath, Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{Timeout: 5 * time.Second},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	reader := bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
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

func markRunning(t *testing.T, e *engine.Engine, id string) {
	t.Helper()
	ctx := context.Background()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := e.Repo.MarkRunning(ctx, tx, id, initialSince, time.Now()); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestIngestStatusCodes(t *testing.T) {
	srv := newTestServer(t, "", AuthConfig{})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/ingest", nil, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("first ingest status %d: %s", res.StatusCode, string(data))
	}
	var first IngestResponse
	if err := json.Unmarshal(data, &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first.Outcome != string(engine.Scheduled) || first.Task.Status != domain.StatusScheduled {
		t.Fatalf("unexpected first response %+v", first)
	}
	if !first.Task.Since.Equal(initialSince) {
		t.Fatalf("expected since %s, got %s", initialSince, first.Task.Since)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/ingest", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second ingest status %d: %s", res.StatusCode, string(data))
	}
	var second IngestResponse
	_ = json.Unmarshal(data, &second)
	if second.Outcome != string(engine.AlreadyScheduled) || second.Task.ID != first.Task.ID {
		t.Fatalf("expected the pending task to be reported, got %+v", second)
	}

	markRunning(t, srv.Engine, first.Task.ID)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/ingest", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d: %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if env.Error.Code != "ingest_in_progress" {
		t.Fatalf("unexpected error code %q", env.Error.Code)
	}
	if env.Error.Details["running_task_id"] != first.Task.ID {
		t.Fatalf("expected running task %s in details, got %v", first.Task.ID, env.Error.Details)
	}
	followUp, _ := env.Error.Details["task_id"].(string)
	if followUp == "" || followUp == first.Task.ID {
		t.Fatalf("expected a follow-up task id, got %v", env.Error.Details)
	}

	// Conflicts do not pile up follow-ups.
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/ingest", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/tasks", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var list TaskList
	_ = json.Unmarshal(data, &list)
	if len(list.Items) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(list.Items))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/tasks?status=running", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("filtered list status %d: %s", res.StatusCode, string(data))
	}
	list = TaskList{}
	_ = json.Unmarshal(data, &list)
	if len(list.Items) != 1 || list.Items[0].ID != first.Task.ID {
		t.Fatalf("expected only the running task, got %+v", list.Items)
	}
}

func TestGetTask(t *testing.T) {
	srv := newTestServer(t, "", AuthConfig{})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/ingest", nil, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("ingest status %d: %s", res.StatusCode, string(data))
	}
	var created IngestResponse
	_ = json.Unmarshal(data, &created)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/tasks/"+created.Task.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	var task domain.SyncTask
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if task.ID != created.Task.ID || task.Files == nil {
		t.Fatalf("unexpected task %+v", task)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/tasks/missing", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	_ = json.Unmarshal(data, &env)
	if env.Error.Code != "not_found" {
		t.Fatalf("unexpected error code %q", env.Error.Code)
	}
}

func TestListTasksRejectsUnknownStatus(t *testing.T) {
	srv := newTestServer(t, "", AuthConfig{})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/tasks?status=paused", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
}

func TestWatermarkAndEvents(t *testing.T) {
	srv := newTestServer(t, "", AuthConfig{})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/watermark", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("watermark status %d: %s", res.StatusCode, string(data))
	}
	var wm WatermarkResponse
	if err := json.Unmarshal(data, &wm); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !wm.Watermark.Equal(initialSince) || wm.Running != nil {
		t.Fatalf("unexpected watermark %+v", wm)
	}

	doJSON(t, client, http.MethodPost, srv.URL+"/ingest", nil, nil)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/watermark", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("watermark status %d: %s", res.StatusCode, string(data))
	}
	wm = WatermarkResponse{}
	_ = json.Unmarshal(data, &wm)
	if wm.Tasks[domain.StatusScheduled] != 1 {
		t.Fatalf("expected one scheduled task, got %v", wm.Tasks)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/events?type=task.scheduled", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts EventList
	_ = json.Unmarshal(data, &evts)
	if len(evts.Items) != 1 || evts.Items[0].EntityKind != "sync_task" {
		t.Fatalf("unexpected events %+v", evts.Items)
	}
}

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestAuthentication(t *testing.T) {
	srv := newTestServer(t, "", AuthConfig{JWTSecret: "s3cret", APIKey: "k3y"})
	client := srv.Client()

	cases := []struct {
		name    string
		path    string
		headers map[string]string
		want    int
	}{
		{"health is public", "/health", nil, http.StatusOK},
		{"openapi is public", "/openapi.json", nil, http.StatusOK},
		{"missing credentials", "/tasks", nil, http.StatusUnauthorized},
		{"api key", "/tasks", map[string]string{"X-Api-Key": "k3y"}, http.StatusOK},
		{"wrong api key", "/tasks", map[string]string{"X-Api-Key": "nope"}, http.StatusUnauthorized},
		{"jwt", "/tasks", map[string]string{"Authorization": "Bearer " + signToken(t, "s3cret", "ops")}, http.StatusOK},
		{"jwt wrong secret", "/tasks", map[string]string{"Authorization": "Bearer " + signToken(t, "other", "ops")}, http.StatusUnauthorized},
		{"malformed header", "/tasks", map[string]string{"Authorization": "Basic abc"}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, data := doJSON(t, client, http.MethodGet, srv.URL+tc.path, nil, tc.headers)
			if res.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, res.StatusCode, string(data))
			}
		})
	}
}

func TestOpenAPIDocumentUnderBasePath(t *testing.T) {
	srv := newTestServer(t, "/v1", AuthConfig{})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d: %s", res.StatusCode, string(data))
	}
	var doc struct {
		Paths      map[string]any `json:"paths"`
		Components struct {
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, p := range []string{"/v1/ingest", "/v1/tasks", "/v1/tasks/{id}", "/v1/watermark", "/v1/health"} {
		if _, ok := doc.Paths[p]; !ok {
			t.Fatalf("missing path %s in %v", p, doc.Paths)
		}
	}
	if _, ok := doc.Components.SecuritySchemes["bearerAuth"]; !ok {
		t.Fatalf("missing bearerAuth scheme")
	}

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/ingest", nil, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("ingest under base path: %d", res.StatusCode)
	}
}
