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

	"steward/internal/app"
	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/engine"
	"steward/internal/migrate"
	"steward/internal/repo"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, _, err := app.ResolveProjectAndConfig(context.Background(), "steward", repo.Repo{DB: conn}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	cfg := config.Default("steward")
	e := engine.New(conn, cfg)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e.Now = func() time.Time { return now }
	e.Trust.Now = e.Now
	handler, err := New(Config{
		Engine: e,
		Auth:   AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
	})
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
	t.Cleanup(testSrv.close)
	return testSrv
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
	if headers == nil {
		req.Header.Set("X-Actor-Id", "tester")
	}
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

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, map[string]string{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", res.StatusCode)
	}
}

func TestExecuteGatesBatch(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/steward/execute", map[string]any{
		"level": "tactical",
		"actions": []map[string]any{
			{"type": "read_tickets"},
			{"type": "email_stakeholder", "payload": map[string]any{"to": "cfo@example.com"}},
			{"type": "delete_data"},
		},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("execute status %d: %s", res.StatusCode, string(data))
	}
	var results []engine.ExecutionResult
	if err := json.Unmarshal(data, &results); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if !results[0].Success || results[0].Held {
		t.Fatalf("read_tickets: %+v", results[0])
	}
	if !results[1].Held || results[1].ActionID == "" {
		t.Fatalf("email_stakeholder should be held: %+v", results[1])
	}
	if results[2].Success {
		t.Fatalf("delete_data must be denied: %+v", results[2])
	}
}

func TestQueueApproveFlow(t *testing.T) {
	srv := newTestServer(t)
	_, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/steward/execute", map[string]any{
		"level":   "tactical",
		"actions": []map[string]any{{"type": "email_stakeholder"}},
	}, nil)
	var results []engine.ExecutionResult
	if err := json.Unmarshal(data, &results); err != nil {
		t.Fatal(err)
	}
	actionID := results[0].ActionID

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/steward/queue?status=pending", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("queue list status %d: %s", res.StatusCode, string(data))
	}
	var queued []HeldActionResponse
	if err := json.Unmarshal(data, &queued); err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 || queued[0].ID != actionID {
		t.Fatalf("queue contents: %+v", queued)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/steward/queue/"+actionID+"/approve", map[string]any{}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var approved HeldActionResponse
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatal(err)
	}
	if approved.Status != "executed" {
		t.Fatalf("status after approval = %s", approved.Status)
	}

	// A second decision loses.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/steward/queue/"+actionID+"/cancel", map[string]any{"reason": "changed my mind"}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("late cancel status %d: %s", res.StatusCode, string(data))
	}
}

func TestBudgetEndpoints(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/steward/budget/usage", map[string]any{"cost_usd": 6.0}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("record status %d: %s", res.StatusCode, string(data))
	}
	var status struct {
		DailySpendUSD   float64 `json:"daily_spend_usd"`
		DegradationTier int     `json:"degradation_tier"`
	}
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatal(err)
	}
	if status.DailySpendUSD != 6.0 {
		t.Fatalf("daily spend = %v", status.DailySpendUSD)
	}
	if status.DegradationTier != 1 {
		t.Fatalf("degradation tier = %d, want 1 at 60%% of daily limit", status.DegradationTier)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/steward/budget/usage", map[string]any{"cost_usd": -2}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative cost status %d: %s", res.StatusCode, string(data))
	}
}

func TestDevLoginIssuesUsableToken(t *testing.T) {
	srv := newTestServer(t)

	// Disabled by default in this server config.
	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "alice"}, map[string]string{})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("dev login should be disabled, got %d", res.StatusCode)
	}

	token, err := issueDevToken("alice", "test-secret", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authed request status %d: %s", res.StatusCode, string(data))
	}
}
