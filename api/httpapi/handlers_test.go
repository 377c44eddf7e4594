package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xorthonl/solverq/internal/ratelimit"
	"github.com/xorthonl/solverq/internal/solver"
	"github.com/xorthonl/solverq/internal/task"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, perMinute int) (*httptest.Server, *task.Manager) {
	t.Helper()

	logger := zap.NewNop()

	solvers := solver.NewRegistry(logger)
	solvers.Register("echo", solver.NewEcho)
	solvers.InitializeAll(context.Background())

	limiter := ratelimit.New(ratelimit.Config{RequestsPerMinute: perMinute}, logger)

	tasks := task.NewManager(task.Config{
		Workers:            1,
		DefaultTimeout:     time.Second,
		DefaultMaxAttempts: 2,
		CleanupInterval:    time.Hour,
		MinTimeout:         10 * time.Millisecond,
	}, solvers, nil, logger)
	tasks.StartWorkers(context.Background(), 1)

	srv := NewServer(Config{Port: "0"}, logger, tasks, solvers, limiter)
	ts := httptest.NewServer(srv.httpServer.Handler)

	t.Cleanup(func() {
		ts.Close()
		tasks.StopWorkers()
		solvers.CleanupAll(context.Background())
	})
	return ts, tasks
}

func postJSON(t *testing.T, url string, body any) (*http.Response, []byte) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func getJSON(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, 1000)

	resp, body := getJSON(t, ts.URL+"/api/v1/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if string(body) != "ok" {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestCreateAndPollTask(t *testing.T) {
	ts, _ := newTestServer(t, 1000)

	resp, body := postJSON(t, ts.URL+"/api/v1/tasks", map[string]any{
		"type":    "echo",
		"payload": map[string]any{"value": "hello"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, body)
	}

	var created createTaskResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.TaskID == "" || created.Status != "pending" {
		t.Fatalf("unexpected create response: %+v", created)
	}

	var view task.ResultView
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, body = getJSON(t, ts.URL+"/api/v1/tasks/"+created.TaskID)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
		}
		if err := json.Unmarshal(body, &view); err != nil {
			t.Fatalf("decode task view: %v", err)
		}
		if view.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never finished: %+v", view)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if view.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", view.Status, view.Error)
	}
	if view.Solution != "hello" {
		t.Fatalf("expected echoed solution, got %v", view.Solution)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	ts, _ := newTestServer(t, 1000)
	url := ts.URL + "/api/v1/tasks"

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing type", map[string]any{"payload": map[string]any{"value": "x"}}},
		{"missing payload", map[string]any{"type": "echo"}},
		{"unknown type", map[string]any{"type": "nope", "payload": map[string]any{"value": "x"}}},
	}
	for _, tc := range cases {
		resp, body := postJSON(t, url, tc.body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d: %s", tc.name, resp.StatusCode, body)
		}
		var e apiError
		if err := json.Unmarshal(body, &e); err != nil {
			t.Fatalf("%s: decode error body: %v", tc.name, err)
		}
		if e.Error != "validation_error" {
			t.Fatalf("%s: unexpected error code %q", tc.name, e.Error)
		}
	}

	resp, err := http.Post(url, "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed JSON: expected 400, got %d", resp.StatusCode)
	}
}

func TestCreateTaskRateLimited(t *testing.T) {
	ts, _ := newTestServer(t, 2)
	url := ts.URL + "/api/v1/tasks"
	body := map[string]any{"type": "echo", "payload": map[string]any{"value": "x"}}

	for i := 0; i < 2; i++ {
		resp, data := postJSON(t, url, body)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("request %d: expected 201, got %d: %s", i+1, resp.StatusCode, data)
		}
	}

	resp, data := postJSON(t, url, body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", resp.StatusCode, data)
	}
	var e apiError
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Error != "rate_limited" {
		t.Fatalf("unexpected error code %q", e.Error)
	}
}

func TestGetUnknownTask(t *testing.T) {
	ts, _ := newTestServer(t, 1000)

	resp, _ := getJSON(t, ts.URL+"/api/v1/tasks/no-such-id")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCancelTask(t *testing.T) {
	ts, tasks := newTestServer(t, 1000)

	// A task that is already terminal cannot be cancelled; neither can an
	// unknown one.
	id, err := tasks.Create(context.Background(), "echo", map[string]any{"value": "x"}, task.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		v := tasks.Result(context.Background(), id)
		if v != nil && v.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}

	req, _ := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/api/v1/tasks/%s", ts.URL, id), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("finished task: expected 409, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/tasks/no-such-id", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("unknown task: expected 409, got %d", resp.StatusCode)
	}
}

func TestListSolvers(t *testing.T) {
	ts, _ := newTestServer(t, 1000)

	resp, body := getJSON(t, ts.URL+"/api/v1/solvers")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out struct {
		Available []string               `json:"available"`
		Solvers   map[string]solver.Info `json:"solvers"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Available) != 1 || out.Available[0] != "echo" {
		t.Fatalf("unexpected available types: %v", out.Available)
	}
}

func TestStatsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, 1000)

	resp, body := getJSON(t, ts.URL+"/api/v1/stats")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out map[string]json.RawMessage
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"tasks", "solvers", "rate_limit"} {
		if _, ok := out[key]; !ok {
			t.Fatalf("stats response missing %q section", key)
		}
	}
}

func TestClientLimitsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, 1000)

	resp, body := getJSON(t, ts.URL+"/api/v1/clients/203.0.113.9/limits")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var st ratelimit.ClientStats
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.ClientID != "203.0.113.9" || st.Blocked {
		t.Fatalf("unexpected stats for unseen client: %+v", st)
	}
}
