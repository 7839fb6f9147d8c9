package launchpad

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func fastPoll(attempts int) Option {
	return WithPollOptions(PollOptions{Interval: time.Millisecond, MaxAttempts: attempts})
}

func TestDistributeSendsPrincipal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token/distribute" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get(PrincipalHeader); got != "ops" {
			t.Fatalf("expected principal header, got %q", got)
		}
		var req DistributeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if req.AgentID != "agent-1" || req.TotalSupply != "1000" {
			t.Fatalf("unexpected payload: %+v", req)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"taskId": "task-1"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client(), WithPrincipal("ops"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	id, err := client.Distribute(context.Background(), DistributeRequest{AgentID: "agent-1", TotalSupply: "1000"})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if id != "task-1" {
		t.Fatalf("expected task-1, got %s", id)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "task already in progress", "code": "TASK_IN_PROGRESS"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.BurnTokens(context.Background(), "agent-1", "10")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != "TASK_IN_PROGRESS" || apiErr.Message != "task already in progress" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
	if !IsInProgress(err) {
		t.Fatalf("expected in-progress error")
	}
}

func TestWaitForTaskStopsAtTerminalStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agents/agent-1/tasks/task-1" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		status := StatusProcessing
		if calls.Add(1) >= 3 {
			status = StatusPartialFailed
		}
		_ = json.NewEncoder(w).Encode(Task{ID: "task-1", AgentID: "agent-1", Status: status})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client(), fastPoll(10))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	got, err := client.WaitForTask(context.Background(), "agent-1", "task-1")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.Status != StatusPartialFailed || calls.Load() != 3 {
		t.Fatalf("unexpected result %s after %d calls", got.Status, calls.Load())
	}
}

func TestWaitForTaskGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(Task{ID: "task-1", Status: StatusPending})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client(), fastPoll(4))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	got, err := client.WaitForTask(context.Background(), "agent-1", "task-1")
	if !errors.Is(err, ErrPollExhausted) {
		t.Fatalf("expected ErrPollExhausted, got %v", err)
	}
	if got.ID != "task-1" || calls.Load() != 4 {
		t.Fatalf("expected last snapshot after 4 calls, got %+v after %d", got, calls.Load())
	}
}

func TestWaitForTaskStopsOnNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "task not found", "code": "TASK_NOT_FOUND"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client(), fastPoll(5))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.WaitForTask(context.Background(), "agent-1", "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestStatsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tasks/stats" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("agentId") != "agent-1" || r.URL.Query().Get("type") != "BURN_TOKENS" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(TaskStats{Total: 2, Completed: 2})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	stats, err := client.Stats(context.Background(), "agent-1", "BURN_TOKENS")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	if _, err := NewClient("localhost", nil); err == nil {
		t.Fatalf("expected error for url without scheme")
	}
}
