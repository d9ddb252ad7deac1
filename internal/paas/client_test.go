package paas

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func fakePaaS(t *testing.T) (*httptest.Server, *[]string, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.URL.Path)
		mu.Unlock()
		switch r.URL.Path {
		case "/api/v1/auth/login":
			_ = json.NewEncoder(w).Encode(map[string]any{"token": "tok", "expires_at": "2099-01-01T00:00:00Z"})
		case "/api/v1/notify/broadcast", "/api/v1/logs":
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if r.URL.Path == "/api/v1/logs" && body["agent"] != "bot-a" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls, &mu
}

func TestClientBroadcastLogsInOnce(t *testing.T) {
	srv, calls, mu := fakePaaS(t)
	c := &Client{BaseURL: srv.URL, APIKey: "k", Agent: "bot-a"}
	ctx := context.Background()

	if err := c.Broadcast(ctx, BroadcastRequest{Message: "ORDER FAILED", Event: "trade_failed"}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if err := c.CreateLog(ctx, CreateLogRequest{Agent: c.agent(), Action: "x", Level: "info"}); err != nil {
		t.Fatalf("CreateLog: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(*calls) != 3 || (*calls)[0] != "/api/v1/auth/login" {
		t.Fatalf("calls=%v", *calls)
	}
}

func TestClientBroadcastRejectsEmptyMessage(t *testing.T) {
	c := &Client{BaseURL: "http://127.0.0.1:1", APIKey: "k"}
	if err := c.Broadcast(context.Background(), BroadcastRequest{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLevelFromStatus(t *testing.T) {
	cases := map[int]string{200: "info", 404: "warn", 503: "error"}
	for status, want := range cases {
		if got := levelFromStatus(status); got != want {
			t.Fatalf("status=%d got=%s want=%s", status, got, want)
		}
	}
}

func TestClientReloginOnUnauthorized(t *testing.T) {
	srv, calls, mu := fakePaaS(t)
	c := &Client{BaseURL: srv.URL, APIKey: "k", Agent: "bot-a"}
	c.token = "stale"

	if err := c.Broadcast(context.Background(), BroadcastRequest{Message: "m", Event: "trade_failed"}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"/api/v1/notify/broadcast", "/api/v1/auth/login", "/api/v1/notify/broadcast"}
	if len(*calls) != len(want) {
		t.Fatalf("calls=%v want=%v", *calls, want)
	}
	for i := range want {
		if (*calls)[i] != want[i] {
			t.Fatalf("calls=%v want=%v", *calls, want)
		}
	}
}
