package main

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestGateway(t *testing.T, backends map[string]BackendConfig) (*Server, *httptest.Server) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Backends = backends
	cfg.Logging.Level = "error"

	srv := NewServer(cfg)
	if err := srv.warmPools(); err != nil {
		t.Fatalf("warmPools failed: %v", err)
	}

	ts := httptest.NewServer(srv.handler())
	t.Cleanup(func() {
		ts.Close()
		for _, p := range srv.pools {
			p.Shutdown()
		}
	})
	return srv, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dialSession(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, path), nil)
	if err != nil {
		t.Fatalf("Dial %s failed: %v", path, err)
	}
	return conn
}

func TestRoutingKey(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/echo", "echo"},
		{"/v1/backends/echo", "echo"},
		{"/echo/", "echo"},
		{"/", ""},
		{"//", ""},
	}
	for _, tt := range tests {
		if got := routingKey(tt.path); got != tt.want {
			t.Errorf("routingKey(%q): expected %q, got %q", tt.path, tt.want, got)
		}
	}
}

func TestGatewayUnknownRouteRejectedBeforeSpawn(t *testing.T) {
	srv, ts := newTestGateway(t, map[string]BackendConfig{
		"echo": {Command: "cat", MinPoolSize: 1},
	})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/nope"), nil)
	if err == nil {
		t.Fatal("Dial to unknown route should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("Expected 404 before upgrade, got %v", resp)
	}

	// Only the pre-warm spawn happened; the rejection spawned nothing.
	spawned := testutil.ToFloat64(srv.metrics.workersSpawned.WithLabelValues("echo"))
	if spawned != 1 {
		t.Errorf("Expected 1 spawned worker (pre-warm only), got %v", spawned)
	}
	if got := srv.pools["echo"].IdleCount(); got != 1 {
		t.Errorf("Reserve should be untouched, got %d", got)
	}
}

func TestGatewayEchoRoundTrip(t *testing.T) {
	_, ts := newTestGateway(t, map[string]BackendConfig{
		"echo": {Command: "cat", MinPoolSize: 1},
	})

	conn := dialSession(t, ts, "/echo")
	defer conn.Close()

	messages := []string{"ping", `{"jsonrpc":"2.0","id":1}`, "done"}
	for _, msg := range messages {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("WriteMessage failed: %v", err)
		}
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i, want := range messages {
		_, got, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage %d failed: %v", i, err)
		}
		if string(got) != want {
			t.Errorf("Message %d: expected %q, got %q", i, want, got)
		}
	}
}

func TestGatewayConcurrentSessionsAreIsolated(t *testing.T) {
	_, ts := newTestGateway(t, map[string]BackendConfig{
		"echo": {Command: "cat", MinPoolSize: 1},
	})

	// Two sessions against a reserve of one: the second acquisition
	// spawns on demand, and each session talks to its own worker.
	first := dialSession(t, ts, "/echo")
	defer first.Close()
	second := dialSession(t, ts, "/echo")
	defer second.Close()

	if err := first.WriteMessage(websocket.TextMessage, []byte("from-first")); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	if err := second.WriteMessage(websocket.TextMessage, []byte("from-second")); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	second.SetReadDeadline(time.Now().Add(5 * time.Second))

	_, got, err := first.ReadMessage()
	if err != nil {
		t.Fatalf("First session read failed: %v", err)
	}
	if string(got) != "from-first" {
		t.Errorf("First session: expected from-first, got %q", got)
	}

	_, got, err = second.ReadMessage()
	if err != nil {
		t.Fatalf("Second session read failed: %v", err)
	}
	if string(got) != "from-second" {
		t.Errorf("Second session: expected from-second, got %q", got)
	}
}

func TestGatewayWorkerExitClosesConnection(t *testing.T) {
	_, ts := newTestGateway(t, map[string]BackendConfig{
		"crash": {Command: "sh", Args: []string{"-c", "read line; exit 3"}, MinPoolSize: 1},
	})

	conn := dialSession(t, ts, "/crash")
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("die")); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("Connection should close when the worker exits")
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatal("Connection was not closed after worker exit")
	}

	// The crash is scoped to that one session: the pool serves the next
	// connection with a fresh worker.
	again := dialSession(t, ts, "/crash")
	again.Close()
}

func TestGatewayOversizedLineClosesSession(t *testing.T) {
	// One stdout line over the MaxLineSize ceiling kills the output bridge;
	// the session must close the connection instead of stranding the client
	// against a wedged worker.
	_, ts := newTestGateway(t, map[string]BackendConfig{
		"big": {
			Command:     "sh",
			Args:        []string{"-c", `head -c 11000000 /dev/zero | tr '\0' 'a'; echo; cat`},
			MinPoolSize: 1,
		},
	})

	conn := dialSession(t, ts, "/big")
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("Connection should close when a backend line exceeds the size limit")
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatal("Connection was not closed after the oversized line")
	}
}

func TestGatewayHealthEndpoint(t *testing.T) {
	_, ts := newTestGateway(t, map[string]BackendConfig{
		"echo": {Command: "cat", MinPoolSize: 2},
	})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Status   string         `json:"status"`
		Backends map[string]int `json:"backends"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("Status: expected ok, got %s", body.Status)
	}
	if body.Backends["echo"] != 2 {
		t.Errorf("Idle count in health: expected 2, got %d", body.Backends["echo"])
	}
}

func TestGatewayMetricsEndpoint(t *testing.T) {
	_, ts := newTestGateway(t, map[string]BackendConfig{
		"echo": {Command: "cat", MinPoolSize: 1},
	})

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read metrics body: %v", err)
	}
	if !strings.Contains(string(body), "vilya_workers_idle") {
		t.Error("Exposition should contain vilya_workers_idle")
	}
	if !strings.Contains(string(body), "vilya_workers_spawned_total") {
		t.Error("Exposition should contain vilya_workers_spawned_total")
	}
}

func TestGatewayAcquireFailureRejectsConnection(t *testing.T) {
	// A pool that was never warmed and whose command cannot start: the
	// synchronous spawn path fails and the connection is refused.
	cfg := DefaultConfig()
	cfg.Backends = map[string]BackendConfig{
		"broken": {Command: "/definitely/not/a/real/binary", MinPoolSize: 1},
	}
	cfg.Logging.Level = "error"

	srv := NewServer(cfg)
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/broken"), nil)
	if err == nil {
		t.Fatal("Dial should fail when provisioning fails")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %v", resp)
	}
}
