package adminserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"crawlcore/pkg/autoscale"
)

type stubStatus struct {
	state              autoscale.State
	desired, current   int
}

func (s stubStatus) State() autoscale.State       { return s.state }
func (s stubStatus) DesiredConcurrency() int      { return s.desired }
func (s stubStatus) CurrentConcurrency() int      { return s.current }

func TestHealthzReportsOK(t *testing.T) {
	s := New(DefaultConfig(), nil, nil)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}

func TestWebSocketStatusStreamsSnapshots(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StatusInterval = 20 * time.Millisecond
	status := stubStatus{state: autoscale.StateRunning, desired: 4, current: 2}

	s := New(cfg, nil, status)
	s.Start()
	defer s.Stop()

	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):] + "/ws/status"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer conn.Close()

	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("unexpected error reading initial snapshot: %v", err)
	}
	var snap StatusSnapshot
	if err := json.Unmarshal(msg, &snap); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.State != "running" {
		t.Errorf("expected state running, got %q", snap.State)
	}
	if snap.DesiredConcurrency != 4 || snap.CurrentConcurrency != 2 {
		t.Errorf("expected concurrency 4/2, got %d/%d", snap.DesiredConcurrency, snap.CurrentConcurrency)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Errorf("expected a periodic broadcast, got error: %v", err)
	}
}
