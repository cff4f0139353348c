package basicbackend

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"crawlcore/pkg/frontier"
)

func TestFetchReturnsResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != "crawlcore-test" {
			t.Errorf("expected User-Agent header to propagate, got %q", ua)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.UserAgent = "crawlcore-test"
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := frontier.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := b.Fetch(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	if string(resp.Body) != "hello" {
		t.Errorf("expected body %q, got %q", "hello", resp.Body)
	}
}

func TestFetchReturnsErrorForUnreachableHost(t *testing.T) {
	b, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := frontier.NewRequest(http.MethodGet, "http://127.0.0.1:1/unreachable", nil)
	if _, err := b.Fetch(req); err == nil {
		t.Error("expected an error fetching an unreachable host")
	}
}

func TestFetchSendsRequestHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Custom"); got != "value" {
			t.Errorf("expected X-Custom header to propagate, got %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := frontier.NewRequest(http.MethodGet, srv.URL, nil)
	req.Headers = map[string]string{"X-Custom": "value"}

	if _, err := b.Fetch(req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
