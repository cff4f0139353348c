package frontier

import (
	"context"
	"testing"

	"crawlcore/pkg/store"
)

func TestRequestListHappyPath(t *testing.T) {
	ctx := context.Background()
	sources := []Source{
		{Request: NewRequest("GET", "https://example.com/a", nil)},
		{Request: NewRequest("GET", "https://example.com/b", nil)},
		{Request: NewRequest("GET", "https://example.com/c", nil)},
	}

	rl, err := NewRequestList(ctx, sources, RequestListOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var handled []string
	for {
		req := rl.FetchNextRequest()
		if req == nil {
			break
		}
		handled = append(handled, req.URL)
		rl.MarkRequestHandled(req)
	}

	if len(handled) != 3 {
		t.Fatalf("expected 3 requests handled, got %d", len(handled))
	}
	if !rl.IsFinished() {
		t.Error("expected list to be finished")
	}
}

func TestRequestListDeduplicatesAtInit(t *testing.T) {
	ctx := context.Background()
	dup := NewRequest("GET", "https://example.com/a", nil)
	sources := []Source{
		{Request: NewRequest("GET", "https://example.com/a", nil)},
		{Request: dup},
	}

	rl, err := NewRequestList(ctx, sources, RequestListOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	count := 0
	for rl.FetchNextRequest() != nil {
		count++
	}
	if count != 1 {
		t.Fatalf("expected dedup to leave 1 request, got %d", count)
	}
}

func TestRequestListReclaimPreservesOrder(t *testing.T) {
	ctx := context.Background()
	sources := []Source{
		{Request: NewRequest("GET", "https://example.com/a", nil)},
		{Request: NewRequest("GET", "https://example.com/b", nil)},
	}
	rl, err := NewRequestList(ctx, sources, RequestListOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first := rl.FetchNextRequest()
	second := rl.FetchNextRequest()

	rl.ReclaimRequest(first)
	rl.ReclaimRequest(second)

	if got := rl.FetchNextRequest(); got.ID != first.ID {
		t.Errorf("expected first reclaimed request to be served first, got %s", got.URL)
	}
	if got := rl.FetchNextRequest(); got.ID != second.ID {
		t.Errorf("expected second reclaimed request served second, got %s", got.URL)
	}
}

func TestRequestListPersistAndRestore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	kv, err := store.NewLocalKeyValueStore(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sources := []Source{
		{Request: NewRequest("GET", "https://example.com/a", nil)},
		{Request: NewRequest("GET", "https://example.com/b", nil)},
		{Request: NewRequest("GET", "https://example.com/c", nil)},
	}
	opts := RequestListOptions{KVStore: kv, PersistKey: "list-state"}

	rl, err := NewRequestList(ctx, sources, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first := rl.FetchNextRequest()
	if first == nil {
		t.Fatal("expected a request")
	}
	// first left in-progress (simulating a crash before markHandled)
	if err := rl.PersistState(ctx); err != nil {
		t.Fatalf("unexpected error persisting: %v", err)
	}

	rl2, err := NewRequestList(ctx, sources, opts)
	if err != nil {
		t.Fatalf("unexpected error on restore: %v", err)
	}

	restored := rl2.FetchNextRequest()
	if restored == nil || restored.ID != first.ID {
		t.Fatalf("expected restored list to re-serve the in-progress request first")
	}
}
