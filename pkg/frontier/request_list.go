package frontier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"crawlcore/pkg/store"
)

// SourceFetcher fetches a list-URL source and extracts further URLs
// from its body, matching extractPattern. It is a caller-provided
// collaborator; the link-enqueuing DSL itself lives outside this
// package.
type SourceFetcher interface {
	FetchAndExtract(ctx context.Context, listURL, extractPattern string) ([]string, error)
}

type requestListState struct {
	NextIndex  int        `json:"nextIndex"`
	InProgress []string   `json:"inProgress"`
	Reclaimed  []*Request `json:"reclaimed"`
}

// RequestList is an ordered, restartable source of seed requests with
// persistent progress state.
type RequestList struct {
	mu sync.Mutex

	items   []*Request
	byID    map[string]*Request
	seen    map[string]struct{}

	nextIndex  int
	inProgress map[string]struct{}
	reclaimed  []*Request

	keepDuplicates bool

	kvStore    store.KeyValueStore
	persistKey string
}

// RequestListOptions configures construction of a RequestList.
type RequestListOptions struct {
	KeepDuplicates bool
	KVStore        store.KeyValueStore
	PersistKey     string
	Fetcher        SourceFetcher
}

// NewRequestList materializes sources into memory in order,
// deduplicating identifiers at init unless KeepDuplicates is set, then
// restores persisted progress if a KVStore/PersistKey is configured.
func NewRequestList(ctx context.Context, sources []Source, opts RequestListOptions) (*RequestList, error) {
	rl := &RequestList{
		byID:       make(map[string]*Request),
		seen:       make(map[string]struct{}),
		inProgress: make(map[string]struct{}),
		keepDuplicates: opts.KeepDuplicates,
		kvStore:    opts.KVStore,
		persistKey: opts.PersistKey,
	}

	for _, src := range sources {
		if src.Request != nil {
			rl.addMaterialized(src.Request)
			continue
		}
		if src.ListURL == "" {
			continue
		}
		if opts.Fetcher == nil {
			return nil, fmt.Errorf("frontier: list URL source %q requires a SourceFetcher", src.ListURL)
		}
		urls, err := opts.Fetcher.FetchAndExtract(ctx, src.ListURL, src.ExtractPattern)
		if err != nil {
			return nil, fmt.Errorf("frontier: fetch source %q: %w", src.ListURL, err)
		}
		for _, u := range urls {
			rl.addMaterialized(NewRequest("GET", u, nil))
		}
	}

	if rl.kvStore != nil && rl.persistKey != "" {
		if err := rl.restore(ctx); err != nil {
			return nil, err
		}
	}

	return rl, nil
}

func (rl *RequestList) addMaterialized(req *Request) {
	if !rl.keepDuplicates {
		if _, dup := rl.seen[req.ID]; dup {
			return
		}
	}
	rl.seen[req.ID] = struct{}{}
	rl.items = append(rl.items, req)
	rl.byID[req.ID] = req
}

func (rl *RequestList) restore(ctx context.Context) error {
	data, err := rl.kvStore.GetRecord(ctx, rl.persistKey)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("frontier: restore request list: %w", err)
	}

	var state requestListState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("frontier: decode request list state: %w", err)
	}

	rl.nextIndex = state.NextIndex

	// Requests still in progress when the previous run ended are
	// re-served before resuming nextIndex, ahead of explicitly
	// reclaimed requests which already survived one failed attempt.
	var requeued []*Request
	for _, id := range state.InProgress {
		if item, ok := rl.byID[id]; ok {
			requeued = append(requeued, item)
		}
	}
	rl.reclaimed = append(requeued, state.Reclaimed...)

	return nil
}

// FetchNextRequest pops the next request: reclaimed requests first (in
// the order they were reclaimed), then the in-memory sequence by
// nextIndex. Returns nil when nothing remains.
func (rl *RequestList) FetchNextRequest() *Request {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if len(rl.reclaimed) > 0 {
		req := rl.reclaimed[0]
		rl.reclaimed = rl.reclaimed[1:]
		rl.inProgress[req.ID] = struct{}{}
		return req.clone()
	}

	if rl.nextIndex >= len(rl.items) {
		return nil
	}

	req := rl.items[rl.nextIndex]
	rl.nextIndex++
	rl.inProgress[req.ID] = struct{}{}
	return req.clone()
}

// MarkRequestHandled removes req from in-progress tracking.
func (rl *RequestList) MarkRequestHandled(req *Request) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.inProgress, req.ID)
}

// ReclaimRequest puts req back at the front of the list, preserving
// relative order among concurrently reclaimed requests.
func (rl *RequestList) ReclaimRequest(req *Request) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.inProgress, req.ID)
	rl.reclaimed = append(rl.reclaimed, req)
}

// IsEmpty reports whether there are no more requests to serve (not
// counting ones currently in progress).
func (rl *RequestList) IsEmpty() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.reclaimed) == 0 && rl.nextIndex >= len(rl.items)
}

// IsFinished reports whether the list is empty and nothing remains
// in progress.
func (rl *RequestList) IsFinished() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.reclaimed) == 0 && rl.nextIndex >= len(rl.items) && len(rl.inProgress) == 0
}

// PersistState snapshots (nextIndex, inProgress identifiers, reclaimed
// requests) to the configured KeyValueStore.
func (rl *RequestList) PersistState(ctx context.Context) error {
	rl.mu.Lock()
	state := requestListState{
		NextIndex:  rl.nextIndex,
		InProgress: sortedKeys(rl.inProgress),
		Reclaimed:  append([]*Request(nil), rl.reclaimed...),
	}
	rl.mu.Unlock()

	if rl.kvStore == nil || rl.persistKey == "" {
		return nil
	}

	data, err := marshalJSON(state)
	if err != nil {
		return err
	}
	if err := rl.kvStore.SetRecord(ctx, rl.persistKey, data); err != nil {
		return fmt.Errorf("frontier: persist request list: %w", err)
	}
	return nil
}
