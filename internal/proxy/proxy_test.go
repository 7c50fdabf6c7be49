package proxy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/packlab/quotelog/internal/storage"
)

type fakeCompleter struct {
	mu      sync.Mutex
	calls   int
	answer  string
	err     error
	started chan struct{} // closed on first call, if set
	release chan struct{} // blocks the call until closed, if set
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.calls++
	started := f.started
	f.started = nil
	f.mu.Unlock()

	if started != nil {
		close(started)
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.answer, f.err
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestProxy(t *testing.T, model Completer, cache Cache) (*Proxy, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, model, cache, 5*time.Second), store
}

func TestAsk_StoresEntry(t *testing.T) {
	model := &fakeCompleter{answer: "Estimated: 1250 RUB"}
	p, store := newTestProxy(t, model, nil)

	res, err := p.Ask(context.Background(), "1000 paper boxes 10x10x10")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.RequestID == "" {
		t.Fatal("empty request ID")
	}
	if res.Answer != "Estimated: 1250 RUB" {
		t.Errorf("Answer = %q", res.Answer)
	}
	if res.FromCache {
		t.Error("FromCache = true for a fresh call")
	}
	if res.EstimatedPrice == nil || *res.EstimatedPrice != 1250 {
		t.Errorf("EstimatedPrice = %v, want 1250", res.EstimatedPrice)
	}

	entry, err := store.GetEntry(res.RequestID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if entry.Query != "1000 paper boxes 10x10x10" {
		t.Errorf("stored query = %q", entry.Query)
	}
	if entry.Answer != res.Answer {
		t.Errorf("stored answer = %q", entry.Answer)
	}
	if entry.FromCache {
		t.Error("stored FromCache = true for a fresh call")
	}
	if entry.ActualPrice != nil || entry.FeedbackAt != nil {
		t.Error("feedback fields set on a fresh entry")
	}
}

func TestAsk_UniqueRequestIDs(t *testing.T) {
	model := &fakeCompleter{answer: "ok"}
	p, store := newTestProxy(t, model, nil)

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		res, err := p.Ask(context.Background(), "same query")
		if err != nil {
			t.Fatalf("Ask(%d): %v", i, err)
		}
		if seen[res.RequestID] {
			t.Fatalf("duplicate request ID %q", res.RequestID)
		}
		seen[res.RequestID] = true
	}

	n, err := store.CountEntries()
	if err != nil {
		t.Fatalf("CountEntries: %v", err)
	}
	if n != 10 {
		t.Errorf("CountEntries = %d, want 10", n)
	}
}

func TestAsk_EmptyQuery(t *testing.T) {
	model := &fakeCompleter{answer: "ok"}
	p, store := newTestProxy(t, model, nil)

	for _, q := range []string{"", "   ", "\n\t"} {
		if _, err := p.Ask(context.Background(), q); !errors.Is(err, ErrEmptyQuery) {
			t.Errorf("Ask(%q) err = %v, want ErrEmptyQuery", q, err)
		}
	}

	if model.callCount() != 0 {
		t.Errorf("model called %d times for empty queries", model.callCount())
	}
	n, _ := store.CountEntries()
	if n != 0 {
		t.Errorf("CountEntries = %d, want 0", n)
	}
}

func TestAsk_ModelFailureWritesNothing(t *testing.T) {
	model := &fakeCompleter{err: errors.New("upstream boom")}
	p, store := newTestProxy(t, model, nil)

	_, err := p.Ask(context.Background(), "estimate this")
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("err = %v, want ErrModelUnavailable", err)
	}

	n, _ := store.CountEntries()
	if n != 0 {
		t.Errorf("CountEntries = %d, want 0 after failed call", n)
	}
}

func TestAsk_CacheHit(t *testing.T) {
	model := &fakeCompleter{answer: "Estimated: 500 RUB"}
	p, _ := newTestProxy(t, model, NewMemoryCache(time.Minute))

	first, err := p.Ask(context.Background(), "200 boxes")
	if err != nil {
		t.Fatalf("first Ask: %v", err)
	}
	if first.FromCache {
		t.Error("first call marked FromCache")
	}

	second, err := p.Ask(context.Background(), "200 boxes")
	if err != nil {
		t.Fatalf("second Ask: %v", err)
	}
	if !second.FromCache {
		t.Error("second identical call not marked FromCache")
	}
	if second.Answer != first.Answer {
		t.Errorf("cached answer = %q, want %q", second.Answer, first.Answer)
	}
	if second.RequestID == first.RequestID {
		t.Error("cache hit reused the request ID")
	}
	if model.callCount() != 1 {
		t.Errorf("model called %d times, want 1", model.callCount())
	}
}

func TestAsk_CacheExpiry(t *testing.T) {
	model := &fakeCompleter{answer: "ok"}
	cache := NewMemoryCache(time.Minute)

	current := time.Now()
	cache.now = func() time.Time { return current }

	p, _ := newTestProxy(t, model, cache)

	if _, err := p.Ask(context.Background(), "q"); err != nil {
		t.Fatalf("first Ask: %v", err)
	}

	current = current.Add(2 * time.Minute)

	res, err := p.Ask(context.Background(), "q")
	if err != nil {
		t.Fatalf("second Ask: %v", err)
	}
	if res.FromCache {
		t.Error("expired cache entry served as a hit")
	}
	if model.callCount() != 2 {
		t.Errorf("model called %d times, want 2", model.callCount())
	}
}

// TestAsk_ConcurrentDuplicatesCollapsed verifies that two in-flight identical
// queries share one model call and exactly one of the stored entries is fresh.
func TestAsk_ConcurrentDuplicatesCollapsed(t *testing.T) {
	model := &fakeCompleter{
		answer:  "shared answer",
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	started := model.started
	p, store := newTestProxy(t, model, nil)

	results := make(chan Result, 2)
	errs := make(chan error, 2)
	run := func() {
		res, err := p.Ask(context.Background(), "dup query")
		if err != nil {
			errs <- err
			return
		}
		results <- res
	}

	go run()
	<-started
	go run()
	// Give the second caller time to join the in-flight call.
	time.Sleep(100 * time.Millisecond)
	close(model.release)

	var fromCacheCount int
	for i := 0; i < 2; i++ {
		select {
		case res := <-results:
			if res.FromCache {
				fromCacheCount++
			}
		case err := <-errs:
			t.Fatalf("Ask: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for results")
		}
	}

	if model.callCount() != 1 {
		t.Errorf("model called %d times, want 1", model.callCount())
	}
	if fromCacheCount != 1 {
		t.Errorf("%d of 2 results marked FromCache, want exactly 1", fromCacheCount)
	}
	n, _ := store.CountEntries()
	if n != 2 {
		t.Errorf("CountEntries = %d, want 2", n)
	}
}

func TestAsk_TimeoutDiscardsResult(t *testing.T) {
	model := &fakeCompleter{answer: "late", release: make(chan struct{})}
	t.Cleanup(func() { close(model.release) })

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	p := New(store, model, nil, 50*time.Millisecond)

	_, err = p.Ask(context.Background(), "slow query")
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("err = %v, want ErrModelUnavailable", err)
	}

	n, _ := store.CountEntries()
	if n != 0 {
		t.Errorf("CountEntries = %d, want 0 after timed-out call", n)
	}
}

var errAlwaysDown = errors.New("down")

// TestAsk_BreakerOpens drives consecutive failures until the breaker rejects
// calls without touching the model.
func TestAsk_BreakerOpens(t *testing.T) {
	model := &fakeCompleter{err: errAlwaysDown}
	p, _ := newTestProxy(t, model, nil)

	for i := 0; i < 5; i++ {
		if _, err := p.Ask(context.Background(), "q"); err == nil {
			t.Fatalf("Ask(%d) succeeded, want failure", i)
		}
	}

	before := model.callCount()
	if _, err := p.Ask(context.Background(), "q"); !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("err = %v, want ErrModelUnavailable with open breaker", err)
	}
	if model.callCount() != before {
		t.Error("model was called while the breaker was open")
	}
}
