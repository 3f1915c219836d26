package reputation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeService struct {
	mu       sync.Mutex
	batches  [][]Query
	err      error
	gate     chan struct{}
	found    map[string]Result
	submits  atomic.Int32
	rescans  atomic.Int32
	queryHit chan struct{}
}

func (f *fakeService) Query(ctx context.Context, batch []Query) ([]Result, error) {
	f.mu.Lock()
	f.batches = append(f.batches, append([]Query(nil), batch...))
	f.mu.Unlock()
	if f.queryHit != nil {
		select {
		case f.queryHit <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]Result, 0, len(batch))
	for _, q := range batch {
		if r, ok := f.found[q.Digest]; ok {
			out = append(out, r)
			continue
		}
		out = append(out, Result{Digest: q.Digest, Found: false})
	}
	return out, nil
}

func (f *fakeService) Submit(_ context.Context, _ string) error {
	f.submits.Add(1)
	return nil
}

func (f *fakeService) Rescan(_ context.Context, _ string) error {
	f.rescans.Add(1)
	return nil
}

func (f *fakeService) calls() [][]Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]Query(nil), f.batches...)
}

func newTestClient(svc Service, cfg Config) *Client {
	c := NewClient(svc, nil, cfg, nil)
	c.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return c
}

func digests(n int) []Query {
	out := make([]Query, n)
	for i := range out {
		out[i] = Query{Digest: fmt.Sprintf("%040x", i+1), Path: fmt.Sprintf("/bin/item%d", i)}
	}
	return out
}

func TestLookupBatchesNeverExceedLimit(t *testing.T) {
	for _, n := range []int{1, 25, 26, 60} {
		svc := &fakeService{}
		c := newTestClient(svc, Config{})
		res, err := c.Lookup(context.Background(), digests(n))
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		if len(res) != n {
			t.Fatalf("n=%d: expected %d results, got %d", n, n, len(res))
		}
		calls := svc.calls()
		want := (n + MaxBatchSize - 1) / MaxBatchSize
		if len(calls) != want {
			t.Fatalf("n=%d: expected %d calls, got %d", n, want, len(calls))
		}
		for _, b := range calls {
			if len(b) > MaxBatchSize {
				t.Fatalf("batch of %d exceeds limit", len(b))
			}
		}
	}
}

func TestLookupCacheIdempotent(t *testing.T) {
	d := fmt.Sprintf("%040x", 7)
	svc := &fakeService{found: map[string]Result{d: {Digest: d, Found: true, Positives: 3, Total: 70, Ratio: "3/70"}}}
	c := newTestClient(svc, Config{})

	first, err := c.Lookup(context.Background(), []Query{{Digest: d}})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	second, err := c.Lookup(context.Background(), []Query{{Digest: d}, {Digest: d}})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if first[d] != second[d] {
		t.Fatalf("expected identical results, got %+v and %+v", first[d], second[d])
	}
	if got := len(svc.calls()); got != 1 {
		t.Fatalf("expected one network call, got %d", got)
	}
	if !first[d].Flagged() || first[d].Summary() != "3/70" {
		t.Fatalf("unexpected result %+v", first[d])
	}
}

func TestLookupUnreachableMarksUnknown(t *testing.T) {
	svc := &fakeService{err: &TransportError{Op: "query", Transient: true, Err: errors.New("connection refused")}}
	c := newTestClient(svc, Config{MaxRetries: 2})
	res, err := c.Lookup(context.Background(), digests(30))
	if err != nil {
		t.Fatalf("lookup must not fail on transport errors: %v", err)
	}
	for d, r := range res {
		if !r.Unknown || r.Found {
			t.Fatalf("expected unknown result for %s, got %+v", d, r)
		}
	}
	if got := len(svc.calls()); got != 2*3 {
		t.Fatalf("expected 3 attempts per batch (6 calls), got %d", got)
	}

	// unknown results are cached too
	if _, err := c.Lookup(context.Background(), digests(30)); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got := len(svc.calls()); got != 6 {
		t.Fatalf("expected cached unknown results, got %d calls", got)
	}
}

func TestLookupPermanentErrorDoesNotRetry(t *testing.T) {
	svc := &fakeService{err: &TransportError{Op: "query", StatusCode: 403, Err: errors.New("forbidden")}}
	c := newTestClient(svc, Config{MaxRetries: 3})
	res, err := c.Lookup(context.Background(), digests(1))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(svc.calls()) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(svc.calls()))
	}
	for _, r := range res {
		if !r.Unknown {
			t.Fatalf("expected unknown result")
		}
	}
}

func TestLookupCoalescesConcurrentDigests(t *testing.T) {
	svc := &fakeService{gate: make(chan struct{}), queryHit: make(chan struct{}, 1)}
	c := newTestClient(svc, Config{})
	q := digests(1)

	var wg sync.WaitGroup
	results := make([]map[string]Result, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = c.Lookup(context.Background(), q)
	}()
	<-svc.queryHit

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = c.Lookup(context.Background(), q)
	}()
	time.Sleep(20 * time.Millisecond)
	close(svc.gate)
	wg.Wait()

	if got := len(svc.calls()); got != 1 {
		t.Fatalf("expected one coalesced request, got %d", got)
	}
	if results[0][q[0].Digest] != results[1][q[0].Digest] {
		t.Fatalf("expected shared result")
	}
}

func TestLookupCancelledStartsNothing(t *testing.T) {
	svc := &fakeService{}
	c := newTestClient(svc, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Lookup(ctx, digests(10)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(svc.calls()) != 0 {
		t.Fatalf("expected no network calls after cancellation")
	}
	// cancelled digests must not be cached
	if _, err := c.Lookup(context.Background(), digests(10)); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(svc.calls()) != 1 {
		t.Fatalf("expected digests to be queried after cancellation")
	}
}

func TestSideRequestsAreFireAndForget(t *testing.T) {
	svc := &fakeService{}
	c := newTestClient(svc, Config{})
	c.Submit("/bin/ls", "abc")
	c.Rescan("abc")
	c.Wait()
	if svc.submits.Load() != 1 || svc.rescans.Load() != 1 {
		t.Fatalf("expected one submit and one rescan, got %d/%d", svc.submits.Load(), svc.rescans.Load())
	}
	c.Close()
}

func TestBackoffCapped(t *testing.T) {
	c := NewClient(&fakeService{}, nil, Config{Backoff: time.Second, MaxBackoff: 5 * time.Second}, nil)
	if got := c.backoff(1); got != time.Second {
		t.Fatalf("expected 1s, got %s", got)
	}
	if got := c.backoff(3); got != 4*time.Second {
		t.Fatalf("expected 4s, got %s", got)
	}
	if got := c.backoff(10); got != 5*time.Second {
		t.Fatalf("expected cap of 5s, got %s", got)
	}
}

func TestLookupStartedBatchFinishesAfterCancel(t *testing.T) {
	svc := &fakeService{gate: make(chan struct{}), queryHit: make(chan struct{}, 1)}
	c := newTestClient(svc, Config{})
	q := digests(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Lookup(ctx, q)
		done <- err
	}()
	<-svc.queryHit
	cancel()
	close(svc.gate)
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	res, err := c.Lookup(context.Background(), q)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if r := res[q[0].Digest]; r.Unknown {
		t.Fatalf("expected the in-flight answer to be cached, got %+v", r)
	}
	if got := len(svc.calls()); got != 1 {
		t.Fatalf("expected a single request, got %d", got)
	}
}

func TestLookupWaiterOfCancelledOwnerGetsUnknown(t *testing.T) {
	svc := &fakeService{}
	c := newTestClient(svc, Config{})
	d := fmt.Sprintf("%040x", 9)

	c.mu.Lock()
	c.inflight[d] = &call{done: make(chan struct{})}
	c.mu.Unlock()

	type outcome struct {
		res map[string]Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.Lookup(context.Background(), []Query{{Digest: d}})
		done <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)
	c.resolve(d, Result{}, false)

	got := <-done
	if got.err != nil {
		t.Fatalf("lookup: %v", got.err)
	}
	r, ok := got.res[d]
	if !ok || !r.Unknown {
		t.Fatalf("expected an unknown result for %s, got %+v (present=%v)", d, r, ok)
	}
	if len(svc.calls()) != 0 {
		t.Fatalf("waiter must not query on its own")
	}
	if _, cached := c.cache.Get(d); cached {
		t.Fatalf("unknown result of a cancelled owner must not be cached")
	}
}
