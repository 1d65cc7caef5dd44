package georide

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/georide-trips/tripmap/internal/storage"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// mockFetcher counts upstream calls.
type mockFetcher struct {
	mu      sync.Mutex
	calls   int
	err     error
	gate    chan struct{} // when non-nil, every call blocks until closed or ctx is done
	results []storage.Position
}

func (m *mockFetcher) ListPositions(ctx context.Context, trackerID int64, from, to time.Time) ([]storage.Position, error) {
	m.mu.Lock()
	m.calls++
	gate := m.gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	if m.results != nil {
		return m.results, nil
	}
	return []storage.Position{{TripID: trackerID, FixTime: from}}, nil
}

func (m *mockFetcher) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

var (
	t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
)

func TestCacheHitSkipsUpstream(t *testing.T) {
	f := &mockFetcher{}
	clock := &fakeClock{now: t0}
	c := NewPositionCache(f, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ps, err := c.GetPositions(ctx, 7, t0, t1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(ps) != 1 {
			t.Fatalf("len = %d, want 1", len(ps))
		}
	}
	if f.Calls() != 1 {
		t.Errorf("upstream calls = %d, want 1", f.Calls())
	}

	// A different window is a different key.
	if _, err := c.GetPositions(ctx, 7, t0, t1.Add(time.Second)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Calls() != 2 {
		t.Errorf("upstream calls = %d, want 2", f.Calls())
	}
}

func TestCacheTTLBoundary(t *testing.T) {
	f := &mockFetcher{}
	clock := &fakeClock{now: t0}
	c := NewPositionCache(f, WithClock(clock.Now), WithTTL(5*time.Minute))
	ctx := context.Background()

	_, _ = c.GetPositions(ctx, 7, t0, t1)

	// Exactly TTL old is still valid; expiry is strictly greater.
	clock.Advance(5 * time.Minute)
	_, _ = c.GetPositions(ctx, 7, t0, t1)
	if f.Calls() != 1 {
		t.Fatalf("calls at TTL = %d, want 1", f.Calls())
	}

	clock.Advance(time.Millisecond)
	_, _ = c.GetPositions(ctx, 7, t0, t1)
	if f.Calls() != 2 {
		t.Errorf("calls after TTL = %d, want 2", f.Calls())
	}
}

func TestCacheErrorsAreNotCached(t *testing.T) {
	f := &mockFetcher{err: errors.New("upstream down")}
	c := NewPositionCache(f)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.GetPositions(ctx, 7, t0, t1); err == nil {
			t.Fatal("expected error, got nil")
		}
	}
	if f.Calls() != 2 {
		t.Errorf("upstream calls = %d, want 2", f.Calls())
	}
	if st := c.Stats(); st.TotalEntries != 0 {
		t.Errorf("TotalEntries = %d, want 0", st.TotalEntries)
	}
}

func TestCacheEvictsOldestAboveCapacity(t *testing.T) {
	f := &mockFetcher{}
	clock := &fakeClock{now: t0}
	c := NewPositionCache(f, WithClock(clock.Now), WithMaxEntries(3), WithTTL(time.Hour))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = c.GetPositions(ctx, int64(i), t0, t1)
		clock.Advance(time.Second)
	}
	if st := c.Stats(); st.TotalEntries != 3 {
		t.Fatalf("TotalEntries = %d, want 3", st.TotalEntries)
	}

	// Tracker 0 was the oldest and must be gone; tracker 1 must still hit.
	before := f.Calls()
	_, _ = c.GetPositions(ctx, 1, t0, t1)
	if f.Calls() != before {
		t.Errorf("tracker 1 was evicted")
	}
	_, _ = c.GetPositions(ctx, 0, t0, t1)
	if f.Calls() != before+1 {
		t.Errorf("tracker 0 was not evicted")
	}
}

func TestCacheEvictionRunsOnlyOnMiss(t *testing.T) {
	f := &mockFetcher{}
	clock := &fakeClock{now: t0}
	c := NewPositionCache(f, WithClock(clock.Now), WithTTL(time.Minute))
	ctx := context.Background()

	_, _ = c.GetPositions(ctx, 1, t0, t1)
	_, _ = c.GetPositions(ctx, 2, t0, t1)
	clock.Advance(2 * time.Minute)

	st := c.Stats()
	if st.TotalEntries != 2 || st.ExpiredEntries != 2 || st.ValidEntries != 0 {
		t.Fatalf("stats = %+v, want 2 expired entries", st)
	}

	_, _ = c.GetPositions(ctx, 3, t0, t1)
	st = c.Stats()
	if st.TotalEntries != 1 || st.ValidEntries != 1 {
		t.Errorf("stats after miss = %+v, want only the new entry", st)
	}
	if st.MaxSize != DefaultCacheMaxEntries || st.TTLMinutes != 1 {
		t.Errorf("stats limits = %+v", st)
	}
}

func TestCacheMaxEntriesIsAtLeastOne(t *testing.T) {
	for _, n := range []int{0, -3} {
		f := &mockFetcher{}
		c := NewPositionCache(f, WithMaxEntries(n))

		ps, err := c.GetPositions(context.Background(), 7, t0, t1)
		if err != nil || len(ps) != 1 {
			t.Fatalf("max %d: len = %d, err = %v", n, len(ps), err)
		}
		if st := c.Stats(); st.TotalEntries != 1 || st.MaxSize != 1 {
			t.Errorf("max %d: stats = %+v, want the new entry kept and MaxSize 1", n, st)
		}
	}
}

func TestCachePreloadDoesNotEvict(t *testing.T) {
	clock := &fakeClock{now: t0}
	c := NewPositionCache(&mockFetcher{}, WithClock(clock.Now), WithMaxEntries(1), WithTTL(time.Minute))

	c.Preload(1, t0, t1, []storage.Position{{ID: 1}})
	clock.Advance(2 * time.Minute)
	c.Preload(2, t0, t1, []storage.Position{{ID: 2}})
	c.Preload(3, t0, t1, []storage.Position{{ID: 3}})

	st := c.Stats()
	if st.TotalEntries != 3 || st.ExpiredEntries != 1 {
		t.Errorf("stats = %+v, want 3 entries with 1 expired", st)
	}
}

func TestCacheClearAndPreload(t *testing.T) {
	f := &mockFetcher{}
	c := NewPositionCache(f)
	ctx := context.Background()

	c.Preload(7, t0, t1, []storage.Position{{ID: 1}, {ID: 2}})
	ps, err := c.GetPositions(ctx, 7, t0, t1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ps) != 2 || f.Calls() != 0 {
		t.Fatalf("len = %d, calls = %d; want 2 cached positions and no upstream call", len(ps), f.Calls())
	}

	c.Clear()
	if st := c.Stats(); st.TotalEntries != 0 {
		t.Errorf("TotalEntries after Clear = %d, want 0", st.TotalEntries)
	}
}

func TestCacheCollapsesConcurrentMisses(t *testing.T) {
	f := &mockFetcher{gate: make(chan struct{})}
	c := NewPositionCache(f)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetPositions(ctx, 7, t0, t1)
			errs <- err
		}()
	}

	// Let the callers pile up on the in-flight fetch, then release it.
	deadline := time.Now().Add(time.Second)
	for f.Calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	// Late callers may arrive after the entry is stored; they hit the cache.
	if f.Calls() != 1 {
		t.Errorf("upstream calls = %d, want 1", f.Calls())
	}
}

func TestCacheSharedFetchSurvivesCallerCancel(t *testing.T) {
	f := &mockFetcher{gate: make(chan struct{})}
	c := NewPositionCache(f)

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := c.GetPositions(ctxA, 7, t0, t1)
		errA <- err
	}()

	deadline := time.Now().Add(time.Second)
	for f.Calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	type result struct {
		n   int
		err error
	}
	resB := make(chan result, 1)
	go func() {
		ps, err := c.GetPositions(context.Background(), 7, t0, t1)
		resB <- result{len(ps), err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("cancelled caller: err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(f.gate)
	select {
	case r := <-resB:
		if r.err != nil || r.n != 1 {
			t.Fatalf("live caller: positions = %d, err = %v; want 1 position", r.n, r.err)
		}
	case <-time.After(time.Second):
		t.Fatal("live caller did not return")
	}
	if f.Calls() != 1 {
		t.Errorf("upstream calls = %d, want 1", f.Calls())
	}
	if st := c.Stats(); st.TotalEntries != 1 {
		t.Errorf("TotalEntries = %d, want the shared result cached", st.TotalEntries)
	}
}

func TestCacheFetchTimeoutBoundsSharedFetch(t *testing.T) {
	f := &mockFetcher{gate: make(chan struct{})}
	defer close(f.gate)
	c := NewPositionCache(f, WithFetchTimeout(20*time.Millisecond))

	_, err := c.GetPositions(context.Background(), 7, t0, t1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestCacheKeyIsCanonicalUTC(t *testing.T) {
	paris := time.FixedZone("CET", 3600)
	a := CacheKey(7, t0, t1)
	b := CacheKey(7, t0.In(paris), t1.In(paris))
	if a != b {
		t.Errorf("keys differ across zones: %q vs %q", a, b)
	}
	if a != "7:2024-03-01T08:00:00Z:2024-03-01T09:00:00Z" {
		t.Errorf("key = %q", a)
	}
}
