package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeEngine struct {
	initErr   error
	block     chan struct{}
	started   chan struct{}
	initCalls *atomic.Int32
	shutdowns *atomic.Int32
	ready     atomic.Bool
}

func (f *fakeEngine) Initialize(ctx context.Context) error {
	if f.initCalls != nil {
		f.initCalls.Add(1)
	}
	if f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.initErr != nil {
		return f.initErr
	}
	f.ready.Store(true)
	return nil
}

func (f *fakeEngine) Ready() bool { return f.ready.Load() }

func (f *fakeEngine) Shutdown() {
	f.ready.Store(false)
	if f.shutdowns != nil {
		f.shutdowns.Add(1)
	}
}

func registerCounted(c *Cache[*fakeEngine], name string, calls, shutdowns *atomic.Int32) {
	c.Register(name, func() (*fakeEngine, error) {
		return &fakeEngine{initCalls: calls, shutdowns: shutdowns}, nil
	})
}

func TestGetOrLoadUnknownEngine(t *testing.T) {
	c := NewCache[*fakeEngine](CapabilitySTT, 2, newLogger())
	if _, err := c.GetOrLoad(context.Background(), "ghost"); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestGetOrLoadCachesInstance(t *testing.T) {
	c := NewCache[*fakeEngine](CapabilitySTT, 2, newLogger())
	var calls atomic.Int32
	registerCounted(c, "a", &calls, nil)

	first, err := c.GetOrLoad(context.Background(), "a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	second, err := c.GetOrLoad(context.Background(), "a")
	if err != nil {
		t.Fatalf("cached load: %v", err)
	}
	if first != second {
		t.Fatal("expected the cached instance on second load")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 initialization, got %d", calls.Load())
	}
}

func TestFailedInitIsNotCached(t *testing.T) {
	c := NewCache[*fakeEngine](CapabilitySTT, 2, newLogger())
	boom := errors.New("model missing")
	c.Register("bad", func() (*fakeEngine, error) {
		return &fakeEngine{initErr: boom}, nil
	})

	_, err := c.GetOrLoad(context.Background(), "bad")
	var initErr *InitError
	if !errors.As(err, &initErr) {
		t.Fatalf("expected InitError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	if c.ReadyCount() != 0 {
		t.Fatalf("failed instance must not be cached, ready=%d", c.ReadyCount())
	}
}

func TestSwitchEvictsPreviousOnlyAfterReady(t *testing.T) {
	c := NewCache[*fakeEngine](CapabilitySTT, 1, newLogger())
	var aCalls, aShutdowns atomic.Int32
	registerCounted(c, "a", &aCalls, &aShutdowns)

	release := make(chan struct{})
	started := make(chan struct{})
	c.Register("b", func() (*fakeEngine, error) {
		return &fakeEngine{block: release, started: started}, nil
	})

	if err := c.Switch(context.Background(), "a"); err != nil {
		t.Fatalf("switch a: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var switchErr error
	go func() {
		defer wg.Done()
		switchErr = c.Switch(context.Background(), "b")
	}()

	<-started
	// While b is mid-load, a is still cached and current.
	if !c.Cached("a") {
		t.Fatal("a evicted before b became ready")
	}
	if c.CurrentName() != "a" {
		t.Fatalf("expected a current during load, got %q", c.CurrentName())
	}

	close(release)
	wg.Wait()
	if switchErr != nil {
		t.Fatalf("switch b: %v", switchErr)
	}
	if c.CurrentName() != "b" {
		t.Fatalf("expected current b, got %q", c.CurrentName())
	}
	if c.Cached("a") {
		t.Fatal("a should be evicted after b is current")
	}
	if aShutdowns.Load() != 1 {
		t.Fatalf("expected a shut down once, got %d", aShutdowns.Load())
	}
	if c.ReadyCount() != 1 {
		t.Fatalf("cache exceeds capacity: %d", c.ReadyCount())
	}

	// Reloading a is a fresh cache miss.
	if _, err := c.GetOrLoad(context.Background(), "a"); err != nil {
		t.Fatalf("reload a: %v", err)
	}
	if aCalls.Load() != 2 {
		t.Fatalf("expected a to initialize twice, got %d", aCalls.Load())
	}
}

func TestFailedSwitchKeepsCurrentEngine(t *testing.T) {
	c := NewCache[*fakeEngine](CapabilitySTT, 1, newLogger())
	var aShutdowns atomic.Int32
	registerCounted(c, "a", nil, &aShutdowns)
	c.Register("bad", func() (*fakeEngine, error) {
		return &fakeEngine{initErr: errors.New("no such model")}, nil
	})

	if err := c.Switch(context.Background(), "a"); err != nil {
		t.Fatalf("switch a: %v", err)
	}
	var initErr *InitError
	if err := c.Switch(context.Background(), "bad"); !errors.As(err, &initErr) {
		t.Fatalf("expected InitError, got %v", err)
	}
	if c.CurrentName() != "a" {
		t.Fatalf("failed switch displaced current engine: %q", c.CurrentName())
	}
	if !c.Cached("a") {
		t.Fatal("failed switch evicted the working instance")
	}
	if aShutdowns.Load() != 0 {
		t.Fatal("failed switch shut down the working instance")
	}
}

func TestSwitchMidLoadReturnsBusy(t *testing.T) {
	c := NewCache[*fakeEngine](CapabilitySTT, 2, newLogger())
	release := make(chan struct{})
	started := make(chan struct{})
	c.Register("slow", func() (*fakeEngine, error) {
		return &fakeEngine{block: release, started: started}, nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = c.Switch(context.Background(), "slow")
	}()

	<-started
	if err := c.Switch(context.Background(), "slow"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy mid-load, got %v", err)
	}
	close(release)
	wg.Wait()
}

func TestConcurrentGetOrLoadLoadsOnce(t *testing.T) {
	c := NewCache[*fakeEngine](CapabilitySTT, 2, newLogger())
	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})
	c.Register("a", func() (*fakeEngine, error) {
		return &fakeEngine{initCalls: &calls, block: release, started: started}, nil
	})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.GetOrLoad(context.Background(), "a")
		}(i)
	}

	<-started
	close(release)
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("load %d: %v", i, err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single initialization, got %d", calls.Load())
	}
}

func TestEvictIsIdempotent(t *testing.T) {
	c := NewCache[*fakeEngine](CapabilitySummarization, 2, newLogger())
	var shutdowns atomic.Int32
	registerCounted(c, "a", nil, &shutdowns)

	if _, err := c.GetOrLoad(context.Background(), "a"); err != nil {
		t.Fatalf("load: %v", err)
	}
	c.Evict("a")
	c.Evict("a")
	c.Evict("never-loaded")
	if shutdowns.Load() != 1 {
		t.Fatalf("expected one shutdown, got %d", shutdowns.Load())
	}
	if c.ReadyCount() != 0 {
		t.Fatalf("expected empty cache, got %d", c.ReadyCount())
	}
}

func TestOffCurrentLoadRetrimsOnNextHit(t *testing.T) {
	c := NewCache[*fakeEngine](CapabilitySTT, 1, newLogger())
	var bShutdowns atomic.Int32
	registerCounted(c, "a", nil, nil)
	registerCounted(c, "b", nil, &bShutdowns)

	if err := c.Switch(context.Background(), "a"); err != nil {
		t.Fatalf("switch a: %v", err)
	}
	// Loading b next to the pinned current engine overshoots capacity.
	if _, err := c.GetOrLoad(context.Background(), "b"); err != nil {
		t.Fatalf("load b: %v", err)
	}

	// Touching the current engine trims the cache back to its bound.
	if _, err := c.GetOrLoad(context.Background(), "a"); err != nil {
		t.Fatalf("hit a: %v", err)
	}
	if c.ReadyCount() != 1 {
		t.Fatalf("cache still over capacity: %d", c.ReadyCount())
	}
	if c.Cached("b") {
		t.Fatal("expected b evicted on re-trim")
	}
	if bShutdowns.Load() != 1 {
		t.Fatalf("expected b shut down once, got %d", bShutdowns.Load())
	}
	if c.CurrentName() != "a" {
		t.Fatalf("re-trim displaced current engine: %q", c.CurrentName())
	}
}

func TestCapacityBoundHolds(t *testing.T) {
	c := NewCache[*fakeEngine](CapabilitySTT, 2, newLogger())
	now := time.Now()
	c.clock = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	for _, name := range []string{"a", "b", "c", "d"} {
		registerCounted(c, name, nil, nil)
	}
	for _, name := range []string{"a", "b", "c", "d"} {
		if _, err := c.GetOrLoad(context.Background(), name); err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
		if c.ReadyCount() > 2 {
			t.Fatalf("cache exceeded capacity after loading %s: %d", name, c.ReadyCount())
		}
	}
	// LRU order: c and d remain.
	if c.Cached("a") || c.Cached("b") {
		t.Fatal("expected the two oldest entries evicted")
	}
	if !c.Cached("c") || !c.Cached("d") {
		t.Fatal("expected the two newest entries cached")
	}
}
