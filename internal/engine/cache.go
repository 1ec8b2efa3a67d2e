package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Cache maps engine names to ready instances for one capability class. It
// loads lazily, bounds memory with LRU eviction, and supports switching the
// current engine without unloading the previous one first: a new instance
// initializes in a temporary slot and is only published into the cache once
// Ready, so a failed switch never displaces a working engine.
//
// The mutex protects cache bookkeeping only. Initialize runs outside it, so
// a slow model load never blocks readers of other entries.
type Cache[E Instance] struct {
	capability Capability
	max        int
	log        *slog.Logger
	clock      func() time.Time

	mu        sync.Mutex
	factories map[string]Factory[E]
	entries   map[string]*entry[E]
	current   string
	loading   map[string]chan struct{}
	loadSeq   uint64

	evictCounter metric.Int64Counter
	loadCounter  metric.Int64Counter
}

type entry[E Instance] struct {
	instance E
	state    State
	lastUsed time.Time
	loadSeq  uint64
}

// NewCache creates a cache holding at most max ready instances.
func NewCache[E Instance](capability Capability, max int, log *slog.Logger) *Cache[E] {
	c := &Cache[E]{
		capability: capability,
		max:        max,
		log:        log.With(slog.String("component", "engine-cache"), slog.String("capability", string(capability))),
		clock:      time.Now,
		factories:  make(map[string]Factory[E]),
		entries:    make(map[string]*entry[E]),
		loading:    make(map[string]chan struct{}),
	}
	meter := otel.Meter("github.com/openscribe/scribe-core/engine")
	if counter, err := meter.Int64Counter("scribe.engine.evictions",
		metric.WithDescription("Engine instances evicted from the cache")); err == nil {
		c.evictCounter = counter
	}
	if counter, err := meter.Int64Counter("scribe.engine.loads",
		metric.WithDescription("Engine instances loaded")); err == nil {
		c.loadCounter = counter
	}
	return c
}

// Register adds a factory under the given name. Later registrations
// replace earlier ones.
func (c *Cache[E]) Register(name string, factory Factory[E]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[name] = factory
}

// Registered lists the registered engine names.
func (c *Cache[E]) Registered() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.factories))
	for name := range c.factories {
		names = append(names, name)
	}
	return names
}

// GetOrLoad returns a ready instance for name, loading it on first use.
// Callers arriving during a load wait for it instead of loading twice. A hit
// also re-trims the cache: loading past capacity next to a pinned current
// engine leaves an extra entry, which the next touch of another name evicts.
func (c *Cache[E]) GetOrLoad(ctx context.Context, name string) (E, error) {
	var zero E
	for {
		c.mu.Lock()
		if e, ok := c.entries[name]; ok && e.state == StateReady {
			e.lastUsed = c.clock()
			inst := e.instance
			evicted := c.enforceCapacityLocked(name)
			c.mu.Unlock()
			for _, ev := range evicted {
				ev.Shutdown()
			}
			return inst, nil
		}
		if ch, inflight := c.loading[name]; inflight {
			c.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
		factory, ok := c.factories[name]
		if !ok {
			c.mu.Unlock()
			return zero, fmt.Errorf("%w: %s %q", ErrNotRegistered, c.capability, name)
		}
		ch := make(chan struct{})
		c.loading[name] = ch
		c.mu.Unlock()

		inst, err := c.load(ctx, name, factory)

		c.mu.Lock()
		delete(c.loading, name)
		close(ch)
		if err != nil {
			c.mu.Unlock()
			return zero, err
		}
		evicted := c.insertLocked(name, inst)
		c.mu.Unlock()

		for _, ev := range evicted {
			ev.Shutdown()
		}
		return inst, nil
	}
}

// load builds and initializes an instance in a temporary slot, outside the
// cache mutex.
func (c *Cache[E]) load(ctx context.Context, name string, factory Factory[E]) (E, error) {
	var zero E
	start := c.clock()
	inst, err := factory()
	if err != nil {
		return zero, &InitError{Name: name, Err: err}
	}
	if err := inst.Initialize(ctx); err != nil {
		inst.Shutdown()
		return zero, &InitError{Name: name, Err: err}
	}
	if c.loadCounter != nil {
		c.loadCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("capability", string(c.capability))))
	}
	c.log.Info("engine loaded",
		slog.String("engine", name),
		slog.Duration("latency", c.clock().Sub(start)))
	return inst, nil
}

// insertLocked publishes a ready instance, then trims the cache back to
// capacity. The entry just inserted and the current engine are never chosen
// as victims, so a fresh load can briefly coexist with the engine it will
// replace; Switch trims again once "current" moves. Returns instances for
// the caller to shut down after releasing the mutex.
func (c *Cache[E]) insertLocked(name string, inst E) []E {
	var evicted []E
	if old, ok := c.entries[name]; ok {
		delete(c.entries, name)
		old.state = StateEvicted
		evicted = append(evicted, old.instance)
	}
	c.loadSeq++
	c.entries[name] = &entry[E]{
		instance: inst,
		state:    StateReady,
		lastUsed: c.clock(),
		loadSeq:  c.loadSeq,
	}
	return append(evicted, c.enforceCapacityLocked(name)...)
}

// enforceCapacityLocked evicts LRU entries until the cache fits the budget,
// skipping the current engine and the protected name.
func (c *Cache[E]) enforceCapacityLocked(protected string) []E {
	var evicted []E
	for len(c.entries) > c.max {
		victim := c.victimLocked(protected)
		if victim == "" {
			break
		}
		e := c.entries[victim]
		delete(c.entries, victim)
		e.state = StateEvicted
		evicted = append(evicted, e.instance)
		if c.evictCounter != nil {
			c.evictCounter.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("capability", string(c.capability))))
		}
		c.log.Info("evicted engine", slog.String("engine", victim))
	}
	return evicted
}

// victimLocked picks the least recently used entry that is neither current
// nor protected.
func (c *Cache[E]) victimLocked(protected string) string {
	victim := ""
	var victimEntry *entry[E]
	for name, e := range c.entries {
		if name == c.current || name == protected {
			continue
		}
		if victimEntry == nil ||
			e.lastUsed.Before(victimEntry.lastUsed) ||
			(e.lastUsed.Equal(victimEntry.lastUsed) && e.loadSeq < victimEntry.loadSeq) {
			victim = name
			victimEntry = e
		}
	}
	return victim
}

// Switch loads name if needed and marks it current for the capability
// class. A failed load leaves the previous current engine untouched.
// Switching to an engine that is already mid-load returns ErrBusy.
func (c *Cache[E]) Switch(ctx context.Context, name string) error {
	c.mu.Lock()
	if _, inflight := c.loading[name]; inflight {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s %q", ErrBusy, c.capability, name)
	}
	c.mu.Unlock()

	if _, err := c.GetOrLoad(ctx, name); err != nil {
		return err
	}

	c.mu.Lock()
	previous := c.current
	c.current = name
	if e, ok := c.entries[name]; ok {
		e.lastUsed = c.clock()
	}
	evicted := c.enforceCapacityLocked(name)
	c.mu.Unlock()

	for _, ev := range evicted {
		ev.Shutdown()
	}
	if previous != name {
		c.log.Info("switched engine",
			slog.String("from", previous),
			slog.String("to", name))
	}
	return nil
}

// Current returns the instance marked current, if any.
func (c *Cache[E]) Current() (E, string, bool) {
	var zero E
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == "" {
		return zero, "", false
	}
	e, ok := c.entries[c.current]
	if !ok || e.state != StateReady {
		return zero, c.current, false
	}
	e.lastUsed = c.clock()
	return e.instance, c.current, true
}

// CurrentName returns the name marked current, which may not be loaded yet.
func (c *Cache[E]) CurrentName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Evict releases a cached instance. It is idempotent and a no-op for
// unknown names.
func (c *Cache[E]) Evict(name string) {
	c.mu.Lock()
	e, ok := c.entries[name]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.entries, name)
	if c.current == name {
		c.current = ""
	}
	e.state = StateEvicted
	inst := e.instance
	c.mu.Unlock()
	inst.Shutdown()
	c.log.Info("evicted engine", slog.String("engine", name))
}

// ReadyCount returns the number of ready cached instances.
func (c *Cache[E]) ReadyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, e := range c.entries {
		if e.state == StateReady {
			count++
		}
	}
	return count
}

// Cached reports whether name holds a ready cached instance.
func (c *Cache[E]) Cached(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	return ok && e.state == StateReady
}

// Statuses describes the cache contents for status reporting.
func (c *Cache[E]) Statuses() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	statuses := make([]Status, 0, len(c.entries))
	for name, e := range c.entries {
		statuses = append(statuses, Status{
			Name:     name,
			State:    e.state.String(),
			Current:  name == c.current,
			Ready:    e.state == StateReady,
			LoadSeq:  e.loadSeq,
			LastUsed: e.lastUsed.UTC().Format(time.RFC3339),
		})
	}
	return statuses
}

// Close evicts every cached instance.
func (c *Cache[E]) Close() {
	c.mu.Lock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	c.mu.Unlock()
	for _, name := range names {
		c.Evict(name)
	}
}
