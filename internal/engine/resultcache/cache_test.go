package resultcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms-assistant/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func rows(v string) *models.ResultSet {
	return &models.ResultSet{Columns: []string{"v"}, Rows: [][]interface{}{{v}}}
}

func constant(v string, calls *int32) ComputeFunc {
	return func(context.Context) (*models.ResultSet, error) {
		atomic.AddInt32(calls, 1)
		return rows(v), nil
	}
}

func TestGetOrCompute_SecondCallIsCached(t *testing.T) {
	c := New(Config{Capacity: 10})
	var calls int32
	key := Signature(1, "r1", map[string]interface{}{"status": "risk"})

	first, cached, err := c.GetOrCompute(context.Background(), key, constant("a", &calls), Options{Category: models.CategoryInventory})
	require.NoError(t, err)
	assert.False(t, cached)

	second, cached, err := c.GetOrCompute(context.Background(), key, constant("b", &calls), Options{Category: models.CategoryInventory})
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
}

func TestGetOrCompute_ErrorsAreNotCached(t *testing.T) {
	c := New(Config{Capacity: 10})
	boom := errors.New("timeout")

	_, _, err := c.GetOrCompute(context.Background(), "k", func(context.Context) (*models.ResultSet, error) {
		return nil, boom
	}, Options{})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, c.Len())

	var calls int32
	_, cached, err := c.GetOrCompute(context.Background(), "k", constant("ok", &calls), Options{})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, int32(1), calls)
}

func TestGetOrCompute_LockNotHeldDuringCompute(t *testing.T) {
	c := New(Config{Capacity: 10})
	c.Set("other", rows("x"), Options{})

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _, _ = c.GetOrCompute(context.Background(), "slow", func(context.Context) (*models.ResultSet, error) {
			close(started)
			<-release
			return rows("slow"), nil
		}, Options{})
	}()
	<-started

	done := make(chan struct{})
	go func() {
		_, ok := c.Get("other")
		assert.True(t, ok)
		_ = c.Stats()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cache blocked while compute was running")
	}
	close(release)
}

func TestTTLExpiry(t *testing.T) {
	clock := newFakeClock()
	c := New(Config{Capacity: 10}, WithClock(clock.Now))

	c.Set("inv", rows("a"), Options{Category: models.CategoryInventory})
	c.Set("cmp", rows("b"), Options{Category: models.CategoryComparison})

	clock.Advance(2*time.Minute - time.Second)
	_, ok := c.Get("inv")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get("inv")
	assert.False(t, ok)
	_, ok = c.Get("cmp")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Expirations)
}

func TestUnknownCategoryUsesDefaultStrategy(t *testing.T) {
	clock := newFakeClock()
	c := New(Config{Capacity: 10}, WithClock(clock.Now))

	c.Set("k", rows("a"), Options{Category: "unlisted"})
	clock.Advance(DefaultStrategy.TTL)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestSweepRemovesExpiredWithoutPressure(t *testing.T) {
	clock := newFakeClock()
	c := New(Config{Capacity: 10}, WithClock(clock.Now))
	c.Set("inv", rows("a"), Options{Category: models.CategoryInventory})
	c.Set("cmp", rows("b"), Options{Category: models.CategoryComparison})

	clock.Advance(3 * time.Minute)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
}

func TestBackgroundSweep(t *testing.T) {
	clock := newFakeClock()
	c := New(Config{Capacity: 10, SweepInterval: 5 * time.Millisecond}, WithClock(clock.Now))
	c.Set("inv", rows("a"), Options{Category: models.CategoryInventory})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	clock.Advance(time.Hour)
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStopWithoutStart(t *testing.T) {
	c := New(Config{Capacity: 1})
	c.Stop()
}

func TestEvictionRemovesLowestPriorityThenLeastRecent(t *testing.T) {
	c := New(Config{Capacity: 8, EvictFraction: 0.25})

	// priority 1
	c.Set("cmp-1", rows("1"), Options{Category: models.CategoryComparison})
	c.Set("cmp-2", rows("2"), Options{Category: models.CategoryComparison})
	c.Set("cmp-3", rows("3"), Options{Category: models.CategoryComparison})
	// priority 3
	c.Set("inv-1", rows("4"), Options{Category: models.CategoryInventory})
	c.Set("inv-2", rows("5"), Options{Category: models.CategoryInventory})
	c.Set("inv-3", rows("6"), Options{Category: models.CategoryInventory})
	c.Set("inv-4", rows("7"), Options{Category: models.CategoryInventory})
	c.Set("inv-5", rows("8"), Options{Category: models.CategoryInventory})

	// cmp-1 becomes the most recently used comparison entry
	_, ok := c.Get("cmp-1")
	require.True(t, ok)

	c.Set("new", rows("9"), Options{Category: models.CategoryProduction})

	assert.Equal(t, 7, c.Len())
	assert.Equal(t, uint64(2), c.Stats().Evictions)
	for _, gone := range []string{"cmp-2", "cmp-3"} {
		_, ok := c.Get(gone)
		assert.False(t, ok, gone)
	}
	for _, kept := range []string{"cmp-1", "inv-1", "inv-5", "new"} {
		_, ok := c.Get(kept)
		assert.True(t, ok, kept)
	}
}

func TestEvictionPrefersExpiredEntries(t *testing.T) {
	clock := newFakeClock()
	c := New(Config{Capacity: 4}, WithClock(clock.Now))
	c.Set("inv", rows("a"), Options{Category: models.CategoryInventory})
	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("cmp-%d", i), rows("b"), Options{Category: models.CategoryComparison})
	}

	clock.Advance(3 * time.Minute)
	c.Set("new", rows("c"), Options{Category: models.CategoryComparison})

	assert.Equal(t, 4, c.Len())
	assert.Zero(t, c.Stats().Evictions)
	_, ok := c.Get("inv")
	assert.False(t, ok)
}

func TestSingleFlightDeduplicatesConcurrentMisses(t *testing.T) {
	c := New(Config{Capacity: 10, SingleFlight: true})
	var calls int32
	release := make(chan struct{})

	compute := func(context.Context) (*models.ResultSet, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return rows("v"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := c.GetOrCompute(context.Background(), "k", compute, Options{})
			assert.NoError(t, err)
			assert.Equal(t, "v", v.Rows[0][0])
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(5))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
	assert.Equal(t, 1, c.Len())
}

func TestObserverReceivesEvents(t *testing.T) {
	events := map[string]int{}
	c := New(Config{Capacity: 1}, WithObserver(func(event string, n int) { events[event] += n }))

	var calls int32
	_, _, _ = c.GetOrCompute(context.Background(), "a", constant("a", &calls), Options{})
	_, _, _ = c.GetOrCompute(context.Background(), "a", constant("a", &calls), Options{})
	_, _, _ = c.GetOrCompute(context.Background(), "b", constant("b", &calls), Options{})

	assert.Equal(t, 1, events[EventHit])
	assert.Equal(t, 2, events[EventMiss])
	assert.Equal(t, 1, events[EventEviction])
}

// ==========================
// Entry Metadata
// ==========================

func TestEntryTracksAccessMetadata(t *testing.T) {
	clock := newFakeClock()
	c := New(Config{
		Capacity:   10,
		Strategies: map[models.Category]Strategy{models.CategoryInventory: {TTL: time.Hour, Priority: 3}},
	}, WithClock(clock.Now))
	created := clock.Now()

	value := &models.ResultSet{
		Columns: []string{"material", "qty"},
		Rows:    [][]interface{}{{"PCB", int64(12)}, {"Capacitor", nil}},
	}
	c.Set("k", value, Options{Category: models.CategoryInventory})

	e, ok := c.Peek("k")
	require.True(t, ok)
	assert.Equal(t, "k", e.Key)
	assert.Same(t, value, e.Value)
	assert.Equal(t, models.CategoryInventory, e.DomainCategory)
	assert.Equal(t, created, e.CreatedAt)
	assert.Equal(t, created.Add(time.Hour), e.ExpiresAt)
	assert.Equal(t, created, e.LastAccessed)
	assert.Zero(t, e.AccessCount)
	assert.Equal(t, 3, e.Priority)
	// "material"+"qty" + "PCB" + 8 + "Capacitor" + nil
	assert.Equal(t, 11+3+8+9, e.SizeEstimate)

	clock.Advance(time.Minute)
	_, ok = c.Get("k")
	require.True(t, ok)
	clock.Advance(time.Minute)
	_, ok = c.Get("k")
	require.True(t, ok)

	e, ok = c.Peek("k")
	require.True(t, ok)
	assert.Equal(t, uint64(2), e.AccessCount)
	assert.Equal(t, created.Add(2*time.Minute), e.LastAccessed)
	assert.Equal(t, created, e.CreatedAt)
	assert.Equal(t, uint64(2), c.Stats().Hits, "peek is not a hit")
	assert.Equal(t, e.SizeEstimate, c.Stats().ApproxBytes)
}

func TestPeekSkipsExpiredAndMissing(t *testing.T) {
	clock := newFakeClock()
	c := New(Config{Capacity: 10}, WithClock(clock.Now))
	c.Set("k", rows("a"), Options{Category: models.CategoryInventory})

	_, ok := c.Peek("missing")
	assert.False(t, ok)

	clock.Advance(time.Hour)
	_, ok = c.Peek("k")
	assert.False(t, ok)
	assert.Zero(t, c.Stats().Misses)
}

func TestClear(t *testing.T) {
	c := New(Config{Capacity: 4})
	c.Set("a", rows("a"), Options{})
	c.Clear()
	assert.Zero(t, c.Len())
}

func TestSignature(t *testing.T) {
	a := Signature(1, "r1", map[string]interface{}{"status": "risk", "factory": "Plant A"})
	b := Signature(1, "r1", map[string]interface{}{"factory": "Plant A", "status": "risk"})
	assert.Equal(t, a, b)
	assert.Regexp(t, `^nlq:[0-9a-f]{64}$`, a)

	assert.NotEqual(t, a, Signature(2, "r1", map[string]interface{}{"status": "risk", "factory": "Plant A"}))
	assert.NotEqual(t, Signature(1, "r1", map[string]interface{}{"n": int64(1)}), Signature(1, "r1", map[string]interface{}{"n": "1"}))
	assert.NotEqual(t, Signature(1, "r1", map[string]interface{}{"n": nil}), Signature(1, "r1", map[string]interface{}{"n": "null"}))

	assert.NotEqual(t, a, Signature(1, "r2", map[string]interface{}{"status": "risk", "factory": "Plant A"}))

	day := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	assert.Equal(t,
		Signature(1, "r1", map[string]interface{}{"from": day}),
		Signature(1, "r1", map[string]interface{}{"from": day.In(time.FixedZone("CST", 8*3600))}))
}

func TestRevision(t *testing.T) {
	rule := models.IntentRule{
		ID:            1,
		Version:       1,
		QueryTemplate: "SELECT material, qty FROM inventory WHERE status = ?",
		ResultColumns: []string{"material", "qty"},
	}
	base := Revision(rule)
	assert.Equal(t, base, Revision(rule))

	renamed := rule
	renamed.Name = "stock at risk"
	renamed.TriggerWords = []string{"stock"}
	assert.Equal(t, base, Revision(renamed), "matching metadata does not change results")

	bumped := rule
	bumped.Version = 2
	assert.NotEqual(t, base, Revision(bumped))

	rewritten := rule
	rewritten.QueryTemplate = "SELECT material FROM inventory WHERE status = ?"
	assert.NotEqual(t, base, Revision(rewritten))

	narrowed := rule
	narrowed.ResultColumns = []string{"material"}
	assert.NotEqual(t, base, Revision(narrowed))
}
