// ABOUTME: Tests for the dedupe cache used to collapse repeated event occurrences
// ABOUTME: Validates TTL expiry with a fake clock, eviction order, and concurrency safety

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func newTestCache(t *testing.T, ttl time.Duration, size int) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New(ttl, size, WithClock(clock.Now))
	t.Cleanup(c.Close)
	return c, clock
}

func TestCache_SeenAfterMark(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	assert.False(t, c.Seen("k"))
	c.Mark("k")
	assert.True(t, c.Seen("k"))
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(t, 5*time.Second, 10)

	c.Mark("k")
	clock.Advance(4 * time.Second)
	assert.True(t, c.Seen("k"))

	clock.Advance(time.Second)
	assert.False(t, c.Seen("k"))
}

func TestCache_CheckAndMark(t *testing.T) {
	c, clock := newTestCache(t, 5*time.Second, 10)

	assert.False(t, c.CheckAndMark("k"), "first occurrence is new")
	assert.True(t, c.CheckAndMark("k"), "second occurrence is a duplicate")

	clock.Advance(5 * time.Second)
	assert.False(t, c.CheckAndMark("k"), "occurrence after the window is new again")
}

func TestCache_Forget(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	c.Mark("k")
	c.Forget("k")
	assert.False(t, c.Seen("k"))
	assert.Equal(t, 0, c.Len())
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 2)

	c.Mark("a")
	clock.Advance(time.Millisecond)
	c.Mark("b")
	clock.Advance(time.Millisecond)
	c.Mark("a") // refresh moves a to the back
	c.Mark("c")

	assert.True(t, c.Seen("a"))
	assert.False(t, c.Seen("b"))
	assert.True(t, c.Seen("c"))
	assert.Equal(t, 2, c.Len())
}

func TestCache_Sweep(t *testing.T) {
	c, clock := newTestCache(t, time.Second, 10)

	c.Mark("old")
	clock.Advance(2 * time.Second)
	c.Mark("new")
	c.Sweep()

	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Seen("new"))
}

func TestCache_CheckAndMarkConcurrent(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.CheckAndMark("shared") {
				firsts.Add(1)
			}
			c.Mark(fmt.Sprintf("own-%d", i))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), firsts.Load())
}

func TestCache_CloseIdempotent(t *testing.T) {
	c := New(time.Minute, 1)
	c.Close()
	assert.NotPanics(t, c.Close)
}
