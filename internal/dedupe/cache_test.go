// ABOUTME: Tests for the envelope id dedupe window.
// ABOUTME: Validates TTL expiry, size bound, refresh order, reset, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCache(ttl time.Duration, size int) (*Cache, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := New(ttl, size)
	c.now = clk.now
	return c, clk
}

func TestCache_FirstSightingIsNotDuplicate(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)

	assert.False(t, c.Seen("evt-1"))
	assert.True(t, c.Seen("evt-1"))
	assert.False(t, c.Seen("evt-2"))
}

func TestCache_EmptyKeyNeverDuplicate(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)

	assert.False(t, c.Seen(""))
	assert.False(t, c.Seen(""))
	assert.Equal(t, 0, c.Len())
}

func TestCache_Expiry(t *testing.T) {
	c, clk := newTestCache(time.Minute, 10)

	c.Seen("evt-1")
	clk.advance(59 * time.Second)
	assert.True(t, c.Seen("evt-1"), "within ttl, refreshed")

	clk.advance(59 * time.Second)
	assert.True(t, c.Seen("evt-1"), "refresh extended the window")

	clk.advance(2 * time.Minute)
	assert.False(t, c.Seen("evt-1"), "expired")
}

func TestCache_LenPrunesExpired(t *testing.T) {
	c, clk := newTestCache(time.Minute, 10)

	c.Seen("a")
	clk.advance(30 * time.Second)
	c.Seen("b")
	assert.Equal(t, 2, c.Len())

	clk.advance(45 * time.Second)
	assert.Equal(t, 1, c.Len())
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c, clk := newTestCache(time.Hour, 3)

	c.Seen("a")
	clk.advance(time.Second)
	c.Seen("b")
	clk.advance(time.Second)
	c.Seen("c")
	clk.advance(time.Second)
	c.Seen("a") // refresh a, b is now oldest
	clk.advance(time.Second)
	c.Seen("d")

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Seen("b"), "b should have been evicted")
}

func TestCache_Reset(t *testing.T) {
	c, _ := newTestCache(time.Hour, 10)
	c.Seen("a")
	c.Seen("b")

	c.Reset()

	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Seen("a"))
}

func TestCache_DefaultSize(t *testing.T) {
	c := New(time.Minute, 0)
	assert.Equal(t, DefaultMaxSize, c.maxSize)
}

func TestCache_ConcurrentSeenMarksOnce(t *testing.T) {
	c := New(time.Minute, 1000)

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Seen("shared") {
				fresh.Add(1)
			}
			c.Seen(fmt.Sprintf("own-%d", i))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load())
	assert.Equal(t, 51, c.Len())
}
