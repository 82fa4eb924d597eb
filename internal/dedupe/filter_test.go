// ABOUTME: Tests for the redelivery filter
// ABOUTME: Validates windowing, capacity eviction, release, sweeping, and concurrent admission

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

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
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestFilter(t *testing.T, window time.Duration, capacity int) (*Filter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	f := NewFilter(window, capacity, 0, WithClock(clock.Now))
	t.Cleanup(f.Close)
	return f, clock
}

func TestFilter_AdmitOnce(t *testing.T) {
	f, _ := newTestFilter(t, time.Minute, 10)

	assert.True(t, f.Admit("m1"))
	assert.False(t, f.Admit("m1"), "redelivery must be rejected")
	assert.True(t, f.Seen("m1"))
	assert.False(t, f.Seen("m2"))
}

func TestFilter_WindowExpiry(t *testing.T) {
	f, clock := newTestFilter(t, time.Minute, 10)

	assert.True(t, f.Admit("m1"))
	clock.Advance(59 * time.Second)
	assert.False(t, f.Admit("m1"))

	clock.Advance(time.Second)
	assert.False(t, f.Seen("m1"))
	assert.True(t, f.Admit("m1"), "expired id is admitted again")
	assert.Equal(t, 1, f.Len())
}

func TestFilter_CapacityEvictsOldest(t *testing.T) {
	f, _ := newTestFilter(t, time.Hour, 3)

	for _, id := range []string{"a", "b", "c", "d"} {
		assert.True(t, f.Admit(id))
	}

	assert.Equal(t, 3, f.Len())
	assert.False(t, f.Seen("a"))
	assert.True(t, f.Seen("b"))
	assert.True(t, f.Seen("d"))
}

func TestFilter_Release(t *testing.T) {
	f, _ := newTestFilter(t, time.Hour, 10)

	assert.True(t, f.Admit("m1"))
	f.Release("m1")
	f.Release("never-admitted")

	assert.Equal(t, 0, f.Len())
	assert.True(t, f.Admit("m1"))
}

func TestFilter_Sweep(t *testing.T) {
	f, clock := newTestFilter(t, time.Minute, 10)

	f.Admit("old-1")
	f.Admit("old-2")
	clock.Advance(30 * time.Second)
	f.Admit("fresh")
	clock.Advance(40 * time.Second)

	assert.Equal(t, 2, f.Sweep())
	assert.Equal(t, 1, f.Len())
	assert.True(t, f.Seen("fresh"))
}

func TestFilter_Defaults(t *testing.T) {
	f := NewFilter(0, 0, 0)
	defer f.Close()

	assert.Equal(t, DefaultWindow, f.window)
	assert.Equal(t, DefaultCapacity, f.capacity)
}

func TestFilter_ConcurrentAdmitIsExclusive(t *testing.T) {
	f, _ := newTestFilter(t, time.Hour, 1000)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.Admit("same") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
}

func TestFilter_ConcurrentDistinctIDs(t *testing.T) {
	f, _ := newTestFilter(t, time.Hour, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				f.Admit(fmt.Sprintf("m-%d-%d", i, j))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 200, f.Len())
}

func TestFilter_CloseStopsSweeper(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := NewFilter(time.Minute, 10, time.Millisecond)
	f.Admit("m1")
	time.Sleep(5 * time.Millisecond)
	f.Close()
	f.Close()
}
