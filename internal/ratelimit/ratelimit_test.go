package ratelimit

import (
	"fmt"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestRateLimiterBurstAndRefill(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	rl := NewRateLimiter(2, 3)
	rl.now = clock.Now

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("a"), "request %d within burst", i)
	}
	assert.False(t, rl.Allow("a"))

	// other clients have their own bucket
	assert.True(t, rl.Allow("b"))

	clock.Advance(500 * time.Millisecond)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	clock.Advance(10 * time.Second)
	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("a"))
	}
	assert.False(t, rl.Allow("a"), "refill is capped at burst")
}

func TestRateLimiterDefaultBurst(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	rl := NewRateLimiter(1, 0)
	rl.now = clock.Now

	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
}

func TestRateLimiterConcurrent(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	rl := NewRateLimiter(1, 50)
	rl.now = clock.Now

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow("shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "10.1.2.3", ClientKey(r))

	r.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", ClientKey(r))
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	start := time.Unix(1700000000, 0)
	clock := &fakeClock{t: start}
	rl := NewRateLimiter(1, 1)
	rl.now = clock.Now

	assert.True(t, rl.Allow("busy"))
	for i := 0; i < 3000; i++ {
		rl.Allow(fmt.Sprintf("10.0.%d.%d", i/256, i%256))
	}
	assert.Equal(t, 3001, rl.Len())

	clock.Advance(500 * time.Millisecond)
	rl.Allow("busy")

	clock.Advance(700 * time.Millisecond)
	assert.True(t, rl.Allow("fresh"))

	assert.Equal(t, 2, rl.Len(), "only clients seen within the refill window remain")
}

func TestRateLimiterBoundedUnderChurn(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	rl := NewRateLimiter(1, 1)
	rl.now = clock.Now

	for i := 0; i < 100000; i++ {
		clock.Advance(time.Millisecond)
		rl.Allow(strconv.Itoa(i))
	}
	assert.Less(t, rl.Len(), 2500)
}
