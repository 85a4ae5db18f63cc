package chatsync

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterCooldown(t *testing.T) {
	clk := newFakeClock()
	r := newRateLimiter(clk, 5*time.Second)

	require.True(t, r.Allowed("k"))
	r.RecordAttempt("k")
	require.False(t, r.Allowed("k"))
	require.Equal(t, 5*time.Second, r.Remaining("k"))

	clk.Advance(4 * time.Second)
	require.False(t, r.Allowed("k"))
	require.Equal(t, time.Second, r.Remaining("k"))

	clk.Advance(time.Second)
	require.True(t, r.Allowed("k"))
	require.Zero(t, r.Remaining("k"))

	require.True(t, r.Allowed("other"))
}

func TestRateLimiterPrefixCooldowns(t *testing.T) {
	clk := newFakeClock()
	r := newRateLimiter(clk, 5*time.Second)
	r.SetCooldown("read:", 3*time.Second)
	r.SetCooldown("read:slow", 10*time.Second)

	require.True(t, r.TryAcquire("read:R1"))
	require.True(t, r.TryAcquire("read:slow-room"))
	require.True(t, r.TryAcquire("silent-refresh"))

	clk.Advance(3 * time.Second)
	require.True(t, r.Allowed("read:R1"))
	require.False(t, r.Allowed("read:slow-room"), "longest prefix wins")
	require.False(t, r.Allowed("silent-refresh"), "fallback cooldown applies")
}

func TestRateLimiterTryAcquireIsAtomic(t *testing.T) {
	r := newRateLimiter(newFakeClock(), time.Minute)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.TryAcquire("k") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())
}

func TestRateLimiterReset(t *testing.T) {
	r := newRateLimiter(newFakeClock(), time.Minute)
	r.RecordAttempt("a")
	r.RecordAttempt("b")

	r.Forget("a")
	require.True(t, r.Allowed("a"))
	require.False(t, r.Allowed("b"))

	r.Reset()
	require.True(t, r.Allowed("b"))
}
