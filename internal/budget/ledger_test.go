package budget

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/marketing-pipeline/internal/config"
)

// ledgers yields every backend available here. Redis joins when
// PIPELINE_TEST_REDIS_URL is set.
func ledgers(t *testing.T) map[string]Ledger {
	out := map[string]Ledger{"memory": NewMemoryLedger(time.Hour)}
	if url := os.Getenv("PIPELINE_TEST_REDIS_URL"); url != "" {
		opts, err := redis.ParseURL(url)
		require.NoError(t, err)
		rdb := redis.NewClient(opts)
		require.NoError(t, rdb.FlushDB(context.Background()).Err())
		t.Cleanup(func() { rdb.Close() })
		out["redis"] = NewRedisLedger(rdb, 10*time.Second, time.Hour)
	}
	return out
}

func TestLedger_SerializesSameChannel(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var inside, maxInside atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 4; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					unlock, err := l.Lock(ctx, "acme/stride", []string{"social", "search"})
					if !assert.NoError(t, err) {
						return
					}
					n := inside.Add(1)
					for {
						m := maxInside.Load()
						if n <= m || maxInside.CompareAndSwap(m, n) {
							break
						}
					}
					time.Sleep(5 * time.Millisecond)
					inside.Add(-1)
					unlock()
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), maxInside.Load(), "two holders overlapped")
		})
	}
}

func TestLedger_OtherTenantsDoNotBlock(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			unlock, err := l.Lock(ctx, "acme/a", []string{"search"})
			require.NoError(t, err)
			defer unlock()

			ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
			defer cancel()
			other, err := l.Lock(ctx, "acme/b", []string{"search"})
			require.NoError(t, err)
			other()
		})
	}
}

func TestLedger_LockHonorsContext(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			unlock, err := l.Lock(context.Background(), "acme/stride", []string{"search"})
			require.NoError(t, err)
			defer unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			defer cancel()
			_, err = l.Lock(ctx, "acme/stride", []string{"display", "search"})
			require.ErrorIs(t, err, context.DeadlineExceeded)

			// "display" was taken before "search" blocked; it must be free again.
			free, err := l.Lock(context.Background(), "acme/stride", []string{"display"})
			require.NoError(t, err)
			free()
		})
	}
}

func TestLedger_UnlockIsIdempotent(t *testing.T) {
	l := NewMemoryLedger(time.Hour)
	unlock, err := l.Lock(context.Background(), "t", []string{"search"})
	require.NoError(t, err)
	unlock()
	unlock()
	again, err := l.Lock(context.Background(), "t", []string{"search"})
	require.NoError(t, err)
	again()
}

func TestRedisLedger_HolderKeepsLockPastTTL(t *testing.T) {
	url := os.Getenv("PIPELINE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("PIPELINE_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	require.NoError(t, rdb.FlushDB(context.Background()).Err())
	t.Cleanup(func() { rdb.Close() })

	l := NewRedisLedger(rdb, 300*time.Millisecond, time.Hour)
	unlock, err := l.Lock(context.Background(), "acme/outdoor", []string{"search"})
	require.NoError(t, err)

	time.Sleep(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "acme/outdoor", []string{"search"})
	assert.ErrorIs(t, err, context.DeadlineExceeded, "lock expired while still held")

	unlock()
	again, err := l.Lock(context.Background(), "acme/outdoor", []string{"search"})
	require.NoError(t, err)
	again()
}

func TestLedger_CommitAndWindow(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, l.Commit(ctx, "acme/stride", map[string]float64{"search": 3000, "social": -3000}))
			require.NoError(t, l.Commit(ctx, "acme/stride", map[string]float64{"search": 500, "social": -500}))

			got, err := l.Committed(ctx, "acme/stride", []string{"search", "social", "display"})
			require.NoError(t, err)
			assert.InDelta(t, 3500, got["search"], 1e-9)
			assert.InDelta(t, -3500, got["social"], 1e-9)
			_, hasDisplay := got["display"]
			assert.False(t, hasDisplay)

			other, err := l.Committed(ctx, "acme/other", []string{"search"})
			require.NoError(t, err)
			assert.Empty(t, other)
		})
	}
}

func TestMemoryLedger_ExpiresOutsideWindow(t *testing.T) {
	l := NewMemoryLedger(time.Hour)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, l.Commit(ctx, "t", map[string]float64{"search": 1000}))
	now = now.Add(2 * time.Hour)
	got, err := l.Committed(ctx, "t", []string{"search"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNew(t *testing.T) {
	l, err := New(config.BudgetConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryLedger{}, l)

	_, err = New(config.BudgetConfig{Backend: "etcd"})
	assert.Error(t, err)

	_, err = New(config.BudgetConfig{Backend: "redis"})
	assert.Error(t, err, "redis without a URL")
}

func TestSortedUnique(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, sortedUnique([]string{"c", "a", " b", "a", ""}))
}
