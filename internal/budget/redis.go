package budget

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	lockPrefix   = "mp:lock:"
	ledgerPrefix = "mp:ledger:"
	bucketSize   = time.Hour
	lockPoll     = 25 * time.Millisecond
)

// unlockScript deletes the lock only if this holder still owns it.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock TTL only if this holder still owns it.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLedger shares locks and commitments across replicas. Locks are
// SET NX PX keys with a TTL so a crashed holder cannot wedge a channel.
// A live holder refreshes its locks every third of the TTL, so a task that
// negotiates for longer than the TTL keeps them. Commitments are HINCRBYFLOAT into hourly hashes that expire after the
// window.
type RedisLedger struct {
	rdb     *redis.Client
	lockTTL time.Duration
	window  time.Duration
	now     func() time.Time
}

func NewRedisLedger(rdb *redis.Client, lockTTL, window time.Duration) *RedisLedger {
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &RedisLedger{rdb: rdb, lockTTL: lockTTL, window: window, now: time.Now}
}

// NewRedisLedgerFromURL parses a redis:// URL and pings the server.
func NewRedisLedgerFromURL(url string, lockTTL, window time.Duration) (*RedisLedger, error) {
	if url == "" {
		return nil, errors.New("redis url is required for the redis ledger")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info().Str("addr", opts.Addr).Msg("📒 Redis budget ledger connected")
	return NewRedisLedger(rdb, lockTTL, window), nil
}

func (r *RedisLedger) Lock(ctx context.Context, tenantKey string, channels []string) (func(), error) {
	token := uuid.New().String()
	var held []string
	release := func() {
		// Release on a fresh context: the caller's may already be cancelled.
		bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			if err := unlockScript.Run(bg, r.rdb, []string{held[i]}, token).Err(); err != nil {
				log.Warn().Err(err).Str("key", held[i]).Msg("⚠️ Budget lock release failed, TTL will expire it")
			}
		}
		held = nil
	}

	for _, c := range sortedUnique(channels) {
		key := lockPrefix + ledgerKey(tenantKey, c)
		for {
			ok, err := r.rdb.SetNX(ctx, key, token, r.lockTTL).Result()
			if err != nil {
				release()
				return nil, fmt.Errorf("lock %s: %w", key, err)
			}
			if ok {
				held = append(held, key)
				break
			}
			select {
			case <-time.After(lockPoll):
			case <-ctx.Done():
				release()
				return nil, ctx.Err()
			}
		}
	}

	stop, done := make(chan struct{}), make(chan struct{})
	go r.keepAlive(append([]string(nil), held...), token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			release()
		})
	}, nil
}

// keepAlive extends the held locks until stop is closed.
func (r *RedisLedger) keepAlive(keys []string, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	every := r.lockTTL / 3
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			for _, key := range keys {
				n, err := refreshScript.Run(ctx, r.rdb, []string{key}, token, r.lockTTL.Milliseconds()).Int()
				switch {
				case err != nil:
					log.Warn().Err(err).Str("key", key).Msg("⚠️ Budget lock refresh failed")
				case n == 0:
					log.Warn().Str("key", key).Msg("⚠️ Budget lock lost before refresh")
				}
			}
			cancel()
		}
	}
}

// buckets lists the hourly hash keys covering the window, newest first.
func (r *RedisLedger) buckets(tenantKey string, now time.Time) []string {
	n := int(r.window/bucketSize) + 1
	start := now.UTC().Truncate(bucketSize)
	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		keys = append(keys, ledgerPrefix+tenantKey+":"+strconv.FormatInt(start.Add(-time.Duration(i)*bucketSize).Unix(), 10))
	}
	return keys
}

func (r *RedisLedger) Committed(ctx context.Context, tenantKey string, channels []string) (map[string]float64, error) {
	out := make(map[string]float64, len(channels))
	if len(channels) == 0 {
		return out, nil
	}
	pipe := r.rdb.Pipeline()
	var cmds []*redis.SliceCmd
	for _, key := range r.buckets(tenantKey, r.now()) {
		cmds = append(cmds, pipe.HMGet(ctx, key, channels...))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	for _, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("ledger value %q: %w", s, err)
			}
			out[channels[i]] += f
		}
	}
	for c, v := range out {
		if v == 0 {
			delete(out, c)
		}
	}
	return out, nil
}

func (r *RedisLedger) Commit(ctx context.Context, tenantKey string, deltas map[string]float64) error {
	key := r.buckets(tenantKey, r.now())[0]
	pipe := r.rdb.TxPipeline()
	for c, d := range deltas {
		if d != 0 {
			pipe.HIncrByFloat(ctx, key, c, d)
		}
	}
	pipe.Expire(ctx, key, r.window+bucketSize)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("commit ledger: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (r *RedisLedger) Close() error { return r.rdb.Close() }
