// Package budget serializes budget decisions per tenant and channel.
//
// Two tasks for the same tenant can each propose a change that is within the
// variance cap on its own but breaks it once both land. The Ledger closes
// that gap: a task locks its channels (always in sorted order, so two tasks
// never deadlock) before the circuit breaker runs, reads what was already
// committed inside the window, and commits its own deltas on approval before
// releasing the locks.
package budget

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentoven/marketing-pipeline/internal/config"
)

// Ledger is implemented by MemoryLedger (single process) and RedisLedger
// (shared across replicas).
type Ledger interface {
	// Lock acquires every channel lock for the tenant. The returned func
	// releases them and is safe to call more than once.
	Lock(ctx context.Context, tenantKey string, channels []string) (func(), error)
	// Committed returns the net delta per channel committed inside the window.
	Committed(ctx context.Context, tenantKey string, channels []string) (map[string]float64, error)
	// Commit records approved deltas.
	Commit(ctx context.Context, tenantKey string, deltas map[string]float64) error
}

// New builds the configured ledger.
func New(cfg config.BudgetConfig) (Ledger, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryLedger(cfg.Window), nil
	case "redis":
		return NewRedisLedgerFromURL(cfg.RedisURL, cfg.LockTTL, cfg.Window)
	}
	return nil, fmt.Errorf("unknown budget ledger backend %q", cfg.Backend)
}

// sortedUnique returns the channels in lock order.
func sortedUnique(channels []string) []string {
	seen := make(map[string]struct{}, len(channels))
	out := make([]string, 0, len(channels))
	for _, c := range channels {
		c = strings.TrimSpace(c)
		if _, ok := seen[c]; ok || c == "" {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// ── Memory ledger ───────────────────────────────────────────

type commitment struct {
	at    time.Time
	delta float64
}

// MemoryLedger keeps locks and commitments in process.
type MemoryLedger struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	locks   map[string]chan struct{} // key: tenant|channel, buffered 1
	commits map[string][]commitment  // key: tenant|channel
}

func NewMemoryLedger(window time.Duration) *MemoryLedger {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &MemoryLedger{
		window:  window,
		now:     time.Now,
		locks:   make(map[string]chan struct{}),
		commits: make(map[string][]commitment),
	}
}

func ledgerKey(tenant, channel string) string { return tenant + "|" + channel }

func (m *MemoryLedger) sem(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[key] = ch
	}
	return ch
}

func (m *MemoryLedger) Lock(ctx context.Context, tenantKey string, channels []string) (func(), error) {
	var held []chan struct{}
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
		held = nil
	}
	for _, c := range sortedUnique(channels) {
		sem := m.sem(ledgerKey(tenantKey, c))
		select {
		case sem <- struct{}{}:
			held = append(held, sem)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (m *MemoryLedger) Committed(_ context.Context, tenantKey string, channels []string) (map[string]float64, error) {
	cutoff := m.now().Add(-m.window)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(channels))
	for _, c := range channels {
		k := ledgerKey(tenantKey, c)
		kept := m.commits[k][:0]
		var sum float64
		for _, cm := range m.commits[k] {
			if cm.at.After(cutoff) {
				kept = append(kept, cm)
				sum += cm.delta
			}
		}
		m.commits[k] = kept
		if sum != 0 {
			out[c] = sum
		}
	}
	return out, nil
}

func (m *MemoryLedger) Commit(_ context.Context, tenantKey string, deltas map[string]float64) error {
	at := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for c, d := range deltas {
		if d == 0 {
			continue
		}
		k := ledgerKey(tenantKey, c)
		m.commits[k] = append(m.commits[k], commitment{at: at, delta: d})
	}
	return nil
}
