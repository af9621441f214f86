// In-memory Store implementation with an optional JSONL journal.
// Used when no database is configured (local dev, tests). When a data
// directory is given, decisions are appended to a JSONL file and fsynced
// before AppendDecision returns; tasks and winners are snapshotted.

package store

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/marketing-pipeline/pkg/models"
)

const (
	decisionsFile = "decisions.jsonl"
	snapshotFile  = "data.json"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Tasks   map[string]*models.TaskResult         `json:"tasks"`
	Winners map[string][]models.HistoricalWinner `json:"winners"` // key: tenant
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu        sync.RWMutex
	decisions map[string][]models.DecisionLogEntry // key: task id, ordered by seq
	tasks     map[string]*models.TaskResult         // key: task id
	winners   map[string][]models.HistoricalWinner // key: tenant

	// Persistence
	journal      *os.File      // nil = no persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards snapshot writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals the save loop to stop
}

// NewMemoryStore creates a new in-memory store. An empty dataDir disables
// persistence.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		decisions: make(map[string][]models.DecisionLogEntry),
		tasks:     make(map[string]*models.TaskResult),
		winners:   make(map[string][]models.HistoricalWinner),
		saveCh:    make(chan struct{}, 1),
		doneCh:    make(chan struct{}),
	}
	if dataDir == "" {
		return m
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
		return m
	}

	m.snapshotPath = filepath.Join(dataDir, snapshotFile)
	m.loadSnapshot()
	journalPath := filepath.Join(dataDir, decisionsFile)
	m.loadJournal(journalPath)

	f, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Warn().Err(err).Str("path", journalPath).Msg("Cannot open decision journal, persistence disabled")
		m.snapshotPath = ""
		return m
	}
	m.journal = f
	go m.saveLoop()

	log.Info().Str("dir", dataDir).Int("tasks", len(m.tasks)).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist the snapshot.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(200 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	data, err := json.Marshal(snapshot{Tasks: m.tasks, Winners: m.winners})
	m.mu.RUnlock()
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
	}
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		}
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}
	if snap.Tasks != nil {
		m.tasks = snap.Tasks
	}
	if snap.Winners != nil {
		m.winners = snap.Winners
	}
}

// loadJournal replays the decision journal. A torn final line from a crash
// mid-write is skipped.
func (m *MemoryStore) loadJournal(path string) {
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("Failed to open decision journal")
		}
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var n int
	for sc.Scan() {
		var e models.DecisionLogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping unreadable journal line")
			continue
		}
		m.decisions[e.TaskID] = append(m.decisions[e.TaskID], e)
		n++
	}
	for id := range m.decisions {
		sortBySeq(m.decisions[id])
	}
	if n > 0 {
		log.Info().Int("entries", n).Str("path", path).Msg("Decision journal loaded")
	}
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops the save loop, writes a final snapshot and closes the
// journal. Safe to call multiple times.
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}
	if m.snapshotPath != "" {
		m.saveSnapshot()
	}
	if m.journal != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.journal.Close()
	}
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Decision Store ──────────────────────────────────────────

func (m *MemoryStore) AppendDecision(_ context.Context, entry *models.DecisionLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.decisions[entry.TaskID] {
		if e.Seq == entry.Seq {
			return &ErrConflict{Entity: "decision", Key: decisionKey(entry.TaskID, entry.Seq)}
		}
	}
	if m.journal != nil {
		line, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if _, err := m.journal.Write(append(line, '\n')); err != nil {
			return err
		}
		if err := m.journal.Sync(); err != nil {
			return err
		}
	}
	list := append(m.decisions[entry.TaskID], *entry)
	sortBySeq(list)
	m.decisions[entry.TaskID] = list
	return nil
}

func (m *MemoryStore) ListDecisions(_ context.Context, taskID string) ([]models.DecisionLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.decisions[taskID]
	out := make([]models.DecisionLogEntry, len(list))
	copy(out, list)
	return out, nil
}

func sortBySeq(list []models.DecisionLogEntry) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
}

// ── Task Store ──────────────────────────────────────────────

func (m *MemoryStore) SaveTask(_ context.Context, result *models.TaskResult) error {
	cp := *result
	m.mu.Lock()
	m.tasks[result.TaskID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, taskID string) (*models.TaskResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.tasks[taskID]
	if !ok {
		return nil, &ErrNotFound{Entity: "task", Key: taskID}
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListTasks(_ context.Context, filter TaskFilter) ([]models.TaskResult, error) {
	m.mu.RLock()
	var result []models.TaskResult
	for _, r := range m.tasks {
		if filter.Tenant != "" && r.Tenant != filter.Tenant {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		result = append(result, *r)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].SubmittedAt.Equal(result[j].SubmittedAt) {
			return result[i].SubmittedAt.After(result[j].SubmittedAt)
		}
		return result[i].TaskID < result[j].TaskID
	})
	if limit := limitOrDefault(filter.Limit); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ── Winner Store ────────────────────────────────────────────

func (m *MemoryStore) PutHistoricalWinners(_ context.Context, tenantKey string, winners []models.HistoricalWinner) error {
	cp := append([]models.HistoricalWinner(nil), winners...)
	m.mu.Lock()
	m.winners[tenantKey] = cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListHistoricalWinners(_ context.Context, tenantKey string) ([]models.HistoricalWinner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.HistoricalWinner(nil), m.winners[tenantKey]...), nil
}
