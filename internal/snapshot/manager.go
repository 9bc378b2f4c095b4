// Package snapshot owns the version counter and the bounded, append-only
// history of table snapshots.
package snapshot

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/table-sync/internal/logging"
	"github.com/DoyleJ11/table-sync/internal/metrics"
	"github.com/DoyleJ11/table-sync/internal/state"
)

const DefaultMaxHistorySize = 100

// Archiver receives every created snapshot. Archive must not block.
type Archiver interface {
	Archive(s *Snapshot)
}

type Manager struct {
	mu      sync.RWMutex
	version int64
	history []*Snapshot

	table      string
	maxHistory int
	clock      func() time.Time
	archiver   Archiver
	log        *zap.Logger
}

type Option func(*Manager)

// WithMaxHistorySize bounds the in-memory history; oldest entries go first.
func WithMaxHistorySize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxHistory = n
		}
	}
}

// WithStartVersion makes the first created snapshot version v+1.
func WithStartVersion(v int64) Option {
	return func(m *Manager) { m.version = v }
}

// WithSeed resumes from a stored snapshot: it becomes the only history
// entry and the next version follows it.
func WithSeed(s *Snapshot) Option {
	return func(m *Manager) {
		if s != nil {
			m.version = s.Version
			m.history = []*Snapshot{s}
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

func WithArchiver(a Archiver) Option {
	return func(m *Manager) { m.archiver = a }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = logging.OrNop(l) }
}

// WithTable labels logs and metrics.
func WithTable(id string) Option {
	return func(m *Manager) { m.table = id }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		maxHistory: DefaultMaxHistorySize,
		clock:      time.Now,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(zap.String("table", m.table))
	return m
}

// Create captures g and players as the next version. The inputs are deep
// copied through the payload tree, so later mutation by the caller cannot
// reach the stored snapshot.
func (m *Manager) Create(g state.GameState, players state.Players) (*Snapshot, error) {
	tree := state.Payload(g, players)
	gameCopy, playersCopy, err := state.FromPayload(tree)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Hash:    Hash(tree),
		Game:    gameCopy,
		Players: playersCopy,
		tree:    tree,
	}

	m.mu.Lock()
	m.version++
	snap.Version = m.version
	snap.CreatedAt = m.clock().UTC()
	m.history = append(m.history, snap)
	evicted := m.evictLocked()
	size := len(m.history)
	m.mu.Unlock()

	metrics.SnapshotsCreated.Inc()
	metrics.HistorySize.WithLabelValues(m.table).Set(float64(size))
	if evicted > 0 {
		metrics.SnapshotsEvicted.Add(float64(evicted))
	}
	if m.archiver != nil {
		m.archiver.Archive(snap)
	}
	m.log.Debug("snapshot created",
		zap.Int64("version", snap.Version),
		zap.String("hash", snap.Hash),
		zap.Int("players", len(snap.Players)),
		zap.Int("evicted", evicted))
	return snap, nil
}

func (m *Manager) evictLocked() int {
	excess := len(m.history) - m.maxHistory
	if excess <= 0 {
		return 0
	}
	n := copy(m.history, m.history[excess:])
	clear(m.history[n:])
	m.history = m.history[:n]
	return excess
}

// At returns the stored snapshot for version, not a reconstruction.
func (m *Manager) At(version int64) (*Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return nil, false
	}
	// versions in memory are contiguous
	i := version - m.history[0].Version
	if i >= 0 && i < int64(len(m.history)) && m.history[i].Version == version {
		return m.history[i], true
	}
	return Lookup(m.history, version)
}

func (m *Manager) Latest() (*Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return nil, false
	}
	return m.history[len(m.history)-1], true
}

// Version is the last version handed out.
func (m *Manager) Version() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.history)
}

// History returns a copy of the retained snapshots, oldest first.
func (m *Manager) History() Slice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(Slice, len(m.history))
	copy(out, m.history)
	return out
}
