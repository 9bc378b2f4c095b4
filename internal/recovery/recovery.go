// Package recovery brings a reconnecting client back to the current version
// from a checkpoint it can prove it holds.
package recovery

import (
	"errors"

	"go.uber.org/zap"

	"github.com/DoyleJ11/table-sync/internal/engine"
	"github.com/DoyleJ11/table-sync/internal/logging"
	"github.com/DoyleJ11/table-sync/internal/metrics"
	"github.com/DoyleJ11/table-sync/internal/snapshot"
)

var (
	ErrVersionNotFound = errors.New("client version not in history")
	ErrHashMismatch    = errors.New("client hash does not match stored snapshot")
	ErrNoCurrent       = errors.New("no current snapshot")
)

type Request struct {
	ClientVersion int64  `json:"clientVersion"`
	ClientHash    string `json:"clientHash"`
}

// Response reports success with the catch-up delta, or failure with a
// reason. A failed response means the client needs a full snapshot.
type Response struct {
	Success bool          `json:"success"`
	Updates *engine.Delta `json:"updates,omitempty"`
	Reason  string        `json:"reason,omitempty"`

	Err error `json:"-"`
}

type Manager struct {
	engine *engine.Engine
	log    *zap.Logger
}

func New(eng *engine.Engine, log *zap.Logger) *Manager {
	if eng == nil {
		eng = engine.New()
	}
	log = logging.OrNop(log)
	return &Manager{engine: eng, log: log}
}

// Recover verifies the client's checkpoint against history and returns the
// delta from it to current. It never panics on bad input; every problem is
// a failed Response.
func (m *Manager) Recover(req Request, current *snapshot.Snapshot, history snapshot.History) Response {
	if current == nil {
		return m.fail(req, ErrNoCurrent, "no-current")
	}

	var stored *snapshot.Snapshot
	if req.ClientVersion == current.Version {
		stored = current
	} else if history != nil {
		stored, _ = history.At(req.ClientVersion)
	}
	if stored == nil {
		return m.fail(req, ErrVersionNotFound, "not-found")
	}
	if stored.Hash != req.ClientHash {
		return m.fail(req, ErrHashMismatch, "hash-mismatch")
	}

	d := m.engine.Generate(stored, current)
	metrics.Recoveries.WithLabelValues("ok").Inc()
	m.log.Info("client recovered",
		zap.Int64("from_version", d.FromVersion),
		zap.Int64("to_version", d.ToVersion),
		zap.Int("changes", len(d.Changes)))
	return Response{Success: true, Updates: &d}
}

func (m *Manager) fail(req Request, err error, outcome string) Response {
	metrics.Recoveries.WithLabelValues(outcome).Inc()
	m.log.Warn("recovery failed",
		zap.Int64("client_version", req.ClientVersion),
		zap.Error(err))
	return Response{Reason: err.Error(), Err: err}
}
