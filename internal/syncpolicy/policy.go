// Package syncpolicy decides whether a client catches up with a full
// snapshot or a delta.
package syncpolicy

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/DoyleJ11/table-sync/internal/engine"
	"github.com/DoyleJ11/table-sync/internal/logging"
	"github.com/DoyleJ11/table-sync/internal/metrics"
	"github.com/DoyleJ11/table-sync/internal/snapshot"
)

const (
	DefaultVersionDiffThreshold int64 = 10
	DefaultMaxDeltaSize               = 64 << 10
)

type Type string

const (
	TypeSnapshot Type = "snapshot"
	TypeDelta    Type = "delta"
)

// Reason records why a result has its type. It is not sent to clients.
type Reason string

const (
	ReasonDelta         Reason = "delta"
	ReasonTooFarBehind  Reason = "too-far-behind"
	ReasonMissing       Reason = "missing-version"
	ReasonDeltaTooLarge Reason = "delta-too-large"
	ReasonNoCurrent     Reason = "no-current"
)

// Result is either a full snapshot or a delta, tagged by Type.
type Result struct {
	Type     Type               `json:"type"`
	Snapshot *snapshot.Snapshot `json:"snapshot,omitempty"`
	Delta    *engine.Delta      `json:"delta,omitempty"`
	Reason   Reason             `json:"-"`
	// Size is the estimated delta size, when one was built.
	Size int `json:"-"`
}

type Options struct {
	VersionDiffThreshold int64
	MaxDeltaSize         int
	CompressedSizing     bool
}

func DefaultOptions() Options {
	return Options{
		VersionDiffThreshold: DefaultVersionDiffThreshold,
		MaxDeltaSize:         DefaultMaxDeltaSize,
	}
}

// Option overrides one knob for a single Decide call.
type Option func(*Options)

func WithVersionDiffThreshold(n int64) Option {
	return func(o *Options) { o.VersionDiffThreshold = n }
}

func WithMaxDeltaSize(n int) Option {
	return func(o *Options) { o.MaxDeltaSize = n }
}

// WithCompressedSizing measures deltas by their zstd-compressed size.
func WithCompressedSizing(on bool) Option {
	return func(o *Options) { o.CompressedSizing = on }
}

type Policy struct {
	engine   *engine.Engine
	history  snapshot.History
	defaults Options
	group    singleflight.Group
	log      *zap.Logger
}

// New builds a policy over one table's history. The defaults are copied and
// never modified afterwards.
func New(eng *engine.Engine, history snapshot.History, defaults Options, log *zap.Logger) *Policy {
	log = logging.OrNop(log)
	if eng == nil {
		eng = engine.New()
	}
	return &Policy{engine: eng, history: history, defaults: defaults, log: log}
}

func (p *Policy) Defaults() Options { return p.defaults }

// Decide returns what a client at clientVersion needs to reach current.
// It always returns a result; anything that prevents a delta falls back to
// the full snapshot. A client is too far behind once the gap reaches
// VersionDiffThreshold. With a nil current there is nothing to send and the
// result has an empty Type.
func (p *Policy) Decide(clientVersion int64, current *snapshot.Snapshot, opts ...Option) Result {
	if current == nil {
		return Result{Reason: ReasonNoCurrent}
	}
	o := p.defaults
	for _, opt := range opts {
		opt(&o)
	}

	res := p.decide(clientVersion, current, o)
	metrics.SyncDecisions.WithLabelValues(string(res.Type), string(res.Reason)).Inc()
	if res.Type == TypeSnapshot && res.Reason != ReasonTooFarBehind {
		p.log.Debug("sync fell back to snapshot",
			zap.Int64("client_version", clientVersion),
			zap.Int64("version", current.Version),
			zap.String("reason", string(res.Reason)),
			zap.Int("delta_size", res.Size))
	}
	return res
}

func (p *Policy) decide(clientVersion int64, current *snapshot.Snapshot, o Options) Result {
	full := func(r Reason) Result {
		return Result{Type: TypeSnapshot, Snapshot: current, Reason: r}
	}

	if current.Version-clientVersion >= o.VersionDiffThreshold {
		return full(ReasonTooFarBehind)
	}
	if clientVersion > current.Version {
		return full(ReasonMissing)
	}
	from, ok := p.lookup(clientVersion, current)
	if !ok {
		return full(ReasonMissing)
	}

	d := p.delta(from, current)
	var size int
	if o.CompressedSizing {
		size = engine.EstimateCompressedSize(d)
	} else {
		size = engine.EstimateSize(d)
	}
	metrics.DeltaBytes.Observe(float64(size))
	if size > o.MaxDeltaSize {
		r := full(ReasonDeltaTooLarge)
		r.Size = size
		return r
	}
	return Result{Type: TypeDelta, Delta: &d, Reason: ReasonDelta, Size: size}
}

func (p *Policy) lookup(version int64, current *snapshot.Snapshot) (*snapshot.Snapshot, bool) {
	if version == current.Version {
		return current, true
	}
	if p.history == nil {
		return nil, false
	}
	return p.history.At(version)
}

// delta collapses concurrent requests for the same version pair into one
// diff.
func (p *Policy) delta(from, to *snapshot.Snapshot) engine.Delta {
	key := fmt.Sprintf("%d:%d", from.Version, to.Version)
	v, _, _ := p.group.Do(key, func() (any, error) {
		return p.engine.Generate(from, to), nil
	})
	return v.(engine.Delta)
}
