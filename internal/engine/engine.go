// Package engine computes and applies path-level deltas between snapshots.
package engine

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/DoyleJ11/table-sync/internal/compcache"
	"github.com/DoyleJ11/table-sync/internal/snapshot"
	"github.com/DoyleJ11/table-sync/internal/value"
)

var (
	ErrNilSnapshot     = errors.New("nil snapshot")
	ErrVersionMismatch = errors.New("delta does not start at snapshot version")
	ErrInvalidPath     = value.ErrInvalidPath
	ErrPathNotFound    = value.ErrPathNotFound
)

// Change sets the node at Path to NewValue, or deletes it when Removed.
type Change struct {
	Path     string       `json:"path"`
	NewValue value.Value  `json:"newValue"`
	OldValue *value.Value `json:"oldValue,omitempty"`
	Removed  bool         `json:"removed,omitempty"`
}

type Delta struct {
	FromVersion int64    `json:"fromVersion"`
	ToVersion   int64    `json:"toVersion"`
	Changes     []Change `json:"changes"`
	// CreatedAt is the target snapshot's creation time in Unix ms.
	CreatedAt int64 `json:"createdAt,omitempty"`
}

func (d Delta) Empty() bool { return len(d.Changes) == 0 }

// change is a Change relative to the subtree it was computed for.
type change struct {
	path     value.Path
	newValue value.Value
	oldValue value.Value
	removed  bool
}

type Engine struct {
	cache     *compcache.Cache[[]change]
	oldValues bool
}

type Option func(*Engine)

// WithCacheSize bounds the comparison cache; 0 disables it.
func WithCacheSize(n int) Option {
	return func(e *Engine) { e.cache = compcache.New[[]change](n) }
}

// WithOldValues records the previous value on every change.
func WithOldValues(on bool) Option {
	return func(e *Engine) { e.oldValues = on }
}

func New(opts ...Option) *Engine {
	e := &Engine{cache: compcache.New[[]change](compcache.DefaultSize)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) CacheStats() compcache.Stats { return e.cache.Stats() }

// Generate returns the changes turning from into to. It is a pure function
// of the two payloads: the same pair always yields the same list, in the
// same order (object keys ascending, array indices ascending).
func (e *Engine) Generate(from, to *snapshot.Snapshot) Delta {
	d := Delta{
		FromVersion: from.Version,
		ToVersion:   to.Version,
		Changes:     e.Diff(from.Tree(), to.Tree()),
	}
	if !to.CreatedAt.IsZero() {
		d.CreatedAt = to.CreatedAt.UnixMilli()
	}
	return d
}

// Diff compares two value trees. Subtrees with equal fingerprints are
// skipped without being walked.
func (e *Engine) Diff(a, b value.Value) []Change {
	rel := e.diff(a, b)
	out := make([]Change, len(rel))
	for i, c := range rel {
		out[i] = Change{Path: c.path.String(), NewValue: c.newValue, Removed: c.removed}
		if e.oldValues {
			old := c.oldValue
			out[i].OldValue = &old
		}
	}
	return out
}

func (e *Engine) diff(a, b value.Value) []change {
	if a.Equal(b) {
		return nil
	}
	sameShape := a.Kind() == b.Kind() &&
		(a.Kind() == value.Object || (a.Kind() == value.Array && a.Len() == b.Len()))
	if !sameShape {
		return []change{{newValue: b, oldValue: a}}
	}

	key := compcache.Key{From: a.Fingerprint(), To: b.Fingerprint()}
	if cached, ok := e.cache.Get(key); ok {
		return cached
	}

	var out []change
	if a.Kind() == value.Array {
		for i := 0; i < a.Len(); i++ {
			av, _ := a.Index(i)
			bv, _ := b.Index(i)
			out = appendPrefixed(out, strconv.Itoa(i), e.diff(av, bv))
		}
	} else {
		out = e.diffObjects(a, b)
	}
	e.cache.Put(key, out)
	return out
}

func (e *Engine) diffObjects(a, b value.Value) []change {
	var out []change
	ak, bk := a.Keys(), b.Keys()
	i, j := 0, 0
	for i < len(ak) || j < len(bk) {
		switch {
		case j >= len(bk) || (i < len(ak) && ak[i] < bk[j]):
			old, _ := a.Field(ak[i])
			out = append(out, change{path: value.Path{ak[i]}, oldValue: old, removed: true})
			i++
		case i >= len(ak) || bk[j] < ak[i]:
			nv, _ := b.Field(bk[j])
			out = append(out, change{path: value.Path{bk[j]}, newValue: nv})
			j++
		default:
			av, _ := a.Field(ak[i])
			bv, _ := b.Field(bk[j])
			out = appendPrefixed(out, ak[i], e.diff(av, bv))
			i++
			j++
		}
	}
	return out
}

// appendPrefixed copies sub with seg prepended to every path; sub may be
// shared with the cache and is never modified.
func appendPrefixed(out []change, seg string, sub []change) []change {
	for _, c := range sub {
		p := make(value.Path, 0, len(c.path)+1)
		p = append(p, seg)
		p = append(p, c.path...)
		c.path = p
		out = append(out, c)
	}
	return out
}

// Apply replays d on a copy of from's payload. The result carries the
// delta's target version and a freshly computed hash.
func (e *Engine) Apply(from *snapshot.Snapshot, d Delta) (*snapshot.Snapshot, error) {
	if from == nil {
		return nil, ErrNilSnapshot
	}
	if d.FromVersion != from.Version {
		return nil, fmt.Errorf("%w: delta from %d, snapshot %d", ErrVersionMismatch, d.FromVersion, from.Version)
	}
	tree := from.Tree()
	for i, c := range d.Changes {
		p, err := value.ParsePath(c.Path)
		if err != nil {
			return nil, fmt.Errorf("change %d: %w", i, err)
		}
		if c.Removed {
			tree, err = tree.Delete(p)
		} else {
			tree, err = tree.Set(p, c.NewValue)
		}
		if err != nil {
			return nil, fmt.Errorf("change %d (%s): %w", i, c.Path, err)
		}
	}
	createdAt := from.CreatedAt
	if d.CreatedAt != 0 {
		createdAt = time.UnixMilli(d.CreatedAt).UTC()
	}
	return snapshot.FromTree(d.ToVersion, tree, createdAt)
}

// ApplyChain applies consecutive deltas, each starting where the previous
// one ended.
func (e *Engine) ApplyChain(from *snapshot.Snapshot, deltas ...Delta) (*snapshot.Snapshot, error) {
	cur := from
	for _, d := range deltas {
		next, err := e.Apply(cur, d)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}
