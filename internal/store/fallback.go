package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/table-sync/internal/logging"
	"github.com/DoyleJ11/table-sync/internal/snapshot"
)

// Fallback is a snapshot.History that looks in memory first and falls back
// to the archive for versions that were evicted.
type Fallback struct {
	Memory  snapshot.History
	Repo    *Repository
	Table   string
	Timeout time.Duration
	Log     *zap.Logger
}

func (f Fallback) At(version int64) (*snapshot.Snapshot, bool) {
	if f.Memory != nil {
		if s, ok := f.Memory.At(version); ok {
			return s, true
		}
	}
	if f.Repo == nil {
		return nil, false
	}

	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s, err := f.Repo.Load(ctx, f.Table, version)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logging.OrNop(f.Log).Error("archive lookup",
				zap.String("table", f.Table),
				zap.Int64("version", version),
				zap.Error(err))
		}
		return nil, false
	}
	return s, true
}
