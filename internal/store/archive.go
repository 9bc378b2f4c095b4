package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/table-sync/internal/logging"
	"github.com/DoyleJ11/table-sync/internal/metrics"
	"github.com/DoyleJ11/table-sync/internal/snapshot"
)

const DefaultArchiveQueue = 256

type archiveItem struct {
	table string
	snap  *snapshot.Snapshot
}

// Archiver persists snapshots on a single background goroutine. Offers
// never block: when the queue is full the snapshot is dropped and counted.
type Archiver struct {
	repo  *Repository
	queue chan archiveItem
	log   *zap.Logger

	timeout time.Duration
	done    chan struct{}
	once    sync.Once
}

func NewArchiver(repo *Repository, queue int, log *zap.Logger) *Archiver {
	if queue <= 0 {
		queue = DefaultArchiveQueue
	}
	log = logging.OrNop(log)
	return &Archiver{
		repo:    repo,
		queue:   make(chan archiveItem, queue),
		log:     log,
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
}

// For returns the snapshot.Archiver for one table.
func (a *Archiver) For(table string) snapshot.Archiver {
	return tableArchiver{a: a, table: table}
}

type tableArchiver struct {
	a     *Archiver
	table string
}

func (t tableArchiver) Archive(s *snapshot.Snapshot) {
	select {
	case t.a.queue <- archiveItem{table: t.table, snap: s}:
	default:
		metrics.ArchiveDropped.Inc()
		t.a.log.Warn("archive queue full, dropping snapshot",
			zap.String("table", t.table),
			zap.Int64("version", s.Version))
	}
}

// Run drains the queue until ctx is cancelled, then saves what is left.
func (a *Archiver) Run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case it := <-a.queue:
			a.save(it)
		case <-ctx.Done():
			for {
				select {
				case it := <-a.queue:
					a.save(it)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until Run has returned.
func (a *Archiver) Wait() { <-a.done }

func (a *Archiver) save(it archiveItem) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	err := a.repo.Save(ctx, it.table, it.snap)
	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicate):
		a.log.Debug("snapshot already archived",
			zap.String("table", it.table),
			zap.Int64("version", it.snap.Version))
	default:
		metrics.ArchiveErrors.Inc()
		a.log.Error("archive snapshot",
			zap.String("table", it.table),
			zap.Int64("version", it.snap.Version),
			zap.Error(err))
	}
}
