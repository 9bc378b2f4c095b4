package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/table-sync/internal/config"
	"github.com/DoyleJ11/table-sync/internal/engine"
	"github.com/DoyleJ11/table-sync/internal/httpapi"
	"github.com/DoyleJ11/table-sync/internal/hub"
	"github.com/DoyleJ11/table-sync/internal/logging"
	"github.com/DoyleJ11/table-sync/internal/snapshot"
	"github.com/DoyleJ11/table-sync/internal/store"
	"github.com/DoyleJ11/table-sync/internal/table"
)

const (
	pruneEvery      = 5 * time.Minute
	shutdownTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.LogLevel, cfg.AppEnv)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		repo     *store.Repository
		archiver *store.Archiver
	)
	// The archiver outlives the hub so tables can flush their last versions.
	archiveCtx, stopArchive := context.WithCancel(context.Background())
	defer stopArchive()
	if cfg.DatabaseURL != "" {
		db, err := store.Open(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		if repo, err = store.New(db, log); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		archiver = store.NewArchiver(repo, cfg.Sync.ArchiveQueue, log)
		go archiver.Run(archiveCtx)
	} else {
		log.Info("no DATABASE_URL; snapshots are kept in memory only")
	}

	// One engine for every table so the comparison cache is shared.
	eng := engine.New(engine.WithCacheSize(cfg.Sync.CacheSize()))
	h := hub.NewHub(context.Background(), newTableFactory(cfg, eng, repo, archiver, log), log)

	if repo != nil {
		go pruneLoop(ctx, h, repo, cfg.Sync.ArchiveRetention, log)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.SetupRoutes(h, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Addr), zap.String("env", cfg.AppEnv))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := multierr.Combine(
		srv.Shutdown(sctx),
		h.Shutdown(sctx),
	)
	if archiver != nil {
		stopArchive()
		archiver.Wait()
	}
	return err
}

// newTableFactory builds tables that resume from the archive's latest
// version and fall back to it for evicted history.
func newTableFactory(cfg config.Config, eng *engine.Engine, repo *store.Repository, archiver *store.Archiver, log *zap.Logger) hub.Factory {
	return func(ctx context.Context, id string) *table.Table {
		opts := table.Options{
			MaxHistorySize: cfg.Sync.MaxHistorySize,
			Engine:         eng,
			Policy:         cfg.Sync.Policy(),
			Log:            log,
		}
		if repo == nil {
			return table.New(ctx, id, opts)
		}

		lctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		seed, err := repo.Latest(lctx, id)
		cancel()
		switch {
		case err == nil:
			opts.Seed = seed
			log.Info("table resumed from archive", zap.String("table", id), zap.Int64("version", seed.Version))
		case !errors.Is(err, store.ErrNotFound):
			log.Warn("load latest snapshot", zap.String("table", id), zap.Error(err))
		}
		opts.Archiver = archiver.For(id)
		opts.History = func(mem snapshot.History) snapshot.History {
			return store.Fallback{Memory: mem, Repo: repo, Table: id, Log: log}
		}
		return table.New(ctx, id, opts)
	}
}

func pruneLoop(ctx context.Context, h *hub.Hub, repo *store.Repository, keep int, log *zap.Logger) {
	if keep <= 0 {
		return
	}
	ticker := time.NewTicker(pruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		reply := make(chan []string, 1)
		select {
		case h.Inbox() <- hub.ListTables{Reply: reply}:
		case <-ctx.Done():
			return
		}
		var ids []string
		select {
		case ids = <-reply:
		case <-ctx.Done():
			return
		}
		for _, id := range ids {
			n, err := repo.Prune(ctx, id, keep)
			if err != nil {
				log.Warn("prune archive", zap.String("table", id), zap.Error(err))
				continue
			}
			if n > 0 {
				log.Debug("pruned archive", zap.String("table", id), zap.Int64("deleted", n))
			}
		}
	}
}
