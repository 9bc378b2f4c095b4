// Package metrics holds the Prometheus collectors shared by the sync core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SnapshotsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablesync_snapshots_created_total",
		Help: "Total number of snapshots created",
	})

	SnapshotsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablesync_snapshots_evicted_total",
		Help: "Snapshots dropped from in-memory history by retention",
	})

	HistorySize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tablesync_history_size",
		Help: "Current number of snapshots retained in memory",
	}, []string{"table"})

	SyncDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tablesync_sync_decisions_total",
		Help: "Sync results by type and reason",
	}, []string{"type", "reason"})

	DeltaBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tablesync_delta_bytes",
		Help:    "Estimated size of candidate deltas",
		Buckets: prometheus.ExponentialBuckets(64, 4, 8),
	})

	ConflictsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tablesync_conflicts_resolved_total",
		Help: "Conflict groups reduced to a single winner",
	}, []string{"strategy"})

	Recoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tablesync_recoveries_total",
		Help: "Recovery attempts by outcome",
	}, []string{"outcome"})

	ArchiveDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablesync_archive_dropped_total",
		Help: "Snapshots not archived because the archive queue was full",
	})

	ArchiveErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablesync_archive_errors_total",
		Help: "Snapshots the archive failed to persist",
	})

	ClientsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablesync_clients_dropped_total",
		Help: "Clients disconnected for not draining their outbox",
	})
)
