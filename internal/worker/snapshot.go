package worker

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/switchyardio/switchyard/internal"
)

const (
	snapshotInterval = 30 * time.Second
	compactInterval  = 15 * time.Minute
)

// KeySource exposes the credential registry's current state.
type KeySource interface {
	All() []gateway.KeyStatus
}

// HealthStore persists key health snapshots and compacts the journal.
type HealthStore interface {
	AppendSnapshot(keys []gateway.KeyStatus) error
	Compact(keys []gateway.KeyStatus) error
}

// SnapshotWorker periodically journals key health state and compacts the
// append-only journal so it does not grow without bound. Transition-driven
// writes happen inline in the registry; this worker is the heartbeat that
// captures cooldown expiries nobody reported.
type SnapshotWorker struct {
	pool  KeySource
	store HealthStore
}

// NewSnapshotWorker creates a SnapshotWorker.
func NewSnapshotWorker(pool KeySource, store HealthStore) *SnapshotWorker {
	return &SnapshotWorker{pool: pool, store: store}
}

// Name returns the worker identifier.
func (w *SnapshotWorker) Name() string { return "key_snapshot" }

// Run journals snapshots until ctx is cancelled, writing a final snapshot
// on shutdown so the next start hydrates from current state.
func (w *SnapshotWorker) Run(ctx context.Context) error {
	snap := time.NewTicker(snapshotInterval)
	defer snap.Stop()
	compact := time.NewTicker(compactInterval)
	defer compact.Stop()

	for {
		select {
		case <-snap.C:
			if err := w.store.AppendSnapshot(w.pool.All()); err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "key snapshot failed",
					slog.String("error", err.Error()),
				)
			}
		case <-compact.C:
			if err := w.store.Compact(w.pool.All()); err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "journal compaction failed",
					slog.String("error", err.Error()),
				)
			}
		case <-ctx.Done():
			if err := w.store.AppendSnapshot(w.pool.All()); err != nil {
				slog.Error("final key snapshot failed", "error", err.Error())
			}
			return nil
		}
	}
}
