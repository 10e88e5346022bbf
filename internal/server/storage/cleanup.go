package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"linkdrop/internal/server/database"
)

var (
	sharesSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkdrop_shares_swept_total",
		Help: "Number of expired or exhausted shares reclaimed by the sweeper",
	})
	sweepFileFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkdrop_sweep_file_failures_total",
		Help: "Number of backing files the sweeper failed to delete",
	})
)

// Registry is the slice of the share registry the sweeper needs.
type Registry interface {
	SweepExpiredOrExhausted(ctx context.Context, now time.Time) ([]*database.Share, error)
}

// Sweeper periodically removes expired or exhausted shares from both
// the database and file storage. The download gate deletes exhausted records
// itself; the sweeper's real job is reclaiming expired-by-time shares plus
// any exhausted rows that lingered.
type Sweeper struct {
	registry Registry
	store    Store
	interval time.Duration
	done     chan struct{}
}

// NewSweeper creates a new cleanup sweeper.
func NewSweeper(registry Registry, store Store, interval time.Duration) *Sweeper {
	return &Sweeper{
		registry: registry,
		store:    store,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop in a background goroutine.
// One sweep runs immediately so a restart reclaims anything that expired
// while the process was down.
func (s *Sweeper) Start(ctx context.Context) {
	slog.Info("sweeper started", "interval", s.interval)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.Sweep(ctx)

		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-ctx.Done():
				slog.Info("sweeper stopping")
				close(s.done)
				return
			}
		}
	}()
}

// Wait blocks until the sweeper has fully stopped.
func (s *Sweeper) Wait() {
	<-s.done
}

// Sweep runs one cleanup cycle and returns the number of shares reclaimed.
// Records and files are deleted together: the registry removes matching rows
// in one pass and hands back the records so their files can be unlinked. A
// file already removed by the download gate's deferred deletion is a no-op.
func (s *Sweeper) Sweep(ctx context.Context) int {
	swept, err := s.registry.SweepExpiredOrExhausted(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("sweep query failed", "error", err)
		return 0
	}

	if len(swept) == 0 {
		return 0
	}

	var failed int
	for _, share := range swept {
		if err := s.store.Delete(FileName(share.Token, share.Filename)); err != nil {
			// The record is already gone; log and keep going so one bad
			// file cannot stall the rest of the sweep.
			slog.Error("failed to delete swept file",
				"share_id", share.ID,
				"error", err,
			)
			sweepFileFailures.Inc()
			failed++
		}
	}

	sharesSweptTotal.Add(float64(len(swept)))
	slog.Info("sweep cycle complete",
		"swept", len(swept),
		"file_failures", failed,
	)
	return len(swept)
}
