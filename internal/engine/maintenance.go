package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mnemexai/mnemex/internal/metrics"
	"github.com/mnemexai/mnemex/internal/storage"
	"github.com/mnemexai/mnemex/pkg/log"
	"github.com/mnemexai/mnemex/pkg/types"
)

// GC sweeps active records and removes those whose score has decayed below
// the forgetting threshold. Pinned records (strength at or above the
// configured floor) are immune regardless of score.
func (e *Engine) GC(ctx context.Context, opts GCOptions) (*GCReport, error) {
	records, err := e.store.ListMemories(ctx, storage.MemoryFilter{Status: types.StatusActive})
	if err != nil {
		return nil, err
	}
	now := e.clk.Now()
	report := &GCReport{DryRun: opts.DryRun}

	for _, m := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.Scanned++

		if m.Strength >= e.cfg.Lifecycle.PinnedStrengthFloor &&
			e.scorer.Score(m, now) < e.scorer.ForgetThreshold() {
			report.Pinned++
			continue
		}
		if !e.scorer.ShouldForget(m, now) {
			continue
		}

		report.IDs = append(report.IDs, m.ID)
		if opts.DryRun {
			if opts.ArchiveInstead {
				report.Archived++
			} else {
				report.Forgotten++
			}
			continue
		}

		if opts.ArchiveInstead {
			archived := m.Clone()
			archived.Status = types.StatusArchived
			if err := e.store.PutMemory(ctx, archived); err != nil {
				return report, err
			}
			report.Archived++
			metrics.GCSweptTotal.WithLabelValues("archived").Inc()
		} else {
			if err := e.store.DeleteMemory(ctx, m.ID); err != nil {
				return report, err
			}
			report.Forgotten++
			metrics.GCSweptTotal.WithLabelValues("forgotten").Inc()
		}
	}

	if !opts.DryRun && (report.Forgotten > 0 || report.Archived > 0) {
		e.logger.Info().
			Int("forgotten", report.Forgotten).
			Int("archived", report.Archived).
			Int("pinned", report.Pinned).
			Msg("gc sweep complete")
	}
	return report, nil
}

// Maintain runs one maintenance cycle: a GC sweep, compaction when the
// stats heuristic recommends it, and a full vault refresh.
func (e *Engine) Maintain(ctx context.Context) error {
	if _, err := e.GC(ctx, GCOptions{}); err != nil {
		return err
	}
	st, err := e.store.Stats(ctx)
	if err != nil {
		return err
	}
	if st.CompactionRecommended {
		if err := e.store.Compact(ctx); err != nil {
			return err
		}
	}
	if e.ltm != nil {
		if err := e.ltm.Refresh(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Scheduler runs Maintain on a fixed cadence. Work shares the store's
// writer path with foreground operations, so a long sweep delays writes
// only for its commit phases.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	logger   zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler returns a stopped scheduler.
func NewScheduler(engine *Engine, interval time.Duration) *Scheduler {
	return &Scheduler{
		engine:   engine,
		interval: interval,
		logger:   log.WithComponent("maintenance"),
		done:     make(chan struct{}),
	}
}

// Start launches the background loop. The first cycle runs after one full
// interval, not immediately.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
	s.logger.Info().Dur("interval", s.interval).Msg("maintenance scheduled")
}

// Stop cancels the loop and waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.engine.Maintain(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("maintenance cycle failed")
			}
		case <-ctx.Done():
			return
		}
	}
}
