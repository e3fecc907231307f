package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/ledger"
	"go.uber.org/zap"
)

const (
	DefaultSweepInterval = time.Minute
	DefaultSweepBatch    = 200
)

type SweepSummary struct {
	Scanned          int `json:"scanned"`
	Unlocked         int `json:"unlocked"`
	AlreadyProcessed int `json:"already_processed"`
	Failed           int `json:"failed"`
}

// UnlockSweeper matures FROZEN holds whose unlock time has passed. Holds are
// claimed one at a time through ReleaseHold, so overlapping sweeps in one or
// many processes unlock each hold exactly once.
type UnlockSweeper struct {
	escrow   *EscrowService
	log      *zap.Logger
	metrics  *Metrics
	interval time.Duration
	batch    int
}

func NewUnlockSweeper(escrow *EscrowService, interval time.Duration, batch int, metrics *Metrics) *UnlockSweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if batch <= 0 {
		batch = DefaultSweepBatch
	}
	return &UnlockSweeper{
		escrow:   escrow,
		log:      escrow.log.Named("sweeper"),
		metrics:  metrics,
		interval: interval,
		batch:    batch,
	}
}

// SweepOnce processes every hold due at the time of the call. A failing hold
// is logged and skipped; the returned error is reserved for failures that
// stop the scan itself.
func (s *UnlockSweeper) SweepOnce(ctx context.Context) (summary SweepSummary, err error) {
	defer func() { s.metrics.ObserveSweep(summary, err) }()

	now := s.escrow.engine.Now()
	seen := make(map[string]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		// Holds that failed stay FROZEN and come back in every page, so the
		// page grows with them to keep room for fresh holds.
		limit := s.batch + summary.Failed
		due, err := s.escrow.engine.Store().ListHolds(ctx, ledger.HoldFilter{
			Status:        ledger.HoldFrozen,
			UnlocksBefore: now,
			Limit:         limit,
		})
		if err != nil {
			return summary, fmt.Errorf("list due holds: %w", err)
		}
		fresh := 0
		for _, h := range due {
			if _, ok := seen[h.ID]; ok {
				continue
			}
			seen[h.ID] = struct{}{}
			fresh++
			summary.Scanned++
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			res, err := s.unlock(ctx, h)
			switch {
			case err != nil:
				summary.Failed++
				s.log.Warn("hold unlock failed",
					zap.String("hold_id", h.ID),
					zap.String("owner", h.Owner.Key()),
					zap.Int64("amount", h.Amount),
					zap.Error(err),
				)
			case res.AlreadyProcessed:
				summary.AlreadyProcessed++
			default:
				summary.Unlocked++
			}
		}
		if fresh == 0 || len(due) < limit {
			break
		}
	}
	if summary.Scanned > 0 {
		s.log.Info("unlock sweep finished",
			zap.Int("scanned", summary.Scanned),
			zap.Int("unlocked", summary.Unlocked),
			zap.Int("already_processed", summary.AlreadyProcessed),
			zap.Int("failed", summary.Failed),
		)
	}
	return summary, nil
}

func (s *UnlockSweeper) unlock(ctx context.Context, h ledger.Hold) (res ReleaseResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unlock hold %s panicked: %v", h.ID, r)
		}
	}()
	return s.escrow.ReleaseHold(ctx, h.ID, ledger.HoldUnlocked, "unlock time reached", SweeperActor)
}

// Run sweeps on every tick until ctx is cancelled.
func (s *UnlockSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.log.Info("unlock sweeper started", zap.Duration("interval", s.interval), zap.Int("batch", s.batch))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("unlock sweep failed", zap.Error(err))
			}
		}
	}
}
