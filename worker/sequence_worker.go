package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"mailflow/engine"
	"mailflow/store"
)

// SequenceWorker is the periodic trigger for the poller. Delay steps never
// block here: waiting enrollments are just rows with a future wake_at, so
// each tick is a fresh bounded batch.
type SequenceWorker struct {
	Poller    *engine.Poller
	Store     *store.GormStore
	Logger    *logrus.Logger
	Interval  time.Duration
	BatchSize int
}

func NewSequenceWorker(poller *engine.Poller, st *store.GormStore, logger *logrus.Logger, interval time.Duration, batchSize int) *SequenceWorker {
	return &SequenceWorker{
		Poller:    poller,
		Store:     st,
		Logger:    logger,
		Interval:  interval,
		BatchSize: batchSize,
	}
}

func (sw *SequenceWorker) Start(ctx context.Context) {
	sw.Logger.Info("Sequence worker started")

	ticker := time.NewTicker(sw.Interval)
	defer ticker.Stop()

	resetTimer := time.NewTimer(untilNextMidnight(time.Now()))
	defer resetTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			sw.Logger.Info("Sequence worker shutting down...")
			return
		case <-ticker.C:
			if _, err := sw.Poller.ProcessDue(ctx, sw.BatchSize); err != nil {
				sw.Logger.WithError(err).Error("poller run failed")
			}
		case <-resetTimer.C:
			if err := sw.Store.ResetDailySenderCounters(ctx); err != nil {
				sw.Logger.WithError(err).Error("failed to reset sender daily counters")
			} else {
				sw.Logger.Info("Reset sender daily counters")
			}
			resetTimer.Reset(untilNextMidnight(time.Now()))
		}
	}
}

func untilNextMidnight(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
	return time.Until(next)
}
