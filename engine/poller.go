package engine

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"mailflow/models"
	"mailflow/utils"
)

// Condition chains resolve with zero wait, so one poller tick chases them
// immediately instead of stalling a cycle. The bound guards against authored
// condition cycles spinning a worker forever.
const maxConditionChase = 16

// Counts aggregates one poller run for observability.
type Counts struct {
	Advanced  int `json:"advanced"`
	Waiting   int `json:"waiting"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Poller selects due enrollments in bounded batches and drives the engine
// over them. Safe to invoke concurrently: per-enrollment claims serialize the
// actual work, an overlapping run just collects skips.
type Poller struct {
	engine  *Engine
	store   Store
	logger  *logrus.Logger
	workers int
}

func NewPoller(engine *Engine, store Store, logger *logrus.Logger, workers int) *Poller {
	if workers <= 0 {
		workers = 4
	}
	return &Poller{engine: engine, store: store, logger: logger, workers: workers}
}

// ProcessDue runs one batch. Per-enrollment errors are translated into
// enrollment state by the engine and never abort the batch; only selection
// failures propagate.
func (p *Poller) ProcessDue(ctx context.Context, batchSize int) (Counts, error) {
	now := p.engine.now()
	ids, err := p.store.DueEnrollmentIDs(ctx, now, batchSize)
	if err != nil {
		return Counts{}, err
	}
	if len(ids) == 0 {
		return Counts{}, nil
	}

	var (
		mu     sync.Mutex
		counts Counts
		wg     sync.WaitGroup
	)
	jobs := make(chan uint)

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				res := p.processOne(ctx, id)
				mu.Lock()
				counts.add(res)
				mu.Unlock()
			}
		}()
	}

	for _, id := range ids {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return counts, ctx.Err()
		case jobs <- id:
		}
	}
	close(jobs)
	wg.Wait()

	p.logger.WithFields(logrus.Fields{
		"selected":  len(ids),
		"advanced":  counts.Advanced,
		"waiting":   counts.Waiting,
		"completed": counts.Completed,
		"failed":    counts.Failed,
		"skipped":   counts.Skipped,
	}).Info("poller run complete")
	return counts, nil
}

// ProcessSingle advances one enrollment outside batch selection, honoring the
// same claim and idempotency rules.
func (p *Poller) ProcessSingle(ctx context.Context, enrollmentID uint) (*Result, error) {
	return p.advanceChasing(ctx, enrollmentID)
}

func (p *Poller) processOne(ctx context.Context, id uint) *Result {
	res, err := p.advanceChasing(ctx, id)
	if err != nil {
		utils.LogError("poller_advance", err, map[string]interface{}{"enrollment_id": id})
		return &Result{Outcome: OutcomeSkipped, Reason: err.Error()}
	}
	return res
}

// advanceChasing advances one step, then keeps going while the executed step
// was a condition: email and delay advance at most once per tick, conditions
// never stall a cycle.
func (p *Poller) advanceChasing(ctx context.Context, id uint) (*Result, error) {
	res, err := p.engine.Advance(ctx, id)
	if err != nil {
		return nil, err
	}

	for chase := 0; chase < maxConditionChase; chase++ {
		if res.Outcome != OutcomeAdvanced || res.StepKind != models.StepKindCondition {
			break
		}
		next, err := p.engine.Advance(ctx, id)
		if err != nil {
			return nil, err
		}
		res = next
	}
	return res, nil
}

func (c *Counts) add(res *Result) {
	switch res.Outcome {
	case OutcomeAdvanced:
		c.Advanced++
	case OutcomeWaiting:
		c.Waiting++
	case OutcomeCompleted:
		c.Completed++
	case OutcomeFailed:
		c.Failed++
	default:
		c.Skipped++
	}
}
