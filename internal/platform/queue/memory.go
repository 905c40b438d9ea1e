package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type item struct {
	job      Job
	attempts int // deliveries already made
}

// MemoryQueue is a bounded in-process queue with a worker pool. With a Spool
// attached, accepted jobs are checkpointed so a restart recovers them.
type MemoryQueue struct {
	cfg    Config
	ch     chan item
	done   chan struct{}
	spool  Spool
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewMemoryQueue creates a queue. spool may be nil.
func NewMemoryQueue(cfg Config, spool Spool, logger zerolog.Logger) *MemoryQueue {
	cfg = cfg.withDefaults()
	return &MemoryQueue{
		cfg:    cfg,
		ch:     make(chan item, cfg.Capacity),
		done:   make(chan struct{}),
		spool:  spool,
		logger: logger.With().Str("component", "queue").Str("driver", "memory").Logger(),
	}
}

// Enqueue never blocks: a full queue returns ErrQueueFull.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	if q.spool != nil {
		if err := q.spool.Save(ctx, job); err != nil {
			return err
		}
	}

	select {
	case q.ch <- item{job: job}:
		return nil
	default:
		if q.spool != nil {
			_ = q.spool.Remove(ctx, job.EntryID)
		}
		return ErrQueueFull
	}
}

// Len returns the number of jobs waiting for a worker.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Consume runs cfg.Workers workers until ctx is cancelled or Close is called.
// Jobs left in the spool by a previous run are redelivered first.
func (q *MemoryQueue) Consume(ctx context.Context, h Handler) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.wg.Add(1)
	q.mu.Unlock()
	defer q.wg.Done()

	if q.spool != nil {
		q.recover(ctx)
	}

	var workers sync.WaitGroup
	for i := 0; i < q.cfg.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			q.work(ctx, h)
		}()
	}
	workers.Wait()
	return nil
}

func (q *MemoryQueue) recover(ctx context.Context) {
	spooled, err := q.spool.Pending(ctx)
	if err != nil {
		q.logger.Error().Err(err).Msg("failed to read spool, skipping recovery")
		return
	}
	if len(spooled) == 0 {
		return
	}
	q.logger.Info().Int("jobs", len(spooled)).Msg("recovering spooled jobs")

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for _, s := range spooled {
			select {
			case q.ch <- item{job: s.Job, attempts: s.Attempts}:
			case <-q.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (q *MemoryQueue) work(ctx context.Context, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case it := <-q.ch:
			q.deliver(ctx, h, it)
		}
	}
}

func (q *MemoryQueue) deliver(ctx context.Context, h Handler, it item) {
	d := Delivery{Job: it.job, Attempt: it.attempts + 1, MaxAttempts: q.cfg.MaxAttempts}
	log := q.logger.With().Str("entry_id", d.EntryID.String()).Int("attempt", d.Attempt).Logger()

	err := h(ctx, d)
	outcome := Decide(err, d)

	switch outcome {
	case OutcomeAck, OutcomeDrop:
		if outcome == OutcomeDrop {
			log.Warn().Err(err).Msg("job failed permanently")
		}
		if q.spool != nil {
			if rerr := q.spool.Remove(context.WithoutCancel(ctx), d.EntryID); rerr != nil {
				log.Error().Err(rerr).Msg("failed to remove job from spool")
			}
		}
	case OutcomeRetry:
		delay := Backoff(q.cfg.Backoff, q.cfg.MaxBackoff, d.Attempt)
		log.Info().Err(err).Dur("backoff", delay).Msg("job failed, scheduling redelivery")
		if q.spool != nil {
			if serr := q.spool.MarkAttempt(context.WithoutCancel(ctx), d.EntryID, d.Attempt); serr != nil {
				log.Error().Err(serr).Msg("failed to record attempt in spool")
			}
		}
		q.redeliver(ctx, item{job: it.job, attempts: d.Attempt}, delay)
	case OutcomeRelease:
		// A spooled job is picked up again on the next start.
		log.Info().Err(err).Bool("spooled", q.spool != nil).Msg("delivery interrupted, job released")
	}
}

func (q *MemoryQueue) redeliver(ctx context.Context, it item, delay time.Duration) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-q.done:
			return
		case <-ctx.Done():
			return
		}
		select {
		case q.ch <- it:
		case <-q.done:
		case <-ctx.Done():
		}
	}()
}

// Close stops the workers and pending redeliveries, waits for in-flight
// deliveries and closes the spool. Jobs still buffered stay in the spool for
// the next run.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.wg.Wait()
	if q.spool != nil {
		return q.spool.Close()
	}
	return nil
}
