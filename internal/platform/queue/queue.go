// Package queue decouples accepting a device message from processing it.
// Producers enqueue a Job once the message is on the ledger; consumers get
// at-least-once delivery with a bounded number of attempts.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrQueueFull = errors.New("queue: full")
	ErrClosed    = errors.New("queue: closed")
)

// Job is the unit of work handed from the listener to the processor.
type Job struct {
	EntryID    uuid.UUID `json:"entry_id"`
	Raw        string    `json:"raw"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Delivery is one attempt at processing a Job. Attempt starts at 1.
type Delivery struct {
	Job
	Attempt     int
	MaxAttempts int
}

// Final reports whether a failure of this delivery will not be retried.
func (d Delivery) Final() bool {
	return d.Attempt >= d.MaxAttempts
}

// Handler processes one delivery. A nil return acknowledges the job; an error
// schedules a redelivery unless the delivery is final or the error is
// NonRetryable.
type Handler func(ctx context.Context, d Delivery) error

// Queue is implemented by MemoryQueue and JetStreamQueue.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Consume blocks, feeding deliveries to h until ctx is cancelled or the
	// queue is closed.
	Consume(ctx context.Context, h Handler) error
	Close() error
}

// Config holds the settings shared by both queue drivers.
type Config struct {
	Capacity    int
	Workers     int
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	return c
}

// NonRetryableError wraps errors that should not be retried.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// InterruptedError wraps the error of a delivery cut short by shutdown. The
// attempt does not count: the job is released rather than retried or dropped.
type InterruptedError struct {
	Err error
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("interrupted: %v", e.Err)
}

func (e *InterruptedError) Unwrap() error {
	return e.Err
}

// Interrupted wraps err to mark the delivery as cut short.
func Interrupted(err error) error {
	if err == nil {
		return nil
	}
	return &InterruptedError{Err: err}
}

func IsInterrupted(err error) bool {
	var ie *InterruptedError
	return errors.As(err, &ie)
}

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Backoff returns the delay before redelivering after the given failed
// attempt: base doubled per attempt, capped at max, plus up to 25% jitter.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	if delay/4 > 0 {
		randMu.Lock()
		delay += time.Duration(randSource.Int63n(int64(delay / 4)))
		randMu.Unlock()
	}
	return delay
}

// Outcome is what a consumer does with a delivery after the handler returns.
type Outcome int

const (
	OutcomeAck Outcome = iota
	OutcomeRetry
	OutcomeDrop
	// OutcomeRelease leaves the job unsettled for a later run.
	OutcomeRelease
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeRetry:
		return "retry"
	case OutcomeRelease:
		return "release"
	default:
		return "drop"
	}
}

// Decide maps a handler result to an Outcome.
func Decide(err error, d Delivery) Outcome {
	switch {
	case err == nil:
		return OutcomeAck
	case IsInterrupted(err):
		return OutcomeRelease
	case IsNonRetryable(err), d.Final():
		return OutcomeDrop
	default:
		return OutcomeRetry
	}
}
