package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{Capacity: 8, Workers: 1, MaxAttempts: 3, Backoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

type recorder struct {
	mu         sync.Mutex
	deliveries []Delivery
	done       chan struct{}
	want       int
}

func newRecorder(want int) *recorder {
	return &recorder{done: make(chan struct{}), want: want}
}

func (r *recorder) record(d Delivery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, d)
	if len(r.deliveries) == r.want {
		close(r.done)
	}
}

func (r *recorder) wait(t *testing.T) []Delivery {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.deliveries...)
}

func TestMemoryQueue_DeliversInOrder(t *testing.T) {
	q := NewMemoryQueue(fastConfig(), nil, zerolog.Nop())
	defer q.Close()

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		require.NoError(t, q.Enqueue(context.Background(), Job{EntryID: id, Raw: "MSH"}))
	}

	rec := newRecorder(3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Consume(ctx, func(_ context.Context, d Delivery) error {
		rec.record(d)
		return nil
	})

	got := rec.wait(t)
	for i, d := range got {
		assert.Equal(t, ids[i], d.EntryID)
		assert.Equal(t, 1, d.Attempt)
		assert.Equal(t, 3, d.MaxAttempts)
	}
}

func TestMemoryQueue_RetriesUntilFinal(t *testing.T) {
	q := NewMemoryQueue(fastConfig(), nil, zerolog.Nop())
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), Job{EntryID: uuid.New()}))

	rec := newRecorder(3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Consume(ctx, func(_ context.Context, d Delivery) error {
		rec.record(d)
		return errors.New("order not found")
	})

	got := rec.wait(t)
	require.Len(t, got, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{got[0].Attempt, got[1].Attempt, got[2].Attempt})
	assert.False(t, got[1].Final())
	assert.True(t, got[2].Final())

	// No fourth delivery.
	time.Sleep(50 * time.Millisecond)
	rec.mu.Lock()
	assert.Len(t, rec.deliveries, 3)
	rec.mu.Unlock()
}

func TestMemoryQueue_NonRetryableStopsImmediately(t *testing.T) {
	q := NewMemoryQueue(fastConfig(), nil, zerolog.Nop())
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), Job{EntryID: uuid.New()}))

	rec := newRecorder(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Consume(ctx, func(_ context.Context, d Delivery) error {
		rec.record(d)
		return NonRetryable(errors.New("no header"))
	})

	rec.wait(t)
	time.Sleep(50 * time.Millisecond)
	rec.mu.Lock()
	assert.Len(t, rec.deliveries, 1)
	rec.mu.Unlock()
}

func TestMemoryQueue_InterruptedDeliveryIsReleased(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.db")
	ctx := context.Background()

	spool, err := OpenSQLiteSpool(ctx, path)
	require.NoError(t, err)
	q := NewMemoryQueue(fastConfig(), spool, zerolog.Nop())

	id := uuid.New()
	require.NoError(t, q.Enqueue(ctx, Job{EntryID: id}))

	rec := newRecorder(1)
	cctx, cancel := context.WithCancel(ctx)
	go q.Consume(cctx, func(_ context.Context, d Delivery) error {
		rec.record(d)
		return Interrupted(context.Canceled)
	})
	rec.wait(t)

	// Neither retried nor dropped.
	time.Sleep(50 * time.Millisecond)
	rec.mu.Lock()
	assert.Len(t, rec.deliveries, 1)
	rec.mu.Unlock()

	cancel()
	require.NoError(t, q.Close())

	spool, err = OpenSQLiteSpool(ctx, path)
	require.NoError(t, err)
	defer spool.Close()
	pending, err := spool.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].EntryID)
	assert.Zero(t, pending[0].Attempts, "an interrupted delivery is not counted")
}

func TestMemoryQueue_Full(t *testing.T) {
	cfg := fastConfig()
	cfg.Capacity = 1
	q := NewMemoryQueue(cfg, nil, zerolog.Nop())
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), Job{EntryID: uuid.New()}))
	err := q.Enqueue(context.Background(), Job{EntryID: uuid.New()})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 1, q.Len())
}

func TestMemoryQueue_Closed(t *testing.T) {
	q := NewMemoryQueue(fastConfig(), nil, zerolog.Nop())
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Enqueue(context.Background(), Job{EntryID: uuid.New()}), ErrClosed)
	assert.ErrorIs(t, q.Consume(context.Background(), func(context.Context, Delivery) error { return nil }), ErrClosed)
}

func TestMemoryQueue_ConsumeReturnsOnClose(t *testing.T) {
	q := NewMemoryQueue(fastConfig(), nil, zerolog.Nop())

	returned := make(chan struct{})
	go func() {
		q.Consume(context.Background(), func(context.Context, Delivery) error { return nil })
		close(returned)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("Consume did not return after Close")
	}
}

func TestMemoryQueue_SpoolRecovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.db")
	ctx := context.Background()

	spool, err := OpenSQLiteSpool(ctx, path)
	require.NoError(t, err)
	q := NewMemoryQueue(fastConfig(), spool, zerolog.Nop())

	id := uuid.New()
	require.NoError(t, q.Enqueue(ctx, Job{EntryID: id, Raw: "MSH|^~\\&|A"}))
	// Shut down before any consumer ran: the job must survive.
	require.NoError(t, q.Close())

	spool, err = OpenSQLiteSpool(ctx, path)
	require.NoError(t, err)
	q = NewMemoryQueue(fastConfig(), spool, zerolog.Nop())

	rec := newRecorder(1)
	cctx, cancel := context.WithCancel(ctx)
	go q.Consume(cctx, func(_ context.Context, d Delivery) error {
		rec.record(d)
		return nil
	})

	got := rec.wait(t)
	assert.Equal(t, id, got[0].EntryID)
	assert.Equal(t, "MSH|^~\\&|A", got[0].Raw)

	cancel()
	require.NoError(t, q.Close())

	spool, err = OpenSQLiteSpool(ctx, path)
	require.NoError(t, err)
	defer spool.Close()
	pending, err := spool.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "acknowledged job must leave the spool")
}
