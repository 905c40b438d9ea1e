package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultFetchBatch = 10
	defaultFetchWait  = 5 * time.Second
	defaultAckWait    = 30 * time.Second
)

// JetStreamConfig locates the stream and durable consumer.
type JetStreamConfig struct {
	URL      string
	Stream   string
	Subject  string
	Consumer string
	AckWait  time.Duration
}

// JetStreamQueue carries jobs through a NATS JetStream work-queue stream so
// several engine instances can share one processor pool.
type JetStreamQueue struct {
	cfg      Config
	jsCfg    JetStreamConfig
	nc       *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	logger   zerolog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewJetStreamQueue connects to NATS and ensures the stream and durable pull
// consumer exist.
func NewJetStreamQueue(ctx context.Context, cfg Config, jsCfg JetStreamConfig, logger zerolog.Logger) (*JetStreamQueue, error) {
	cfg = cfg.withDefaults()
	if jsCfg.AckWait <= 0 {
		jsCfg.AckWait = defaultAckWait
	}
	log := logger.With().Str("component", "queue").Str("driver", "jetstream").Str("stream", jsCfg.Stream).Logger()

	nc, err := nats.Connect(jsCfg.URL,
		nats.Name("devicelink"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	_, err = js.Stream(ctx, jsCfg.Stream)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      jsCfg.Stream,
			Subjects:  []string{jsCfg.Subject},
			Retention: jetstream.WorkQueuePolicy,
			Storage:   jetstream.FileStorage,
		})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", jsCfg.Stream, err)
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, jsCfg.Stream, jetstream.ConsumerConfig{
		Durable:       jsCfg.Consumer,
		FilterSubject: jsCfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       jsCfg.AckWait,
		MaxDeliver:    cfg.MaxAttempts,
		MaxAckPending: cfg.Capacity,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer %s: %w", jsCfg.Consumer, err)
	}

	return &JetStreamQueue{
		cfg:      cfg,
		jsCfg:    jsCfg,
		nc:       nc,
		js:       js,
		consumer: consumer,
		logger:   log,
	}, nil
}

// msgID makes each enqueue distinct to the stream's duplicate window while
// keeping a retransmitted publish of the same enqueue idempotent.
func msgID(job Job) string {
	return job.EntryID.String() + "-" + strconv.FormatInt(job.EnqueuedAt.UnixNano(), 36)
}

func (q *JetStreamQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if _, err := q.js.Publish(ctx, q.jsCfg.Subject, data, jetstream.WithMsgID(msgID(job))); err != nil {
		return fmt.Errorf("publish job %s: %w", job.EntryID, err)
	}
	return nil
}

// Consume pulls batches and runs up to cfg.Workers handlers at a time.
func (q *JetStreamQueue) Consume(ctx context.Context, h Handler) error {
	q.wg.Add(1)
	defer q.wg.Done()

	q.logger.Info().Str("consumer", q.jsCfg.Consumer).Msg("starting pull consumer")
	for {
		if ctx.Err() != nil || q.isClosed() {
			return nil
		}

		batch, err := q.consumer.Fetch(defaultFetchBatch, jetstream.FetchMaxWait(defaultFetchWait))
		if err != nil {
			if q.isClosed() || errors.Is(err, nats.ErrConnectionClosed) {
				return nil
			}
			q.logger.Warn().Err(err).Msg("fetch failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		g := new(errgroup.Group)
		g.SetLimit(q.cfg.Workers)
		for msg := range batch.Messages() {
			msg := msg
			g.Go(func() error {
				q.handle(ctx, h, msg)
				return nil
			})
		}
		_ = g.Wait()

		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			q.logger.Debug().Err(err).Msg("fetch ended with error")
		}
	}
}

// ackable is the part of jetstream.Msg used to settle a delivery.
type ackable interface {
	Ack() error
	Nak() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

func (q *JetStreamQueue) handle(ctx context.Context, h Handler, msg jetstream.Msg) {
	var job Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		q.logger.Error().Err(err).Msg("undecodable job, terminating")
		_ = msg.Term()
		return
	}

	attempt := 1
	if md, err := msg.Metadata(); err == nil {
		attempt = int(md.NumDelivered)
	}
	d := Delivery{Job: job, Attempt: attempt, MaxAttempts: q.cfg.MaxAttempts}

	err := h(ctx, d)
	if serr := q.settle(msg, err, d); serr != nil {
		q.logger.Warn().Err(serr).Str("entry_id", job.EntryID.String()).Msg("failed to settle message")
	}
}

func (q *JetStreamQueue) settle(msg ackable, err error, d Delivery) error {
	switch Decide(err, d) {
	case OutcomeAck:
		return msg.Ack()
	case OutcomeRetry:
		delay := Backoff(q.cfg.Backoff, q.cfg.MaxBackoff, d.Attempt)
		q.logger.Info().Err(err).Str("entry_id", d.EntryID.String()).Int("attempt", d.Attempt).
			Dur("backoff", delay).Msg("job failed, scheduling redelivery")
		return msg.NakWithDelay(delay)
	case OutcomeRelease:
		q.logger.Info().Err(err).Str("entry_id", d.EntryID.String()).Msg("delivery interrupted, releasing message")
		return msg.Nak()
	default:
		q.logger.Warn().Err(err).Str("entry_id", d.EntryID.String()).Int("attempt", d.Attempt).
			Msg("job failed permanently")
		return msg.Term()
	}
}

func (q *JetStreamQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close drains the NATS connection, letting in-flight acks complete.
func (q *JetStreamQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.wg.Wait()
	if err := q.nc.Drain(); err != nil {
		q.nc.Close()
		return err
	}
	return nil
}
