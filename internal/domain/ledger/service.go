package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/devicelink/internal/platform/hl7v2"
)

// Listener is told about every entry the service creates or moves. It runs
// on the caller's goroutine and must not modify e.
type Listener func(e *Entry)

type Service struct {
	repo   Repository
	logger zerolog.Logger

	mu        sync.RWMutex
	listeners []Listener
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.With().Str("component", "ledger").Logger(),
	}
}

// RecordInbound stores a message just received from a device as PENDING.
// Message type and control id are read from the header when present.
func (s *Service) RecordInbound(ctx context.Context, deviceID uuid.UUID, raw string) (*Entry, error) {
	return s.record(ctx, deviceID, Inbound, raw, nil)
}

// RecordOutbound stores a message about to be sent to a device as PENDING.
func (s *Service) RecordOutbound(ctx context.Context, deviceID uuid.UUID, raw string, orderID uuid.UUID) (*Entry, error) {
	return s.record(ctx, deviceID, Outbound, raw, &orderID)
}

// Subscribe adds l to the listeners notified after each write.
func (s *Service) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Service) notify(e *Entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.listeners {
		l(e)
	}
}

func (s *Service) record(ctx context.Context, deviceID uuid.UUID, dir Direction, raw string, orderID *uuid.UUID) (*Entry, error) {
	e := &Entry{
		ID:         uuid.New(),
		DeviceID:   deviceID,
		Direction:  dir,
		RawMessage: raw,
		Status:     StatusPending,
		OrderID:    orderID,
	}
	if h, ok := hl7v2.ParseHeader(raw); ok {
		e.MessageType = h.Type
		e.ControlID = h.ControlID
	}
	if err := s.repo.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("record %s message: %w", dir, err)
	}
	s.notify(e)
	return e, nil
}

func (s *Service) move(ctx context.Context, id uuid.UUID, dir Direction, to Status, ch Change) (*Entry, error) {
	e, err := s.repo.Transition(ctx, id, dir, SourcesOf(dir, to), to, ch)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Str("entry_id", id.String()).Str("status", string(to)).Msg("entry transitioned")
	s.notify(e)
	return e, nil
}

// MarkProcessing starts a processing attempt on an inbound entry. It is
// valid from PENDING and, for retries, from PROCESSING.
func (s *Service) MarkProcessing(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.move(ctx, id, Inbound, StatusProcessing, Change{CountAttempt: true})
}

// MarkProcessed records a successful processing attempt.
func (s *Service) MarkProcessed(ctx context.Context, id uuid.UUID, summary interface{}, orderID *uuid.UUID) (*Entry, error) {
	ch := Change{ClearError: true, OrderID: orderID}
	if summary != nil {
		b, err := json.Marshal(summary)
		if err != nil {
			return nil, fmt.Errorf("encode parsed summary: %w", err)
		}
		ch.ParsedSummary = b
	}
	return s.move(ctx, id, Inbound, StatusSuccess, ch)
}

// MarkAttemptFailed records the error of a processing attempt. A final
// attempt moves the entry to ERROR; otherwise it stays PROCESSING.
func (s *Service) MarkAttemptFailed(ctx context.Context, id uuid.UUID, cause error, final bool) (*Entry, error) {
	msg := cause.Error()
	to := StatusProcessing
	if final {
		to = StatusError
	}
	return s.move(ctx, id, Inbound, to, Change{ErrorText: &msg})
}

// Requeue moves a failed inbound entry back to PENDING.
func (s *Service) Requeue(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.move(ctx, id, Inbound, StatusPending, Change{ClearError: true})
}

// MarkSent records that an outbound message was written to the socket.
func (s *Service) MarkSent(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.move(ctx, id, Outbound, StatusSent, Change{})
}

// Finish writes the terminal status of an outbound entry. detail is the
// device's acknowledgement text or the transport error.
func (s *Service) Finish(ctx context.Context, id uuid.UUID, to Status, detail string, summary interface{}) (*Entry, error) {
	if !to.Terminal() {
		return nil, fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, to)
	}
	ch := Change{}
	if detail != "" {
		ch.ErrorText = &detail
	}
	if summary != nil {
		b, err := json.Marshal(summary)
		if err != nil {
			return nil, fmt.Errorf("encode parsed summary: %w", err)
		}
		ch.ParsedSummary = b
	}
	return s.move(ctx, id, Outbound, to, ch)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: status %q", ErrInvalidFilter, f.Status)
	}
	if f.Direction != "" && !f.Direction.Valid() {
		return nil, 0, fmt.Errorf("%w: direction %q", ErrInvalidFilter, f.Direction)
	}
	return s.repo.List(ctx, f, limit, offset)
}

func (s *Service) Stats(ctx context.Context) ([]StatusCount, error) {
	return s.repo.Stats(ctx)
}

// Stale returns entries that have sat in PENDING or PROCESSING for longer
// than age: jobs lost before reaching the queue, and retries dropped by a
// shutdown.
func (s *Service) Stale(ctx context.Context, age time.Duration, limit int) ([]*Entry, int, error) {
	return s.repo.Stale(ctx, time.Now().Add(-age), limit)
}
