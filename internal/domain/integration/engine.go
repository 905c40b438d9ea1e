// Package integration moves HL7 messages between instruments and the
// clinical model: inbound results are recorded, queued and applied to
// orders; orders are rendered and sent to the instrument that runs them.
package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/devicelink/internal/domain/clinical"
	"github.com/ehr/devicelink/internal/domain/ledger"
	"github.com/ehr/devicelink/internal/domain/registry"
	"github.com/ehr/devicelink/internal/platform/hl7v2"
	"github.com/ehr/devicelink/internal/platform/metrics"
	"github.com/ehr/devicelink/internal/platform/queue"
)

var (
	ErrUnsupportedOrderType = errors.New("integration: unsupported order type")
	ErrBufferOverflow       = errors.New("integration: connection buffer exceeds limit")
)

// Directory is what the engine needs from the device registry.
type Directory interface {
	Attribute(ctx context.Context, sendingApp, remoteHost string) uuid.UUID
	DeviceForClass(ctx context.Context, class registry.DeviceClass) (*registry.Device, error)
	DeviceCode(ctx context.Context, deviceID, labTestID uuid.UUID, internalCode string) string
	LabTestForCode(ctx context.Context, deviceID uuid.UUID, code string) (uuid.UUID, bool)
}

// Engine is the inbound half: it turns received frames into ledger entries
// and queued jobs, and processes those jobs.
type Engine struct {
	ledger    *ledger.Service
	queue     queue.Queue
	devices   Directory
	clinical  clinical.Repository
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	maxBuffer int

	mu    sync.Mutex
	conns map[string]*inboundConn
}

// inboundConn is the state of one SubmitInboundBytes stream. mu is held for
// a whole call so acknowledgements leave in the order the bytes came in.
type inboundConn struct {
	mu  sync.Mutex
	buf string
}

// NewEngine wires the inbound pipeline. maxBuffer caps the per-connection
// buffer of SubmitInboundBytes; zero uses the listener default.
func NewEngine(l *ledger.Service, q queue.Queue, devices Directory, store clinical.Repository,
	m *metrics.Metrics, maxBuffer int, logger zerolog.Logger) *Engine {
	if maxBuffer <= 0 {
		maxBuffer = hl7v2.DefaultMaxMessageSize
	}
	return &Engine{
		ledger:    l,
		queue:     q,
		devices:   devices,
		clinical:  store,
		metrics:   m,
		logger:    logger.With().Str("component", "engine").Logger(),
		maxBuffer: maxBuffer,
		conns:     make(map[string]*inboundConn),
	}
}

// HandleFrame is the listener's hl7v2.FrameHandler.
func (e *Engine) HandleFrame(ctx context.Context, peer hl7v2.Peer, payload string) string {
	return e.Accept(ctx, peer.RemoteHost, payload)
}

// Accept records one received message and queues it for processing. It
// returns the unframed acknowledgement for the sender: AA once the message
// is on the ledger and queued, AE when either step failed so the device
// retransmits.
func (e *Engine) Accept(ctx context.Context, remoteHost, payload string) string {
	header, _ := hl7v2.ParseHeader(payload)
	log := e.logger.With().Str("control_id", header.ControlID).Str("remote_addr", remoteHost).Logger()

	deviceID := e.devices.Attribute(ctx, header.SendingApp, remoteHost)

	entry, err := e.ledger.RecordInbound(ctx, deviceID, payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to record inbound message")
		e.metrics.InboundNacked()
		return hl7v2.CreateAcknowledgement(payload, hl7v2.AckError, "message could not be stored")
	}

	job := queue.Job{EntryID: entry.ID, Raw: payload, EnqueuedAt: time.Now().UTC()}
	if err := e.queue.Enqueue(ctx, job); err != nil {
		// The entry stays PENDING without a job; the stale monitor reports it.
		log.Error().Err(err).Str("entry_id", entry.ID.String()).Msg("failed to enqueue inbound message")
		e.metrics.InboundNacked()
		return hl7v2.CreateAcknowledgement(payload, hl7v2.AckError, "message could not be queued")
	}

	log.Info().Str("entry_id", entry.ID.String()).Str("device_id", deviceID.String()).
		Str("type", header.Type).Msg("inbound message accepted")
	e.metrics.InboundAccepted()
	return hl7v2.CreateAcknowledgement(payload, hl7v2.AckAccept, "")
}

// SubmitInboundBytes feeds bytes read by something other than the MLLP
// listener. Bytes are buffered per connectionID exactly like a socket
// connection; the acknowledgements of every completed message are returned
// unframed and in order. Calls for one connectionID run one at a time;
// different connections proceed in parallel.
func (e *Engine) SubmitInboundBytes(ctx context.Context, connectionID, remoteAddr string, data []byte) ([]string, error) {
	c := e.conn(connectionID)
	c.mu.Lock()
	defer c.mu.Unlock()

	messages, rest := hl7v2.ExtractMessages(c.buf + string(data))
	if len(rest) > e.maxBuffer {
		c.buf = ""
		return nil, fmt.Errorf("%w: %d bytes on %s", ErrBufferOverflow, len(rest), connectionID)
	}
	c.buf = rest

	acks := make([]string, 0, len(messages))
	for _, payload := range messages {
		acks = append(acks, e.Accept(ctx, remoteAddr, payload))
	}
	return acks, nil
}

func (e *Engine) conn(connectionID string) *inboundConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conns[connectionID]
	if !ok {
		c = &inboundConn{}
		e.conns[connectionID] = c
	}
	return c
}

// CloseConnection discards whatever is buffered for connectionID.
func (e *Engine) CloseConnection(connectionID string) {
	e.mu.Lock()
	delete(e.conns, connectionID)
	e.mu.Unlock()
}

// Resubmit queues a requeued ledger entry again.
func (e *Engine) Resubmit(ctx context.Context, entry *ledger.Entry) error {
	return e.queue.Enqueue(ctx, queue.Job{EntryID: entry.ID, Raw: entry.RawMessage, EnqueuedAt: time.Now().UTC()})
}

// Run consumes the queue until ctx is cancelled or the queue is closed.
func (e *Engine) Run(ctx context.Context) error {
	return e.queue.Consume(ctx, e.Process)
}
