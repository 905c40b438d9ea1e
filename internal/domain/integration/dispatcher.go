package integration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/devicelink/internal/domain/clinical"
	"github.com/ehr/devicelink/internal/domain/ledger"
	"github.com/ehr/devicelink/internal/domain/registry"
	"github.com/ehr/devicelink/internal/platform/hl7v2"
	"github.com/ehr/devicelink/internal/platform/metrics"
)

const defaultDispatchTimeout = 5 * time.Second

// DispatcherConfig identifies this system on outbound messages.
type DispatcherConfig struct {
	SendingApp      string
	SendingFacility string
	Version         string
	// Timeout bounds connect and response together.
	Timeout time.Duration
}

// DialFunc opens the connection to a device.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// OutboundSummary is stored as the parsed summary of an outbound entry.
type OutboundSummary struct {
	OrderID   string `json:"order_id"`
	Device    string `json:"device"`
	ControlID string `json:"control_id"`
	Items     int    `json:"items"`
	AckCode   string `json:"ack_code,omitempty"`
	AckText   string `json:"ack_text,omitempty"`
}

// Dispatcher sends orders to instruments, one short-lived connection per
// order. Every attempt that gets as far as the ledger ends in exactly one
// terminal status; nothing is retried automatically.
type Dispatcher struct {
	cfg      DispatcherConfig
	ledger   *ledger.Service
	clinical clinical.Repository
	devices  Directory
	metrics  *metrics.Metrics
	dial     DialFunc
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

func NewDispatcher(cfg DispatcherConfig, l *ledger.Service, store clinical.Repository, devices Directory,
	m *metrics.Metrics, logger zerolog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultDispatchTimeout
	}
	var d net.Dialer
	return &Dispatcher{
		cfg:      cfg,
		ledger:   l,
		clinical: store,
		devices:  devices,
		metrics:  m,
		dial:     d.DialContext,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// SetDialer replaces the function used to reach devices.
func (d *Dispatcher) SetDialer(dial DialFunc) {
	d.dial = dial
}

// SendOrder dispatches in the background. The outcome is only visible on
// the ledger and in the log.
func (d *Dispatcher) SendOrder(ctx context.Context, orderID uuid.UUID, class registry.DeviceClass) {
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.Dispatch(ctx, orderID, class); err != nil {
			d.logger.Error().Err(err).Str("order_id", orderID.String()).Str("class", string(class)).
				Msg("order dispatch failed")
		}
	}()
}

// Wait blocks until every SendOrder started so far has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Dispatch sends one order to the active device of class and returns the
// terminal ledger entry. An error with a nil entry means nothing was sent:
// the order could not be loaded, no device is available or the message
// could not be built.
func (d *Dispatcher) Dispatch(ctx context.Context, orderID uuid.UUID, class registry.DeviceClass) (*ledger.Entry, error) {
	order, err := d.clinical.GetOrderWithSubOrders(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", orderID, err)
	}
	device, err := d.devices.DeviceForClass(ctx, class)
	if err != nil {
		return nil, fmt.Errorf("find %s device: %w", class, err)
	}
	msg, err := BuildOrderMessage(ctx, d.cfg, order, device, d.devices)
	if err != nil {
		return nil, err
	}
	raw, err := hl7v2.GenerateORM(msg)
	if err != nil {
		return nil, fmt.Errorf("render order message: %w", err)
	}

	entry, err := d.ledger.RecordOutbound(ctx, device.ID, raw, order.ID)
	if err != nil {
		return nil, err
	}

	log := d.logger.With().Str("entry_id", entry.ID.String()).Str("order_id", orderID.String()).
		Str("device_id", device.ID.String()).Str("remote_addr", device.Address()).Logger()

	start := time.Now()
	status, detail, ack := d.exchange(ctx, entry.ID, device.Address(), raw, log)

	summary := OutboundSummary{
		OrderID:   orderID.String(),
		Device:    device.Name,
		ControlID: msg.ControlID,
		Items:     len(msg.Items),
	}
	if ack != nil {
		summary.AckCode = string(ack.Code)
		summary.AckText = ack.Text
	}

	final, err := d.ledger.Finish(context.WithoutCancel(ctx), entry.ID, status, detail, summary)
	took := time.Since(start)
	d.metrics.Outbound(string(status), took)
	if err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("failed to record dispatch outcome")
		return nil, err
	}

	ev := log.Info()
	if status != ledger.StatusSuccess {
		ev = log.Warn()
	}
	ev.Str("status", string(status)).Dur("took", took).Str("detail", detail).Msg("order dispatched")
	return final, nil
}

// exchange writes one framed message and waits for the device's answer.
// The deadline is fixed before dialing and covers the whole exchange.
func (d *Dispatcher) exchange(ctx context.Context, entryID uuid.UUID, addr, raw string,
	log zerolog.Logger) (ledger.Status, string, *hl7v2.Acknowledgement) {
	deadline := time.Now().Add(d.cfg.Timeout)
	dctx, cancel := context.WithDeadline(context.WithoutCancel(ctx), deadline)
	defer cancel()

	conn, err := d.dial(dctx, "tcp", addr)
	if err != nil {
		if isTimeout(err) {
			return ledger.StatusTimeout, fmt.Sprintf("connect to %s timed out", addr), nil
		}
		return ledger.StatusError, fmt.Sprintf("connect to %s: %v", addr, err), nil
	}
	defer conn.Close()
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write([]byte(hl7v2.Wrap(raw))); err != nil {
		if isTimeout(err) {
			return ledger.StatusTimeout, "write timed out", nil
		}
		return ledger.StatusError, fmt.Sprintf("write: %v", err), nil
	}
	if _, err := d.ledger.MarkSent(context.WithoutCancel(ctx), entryID); err != nil {
		log.Error().Err(err).Msg("failed to mark entry sent")
		return ledger.StatusError, fmt.Sprintf("record sent: %v", err), nil
	}

	reply, err := readReply(conn)
	if err != nil {
		if isTimeout(err) {
			return ledger.StatusTimeout, fmt.Sprintf("no acknowledgement within %s", d.cfg.Timeout), nil
		}
		if errors.Is(err, io.EOF) {
			return ledger.StatusError, "device closed the connection without acknowledging", nil
		}
		return ledger.StatusError, fmt.Sprintf("read acknowledgement: %v", err), nil
	}

	ack, err := hl7v2.ParseAcknowledgement(reply)
	if err != nil {
		return ledger.StatusError, err.Error(), nil
	}
	if h, ok := hl7v2.ParseHeader(raw); ok && ack.ControlID != "" && ack.ControlID != h.ControlID {
		log.Warn().Str("control_id", h.ControlID).Str("ack_control_id", ack.ControlID).
			Msg("acknowledgement echoes a different control id")
	}
	if ack.Code.Positive() {
		return ledger.StatusSuccess, "", &ack
	}
	detail := ack.Text
	if detail == "" {
		detail = "device answered " + string(ack.Code)
	}
	return ledger.StatusRejected, detail, &ack
}

// readReply returns the first framed message from conn. Devices that answer
// without framing are accepted once a complete MSA segment has arrived.
func readReply(conn net.Conn) (string, error) {
	var buf string
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf += string(chunk[:n])
			if msgs, _ := hl7v2.ExtractMessages(buf); len(msgs) > 0 {
				return msgs[0], nil
			}
			if unframedAck(buf) {
				return buf, nil
			}
		}
		if err != nil {
			if strings.Contains(buf, "MSA"+hl7v2.FieldSeparator) {
				return strings.Trim(buf, "\x0b\x1c"), nil
			}
			return "", err
		}
	}
}

func unframedAck(buf string) bool {
	if strings.IndexByte(buf, hl7v2.MLLPStartBlock) != -1 {
		return false
	}
	idx := strings.Index(buf, "MSA"+hl7v2.FieldSeparator)
	return idx != -1 && strings.ContainsAny(buf[idx:], "\r\n")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
