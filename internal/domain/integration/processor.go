package integration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/devicelink/internal/domain/clinical"
	"github.com/ehr/devicelink/internal/domain/ledger"
	"github.com/ehr/devicelink/internal/platform/hl7v2"
	"github.com/ehr/devicelink/internal/platform/queue"
)

// Summary is stored as the parsed summary of a processed inbound entry.
type Summary struct {
	MessageType string   `json:"message_type"`
	ControlID   string   `json:"control_id"`
	OrderID     string   `json:"order_id,omitempty"`
	OrderType   string   `json:"order_type,omitempty"`
	ResultCount int      `json:"result_count"`
	Matched     []string `json:"matched_codes,omitempty"`
	Unmatched   []string `json:"unmatched_codes,omitempty"`
	ImageURL    string   `json:"image_url,omitempty"`
	Ignored     bool     `json:"ignored,omitempty"`
	Note        string   `json:"note,omitempty"`
}

// Process is the queue handler. Each call is one attempt: the entry is
// marked PROCESSING, the message applied, and the outcome written back. A
// returned error asks the queue for another attempt unless the delivery is
// final or the error is non-retryable. An attempt cut short because ctx was
// cancelled records no outcome and is released back to the queue; the entry
// stays PROCESSING until the job is delivered again.
func (e *Engine) Process(ctx context.Context, d queue.Delivery) error {
	log := e.logger.With().Str("entry_id", d.EntryID.String()).Int("attempt", d.Attempt).Logger()

	entry, err := e.ledger.MarkProcessing(ctx, d.EntryID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		log.Error().Msg("queued entry is missing from the ledger")
		return queue.NonRetryable(err)
	case errors.Is(err, ledger.ErrInvalidTransition):
		// Already settled by an earlier delivery.
		log.Warn().Err(err).Msg("skipping redelivered entry")
		return nil
	case err != nil:
		if ctx.Err() != nil {
			return queue.Interrupted(fmt.Errorf("mark processing: %w", err))
		}
		return fmt.Errorf("mark processing: %w", err)
	}

	summary, orderID, perr := e.apply(ctx, entry, log)
	if perr != nil && ctx.Err() != nil {
		log.Info().Err(perr).Msg("processing interrupted by shutdown")
		return queue.Interrupted(perr)
	}
	if perr != nil {
		final := d.Final() || queue.IsNonRetryable(perr)
		if _, err := e.ledger.MarkAttemptFailed(context.WithoutCancel(ctx), entry.ID, perr, final); err != nil {
			log.Error().Err(err).Msg("failed to record processing error")
		}
		if final {
			log.Error().Err(perr).Msg("message processing failed")
			e.metrics.Processed("error")
		} else {
			log.Warn().Err(perr).Msg("message processing failed, will retry")
			e.metrics.Processed("retry")
		}
		return perr
	}

	if _, err := e.ledger.MarkProcessed(context.WithoutCancel(ctx), entry.ID, summary, orderID); err != nil {
		log.Error().Err(err).Msg("failed to record processing success")
		return fmt.Errorf("mark processed: %w", err)
	}
	log.Info().Str("type", summary.MessageType).Int("results", summary.ResultCount).Msg("message processed")
	e.metrics.Processed("success")
	return nil
}

func (e *Engine) apply(ctx context.Context, entry *ledger.Entry, log zerolog.Logger) (*Summary, *uuid.UUID, error) {
	msg, err := hl7v2.Parse(entry.RawMessage)
	if err != nil {
		return nil, nil, queue.NonRetryable(fmt.Errorf("unparseable message: %w", err))
	}

	summary := &Summary{MessageType: msg.Type, ControlID: msg.ControlID}
	if code := msg.MessageCode(); code != hl7v2.TypeResult {
		summary.Ignored = true
		summary.Note = fmt.Sprintf("%s messages are recorded but not processed", code)
		return summary, nil, nil
	}

	res := ExtractResults(msg)
	summary.ResultCount = len(res.Observations)

	orderID, ok := res.OrderID()
	if !ok {
		return nil, nil, queue.NonRetryable(fmt.Errorf("result message carries no order id (refs %q)", res.OrderRefs))
	}
	summary.OrderID = orderID.String()

	order, err := e.clinical.GetOrderWithSubOrders(ctx, orderID)
	if err != nil {
		return nil, nil, fmt.Errorf("load order %s: %w", orderID, err)
	}
	summary.OrderType = string(order.Type)

	err = e.clinical.WithinTx(ctx, func(ctx context.Context) error {
		switch order.Type {
		case clinical.OrderLab:
			return e.applyLab(ctx, entry.DeviceID, order, res.Observations, summary)
		case clinical.OrderRadiology:
			return e.applyRadiology(ctx, order, res.Observations, summary)
		}
		return queue.NonRetryable(fmt.Errorf("%w: %q", ErrUnsupportedOrderType, order.Type))
	})
	if err != nil {
		return nil, nil, err
	}

	if len(summary.Unmatched) > 0 {
		log.Warn().Strs("codes", summary.Unmatched).Str("order_id", orderID.String()).
			Msg("result codes matched no sub-order")
	}
	return summary, &orderID, nil
}

// applyLab writes every observation onto the lab sub-order it belongs to.
// A code matching a panel parameter becomes a discrete parameter result; a
// code matching the sub-order's own test, directly or through the device's
// test mapping, becomes that sub-order's result.
func (e *Engine) applyLab(ctx context.Context, deviceID uuid.UUID, order *clinical.Order, obs []Observation, summary *Summary) error {
	completed := make(map[uuid.UUID]bool)

	for _, o := range obs {
		result := clinical.LabResult{
			Value:          o.Value,
			Unit:           o.Unit,
			ReferenceRange: o.ReferenceRange,
			AbnormalFlag:   o.AbnormalFlag,
		}
		mappedTest, mapped := e.devices.LabTestForCode(ctx, deviceID, o.Code)

		matched := false
		for _, lo := range order.LabOrders {
			if p, ok := lo.Parameter(o.Code); ok {
				if err := e.clinical.CreateParameterResult(ctx, &clinical.ParameterResult{
					LabOrderID:  lo.ID,
					ParameterID: p.ID,
					LabResult:   result,
				}); err != nil {
					return fmt.Errorf("record parameter %s: %w", o.Code, err)
				}
				if !completed[lo.ID] {
					if err := e.clinical.CompleteLabOrder(ctx, lo.ID, nil); err != nil {
						return fmt.Errorf("complete lab order %s: %w", lo.ID, err)
					}
					completed[lo.ID] = true
				}
				matched = true
				break
			}
			if strings.EqualFold(lo.Test.Code, o.Code) || (mapped && lo.Test.ID == mappedTest) {
				if err := e.clinical.CompleteLabOrder(ctx, lo.ID, &result); err != nil {
					return fmt.Errorf("complete lab order %s: %w", lo.ID, err)
				}
				completed[lo.ID] = true
				matched = true
				break
			}
		}

		if matched {
			summary.Matched = append(summary.Matched, o.Code)
		} else {
			summary.Unmatched = append(summary.Unmatched, o.Code)
		}
	}

	if err := e.clinical.CompleteOrder(ctx, order.ID); err != nil {
		return fmt.Errorf("complete order: %w", err)
	}
	return nil
}

// applyRadiology joins the text observations into a report and keeps the
// last link as the image-viewer URL.
func (e *Engine) applyRadiology(ctx context.Context, order *clinical.Order, obs []Observation, summary *Summary) error {
	var lines []string
	var imageURL string
	for _, o := range obs {
		if o.IsLink() {
			imageURL = o.Value
			continue
		}
		if o.Value != "" {
			lines = append(lines, o.Value)
		}
	}
	report := strings.Join(lines, "\n")
	summary.ImageURL = imageURL

	for _, ro := range order.RadiologyOrders {
		if err := e.clinical.CompleteRadiologyOrder(ctx, ro.ID, report, imageURL); err != nil {
			return fmt.Errorf("complete radiology order %s: %w", ro.ID, err)
		}
		summary.Matched = append(summary.Matched, ro.Study.Code)
	}

	if err := e.clinical.CompleteOrder(ctx, order.ID); err != nil {
		return fmt.Errorf("complete order: %w", err)
	}
	return nil
}
