package integration

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/devicelink/internal/domain/clinical"
	"github.com/ehr/devicelink/internal/domain/ledger"
	"github.com/ehr/devicelink/internal/platform/queue"
)

func decodeSummary(t *testing.T, e *ledger.Entry) Summary {
	t.Helper()
	var s Summary
	require.NoError(t, json.Unmarshal(e.ParsedSummary, &s))
	return s
}

func TestProcess_LabSingleResult(t *testing.T) {
	order := hemoglobinOrder()
	h := newHarness(t, order)
	raw := oru("LAB1", order.ID.String(), "NM|HGB^Hemoglobin||12.5|g/dL|12-16|N")
	id := h.accept(t, raw)

	require.NoError(t, h.engine.Process(context.Background(), delivery(id, raw, 1)))

	lo := order.LabOrders[0]
	require.NotNil(t, h.store.labResults[lo.ID])
	assert.Equal(t, clinical.LabResult{Value: "12.5", Unit: "g/dL", ReferenceRange: "12-16", AbnormalFlag: "N"},
		*h.store.labResults[lo.ID])
	assert.Equal(t, 1, h.store.labCompleted[lo.ID])
	assert.Equal(t, 1, h.store.ordersCompleted[order.ID])

	e := h.entry(t, id)
	assert.Equal(t, ledger.StatusSuccess, e.Status)
	assert.Nil(t, e.ErrorText)
	require.NotNil(t, e.OrderID)
	assert.Equal(t, order.ID, *e.OrderID)

	s := decodeSummary(t, e)
	assert.Equal(t, "ORU^R01", s.MessageType)
	assert.Equal(t, "LAB1", s.ControlID)
	assert.Equal(t, order.ID.String(), s.OrderID)
	assert.Equal(t, 1, s.ResultCount)
	assert.Equal(t, []string{"HGB"}, s.Matched)
	assert.Empty(t, s.Unmatched)
}

func TestProcess_PanelParametersCompleteSubOrderOnce(t *testing.T) {
	order := panelOrder()
	h := newHarness(t, order)
	raw := oru("CBC1", order.ID.String(),
		"NM|WBC||6.1|10*3/uL|4.0-11.0|N",
		"NM|PLT||450|10*3/uL|150-400|H",
		"NM|XYZ||1|",
	)
	id := h.accept(t, raw)

	require.NoError(t, h.engine.Process(context.Background(), delivery(id, raw, 1)))

	lo := order.LabOrders[0]
	require.Len(t, h.store.paramResults, 2)
	assert.Equal(t, lo.ID, h.store.paramResults[0].LabOrderID)
	assert.Equal(t, lo.Parameters[0].ID, h.store.paramResults[0].ParameterID)
	assert.Equal(t, "6.1", h.store.paramResults[0].Value)
	assert.Equal(t, lo.Parameters[1].ID, h.store.paramResults[1].ParameterID)
	assert.Equal(t, "H", h.store.paramResults[1].AbnormalFlag)
	assert.Equal(t, 1, h.store.labCompleted[lo.ID])
	assert.Nil(t, h.store.labResults[lo.ID], "a panel keeps its results on the parameters")

	s := decodeSummary(t, h.entry(t, id))
	assert.Equal(t, []string{"WBC", "PLT"}, s.Matched)
	assert.Equal(t, []string{"XYZ"}, s.Unmatched)
}

func TestProcess_DeviceCodeMapsBackToTest(t *testing.T) {
	order := hemoglobinOrder()
	h := newHarness(t, order)
	lo := order.LabOrders[0]
	h.dir.reverse = map[string]uuid.UUID{"HB01": lo.Test.ID}

	raw := oru("MAP1", order.ID.String(), "NM|HB01||13.0|g/dL")
	id := h.accept(t, raw)

	require.NoError(t, h.engine.Process(context.Background(), delivery(id, raw, 1)))
	require.NotNil(t, h.store.labResults[lo.ID])
	assert.Equal(t, "13.0", h.store.labResults[lo.ID].Value)
}

func TestProcess_OrderReferenceFallsBackToFillerNumber(t *testing.T) {
	order := hemoglobinOrder()
	h := newHarness(t, order)
	raw := "MSH|^~\\&|ANALYZER|LAB|HIS|HOSPITAL|20240301101500||ORU^R01|FB1|P|2.5\r" +
		"OBR|1|ACC-77|" + order.ID.String() + "|HGB\r" +
		"OBX|1|NM|HGB||12.1|g/dL"
	id := h.accept(t, raw)

	require.NoError(t, h.engine.Process(context.Background(), delivery(id, raw, 1)))
	assert.Equal(t, ledger.StatusSuccess, h.entry(t, id).Status)
}

func TestProcess_Radiology(t *testing.T) {
	order := radiologyOrder()
	h := newHarness(t, order)
	raw := oru("RAD1", order.ID.String(),
		"TX|FINDINGS||No acute cardiopulmonary process.",
		"TX|IMPRESSION||Normal chest.",
		"RP|IMAGE||https://pacs.example.org/viewer?study=1^PACS^IMAGE",
	)
	id := h.accept(t, raw)

	require.NoError(t, h.engine.Process(context.Background(), delivery(id, raw, 1)))

	ro := order.RadiologyOrders[0]
	got := h.store.radiology[ro.ID]
	assert.Equal(t, "No acute cardiopulmonary process.\nNormal chest.", got.report)
	assert.Equal(t, "https://pacs.example.org/viewer?study=1", got.imageURL)
	assert.Equal(t, 1, h.store.ordersCompleted[order.ID])

	s := decodeSummary(t, h.entry(t, id))
	assert.Equal(t, "RADIOLOGY", s.OrderType)
	assert.Equal(t, got.imageURL, s.ImageURL)
}

func TestProcess_NonResultMessageIsRecordedAndIgnored(t *testing.T) {
	h := newHarness(t)
	raw := "MSH|^~\\&|ANALYZER|LAB|HIS|HOSPITAL|20240301101500||ADT^A01|ADT1|P|2.5\rPID|1||MRN001"
	id := h.accept(t, raw)

	require.NoError(t, h.engine.Process(context.Background(), delivery(id, raw, 1)))

	e := h.entry(t, id)
	assert.Equal(t, ledger.StatusSuccess, e.Status)
	s := decodeSummary(t, e)
	assert.True(t, s.Ignored)
	assert.Equal(t, "ADT^A01", s.MessageType)
}

func TestProcess_PermanentFailuresEndInErrorAtOnce(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unparseable", "this is not hl7"},
		{"no order id", oru("NOID", "ACC-1", "NM|HGB||12.5|g/dL")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			id := h.accept(t, tt.raw)
			d := delivery(id, tt.raw, 1)

			err := h.engine.Process(context.Background(), d)
			require.Error(t, err)
			assert.True(t, queue.IsNonRetryable(err))
			assert.Equal(t, queue.OutcomeDrop, queue.Decide(err, d))

			e := h.entry(t, id)
			assert.Equal(t, ledger.StatusError, e.Status)
			assert.NotNil(t, e.ErrorText)
		})
	}
}

// The entry stays PROCESSING between attempts and only the last one writes
// ERROR.
func TestProcess_UnknownOrderRetriesThenFails(t *testing.T) {
	h := newHarness(t)
	raw := oru("UNK2", uuid.NewString(), "NM|HGB||12.5|g/dL")
	id := h.accept(t, raw)

	for attempt := 1; attempt <= 2; attempt++ {
		d := delivery(id, raw, attempt)
		err := h.engine.Process(context.Background(), d)
		require.Error(t, err)
		assert.Equal(t, queue.OutcomeRetry, queue.Decide(err, d))

		e := h.entry(t, id)
		assert.Equal(t, ledger.StatusProcessing, e.Status)
		assert.Equal(t, attempt, e.Attempts)
		require.NotNil(t, e.ErrorText)
	}

	d := delivery(id, raw, 3)
	err := h.engine.Process(context.Background(), d)
	require.Error(t, err)
	assert.Equal(t, queue.OutcomeDrop, queue.Decide(err, d))

	e := h.entry(t, id)
	assert.Equal(t, ledger.StatusError, e.Status)
	assert.Equal(t, 3, e.Attempts)
}

func TestProcess_CancelledFinalAttemptIsReleased(t *testing.T) {
	order := hemoglobinOrder()
	h := newHarness(t, order)
	raw := oru("SHUT1", order.ID.String(), "NM|HGB||12.5|g/dL")
	id := h.accept(t, raw)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.engine.Process(ctx, delivery(id, raw, 3))
	require.Error(t, err)
	assert.True(t, queue.IsInterrupted(err))
	assert.Equal(t, queue.OutcomeRelease, queue.Decide(err, delivery(id, raw, 3)))

	e := h.entry(t, id)
	assert.Equal(t, ledger.StatusProcessing, e.Status, "a shutdown must not fail the entry")
	assert.Nil(t, e.ErrorText)
	assert.Empty(t, h.store.labResults)

	require.NoError(t, h.engine.Process(context.Background(), delivery(id, raw, 1)))
	assert.Equal(t, ledger.StatusSuccess, h.entry(t, id).Status)
}

func TestProcess_RedeliveryOfSettledEntryIsAcknowledged(t *testing.T) {
	order := hemoglobinOrder()
	h := newHarness(t, order)
	raw := oru("DUP1", order.ID.String(), "NM|HGB||12.5|g/dL")
	id := h.accept(t, raw)

	require.NoError(t, h.engine.Process(context.Background(), delivery(id, raw, 1)))
	require.NoError(t, h.engine.Process(context.Background(), delivery(id, raw, 1)))

	assert.Equal(t, 1, h.store.ordersCompleted[order.ID], "a settled entry is not applied twice")
}

func TestProcess_MissingEntryIsDropped(t *testing.T) {
	h := newHarness(t)
	err := h.engine.Process(context.Background(), delivery(uuid.New(), "MSH", 1))
	require.Error(t, err)
	assert.True(t, queue.IsNonRetryable(err))
}

func TestProcess_RequeuedEntryIsProcessedAgain(t *testing.T) {
	order := hemoglobinOrder()
	h := newHarness(t)
	raw := oru("RQ1", order.ID.String(), "NM|HGB||12.5|g/dL")
	id := h.accept(t, raw)

	for attempt := 1; attempt <= 3; attempt++ {
		_ = h.engine.Process(context.Background(), delivery(id, raw, attempt))
	}
	require.Equal(t, ledger.StatusError, h.entry(t, id).Status)

	// The order shows up later; an operator requeues the entry.
	h.store.orders[order.ID] = order
	e, err := h.ledger.Requeue(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, h.engine.Resubmit(context.Background(), e))
	require.Len(t, h.queue.Jobs(), 1)

	require.NoError(t, h.engine.Process(context.Background(), delivery(id, raw, 1)))
	e = h.entry(t, id)
	assert.Equal(t, ledger.StatusSuccess, e.Status)
	assert.Nil(t, e.ErrorText)
}
