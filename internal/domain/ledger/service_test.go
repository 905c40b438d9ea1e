package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const sampleORU = "MSH|^~\\&|HEMA|LAB|HIS|HOSP|20240101120000||ORU^R01|CTRL42|P|2.5\rPID|1||MRN1\rOBX|1|NM|HGB||12.5|g/dL"

func newTestService() (*Service, *MemRepo) {
	repo := NewMemRepo()
	return NewService(repo, zerolog.Nop()), repo
}

func TestRecordInbound_ReadsHeader(t *testing.T) {
	svc, _ := newTestService()
	dev := uuid.New()

	e, err := svc.RecordInbound(context.Background(), dev, sampleORU)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Status != StatusPending || e.Direction != Inbound {
		t.Errorf("unexpected entry %s/%s", e.Direction, e.Status)
	}
	if e.MessageType != "ORU^R01" || e.ControlID != "CTRL42" {
		t.Errorf("header not captured: type=%q control=%q", e.MessageType, e.ControlID)
	}
	if e.DeviceID != dev {
		t.Error("device not recorded")
	}
}

func TestRecordInbound_GarbageStillRecorded(t *testing.T) {
	svc, _ := newTestService()
	e, err := svc.RecordInbound(context.Background(), uuid.Nil, "not hl7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.MessageType != "" || e.RawMessage != "not hl7" {
		t.Errorf("unexpected entry %+v", e)
	}
}

func TestInboundLifecycle_RetriesStayProcessing(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	e, _ := svc.RecordInbound(ctx, uuid.New(), sampleORU)

	for attempt := 1; attempt <= 3; attempt++ {
		got, err := svc.MarkProcessing(ctx, e.ID)
		if err != nil {
			t.Fatalf("attempt %d: mark processing: %v", attempt, err)
		}
		if got.Attempts != attempt {
			t.Errorf("expected %d attempts, got %d", attempt, got.Attempts)
		}
		final := attempt == 3
		got, err = svc.MarkAttemptFailed(ctx, e.ID, errors.New("order not found"), final)
		if err != nil {
			t.Fatalf("attempt %d: mark failed: %v", attempt, err)
		}
		want := StatusProcessing
		if final {
			want = StatusError
		}
		if got.Status != want {
			t.Errorf("attempt %d: expected %s, got %s", attempt, want, got.Status)
		}
		if got.ErrorText == nil || *got.ErrorText != "order not found" {
			t.Errorf("attempt %d: error text not recorded", attempt)
		}
	}

	if _, err := svc.MarkProcessing(ctx, e.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("ERROR entry must not be processed again without requeue, got %v", err)
	}
}

func TestMarkProcessed_ClearsErrorAndStoresSummary(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	e, _ := svc.RecordInbound(ctx, uuid.New(), sampleORU)
	orderID := uuid.New()

	svc.MarkProcessing(ctx, e.ID)
	svc.MarkAttemptFailed(ctx, e.ID, errors.New("transient"), false)
	svc.MarkProcessing(ctx, e.ID)

	got, err := svc.MarkProcessed(ctx, e.ID, map[string]int{"results": 1}, &orderID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusSuccess {
		t.Errorf("expected SUCCESS, got %s", got.Status)
	}
	if got.ErrorText != nil {
		t.Errorf("expected error text cleared, got %q", *got.ErrorText)
	}
	if got.OrderID == nil || *got.OrderID != orderID {
		t.Error("order id not linked")
	}
	var summary map[string]int
	if err := json.Unmarshal(got.ParsedSummary, &summary); err != nil || summary["results"] != 1 {
		t.Errorf("unexpected summary %s", got.ParsedSummary)
	}
}

func TestRequeue(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	e, _ := svc.RecordInbound(ctx, uuid.New(), sampleORU)

	if _, err := svc.Requeue(ctx, e.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("PENDING entry cannot be requeued, got %v", err)
	}

	svc.MarkProcessing(ctx, e.ID)
	svc.MarkAttemptFailed(ctx, e.ID, errors.New("boom"), true)

	got, err := svc.Requeue(ctx, e.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusPending || got.ErrorText != nil {
		t.Errorf("expected clean PENDING entry, got %s %v", got.Status, got.ErrorText)
	}
}

func TestRequeue_OutboundRefused(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	e, _ := svc.RecordOutbound(ctx, uuid.New(), "MSH|^~\\&|HIS|HOSP|HEMA|LAB|||ORM^O01|C1|P|2.5", uuid.New())
	if _, err := svc.Finish(ctx, e.ID, StatusError, "connection refused", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Requeue(ctx, e.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("outbound entries are never requeued, got %v", err)
	}
}

func TestOutboundLifecycle(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	orderID := uuid.New()
	e, err := svc.RecordOutbound(ctx, uuid.New(), "MSH|^~\\&|HIS|HOSP|HEMA|LAB|||ORM^O01|C1|P|2.5", orderID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.OrderID == nil || *e.OrderID != orderID || e.ControlID != "C1" {
		t.Errorf("unexpected outbound entry %+v", e)
	}

	if _, err := svc.MarkSent(ctx, e.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	got, err := svc.Finish(ctx, e.ID, StatusRejected, "unknown test code", nil)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if got.Status != StatusRejected || *got.ErrorText != "unknown test code" {
		t.Errorf("unexpected terminal entry %s %v", got.Status, got.ErrorText)
	}

	if _, err := svc.Finish(ctx, e.ID, StatusSuccess, "", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("terminal entry must not change, got %v", err)
	}
}

func TestFinish_RejectsNonTerminal(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	e, _ := svc.RecordOutbound(ctx, uuid.New(), "x", uuid.New())
	if _, err := svc.Finish(ctx, e.ID, StatusSent, "", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected invalid transition, got %v", err)
	}
}

func TestTransition_UnknownEntry(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.MarkProcessing(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestList_Filters(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	devA, devB := uuid.New(), uuid.New()
	svc.RecordInbound(ctx, devA, sampleORU)
	svc.RecordInbound(ctx, devA, sampleORU)
	svc.RecordInbound(ctx, devB, sampleORU)
	svc.RecordOutbound(ctx, devB, "x", uuid.New())

	items, total, err := svc.List(ctx, Filter{DeviceID: &devA}, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Errorf("expected 2 entries for device A, got %d", total)
	}

	_, total, _ = svc.List(ctx, Filter{Direction: Outbound}, 10, 0)
	if total != 1 {
		t.Errorf("expected 1 outbound entry, got %d", total)
	}

	items, total, _ = svc.List(ctx, Filter{}, 2, 2)
	if total != 4 || len(items) != 2 {
		t.Errorf("expected second page of 2, got %d of %d", len(items), total)
	}

	if _, _, err := svc.List(ctx, Filter{Status: "DONE"}, 10, 0); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("expected ErrInvalidFilter, got %v", err)
	}
}

func TestStats(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	svc.RecordInbound(ctx, uuid.New(), sampleORU)
	e, _ := svc.RecordInbound(ctx, uuid.New(), sampleORU)
	svc.MarkProcessing(ctx, e.ID)

	counts, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := map[Status]int{}
	for _, c := range counts {
		got[c.Status] = c.Count
	}
	if got[StatusPending] != 1 || got[StatusProcessing] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}
}

func TestStale(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	base := time.Now()
	repo.now = func() time.Time { return base.Add(-10 * time.Minute) }
	old, _ := svc.RecordInbound(ctx, uuid.New(), sampleORU)
	stranded, _ := svc.RecordInbound(ctx, uuid.New(), sampleORU)
	if _, err := svc.MarkProcessing(ctx, stranded.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	settled, _ := svc.RecordInbound(ctx, uuid.New(), sampleORU)
	svc.MarkProcessing(ctx, settled.ID)
	if _, err := svc.MarkProcessed(ctx, settled.ID, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	repo.now = func() time.Time { return base }
	svc.RecordInbound(ctx, uuid.New(), sampleORU)

	stale, total, err := svc.Stale(ctx, 5*time.Minute, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 || len(stale) != 2 {
		t.Fatalf("expected the old pending and processing entries, got %d", total)
	}
	got := map[uuid.UUID]Status{}
	for _, e := range stale {
		got[e.ID] = e.Status
	}
	if got[old.ID] != StatusPending || got[stranded.ID] != StatusProcessing {
		t.Errorf("unexpected stale entries %v", got)
	}
}

func TestStale_RecentUpdateIsNotStale(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	base := time.Now()
	repo.now = func() time.Time { return base.Add(-10 * time.Minute) }
	e, _ := svc.RecordInbound(ctx, uuid.New(), sampleORU)
	repo.now = func() time.Time { return base }
	if _, err := svc.MarkProcessing(ctx, e.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, total, err := svc.Stale(ctx, 5*time.Minute, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 0 {
		t.Errorf("expected an entry touched just now not to be stale, got %d", total)
	}
}
