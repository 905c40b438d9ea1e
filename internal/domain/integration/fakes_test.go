package integration

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ehr/devicelink/internal/domain/clinical"
	"github.com/ehr/devicelink/internal/domain/ledger"
	"github.com/ehr/devicelink/internal/domain/registry"
	"github.com/ehr/devicelink/internal/platform/hl7v2"
	"github.com/ehr/devicelink/internal/platform/queue"
)

// ---------------------------------------------------------------------------
// Directory
// ---------------------------------------------------------------------------

type fakeDirectory struct {
	device  *registry.Device
	codes   map[uuid.UUID]string // lab test id -> device code
	reverse map[string]uuid.UUID // device code -> lab test id
}

func (f *fakeDirectory) Attribute(context.Context, string, string) uuid.UUID {
	if f.device == nil {
		return uuid.Nil
	}
	return f.device.ID
}

func (f *fakeDirectory) DeviceForClass(_ context.Context, class registry.DeviceClass) (*registry.Device, error) {
	if f.device == nil || f.device.Class != class {
		return nil, registry.ErrNoDevice
	}
	return f.device, nil
}

func (f *fakeDirectory) DeviceCode(_ context.Context, _, labTestID uuid.UUID, internalCode string) string {
	if code, ok := f.codes[labTestID]; ok {
		return code
	}
	return internalCode
}

func (f *fakeDirectory) LabTestForCode(_ context.Context, _ uuid.UUID, code string) (uuid.UUID, bool) {
	id, ok := f.reverse[code]
	return id, ok
}

// ---------------------------------------------------------------------------
// Clinical store
// ---------------------------------------------------------------------------

type radiologyResult struct {
	report   string
	imageURL string
}

type fakeClinical struct {
	mu              sync.Mutex
	orders          map[uuid.UUID]*clinical.Order
	paramResults    []*clinical.ParameterResult
	labResults      map[uuid.UUID]*clinical.LabResult
	labCompleted    map[uuid.UUID]int
	radiology       map[uuid.UUID]radiologyResult
	ordersCompleted map[uuid.UUID]int
}

func newFakeClinical(orders ...*clinical.Order) *fakeClinical {
	f := &fakeClinical{
		orders:          make(map[uuid.UUID]*clinical.Order),
		labResults:      make(map[uuid.UUID]*clinical.LabResult),
		labCompleted:    make(map[uuid.UUID]int),
		radiology:       make(map[uuid.UUID]radiologyResult),
		ordersCompleted: make(map[uuid.UUID]int),
	}
	for _, o := range orders {
		f.orders[o.ID] = o
	}
	return f
}

func (f *fakeClinical) GetOrderWithSubOrders(ctx context.Context, id uuid.UUID) (*clinical.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, clinical.ErrOrderNotFound
	}
	return o, nil
}

func (f *fakeClinical) CreateParameterResult(_ context.Context, r *clinical.ParameterResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.ID = uuid.New()
	f.paramResults = append(f.paramResults, r)
	return nil
}

func (f *fakeClinical) CompleteLabOrder(_ context.Context, id uuid.UUID, result *clinical.LabResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labCompleted[id]++
	if result != nil {
		r := *result
		f.labResults[id] = &r
	}
	return nil
}

func (f *fakeClinical) CompleteRadiologyOrder(_ context.Context, id uuid.UUID, report, imageURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.radiology[id] = radiologyResult{report: report, imageURL: imageURL}
	return nil
}

func (f *fakeClinical) CompleteOrder(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ordersCompleted[id]++
	return nil
}

func (f *fakeClinical) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// ---------------------------------------------------------------------------
// Queue and ledger
// ---------------------------------------------------------------------------

type fakeQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
	err  error
	// gate, when set, holds every Enqueue until it is closed.
	gate chan struct{}
}

func (q *fakeQueue) Enqueue(_ context.Context, job queue.Job) error {
	if q.gate != nil {
		<-q.gate
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) Consume(ctx context.Context, _ queue.Handler) error {
	<-ctx.Done()
	return nil
}

func (q *fakeQueue) Close() error { return nil }

func (q *fakeQueue) Jobs() []queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Job(nil), q.jobs...)
}

// brokenLedger fails every insert.
type brokenLedger struct {
	*ledger.MemRepo
}

func (brokenLedger) Create(context.Context, *ledger.Entry) error {
	return fmt.Errorf("connection refused")
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type harness struct {
	engine *Engine
	repo   *ledger.MemRepo
	ledger *ledger.Service
	queue  *fakeQueue
	dir    *fakeDirectory
	store  *fakeClinical
}

func labDevice() *registry.Device {
	return &registry.Device{ID: uuid.New(), Name: "ANALYZER", Class: registry.ClassLab,
		Host: "127.0.0.1", Port: 2575, Protocol: registry.ProtocolMLLP, Active: true}
}

func newHarness(t *testing.T, orders ...*clinical.Order) *harness {
	t.Helper()
	h := &harness{
		repo:  ledger.NewMemRepo(),
		queue: &fakeQueue{},
		dir:   &fakeDirectory{device: labDevice()},
		store: newFakeClinical(orders...),
	}
	h.ledger = ledger.NewService(h.repo, zerolog.Nop())
	h.engine = NewEngine(h.ledger, h.queue, h.dir, h.store, nil, 0, zerolog.Nop())
	return h
}

// accept records raw on the ledger and returns its entry id.
func (h *harness) accept(t *testing.T, raw string) uuid.UUID {
	t.Helper()
	e, err := h.ledger.RecordInbound(context.Background(), h.dir.device.ID, raw)
	require.NoError(t, err)
	return e.ID
}

func (h *harness) entry(t *testing.T, id uuid.UUID) *ledger.Entry {
	t.Helper()
	e, err := h.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return e
}

func delivery(id uuid.UUID, raw string, attempt int) queue.Delivery {
	return queue.Delivery{Job: queue.Job{EntryID: id, Raw: raw}, Attempt: attempt, MaxAttempts: 3}
}

func hemoglobinOrder() *clinical.Order {
	orderID := uuid.New()
	visit := "V100"
	return &clinical.Order{
		ID:          orderID,
		PatientID:   uuid.New(),
		VisitNumber: &visit,
		Type:        clinical.OrderLab,
		Status:      clinical.StatusPending,
		CreatedAt:   time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
		Patient:     &clinical.Patient{MRN: "MRN001", FirstName: "Jane", LastName: "Doe"},
		LabOrders: []*clinical.LabOrder{{
			ID:      uuid.New(),
			OrderID: orderID,
			Test:    clinical.LabTest{ID: uuid.New(), Code: "HGB", Name: "Hemoglobin"},
			Status:  clinical.StatusPending,
		}},
	}
}

func panelOrder() *clinical.Order {
	orderID := uuid.New()
	testID := uuid.New()
	return &clinical.Order{
		ID:        orderID,
		PatientID: uuid.New(),
		Type:      clinical.OrderLab,
		Status:    clinical.StatusPending,
		LabOrders: []*clinical.LabOrder{{
			ID:      uuid.New(),
			OrderID: orderID,
			Test:    clinical.LabTest{ID: testID, Code: "CBC", Name: "Complete blood count"},
			Parameters: []clinical.LabTestParameter{
				{ID: uuid.New(), LabTestID: testID, Code: "WBC", Name: "White cells"},
				{ID: uuid.New(), LabTestID: testID, Code: "PLT", Name: "Platelets"},
			},
			Status: clinical.StatusPending,
		}},
	}
}

func radiologyOrder() *clinical.Order {
	orderID := uuid.New()
	return &clinical.Order{
		ID:        orderID,
		PatientID: uuid.New(),
		Type:      clinical.OrderRadiology,
		Status:    clinical.StatusPending,
		RadiologyOrders: []*clinical.RadiologyOrder{{
			ID:      uuid.New(),
			OrderID: orderID,
			Study:   clinical.RadiologyStudy{ID: uuid.New(), Code: "XR-CHEST", Name: "Chest X-ray"},
			Status:  clinical.StatusPending,
		}},
	}
}

// oru builds a result message referencing orderRef in OBR-2. Each obx is the
// OBX content after the set id.
func oru(control, orderRef string, obx ...string) string {
	segs := []string{
		"MSH|^~\\&|ANALYZER|LAB|HIS|HOSPITAL|20240301101500||ORU^R01|" + control + "|P|2.5",
		"PID|1||MRN001",
		"OBR|1|" + orderRef + "||PANEL",
	}
	for i, o := range obx {
		segs = append(segs, fmt.Sprintf("OBX|%d|%s", i+1, o))
	}
	return strings.Join(segs, "\r")
}

// ---------------------------------------------------------------------------
// Fake instrument for the dispatcher
// ---------------------------------------------------------------------------

// fakeInstrument accepts connections and answers the first framed message
// with reply(msg). A nil reply keeps the connection open and silent until
// the test ends; an empty reply closes it.
type fakeInstrument struct {
	ln       net.Listener
	received chan string
}

func startInstrument(t *testing.T, reply func(msg string) []byte) *fakeInstrument {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	inst := &fakeInstrument{ln: ln, received: make(chan string, 8)}
	done := make(chan struct{})
	t.Cleanup(func() {
		close(done)
		ln.Close()
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				var buf string
				chunk := make([]byte, 4096)
				for {
					n, err := conn.Read(chunk)
					buf += string(chunk[:n])
					if msgs, _ := hl7v2.ExtractMessages(buf); len(msgs) > 0 {
						inst.received <- msgs[0]
						out := reply(msgs[0])
						if out == nil {
							<-done
							return
						}
						conn.Write(out)
						return
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return inst
}

func (f *fakeInstrument) port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func framedAck(code hl7v2.AckCode, text string) func(string) []byte {
	return func(msg string) []byte {
		return []byte(hl7v2.Wrap(hl7v2.CreateAcknowledgement(msg, code, text)))
	}
}
