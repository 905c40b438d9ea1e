package clinical

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/devicelink/internal/platform/db"
)

type clinicalRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &clinicalRepoPG{pool: pool}
}

func (r *clinicalRepoPG) GetOrderWithSubOrders(ctx context.Context, id uuid.UUID) (*Order, error) {
	q := db.Pick(ctx, r.pool)

	var o Order
	var p Patient
	err := q.QueryRow(ctx, `
		SELECT o.id, o.hospital_id, o.patient_id, o.visit_number, o.order_type, o.status,
			o.priority, o.created_at, o.completed_at,
			p.id, p.hospital_id, p.mrn, p.first_name, p.last_name, p.birth_date, p.gender
		FROM orders o JOIN patient p ON p.id = o.patient_id
		WHERE o.id = $1`, id).Scan(
		&o.ID, &o.HospitalID, &o.PatientID, &o.VisitNumber, &o.Type, &o.Status,
		&o.Priority, &o.CreatedAt, &o.CompletedAt,
		&p.ID, &p.HospitalID, &p.MRN, &p.FirstName, &p.LastName, &p.BirthDate, &p.Gender)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Patient = &p

	switch o.Type {
	case OrderLab:
		o.LabOrders, err = r.labOrders(ctx, q, o.ID)
	case OrderRadiology:
		o.RadiologyOrders, err = r.radiologyOrders(ctx, q, o.ID)
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *clinicalRepoPG) labOrders(ctx context.Context, q db.Querier, orderID uuid.UUID) ([]*LabOrder, error) {
	rows, err := q.Query(ctx, `
		SELECT lo.id, lo.order_id, lo.status, lo.result_value, lo.result_unit,
			lo.reference_range, lo.abnormal_flag, lo.completed_at,
			t.id, t.code, t.name, t.unit, t.reference_range
		FROM lab_order lo JOIN lab_test t ON t.id = lo.lab_test_id
		WHERE lo.order_id = $1 ORDER BY t.code, lo.id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*LabOrder
	byTest := make(map[uuid.UUID][]*LabOrder)
	for rows.Next() {
		var lo LabOrder
		if err := rows.Scan(&lo.ID, &lo.OrderID, &lo.Status, &lo.ResultValue, &lo.ResultUnit,
			&lo.ReferenceRange, &lo.AbnormalFlag, &lo.CompletedAt,
			&lo.Test.ID, &lo.Test.Code, &lo.Test.Name, &lo.Test.Unit, &lo.Test.ReferenceRange); err != nil {
			return nil, err
		}
		out = append(out, &lo)
		byTest[lo.Test.ID] = append(byTest[lo.Test.ID], &lo)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	testIDs := make([]uuid.UUID, 0, len(byTest))
	for id := range byTest {
		testIDs = append(testIDs, id)
	}
	prows, err := q.Query(ctx, `
		SELECT id, lab_test_id, code, name, unit, reference_range
		FROM lab_test_parameter WHERE lab_test_id = ANY($1) ORDER BY code`, testIDs)
	if err != nil {
		return nil, err
	}
	defer prows.Close()

	for prows.Next() {
		var p LabTestParameter
		if err := prows.Scan(&p.ID, &p.LabTestID, &p.Code, &p.Name, &p.Unit, &p.ReferenceRange); err != nil {
			return nil, err
		}
		for _, lo := range byTest[p.LabTestID] {
			lo.Parameters = append(lo.Parameters, p)
		}
	}
	return out, prows.Err()
}

func (r *clinicalRepoPG) radiologyOrders(ctx context.Context, q db.Querier, orderID uuid.UUID) ([]*RadiologyOrder, error) {
	rows, err := q.Query(ctx, `
		SELECT ro.id, ro.order_id, ro.status, ro.report_text, ro.image_url, ro.completed_at,
			s.id, s.code, s.name, s.modality
		FROM radiology_order ro JOIN radiology_study s ON s.id = ro.study_id
		WHERE ro.order_id = $1 ORDER BY s.code, ro.id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RadiologyOrder
	for rows.Next() {
		var ro RadiologyOrder
		if err := rows.Scan(&ro.ID, &ro.OrderID, &ro.Status, &ro.ReportText, &ro.ImageURL, &ro.CompletedAt,
			&ro.Study.ID, &ro.Study.Code, &ro.Study.Name, &ro.Study.Modality); err != nil {
			return nil, err
		}
		out = append(out, &ro)
	}
	return out, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *clinicalRepoPG) CreateParameterResult(ctx context.Context, pr *ParameterResult) error {
	if pr.ID == uuid.Nil {
		pr.ID = uuid.New()
	}
	_, err := db.Pick(ctx, r.pool).Exec(ctx, `
		INSERT INTO lab_parameter_result (id, lab_order_id, parameter_id, value, unit, reference_range, abnormal_flag)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		pr.ID, pr.LabOrderID, pr.ParameterID, pr.Value,
		nullable(pr.Unit), nullable(pr.ReferenceRange), nullable(pr.AbnormalFlag))
	return err
}

func (r *clinicalRepoPG) CompleteLabOrder(ctx context.Context, labOrderID uuid.UUID, res *LabResult) error {
	q := db.Pick(ctx, r.pool)
	if res == nil {
		_, err := q.Exec(ctx, `
			UPDATE lab_order SET status = $2, completed_at = COALESCE(completed_at, NOW())
			WHERE id = $1`, labOrderID, StatusCompleted)
		return err
	}
	_, err := q.Exec(ctx, `
		UPDATE lab_order SET status = $2, result_value = $3, result_unit = $4,
			reference_range = $5, abnormal_flag = $6, completed_at = NOW()
		WHERE id = $1`,
		labOrderID, StatusCompleted, res.Value, nullable(res.Unit),
		nullable(res.ReferenceRange), nullable(res.AbnormalFlag))
	return err
}

func (r *clinicalRepoPG) CompleteRadiologyOrder(ctx context.Context, radiologyOrderID uuid.UUID, report, imageURL string) error {
	_, err := db.Pick(ctx, r.pool).Exec(ctx, `
		UPDATE radiology_order SET status = $2, report_text = $3,
			image_url = COALESCE($4, image_url), completed_at = NOW()
		WHERE id = $1`,
		radiologyOrderID, StatusCompleted, nullable(report), nullable(imageURL))
	return err
}

func (r *clinicalRepoPG) CompleteOrder(ctx context.Context, orderID uuid.UUID) error {
	_, err := db.Pick(ctx, r.pool).Exec(ctx, `
		UPDATE orders SET status = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1`, orderID, StatusCompleted)
	return err
}

func (r *clinicalRepoPG) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, r.pool, fn)
}
