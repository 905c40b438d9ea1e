package registry

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/devicelink/internal/platform/db"
)

type registryRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &registryRepoPG{pool: pool}
}

const deviceCols = `id, hospital_id, name, device_class, host, port, protocol, active, created_at, updated_at`

// hospitalScope matches every hospital when $1 is the nil uuid.
const hospitalScope = `($1 = '00000000-0000-0000-0000-000000000000'::uuid OR hospital_id = $1)`

func scanDevice(row pgx.Row) (*Device, error) {
	var d Device
	err := row.Scan(&d.ID, &d.HospitalID, &d.Name, &d.Class, &d.Host, &d.Port,
		&d.Protocol, &d.Active, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoDevice
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func scanMapping(row pgx.Row) (*TestMapping, error) {
	var m TestMapping
	err := row.Scan(&m.ID, &m.DeviceID, &m.LabTestID, &m.DeviceCode)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoMapping
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *registryRepoPG) FindActiveByNameOrAddress(ctx context.Context, hospitalID uuid.UUID, name, host string) (*Device, error) {
	if name == "" && host == "" {
		return nil, ErrNoDevice
	}
	// A name match wins over an address match.
	return scanDevice(db.Pick(ctx, r.pool).QueryRow(ctx, `
		SELECT `+deviceCols+` FROM device
		WHERE active AND `+hospitalScope+`
			AND ((LOWER(name) = LOWER($2) AND $2 <> '') OR (host = $3 AND $3 <> ''))
		ORDER BY (LOWER(name) = LOWER($2)) DESC, created_at
		LIMIT 1`, hospitalID, name, host))
}

func (r *registryRepoPG) FindFirstActive(ctx context.Context, hospitalID uuid.UUID) (*Device, error) {
	return scanDevice(db.Pick(ctx, r.pool).QueryRow(ctx, `
		SELECT `+deviceCols+` FROM device
		WHERE active AND `+hospitalScope+`
		ORDER BY created_at LIMIT 1`, hospitalID))
}

func (r *registryRepoPG) FindActiveByClass(ctx context.Context, hospitalID uuid.UUID, class DeviceClass) (*Device, error) {
	return scanDevice(db.Pick(ctx, r.pool).QueryRow(ctx, `
		SELECT `+deviceCols+` FROM device
		WHERE active AND `+hospitalScope+` AND device_class = $2
		ORDER BY created_at LIMIT 1`, hospitalID, class))
}

func (r *registryRepoPG) FindMapping(ctx context.Context, deviceID, labTestID uuid.UUID) (*TestMapping, error) {
	return scanMapping(db.Pick(ctx, r.pool).QueryRow(ctx, `
		SELECT id, device_id, lab_test_id, device_code FROM device_test_mapping
		WHERE device_id = $1 AND lab_test_id = $2`, deviceID, labTestID))
}

func (r *registryRepoPG) FindByDeviceCode(ctx context.Context, deviceID uuid.UUID, code string) (*TestMapping, error) {
	return scanMapping(db.Pick(ctx, r.pool).QueryRow(ctx, `
		SELECT id, device_id, lab_test_id, device_code FROM device_test_mapping
		WHERE device_id = $1 AND device_code = $2
		LIMIT 1`, deviceID, code))
}

func (r *registryRepoPG) List(ctx context.Context, hospitalID uuid.UUID, limit, offset int) ([]*Device, int, error) {
	q := db.Pick(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM device WHERE `+hospitalScope, hospitalID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, `SELECT `+deviceCols+` FROM device WHERE `+hospitalScope+`
		ORDER BY name LIMIT $2 OFFSET $3`, hospitalID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := []*Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, rows.Err()
}

func (r *registryRepoPG) ListMappings(ctx context.Context, deviceID uuid.UUID) ([]*TestMapping, error) {
	rows, err := db.Pick(ctx, r.pool).Query(ctx, `
		SELECT id, device_id, lab_test_id, device_code FROM device_test_mapping
		WHERE device_id = $1 ORDER BY device_code`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []*TestMapping{}
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}
