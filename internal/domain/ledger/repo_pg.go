package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/devicelink/internal/platform/db"
)

type ledgerRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &ledgerRepoPG{pool: pool}
}

const entryCols = `id, device_id, direction, message_type, control_id, raw_message,
	status, parsed_summary, error_text, order_id, attempts, created_at, updated_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var summary []byte
	err := row.Scan(&e.ID, &e.DeviceID, &e.Direction, &e.MessageType, &e.ControlID,
		&e.RawMessage, &e.Status, &summary, &e.ErrorText, &e.OrderID, &e.Attempts,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(summary) > 0 {
		e.ParsedSummary = summary
	}
	return &e, nil
}

func (r *ledgerRepoPG) Create(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	var summary []byte
	if len(e.ParsedSummary) > 0 {
		summary = e.ParsedSummary
	}
	return db.Pick(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO device_message (id, device_id, direction, message_type, control_id,
			raw_message, status, parsed_summary, error_text, order_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING attempts, created_at, updated_at`,
		e.ID, e.DeviceID, e.Direction, e.MessageType, e.ControlID,
		e.RawMessage, e.Status, summary, e.ErrorText, e.OrderID,
	).Scan(&e.Attempts, &e.CreatedAt, &e.UpdatedAt)
}

func (r *ledgerRepoPG) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := scanEntry(db.Pick(ctx, r.pool).QueryRow(ctx,
		`SELECT `+entryCols+` FROM device_message WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (r *ledgerRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.DeviceID != nil {
		add("device_id = $%d", *f.DeviceID)
	}
	if f.OrderID != nil {
		add("order_id = $%d", *f.OrderID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Direction != "" {
		add("direction = $%d", f.Direction)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	q := db.Pick(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM device_message`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := q.Query(ctx, fmt.Sprintf(`SELECT %s FROM device_message%s
		ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, entryCols, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := []*Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

func (r *ledgerRepoPG) Transition(ctx context.Context, id uuid.UUID, dir Direction, from []Status, to Status, ch Change) (*Entry, error) {
	sources := make([]string, len(from))
	for i, s := range from {
		sources[i] = string(s)
	}
	var summary []byte
	if len(ch.ParsedSummary) > 0 {
		summary = ch.ParsedSummary
	}
	attempts := 0
	if ch.CountAttempt {
		attempts = 1
	}

	q := db.Pick(ctx, r.pool)
	e, err := scanEntry(q.QueryRow(ctx, `
		UPDATE device_message SET
			status = $2,
			parsed_summary = COALESCE($3::jsonb, parsed_summary),
			error_text = CASE WHEN $4::boolean THEN NULL ELSE COALESCE($5::text, error_text) END,
			order_id = COALESCE($6::uuid, order_id),
			attempts = attempts + $7,
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($8::text[]) AND direction = $9
		RETURNING `+entryCols,
		id, to, summary, ch.ClearError, ch.ErrorText, ch.OrderID, attempts, sources, dir))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	var current Status
	var currentDir Direction
	err = q.QueryRow(ctx, `SELECT status, direction FROM device_message WHERE id = $1`, id).Scan(&current, &currentDir)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s entry %s -> %s", ErrInvalidTransition, currentDir, current, to)
}

func (r *ledgerRepoPG) Stats(ctx context.Context) ([]StatusCount, error) {
	rows, err := db.Pick(ctx, r.pool).Query(ctx, `
		SELECT direction, status, COUNT(*) FROM device_message
		GROUP BY direction, status ORDER BY direction, status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := []StatusCount{}
	for rows.Next() {
		var c StatusCount
		if err := rows.Scan(&c.Direction, &c.Status, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func (r *ledgerRepoPG) Stale(ctx context.Context, olderThan time.Time, limit int) ([]*Entry, int, error) {
	q := db.Pick(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `
		SELECT COUNT(*) FROM device_message
		WHERE status IN ('PENDING', 'PROCESSING') AND updated_at < $1`,
		olderThan).Scan(&total); err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return nil, 0, nil
	}

	rows, err := q.Query(ctx, `SELECT `+entryCols+` FROM device_message
		WHERE status IN ('PENDING', 'PROCESSING') AND updated_at < $1
		ORDER BY updated_at LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}
