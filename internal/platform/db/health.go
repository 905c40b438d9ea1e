package db

import (
	"context"
	"io/fs"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthTimeout = 5 * time.Second

// PoolSummary is the slice of pgxpool statistics the health endpoint shows.
type PoolSummary struct {
	Total    int32 `json:"total"`
	Idle     int32 `json:"idle"`
	Acquired int32 `json:"acquired"`
	Max      int32 `json:"max"`
}

// SchemaSummary reports how far the database schema is from the embedded
// migrations.
type SchemaSummary struct {
	Version int   `json:"version"`
	Pending []int `json:"pending,omitempty"`
}

// Report is the /health/db body.
type Report struct {
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Pool   PoolSummary    `json:"pool"`
	Schema *SchemaSummary `json:"schema,omitempty"`
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker produces a Report. The ledger cannot take writes while the
// database is down or its schema lags the binary, so both count as
// unavailable.
type Checker struct {
	db     Pinger
	pool   func() PoolSummary
	schema func(ctx context.Context) ([]MigrationStatus, error)
}

// NewChecker checks pool and compares its schema with the migrations in fsys.
// A nil fsys skips the schema check.
func NewChecker(pool *pgxpool.Pool, fsys fs.FS) *Checker {
	c := &Checker{
		db: pool,
		pool: func() PoolSummary {
			s := pool.Stat()
			return PoolSummary{Total: s.TotalConns(), Idle: s.IdleConns(), Acquired: s.AcquiredConns(), Max: s.MaxConns()}
		},
	}
	if fsys != nil {
		c.schema = NewMigrator(pool, fsys).Status
	}
	return c
}

// Check pings the database and, when it answers, inspects the schema.
func (c *Checker) Check(ctx context.Context) (Report, bool) {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	r := Report{Status: "healthy"}
	if c.pool != nil {
		r.Pool = c.pool()
	}

	if err := c.db.Ping(ctx); err != nil {
		r.Status = "unhealthy"
		r.Error = err.Error()
		return r, false
	}
	if c.schema == nil {
		return r, true
	}

	statuses, err := c.schema(ctx)
	if err != nil {
		r.Status = "unhealthy"
		r.Error = err.Error()
		return r, false
	}
	r.Schema = &SchemaSummary{}
	for _, s := range statuses {
		if s.Applied {
			r.Schema.Version = s.Version
		} else {
			r.Schema.Pending = append(r.Schema.Pending, s.Version)
		}
	}
	if len(r.Schema.Pending) > 0 {
		r.Status = "migrations_pending"
		return r, false
	}
	return r, true
}

// Handler serves the report: 200 when healthy, 503 otherwise.
func (c *Checker) Handler() echo.HandlerFunc {
	return func(ec echo.Context) error {
		r, ok := c.Check(ec.Request().Context())
		code := http.StatusOK
		if !ok {
			code = http.StatusServiceUnavailable
		}
		return ec.JSON(code, r)
	}
}
