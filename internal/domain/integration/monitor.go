package integration

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/devicelink/internal/domain/ledger"
	"github.com/ehr/devicelink/internal/platform/metrics"
)

const (
	defaultMonitorInterval = time.Minute
	staleReportLimit       = 20
)

// Monitor reports entries left in PENDING or PROCESSING longer than a
// threshold. That happens when a job was lost between the ledger write and
// the queue, or when a scheduled retry did not survive a restart. It never
// changes entries.
type Monitor struct {
	ledger   *ledger.Service
	metrics  *metrics.Metrics
	after    time.Duration
	interval time.Duration
	logger   zerolog.Logger
}

func NewMonitor(l *ledger.Service, m *metrics.Metrics, after time.Duration, logger zerolog.Logger) *Monitor {
	return &Monitor{
		ledger:   l,
		metrics:  m,
		after:    after,
		interval: defaultMonitorInterval,
		logger:   logger.With().Str("component", "monitor").Logger(),
	}
}

// Run checks once immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if _, err := m.Check(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error().Err(err).Msg("stale entry check failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Check counts the stale entries, logs a sample of them and returns the count.
func (m *Monitor) Check(ctx context.Context) (int, error) {
	stale, total, err := m.ledger.Stale(ctx, m.after, staleReportLimit)
	if err != nil {
		return 0, err
	}
	m.metrics.SetStale(total)
	if total == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(stale))
	processing := 0
	for _, e := range stale {
		ids = append(ids, e.ID.String())
		if e.Status == ledger.StatusProcessing {
			processing++
		}
	}
	m.logger.Warn().Int("count", total).Int("processing", processing).Strs("entry_ids", ids).
		Dur("older_than", m.after).Msg("entries stuck without being settled")
	return total, nil
}
