package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/devicelink/internal/config"
	"github.com/ehr/devicelink/internal/domain/clinical"
	"github.com/ehr/devicelink/internal/domain/integration"
	"github.com/ehr/devicelink/internal/domain/ledger"
	"github.com/ehr/devicelink/internal/domain/registry"
	"github.com/ehr/devicelink/internal/platform/db"
	"github.com/ehr/devicelink/internal/platform/metrics"
	"github.com/ehr/devicelink/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "devicelink",
		Short:         "Hospital device integration engine (HL7 v2 over MLLP)",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(ledgerCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// migrationsFS returns the embedded migrations, or dir when one is given.
func migrationsFS(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

// services holds everything the commands build on top of one pool.
type services struct {
	ledger   *ledger.Service
	registry *registry.Service
	clinical clinical.Repository
}

func newServices(pool *pgxpool.Pool, cfg *config.Config, logger zerolog.Logger) *services {
	return &services{
		ledger:   ledger.NewService(ledger.NewRepoPG(pool), logger),
		registry: registry.NewService(registry.NewRepoPG(pool), cfg.HospitalUUID(), cfg.SentinelUUID(), logger),
		clinical: clinical.NewRepoPG(pool),
	}
}

func (s *services) dispatcher(cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) *integration.Dispatcher {
	return integration.NewDispatcher(integration.DispatcherConfig{
		SendingApp:      cfg.SenderApp,
		SendingFacility: cfg.SenderFacility,
		Version:         cfg.HL7Version,
		Timeout:         cfg.DispatchTimeout,
	}, s.ledger, s.clinical, s.registry, m, logger)
}

// connect loads and validates the configuration and opens the pool. The
// caller closes the pool.
func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}
