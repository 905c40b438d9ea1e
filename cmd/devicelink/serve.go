package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/devicelink/internal/config"
	"github.com/ehr/devicelink/internal/domain/integration"
	"github.com/ehr/devicelink/internal/domain/ledger"
	"github.com/ehr/devicelink/internal/domain/registry"
	"github.com/ehr/devicelink/internal/platform/auth"
	"github.com/ehr/devicelink/internal/platform/db"
	"github.com/ehr/devicelink/internal/platform/hl7v2"
	"github.com/ehr/devicelink/internal/platform/metrics"
	"github.com/ehr/devicelink/internal/platform/middleware"
	"github.com/ehr/devicelink/internal/platform/queue"
	"github.com/ehr/devicelink/internal/platform/websocket"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 10 * time.Second
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MLLP listeners, the processor and the ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(cmd.Context(), migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending migrations before starting")
	return cmd
}

func runServer(parent context.Context, migrate bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	ports, _ := cfg.Ports()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	if migrate {
		n, err := db.NewMigrator(pool, migrationsFS("")).Up(ctx)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Int("applied", n).Msg("migrations applied")
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	// Queue
	q, err := openQueue(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.QueueDriver).Msg("failed to open queue")
		return err
	}

	// Engine
	svc := newServices(pool, cfg, logger)
	engine := integration.NewEngine(svc.ledger, q, svc.registry, svc.clinical, m, cfg.MLLPMaxMessageSize, logger)
	dispatcher := svc.dispatcher(cfg, m, logger)
	monitor := integration.NewMonitor(svc.ledger, m, cfg.StaleAfter, logger)

	// Live ledger feed
	hub := websocket.NewHub(logger)
	svc.ledger.Subscribe(ledger.NewFeed(hub))

	// MLLP listeners
	servers, err := startListeners(cfg, ports, engine, m, logger)
	if err != nil {
		q.Close()
		return err
	}

	e := newHTTPServer(cfg, pool, reg, m, svc, engine, dispatcher, hub, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		return monitor.Run(gctx)
	})
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting ops api")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		for _, srv := range servers {
			if err := srv.Stop(); err != nil {
				logger.Warn().Err(err).Str("addr", srv.Addr()).Msg("listener stop failed")
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("ops api shutdown failed")
		}

		dispatcher.Wait()
		hub.Close()
		return q.Close()
	})

	err = g.Wait()
	logger.Info().Msg("server stopped")
	return err
}

func openQueue(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (queue.Queue, error) {
	qcfg := queue.Config{
		Capacity:    cfg.QueueCapacity,
		Workers:     cfg.QueueWorkers,
		MaxAttempts: cfg.QueueMaxAttempts,
		Backoff:     cfg.QueueBackoff,
	}

	if cfg.QueueDriver == config.QueueDriverJetStream {
		js, err := queue.NewJetStreamQueue(ctx, qcfg, queue.JetStreamConfig{
			URL:      cfg.NATSURL,
			Stream:   cfg.NATSStream,
			Subject:  cfg.NATSSubject,
			Consumer: cfg.NATSConsumer,
		}, logger)
		if err != nil {
			return nil, err
		}
		return js, nil
	}

	var spool queue.Spool
	if cfg.QueueSpoolPath != "" {
		s, err := queue.OpenSQLiteSpool(ctx, cfg.QueueSpoolPath)
		if err != nil {
			return nil, fmt.Errorf("open spool: %w", err)
		}
		spool = s
	}
	return queue.NewMemoryQueue(qcfg, spool, logger), nil
}

func startListeners(cfg *config.Config, ports []int, engine *integration.Engine, m *metrics.Metrics,
	logger zerolog.Logger) ([]*hl7v2.MLLPServer, error) {
	servers := make([]*hl7v2.MLLPServer, 0, len(ports))
	for _, port := range ports {
		srv := hl7v2.NewMLLPServer(hl7v2.ServerConfig{
			Addr:           net.JoinHostPort(cfg.MLLPHost, strconv.Itoa(port)),
			IdleTimeout:    cfg.MLLPIdleTimeout,
			KeepAlive:      cfg.MLLPKeepAlive,
			MaxMessageSize: cfg.MLLPMaxMessageSize,
		}, engine.HandleFrame, logger)
		srv.SetObserver(m)

		if err := srv.Start(); err != nil {
			for _, started := range servers {
				started.Stop()
			}
			return nil, err
		}
		servers = append(servers, srv)
	}
	return servers, nil
}

func newHTTPServer(cfg *config.Config, pool *pgxpool.Pool, reg *prometheus.Registry, m *metrics.Metrics,
	svc *services, engine *integration.Engine, dispatcher *integration.Dispatcher, hub *websocket.Hub,
	logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(m.Middleware())
	e.Use(middleware.BodyLimit(cfg.APIBodyLimit))
	e.Use(middleware.RequestTimeout(cfg.APIRequestTimeout))
	e.Use(middleware.RateLimit(cfg.APIRateLimit, cfg.APIRateBurst, auth.AuthSkipper))

	// Auth middleware
	jwtCfg := auth.JWTConfig{
		SigningKey: []byte(cfg.AuthSigningKey),
		Issuer:     cfg.AuthIssuer,
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.NewChecker(pool, migrationsFS("")).Handler())
	e.GET("/metrics", metrics.Handler(reg))

	api := e.Group("/api/v1")
	ledger.NewHandler(svc.ledger, engine).RegisterRoutes(api)
	registry.NewHandler(svc.registry).RegisterRoutes(api)
	hl7v2.NewHandler().RegisterRoutes(api)
	integration.NewHandler(dispatcher).RegisterRoutes(api)
	api.GET("/ledger/feed", websocket.NewHandler(hub).Connect, auth.RequireRole(auth.RoleViewer, auth.RoleOperator))

	return e
}
