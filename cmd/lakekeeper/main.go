package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lakekeeper/lakekeeper-go/internal/api"
	"github.com/lakekeeper/lakekeeper-go/internal/auth"
	"github.com/lakekeeper/lakekeeper-go/internal/authz"
	"github.com/lakekeeper/lakekeeper-go/internal/events"
	"github.com/lakekeeper/lakekeeper-go/internal/secrets"
	"github.com/lakekeeper/lakekeeper-go/internal/services/task"
	"github.com/lakekeeper/lakekeeper-go/internal/storage"
	"github.com/lakekeeper/lakekeeper-go/pkg/config"
	"github.com/lakekeeper/lakekeeper-go/pkg/database"
	"github.com/lakekeeper/lakekeeper-go/pkg/logger"
)

// Exit codes: 0 clean shutdown, 1 config error, 2 migration failure, 3 bind
// failure.
const (
	exitConfig  = 1
	exitMigrate = 2
	exitBind    = 3
)

var serviceVersion = "0.9.0"

func main() {
	migrateOnly := flag.Bool("migrate", false, "apply database migrations and exit")
	flag.Parse()

	log := logger.New("lakekeeper", serviceVersion)
	defer log.Sync()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Errorf("Configuration error: %v", err)
		os.Exit(exitConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, database.PostgreSQLConfig{
		WriteURL:       cfg.PGDatabaseURLWrite,
		ReadURL:        cfg.PGDatabaseURLRead,
		MaxConnections: cfg.PGMaxConnections,
		AcquireTimeout: cfg.PGAcquireTimeout,
	})
	if err != nil {
		log.Errorf("Database error: %v", err)
		os.Exit(exitConfig)
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		log.Errorf("Migration error: %v", err)
		os.Exit(exitMigrate)
	}
	if *migrateOnly {
		version, _ := database.MigrationVersion(ctx, db)
		log.Infof("Migrations applied, schema version %d", version)
		return
	}

	engine, err := buildEngine(cfg, log, db)
	if err != nil {
		log.Errorf("Startup error: %v", err)
		os.Exit(exitConfig)
	}

	if err := run(ctx, cfg, log, db, engine); err != nil && !errors.Is(err, context.Canceled) {
		var bindErr *bindError
		if errors.As(err, &bindErr) {
			log.Errorf("Bind error: %v", err)
			os.Exit(exitBind)
		}
		log.Errorf("Server error: %v", err)
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

func buildEngine(cfg *config.Config, log *logger.Logger, db *database.PostgreSQL) (*api.Engine, error) {
	var secretStore secrets.Store
	var err error
	switch cfg.SecretBackend {
	case "keyring":
		secretStore, err = secrets.NewKeyringStore(log.Named("secrets"))
	default:
		secretStore, err = secrets.NewPostgresStore(db, log.Named("secrets"), cfg.EncryptionKey)
	}
	if err != nil {
		return nil, fmt.Errorf("secrets backend: %w", err)
	}

	var authorizer authz.Authorizer
	switch cfg.AuthzBackend {
	case "graph":
		authorizer = authz.NewGraph(db, log.Named("authz"))
	case "opa":
		authorizer, err = authz.NewPolicy(authz.PolicyConfig{
			PolicyPath:   cfg.OPAPolicyPath,
			PollInterval: cfg.OPAPollInterval,
		}, log.Named("authz"))
		if err != nil {
			return nil, fmt.Errorf("opa backend: %w", err)
		}
	default:
		authorizer = authz.NewAllowAll()
	}

	var chain *auth.Chain
	if cfg.OIDCProviderURI != "" {
		chain = auth.NewChain(log.Named("auth"), auth.NewOIDC(auth.OIDCConfig{
			ProviderURI:  cfg.OIDCProviderURI,
			Audience:     cfg.OIDCAudience,
			SubjectClaim: cfg.SubjectClaim,
			RoleClaim:    cfg.RoleClaim,
		}, log.Named("auth")))
	}

	broker := storage.NewBroker(log.Named("storage"))
	sink := events.NewAsync(events.Log{Logger: log.Named("events")}, log.Named("events"))

	return api.NewEngine(cfg, log, db, chain, authorizer, secretStore, broker, sink), nil
}

type bindError struct{ err error }

func (e *bindError) Error() string { return e.err.Error() }
func (e *bindError) Unwrap() error { return e.err }

func run(ctx context.Context, cfg *config.Config, log *logger.Logger, db *database.PostgreSQL, engine *api.Engine) error {
	g, ctx := errgroup.WithContext(ctx)

	// Main API server.
	apiServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: engine.Router(),
	}
	g.Go(func() error {
		log.Infof("Listening on %s", cfg.BindAddr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return &bindError{err: err}
		}
		return nil
	})

	// Prometheus metrics on a dedicated port.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsMux,
	}
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return &bindError{err: err}
		}
		return nil
	})

	// Background workers.
	pool := task.NewWorkerPool(engine.Tasks, cfg.TaskPollInterval)
	pool.Register(task.QueueTabularExpiration, engine.Tabulars.HandleExpiration)
	pool.Register(task.QueueTabularPurge, engine.Tabulars.HandlePurge)
	pool.Register(task.QueueStats, func(ctx context.Context, _ *task.Task) error {
		return engine.Stats.Flush(ctx)
	})
	pool.Register(task.QueueLogCleanup, func(ctx context.Context, _ *task.Task) error {
		pruned, err := engine.Tasks.CleanupLog(ctx, cfg.LogCleanupRetention)
		if err == nil && pruned > 0 {
			log.Infof("Pruned %d task log rows", pruned)
		}
		return err
	})
	g.Go(func() error {
		err := pool.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	// Periodic producers for the stats and log_cleanup queues; the dedup
	// uniqueness keeps re-enqueues idempotent.
	g.Go(func() error {
		statsTicker := time.NewTicker(cfg.StatFlushInterval)
		cleanupTicker := time.NewTicker(24 * time.Hour)
		defer statsTicker.Stop()
		defer cleanupTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-statsTicker.C:
				enqueueMaintenance(ctx, engine, log, task.QueueStats)
			case <-cleanupTicker.C:
				enqueueMaintenance(ctx, engine, log, task.QueueLogCleanup)
			}
		}
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = apiServer.Shutdown(shutdownCtx)
		_ = metricsServer.Shutdown(shutdownCtx)
		return nil
	})

	return g.Wait()
}

func enqueueMaintenance(ctx context.Context, engine *api.Engine, log *logger.Logger, queue string) {
	if _, err := engine.Tasks.Enqueue(ctx, nil, task.EnqueueParams{QueueName: queue}); err != nil {
		log.Warnf("Failed to enqueue %s task: %v", queue, err)
	}
}
