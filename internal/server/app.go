// Package server wires the catalog server together: PostgreSQL ledger,
// object store gateway, local staging, the upload scheduler and the HTTP and
// gRPC health endpoints. It also owns startup recovery and graceful shutdown.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/doccatalog/internal/logging"
	"github.com/dmitrijs2005/doccatalog/internal/server/config"
	gs "github.com/dmitrijs2005/doccatalog/internal/server/grpc"
	"github.com/dmitrijs2005/doccatalog/internal/server/httpapi"
	"github.com/dmitrijs2005/doccatalog/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/doccatalog/internal/server/services"
	"github.com/dmitrijs2005/doccatalog/internal/server/staging"
	"github.com/dmitrijs2005/doccatalog/internal/server/storage"
	"github.com/dmitrijs2005/doccatalog/internal/server/storage/aws"
	"github.com/dmitrijs2005/doccatalog/internal/server/storage/minio"
	"github.com/dmitrijs2005/doccatalog/internal/server/uploads"
	"github.com/dmitrijs2005/doccatalog/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

// bucketStore is an object store that can create its bucket on startup.
type bucketStore interface {
	storage.ObjectStore
	EnsureBucket(ctx context.Context) error
	Endpoint() string
}

func storageConfig(c *config.Config) storage.Config {
	return storage.Config{
		Endpoint:        c.S3BaseEndpoint,
		Region:          c.S3Region,
		Bucket:          c.S3Bucket,
		AccessKeyID:     c.S3RootUser,
		SecretAccessKey: c.S3RootPassword,
		Insecure:        c.S3Insecure,
	}
}

// newObjectStore picks the backend named by ObjectStoreBackend.
func newObjectStore(ctx context.Context, c *config.Config) (bucketStore, error) {
	switch c.ObjectStoreBackend {
	case "minio":
		return minio.New(storageConfig(c))
	default:
		return aws.New(ctx, storageConfig(c))
	}
}

type App struct {
	config          *config.Config
	logger          logging.Logger
	db              *sql.DB
	staging         *staging.Area
	scheduler       *uploads.Scheduler
	attachments     *services.AttachmentService
	documents       *services.DocumentService
	registry        *prometheus.Registry
	maxUploadBytes  int64
	shutdownTracing telemetry.ShutdownFunc
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	maxUpload, err := c.MaxUploadBytes()
	if err != nil {
		return nil, err
	}

	logger := logging.NewJSONLogger(os.Stdout, c.LogLevel)

	shutdownTracing, err := telemetry.Setup(ctx, c.OTLPEndpoint, logger)
	if err != nil {
		return nil, err
	}

	db, err := repomanager.OpenPostgres(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	store, err := newObjectStore(ctx, c)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("object store init error: %w", err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("object store bucket: %w", err)
	}
	logger.Info(ctx, "object store ready", "backend", c.ObjectStoreBackend, "endpoint", store.Endpoint(), "bucket", c.S3Bucket)

	area, err := staging.NewOS(c.StagingDir)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if n, err := area.SweepTemp(0); err != nil {
		logger.Warn(ctx, "staging sweep failed", "error", err)
	} else if n > 0 {
		logger.Info(ctx, "removed interrupted staging writes", "count", n)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	observer, err := uploads.NewPrometheusObserver("", registry)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	ledger := services.NewLedger(db, rm)
	scheduler := uploads.New(store, ledger, area, uploads.Options{
		Policy: uploads.Policy{
			InitialDelay: c.BackoffInitialDelay,
			Ceiling:      c.BackoffCeiling,
		},
		MaxParallelPuts: c.MaxParallelPuts,
		Observer:        observer,
		Logger:          logger,
	})

	return &App{
		config:          c,
		logger:          logger,
		db:              db,
		staging:         area,
		scheduler:       scheduler,
		attachments:     services.NewAttachmentService(ledger, area, scheduler, store, c.PresignTTL, logger),
		documents:       services.NewDocumentService(db, rm),
		registry:        registry,
		maxUploadBytes:  maxUpload,
		shutdownTracing: shutdownTracing,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run serves until a signal arrives or a listener fails, then shuts the
// scheduler down so in-flight rounds finish and sleeping batches leave their
// files staged for the next start.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")
	app.initSignalHandler(cancelFunc)

	if _, err := app.scheduler.Resume(ctx); err != nil {
		app.logger.Error(ctx, "resume of staged uploads failed", "error", err)
	}

	httpServer := httpapi.NewServer(httpapi.Options{
		Address:        app.config.EndpointAddrHTTP,
		Attachments:    app.attachments,
		Documents:      app.documents,
		DB:             app.db,
		JWTSecret:      []byte(app.config.SecretKey),
		MaxUploadBytes: app.maxUploadBytes,
		AllowedOrigins: app.config.CORSAllowedOrigins,
		Gatherer:       app.registry,
		Logger:         app.logger,
	})
	healthServer := gs.NewHealthServer(app.config.EndpointAddrGRPC, app.logger, app.db)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpServer.Run(gctx) })
	g.Go(func() error { return healthServer.Run(gctx) })
	runErr := g.Wait()
	if runErr != nil {
		app.logger.Error(ctx, "server stopped", "error", runErr)
	}

	return errors.Join(runErr, app.shutdown())
}

func (app *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	app.logger.Info(ctx, "Stopping app...")

	var errs []error
	if err := app.scheduler.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler shutdown: %w", err))
	}
	if err := app.attachments.WaitDeletes(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := app.shutdownTracing(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
	}
	if err := app.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("db close: %w", err))
	}
	return errors.Join(errs...)
}
