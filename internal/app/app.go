// Package app provides application initialization and wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/jobrunner/offgrid/internal/adapters/directions"
	httpAdapter "github.com/jobrunner/offgrid/internal/adapters/http"
	"github.com/jobrunner/offgrid/internal/adapters/metrics"
	"github.com/jobrunner/offgrid/internal/adapters/mirror"
	"github.com/jobrunner/offgrid/internal/adapters/regionstore"
	"github.com/jobrunner/offgrid/internal/adapters/storage"
	"github.com/jobrunner/offgrid/internal/adapters/tilestore"
	tlsAdapter "github.com/jobrunner/offgrid/internal/adapters/tls"
	"github.com/jobrunner/offgrid/internal/adapters/unpack"
	"github.com/jobrunner/offgrid/internal/adapters/watcher"
	"github.com/jobrunner/offgrid/internal/application"
	"github.com/jobrunner/offgrid/internal/config"
	"github.com/jobrunner/offgrid/internal/domain"
	"github.com/jobrunner/offgrid/internal/logonce"
	"github.com/jobrunner/offgrid/internal/mainqueue"
	"github.com/jobrunner/offgrid/internal/ports/output"
)

// UserAgent is sent to the directions backend.
var UserAgent = "offgrid"

// App holds all application components.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Storage output.ObjectStorage // nil for the directions backend
	Backend output.TileBackend
	Tiles   *tilestore.Store
	Regions *regionstore.Store
	Queue   *mainqueue.Queue

	Pipeline *application.Pipeline
	Catalog  *application.RegionCatalog
	Sync     *application.RegionSyncService // nil without periodic refresh
	Jobs     *application.DownloadJobs
	Versions *application.VersionService
	Sideload *application.SideloadService
	Health   *application.HealthService

	HTTPServer    *httpAdapter.Server
	TLS           *tlsAdapter.Manager
	Watcher       *watcher.Watcher
	Metrics       *metrics.Collector
	MetricsServer *metrics.Server

	closeOnce sync.Once
	closeErr  error
}

// New creates and initializes a new application.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	var metricsCollector output.MetricsCollector = &output.NoOpMetrics{}
	if cfg.Metrics.Enabled {
		app.Metrics = metrics.NewCollector("offgrid", prometheus.NewRegistry())
		metricsCollector = app.Metrics
	}

	var source output.RegionSource
	switch cfg.Backend.Type {
	case config.BackendDirections:
		app.Backend = directions.NewClient(directions.Config{
			BaseURL:         cfg.Backend.Directions.BaseURL,
			AccessToken:     cfg.Backend.Directions.AccessToken,
			Timeout:         cfg.Backend.Directions.Timeout,
			DownloadTimeout: cfg.Backend.Directions.DownloadTimeout,
			MaxRetries:      cfg.Backend.Directions.MaxRetries,
			TempDir:         cfg.Tiles.TempDir,
			UserAgent:       UserAgent,
		}, metricsCollector, logger)

	case config.BackendMirror:
		store, err := initStorage(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		app.Storage = storage.NewInstrumented(store, metricsCollector)
		m := mirror.New(app.Storage, mirror.Config{TempDir: cfg.Tiles.TempDir}, metricsCollector, logger)
		app.Backend = m
		source = m

	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Backend.Type)
	}

	regions, err := regionstore.Open(cfg.Catalog.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening region store: %w", err)
	}
	app.Regions = regions

	app.Tiles = tilestore.New(cfg.Tiles.RootPath)
	unpacker := unpack.New(logger)
	app.Queue = mainqueue.New(logger)

	dedup := logonce.NewLogger(logonce.NewState(), logger)
	dedup.OnEmit(func(key logonce.Key) {
		metricsCollector.IncUnimplementedDelegate(key.Function)
	})

	app.Pipeline = application.NewPipeline(app.Backend, unpacker, app.Tiles, app.Queue, dedup, metricsCollector, logger)
	app.Catalog = application.NewRegionCatalog(source, app.Regions, metricsCollector, logger)
	app.Jobs = application.NewDownloadJobs(app.Pipeline, app.Catalog, logger)
	app.Versions = application.NewVersionService(app.Backend, app.Tiles)
	app.Sideload = application.NewSideloadService(unpacker, app.Tiles, app.Catalog, metricsCollector, logger)
	app.Health = application.NewHealthService(app.Catalog, app.Jobs)

	if app.Catalog.CanRefresh() && cfg.Catalog.RefreshInterval > 0 {
		app.Sync = application.NewRegionSyncService(app.Catalog, cfg.Catalog.RefreshInterval, logger)
	}

	services := httpAdapter.Services{
		Catalog:  app.Catalog,
		Jobs:     app.Jobs,
		Versions: app.Versions,
		Health:   app.Health,
	}
	if app.Sync != nil {
		services.Sync = app.Sync
	}

	var observe func(http.Handler) http.Handler
	if app.Metrics != nil {
		observe = app.Metrics.Middleware
	}
	app.HTTPServer = httpAdapter.NewServer(cfg.Server, services, observe, logger)

	if app.Metrics != nil {
		if cfg.Metrics.Port == 0 {
			app.HTTPServer.Router().Handle(cfg.Metrics.Path, app.Metrics.Handler()).Methods(http.MethodGet)
		} else {
			app.MetricsServer = metrics.NewServer(cfg.MetricsAddress(), cfg.Metrics.Path, app.Metrics.Handler(), logger)
		}
	}

	app.TLS, err = tlsAdapter.NewManager(tlsAdapter.Config{
		Enabled:  cfg.TLS.Enabled,
		Domains:  cfg.TLS.Domains,
		Email:    cfg.TLS.Email,
		CacheDir: cfg.TLS.CacheDir,
		Staging:  cfg.TLS.Staging,
		DNS: tlsAdapter.DNSConfig{
			SubscriptionID:    cfg.TLS.DNS.SubscriptionID,
			ResourceGroupName: cfg.TLS.DNS.ResourceGroupName,
			ClientID:          cfg.TLS.DNS.ClientID,
		},
	}, logger)
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("initializing TLS: %w", err)
	}

	if cfg.Tiles.InboxPath != "" {
		w, err := watcher.New(
			watcher.Config{
				Paths: []string{cfg.Tiles.InboxPath},
				Match: application.IsTilePack,
			},
			app.handleFileEvent,
			logger,
		)
		if err != nil {
			logger.Warn("failed to initialize inbox watcher", "error", err)
		} else {
			app.Watcher = w
		}
	}

	return app, nil
}

// Run starts all background components and serves the API until ctx is
// canceled or a server fails. It shuts everything down before returning.
func (a *App) Run(ctx context.Context) error {
	if err := a.TLS.ManageCertificates(ctx); err != nil {
		_ = a.Close()
		return err
	}

	if a.Watcher != nil {
		if err := a.Watcher.Start(ctx); err != nil {
			a.Logger.Warn("failed to start inbox watcher", "error", err)
		}
	}
	if a.Sync != nil {
		a.Sync.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.Catalog.CanRefresh() {
		g.Go(func() error {
			if _, err := a.Catalog.Refresh(gctx); err != nil {
				a.Logger.Warn("initial region refresh failed", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		if err := a.TLS.Serve(a.HTTPServer.HTTPServer()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	if a.MetricsServer != nil {
		g.Go(func() error {
			if err := a.MetricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("shutting down application")

	if a.Sync != nil {
		a.Sync.Stop()
	}
	if a.Watcher != nil {
		_ = a.Watcher.Stop()
	}

	var errs []error
	if a.MetricsServer != nil {
		if err := a.MetricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}
	if err := a.HTTPServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
	}

	if err := a.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close stops running jobs and releases the queue and the region store. It
// is safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		if a.Jobs != nil {
			a.Jobs.Stop()
		}
		if a.Queue != nil {
			a.Queue.Close()
		}
		if a.Regions != nil {
			if err := a.Regions.Close(); err != nil {
				a.closeErr = fmt.Errorf("closing region store: %w", err)
			}
		}
	})
	return a.closeErr
}

// handleFileEvent imports tile packs dropped into the inbox.
func (a *App) handleFileEvent(ctx context.Context, event watcher.Event) error {
	a.Logger.Info("inbox event", "path", event.Path, "operation", event.Operation.String())

	switch event.Operation {
	case watcher.OpCreate, watcher.OpModify:
		if _, err := os.Stat(event.Path); errors.Is(err, os.ErrNotExist) {
			// Already imported by an earlier event.
			return nil
		}
		result, err := a.Sideload.Import(ctx, event.Path, domain.GeoRectangle{})
		if err != nil {
			return fmt.Errorf("importing %s: %w", event.Path, err)
		}
		a.Logger.Info("tile pack imported", "path", event.Path, "output_dir", result.OutputDir, "files", result.Files)
	}

	return nil
}

// initStorage initializes the appropriate storage adapter.
func initStorage(ctx context.Context, cfg config.StorageConfig) (output.ObjectStorage, error) {
	switch output.StorageType(cfg.Type) {
	case output.StorageTypeLocal:
		return storage.NewLocalStorage(cfg.LocalPath), nil

	case output.StorageTypeS3:
		return storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})

	case output.StorageTypeAzure:
		return storage.NewAzureStorage(storage.AzureConfig{
			Container:        cfg.Azure.Container,
			AccountName:      cfg.Azure.AccountName,
			AccountKey:       cfg.Azure.AccountKey,
			ConnectionString: cfg.Azure.ConnectionString,
			Prefix:           cfg.Azure.Prefix,
		})

	case output.StorageTypeHTTP:
		return storage.NewHTTPStorage(storage.HTTPConfig{
			BaseURL:   cfg.HTTP.BaseURL,
			IndexFile: cfg.HTTP.IndexFile,
			Timeout:   cfg.HTTP.Timeout,
			Username:  cfg.HTTP.Username,
			Password:  cfg.HTTP.Password,
		}), nil

	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
