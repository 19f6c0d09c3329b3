package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rossigee/cloud-volume-agent/internal/api"
	"github.com/rossigee/cloud-volume-agent/internal/auth"
	"github.com/rossigee/cloud-volume-agent/internal/blockdevice"
	"github.com/rossigee/cloud-volume-agent/internal/ebs"
	"github.com/rossigee/cloud-volume-agent/internal/inmemory"
	"github.com/rossigee/cloud-volume-agent/internal/jobs"
	"github.com/rossigee/cloud-volume-agent/internal/libvirt"
	"github.com/rossigee/cloud-volume-agent/internal/metrics"
	"github.com/rossigee/cloud-volume-agent/internal/retry"
	"github.com/rossigee/cloud-volume-agent/internal/storage"
	"github.com/sirupsen/logrus"
)

var version = "dev"

const (
	maintenanceInterval = time.Hour
	journalRetention    = 7 * 24 * time.Hour
	memoryInstanceID    = "i-local"
	memoryZone          = "local"
)

// backend is the provider the facade drives plus what it needs from it.
type backend struct {
	provider blockdevice.Provider
	metadata blockdevice.InstanceMetadata
	zone     string
	close    func() error
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	if err := initLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		logrus.WithError(err).Fatal("Invalid logging configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logrus.WithError(err).Fatal("Agent failed")
	}
	logrus.Info("Server exited")
}

func run(ctx context.Context, cfg *agentConfig) error {
	logger := logrus.StandardLogger()

	be, err := newBackend(ctx, cfg.Provider, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.close(); err != nil {
			logger.WithError(err).Warn("Failed to close provider")
		}
	}()

	collector := metrics.NewCollector()
	prometheus.MustRegister(collector)

	volumes, err := blockdevice.NewAPI(be.provider, be.metadata, blockdevice.Config{
		ClusterID:    cfg.ClusterID,
		Zone:         be.zone,
		Timeout:      cfg.VolumeTimeout,
		PollInterval: cfg.PollInterval,
		Logger:       logger,
		Observer:     collector,
	})
	if err != nil {
		return fmt.Errorf("failed to create volume API: %w", err)
	}

	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open operation journal: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close operation journal")
		}
	}()
	if n, err := store.MarkInProgressFailed(); err != nil {
		return fmt.Errorf("failed to recover operation journal: %w", err)
	} else if n > 0 {
		logger.WithField("count", n).Warn("Marked interrupted operations as failed")
	}

	manager := jobs.NewManager(volumes, store, collector, jobs.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		Logger:        logger,
	})
	go maintain(ctx, manager, store, logger)

	validator, err := auth.NewValidator(auth.ConfigFromEnv())
	if err != nil {
		return fmt.Errorf("failed to initialize auth validator: %w", err)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(api.RequestLogger(logger))

	var apiMiddleware []gin.HandlerFunc
	if validator.Enabled() {
		apiMiddleware = append(apiMiddleware, validator.Middleware())
	} else {
		logger.Warn("No API tokens or client CA configured, API is unauthenticated")
	}
	api.SetupRoutes(router, api.NewHandler(manager, volumes, version), apiMiddleware...)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if cfg.TLSCertFile != "" {
		tlsConfig, err := validator.ServerTLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsConfig
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":       srv.Addr,
			"provider":   cfg.Provider,
			"cluster_id": cfg.ClusterID,
			"tls":        srv.TLSConfig != nil,
			"version":    version,
		}).Info("Starting cloud-volume-agent server")
		serveErr <- serve(srv)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("Shutting down server...")

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

func serve(srv *http.Server) error {
	var err error
	if srv.TLSConfig != nil {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// maintain prunes finished jobs from memory and old records from the journal.
func maintain(ctx context.Context, manager *jobs.Manager, store *storage.Store, logger logrus.FieldLogger) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			manager.CleanupCompletedJobs()
			n, err := store.DeleteOldOperations(journalRetention)
			if err != nil {
				logger.WithError(err).Warn("Failed to prune operation journal")
				continue
			}
			if n > 0 {
				logger.WithField("count", n).Info("Pruned operation journal")
			}
		}
	}
}

func newBackend(ctx context.Context, name string, logger logrus.FieldLogger) (*backend, error) {
	switch name {
	case providerEBS:
		return newEBSBackend(ctx, logger)
	case providerLibvirt:
		return newLibvirtBackend(ctx, logger)
	}

	logger.Warn("Using in-memory provider, volumes are not persisted")
	return &backend{
		provider: inmemory.New(inmemory.Options{Zone: memoryZone}),
		metadata: blockdevice.StaticInstance(memoryInstanceID),
		zone:     memoryZone,
		close:    func() error { return nil },
	}, nil
}

func newEBSBackend(ctx context.Context, logger logrus.FieldLogger) (*backend, error) {
	cfg := ebs.ConfigFromEnv()
	awsCfg, err := ebs.LoadAWSConfig(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	metadata := ebs.NewMetadata(awsCfg)

	// Zone and region default to where the agent itself runs.
	if cfg.Zone == "" || awsCfg.Region == "" {
		var identity ebs.Identity
		err := retry.WithRetry(ctx, retry.DefaultConfig, func() error {
			var err error
			identity, err = metadata.Identity(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		if cfg.Zone == "" {
			cfg.Zone = identity.Zone
		}
		if awsCfg.Region == "" {
			awsCfg.Region = identity.Region
		}
	}

	logger.WithFields(logrus.Fields{
		"region": awsCfg.Region,
		"zone":   cfg.Zone,
	}).Info("Using EBS provider")

	return &backend{
		provider: ebs.NewProvider(ebs.NewClient(awsCfg, cfg)),
		metadata: metadata,
		zone:     cfg.Zone,
		close:    func() error { return nil },
	}, nil
}

func newLibvirtBackend(ctx context.Context, logger logrus.FieldLogger) (*backend, error) {
	cfg := libvirt.ConfigFromEnv()
	if cfg.Instance == "" {
		return nil, fmt.Errorf("LIBVIRT_INSTANCE is required for provider %s", providerLibvirt)
	}

	tags, err := libvirt.NewTagStore(cfg.TagsDir)
	if err != nil {
		return nil, err
	}
	pool, err := libvirt.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"uri":      cfg.URI,
		"pool":     cfg.Pool,
		"instance": cfg.Instance,
	}).Info("Using libvirt provider")

	return &backend{
		provider: libvirt.NewProvider(pool, tags, cfg.Zone),
		metadata: blockdevice.StaticInstance(cfg.Instance),
		zone:     cfg.Zone,
		close:    pool.Close,
	}, nil
}
