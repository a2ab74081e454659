package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nikolarss0n/mediafind/internal/api"
	"github.com/nikolarss0n/mediafind/internal/cache"
	"github.com/nikolarss0n/mediafind/internal/config"
	"github.com/nikolarss0n/mediafind/internal/geocode"
	"github.com/nikolarss0n/mediafind/internal/geoindex"
	"github.com/nikolarss0n/mediafind/internal/indexing"
	"github.com/nikolarss0n/mediafind/internal/kafka"
	"github.com/nikolarss0n/mediafind/internal/labelindex"
	"github.com/nikolarss0n/mediafind/internal/library"
	"github.com/nikolarss0n/mediafind/internal/observability"
	"github.com/nikolarss0n/mediafind/internal/orchestrator"
	"github.com/nikolarss0n/mediafind/internal/semantic"
	"github.com/nikolarss0n/mediafind/internal/store"
	"github.com/nikolarss0n/mediafind/internal/vision"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Initialize logger
	logger, err := observability.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting media search service",
		zap.String("service", cfg.Observability.ServiceName),
	)

	// Initialize tracing
	tracerShutdown, err := observability.InitTracer(cfg.Observability.ServiceName)
	if err != nil {
		logger.Warn("tracing initialization failed, continuing without tracing", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Index persistence. The indexes run in memory without it, so a broken
	// store file degrades durability rather than killing the service.
	var st *store.Store
	st, err = store.Open(cfg.Storage.Path, logger)
	if err != nil {
		logger.Warn("store initialization failed, index persistence will be unavailable", zap.Error(err))
		st = nil
	} else {
		defer st.Close()
		logger.Info("index store opened", zap.String("path", cfg.Storage.Path))
	}

	// Response and geocode cache
	var redisCache *cache.RedisCache
	redisCache, err = cache.NewRedisCache(cfg.Redis, logger)
	if err != nil {
		logger.Warn("redis initialization failed, caching will be unavailable", zap.Error(err))
		redisCache = nil
	} else {
		defer redisCache.Close()
		logger.Info("redis cache initialized")
	}

	// Media library
	lib, err := library.NewManifestLibrary(cfg.Library.ManifestPath, logger)
	if err != nil {
		return fmt.Errorf("loading media library: %w", err)
	}
	logger.Info("media library loaded",
		zap.String("manifest", cfg.Library.ManifestPath),
		zap.Int("items", lib.Size()),
	)

	// Query parser, fed by geocoding successes so resolved place names
	// join the correction vocabulary.
	parser := orchestrator.NewQueryParser(cfg.Search.KnownPlaces)

	var geocodeCache geocode.GeocodeCache
	if redisCache != nil {
		geocodeCache = redisCache
	}
	geocoder := geocode.NewClient(cfg.Geocode, cfg.Search, geocodeCache, logger)
	geocoder.SetOnResolve(parser.AddPlace)

	// Indexes
	geoIdx := geoindex.New(cfg.Index.GeohashPrecision, geocoder, st, logger)
	labelIdx := labelindex.New(cfg.Index.AbortFailureRatio, st, logger)

	// Remote vision collaborator (classification + owner matching)
	var classifier vision.Classifier
	var person orchestrator.PersonMatcher
	if cfg.Vision.Endpoint != "" {
		visionClient := vision.NewClient(cfg.Vision, cfg.Search.CircuitBreaker, logger)
		classifier = visionClient
		person = visionClient
		logger.Info("vision client initialized", zap.String("endpoint", cfg.Vision.Endpoint))
	} else {
		logger.Warn("no vision endpoint configured, label builds and ownership filtering will be unavailable")
	}

	// Remote semantic video matcher
	var videoMatcher orchestrator.VideoMatcher
	if cfg.Semantic.Endpoint != "" {
		videoMatcher = semantic.NewClient(cfg.Semantic, logger)
		logger.Info("semantic client initialized", zap.String("endpoint", cfg.Semantic.Endpoint))
	}

	// Index manager
	var invalidator indexing.Invalidator
	if redisCache != nil {
		invalidator = redisCache
	}
	manager := indexing.NewManager(geoIdx, labelIdx, lib, classifier, invalidator, cfg.Index, logger)
	if err := manager.Load(ctx); err != nil {
		logger.Warn("loading persisted indexes failed, starting empty", zap.Error(err))
	}

	// Change feed
	var consumer *kafka.Consumer
	var publisher api.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		consumer = kafka.NewConsumer(cfg.Kafka, manager.HandleChangeEvent, logger)
		if err := consumer.Start(ctx); err != nil {
			logger.Warn("kafka consumer start failed, change feed will be unavailable", zap.Error(err))
			consumer = nil
		} else {
			defer consumer.Stop()
			logger.Info("kafka consumer started")
		}

		producer := kafka.NewProducer(cfg.Kafka, logger)
		defer producer.Close()
		publisher = producer
	}

	// Slow query detector
	slowQueryDetector := observability.NewSlowQueryDetector(
		cfg.Search.SlowQuery.WarningThreshold,
		cfg.Search.SlowQuery.CriticalThreshold,
		logger,
	)

	// Search orchestrator
	var searchCache orchestrator.SearchCache
	if redisCache != nil {
		searchCache = redisCache
	}
	orch := orchestrator.New(
		parser, geoIdx, labelIdx, lib, person, videoMatcher,
		searchCache, slowQueryDetector, cfg.Search, logger,
	)

	// HTTP server
	handler := api.NewHandler(orch, manager, publisher, logger)

	healthHandler := api.NewHealthHandler(logger)
	if st != nil {
		healthHandler.Register("store", st)
	}
	if redisCache != nil {
		healthHandler.Register("redis", redisCache)
	}
	if consumer != nil {
		healthHandler.Register("kafka", consumer)
	}

	router := api.NewRouter(handler, healthHandler, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Standalone metrics listener for scrapers that should not share the
	// API port.
	var metricsServer *http.Server
	if cfg.Observability.MetricsPort > 0 && cfg.Observability.MetricsPort != cfg.Server.Port {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Observability.MetricsPort),
			Handler: metricsMux,
		}
		go func() {
			logger.Info("metrics server starting", zap.String("addr", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server error", zap.Error(err))
			}
		}()
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		return err
	}

	// Graceful shutdown
	logger.Info("starting graceful shutdown", zap.Duration("timeout", cfg.Server.ShutdownTimeout))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new requests
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}

	// Cancel background operations
	cancel()

	// Shutdown tracing
	if tracerShutdown != nil {
		if err := tracerShutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}

	logger.Info("shutdown complete")
	return nil
}
