// Package main wires together the webminer service binary.
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

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/seoharvest/webminer/internal/analyzer"
	"github.com/seoharvest/webminer/internal/api"
	"github.com/seoharvest/webminer/internal/clock/system"
	"github.com/seoharvest/webminer/internal/config"
	"github.com/seoharvest/webminer/internal/crawler"
	"github.com/seoharvest/webminer/internal/events"
	"github.com/seoharvest/webminer/internal/events/sinks"
	collyfetch "github.com/seoharvest/webminer/internal/fetch/colly"
	"github.com/seoharvest/webminer/internal/fetch/detector"
	"github.com/seoharvest/webminer/internal/fetch/headless"
	"github.com/seoharvest/webminer/internal/hash/sha256"
	"github.com/seoharvest/webminer/internal/id/uuid"
	"github.com/seoharvest/webminer/internal/logging"
	"github.com/seoharvest/webminer/internal/metrics"
	"github.com/seoharvest/webminer/internal/miner"
	"github.com/seoharvest/webminer/internal/mining"
	"github.com/seoharvest/webminer/internal/node"
	"github.com/seoharvest/webminer/internal/optimizer"
	"github.com/seoharvest/webminer/internal/store/gcs"
	"github.com/seoharvest/webminer/internal/store/local"
	"github.com/seoharvest/webminer/internal/store/memory"
	"github.com/seoharvest/webminer/internal/store/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	registry := prometheus.NewRegistry()
	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		return fmt.Errorf("register metrics sink: %w", err)
	}
	hubSinks := []events.Sink{sinks.NewLogSink(logger.Named("events")), promSink}
	if cfg.PubSub.Enabled {
		topic, topicErr := sinks.NewPubSubTopic(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if topicErr != nil {
			return fmt.Errorf("pubsub topic: %w", topicErr)
		}
		hubSinks = append(hubSinks, sinks.NewPubSubSink(topic))
	}
	hub := events.NewHub(events.Config{Logger: logger.Named("events")}, hubSinks...)

	nodeStore, err := buildNodeStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("node store: %w", err)
	}
	blobStore, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}

	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()
	pageAnalyzer := analyzer.NewHeuristic()

	manager := node.NewManager(nodeStore, pageAnalyzer, hub, clock, idGen, node.Config{
		DispatchInterval: time.Duration(cfg.Nodes.DispatchIntervalSec) * time.Second,
		HealthInterval:   time.Duration(cfg.Nodes.HealthIntervalSec) * time.Second,
		ActivityWindow:   time.Duration(cfg.Nodes.InactiveAfterMinutes) * time.Minute,
		NodeDefaults: mining.NodeConfiguration{
			MaxConcurrentMining: cfg.Nodes.MaxConcurrentMining,
			MaxStorageUsage:     cfg.Nodes.DefaultCapacityMB,
			CleanupThreshold:    cfg.Nodes.CleanupThresholdPct,
		},
	}, logger.Named("nodes"))
	if err := manager.Load(ctx); err != nil {
		return fmt.Errorf("restore nodes: %w", err)
	}

	opt := optimizer.New(manager, hub, clock, idGen, optimizer.Policy{
		CleanupThreshold:     cfg.Optimizer.CleanupThreshold,
		CompressionThreshold: cfg.Optimizer.CompressionThreshold,
		ArchivalThreshold:    cfg.Optimizer.ArchivalThreshold,
		RetentionDays:        cfg.Optimizer.RetentionDays,
		EnableCompression:    cfg.Optimizer.EnableCompression,
		EnableDeduplication:  cfg.Optimizer.EnableDeduplication,
		EnableArchival:       cfg.Optimizer.EnableArchival,
		EnableMigration:      cfg.Optimizer.EnableMigration,
		Interval:             cfg.OptimizerInterval(),
	}, logger.Named("optimizer"))

	jobMiner := miner.New(manager, pageAnalyzer, hub, clock, idGen, miner.Config{
		MaxConcurrentJobs:       cfg.Miner.MaxConcurrentJobs,
		Tick:                    cfg.MinerTick(),
		OptimizationThresholdKB: float64(cfg.Miner.OptimizationThresholdKB),
	}, logger.Named("miner"))

	probe := collyfetch.New(collyfetch.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: cfg.Crawler.RespectRobots,
	})
	var headlessFetcher crawler.Fetcher
	if cfg.Headless.Enabled {
		chrome, chromeErr := headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if chromeErr != nil {
			logger.Warn("headless fetcher init failed", zap.Error(chromeErr))
		} else {
			headlessFetcher = chrome
			defer chrome.Close()
		}
	}
	var submitter crawler.ProofSubmitter
	if cfg.Crawler.SubmitProofs {
		submitter = crawler.NewHTTPSubmitter(cfg.Chain.APIURL, nil)
	}

	factory := func(maxDepth, maxPages int) (*crawler.System, error) {
		return crawler.New(probe, headlessFetcher, detector.NewHeuristic(0), pageAnalyzer,
			submitter, blobStore, hasher, clock, idGen, hub, crawler.Config{
				MaxConcurrency: cfg.Crawler.Concurrency,
				RequestDelay:   time.Duration(cfg.Crawler.DelaySeconds) * time.Second,
				FailureBackoff: time.Duration(cfg.Crawler.BackoffSeconds) * time.Second,
				MaxDepth:       maxDepth,
				MaxPages:       maxPages,
				RespectRobots:  cfg.Crawler.RespectRobots,
				SubmitProofs:   cfg.Crawler.SubmitProofs,
				BlobPrefix:     cfg.Storage.Prefix,
			}, logger.Named("crawler"))
	}
	crawls := api.NewCrawlRegistry(factory, idGen, clock, logger.Named("crawls"))

	httpMetrics, err := metrics.NewHTTP(registry)
	if err != nil {
		return fmt.Errorf("register http metrics: %w", err)
	}
	apiServer := api.NewServer(manager, opt, jobMiner, crawls, httpMetrics, registry,
		idGen, logger.Named("api"), cfg)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("node manager started")
		manager.Run(ctx)
	}()
	go func() {
		logger.Info("optimizer started")
		opt.Run(ctx)
	}()
	go func() {
		logger.Info("miner started")
		jobMiner.Run(ctx)
	}()
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	crawls.Shutdown()
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("event hub close error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func buildNodeStore(ctx context.Context, cfg config.Config) (mining.NodeStore, error) {
	if cfg.DB.DSN == "" {
		return memory.NewNodeStore(), nil
	}
	return postgres.NewNodeStore(ctx, postgres.NodeStoreConfig{
		DSN:      cfg.DB.DSN,
		MaxConns: int32(cfg.DB.MaxConns),
	})
}

func buildBlobStore(ctx context.Context, cfg config.Config) (mining.BlobStore, error) {
	switch cfg.Storage.Provider {
	case "local":
		return local.NewBlobStore(cfg.Storage.LocalDir)
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return gcs.NewBlobStore(client, cfg.Storage.GCSBucket)
	default:
		return memory.NewBlobStore(), nil
	}
}
