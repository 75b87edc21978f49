package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"integritywatch/config"
	"integritywatch/internal/analyzer"
	"integritywatch/internal/api"
	"integritywatch/internal/detect"
	"integritywatch/internal/engine"
	inputnats "integritywatch/internal/input/nats"
	inputredis "integritywatch/internal/input/redis"
	"integritywatch/internal/logger"
	"integritywatch/internal/metrics"
	"integritywatch/internal/output/eventclickhouse"
	"integritywatch/internal/output/eventjson"
	"integritywatch/internal/output/flaghttp"
	"integritywatch/internal/output/flagjson"
	"integritywatch/internal/output/flagnats"
	"integritywatch/internal/pipeline"
	"integritywatch/internal/policy"
	"integritywatch/internal/rules"
	"integritywatch/internal/store"
)

const configName = "integritywatch.yml"

func findConfigFile(configArg string) string {
	if configArg != "" {
		path := configArg
		if _, err := os.Stat(path); err == nil {
			return path
		}
		log.Printf("Warning: config file not found at %s, trying default locations", path)
	}

	if _, err := os.Stat(configName); err == nil {
		return configName
	}

	exePath, err := os.Executable()
	if err == nil {
		exeDir := filepath.Dir(exePath)
		path := filepath.Join(exeDir, configName)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return configName
}

func applyDefaults(cfg *config.Config) {
	iw := &cfg.IntegrityWatch

	if iw.Storage.Mode == "" {
		iw.Storage.Mode = "memory"
	}
	if iw.Storage.SQLite.Path == "" {
		iw.Storage.SQLite.Path = "data/integritywatch.db"
	}
	if iw.Storage.Redis.Addr == "" {
		iw.Storage.Redis.Addr = "127.0.0.1:6379"
	}

	if iw.Input.Redis.Redis.Addr == "" {
		iw.Input.Redis.Redis.Addr = "127.0.0.1:6379"
	}
	if iw.Input.Redis.Redis.Key == "" {
		iw.Input.Redis.Redis.Key = "integritywatch_events"
	}
	if iw.Input.Redis.Redis.BlockTimeout == 0 {
		iw.Input.Redis.Redis.BlockTimeout = 5 * time.Second
	}
	if iw.Input.Redis.Workers <= 0 {
		iw.Input.Redis.Workers = 8
	}
	if iw.Input.NATS.Workers <= 0 {
		iw.Input.NATS.Workers = 8
	}
	if iw.Input.NATS.Subject == "" {
		iw.Input.NATS.Subject = "integritywatch.events"
	}

	if iw.Output.BatchSize <= 0 {
		iw.Output.BatchSize = 500
	}
	if iw.Output.FlushInterval <= 0 {
		iw.Output.FlushInterval = 2 * time.Second
	}
	if iw.Output.Flags.Mode == "" {
		iw.Output.Flags.Mode = "none"
	}
	if iw.Output.Flags.File.Path == "" {
		iw.Output.Flags.File.Path = "output/flags.jsonl"
	}
	if iw.Output.Events.Mode == "" {
		iw.Output.Events.Mode = "none"
	}
	if iw.Output.Events.File.Path == "" {
		iw.Output.Events.File.Path = "output/events.jsonl"
	}
	if iw.Output.Events.ClickHouse.Database == "" {
		iw.Output.Events.ClickHouse.Database = "integritywatch"
	}
	if iw.Output.Events.ClickHouse.Table == "" {
		iw.Output.Events.ClickHouse.Table = "events"
	}

	if iw.Engine.AnalyzerWorkers <= 0 {
		iw.Engine.AnalyzerWorkers = 8
	}
	if iw.Engine.TimelineBucket <= 0 {
		iw.Engine.TimelineBucket = time.Minute
	}

	if iw.API.Addr == "" {
		iw.API.Addr = ":8080"
	}

	if iw.Logging.Level == "" {
		iw.Logging.Level = "info"
	}
}

// loadConfig finds, parses and defaults the config and starts the logger.
func loadConfig(configArg string) (*config.Config, string) {
	configPath := findConfigFile(configArg)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyDefaults(cfg)

	lc := cfg.IntegrityWatch.Logging
	if err := logger.Init(lc.Enabled, lc.Level, lc.File, lc.Console); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	return cfg, configPath
}

func openStore(cfg config.StorageConfig) store.Store {
	switch cfg.Mode {
	case "memory":
		logger.Infof("Storage mode: memory")
		return store.NewMemoryStore()
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				log.Fatalf("Failed to create storage directory: %v", err)
			}
		}
		s, err := store.OpenSQLite(cfg.SQLite.Path)
		if err != nil {
			logger.Errorf("Failed to open SQLite store: %v", err)
			log.Fatalf("Failed to open SQLite store: %v", err)
		}
		logger.Infof("Storage mode: sqlite (%s)", cfg.SQLite.Path)
		return s
	case "redis":
		s, err := store.NewRedisStore(store.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			logger.Errorf("Failed to create Redis store: %v", err)
			log.Fatalf("Failed to create Redis store: %v", err)
		}
		logger.Infof("Storage mode: redis (%s)", cfg.Redis.Addr)
		return s
	default:
		log.Fatalf("Unknown storage mode: %s", cfg.Mode)
	}
	return nil
}

func engineConfig(c config.EngineConfig) engine.Config {
	return engine.Config{
		MaxBatchSize:       c.MaxBatchSize,
		ClockSkewTolerance: c.ClockSkewTolerance,
		IdleTimeout:        c.IdleTimeout,
		ReapInterval:       c.ReapInterval,
		QueueSize:          c.QueueSize,
		StorageRetries:     c.StorageRetries,
		RetryBackoff:       c.RetryBackoff,
		DedupeCacheSize:    c.DedupeCacheSize,
	}
}

// loadRules returns the Sigma reloader when rules are enabled, or nil.
func loadRules(cfg config.RulesConfig) *rules.Reloader {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Path) == "" {
		logger.Warnf("Rules enabled but rules.path is empty; Sigma detection disabled")
		return nil
	}
	reloader, stats, err := rules.NewReloader(cfg.Path)
	if err != nil {
		logger.Errorf("Failed to load Sigma rules from %s: %v", cfg.Path, err)
		log.Fatalf("Failed to load Sigma rules: %v", err)
	}
	logger.Infof("Sigma rules loaded: loaded=%d skipped_complex=%d skipped_invalid=%d files=%d",
		stats.Loaded,
		stats.SkippedComplex,
		stats.SkippedInvalid,
		stats.TotalFiles,
	)
	if stats.Loaded == 0 {
		logger.Warnf("No compatible Sigma rules loaded; Sigma detection is effectively disabled")
	}
	return reloader
}

func newFlagWriter(cfg config.FlagOutputConfig) pipeline.FlagWriter {
	switch cfg.Mode {
	case "none":
		return nil
	case "file":
		w, err := flagjson.NewWriter(cfg.File.Path)
		if err != nil {
			logger.Errorf("Failed to create flag file writer: %v", err)
			log.Fatalf("Failed to create flag file writer: %v", err)
		}
		logger.Infof("Flag output mode: file (%s)", cfg.File.Path)
		return w
	case "http":
		w, err := flaghttp.NewWriter(flaghttp.Config{
			URL:     cfg.HTTP.URL,
			Timeout: cfg.HTTP.Timeout,
			Headers: cfg.HTTP.Headers,
		})
		if err != nil {
			logger.Errorf("Failed to create flag HTTP writer: %v", err)
			log.Fatalf("Failed to create flag HTTP writer: %v", err)
		}
		logger.Infof("Flag output mode: http (%s)", cfg.HTTP.URL)
		return w
	case "nats":
		w, err := flagnats.NewWriter(flagnats.Config{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
		})
		if err != nil {
			logger.Errorf("Failed to create flag NATS writer: %v", err)
			log.Fatalf("Failed to create flag NATS writer: %v", err)
		}
		logger.Infof("Flag output mode: nats (%s)", cfg.NATS.URL)
		return w
	default:
		log.Fatalf("Unknown flag output mode: %s", cfg.Mode)
	}
	return nil
}

func newEventWriter(cfg config.EventOutputConfig) pipeline.EventWriter {
	switch cfg.Mode {
	case "none":
		return nil
	case "file":
		w, err := eventjson.NewWriter(cfg.File.Path)
		if err != nil {
			logger.Errorf("Failed to create event file writer: %v", err)
			log.Fatalf("Failed to create event file writer: %v", err)
		}
		logger.Infof("Event output mode: file (%s)", cfg.File.Path)
		return w
	case "clickhouse":
		ch := cfg.ClickHouse
		w, err := eventclickhouse.NewWriter(eventclickhouse.Config{
			URL:      ch.URL,
			Database: ch.Database,
			Table:    ch.Table,
			Username: ch.Username,
			Password: ch.Password,
			Timeout:  ch.Timeout,
			Headers:  ch.Headers,
		})
		if err != nil {
			logger.Errorf("Failed to create event ClickHouse writer: %v", err)
			log.Fatalf("Failed to create event ClickHouse writer: %v", err)
		}
		logger.Infof("Event output mode: clickhouse (%s/%s.%s)", ch.URL, ch.Database, ch.Table)
		return w
	default:
		log.Fatalf("Unknown event output mode: %s", cfg.Mode)
	}
	return nil
}

// newInputs builds the enabled queue ingestion pipelines.
func newInputs(cfg config.InputConfig, ing pipeline.Ingester) []*pipeline.QueuePipeline {
	var pipes []*pipeline.QueuePipeline

	if cfg.Redis.Enabled {
		rc := cfg.Redis.Redis
		consumer, err := inputredis.NewConsumer(inputredis.Config{
			Addr:          rc.Addr,
			Password:      rc.Password,
			DB:            rc.DB,
			Key:           rc.Key,
			DeadLetterKey: cfg.Redis.DeadLetters,
			BlockTimeout:  rc.BlockTimeout,
		})
		if err != nil {
			logger.Errorf("Failed to create Redis consumer: %v", err)
			log.Fatalf("Failed to create Redis consumer: %v", err)
		}
		pipes = append(pipes, pipeline.NewQueuePipeline("redis", consumer, ing, consumer, cfg.Redis.Workers))
		logger.Infof("Redis input enabled: %s key=%s", rc.Addr, rc.Key)
	}

	if cfg.NATS.Enabled {
		sub, err := inputnats.NewSubscriber(inputnats.Config{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
			Queue:   cfg.NATS.Queue,
		})
		if err != nil {
			logger.Errorf("Failed to create NATS subscriber: %v", err)
			log.Fatalf("Failed to create NATS subscriber: %v", err)
		}
		pipes = append(pipes, pipeline.NewQueuePipeline("nats", sub, ing, nil, cfg.NATS.Workers))
		logger.Infof("NATS input enabled: %s subject=%s", cfg.NATS.URL, cfg.NATS.Subject)
	}

	return pipes
}

func runServe(args []string) {
	configArg := ""
	if len(args) > 0 {
		configArg = args[0]
	}
	cfg, configPath := loadConfig(configArg)
	defer logger.Sync()
	iw := cfg.IntegrityWatch

	logger.Infof("IntegrityWatch starting")
	logger.Infof("Config loaded from: %s", configPath)

	st := openStore(iw.Storage)

	opts := []engine.Option{engine.WithPolicy(policy.FromConfig(iw.Detectors))}

	var m *metrics.Metrics
	if iw.Metrics.Enabled {
		m = metrics.New(prometheus.DefaultRegisterer)
		opts = append(opts, engine.WithMetrics(m))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	if reloader := loadRules(iw.Rules); reloader != nil {
		opts = append(opts, engine.WithDetectors(append(detect.Builtin(), detect.Sigma(reloader))...))
		if iw.Rules.Watch {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := reloader.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Errorf("Rule watcher error: %v", err)
				}
			}()
		}
	}

	var exporter *pipeline.Exporter
	flagWriter := newFlagWriter(iw.Output.Flags)
	eventWriter := newEventWriter(iw.Output.Events)
	if flagWriter != nil || eventWriter != nil {
		exporter = pipeline.NewExporter(flagWriter, eventWriter, iw.Output.BatchSize, iw.Output.FlushInterval, m)
		opts = append(opts, engine.WithPublisher(exporter))
	}

	eng, err := engine.New(st, engineConfig(iw.Engine), opts...)
	if err != nil {
		logger.Errorf("Failed to create engine: %v", err)
		log.Fatalf("Failed to create engine: %v", err)
	}

	an := analyzer.New(st,
		analyzer.WithBucket(iw.Engine.TimelineBucket),
		analyzer.WithWorkers(iw.Engine.AnalyzerWorkers),
	)

	srv := api.NewServer(eng, an,
		api.WithHealth(st),
		api.WithRateLimit(iw.API.RateLimitRPS, iw.API.RateLimitBurst),
		api.WithMetricsHandler(promhttp.Handler()),
	)
	httpServer := &http.Server{
		Addr:              iw.API.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// The exporter outlives ctx so events published during shutdown are
	// still flushed.
	exportCtx, stopExport := context.WithCancel(context.Background())
	exportDone := make(chan struct{})
	if exporter != nil {
		go func() {
			defer close(exportDone)
			if err := exporter.Run(exportCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorf("Export pipeline error: %v", err)
			}
		}()
	} else {
		close(exportDone)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("Engine error: %v", err)
		}
	}()

	inputs := newInputs(iw.Input, eng)
	var inputWG sync.WaitGroup
	for _, p := range inputs {
		inputWG.Add(1)
		go func(p *pipeline.QueuePipeline) {
			defer inputWG.Done()
			if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorf("Ingestion pipeline error: %v", err)
			}
		}(p)
	}

	go func() {
		logger.Infof("HTTP API listening on %s", iw.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("HTTP server error: %v", err)
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infof("Shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Error stopping HTTP server: %v", err)
	}
	cancel()
	inputWG.Wait()
	for _, p := range inputs {
		if err := p.Close(); err != nil {
			logger.Errorf("Error closing ingestion pipeline: %v", err)
		}
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Error stopping engine: %v", err)
	}
	wg.Wait()

	stopExport()
	<-exportDone
	if exporter != nil {
		if err := exporter.Close(); err != nil {
			logger.Errorf("Error closing export pipeline: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		logger.Errorf("Error closing store: %v", err)
	}

	logger.Infof("IntegrityWatch stopped")
}

func runReplay(args []string) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	configArg := fs.String("config", "", "Config file path")
	sessionID := fs.String("session", "", "Session UUID to replay")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*sessionID) == "" {
		fmt.Fprintln(os.Stderr, "replay requires -session")
		return 2
	}

	cfg, _ := loadConfig(*configArg)
	defer logger.Sync()
	iw := cfg.IntegrityWatch

	st := openStore(iw.Storage)
	defer st.Close()

	opts := []engine.Option{engine.WithPolicy(policy.FromConfig(iw.Detectors))}
	if reloader := loadRules(iw.Rules); reloader != nil {
		opts = append(opts, engine.WithDetectors(append(detect.Builtin(), detect.Sigma(reloader))...))
	}
	eng, err := engine.New(st, engineConfig(iw.Engine), opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create engine: %v\n", err)
		return 1
	}

	res, err := eng.Replay(context.Background(), *sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay failed: %v\n", err)
		return 1
	}
	if err := printJSON(res); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write result: %v\n", err)
		return 1
	}
	if !res.Match {
		return 3
	}
	return 0
}

func runAnalyzer(args []string) int {
	fs := flag.NewFlagSet("analyze", flag.ContinueOnError)
	configArg := fs.String("config", "", "Config file path")
	sessionID := fs.String("session", "", "Session UUID to analyze")
	cohortID := fs.String("cohort", "", "Cohort id to summarize")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if (*sessionID == "") == (*cohortID == "") {
		fmt.Fprintln(os.Stderr, "analyze requires exactly one of -session or -cohort")
		return 2
	}

	cfg, _ := loadConfig(*configArg)
	defer logger.Sync()
	iw := cfg.IntegrityWatch

	st := openStore(iw.Storage)
	defer st.Close()

	an := analyzer.New(st,
		analyzer.WithBucket(iw.Engine.TimelineBucket),
		analyzer.WithWorkers(iw.Engine.AnalyzerWorkers),
	)

	ctx := context.Background()
	var out any
	var err error
	if *sessionID != "" {
		out, err = an.Analyze(ctx, *sessionID)
	} else {
		out, err = an.CohortOverview(ctx, *cohortID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "analysis failed: %v\n", err)
		return 1
	}
	if err := printJSON(out); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
		return 1
	}
	return 0
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			runServe(os.Args[2:])
			return
		case "replay":
			os.Exit(runReplay(os.Args[2:]))
		case "analyze":
			os.Exit(runAnalyzer(os.Args[2:]))
		}
	}
	runServe(os.Args[1:])
}
