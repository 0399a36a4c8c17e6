// intelpipe - threat intelligence ingestion pipeline
//
// Deployment modes:
//
//  1. SCHEDULED (default):
//     intelpipe -config intelpipe.yaml
//
//  2. ONE-SHOT (cron, CI):
//     intelpipe -config intelpipe.yaml -once
//
//  3. SINK CHECK:
//     intelpipe -config intelpipe.yaml -check-sinks
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exploopio/intelpipe/pkg/audit"
	"github.com/exploopio/intelpipe/pkg/collector"
	"github.com/exploopio/intelpipe/pkg/config"
	"github.com/exploopio/intelpipe/pkg/dedupe"
	"github.com/exploopio/intelpipe/pkg/enrich"
	"github.com/exploopio/intelpipe/pkg/enrich/epss"
	"github.com/exploopio/intelpipe/pkg/enrich/kev"
	"github.com/exploopio/intelpipe/pkg/health"
	"github.com/exploopio/intelpipe/pkg/logger"
	"github.com/exploopio/intelpipe/pkg/metrics"
	"github.com/exploopio/intelpipe/pkg/normalize"
	"github.com/exploopio/intelpipe/pkg/pipeline"
	"github.com/exploopio/intelpipe/pkg/publish"
	"github.com/exploopio/intelpipe/pkg/publish/archive"
	"github.com/exploopio/intelpipe/pkg/publish/misp"
	"github.com/exploopio/intelpipe/pkg/publish/opencti"
	"github.com/exploopio/intelpipe/pkg/scheduler"
	"github.com/exploopio/intelpipe/pkg/server"
	"github.com/exploopio/intelpipe/pkg/source"
	"github.com/exploopio/intelpipe/pkg/stix"
)

const (
	appName    = "intelpipe"
	appVersion = "1.0.0"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (or built-in defaults)")
	once := flag.Bool("once", false, "Run the pipeline once and exit")
	checkSinks := flag.Bool("check-sinks", false, "Check connectivity to MISP and OpenCTI and exit")
	addr := flag.String("addr", "", "Ops server listen address (overrides server.addr)")
	noServer := flag.Bool("no-server", false, "Do not start the ops server")
	verbose := flag.Bool("verbose", false, "Verbose output")
	showVersion := flag.Bool("version", false, "Show version")

	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, appVersion)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	log := logger.NewSlog(logger.Options{Level: logger.ParseLevel(cfg.Log.Level), Format: cfg.Log.Format})
	logger.SetDefault(log)

	// Setup context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Log(logger.LevelInfo, nil, "shutting down")
		cancel()
	}()

	if err := cfg.ResolveSecrets(ctx, cfg.Secrets.Store()); err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving credentials: %v\n", err)
		os.Exit(1)
	}

	svc, err := build(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	code := 0
	switch {
	case *checkSinks:
		code = svc.checkSinks(ctx)
	case *once:
		code = svc.runOnce(ctx)
	default:
		if err := svc.runScheduled(ctx, cfg, !*noServer); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			code = 1
		}
	}
	svc.close()
	cancel()
	os.Exit(code)
}

// app holds the wired components.
type app struct {
	log      logger.Logger
	metrics  *metrics.PrometheusCollector
	registry source.Registry
	misp     *misp.Client
	opencti  *opencti.Client
	archive  *archive.Sink
	pipeline *pipeline.Pipeline
	health   *health.Handler
	audit    *audit.Logger
}

func build(ctx context.Context, cfg *config.Config, log logger.Logger) (*app, error) {
	prom, err := metrics.NewPrometheusCollector(nil)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	registry, err := openRegistry(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	dispatcher := collector.NewDispatcher(cfg.Collector,
		collector.WithLogger(log),
		collector.WithMetrics(prom),
	)
	normalizer := normalize.New(&stix.Builder{}, cfg.Normalize)

	mispClient := misp.New(cfg.MISP, misp.WithLogger(log))
	octiClient := opencti.New(cfg.OpenCTI, opencti.WithLogger(log))
	archiveSink, err := archive.New(cfg.Archive)
	if err != nil {
		return nil, err
	}

	pubOpts := []publish.Option{publish.WithLogger(log), publish.WithMetrics(prom)}
	pipeOpts := []pipeline.Option{pipeline.WithLogger(log), pipeline.WithMetrics(prom)}

	if cfg.Publish.SkipRepublished {
		filter, err := dedupe.Open(cfg.Publish.Dedupe)
		if err != nil {
			return nil, err
		}
		pubOpts = append(pubOpts, publish.WithRepublishFilter(filter))
		pipeOpts = append(pipeOpts, pipeline.WithDedupe(filter))
	}

	trail, err := audit.NewLogger(cfg.Audit)
	if err != nil {
		return nil, err
	}
	if trail != nil {
		trail.Start()
		pipeOpts = append(pipeOpts, pipeline.WithAudit(trail))
	}

	var enrichers []enrich.Enricher
	if cfg.Enrich.KEV.Enabled {
		enrichers = append(enrichers, kev.New(cfg.Enrich.KEV))
	}
	if cfg.Enrich.EPSS.Enabled {
		enrichers = append(enrichers, epss.New(cfg.Enrich.EPSS))
	}
	if len(enrichers) > 0 {
		pipeOpts = append(pipeOpts, pipeline.WithEnrichers(enrichers...))
	}

	publisher := publish.New(mispClient, []publish.BundleSink{octiClient, archiveSink}, pubOpts...)
	for _, s := range []health.Sink{mispClient, octiClient, archiveSink} {
		log.Log(logger.LevelInfo, logger.Fields{"sink": s.Name(), "configured": s.Configured()}, "sink")
	}

	p := pipeline.New(cfg.Pipeline, registry, dispatcher, normalizer, publisher, pipeOpts...)

	h := health.NewHandler(health.WithVersion(appVersion))
	h.Register("registry", &health.RegistryCheck{Pinger: registry})
	h.Register("last_run", &health.LastRunCheck{Runs: p, MaxAge: cfg.Health.MaxRunAge})
	h.Register("sinks", &health.SinksCheck{Sinks: []health.Sink{mispClient, octiClient, archiveSink}})
	h.Register("memory", &health.MemoryCheck{MaxHeapBytes: cfg.Health.MaxHeapBytes})

	return &app{
		log:      log,
		metrics:  prom,
		registry: registry,
		misp:     mispClient,
		opencti:  octiClient,
		archive:  archiveSink,
		pipeline: p,
		health:   h,
		audit:    trail,
	}, nil
}

// openRegistry returns the SQLite registry when a database path is set and
// an in-memory one otherwise, then upserts the configured seed sources.
func openRegistry(ctx context.Context, cfg *config.Config, log logger.Logger) (source.Registry, error) {
	if cfg.Database.Path == "" {
		log.Log(logger.LevelWarn, nil, "no database path, sources live in memory only")
		return source.NewMemoryRegistry(cfg.Sources...), nil
	}

	reg := source.NewSQLiteRegistry(cfg.Database.Path)
	if len(cfg.Sources) == 0 {
		return reg, nil
	}
	// Seeding needs the schema; a failure here is retried by the pipeline.
	if err := reg.Init(ctx); err != nil {
		log.Log(logger.LevelError, logger.Fields{"err": err}, "registry init failed, seed sources not stored")
		return reg, nil
	}
	for _, src := range cfg.Sources {
		stored, err := reg.Upsert(ctx, src)
		if err != nil {
			log.Log(logger.LevelError, logger.Fields{"err": err, "url": src.URL}, "seed source rejected")
			continue
		}
		log.Log(logger.LevelDebug, logger.Fields{"source": stored.ID, "type": stored.Type}, "seed source stored")
	}
	return reg, nil
}

func (a *app) close() {
	if err := a.audit.Stop(); err != nil {
		a.log.Log(logger.LevelWarn, logger.Fields{"err": err}, "close audit trail")
	}
	if err := a.registry.Close(); err != nil {
		a.log.Log(logger.LevelWarn, logger.Fields{"err": err}, "close registry")
	}
}

func (a *app) runOnce(ctx context.Context) int {
	if err := a.pipeline.Init(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	sum := a.pipeline.Execute(ctx)
	printSummary(sum)
	if sum.Status != pipeline.StatusCompleted {
		return 1
	}
	return 0
}

func (a *app) checkSinks(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	failed := 0
	if !a.misp.Configured() {
		fmt.Println("  misp:    not configured")
	} else if attrs, err := a.misp.FetchRecent(ctx, 1); err != nil {
		fmt.Printf("  misp:    FAILED (%v)\n", err)
		failed++
	} else {
		fmt.Printf("  misp:    ok (%d recent attribute(s))\n", len(attrs))
	}

	if !a.opencti.Configured() {
		fmt.Println("  opencti: not configured")
	} else if version, err := a.opencti.Ping(ctx); err != nil {
		fmt.Printf("  opencti: FAILED (%v)\n", err)
		failed++
	} else {
		fmt.Printf("  opencti: ok (version %s)\n", version)
	}

	if failed > 0 {
		return 1
	}
	return 0
}

func (a *app) runScheduled(ctx context.Context, cfg *config.Config, serve bool) error {
	loc, err := cfg.Schedule.Location()
	if err != nil {
		return err
	}
	sched := scheduler.New(a.pipeline, scheduler.Options{
		Spec:       cfg.Schedule.Spec,
		Location:   loc,
		RunOnStart: cfg.Schedule.RunOnStart,
		Logger:     a.log,
	})
	job, err := sched.Start(ctx)
	if err != nil {
		return err
	}
	a.health.SetReady(true)

	srvErr := make(chan error, 1)
	if serve {
		srv := server.New(cfg.Server, a.pipeline, a.health, a.metrics, a.log)
		go func() { srvErr <- srv.Run(ctx) }()
	}

	a.log.Log(logger.LevelInfo, logger.Fields{
		"version":  appVersion,
		"schedule": cfg.Schedule.Spec,
		"next_run": job.Next(),
		"ops_addr": cfg.Server.Addr,
	}, appName+" started")

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			a.log.Log(logger.LevelError, logger.Fields{"err": err}, "ops server stopped")
		}
	}

	a.health.SetReady(false)
	stopped := job.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	select {
	case <-stopped.Done():
	case <-shutdownCtx.Done():
		a.log.Log(logger.LevelWarn, nil, "in-flight run did not finish before shutdown")
	}

	a.log.Log(logger.LevelInfo, nil, appName+" stopped")
	return nil
}

func printSummary(sum *pipeline.Summary) {
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  Run:        %s (%s)\n", sum.RunID, sum.Status)
	fmt.Printf("  Sources:    %d attempted, %d failed\n", sum.SourcesAttempted, sum.SourcesFailed)
	fmt.Printf("  Items:      %d\n", sum.ItemsCollected)
	fmt.Printf("  Objects:    %d (%d indicators, %d notes)\n", sum.Objects, sum.Indicators, sum.Notes)
	fmt.Printf("  Indicators: %d delivered, %d failed, %d skipped\n", sum.IndicatorStats.Delivered, sum.IndicatorStats.Failed, sum.IndicatorStats.Skipped)
	fmt.Printf("  Bundle:     %s -> %d delivered, %d failed, %d skipped\n", sum.BundleID, sum.BundleStats.Delivered, sum.BundleStats.Failed, sum.BundleStats.Skipped)
	if sum.Error != "" {
		fmt.Printf("  Error:      %s\n", sum.Error)
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	if data, err := json.MarshalIndent(sum, "", "  "); err == nil {
		fmt.Fprintln(os.Stderr, string(data))
	}
}
