package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"openalexetl/internal/config"
	"openalexetl/internal/fetch"
	"openalexetl/internal/metrics"
	"openalexetl/internal/metrics/datadog"
	"openalexetl/internal/objectstore"
	"openalexetl/internal/pipeline"
	"openalexetl/internal/snapshot"
	"openalexetl/internal/state"
	"openalexetl/internal/transform"
	"openalexetl/internal/warehouse"

	// register all backends with the warehouse factory.
	// config specifies which to use but we build in support for all of them.
	_ "openalexetl/internal/warehouse/all"
)

// main is the entry point for the ingest binary. It loads the job config,
// optionally initializes a metrics backend, and runs (or inspects/resets)
// ingestion for the requested entity types.
func main() {
	var (
		cfgPath           string
		baseDir           string
		entityFlg         string
		metricsBackendFlg string
		validate          bool
		status            bool
		reset             bool
	)

	flag.StringVar(&cfgPath, "config", "configs/ingest.json", "job config JSON path")
	flag.StringVar(&baseDir, "base-dir", "", "working directory for progress state (overrides runtime.base_dir)")
	flag.StringVar(&entityFlg, "entity", "all", "entity type to ingest, or \"all\"")
	flag.StringVar(&metricsBackendFlg, "metrics-backend", "none", "metrics backend to use (datadog, none)")
	flag.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	flag.BoolVar(&status, "status", false, "print the persisted progress summary and exit")
	flag.BoolVar(&reset, "reset", false, "clear progress for the selected entities and exit")
	verbose := flag.Bool("v", false, "enable verbose logs")

	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatalf("%v", err)
	}
	if baseDir != "" {
		cfg.Runtime.BaseDir = baseDir
	}

	known := map[string]bool{}
	for _, e := range transform.Entities() {
		known[e] = true
	}

	issues := cfg.Validate(known)
	for _, iss := range issues {
		fmt.Fprintln(os.Stderr, iss)
	}
	if config.HasErrors(issues) {
		log.Printf("configuration is invalid: %v", cfgPath)
		os.Exit(1)
	}
	if validate {
		log.Printf("configuration is valid: %v", cfgPath)
		os.Exit(0)
	}

	entities, err := selectEntities(cfg, entityFlg, known)
	if err != nil {
		fatalf("%v", err)
	}

	st, err := state.NewStore(cfg.Runtime.BaseDir)
	if err != nil {
		fatalf("%v", err)
	}

	if status {
		printStatus(st)
		return
	}
	if reset {
		for _, e := range entities {
			if err := st.Reset(e); err != nil {
				fatalf("reset %s: %v", e, err)
			}
			log.Printf("reset: %s", e)
		}
		return
	}

	// A failed run must still exit through the deferred cleanup (warehouse
	// close, final metrics flush), so the exit code is decided out here.
	if err := run(cfg, entities, metricsBackendFlg, st, *verbose); err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, entities []string, metricsBackendFlg string, st *state.Store, verbose bool) error {
	switch metricsBackendFlg {
	case "datadog":
		b, err := datadog.NewBackend(context.Background(), datadog.Options{
			JobName: cfg.Job,
			Tags:    datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS")),
		})
		if err != nil {
			log.Printf("metrics: failed to init datadog backend: %v; using nop", err)
		} else {
			metrics.SetBackend(b)
			// Close() stops the periodic flush loop, then flushes one final time.
			defer func() {
				if err := b.Close(); err != nil {
					log.Printf("metrics: datadog close/flush error: %v", err)
				}
			}()
		}
	case "", "none":
		if verbose {
			log.Printf("metrics: disabled")
		}
	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", metricsBackendFlg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := objectstore.New(ctx, objectstore.Config{
		Kind:   cfg.ObjectStore.Kind,
		Bucket: cfg.ObjectStore.Bucket,
		Root:   cfg.ObjectStore.Root,
	})
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}

	repo, err := warehouse.New(ctx, warehouse.Config{
		Kind: cfg.Warehouse.Kind,
		DSN:  cfg.Warehouse.DSN,
	})
	if err != nil {
		return fmt.Errorf("warehouse: %w", err)
	}
	defer repo.Close()

	logger := log.New(os.Stderr, "", log.LstdFlags)

	driver := &pipeline.Driver{
		State: st,
		Discovery: &snapshot.Discovery{
			Store: store,
			State: st,
			Base:  cfg.ObjectStore.Root,
		},
		Fetcher: &fetch.Fetcher{
			Store:   store,
			TempDir: cfg.Runtime.TempDir,
			Policy: fetch.Backoff{
				MaxAttempts: cfg.Fetch.MaxAttempts,
				BaseDelay:   cfg.BaseDelay(),
				Multiplier:  cfg.Fetch.Multiplier,
			},
			Logger: logger,
		},
		Processor: &pipeline.Processor{
			Repo:      repo,
			BatchSize: cfg.Runtime.BatchSize,
			MaxErrors: cfg.Runtime.MaxErrors,
			Logger:    logger,
		},
		Logger:      logger,
		Parallelism: cfg.Runtime.Parallelism,
	}

	start := time.Now()
	if verbose {
		log.Printf("ingest: entities=%s store=%s warehouse=%s batch=%d",
			strings.Join(entities, ","), cfg.ObjectStore.Kind, cfg.Warehouse.Kind, cfg.Runtime.BatchSize)
	}

	if err := driver.RunAll(ctx, entities); err != nil {
		return err
	}

	if verbose {
		log.Printf("completed in %s", time.Since(start).Truncate(time.Millisecond))
	}
	return nil
}

// selectEntities resolves the -entity flag against the config's entity list
// (which defaults to every registered entity type).
func selectEntities(cfg config.Config, flg string, known map[string]bool) ([]string, error) {
	configured := cfg.Entities
	if len(configured) == 0 {
		configured = transform.Entities()
	}
	if flg == "" || flg == "all" {
		return configured, nil
	}
	if !known[flg] {
		return nil, fmt.Errorf("unknown entity type %q (known: %s)", flg, strings.Join(transform.Entities(), ", "))
	}
	return []string{flg}, nil
}

func printStatus(st *state.Store) {
	summary := st.Summary()
	if len(summary) == 0 {
		fmt.Println("no progress recorded")
		return
	}
	for _, e := range summary {
		line := fmt.Sprintf("%-14s %-12s files=%d processed=%d", e.Entity, e.Status, e.CompletedFiles, e.Processed)
		if e.CurrentFile != "" && e.Status != "completed" {
			line += " current=" + e.CurrentFile
		}
		fmt.Println(line)
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
