package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"firepoints/internal/enrich"
	"firepoints/internal/fetch"
	"firepoints/internal/notify"
	"firepoints/internal/pipeline"
	"firepoints/internal/pipeline/guard"
	"firepoints/internal/pipeline/metrics"
	"firepoints/internal/platform/config"
	"firepoints/internal/platform/httpserver"
	"firepoints/internal/platform/logger"
	redisclient "firepoints/internal/platform/redis"
	"firepoints/internal/raster"
	"firepoints/internal/scheduler"
	"firepoints/internal/store/firepoints"
)

// main wires the refresh pipeline, then either runs it once or hands it to
// the scheduler until a shutdown signal arrives.
func main() {
	once := flag.Bool("once", false, "run a single refresh and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	if err := run(cfg, log, *once); err != nil {
		if !errors.Is(err, errRunFailed) {
			log.Error("firepoints exited", "error", err)
		}
		os.Exit(1)
	}
}

// errRunFailed marks a -once run whose failure the runner already logged.
var errRunFailed = errors.New("refresh run failed")

func run(cfg *config.Config, log *slog.Logger, once bool) error {
	ctx := context.Background()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	sampler := raster.NewSampler(
		raster.WithLogger(log),
		raster.WithNoDataMasking(cfg.Raster.MaskNoData),
	)
	if _, err := sampler.Load(cfg.Raster.Path); err != nil {
		return fmt.Errorf("load raster: %w", err)
	}

	fetcher, err := fetch.New(cfg.Source.URL, cfg.SourcePath(),
		fetch.WithLogger(log),
		fetch.WithTimeout(cfg.Source.FetchTimeout),
	)
	if err != nil {
		return fmt.Errorf("create fetcher: %w", err)
	}
	enricher, err := enrich.New(sampler,
		enrich.WithLogger(log),
		enrich.WithWorkers(cfg.Enrich.Workers),
	)
	if err != nil {
		return fmt.Errorf("create enricher: %w", err)
	}

	opener := firepoints.NewOpener(cfg.Database.URL, cfg.Database.MaxConns,
		firepoints.WithTable(cfg.Database.Table),
		firepoints.WithBatchSize(cfg.Database.BatchSize),
		firepoints.WithLogger(log),
	)
	if cfg.Database.AutoMigrate {
		if err := migrate(ctx, opener); err != nil {
			return err
		}
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(log),
		pipeline.WithMetrics(m),
	}
	if cfg.Source.Snapshot {
		opts = append(opts, pipeline.WithSnapshotPath(cfg.SnapshotPath()))
	}

	rc, err := redisclient.New(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if rc != nil {
		defer rc.Close()
		opts = append(opts, pipeline.WithLease(
			guard.NewRedisLease(rc.Client, cfg.Redis.LeaseKey, cfg.Redis.LeaseTTL, guard.WithLeaseLogger(log))))
	}

	var notifier *notify.Kafka
	if len(cfg.Kafka.Brokers) > 0 {
		notifier, err = notify.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, notify.WithLogger(log))
		if err != nil {
			return err
		}
		defer notifier.Close()
		if err := notifier.EnsureTopic(ctx, 1, 1); err != nil {
			log.Warn("ensure kafka topic failed", "topic", cfg.Kafka.Topic, "error", err)
		}
		opts = append(opts, pipeline.WithNotifier(notifier))
	}

	runner, err := pipeline.New(fetcher, enricher, storeOpener(opener), opts...)
	if err != nil {
		return fmt.Errorf("create runner: %w", err)
	}

	if once {
		if _, err := runner.Run(ctx); err != nil {
			return errRunFailed
		}
		return nil
	}

	sched, err := scheduler.New(cfg.Schedule.Spec, cfg.Location(), func() {
		runner.Trigger(context.Background())
	}, scheduler.WithLogger(log))
	if err != nil {
		return err
	}

	status := func(ctx context.Context) (map[string]any, error) {
		details := map[string]any{
			"running":  runner.Running(),
			"next_run": sched.Next(),
		}
		if notifier != nil {
			details["notifier_healthy"] = notifier.Healthy()
		}
		if rc != nil {
			if err := rc.Health(ctx); err != nil {
				return details, fmt.Errorf("redis: %w", err)
			}
		}
		return details, nil
	}
	srv := httpserver.New(cfg.Metrics.Addr, httpserver.NewRouter(reg, status))
	srvErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	sched.Start()
	if cfg.Schedule.RunOnStart {
		sched.RunNow()
	}
	log.Info("firepoints started",
		"schedule", cfg.Schedule.Spec,
		"timezone", cfg.Schedule.Timezone,
		"next_run", sched.Next(),
		"metrics_addr", cfg.Metrics.Addr,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
	case err := <-srvErr:
		runErr = fmt.Errorf("metrics server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Schedule.ShutdownTimeout)
	defer cancel()
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Warn("refresh still running at shutdown", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown failed", "error", err)
	}
	return runErr
}

func migrate(ctx context.Context, opener *firepoints.Opener) error {
	store, err := opener.Open(ctx)
	if err != nil {
		return fmt.Errorf("open store for migration: %w", err)
	}
	defer store.Close()
	return store.EnsureSchema(ctx)
}

// storeOpener narrows *firepoints.Store to the runner's Store without leaking
// a typed nil on error.
func storeOpener(o *firepoints.Opener) pipeline.StoreOpener {
	return pipeline.StoreOpenerFunc(func(ctx context.Context) (pipeline.Store, error) {
		s, err := o.Open(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}
