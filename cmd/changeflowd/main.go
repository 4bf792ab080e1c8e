// Command changeflowd runs the event dispatcher against a shared event store.
//
// Events are written by the application's record store through a Tracker
// sharing the same database. The daemon resumes unfinished work at start-up,
// then drains new events with its sweeper until SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/rueidis"

	"github.com/randalmurphal/changeflow/pkg/changeflow/config"
	"github.com/randalmurphal/changeflow/pkg/changeflow/control"
	"github.com/randalmurphal/changeflow/pkg/changeflow/dispatch"
	"github.com/randalmurphal/changeflow/pkg/changeflow/event"
	"github.com/randalmurphal/changeflow/pkg/changeflow/handlers"
	"github.com/randalmurphal/changeflow/pkg/changeflow/id"
	"github.com/randalmurphal/changeflow/pkg/changeflow/notify"
	"github.com/randalmurphal/changeflow/pkg/changeflow/observability"
	"github.com/randalmurphal/changeflow/pkg/changeflow/recipient"
	"github.com/randalmurphal/changeflow/pkg/changeflow/registry"
)

const exitCode = 1

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "changeflowd: %v\n", err)
		os.Exit(exitCode)
	}
	logger, err := observability.SetupLogger(observability.LoggerOptions{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: cfg.ServiceName,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "changeflowd: %v\n", err)
		os.Exit(exitCode)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("changeflowd failed", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
}

// backend bundles the stores opened for one database.
type backend struct {
	events  event.Store
	notes   notify.Store
	writers interface {
		handlers.ActivityWriter
		handlers.TaskWriter
	}
}

func openBackend(ctx context.Context, cfg *Config) (*backend, error) {
	switch cfg.Store {
	case "postgres":
		store, err := event.NewPostgresStore(ctx, event.PostgresConfig{DSN: cfg.PostgresDSN})
		if err != nil {
			return nil, err
		}
		notes, err := notify.NewPostgresStore(ctx, store.Pool())
		if err != nil {
			store.Close()
			return nil, err
		}
		writers, err := handlers.NewPostgresWriter(ctx, store.Pool())
		if err != nil {
			store.Close()
			return nil, err
		}
		return &backend{events: store, notes: notes, writers: writers}, nil
	default:
		store, err := event.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		notes, err := notify.NewSQLiteStore(ctx, store.DB())
		if err != nil {
			store.Close()
			return nil, err
		}
		writers, err := handlers.NewSQLiteWriter(ctx, store.DB())
		if err != nil {
			store.Close()
			return nil, err
		}
		return &backend{events: store, notes: notes, writers: writers}, nil
	}
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	if err := id.Init(cfg.NodeID); err != nil {
		return err
	}

	doc, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return err
	}
	dir, err := loadDirectory(cfg.DirectoryPath)
	if err != nil {
		return err
	}

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.events.Close()

	var deliverer notify.Deliverer = notify.NopDeliverer{}
	var rc rueidis.Client
	if cfg.RedisAddr != "" {
		rc, err = rueidis.NewClient(rueidis.ClientOption{InitAddress: []string{cfg.RedisAddr}})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rc.Close()
		deliverer = notify.NewRedisDeliverer(rc, cfg.NotifyStream, logger)
	}

	svc := notify.NewService(be.notes, notify.WithDeliverer(deliverer), notify.WithLogger(logger))

	compiled, err := registry.Compile(doc, registry.WithHandlerNames(
		handlers.NotificationName, handlers.ActivityName, handlers.FollowUpName,
	))
	if err != nil {
		return fmt.Errorf("compile %s: %w", cfg.ConfigPath, err)
	}

	var loaders recipient.Loaders = recipient.LoaderMap(nil)
	if missing := unloadable(compiled.Related, loaders); len(missing) > 0 {
		logger.Warn("field recipients on related entities have no loader and will resolve to nobody",
			slog.Any("related", missing),
		)
	}
	resolver := recipient.NewResolver(dir, loaders,
		recipient.WithLogger(logger),
		recipient.WithBranchFields(compiled.BranchFields),
	)
	table := handlers.Default(handlers.Deps{
		Resolver:   resolver,
		Notifier:   svc,
		Activities: be.writers,
		Tasks:      be.writers,
		Logger:     logger,
	})

	initial := control.State{Alerts: control.Alerts{
		Enabled:  compiled.Alerts.Enabled,
		AdminIDs: compiled.Alerts.AdminIDs,
	}}
	var ctl control.Source = control.NewMemorySource(initial)
	if rc != nil {
		ctl = control.NewRedisSource(rc, cfg.ControlKey, initial)
	}

	engine, err := dispatch.New(be.events, compiled.Bindings, table,
		dispatch.WithWorkers(cfg.Workers),
		dispatch.WithHandlerTimeout(cfg.HandlerTimeout),
		dispatch.WithRetryDelay(cfg.RetryDelay),
		dispatch.WithSweepInterval(cfg.SweepInterval),
		dispatch.WithStaleClaimAfter(cfg.StaleClaim),
		dispatch.WithControl(ctl),
		dispatch.WithNotifier(svc),
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(observability.NewMetricsRecorder()),
		dispatch.WithSpans(observability.NewSpanManager()),
	)
	if err != nil {
		return err
	}

	engine.Start(ctx)
	defer engine.Stop()

	n, err := engine.ResumePending(ctx)
	if err != nil {
		return fmt.Errorf("resume pending: %w", err)
	}
	logger.InfoContext(ctx, "changeflowd running",
		slog.String("store", cfg.Store),
		slog.Int("resumed", n),
		slog.Int("event_types", len(compiled.Bindings.Types())),
		slog.Bool("redis", rc != nil),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// unloadable returns the entries of related that loaders has no Loader for.
func unloadable(related []string, loaders recipient.Loaders) []string {
	var out []string
	for _, kind := range related {
		if _, ok := loaders.Get(kind); !ok {
			out = append(out, kind)
		}
	}
	return out
}
