package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/agime-team/agentstream/config"
	"github.com/agime-team/agentstream/execution"
	"github.com/agime-team/agentstream/ledger"
	agentotel "github.com/agime-team/agentstream/otel"
	"github.com/agime-team/agentstream/ratelimit"
	"github.com/agime-team/agentstream/runtime"
	"github.com/agime-team/agentstream/server"
	"github.com/agime-team/agentstream/sse"
	"github.com/agime-team/agentstream/worker"
)

// appOptions are serve settings that have no config file counterpart.
type appOptions struct {
	DefaultProvider string
	EchoDelay       time.Duration
}

// app is the fully wired server process minus the listener.
type app struct {
	handler    http.Handler
	registries map[string]*execution.Registry[runtime.Event]
	reaper     *execution.Reaper
	recorder   *ledger.Recorder
	ledger     ledger.Store
	telemetry  *agentotel.Telemetry
	logger     *slog.Logger
}

func newApp(ctx context.Context, cfg config.File, opts appOptions, logger *slog.Logger) (a *app, err error) {
	if logger == nil {
		logger = slog.Default()
	}

	tel, err := agentotel.Setup(ctx, agentotel.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tel.Shutdown(context.Background())
		}
	}()

	metrics, err := agentotel.NewMetricsHandler(tel.Meter("agentstream"))
	if err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	tracing := agentotel.NewTracingHandler(tel.Tracer("agentstream"))

	store, err := openLedger(cfg.Ledger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = store.Close()
		}
	}()
	recorder := ledger.NewRecorder(store, logger, 0)
	defer func() {
		if err != nil {
			recorder.Close()
		}
	}()

	router, err := buildRouter(cfg.Providers, opts.DefaultProvider, opts.EchoDelay)
	if err != nil {
		return nil, exitError(exitProvider, "configuring providers: %v", err)
	}

	registries := make(map[string]*execution.Registry[runtime.Event], len(config.Kinds))
	kinds := make(map[string]server.Kind, len(config.Kinds))
	targets := make([]execution.Target, 0, len(config.Kinds))
	for _, kind := range config.Kinds {
		reg := execution.NewRegistry[runtime.Event](execution.Config{
			Kind:       kind,
			BufferSize: cfg.Stream.BufferSize,
			Logger:     logger,
			OnLifecycle: execution.MultiLifecycleHandler(
				tracing.HandleLifecycle,
				metrics.HandleLifecycle,
				recorder.HandleLifecycle,
			),
		})
		driver, err := worker.NewDriver(worker.DriverConfig{
			Registry: reg,
			Runner:   router,
			Bind:     tracing.Bind,
			OnEvent:  metrics.EventHandler(kind),
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}

		registries[kind] = reg
		kinds[kind] = server.Kind{
			Registry: reg,
			Driver:   driver,
			Stream: sse.Config{
				Heartbeat: cfg.Stream.Heartbeat,
				Lifetime:  cfg.Stream.MaxLifetime,
				Logger:    logger,
				OnLag:     func(_ string, dropped uint64) { metrics.RecordLag(kind, dropped) },
				OnSession: func(o sse.Outcome) { metrics.RecordSession(kind, string(o)) },
			},
		}
		targets = append(targets, execution.Target{Sweeper: reg, MaxAge: cfg.MaxAgeFor(kind)})
	}

	reaper, err := execution.NewReaper(execution.ReaperConfig{
		Targets:  targets,
		Schedule: cfg.Reaper.Schedule,
		Logger:   logger,
		OnSweep:  metrics.RecordReaped,
	})
	if err != nil {
		return nil, exitError(exitConfig, "configuring reaper: %v", err)
	}

	defaultLimiter, err := newLimiter(cfg, "default")
	if err != nil {
		return nil, err
	}
	strictLimiter, err := newLimiter(cfg, "execution")
	if err != nil {
		return nil, err
	}

	srv := server.NewServer(server.ServerConfig{
		Kinds:          kinds,
		Ledger:         store,
		Providers:      router,
		Metrics:        tel,
		DefaultLimiter: defaultLimiter,
		StrictLimiter:  strictLimiter,
		OnRejected:     metrics.RecordRejected,
		CORSOrigin:     cfg.Server.CORSOrigin,
		MaxBody:        cfg.Server.MaxBody,
		Logger:         logger,
	})

	return &app{
		handler:    srv.Handler(),
		registries: registries,
		reaper:     reaper,
		recorder:   recorder,
		ledger:     store,
		telemetry:  tel,
		logger:     logger,
	}, nil
}

func openLedger(cfg config.LedgerConfig) (ledger.Store, error) {
	if cfg.SQLitePath == "" {
		return ledger.NewMemStore(), nil
	}
	store, err := ledger.NewSQLiteStore(ledger.SQLiteStoreConfig{
		DSN:            cfg.SQLitePath,
		RetentionAge:   cfg.RetentionAge,
		RetentionCount: cfg.RetentionCount,
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite ledger: %w", err)
	}
	return store, nil
}

func newLimiter(cfg config.File, name string) (*ratelimit.Limiter, error) {
	rl, ok := cfg.Limiter(name)
	if !ok {
		return nil, exitError(exitConfig, "rate limiter %q is not configured", name)
	}
	l, err := ratelimit.New(ratelimit.Config{Name: name, MaxRequests: rl.MaxRequests, Window: rl.Window})
	if err != nil {
		return nil, exitError(exitConfig, "configuring rate limiter %q: %v", name, err)
	}
	return l, nil
}

// cancelActive cancels every running execution so workers publish their
// terminal event before the process exits.
func (a *app) cancelActive() int {
	cancelled := 0
	for _, reg := range a.registries {
		for _, info := range reg.List() {
			if reg.Cancel(info.ID) {
				cancelled++
			}
		}
	}
	return cancelled
}

// Close stops background work and releases stores.
func (a *app) Close(ctx context.Context) error {
	if n := a.cancelActive(); n > 0 {
		a.logger.Info("cancelled active executions on shutdown", "count", n)
	}
	reaperErr := a.reaper.Stop(ctx)
	a.recorder.Close()
	return errors.Join(
		reaperErr,
		a.ledger.Close(),
		a.telemetry.Shutdown(ctx),
	)
}
