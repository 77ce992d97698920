package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/ocx/vesselgate/internal/api"
	"github.com/ocx/vesselgate/internal/circuitbreaker"
	"github.com/ocx/vesselgate/internal/config"
	"github.com/ocx/vesselgate/internal/events"
	"github.com/ocx/vesselgate/internal/gate"
	"github.com/ocx/vesselgate/internal/infra"
	"github.com/ocx/vesselgate/internal/monitoring"
	"github.com/ocx/vesselgate/internal/policy"
	"github.com/ocx/vesselgate/internal/tier"
	"github.com/ocx/vesselgate/internal/trajectory"
	"github.com/ocx/vesselgate/internal/vessel"
)

// bus is what the server needs from whichever event bus is configured.
type bus interface {
	events.EventEmitter
	api.EventSource
}

func main() {
	configPath := flag.String("config", os.Getenv("VG_CONFIG"), "path to config YAML")
	overridesPath := flag.String("overrides", os.Getenv("VG_OVERRIDES"), "path to per-vessel overrides YAML")
	flag.Parse()

	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		log.Fatalf("Failed to load .env: %v", err)
	}

	cfgManager, err := config.NewManager(*configPath, *overridesPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := cfgManager.Global()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Vessels and policy profiles
	registry, err := vessel.NewRegistry()
	if err != nil {
		log.Fatalf("Failed to create vessel registry: %v", err)
	}
	if cfg.VesselsFile != "" {
		if err := registry.Reload(cfg.VesselsFile); err != nil {
			log.Fatalf("Failed to load vessels: %v", err)
		}
	}
	slog.Info("[Server] Vessels loaded", "count", len(registry.List()))

	var profiles *policy.ProfileSet
	if cfg.PolicyFile != "" {
		if profiles, err = policy.LoadProfiles(cfg.PolicyFile); err != nil {
			log.Fatalf("Failed to load policy profiles: %v", err)
		}
	}
	evaluator := policy.NewRuleEvaluator(profiles)

	// 2. Metrics and events
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(reg)
	live := monitoring.NewLiveMonitor()

	checks := make(map[string]api.HealthCheck)
	eventBus, closeBus := buildEventBus(ctx, cfg, checks)
	defer closeBus()
	notifier := events.NewNotifier(eventBus)

	// 3. Audit trail
	backend, closeBackend, err := buildTracker(ctx, cfg, checks)
	if err != nil {
		log.Fatalf("Failed to build tracker: %v", err)
	}
	defer closeBackend()

	var tracker trajectory.Tracker = backend
	if cfg.Tracker.Backend != "memory" {
		breaker := circuitbreaker.New(circuitbreaker.AuditStoreConfig("tracker-" + cfg.Tracker.Backend))
		retrying := trajectory.NewRetryingTracker(backend, breaker, trajectory.RetryOptions{
			MaxAttempts: cfg.Tracker.MaxAttempts,
			QueueSize:   cfg.Tracker.QueueSize,
			Backoff:     cfg.Tracker.Backoff(),
			OnExhausted: func(w trajectory.PendingWrite) {
				metrics.RecordDropped(w)
				notifier.RecordDropped(w)
			},
		})
		defer retrying.Close()
		tracker = retrying
	}

	// 4. Gate and router
	g := gate.New(evaluator, tracker,
		gate.WithDefaultBudget(cfg.Gate.LatencyBudget()),
		gate.WithGracePeriod(cfg.Gate.GracePeriod()),
		gate.WithTrackerTimeout(cfg.Gate.TrackerTimeout()),
		gate.WithObserver(gate.Observers{metrics, live, notifier}),
	)

	router, err := tier.FromConfig(cfg.Routing.Preferences, cfg.Routing.Default)
	if err != nil {
		log.Fatalf("Failed to build tier router: %v", err)
	}

	go reloadOnHangup(ctx, cfgManager, registry, evaluator)

	// 5. API
	server := api.NewServer(api.Deps{
		Gate:     g,
		Router:   router,
		Tracker:  tracker,
		Vessels:  registry,
		Events:   eventBus,
		Metrics:  metrics,
		Live:     live,
		Budgets:  cfgManager,
		Gatherer: reg,
		Checks:   checks,
	})

	log.Printf("Vessel gate starting (env=%s, tracker=%s, budget=%s)",
		cfg.Server.Env, cfg.Tracker.Backend, cfg.Gate.LatencyBudget())
	if err := server.Start(ctx, ":"+cfg.Server.Port); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
	log.Println("Server stopped")
}

func buildTracker(ctx context.Context, cfg *config.Config, checks map[string]api.HealthCheck) (trajectory.Tracker, func(), error) {
	noop := func() {}
	tc := cfg.Tracker

	switch tc.Backend {
	case "memory":
		return trajectory.NewMemoryTracker(), noop, nil

	case "postgres":
		t, err := trajectory.OpenSQLTracker(ctx, trajectory.DialectPostgres, tc.DatabaseURL)
		if err != nil {
			return nil, noop, err
		}
		checks["database"] = t.Ping
		return t, func() { t.Close() }, nil

	case "sqlite":
		t, err := trajectory.OpenSQLTracker(ctx, trajectory.DialectSQLite, tc.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		checks["database"] = t.Ping
		return t, func() { t.Close() }, nil

	case "redis":
		adapter, err := infra.NewGoRedisAdapter(ctx, tc.RedisAddr, tc.RedisPassword, tc.RedisDB)
		if err != nil {
			return nil, noop, err
		}
		checks["redis_tracker"] = adapter.Ping
		return trajectory.NewRedisTracker(adapter, tc.RedisPrefix), func() { adapter.Close() }, nil

	case "spanner":
		t, err := trajectory.NewSpannerTracker(ctx, tc.SpannerDB)
		if err != nil {
			return nil, noop, err
		}
		return t, func() { t.Close() }, nil
	}
	return nil, noop, fmt.Errorf("unknown tracker backend %q", tc.Backend)
}

// buildEventBus prefers Pub/Sub, then Redis fan-out, then in-memory.
// Connection failures degrade to the next option rather than abort startup.
func buildEventBus(ctx context.Context, cfg *config.Config, checks map[string]api.HealthCheck) (bus, func()) {
	if cfg.Events.PubSubProject != "" {
		pb, err := events.NewPubSubEventBus(ctx, cfg.Events.PubSubProject, cfg.Events.PubSubTopic)
		if err == nil {
			checks["pubsub"] = pb.HealthCheck
			return pb, func() { pb.Close() }
		}
		slog.Warn("[Server] Pub/Sub unavailable, falling back", "error", err)
	}

	if cfg.Tracker.RedisAddr != "" {
		adapter, err := infra.NewGoRedisAdapter(ctx, cfg.Tracker.RedisAddr, cfg.Tracker.RedisPassword, cfg.Tracker.RedisDB)
		if err == nil {
			rb := events.NewRedisEventBus(adapter, "")
			if err = rb.Start(ctx); err == nil {
				checks["redis_events"] = adapter.Ping
				return rb, func() {
					rb.Close()
					adapter.Close()
				}
			}
			adapter.Close()
		}
		slog.Warn("[Server] Redis event fan-out unavailable, using in-memory bus", "error", err)
	}

	return events.NewEventBus(), func() {}
}

// reloadOnHangup re-reads config, vessels and policy profiles on SIGHUP.
// A failed reload keeps whatever was active.
func reloadOnHangup(ctx context.Context, cfgManager *config.Manager, registry *vessel.Registry, evaluator *policy.RuleEvaluator) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		start := time.Now()
		if err := cfgManager.Reload(); err != nil {
			slog.Error("[Server] Config reload failed", "error", err)
			continue
		}
		cfg := cfgManager.Global()
		if cfg.VesselsFile != "" {
			if err := registry.Reload(cfg.VesselsFile); err != nil {
				slog.Error("[Server] Vessel reload failed", "error", err)
			}
		}
		if cfg.PolicyFile != "" {
			profiles, err := policy.LoadProfiles(cfg.PolicyFile)
			if err != nil {
				slog.Error("[Server] Policy reload failed", "error", err)
			} else {
				evaluator.Swap(profiles)
			}
		}
		slog.Info("[Server] Reloaded", "vessels", len(registry.List()), "took", time.Since(start))
	}
}
