// Package runtime is the composition root: the one place that
// constructs every other package's values and threads them together
// explicitly, per SPEC_FULL.md §9's "pass these explicitly" guidance. No
// package below this one reaches for a global logger, registry, or
// client; Runtime owns one of each and hands them down through
// constructor parameters and struct fields.
//
// There is no teacher equivalent to imitate here — go-database-
// reconciler's main.go wires a handful of CLI flags into one Syncer per
// invocation and exits; this package generalizes that same "build it
// once per run, don't reach for package state" posture to a long-running
// service with an HTTP surface, a background listener, and a live-event
// and action runtime alongside the resync path.
package runtime

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/port-labs/ocean-core/pkg/action"
	"github.com/port-labs/ocean-core/pkg/applier"
	"github.com/port-labs/ocean-core/pkg/catalog"
	"github.com/port-labs/ocean-core/pkg/config"
	"github.com/port-labs/ocean-core/pkg/entity"
	"github.com/port-labs/ocean-core/pkg/expr/jq"
	"github.com/port-labs/ocean-core/pkg/httpserver"
	"github.com/port-labs/ocean-core/pkg/listener"
	"github.com/port-labs/ocean-core/pkg/liveevent"
	"github.com/port-labs/ocean-core/pkg/metrics"
	"github.com/port-labs/ocean-core/pkg/obslog"
	"github.com/port-labs/ocean-core/pkg/ocerr"
	"github.com/port-labs/ocean-core/pkg/orchestrator"
	"github.com/port-labs/ocean-core/pkg/portal"
	"github.com/port-labs/ocean-core/pkg/processor"
	"github.com/prometheus/client_golang/prometheus"
)

// Settings is the ambient, integration-independent configuration every
// Runtime needs, loaded via pkg/config.Load from OCEAN__-prefixed
// environment variables. An integration's own domain config (its
// mapping's selector/expression bodies aside) is loaded separately by
// the caller and passed to New as part of Dependencies.
type Settings struct {
	IntegrationType string `mapstructure:"integration_type" validate:"required"`
	IntegrationID   string `mapstructure:"integration_id" validate:"required"`
	LogLevel        string `mapstructure:"log_level"`

	Portal struct {
		BaseURL                        string        `mapstructure:"base_url" validate:"required"`
		ClientID                       string        `mapstructure:"client_id" validate:"required"`
		ClientSecret                   string        `mapstructure:"client_secret" validate:"required"`
		RetryMax                       int           `mapstructure:"retry_max"`
		CircuitBreakerTimeout          time.Duration `mapstructure:"circuit_breaker_timeout"`
		CircuitBreakerFailureThreshold uint32        `mapstructure:"circuit_breaker_failure_threshold"`
	} `mapstructure:"portal"`

	HTTP struct {
		Addr           string   `mapstructure:"addr"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"http"`

	Action struct {
		WorkersCount            int           `mapstructure:"workers_count"`
		PollCheckInterval       time.Duration `mapstructure:"poll_check_interval"`
		RunsBufferHighWatermark int           `mapstructure:"runs_buffer_high_watermark"`
		MaxWaitBeforeShutdown   time.Duration `mapstructure:"max_wait_before_shutdown"`
	} `mapstructure:"action"`

	Concurrency int `mapstructure:"concurrency"`

	// MetricsSampleInterval governs how often queue-depth gauges are
	// sampled from pkg/liveevent and pkg/action (SPEC_FULL.md §6). Zero
	// falls back to 5s.
	MetricsSampleInterval time.Duration `mapstructure:"metrics_sample_interval"`
}

// Redacted implements pkg/config.Redactor so the client secret never
// reaches a log line.
func (s Settings) Redacted() string {
	return fmt.Sprintf(
		"Settings{IntegrationType:%s IntegrationID:%s Portal.BaseURL:%s Portal.ClientID:%s Portal.ClientSecret:REDACTED}",
		s.IntegrationType, s.IntegrationID, s.Portal.BaseURL, s.Portal.ClientID,
	)
}

// LoadSettings reads Settings from the environment via pkg/config.Load.
func LoadSettings() (*Settings, error) {
	var s Settings
	if err := config.Load(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Dependencies are the integration-supplied collaborators this engine
// cannot provide itself (spec.md's Non-goals: the adapter, the action
// executors, the live-event processors, and how the app config is
// sourced).
type Dependencies struct {
	// Adapter fetches raw record batches per resource config.
	Adapter orchestrator.Adapter
	// ConfigLoader loads the resource mapping + flags for a resync pass.
	ConfigLoader func(ctx context.Context) (*entity.AppConfig, error)
	// Executors are the integration's action implementations.
	Executors []action.Executor
	// LiveEventProcessors maps an HTTP path to the processor chain
	// registered under it.
	LiveEventProcessors map[string][]liveevent.Processor
	// ResourceConfigsByKind maps an adapter kind to every resource config
	// consuming it, shared by the resync and live-event paths.
	ResourceConfigsByKind map[string][]*entity.ResourceConfig
	// Listener picks which Event Listener variant drives resync
	// (spec.md §4.6). Nil means WebhookOnlyListener.
	Listener interface{ Run(ctx context.Context) error }
}

// Runtime owns every constructed collaborator for one running instance
// of this engine. The zero value is not ready to use; construct with
// New.
type Runtime struct {
	Settings Settings
	Logger   obslog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Recorder

	Catalog      *catalog.Store
	Portal       *portal.Client
	Processor    *processor.Processor
	Applier      *applier.Applier
	Orchestrator *orchestrator.Orchestrator
	Actions      *action.Manager
	LiveEvents   *liveevent.Runtime
	HTTP         *httpserver.Server

	listener interface{ Run(ctx context.Context) error }
	httpSrv  *http.Server

	stop chan struct{}
}

// New constructs a fully wired Runtime. It does not start any background
// goroutine; call Start for that.
func New(settings Settings, deps Dependencies) (*Runtime, error) {
	if deps.Adapter == nil {
		return nil, ocerr.New(ocerr.ConfigError, "runtime.New", fmt.Errorf("Dependencies.Adapter is required"))
	}
	if deps.ConfigLoader == nil {
		return nil, ocerr.New(ocerr.ConfigError, "runtime.New", fmt.Errorf("Dependencies.ConfigLoader is required"))
	}

	log := obslog.New(logWriter(), obslog.ParseLevel(settings.LogLevel), settings.IntegrationType, settings.IntegrationID)

	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)

	cat, err := catalog.New()
	if err != nil {
		return nil, fmt.Errorf("runtime: building catalog: %w", err)
	}

	portalLog := log.WithFeature("portal")
	client := portal.New(portal.Config{
		BaseURL:                        settings.Portal.BaseURL,
		ClientID:                       settings.Portal.ClientID,
		ClientSecret:                   settings.Portal.ClientSecret,
		IntegrationType:                settings.IntegrationType,
		IntegrationID:                  settings.IntegrationID,
		RetryMax:                       settings.Portal.RetryMax,
		CircuitBreakerTimeout:          settings.Portal.CircuitBreakerTimeout,
		CircuitBreakerFailureThreshold: settings.Portal.CircuitBreakerFailureThreshold,
		Logger:                         &portalLog,
	})

	proc := processor.New(jq.New())

	// Upsert/Delete write through to the portal and then mirror the
	// change into the local catalog, since pkg/applier's diff only reads
	// from the catalog. The catalog's view of a blueprint is seeded from
	// the portal's real existing_state on first touch each run (Orchestrator.
	// ExistingState below), so this mirroring only needs to track this
	// process's own subsequent writes on top of that.
	upsertFn := func(ctx context.Context, ent *entity.Entity, merge bool) error {
		if err := client.UpsertEntity(ctx, ent, merge); err != nil {
			return err
		}
		return cat.Upsert(ent)
	}
	deleteFn := func(ctx context.Context, blueprint, identifier string) error {
		if err := client.DeleteEntity(ctx, blueprint, identifier); err != nil {
			return err
		}
		return cat.Delete(blueprint, identifier)
	}
	app := applier.New(cat, client, upsertFn, deleteFn)
	app.Log = log.WithFeature("applier")

	orch := &orchestrator.Orchestrator{
		Adapter:       deps.Adapter,
		Processor:     proc,
		Applier:       app,
		ConfigLoader:  deps.ConfigLoader,
		Metrics:       rec,
		ExistingState: client,
		Concurrency:   settings.Concurrency,
	}

	actions := action.New(deps.Executors, client, client, action.Config{
		IntegrationID:           settings.IntegrationID,
		WorkersCount:            settings.Action.WorkersCount,
		PollCheckInterval:       settings.Action.PollCheckInterval,
		RunsBufferHighWatermark: settings.Action.RunsBufferHighWatermark,
		MaxWaitBeforeShutdown:   settings.Action.MaxWaitBeforeShutdown,
	})

	liveSink := &orchestratorTargetedSink{orch: orch}
	liveEvents := liveevent.New(liveSink, deps.ResourceConfigsByKind, liveevent.DefaultRetryPolicy)
	paths := make([]string, 0, len(deps.LiveEventProcessors))
	for path, procs := range deps.LiveEventProcessors {
		for _, p := range procs {
			liveEvents.RegisterProcessor(path, p)
		}
		paths = append(paths, path)
	}

	var listenerImpl interface{ Run(ctx context.Context) error } = listener.WebhookOnlyListener{}
	if deps.Listener != nil {
		listenerImpl = deps.Listener
	}

	httpLog := log.WithFeature("httpserver")
	srv := httpserver.New(httpserver.Config{
		AllowedOrigins: settings.HTTP.AllowedOrigins,
	}, orch, actions, liveEvents, paths, httpLog)

	return &Runtime{
		Settings:     settings,
		Logger:       log,
		Registry:     reg,
		Metrics:      rec,
		Catalog:      cat,
		Portal:       client,
		Processor:    proc,
		Applier:      app,
		Orchestrator: orch,
		Actions:      actions,
		LiveEvents:   liveEvents,
		HTTP:         srv,
		listener:     listenerImpl,
		stop:         make(chan struct{}),
	}, nil
}

// orchestratorTargetedSink adapts Orchestrator.ApplyTargeted to
// pkg/liveevent.Sink's "just these raw records" contract, reusing the
// Entity Processor and the applier's upsert/delete funcs a resync uses
// rather than a second code path; no blueprint-wide Plan is computed
// (SPEC_FULL.md §4.7).
type orchestratorTargetedSink struct {
	orch *orchestrator.Orchestrator
}

func (s *orchestratorTargetedSink) ApplyTargeted(ctx context.Context, rc *entity.ResourceConfig, result liveevent.HandleResult) error {
	return s.orch.ApplyTargeted(ctx, rc, result.Updated, result.Deleted)
}

func logWriter() io.Writer {
	return os.Stdout
}

// Start launches the action manager's poller/workers, the live-event
// runtime's per-path workers (already started at RegisterProcessor
// time), the HTTP server, the configured listener, and the queue-depth
// metrics sampler. It returns immediately; call Shutdown to stop
// everything gracefully.
func (r *Runtime) Start(ctx context.Context) {
	r.Actions.Start(ctx)

	addr := r.Settings.HTTP.Addr
	if addr == "" {
		addr = ":8080"
	}
	r.httpSrv = &http.Server{Addr: addr, Handler: r.HTTP.Router}
	go func() {
		if err := r.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.Logger.Error().Err(err).Msg("http server stopped unexpectedly")
		}
	}()

	go func() {
		if err := r.listener.Run(ctx); err != nil && ctx.Err() == nil {
			r.Logger.Error().Err(err).Msg("listener stopped unexpectedly")
		}
	}()

	go r.sampleQueueDepths(ctx)
}

func (r *Runtime) sampleQueueDepths(ctx context.Context) {
	interval := r.Settings.MetricsSampleInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			for path, depth := range r.LiveEvents.QueueDepths() {
				r.Metrics.SetLiveEventQueueDepth(path, depth)
			}
			for partition, depth := range r.Actions.QueueDepths() {
				r.Metrics.SetActionQueueDepth(partition, depth)
			}
		}
	}
}

// Shutdown stops the HTTP server, action manager, and live-event runtime
// in turn. The HTTP server and live-event runtime are each bounded by
// grace; the action manager is bounded by its own MaxWaitBeforeShutdown.
func (r *Runtime) Shutdown(ctx context.Context, grace time.Duration) {
	close(r.stop)

	if r.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, grace)
		defer cancel()
		if err := r.httpSrv.Shutdown(shutdownCtx); err != nil {
			r.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	r.Actions.Shutdown()
	r.LiveEvents.Shutdown(grace)
}
