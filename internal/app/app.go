// Package app wires the call-intelligence subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the API until the context ends, and Shutdown
// finalizes every open call and tears everything down in order.
//
// For testing, inject doubles via functional options (WithCatalogSource,
// WithRecorderSink, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/api"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/callsession"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/catalog"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/complexity"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/config"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/detect"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/events"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/health"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/match"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/observe"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/recorder"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/store/postgres"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/tasks"
)

// App owns all subsystem lifetimes of the call-intelligence service.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	level     *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	store      *postgres.Store
	source     catalog.Source
	cache      *catalog.Cache
	detector   *detect.Detector
	aggregator *detect.Aggregator
	bus        *events.Bus
	sessions   *callsession.Manager
	sink       recorder.Sink
	recorder   *recorder.Recorder
	recordSub  *events.Subscription
	health     *health.Handler
	handler    http.Handler
	server     *http.Server

	// cancel stops the background loops started by Run.
	cancel context.CancelFunc
	wg     sync.WaitGroup

	addrMu sync.Mutex
	addr   net.Addr

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCatalogSource injects a catalog source instead of the configured file
// or database.
func WithCatalogSource(s catalog.Source) Option {
	return func(a *App) { a.source = s }
}

// WithRecorderSink injects a call-record sink and enables the recorder.
func WithRecorderSink(s recorder.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithMetrics injects the metrics instance. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets hot reload change the level of the caller's logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from [BuildProviders]. Use Option functions to inject test doubles.
//
// New connects to the database and migrates it when a DSN is configured, but
// does not load the catalog; that happens in Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
	}

	// ── 1. Store ──────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Catalog ────────────────────────────────────────────────────────
	a.initCatalog()

	// ── 3. Detector + aggregator ──────────────────────────────────────────
	a.initDetection()

	// ── 4. Event bus + sessions ───────────────────────────────────────────
	a.bus = events.NewBus(events.WithMetrics(a.metrics))
	a.initSessions(ctx)

	// ── 5. Recorder ───────────────────────────────────────────────────────
	if err := a.initRecorder(); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init recorder: %w", err)
	}

	// ── 6. HTTP ───────────────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects to PostgreSQL when a DSN is configured and applies the
// schema.
func (a *App) initStore(ctx context.Context) error {
	dsn := a.cfg.Catalog.PostgresDSN
	if dsn == "" {
		return nil
	}
	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	if err := store.Migrate(ctx, a.cfg.Catalog.EmbeddingDimensions); err != nil {
		store.Close()
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("postgres store connected", "embedding_dimensions", a.cfg.Catalog.EmbeddingDimensions)
	return nil
}

// initCatalog picks the item source and builds the cache. The database takes
// precedence over the file.
func (a *App) initCatalog() {
	if a.source == nil {
		switch {
		case a.store != nil:
			a.source = a.store
		case a.cfg.Catalog.File != "":
			a.source = catalog.FileSource{Path: a.cfg.Catalog.File}
		default:
			slog.Warn("no catalog configured, every task will be unmatched")
			a.source = catalog.StaticSource(nil)
		}
	}
	src := a.source
	if a.cfg.Catalog.EmbedMissing && a.providers.Embeddings != nil {
		src = catalog.NewEmbeddingSource(src, a.providers.Embeddings)
	}
	a.cache = catalog.NewCache(src,
		catalog.WithTTL(a.cfg.Catalog.TTL),
		catalog.WithRefreshHook(a.metrics.RecordCatalogRefresh),
	)
}

func (a *App) initDetection() {
	opts := []detect.Option{
		detect.WithThresholds(a.cfg.Detection),
		detect.WithMetrics(a.metrics),
	}
	var splitter tasks.Splitter = tasks.RuleSplitter{}
	if p := a.providers.Embeddings; p != nil {
		opts = append(opts, detect.WithEmbeddings(p))
	}
	if p := a.providers.LLM; p != nil {
		temp := a.llmTemperature()
		opts = append(opts, detect.WithClassifier(match.NewLLMClassifier(p, match.WithClassifierTemperature(temp))))
		splitter = tasks.NewLLMSplitter(p, tasks.WithSplitterTemperature(temp))
	}
	a.detector = detect.New(opts...)
	a.aggregator = detect.NewAggregator(splitter, a.detector, a.cache,
		detect.WithMaxConcurrent(a.cfg.Session.MaxConcurrentTasks),
		detect.WithSplitWindow(a.cfg.Session.SplitWindow),
		detect.WithAggregatorMetrics(a.metrics),
	)
	slog.Info("detector ready",
		"embeddings", a.detector.HasEmbeddings(),
		"classifier", a.detector.HasClassifier(),
	)
}

func (a *App) initSessions(ctx context.Context) {
	sc := a.cfg.Session
	tmpl := callsession.Config{
		Analyzer:      a.aggregator,
		Publisher:     a.bus,
		Debounce:      sc.Debounce,
		Tier2Debounce: sc.Tier2Debounce,
		HistorySize:   sc.HistorySize,
		FinalTimeout:  sc.FinalTimeout,
		Metrics:       a.metrics,
	}
	if p := a.providers.LLM; p != nil {
		tmpl.Refiner = complexity.NewRefiner(p, complexity.WithRefinerTemperature(a.llmTemperature()))
	}
	a.sessions = callsession.NewManager(ctx, tmpl)
}

// llmTemperature reads providers.llm.options.temperature, used by every
// model-backed stage. Missing or non-numeric values mean 0.
func (a *App) llmTemperature() float64 {
	switch v := a.cfg.Providers.LLM.Options["temperature"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// initRecorder subscribes the call recorder when recording is enabled or a
// sink was injected.
func (a *App) initRecorder() error {
	if a.sink == nil && a.cfg.Recorder.Enabled {
		if a.store == nil {
			return errors.New("recorder enabled without catalog.postgres_dsn")
		}
		a.sink = a.store
	}
	if a.sink == nil {
		return nil
	}
	a.recorder = recorder.New(a.sink)
	a.recordSub = a.recorder.Subscribe(a.bus)
	return nil
}

func (a *App) initHTTP() {
	checkers := []health.Checker{health.CatalogLoaded(a.cache)}
	if a.store != nil {
		checkers = append(checkers, health.Ping("postgres", a.store))
	}
	a.health = health.New(checkers...)

	a.handler = api.NewHandler(api.Deps{
		Sessions: a.sessions,
		Bus:      a.bus,
		Analyzer: a.aggregator,
		Health:   a.health,
		Metrics:  a.metrics,
	})
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the live session manager.
func (a *App) Sessions() *callsession.Manager { return a.sessions }

// Bus returns the event bus.
func (a *App) Bus() *events.Bus { return a.bus }

// Catalog returns the catalog cache.
func (a *App) Catalog() *catalog.Cache { return a.cache }

// Aggregator returns the analysis pipeline sessions run.
func (a *App) Aggregator() *detect.Aggregator { return a.aggregator }

// Detector returns the detector; its thresholds are hot-reloadable.
func (a *App) Detector() *detect.Detector { return a.detector }

// Addr returns the address the server listens on, or nil before Run.
func (a *App) Addr() net.Addr {
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	return a.addr
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run loads the catalog, starts the background refresh and recorder loops,
// and serves HTTP until ctx is cancelled or the listener fails. A failing
// initial catalog load is logged, not fatal: the readiness probe reports it
// until a later refresh succeeds.
func (a *App) Run(ctx context.Context) error {
	if snap, err := a.cache.Refresh(ctx); err != nil {
		slog.Warn("initial catalog load failed", "err", err)
	} else {
		slog.Info("catalog loaded", "items", snap.Len(), "embedded", snap.Embedded())
	}

	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
	}
	a.addrMu.Lock()
	a.addr = ln.Addr()
	a.addrMu.Unlock()

	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	a.wg.Go(func() { a.cache.Run(bg) })
	if a.recorder != nil {
		a.wg.Go(func() { a.recorder.Run(bg, a.recordSub) })
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.server.Serve(ln) }()

	slog.Info("app running", "addr", ln.Addr().String())
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of next. Sections that only
// take effect at startup are logged.
func (a *App) ApplyConfig(old, next *config.Config) {
	d := config.Diff(old, next)
	if d.LogLevelChanged {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ThresholdsChanged {
		a.detector.SetThresholds(d.NewThresholds)
		slog.Info("detection thresholds changed")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// SlogLevel maps a config log level to its slog level.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, forces the final pass of every open
// call, lets the recorder persist them, and then runs the closers. It
// respects the context deadline: calls not finalized in time are reported
// in the returned error.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "open_calls", a.sessions.Len())
		a.health.SetDraining()

		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := a.sessions.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sessions: %w", err))
		}

		// Closing the bus ends every subscription; the recorder drains what
		// it already received and exits.
		a.bus.Close()
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()

		if err := a.runClosers(); err != nil {
			errs = append(errs, err)
		}
		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

func (a *App) runClosers() error {
	var errs []error
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
