// Package plugind embeds the plugin host control plane: lifecycle control of
// hosted plugins, subsystem readiness tracking, resumable downloads and the
// JSON-RPC/REST dispatcher in front of them.
package plugind

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/plugind/internal/auth"
	"github.com/loykin/plugind/internal/coalesce"
	"github.com/loykin/plugind/internal/config"
	"github.com/loykin/plugind/internal/cron"
	"github.com/loykin/plugind/internal/ctlerr"
	"github.com/loykin/plugind/internal/dispatch"
	"github.com/loykin/plugind/internal/download"
	"github.com/loykin/plugind/internal/events"
	"github.com/loykin/plugind/internal/history"
	hfactory "github.com/loykin/plugind/internal/history/factory"
	"github.com/loykin/plugind/internal/host"
	"github.com/loykin/plugind/internal/metrics"
	"github.com/loykin/plugind/internal/plugin"
	"github.com/loykin/plugind/internal/server"
	"github.com/loykin/plugind/internal/store"
	sfactory "github.com/loykin/plugind/internal/store/factory"
	"github.com/loykin/plugind/internal/subsystem"
	"github.com/loykin/plugind/internal/workerpool"
)

// Re-exported types for embedders.
type (
	Config       = config.Config
	PluginSpec   = host.Spec
	Plugin       = host.Plugin
	Emitter      = host.Emitter
	Record       = plugin.Record
	State        = plugin.State
	Event        = events.Event
	Subsystem    = subsystem.Subsystem
	SubsystemSet = subsystem.Set
	HistorySink  = history.Sink
	Schedule     = cron.Status
)

const defaultStoreFile = "plugind.db"

// Options wires a Host. Only Config is consulted for anything left nil.
type Options struct {
	Config *config.Config // nil uses config.Default()
	Logger *slog.Logger
	Engine download.Engine // nil uses the HTTP engine
	Store  store.Store     // nil opens Config.File.Store.DSN
	Sinks  []history.Sink  // in addition to the configured history DSNs
	// Registerer receives the collectors when metrics are enabled.
	Registerer prometheus.Registerer
}

// Host owns every control-plane component and their shutdown order.
type Host struct {
	cfg    *config.Config
	logger *slog.Logger

	pool       *workerpool.Pool
	bus        *events.Bus
	links      *events.Links
	registry   *subsystem.Registry
	aggregator *subsystem.Aggregator
	coalescer  *coalesce.Coalescer
	hookTok    string
	obsTok     subsystem.Token
	directory  *host.Directory
	controller *plugin.Controller
	engine     download.Engine
	downloads  *download.Coordinator
	store      store.Store
	forwarder  *history.Forwarder
	disp       *dispatch.Dispatcher
	auth       *auth.Service
	scheduler  *cron.Scheduler

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	doneOnce  sync.Once
}

// ParseSubsystems builds a precondition set from subsystem names.
func ParseSubsystems(names ...string) (SubsystemSet, error) { return subsystem.ParseSet(names) }

// LoadConfig reads a TOML configuration file.
func LoadConfig(path string) (*config.Config, error) { return config.Load(path) }

// RegisterMetrics registers the plugind collectors with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// New builds a host. Plugins declared in the configuration are added; more
// can be added with AddPlugin before Start.
func New(opts Options) (*Host, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fc := cfg.File
	if fc.Metrics.Enabled {
		r := opts.Registerer
		if r == nil {
			r = prometheus.DefaultRegisterer
		}
		if err := metrics.Register(r); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	h := &Host{cfg: cfg, logger: logger, done: make(chan struct{})}
	h.pool = workerpool.New(fc.Workers, logger)
	h.bus = events.NewBus(logger)
	h.links = events.NewLinks()

	h.registry = subsystem.NewRegistry(0)
	h.aggregator = subsystem.NewAggregator(logger, h.registry)
	h.coalescer = coalesce.New("subsystems", h.pool, h.aggregator.Evaluate)
	h.hookTok = h.registry.OnChange(h.coalescer.Signal)
	h.obsTok = h.aggregator.Register(h.publishSubsystems)

	h.directory = host.New(h.pool, fc.PersistentPath, logger)
	h.directory.SetEnvironment(cfg.Env)
	h.directory.SetForward(func(cs, data string) { h.publishAll(cs, data) })
	for _, spec := range cfg.Plugins {
		if err := h.directory.Add(spec, nil); err != nil {
			h.abort()
			return nil, err
		}
	}

	ctrl, err := plugin.NewController(plugin.Options{
		Directory:      h.directory,
		Conditions:     h.aggregator,
		Events:         h.bus,
		Pool:           h.pool,
		PersistentRoot: fc.PersistentPath,
		Logger:         logger,
	})
	if err != nil {
		h.abort()
		return nil, err
	}
	h.controller = ctrl
	h.directory.SetConfigSource(ctrl.Configuration)

	h.store = opts.Store
	if h.store == nil {
		if h.store, err = openStore(fc); err != nil {
			h.abort()
			return nil, err
		}
	}

	h.engine = opts.Engine
	if h.engine == nil {
		h.engine = download.NewHTTPEngine(nil, logger)
	}
	h.downloads, err = download.NewCoordinator(download.Options{
		Engine: h.engine,
		Store:  h.store,
		Events: h.bus,
		Root:   fc.DownloadStore,
		Seed:   fc.Resumes,
		Logger: logger,
	})
	if err != nil {
		h.abort()
		return nil, err
	}

	sinks := append([]history.Sink{}, opts.Sinks...)
	for _, dsn := range fc.History.Sinks {
		s, err := hfactory.NewSinkFromDSN(dsn)
		if err != nil {
			closeSinks(sinks)
			h.abort()
			return nil, fmt.Errorf("history sink %q: %w", dsn, err)
		}
		sinks = append(sinks, s)
	}
	if len(sinks) > 0 {
		h.forwarder = history.NewForwarder(h.bus, fc.History.Buffer, logger, sinks...)
	}

	dopts := dispatch.Options{
		Plugins:    h.controller,
		Downloads:  h.downloads,
		Conditions: h.aggregator,
		Links:      h.links,
		Forward:    h.Forward,
		Store:      h.store,
		Shutdown:   h.requestShutdown,
		TTL:        fc.TTL,
		Logger:     logger,
	}
	if cfg.Env != nil {
		dopts.Environment = cfg.Env
	}
	h.disp, err = dispatch.New(dopts)
	if err != nil {
		h.abort()
		return nil, err
	}

	if fc.Server.Auth.Enabled {
		if h.auth, err = auth.New(fc.Server.Auth); err != nil {
			h.abort()
			return nil, err
		}
	}
	h.scheduler = cron.NewScheduler(h.disp, logger)
	for _, sc := range fc.Schedules {
		job := &cron.Job{Name: sc.Name, Schedule: sc.Schedule, Timezone: sc.Timezone, Method: sc.Method}
		if len(sc.Params) > 0 {
			if job.Params, err = json.Marshal(sc.Params); err != nil {
				h.abort()
				return nil, fmt.Errorf("schedule %s: %w", sc.Name, err)
			}
		}
		if err := h.scheduler.Add(job); err != nil {
			h.abort()
			return nil, err
		}
	}
	return h, nil
}

// openStore picks the configured DSN, falling back to sqlite under the
// persistent path and then to memory.
func openStore(fc config.FileConfig) (store.Store, error) {
	dsn := fc.Store.DSN
	if dsn == "" && fc.PersistentPath != "" {
		if err := os.MkdirAll(fc.PersistentPath, 0o750); err != nil {
			return nil, fmt.Errorf("create persistent path: %w", err)
		}
		dsn = filepath.Join(fc.PersistentPath, defaultStoreFile)
	}
	if dsn == "" {
		return store.NewMemory(), nil
	}
	s, err := sfactory.NewFromDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return s, nil
}

// AddPlugin declares an in-process plugin, or an out-of-process one when impl is nil.
func (h *Host) AddPlugin(spec PluginSpec, impl Plugin) error {
	return h.directory.Add(spec, impl)
}

// Start restores persisted state and brings the control plane up: stored
// configurations are applied, startup subsystems are marked, pending downloads
// resume and autostart plugins are activated. Calling it again is a no-op.
func (h *Host) Start(ctx context.Context) error {
	var err error
	h.startOnce.Do(func() { err = h.start(ctx) })
	return err
}

func (h *Host) start(ctx context.Context) error {
	if err := h.store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("prepare store: %w", err)
	}
	h.controller.Attach()
	configs, err := h.store.LoadConfigurations(ctx)
	if err != nil {
		return fmt.Errorf("load configurations: %w", err)
	}
	h.controller.Restore(configs)

	for _, x := range h.cfg.Required.Members() {
		h.registry.Set(x, true)
	}
	// first evaluation publishes even an empty set
	h.coalescer.Signal()

	if err := h.downloads.Resume(ctx); err != nil {
		h.logger.Warn("Failed to resume downloads", "error", err)
	}
	h.controller.AutoStart()
	if err := h.scheduler.Start(); err != nil {
		return err
	}
	h.logger.Info("Plugin host started", "plugins", len(h.directory.Callsigns()), "workers", h.pool.Workers())
	return nil
}

// Invoke runs a dispatcher method with JSON parameters.
func (h *Host) Invoke(ctx context.Context, method string, params json.RawMessage) (any, error) {
	return h.disp.Invoke(ctx, method, params)
}

// Methods lists the dispatcher methods.
func (h *Host) Methods() []string { return h.disp.Methods() }

// Status returns plugin records; an empty callsign returns all of them.
func (h *Host) Status(callsign string) ([]Record, error) { return h.controller.Status(callsign) }

// SetSubsystem marks a subsystem satisfied or not. It reports whether the flag changed.
func (h *Host) SetSubsystem(name string, satisfied bool) (bool, error) {
	x, err := subsystem.Parse(name)
	if err != nil {
		return false, err
	}
	return h.registry.Set(x, satisfied), nil
}

// Subsystems returns the last published satisfied set.
func (h *Host) Subsystems() []string { return h.aggregator.Current().Names() }

// Schedules reports the configured scheduled calls.
func (h *Host) Schedules() []Schedule { return h.scheduler.Jobs() }

// Forward broadcasts data from callsign as an all event. Unknown callsigns yield NotFound.
func (h *Host) Forward(callsign, data string) error {
	if _, ok := h.directory.Lookup(callsign); !ok {
		return ctlerr.New(ctlerr.CodeNotFound, "notify", callsign)
	}
	h.publishAll(callsign, data)
	return nil
}

func (h *Host) publishAll(callsign, data string) {
	h.bus.Publish(events.New(events.All, events.AllPayload{Callsign: callsign, Data: data}))
}

// Links lists the connected event channels.
func (h *Host) Links() []events.Link { return h.links.List() }

// Subscribe registers fn for every event. fn runs on the bus goroutine.
func (h *Host) Subscribe(fn func(Event)) string { return h.bus.Subscribe(fn) }

func (h *Host) Unsubscribe(tok string) { h.bus.Unsubscribe(tok) }

// Handler returns the HTTP surface: JSON-RPC, REST routes and the websocket event channel.
func (h *Host) Handler() http.Handler {
	m := h.cfg.File.Metrics
	return server.NewRouter(server.Options{
		Dispatcher: h.disp,
		Bus:        h.bus,
		Registry:   h.registry,
		Links:      h.links,
		BasePath:   h.cfg.File.Server.BasePath,
		Metrics:    m.Enabled && m.Listen == "",
		Auth:       h.auth,
		Logger:     h.logger,
	}).Handler()
}

// MountEcho serves Handler under the configured base path of e.
func (h *Host) MountEcho(e *echo.Echo) {
	server.MountEcho(e, h.cfg.File.Server.BasePath, h.Handler())
}

// NewHTTPServer returns an unstarted server for Handler on the configured listen address.
func (h *Host) NewHTTPServer() *http.Server {
	return server.NewServer(h.cfg.File.Server.Listen, h.Handler())
}

// Done is closed when a client requested shutdown through harakiri.
func (h *Host) Done() <-chan struct{} { return h.done }

func (h *Host) requestShutdown() {
	h.doneOnce.Do(func() {
		h.logger.Info("Shutdown requested")
		close(h.done)
	})
}

// Shutdown cancels downloads, deactivates plugins and stops every component.
func (h *Host) Shutdown(ctx context.Context) error {
	var err error
	h.stopOnce.Do(func() { err = h.shutdown(ctx) })
	return err
}

func (h *Host) shutdown(ctx context.Context) error {
	var errs []error
	errs = append(errs, h.scheduler.Stop(ctx))
	h.registry.RemoveHook(h.hookTok)
	h.coalescer.Close()
	h.downloads.CancelAll()
	if c, ok := h.engine.(interface{ Close(context.Context) error }); ok {
		errs = append(errs, c.Close(ctx))
	}

	h.controller.Shutdown()
	errs = append(errs, h.directory.Close(ctx))
	h.controller.Detach()
	h.aggregator.Unregister(h.obsTok)

	errs = append(errs, h.bus.Close(ctx))
	if h.forwarder != nil {
		errs = append(errs, h.forwarder.Close())
	}
	errs = append(errs, h.pool.Close(ctx), h.store.Close())
	h.logger.Info("Plugin host stopped")
	return errors.Join(errs...)
}

func (h *Host) publishSubsystems(ch subsystem.Change) {
	h.bus.Publish(events.New(events.SubsystemChange, events.SubsystemChangePayload{
		Added:   ch.Added.Names(),
		Removed: ch.Removed.Names(),
		Current: ch.Current.Names(),
	}))
}

// abort releases what New built before failing.
func (h *Host) abort() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.coalescer.Close()
	if h.directory != nil {
		_ = h.directory.Close(ctx)
	}
	if h.store != nil {
		_ = h.store.Close()
	}
	_ = h.bus.Close(ctx)
	_ = h.pool.Close(ctx)
}

func closeSinks(sinks []history.Sink) {
	for _, s := range sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
}
