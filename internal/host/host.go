package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/plugind/internal/detector"
	"github.com/loykin/plugind/internal/env"
	"github.com/loykin/plugind/internal/logger"
	"github.com/loykin/plugind/internal/plugin"
	"github.com/loykin/plugind/internal/process"
	"github.com/loykin/plugind/internal/subsystem"
	"github.com/loykin/plugind/internal/workerpool"
)

// Environment handed to out-of-process plugins.
const (
	EnvCallsign       = "PLUGIN_CALLSIGN"
	EnvConfig         = "PLUGIN_CONFIG"
	EnvConfigFile     = "PLUGIN_CONFIG_FILE"
	EnvPersistentPath = "PLUGIN_PERSISTENT_PATH"
)

const (
	configFileName = "config.json"
	pidFileName    = "plugin.pid"
)

// ErrNotSupported is returned by Reconfigure for plugins that cannot take live configuration.
var ErrNotSupported = errors.New("plugin does not support live configuration")

// Plugin is an in-process plugin implementation.
type Plugin interface {
	Initialize(ctx context.Context, callsign, config string) error
	Deinitialize(ctx context.Context) error
}

// Reconfigurable plugins accept configuration while activated.
type Reconfigurable interface {
	Reconfigure(config string) error
}

// Emitter is implemented by in-process plugins that send messages to event
// listeners. SetEmitter is called before Initialize.
type Emitter interface {
	SetEmitter(emit func(data string))
}

// ForwardFunc receives messages plugins emit.
type ForwardFunc func(callsign, data string)

// Spec declares one hosted plugin. Command selects an out-of-process plugin;
// without it an in-process implementation must be registered.
type Spec struct {
	Callsign      string
	Command       string
	WorkDir       string
	Env           []string
	AutoStart     bool
	Preconditions subsystem.Set
	Configuration string
	LiveConfig    bool
	StartDuration time.Duration
	StopTimeout   time.Duration
	Log           logger.Config
}

// Scheduler runs lifecycle work off the caller.
type Scheduler interface {
	Submit(fn func()) *workerpool.Job
}

// ConfigSource returns the current configuration blob for a callsign.
type ConfigSource func(callsign string) (string, error)

type opKind int

const (
	opActivate opKind = iota
	opDeactivate
)

type op struct {
	kind   opKind
	reason plugin.Reason
}

type hosted struct {
	spec Spec
	impl Plugin
	proc *process.Process

	// guarded by Directory.mu
	queue    []op
	draining bool
	running  bool
}

// Directory is the concrete plugin directory. Lifecycle work for one callsign
// runs strictly in request order on the worker pool.
type Directory struct {
	pool   Scheduler
	root   string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	plugins  map[string]*hosted
	watchers map[string]plugin.StateFunc
	worder   []string
	configs  ConfigSource
	forward  ForwardFunc
	environ  *env.Env
	wg       sync.WaitGroup
}

// New creates a directory rooted at persistentRoot.
func New(pool Scheduler, persistentRoot string, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Directory{
		pool:     pool,
		root:     persistentRoot,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		plugins:  make(map[string]*hosted),
		watchers: make(map[string]plugin.StateFunc),
		environ:  env.New(true),
	}
}

// SetEnvironment replaces the global environment out-of-process plugins start with.
func (d *Directory) SetEnvironment(e *env.Env) {
	if e == nil {
		return
	}
	d.mu.Lock()
	d.environ = e
	d.mu.Unlock()
}

// SetConfigSource makes activation read configuration from src instead of the declared blob.
func (d *Directory) SetConfigSource(src ConfigSource) {
	d.mu.Lock()
	d.configs = src
	d.mu.Unlock()
}

// SetForward routes messages from Emitter plugins to fn.
func (d *Directory) SetForward(fn ForwardFunc) {
	d.mu.Lock()
	d.forward = fn
	d.mu.Unlock()
}

func (d *Directory) emit(callsign, data string) {
	d.mu.Lock()
	fn := d.forward
	d.mu.Unlock()
	if fn != nil {
		fn(callsign, data)
	}
}

// Add declares a plugin. In-process plugins pass impl; out-of-process ones set spec.Command.
func (d *Directory) Add(spec Spec, impl Plugin) error {
	if spec.Callsign == "" {
		return errors.New("callsign is required")
	}
	if impl == nil && spec.Command == "" {
		return fmt.Errorf("plugin %s: command or implementation required", spec.Callsign)
	}
	h := &hosted{spec: spec, impl: impl}
	if impl == nil {
		h.proc = process.New(process.Spec{
			Name:          spec.Callsign,
			Command:       spec.Command,
			WorkDir:       spec.WorkDir,
			Env:           spec.Env,
			StartDuration: spec.StartDuration,
			Log:           spec.Log,
		})
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.plugins[spec.Callsign]; dup {
		return fmt.Errorf("plugin %s already declared", spec.Callsign)
	}
	d.plugins[spec.Callsign] = h
	return nil
}

func (d *Directory) Lookup(callsign string) (plugin.Descriptor, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.plugins[callsign]
	if !ok {
		return plugin.Descriptor{}, false
	}
	live := h.spec.LiveConfig
	if h.impl != nil {
		_, live = h.impl.(Reconfigurable)
	}
	return plugin.Descriptor{
		Callsign:      callsign,
		Preconditions: h.spec.Preconditions,
		AutoStart:     h.spec.AutoStart,
		LiveConfig:    live,
		Configuration: h.spec.Configuration,
	}, true
}

func (d *Directory) Callsigns() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.plugins))
	for cs := range d.plugins {
		out = append(out, cs)
	}
	sort.Strings(out)
	return out
}

// RequestActivate queues an activation. It never blocks on the plugin.
func (d *Directory) RequestActivate(callsign string, reason plugin.Reason) error {
	return d.enqueue(callsign, op{kind: opActivate, reason: reason})
}

// RequestDeactivate queues a deactivation.
func (d *Directory) RequestDeactivate(callsign string, reason plugin.Reason) error {
	return d.enqueue(callsign, op{kind: opDeactivate, reason: reason})
}

func (d *Directory) enqueue(callsign string, o op) error {
	if d.ctx.Err() != nil {
		return errors.New("plugin directory is closed")
	}
	d.mu.Lock()
	h, ok := d.plugins[callsign]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("plugin %s is not declared", callsign)
	}
	h.queue = append(h.queue, o)
	start := !h.draining
	h.draining = true
	if start {
		d.wg.Add(1)
	}
	d.mu.Unlock()

	if start {
		d.pool.Submit(func() { d.drain(h) })
	}
	return nil
}

func (d *Directory) drain(h *hosted) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(h.queue) == 0 {
			h.draining = false
			d.mu.Unlock()
			return
		}
		next := h.queue[0]
		h.queue = h.queue[1:]
		d.mu.Unlock()

		switch next.kind {
		case opActivate:
			d.activate(h, next.reason)
		case opDeactivate:
			d.deactivate(h, next.reason)
		}
	}
}

func (d *Directory) activate(h *hosted, reason plugin.Reason) {
	cs := h.spec.Callsign
	d.mu.Lock()
	running := h.running
	d.mu.Unlock()
	if running {
		d.notify(cs, plugin.StateActivated, reason)
		return
	}

	cfg, err := d.configFor(h)
	if err == nil {
		err = d.writeConfig(cs, cfg)
	}
	if err == nil {
		if h.impl != nil {
			if em, ok := h.impl.(Emitter); ok {
				em.SetEmitter(func(data string) { d.emit(cs, data) })
			}
			err = h.impl.Initialize(d.ctx, cs, cfg)
		} else {
			d.reapLeftover(h)
			err = h.proc.Start(d.pluginEnv(h, cfg))
			if err == nil {
				d.recordPID(h)
			}
		}
	}
	if err != nil {
		d.logger.Error("Plugin activation failed", "callsign", cs, "error", err)
		d.notify(cs, plugin.StateDeactivated, plugin.ReasonFailure)
		return
	}

	d.mu.Lock()
	h.running = true
	d.mu.Unlock()
	if h.proc != nil {
		d.watchExit(h)
	}
	d.logger.Info("Plugin activated", "callsign", cs, "reason", reason)
	d.notify(cs, plugin.StateActivated, reason)
}

func (d *Directory) deactivate(h *hosted, reason plugin.Reason) {
	cs := h.spec.Callsign
	d.mu.Lock()
	running := h.running
	h.running = false
	d.mu.Unlock()

	if running {
		var err error
		if h.impl != nil {
			err = h.impl.Deinitialize(d.ctx)
		} else {
			wait := h.spec.StopTimeout
			if wait <= 0 {
				wait = 3 * time.Second
			}
			err = h.proc.Stop(wait)
			d.clearPID(h)
		}
		if err != nil {
			d.logger.Warn("Plugin did not deactivate cleanly", "callsign", cs, "error", err)
		}
	}
	d.logger.Info("Plugin deactivated", "callsign", cs, "reason", reason)
	d.notify(cs, plugin.StateDeactivated, reason)
}

// watchExit reports a crash when the process ends without a stop request.
func (d *Directory) watchExit(h *hosted) {
	exited := h.proc.Exited()
	if exited == nil {
		return
	}
	run := h.proc.Snapshot().Starts
	go func() {
		<-exited
		if h.proc.StopRequested() || h.proc.Snapshot().Starts != run {
			return
		}
		d.mu.Lock()
		wasRunning := h.running
		h.running = false
		d.mu.Unlock()
		if !wasRunning {
			return
		}
		d.clearPID(h)
		st := h.proc.Snapshot()
		d.logger.Warn("Plugin process exited unexpectedly", "callsign", h.spec.Callsign, "pid", st.PID, "error", st.ExitErr)
		d.notify(h.spec.Callsign, plugin.StateDeactivated, plugin.ReasonCrash)
	}()
}

// Reconfigure forwards blob to an activated plugin that supports it.
func (d *Directory) Reconfigure(callsign, blob string) error {
	d.mu.Lock()
	h, ok := d.plugins[callsign]
	running := ok && h.running
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("plugin %s is not declared", callsign)
	}
	if h.impl != nil {
		r, ok := h.impl.(Reconfigurable)
		if !ok {
			return ErrNotSupported
		}
		if !running {
			return nil
		}
		return r.Reconfigure(blob)
	}
	if !h.spec.LiveConfig {
		return ErrNotSupported
	}
	// out-of-process plugins watch their config file
	return d.writeConfig(callsign, blob)
}

func (d *Directory) Watch(fn plugin.StateFunc) string {
	tok := uuid.NewString()
	d.mu.Lock()
	d.watchers[tok] = fn
	d.worder = append(d.worder, tok)
	d.mu.Unlock()
	return tok
}

func (d *Directory) Unwatch(tok string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.watchers, tok)
	for i, t := range d.worder {
		if t == tok {
			d.worder = append(d.worder[:i], d.worder[i+1:]...)
			break
		}
	}
}

func (d *Directory) notify(callsign string, state plugin.State, reason plugin.Reason) {
	d.mu.Lock()
	fns := make([]plugin.StateFunc, 0, len(d.worder))
	for _, t := range d.worder {
		fns = append(fns, d.watchers[t])
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn(callsign, state, reason)
	}
}

// Running reports whether callsign is currently up.
func (d *Directory) Running(callsign string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.plugins[callsign]
	return ok && h.running
}

// Close stops accepting requests, waits for queued work, then stops every running plugin.
func (d *Directory) Close(ctx context.Context) error {
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	d.mu.Lock()
	var up []*hosted
	for _, h := range d.plugins {
		if h.running {
			up = append(up, h)
		}
	}
	d.mu.Unlock()
	var errs []error
	for _, h := range up {
		d.mu.Lock()
		h.running = false
		d.mu.Unlock()
		if h.impl != nil {
			errs = append(errs, h.impl.Deinitialize(ctx))
		} else {
			errs = append(errs, h.proc.Stop(3*time.Second))
			d.clearPID(h)
		}
		d.notify(h.spec.Callsign, plugin.StateDeactivated, plugin.ReasonShutdown)
	}
	return errors.Join(errs...)
}

func (d *Directory) configFor(h *hosted) (string, error) {
	d.mu.Lock()
	src := d.configs
	d.mu.Unlock()
	if src == nil {
		return h.spec.Configuration, nil
	}
	return src(h.spec.Callsign)
}

func (d *Directory) persistentPath(callsign string) string {
	if d.root == "" {
		return ""
	}
	return filepath.Join(d.root, callsign)
}

func (d *Directory) pidFile(h *hosted) (detector.PIDFile, bool) {
	dir := d.persistentPath(h.spec.Callsign)
	if dir == "" {
		return detector.PIDFile{}, false
	}
	return detector.PIDFile{Path: filepath.Join(dir, pidFileName)}, true
}

// reapLeftover stops a process an earlier daemon run started for this plugin.
func (d *Directory) reapLeftover(h *hosted) {
	pf, ok := d.pidFile(h)
	if !ok {
		return
	}
	wait := h.spec.StopTimeout
	if wait <= 0 {
		wait = 3 * time.Second
	}
	pid, err := pf.Reap(wait)
	if err != nil {
		d.logger.Warn("Failed to check leftover plugin process", "callsign", h.spec.Callsign, "pidfile", pf.Path, "error", err)
		return
	}
	if pid != 0 {
		d.logger.Warn("Stopped leftover plugin process", "callsign", h.spec.Callsign, "pid", pid)
	}
}

func (d *Directory) recordPID(h *hosted) {
	pf, ok := d.pidFile(h)
	if !ok {
		return
	}
	if err := pf.Write(h.proc.Snapshot().PID); err != nil {
		d.logger.Warn("Failed to write plugin pid file", "callsign", h.spec.Callsign, "error", err)
	}
}

func (d *Directory) clearPID(h *hosted) {
	if pf, ok := d.pidFile(h); ok {
		_ = pf.Remove()
	}
}

func (d *Directory) writeConfig(callsign, blob string) error {
	dir := d.persistentPath(callsign)
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create plugin dir: %w", err)
	}
	if blob == "" {
		blob = "{}"
	}
	if !json.Valid([]byte(blob)) {
		// opaque blobs are stored as a JSON string
		b, _ := json.Marshal(blob)
		blob = string(b)
	}
	return os.WriteFile(filepath.Join(dir, configFileName), []byte(blob), 0o600)
}

func (d *Directory) pluginEnv(h *hosted, cfg string) []string {
	d.mu.Lock()
	base := d.environ
	d.mu.Unlock()
	extra := append([]string{}, h.spec.Env...)
	extra = append(extra, EnvCallsign+"="+h.spec.Callsign, EnvConfig+"="+cfg)
	if p := d.persistentPath(h.spec.Callsign); p != "" {
		extra = append(extra, EnvPersistentPath+"="+p, EnvConfigFile+"="+filepath.Join(p, configFileName))
	}
	return base.Merge(extra)
}
