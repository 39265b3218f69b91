package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/loykin/plugind/internal/ctlerr"
	"github.com/loykin/plugind/internal/download"
	"github.com/loykin/plugind/internal/events"
	"github.com/loykin/plugind/internal/metrics"
	"github.com/loykin/plugind/internal/plugin"
	"github.com/loykin/plugind/internal/store"
	"github.com/loykin/plugind/internal/subsystem"
)

// Plugins is the lifecycle surface the dispatcher drives.
type Plugins interface {
	Activate(callsign string) error
	Deactivate(callsign string) error
	Configure(callsign, blob string) error
	Configuration(callsign string) (string, error)
	Configurations() map[string]string
	Delete(callsign string) error
	Status(callsign string) ([]plugin.Record, error)
	Counts() map[plugin.State]int
}

// Downloads is the download surface the dispatcher drives.
type Downloads interface {
	StartDownload(source, destination, hash string) (download.Info, error)
	List() []download.Info
	Resumes() []store.ResumeEntry
}

// Conditions reports the last-published satisfied subsystem subset.
type Conditions interface {
	Published() (subsystem.Set, time.Time)
}

// Environment resolves the variables plugins start with.
type Environment interface {
	Lookup(name string) (string, bool)
}

// Links lists connected event channels.
type Links interface {
	List() []events.Link
}

type Options struct {
	Plugins     Plugins
	Downloads   Downloads   // optional; download methods report NotSupported without it
	Conditions  Conditions  // optional
	Environment Environment // optional
	Links       Links       // optional
	// Forward broadcasts a plugin message as an all event. Optional.
	Forward func(callsign, data string) error
	Store   store.Store
	// Shutdown is invoked asynchronously by harakiri.
	Shutdown func()
	TTL      time.Duration
	Logger   *slog.Logger
}

type handler func(ctx context.Context, params json.RawMessage) (any, error)

// Dispatcher maps named operations with JSON parameters onto the control plane.
type Dispatcher struct {
	opts    Options
	started time.Time
	logger  *slog.Logger
	methods map[string]handler
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Plugins == nil {
		return nil, errors.New("dispatcher requires a plugin controller")
	}
	d := &Dispatcher{opts: opts, started: time.Now(), logger: opts.Logger}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.methods = map[string]handler{
		"activate":         d.activate,
		"deactivate":       d.deactivate,
		"configure":        d.configure,
		"configuration":    d.configuration,
		"delete":           d.delete,
		"download":         d.download,
		"downloads":        d.downloads,
		"query-status":     d.status,
		"status":           d.status,
		"query-subsystems": d.subsystems,
		"subsystems":       d.subsystems,
		"storeconfig":      d.storeConfig,
		"resumes":          d.resumes,
		"processinfo":      d.processInfo,
		"harakiri":         d.harakiri,
		"environment":      d.environment,
		"links":            d.links,
		"notify":           d.notify,
	}
	return d, nil
}

// Methods lists the supported operation names.
func (d *Dispatcher) Methods() []string {
	out := make([]string, 0, len(d.methods))
	for m := range d.methods {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Invoke runs method with params. Parameter errors are reported before any
// component is touched. Unknown methods yield NotSupported.
func (d *Dispatcher) Invoke(ctx context.Context, method string, params json.RawMessage) (any, error) {
	start := time.Now()
	name := strings.ToLower(strings.TrimSpace(method))
	h, ok := d.methods[name]
	var (
		res any
		err error
	)
	if !ok {
		err = ctlerr.New(ctlerr.CodeNotSupported, "dispatch", method)
	} else {
		res, err = h(ctx, params)
	}
	code := string(ctlerr.CodeOf(err))
	if code == "" {
		code = "ok"
	}
	metrics.ObserveDispatch(name, code, time.Since(start).Seconds())
	if err != nil {
		d.logger.Debug("Request rejected", "method", method, "code", code, "error", err)
	}
	return res, err
}

// Accepted acknowledges an operation whose outcome arrives later as an event.
type Accepted struct {
	Accepted bool `json:"accepted"`
}

var accepted = Accepted{Accepted: true}

// CallsignParams accepts {"callsign":"X"} or a bare "X".
type CallsignParams struct {
	Callsign string `json:"callsign"`
}

func (p *CallsignParams) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		p.Callsign = s
		return nil
	}
	type plain CallsignParams
	return json.Unmarshal(b, (*plain)(p))
}

type ConfigureParams struct {
	Callsign string `json:"callsign"`
	// Configuration may be a JSON string or any JSON value, which is stored verbatim.
	Configuration json.RawMessage `json:"configuration"`
}

type DownloadParams struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Hash        string `json:"hash,omitempty"`
}

func decode(op string, params json.RawMessage, v any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return ctlerr.Wrap(ctlerr.CodeInvalidArgument, op, "", fmt.Errorf("decode params: %w", err))
	}
	return nil
}

func (d *Dispatcher) callsign(op string, params json.RawMessage, required bool) (string, error) {
	var p CallsignParams
	if err := decode(op, params, &p); err != nil {
		return "", err
	}
	p.Callsign = strings.TrimSpace(p.Callsign)
	if p.Callsign == "" {
		if required {
			return "", ctlerr.Wrap(ctlerr.CodeInvalidArgument, op, "", errors.New("callsign is required"))
		}
		return "", nil
	}
	if !isSafeName(p.Callsign) {
		return "", ctlerr.Wrap(ctlerr.CodeInvalidArgument, op, p.Callsign, errors.New("allowed [A-Za-z0-9._-] and no '..'"))
	}
	return p.Callsign, nil
}

func (d *Dispatcher) activate(_ context.Context, params json.RawMessage) (any, error) {
	cs, err := d.callsign("activate", params, true)
	if err != nil {
		return nil, err
	}
	if err := d.opts.Plugins.Activate(cs); err != nil {
		return nil, err
	}
	return accepted, nil
}

func (d *Dispatcher) deactivate(_ context.Context, params json.RawMessage) (any, error) {
	cs, err := d.callsign("deactivate", params, true)
	if err != nil {
		return nil, err
	}
	if err := d.opts.Plugins.Deactivate(cs); err != nil {
		return nil, err
	}
	return accepted, nil
}

func (d *Dispatcher) delete(_ context.Context, params json.RawMessage) (any, error) {
	cs, err := d.callsign("delete", params, true)
	if err != nil {
		return nil, err
	}
	if err := d.opts.Plugins.Delete(cs); err != nil {
		return nil, err
	}
	return accepted, nil
}

func (d *Dispatcher) configure(_ context.Context, params json.RawMessage) (any, error) {
	const op = "configure"
	var p ConfigureParams
	if err := decode(op, params, &p); err != nil {
		return nil, err
	}
	cs, err := d.callsign(op, mustJSON(CallsignParams{Callsign: p.Callsign}), true)
	if err != nil {
		return nil, err
	}
	blob, err := configurationBlob(p.Configuration)
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.CodeInvalidArgument, op, cs, err)
	}
	if err := d.opts.Plugins.Configure(cs, blob); err != nil {
		return nil, err
	}
	return accepted, nil
}

// configurationBlob unwraps a JSON string; other JSON values are kept as text.
func configurationBlob(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", errors.New("configuration is required")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	return string(raw), nil
}

type ConfigurationResult struct {
	Callsign      string `json:"callsign"`
	Configuration string `json:"configuration"`
}

func (d *Dispatcher) configuration(_ context.Context, params json.RawMessage) (any, error) {
	cs, err := d.callsign("configuration", params, true)
	if err != nil {
		return nil, err
	}
	blob, err := d.opts.Plugins.Configuration(cs)
	if err != nil {
		return nil, err
	}
	return ConfigurationResult{Callsign: cs, Configuration: blob}, nil
}

type DownloadResult struct {
	Accepted bool   `json:"accepted"`
	Key      uint64 `json:"key"`
}

func (d *Dispatcher) download(_ context.Context, params json.RawMessage) (any, error) {
	const op = "download"
	var p DownloadParams
	if err := decode(op, params, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Source) == "" || strings.TrimSpace(p.Destination) == "" {
		return nil, ctlerr.Wrap(ctlerr.CodeInvalidArgument, op, p.Destination, errors.New("source and destination are required"))
	}
	if d.opts.Downloads == nil {
		return nil, ctlerr.New(ctlerr.CodeNotSupported, op, "")
	}
	info, err := d.opts.Downloads.StartDownload(p.Source, p.Destination, p.Hash)
	if err != nil {
		return nil, err
	}
	return DownloadResult{Accepted: true, Key: info.Key}, nil
}

func (d *Dispatcher) downloads(context.Context, json.RawMessage) (any, error) {
	if d.opts.Downloads == nil {
		return nil, ctlerr.New(ctlerr.CodeNotSupported, "downloads", "")
	}
	return d.opts.Downloads.List(), nil
}

func (d *Dispatcher) resumes(context.Context, json.RawMessage) (any, error) {
	if d.opts.Downloads == nil {
		return nil, ctlerr.New(ctlerr.CodeNotSupported, "resumes", "")
	}
	return d.opts.Downloads.Resumes(), nil
}

func (d *Dispatcher) status(_ context.Context, params json.RawMessage) (any, error) {
	cs, err := d.callsign("status", params, false)
	if err != nil {
		return nil, err
	}
	return d.opts.Plugins.Status(cs)
}

type SubsystemsResult struct {
	Satisfied subsystem.Set `json:"satisfied"`
	Since     time.Time     `json:"since,omitzero"`
}

func (d *Dispatcher) subsystems(context.Context, json.RawMessage) (any, error) {
	if d.opts.Conditions == nil {
		return SubsystemsResult{Satisfied: 0}, nil
	}
	set, at := d.opts.Conditions.Published()
	return SubsystemsResult{Satisfied: set, Since: at}, nil
}

type StoreConfigResult struct {
	Stored int `json:"stored"`
}

func (d *Dispatcher) storeConfig(ctx context.Context, _ json.RawMessage) (any, error) {
	const op = "storeconfig"
	if d.opts.Store == nil {
		return nil, ctlerr.New(ctlerr.CodeNotSupported, op, "")
	}
	configs := d.opts.Plugins.Configurations()
	if err := d.opts.Store.SaveConfigurations(ctx, configs); err != nil {
		return nil, ctlerr.Wrap(ctlerr.CodeInternal, op, "", err)
	}
	return StoreConfigResult{Stored: len(configs)}, nil
}

type ProcessInfo struct {
	PID        int            `json:"pid"`
	StartedAt  time.Time      `json:"started_at"`
	Uptime     float64        `json:"uptime_seconds"`
	Goroutines int            `json:"goroutines"`
	TTL        float64        `json:"ttl_seconds"`
	Plugins    map[string]int `json:"plugins"`
	Downloads  int            `json:"downloads"`
}

func (d *Dispatcher) processInfo(context.Context, json.RawMessage) (any, error) {
	counts := d.opts.Plugins.Counts()
	plugins := make(map[string]int, len(counts))
	for st, n := range counts {
		plugins[st.String()] = n
	}
	info := ProcessInfo{
		PID:        os.Getpid(),
		StartedAt:  d.started.UTC(),
		Uptime:     time.Since(d.started).Seconds(),
		Goroutines: runtime.NumGoroutine(),
		TTL:        d.opts.TTL.Seconds(),
		Plugins:    plugins,
	}
	if d.opts.Downloads != nil {
		info.Downloads = len(d.opts.Downloads.List())
	}
	return info, nil
}

func (d *Dispatcher) harakiri(context.Context, json.RawMessage) (any, error) {
	if d.opts.Shutdown == nil {
		return nil, ctlerr.New(ctlerr.CodeNotSupported, "harakiri", "")
	}
	d.logger.Warn("Shutdown requested over the control channel")
	go d.opts.Shutdown()
	return accepted, nil
}

// EnvironmentParams accepts {"name":"X"} or a bare "X".
type EnvironmentParams struct {
	Name string `json:"name"`
}

func (p *EnvironmentParams) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		p.Name = s
		return nil
	}
	type plain EnvironmentParams
	return json.Unmarshal(b, (*plain)(p))
}

type EnvironmentResult struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (d *Dispatcher) environment(_ context.Context, params json.RawMessage) (any, error) {
	const op = "environment"
	var p EnvironmentParams
	if err := decode(op, params, &p); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, ctlerr.Wrap(ctlerr.CodeInvalidArgument, op, "", errors.New("name is required"))
	}
	if d.opts.Environment == nil {
		return nil, ctlerr.New(ctlerr.CodeNotSupported, op, "")
	}
	v, ok := d.opts.Environment.Lookup(name)
	if !ok {
		return nil, ctlerr.New(ctlerr.CodeNotFound, op, name)
	}
	return EnvironmentResult{Name: name, Value: v}, nil
}

func (d *Dispatcher) links(context.Context, json.RawMessage) (any, error) {
	if d.opts.Links == nil {
		return []events.Link{}, nil
	}
	return d.opts.Links.List(), nil
}

// NotifyParams carries a message a plugin forwards to every listener.
type NotifyParams struct {
	Callsign string `json:"callsign"`
	// Data may be a JSON string or any JSON value, which is forwarded as text.
	Data json.RawMessage `json:"data"`
}

func (d *Dispatcher) notify(_ context.Context, params json.RawMessage) (any, error) {
	const op = "notify"
	var p NotifyParams
	if err := decode(op, params, &p); err != nil {
		return nil, err
	}
	cs, err := d.callsign(op, mustJSON(CallsignParams{Callsign: p.Callsign}), true)
	if err != nil {
		return nil, err
	}
	if len(p.Data) == 0 || string(p.Data) == "null" {
		return nil, ctlerr.Wrap(ctlerr.CodeInvalidArgument, op, cs, errors.New("data is required"))
	}
	if d.opts.Forward == nil {
		return nil, ctlerr.New(ctlerr.CodeNotSupported, op, cs)
	}
	data := string(p.Data)
	var s string
	if json.Unmarshal(p.Data, &s) == nil {
		data = s
	}
	if err := d.opts.Forward(cs, data); err != nil {
		return nil, err
	}
	return accepted, nil
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// isSafeName validates callsigns so they are safe to use in file paths.
// Allowed characters: A-Z a-z 0-9 . _ - and no "..".
func isSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}
