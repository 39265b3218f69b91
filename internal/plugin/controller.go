package plugin

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loykin/plugind/internal/ctlerr"
	"github.com/loykin/plugind/internal/events"
	"github.com/loykin/plugind/internal/metrics"
	"github.com/loykin/plugind/internal/subsystem"
	"github.com/loykin/plugind/internal/workerpool"
)

// Scheduler runs retry work off the caller.
type Scheduler interface {
	Submit(fn func()) *workerpool.Job
}

// Options wires a Controller to its collaborators.
type Options struct {
	Directory  Directory
	Conditions Conditions       // optional; without it preconditions are ignored
	Events     events.Publisher // must not block
	Pool       Scheduler        // optional; precondition retries fall back to a goroutine
	// PersistentRoot holds per-callsign artifacts removed by Delete.
	PersistentRoot string
	Logger         *slog.Logger
}

type entry struct {
	rec      Record
	live     bool
	inflight bool // a directory request for this callsign has not returned yet
}

// Controller validates and drives plugin lifecycle requests.
//
// Lock Hierarchy:
// 1. mu (record table)
// 2. Conditions internal lock (read through Current)
// mu is never held while calling the Directory or the Scheduler.
type Controller struct {
	dir    Directory
	cond   Conditions
	pub    events.Publisher
	pool   Scheduler
	root   string
	logger *slog.Logger

	mu       sync.Mutex
	records  map[string]*entry
	attached bool
	dirTok   string
	condTok  subsystem.Token
}

func NewController(opts Options) (*Controller, error) {
	if opts.Directory == nil {
		return nil, errors.New("plugin controller requires a directory")
	}
	c := &Controller{
		dir:     opts.Directory,
		cond:    opts.Conditions,
		pub:     opts.Events,
		pool:    opts.Pool,
		root:    opts.PersistentRoot,
		logger:  opts.Logger,
		records: make(map[string]*entry),
	}
	if c.pub == nil {
		c.pub = events.PublisherFunc(func(events.Event) {})
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// Attach loads the directory's plugins and starts listening for state reports
// and subsystem changes. Calling it twice is a no-op.
func (c *Controller) Attach() {
	c.mu.Lock()
	if c.attached {
		c.mu.Unlock()
		return
	}
	c.attached = true
	c.mu.Unlock()

	for _, cs := range c.dir.Callsigns() {
		if d, ok := c.dir.Lookup(cs); ok {
			c.mu.Lock()
			c.ensureLocked(d)
			c.mu.Unlock()
		}
	}
	dirTok := c.dir.Watch(c.OnStateChange)
	var condTok subsystem.Token
	if c.cond != nil {
		condTok = c.cond.Register(c.onSubsystems)
	}

	c.mu.Lock()
	c.dirTok = dirTok
	c.condTok = condTok
	c.mu.Unlock()
}

// Detach stops listening. Records are kept.
func (c *Controller) Detach() {
	c.mu.Lock()
	if !c.attached {
		c.mu.Unlock()
		return
	}
	c.attached = false
	dirTok, condTok := c.dirTok, c.condTok
	c.dirTok, c.condTok = "", ""
	c.mu.Unlock()

	c.dir.Unwatch(dirTok)
	if c.cond != nil && condTok != "" {
		c.cond.Unregister(condTok)
	}
}

// Restore seeds stored configuration blobs. Unknown callsigns are skipped.
func (c *Controller) Restore(configs map[string]string) {
	for cs, blob := range configs {
		d, ok := c.dir.Lookup(cs)
		if !ok {
			c.logger.Warn("Skipping stored configuration for unknown plugin", "callsign", cs)
			continue
		}
		c.mu.Lock()
		e := c.ensureLocked(d)
		if e.rec.State != StateDestroyed {
			e.rec.Configuration = blob
		}
		c.mu.Unlock()
	}
}

// Activate requests activation of callsign. It returns once the directory
// accepted the request; completion arrives through OnStateChange.
func (c *Controller) Activate(callsign string) error {
	return c.activate("activate", callsign, ReasonRequested)
}

// Deactivate requests deactivation of callsign.
func (c *Controller) Deactivate(callsign string) error {
	return c.deactivate("deactivate", callsign, ReasonRequested)
}

func (c *Controller) activate(op, callsign string, reason Reason) error {
	metrics.IncLifecycleRequest(callsign, op)
	e, err := c.resolve(op, callsign)
	if err != nil {
		return err
	}

	c.mu.Lock()
	switch {
	case e.rec.State == StateDestroyed:
		c.mu.Unlock()
		return ctlerr.New(ctlerr.CodeNotFound, op, callsign)
	case e.rec.State.active():
		c.mu.Unlock()
		return ctlerr.New(ctlerr.CodeAlreadyActive, op, callsign)
	case e.inflight:
		c.mu.Unlock()
		return ctlerr.New(ctlerr.CodeConflict, op, callsign)
	}
	prev := e.rec.State
	if c.cond != nil {
		if missing := e.rec.Preconditions &^ c.cond.Current(); !missing.Empty() {
			c.transitionLocked(e, StatePrecondition, ReasonConditions)
			c.mu.Unlock()
			c.logger.Info("Plugin waiting for subsystems", "callsign", callsign, "missing", missing.String())
			return nil
		}
	}
	c.transitionLocked(e, StateActivating, reason)
	e.inflight = true
	c.mu.Unlock()

	return c.requestActivate(op, e, prev, reason)
}

func (c *Controller) requestActivate(op string, e *entry, prev State, reason Reason) error {
	cs := e.rec.Callsign
	err := c.dir.RequestActivate(cs, reason)

	c.mu.Lock()
	defer c.mu.Unlock()
	e.inflight = false
	if err == nil {
		return nil
	}
	if prev == StatePrecondition {
		prev = StateDeactivated
	}
	if e.rec.State == StateActivating {
		c.transitionLocked(e, prev, ReasonFailure)
	}
	c.logger.Error("Plugin activation rejected", "callsign", cs, "error", err)
	return ctlerr.Wrap(ctlerr.CodeInternal, op, cs, err)
}

func (c *Controller) deactivate(op, callsign string, reason Reason) error {
	metrics.IncLifecycleRequest(callsign, op)
	e, err := c.resolve(op, callsign)
	if err != nil {
		return err
	}

	c.mu.Lock()
	switch {
	case e.rec.State == StateDestroyed:
		c.mu.Unlock()
		return ctlerr.New(ctlerr.CodeNotFound, op, callsign)
	case e.rec.State.inactive():
		c.mu.Unlock()
		return ctlerr.New(ctlerr.CodeAlreadyInactive, op, callsign)
	case e.inflight:
		c.mu.Unlock()
		return ctlerr.New(ctlerr.CodeConflict, op, callsign)
	case e.rec.State == StatePrecondition:
		// never reached the directory
		c.transitionLocked(e, StateDeactivated, reason)
		c.mu.Unlock()
		return nil
	}
	prev := e.rec.State
	c.transitionLocked(e, StateDeactivating, reason)
	e.inflight = true
	c.mu.Unlock()

	err = c.dir.RequestDeactivate(callsign, reason)

	c.mu.Lock()
	defer c.mu.Unlock()
	e.inflight = false
	if err == nil {
		return nil
	}
	if e.rec.State == StateDeactivating {
		c.transitionLocked(e, prev, ReasonFailure)
	}
	c.logger.Error("Plugin deactivation rejected", "callsign", callsign, "error", err)
	return ctlerr.Wrap(ctlerr.CodeInternal, op, callsign, err)
}

// Configure stores blob for callsign and forwards it when the plugin supports
// live reconfiguration. Forwarding failures are logged, not returned.
func (c *Controller) Configure(callsign, blob string) error {
	const op = "configure"
	metrics.IncLifecycleRequest(callsign, op)
	e, err := c.resolve(op, callsign)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if e.rec.State == StateDestroyed {
		c.mu.Unlock()
		return ctlerr.New(ctlerr.CodeNotFound, op, callsign)
	}
	e.rec.Configuration = blob
	e.rec.UpdatedAt = time.Now().UTC()
	live := e.live
	c.mu.Unlock()

	if live {
		if err := c.dir.Reconfigure(callsign, blob); err != nil {
			c.logger.Warn("Plugin did not accept live configuration", "callsign", callsign, "error", err)
		}
	}
	return nil
}

// Configuration returns the stored blob for callsign.
func (c *Controller) Configuration(callsign string) (string, error) {
	e, err := c.resolve("configuration", callsign)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.rec.State == StateDestroyed {
		return "", ctlerr.New(ctlerr.CodeNotFound, "configuration", callsign)
	}
	return e.rec.Configuration, nil
}

// Configurations returns every non-empty stored blob keyed by callsign.
func (c *Controller) Configurations() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.records))
	for cs, e := range c.records {
		if e.rec.State != StateDestroyed && e.rec.Configuration != "" {
			out[cs] = e.rec.Configuration
		}
	}
	return out
}

// Delete removes the persisted artifacts of a deactivated plugin and marks it destroyed.
func (c *Controller) Delete(callsign string) error {
	const op = "delete"
	metrics.IncLifecycleRequest(callsign, op)
	if err := validCallsign(op, callsign); err != nil {
		return err
	}
	e, err := c.resolve(op, callsign)
	if err != nil {
		return err
	}

	c.mu.Lock()
	switch {
	case e.rec.State == StateDestroyed:
		c.mu.Unlock()
		return ctlerr.New(ctlerr.CodeNotFound, op, callsign)
	case e.inflight:
		c.mu.Unlock()
		return ctlerr.New(ctlerr.CodeConflict, op, callsign)
	case e.rec.State != StateDeactivated:
		c.mu.Unlock()
		return ctlerr.New(ctlerr.CodeStillActive, op, callsign)
	}
	e.inflight = true
	c.mu.Unlock()

	var rmErr error
	if c.root != "" {
		rmErr = os.RemoveAll(filepath.Join(c.root, callsign))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e.inflight = false
	if rmErr != nil {
		return ctlerr.Wrap(ctlerr.CodeInternal, op, callsign, rmErr)
	}
	e.rec.Configuration = ""
	c.transitionLocked(e, StateDestroyed, ReasonDeleted)
	c.logger.Info("Plugin deleted", "callsign", callsign)
	return nil
}

// OnStateChange records a transition reported by the directory and republishes it.
// It never calls out and only holds the table lock briefly.
func (c *Controller) OnStateChange(callsign string, state State, reason Reason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.records[callsign]
	if !ok {
		e = &entry{rec: Record{Callsign: callsign}}
		c.records[callsign] = e
	}
	if e.rec.State == StateDestroyed {
		return
	}
	if e.rec.State == state && e.rec.Reason == reason {
		return
	}
	c.transitionLocked(e, state, reason)
}

// Status returns one record, or every known record sorted by callsign when callsign is empty.
func (c *Controller) Status(callsign string) ([]Record, error) {
	if callsign != "" {
		e, err := c.resolve("status", callsign)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if e.rec.State == StateDestroyed {
			return nil, ctlerr.New(ctlerr.CodeNotFound, "status", callsign)
		}
		return []Record{e.rec}, nil
	}

	for _, cs := range c.dir.Callsigns() {
		c.mu.Lock()
		_, known := c.records[cs]
		c.mu.Unlock()
		if known {
			continue
		}
		if d, ok := c.dir.Lookup(cs); ok {
			c.mu.Lock()
			c.ensureLocked(d)
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	out := make([]Record, 0, len(c.records))
	for _, e := range c.records {
		if e.rec.State != StateDestroyed {
			out = append(out, e.rec)
		}
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Callsign < out[j].Callsign })
	return out, nil
}

// Counts returns the number of non-destroyed records per state.
func (c *Controller) Counts() map[State]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[State]int)
	for _, e := range c.records {
		if e.rec.State != StateDestroyed {
			out[e.rec.State]++
		}
	}
	return out
}

// AutoStart activates every deactivated plugin declared with autostart.
func (c *Controller) AutoStart() {
	for _, cs := range c.matching(func(e *entry) bool {
		return e.rec.AutoStart && e.rec.State == StateDeactivated
	}) {
		if err := c.activate("autostart", cs, ReasonStartup); err != nil && !errors.Is(err, ctlerr.ErrAlreadyActive) {
			c.logger.Warn("Failed to autostart plugin", "callsign", cs, "error", err)
		}
	}
}

// Shutdown requests deactivation of every active plugin.
func (c *Controller) Shutdown() {
	for _, cs := range c.matching(func(e *entry) bool {
		return e.rec.State.active() && !e.inflight
	}) {
		if err := c.deactivate("shutdown", cs, ReasonShutdown); err != nil && !errors.Is(err, ctlerr.ErrAlreadyInactive) {
			c.logger.Warn("Failed to deactivate plugin on shutdown", "callsign", cs, "error", err)
		}
	}
}

func (c *Controller) matching(pred func(*entry) bool) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for cs, e := range c.records {
		if pred(e) {
			out = append(out, cs)
		}
	}
	sort.Strings(out)
	return out
}

// onSubsystems retries precondition-blocked plugins that the new set satisfies.
func (c *Controller) onSubsystems(ch subsystem.Change) {
	c.mu.Lock()
	var ready []*entry
	for _, e := range c.records {
		if e.rec.State == StatePrecondition && !e.inflight && ch.Current.Contains(e.rec.Preconditions) {
			ready = append(ready, e)
		}
	}
	c.mu.Unlock()

	for _, e := range ready {
		e := e
		c.schedule(func() { c.retry(e) })
	}
}

func (c *Controller) retry(e *entry) {
	c.mu.Lock()
	if e.rec.State != StatePrecondition || e.inflight {
		c.mu.Unlock()
		return
	}
	if c.cond != nil && !c.cond.Current().Contains(e.rec.Preconditions) {
		c.mu.Unlock()
		return
	}
	c.transitionLocked(e, StateActivating, ReasonConditions)
	e.inflight = true
	c.mu.Unlock()

	_ = c.requestActivate("activate", e, StatePrecondition, ReasonConditions)
}

func (c *Controller) schedule(fn func()) {
	if c.pool != nil {
		c.pool.Submit(fn)
		return
	}
	go fn()
}

func (c *Controller) resolve(op, callsign string) (*entry, error) {
	if strings.TrimSpace(callsign) == "" {
		return nil, ctlerr.New(ctlerr.CodeInvalidArgument, op, callsign)
	}
	c.mu.Lock()
	e, ok := c.records[callsign]
	c.mu.Unlock()
	if ok {
		return e, nil
	}
	d, ok := c.dir.Lookup(callsign)
	if !ok {
		return nil, ctlerr.New(ctlerr.CodeNotFound, op, callsign)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureLocked(d), nil
}

func (c *Controller) ensureLocked(d Descriptor) *entry {
	e, ok := c.records[d.Callsign]
	if !ok {
		e = &entry{rec: Record{
			Callsign:      d.Callsign,
			State:         StateDeactivated,
			Configuration: d.Configuration,
			UpdatedAt:     time.Now().UTC(),
		}}
		c.records[d.Callsign] = e
		metrics.SetCurrentState(d.Callsign, StateDeactivated.String(), true)
	}
	e.rec.Preconditions = d.Preconditions
	e.rec.AutoStart = d.AutoStart
	e.live = d.LiveConfig
	return e
}

// transitionLocked moves e to state and publishes the change. c.mu must be held;
// publishing under it keeps bus order equal to transition order.
func (c *Controller) transitionLocked(e *entry, to State, reason Reason) {
	from := e.rec.State
	e.rec.State = to
	e.rec.Reason = reason
	e.rec.UpdatedAt = time.Now().UTC()

	cs := e.rec.Callsign
	metrics.RecordStateTransition(cs, from.String(), to.String())
	metrics.SetCurrentState(cs, from.String(), false)
	metrics.SetCurrentState(cs, to.String(), true)

	c.pub.Publish(events.New(events.StateChange, events.StateChangePayload{
		Callsign: cs,
		State:    to.String(),
		Reason:   string(reason),
	}))
}

func validCallsign(op, callsign string) error {
	if callsign == "" || callsign == "." || callsign == ".." ||
		strings.ContainsAny(callsign, `/\`) || strings.ContainsRune(callsign, 0) {
		return ctlerr.New(ctlerr.CodeInvalidArgument, op, callsign)
	}
	return nil
}
