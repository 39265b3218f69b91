package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loykin/plugind/internal/ctlerr"
	"github.com/loykin/plugind/internal/events"
	"github.com/loykin/plugind/internal/subsystem"
	"github.com/loykin/plugind/internal/workerpool"
)

type fakeDir struct {
	mu          sync.Mutex
	descs       map[string]Descriptor
	activates   []string
	deactivates []string
	reconfigs   map[string]string
	activateErr error
	gate        chan struct{} // when set, RequestActivate waits on it
	watchers    map[string]StateFunc
}

func newFakeDir(descs ...Descriptor) *fakeDir {
	d := &fakeDir{descs: map[string]Descriptor{}, reconfigs: map[string]string{}, watchers: map[string]StateFunc{}}
	for _, x := range descs {
		d.descs[x.Callsign] = x
	}
	return d
}

func (d *fakeDir) Lookup(cs string) (Descriptor, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	x, ok := d.descs[cs]
	return x, ok
}

func (d *fakeDir) Callsigns() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for cs := range d.descs {
		out = append(out, cs)
	}
	return out
}

func (d *fakeDir) RequestActivate(cs string, _ Reason) error {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activateErr != nil {
		return d.activateErr
	}
	d.activates = append(d.activates, cs)
	return nil
}

func (d *fakeDir) RequestDeactivate(cs string, _ Reason) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deactivates = append(d.deactivates, cs)
	return nil
}

func (d *fakeDir) Reconfigure(cs, blob string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reconfigs[cs] = blob
	return errors.New("plugin ignored configuration")
}

func (d *fakeDir) Watch(fn StateFunc) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.watchers["w"] = fn
	return "w"
}

func (d *fakeDir) Unwatch(tok string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.watchers, tok)
}

func (d *fakeDir) activated() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.activates...)
}

type eventLog struct {
	mu  sync.Mutex
	evs []events.Event
}

func (l *eventLog) Publish(e events.Event) {
	l.mu.Lock()
	l.evs = append(l.evs, e)
	l.mu.Unlock()
}

func (l *eventLog) states(callsign string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.evs {
		if p, ok := e.Payload.(events.StateChangePayload); ok && p.Callsign == callsign {
			out = append(out, p.State+"/"+p.Reason)
		}
	}
	return out
}

func newTestController(t *testing.T, dir *fakeDir, cond Conditions) (*Controller, *eventLog) {
	t.Helper()
	log := &eventLog{}
	c, err := NewController(Options{
		Directory:      dir,
		Conditions:     cond,
		Events:         log,
		PersistentRoot: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	c.Attach()
	t.Cleanup(c.Detach)
	return c, log
}

func state(t *testing.T, c *Controller, cs string) State {
	t.Helper()
	recs, err := c.Status(cs)
	if err != nil {
		t.Fatalf("status %s: %v", cs, err)
	}
	return recs[0].State
}

func TestActivateUnknownIsNotFound(t *testing.T) {
	c, _ := newTestController(t, newFakeDir(), nil)
	if err := c.Activate("ghost"); !errors.Is(err, ctlerr.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if err := c.Activate(""); !errors.Is(err, ctlerr.ErrInvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestSecondActivateBeforeCallbackIsAlreadyActive(t *testing.T) {
	dir := newFakeDir(Descriptor{Callsign: "web"})
	c, log := newTestController(t, dir, nil)

	if err := c.Activate("web"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := c.Activate("web"); !errors.Is(err, ctlerr.ErrAlreadyActive) {
		t.Fatalf("expected AlreadyActive, got %v", err)
	}
	if got := dir.activated(); len(got) != 1 {
		t.Fatalf("directory saw %d activations", len(got))
	}
	if st := state(t, c, "web"); st != StateActivating {
		t.Fatalf("state = %s", st)
	}

	c.OnStateChange("web", StateActivated, ReasonRequested)
	if st := state(t, c, "web"); st != StateActivated {
		t.Fatalf("state after callback = %s", st)
	}
	want := []string{"activating/requested", "activated/requested"}
	got := log.states("web")
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestDeactivate(t *testing.T) {
	dir := newFakeDir(Descriptor{Callsign: "web"})
	c, _ := newTestController(t, dir, nil)

	if err := c.Deactivate("web"); !errors.Is(err, ctlerr.ErrAlreadyInactive) {
		t.Fatalf("expected AlreadyInactive, got %v", err)
	}
	_ = c.Activate("web")
	c.OnStateChange("web", StateActivated, ReasonRequested)
	if err := c.Deactivate("web"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := c.Deactivate("web"); !errors.Is(err, ctlerr.ErrAlreadyInactive) {
		t.Fatalf("expected AlreadyInactive while deactivating, got %v", err)
	}
	c.OnStateChange("web", StateDeactivated, ReasonRequested)
	if st := state(t, c, "web"); st != StateDeactivated {
		t.Fatalf("state = %s", st)
	}
}

func TestDeleteActivePluginIsStillActiveAndUnchanged(t *testing.T) {
	dir := newFakeDir(Descriptor{Callsign: "web", Configuration: `{"port":80}`})
	c, _ := newTestController(t, dir, nil)
	_ = c.Activate("web")
	c.OnStateChange("web", StateActivated, ReasonRequested)

	before, _ := c.Status("web")
	if err := c.Delete("web"); !errors.Is(err, ctlerr.ErrStillActive) {
		t.Fatalf("expected StillActive, got %v", err)
	}
	after, _ := c.Status("web")
	if before[0] != after[0] {
		t.Fatalf("record changed: %+v -> %+v", before[0], after[0])
	}
}

func TestDeleteRemovesArtifacts(t *testing.T) {
	dir := newFakeDir(Descriptor{Callsign: "web"})
	c, log := newTestController(t, dir, nil)
	artifacts := filepath.Join(c.root, "web")
	if err := os.MkdirAll(artifacts, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(artifacts, "state.db"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := c.Delete("web"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(artifacts); !os.IsNotExist(err) {
		t.Fatalf("artifacts still present: %v", err)
	}
	if err := c.Activate("web"); !errors.Is(err, ctlerr.ErrNotFound) {
		t.Fatalf("activate after delete should be NotFound, got %v", err)
	}
	if err := c.Delete("web"); !errors.Is(err, ctlerr.ErrNotFound) {
		t.Fatalf("second delete should be NotFound, got %v", err)
	}
	if got := log.states("web"); len(got) != 1 || got[0] != "destroyed/deleted" {
		t.Fatalf("events = %v", got)
	}
	recs, _ := c.Status("")
	if len(recs) != 0 {
		t.Fatalf("destroyed plugin still listed: %+v", recs)
	}
}

func TestDeleteRejectsPathCallsigns(t *testing.T) {
	c, _ := newTestController(t, newFakeDir(), nil)
	for _, cs := range []string{"..", "a/b", `a\b`} {
		if err := c.Delete(cs); !errors.Is(err, ctlerr.ErrInvalidArgument) {
			t.Fatalf("Delete(%q) = %v", cs, err)
		}
	}
}

func TestConfigure(t *testing.T) {
	dir := newFakeDir(
		Descriptor{Callsign: "web", LiveConfig: true},
		Descriptor{Callsign: "cold"},
	)
	c, _ := newTestController(t, dir, nil)

	if err := c.Configure("ghost", "{}"); !errors.Is(err, ctlerr.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	// the fake rejects every live update; acceptance is still unconditional
	if err := c.Configure("web", `{"a":1}`); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := c.Configure("cold", `{"b":2}`); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if blob, _ := c.Configuration("web"); blob != `{"a":1}` {
		t.Fatalf("configuration = %q", blob)
	}
	dir.mu.Lock()
	_, forwardedWeb := dir.reconfigs["web"]
	_, forwardedCold := dir.reconfigs["cold"]
	dir.mu.Unlock()
	if !forwardedWeb || forwardedCold {
		t.Fatalf("forwarding mismatch web=%v cold=%v", forwardedWeb, forwardedCold)
	}
	if got := c.Configurations(); len(got) != 2 {
		t.Fatalf("configurations = %v", got)
	}
}

func TestInflightRequestConflicts(t *testing.T) {
	dir := newFakeDir(Descriptor{Callsign: "web"})
	dir.gate = make(chan struct{})
	c, _ := newTestController(t, dir, nil)

	done := make(chan error, 1)
	go func() { done <- c.Activate("web") }()

	deadline := time.Now().Add(2 * time.Second)
	for state(t, c, "web") != StateActivating {
		if time.Now().After(deadline) {
			t.Fatalf("activation never started")
		}
		time.Sleep(time.Millisecond)
	}
	if err := c.Deactivate("web"); !errors.Is(err, ctlerr.ErrConflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
	close(dir.gate)
	if err := <-done; err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := c.Deactivate("web"); err != nil {
		t.Fatalf("deactivate after request returned: %v", err)
	}
}

func TestDirectoryRejectionRollsBack(t *testing.T) {
	dir := newFakeDir(Descriptor{Callsign: "web"})
	dir.activateErr = errors.New("no slot")
	c, log := newTestController(t, dir, nil)

	err := c.Activate("web")
	if !errors.Is(err, ctlerr.ErrInternal) {
		t.Fatalf("expected Internal, got %v", err)
	}
	if st := state(t, c, "web"); st != StateDeactivated {
		t.Fatalf("state = %s", st)
	}
	got := log.states("web")
	if len(got) != 2 || got[1] != "deactivated/failure" {
		t.Fatalf("events = %v", got)
	}
}

func TestPreconditionBlocksThenRetries(t *testing.T) {
	reg := subsystem.NewRegistry(0)
	agg := subsystem.NewAggregator(nil, reg)
	agg.Evaluate()

	dir := newFakeDir(Descriptor{Callsign: "web", Preconditions: subsystem.Of(subsystem.Network)})
	log := &eventLog{}
	pool := workerpool.New(1, nil)
	defer func() { _ = pool.Close(context.Background()) }()
	c, err := NewController(Options{Directory: dir, Conditions: agg, Events: log, Pool: pool})
	if err != nil {
		t.Fatal(err)
	}
	c.Attach()
	defer c.Detach()

	if err := c.Activate("web"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if st := state(t, c, "web"); st != StatePrecondition {
		t.Fatalf("state = %s", st)
	}
	if err := c.Activate("web"); !errors.Is(err, ctlerr.ErrAlreadyActive) {
		t.Fatalf("expected AlreadyActive while blocked, got %v", err)
	}
	if len(dir.activated()) != 0 {
		t.Fatalf("directory called while preconditions unmet")
	}

	reg.Set(subsystem.Network, true)
	agg.Evaluate()

	deadline := time.Now().Add(2 * time.Second)
	for len(dir.activated()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("blocked plugin was not retried")
		}
		time.Sleep(time.Millisecond)
	}
	if st := state(t, c, "web"); st != StateActivating {
		t.Fatalf("state after retry = %s", st)
	}
	got := log.states("web")
	if got[0] != "precondition/conditions" || got[1] != "activating/conditions" {
		t.Fatalf("events = %v", got)
	}
}

func TestDeactivateWhileBlockedSkipsDirectory(t *testing.T) {
	agg := subsystem.NewAggregator(nil, subsystem.NewRegistry(0))
	dir := newFakeDir(Descriptor{Callsign: "web", Preconditions: subsystem.Of(subsystem.Time)})
	c, _ := newTestController(t, dir, agg)

	_ = c.Activate("web")
	if err := c.Deactivate("web"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	dir.mu.Lock()
	n := len(dir.deactivates)
	dir.mu.Unlock()
	if n != 0 {
		t.Fatalf("directory should not be asked to deactivate a blocked plugin")
	}
	if st := state(t, c, "web"); st != StateDeactivated {
		t.Fatalf("state = %s", st)
	}
}

func TestAutoStartAndShutdown(t *testing.T) {
	dir := newFakeDir(
		Descriptor{Callsign: "a", AutoStart: true},
		Descriptor{Callsign: "b"},
	)
	c, log := newTestController(t, dir, nil)
	c.AutoStart()
	if got := dir.activated(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("autostarted %v", got)
	}
	if got := log.states("a"); got[0] != "activating/startup" {
		t.Fatalf("events = %v", got)
	}
	c.OnStateChange("a", StateActivated, ReasonStartup)
	c.Shutdown()
	dir.mu.Lock()
	defer dir.mu.Unlock()
	if len(dir.deactivates) != 1 || dir.deactivates[0] != "a" {
		t.Fatalf("shutdown deactivated %v", dir.deactivates)
	}
}

func TestOnStateChangeDuplicateIsIgnored(t *testing.T) {
	dir := newFakeDir(Descriptor{Callsign: "web"})
	c, log := newTestController(t, dir, nil)
	c.OnStateChange("web", StateActivated, ReasonAutomatic)
	c.OnStateChange("web", StateActivated, ReasonAutomatic)
	if got := log.states("web"); len(got) != 1 {
		t.Fatalf("events = %v", got)
	}
	if n := c.Counts()[StateActivated]; n != 1 {
		t.Fatalf("counts = %v", c.Counts())
	}
}
