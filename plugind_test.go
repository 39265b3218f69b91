package plugind

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loykin/plugind/internal/auth"
	"github.com/loykin/plugind/internal/config"
	"github.com/loykin/plugind/internal/ctlerr"
	"github.com/loykin/plugind/internal/dispatch"
	"github.com/loykin/plugind/internal/events"
	"github.com/loykin/plugind/internal/store"
	"github.com/loykin/plugind/internal/subsystem"
)

type countingPlugin struct {
	mu     sync.Mutex
	inits  int
	config string
}

func (p *countingPlugin) Initialize(_ context.Context, _ string, cfg string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inits++
	p.config = cfg
	return nil
}

func (p *countingPlugin) Deinitialize(context.Context) error { return nil }

// emittingPlugin announces itself through the host as soon as it initializes.
type emittingPlugin struct {
	emit func(string)
}

func (p *emittingPlugin) SetEmitter(emit func(string)) { p.emit = emit }

func (p *emittingPlugin) Initialize(context.Context, string, string) error {
	p.emit("ready")
	return nil
}

func (p *emittingPlugin) Deinitialize(context.Context) error { return nil }

type eventWaiter struct{ ch chan Event }

func watch(t *testing.T, h *Host) *eventWaiter {
	t.Helper()
	w := &eventWaiter{ch: make(chan Event, 128)}
	tok := h.Subscribe(func(e Event) { w.ch <- e })
	t.Cleanup(func() { h.Unsubscribe(tok) })
	return w
}

// waitFor returns the first event matching pred.
func (w *eventWaiter) waitFor(t *testing.T, pred func(Event) bool) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-w.ch:
			if pred(e) {
				return e
			}
		case <-timeout:
			t.Fatalf("event not observed")
			return Event{}
		}
	}
}

func stateIs(callsign, state string) func(Event) bool {
	return func(e Event) bool {
		p, ok := e.Payload.(events.StateChangePayload)
		return ok && e.Name == events.StateChange && p.Callsign == callsign && p.State == state
	}
}

func newTestHost(t *testing.T, fc config.FileConfig) (*Host, store.Store) {
	t.Helper()
	if fc.Workers == 0 {
		fc.Workers = 2
	}
	if fc.PersistentPath == "" {
		fc.PersistentPath = t.TempDir()
	}
	cfg, err := config.FromFile(fc, "")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	st := store.NewMemory()
	h, err := New(Options{Config: cfg, Store: st})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return h, st
}

func invoke(t *testing.T, h *Host, method string, params any) any {
	t.Helper()
	raw, _ := json.Marshal(params)
	res, err := h.Invoke(context.Background(), method, raw)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	return res
}

func TestHostLifecycleThroughDispatcher(t *testing.T) {
	h, _ := newTestHost(t, config.FileConfig{})
	p := &countingPlugin{}
	if err := h.AddPlugin(PluginSpec{Callsign: "Tracing", AutoStart: true, Configuration: `{"level":1}`}, p); err != nil {
		t.Fatalf("add: %v", err)
	}
	w := watch(t, h)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	w.waitFor(t, stateIs("Tracing", "activated"))

	invoke(t, h, "deactivate", map[string]string{"callsign": "Tracing"})
	w.waitFor(t, stateIs("Tracing", "deactivated"))

	invoke(t, h, "configure", map[string]any{"callsign": "Tracing", "configuration": map[string]int{"level": 2}})
	invoke(t, h, "activate", "Tracing")
	w.waitFor(t, stateIs("Tracing", "activated"))

	p.mu.Lock()
	inits, cfg := p.inits, p.config
	p.mu.Unlock()
	if inits != 2 || cfg != `{"level":2}` {
		t.Fatalf("plugin saw inits=%d config=%q", inits, cfg)
	}
	recs, err := h.Status("Tracing")
	if err != nil || len(recs) != 1 || recs[0].State.String() != "activated" {
		t.Fatalf("status = %+v err=%v", recs, err)
	}
}

func TestHostPreconditionsFollowSubsystems(t *testing.T) {
	h, _ := newTestHost(t, config.FileConfig{Subsystems: []string{"platform"}})
	_ = h.AddPlugin(PluginSpec{Callsign: "Net", Preconditions: subsystem.Of(subsystem.Network)}, &countingPlugin{})
	w := watch(t, h)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	w.waitFor(t, func(e Event) bool { return e.Name == events.SubsystemChange })
	if got := h.Subsystems(); len(got) != 1 || got[0] != "platform" {
		t.Fatalf("startup subsystems = %v", got)
	}

	invoke(t, h, "activate", "Net")
	w.waitFor(t, stateIs("Net", "precondition"))

	if changed, err := h.SetSubsystem("network", true); err != nil || !changed {
		t.Fatalf("set subsystem: changed=%v err=%v", changed, err)
	}
	w.waitFor(t, func(e Event) bool {
		p, ok := e.Payload.(events.SubsystemChangePayload)
		return ok && len(p.Added) == 1 && p.Added[0] == "network"
	})
	w.waitFor(t, stateIs("Net", "activated"))

	if _, err := h.SetSubsystem("warp", true); err == nil {
		t.Fatalf("expected error for unknown subsystem")
	}
}

func TestHostDownloadAndStoreConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("firmware"))
	}))
	defer srv.Close()

	root := t.TempDir()
	h, st := newTestHost(t, config.FileConfig{DownloadStore: root})
	_ = h.AddPlugin(PluginSpec{Callsign: "Updater"}, &countingPlugin{})
	w := watch(t, h)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	invoke(t, h, "download", map[string]string{"source": srv.URL + "/fw.bin", "destination": "fw.bin"})
	e := w.waitFor(t, func(e Event) bool { return e.Name == events.DownloadCompleted })
	p := e.Payload.(events.DownloadCompletedPayload)
	if p.Result != 0 || p.Destination != "fw.bin" {
		t.Fatalf("completion = %+v", p)
	}
	b, err := os.ReadFile(filepath.Join(root, "fw.bin"))
	if err != nil || string(b) != "firmware" {
		t.Fatalf("downloaded %q err=%v", b, err)
	}

	invoke(t, h, "configure", map[string]any{"callsign": "Updater", "configuration": "channel=beta"})
	invoke(t, h, "storeconfig", nil)
	configs, _ := st.LoadConfigurations(context.Background())
	if configs["Updater"] != "channel=beta" {
		t.Fatalf("stored configurations = %v", configs)
	}
}

func TestHostRestoresStoredConfiguration(t *testing.T) {
	cfg, _ := config.FromFile(config.FileConfig{Workers: 2, PersistentPath: t.TempDir()}, "")
	st := store.NewMemory()
	_ = st.SaveConfigurations(context.Background(), map[string]string{"Restored": `{"x":1}`})
	h, err := New(Options{Config: cfg, Store: st})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = h.Shutdown(context.Background()) }()
	_ = h.AddPlugin(PluginSpec{Callsign: "Restored"}, &countingPlugin{})
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	res := invoke(t, h, "configuration", "Restored")
	b, _ := json.Marshal(res)
	var got struct {
		Configuration string `json:"configuration"`
	}
	if err := json.Unmarshal(b, &got); err != nil || got.Configuration != `{"x":1}` {
		t.Fatalf("configuration = %s", b)
	}
}

func TestHostHarakiriClosesDone(t *testing.T) {
	h, _ := newTestHost(t, config.FileConfig{})
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	invoke(t, h, "harakiri", nil)
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("Done not closed after harakiri")
	}
}

func TestHostHandlerServesRPC(t *testing.T) {
	h, _ := newTestHost(t, config.FileConfig{Server: config.ServerConfig{BasePath: "/api"}})
	_ = h.AddPlugin(PluginSpec{Callsign: "Web"}, &countingPlugin{})
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/plugins/Web")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var recs []Record
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil || len(recs) != 1 || recs[0].Callsign != "Web" {
		t.Fatalf("records = %+v err=%v", recs, err)
	}
}

func TestHostRunsScheduledCalls(t *testing.T) {
	h, st := newTestHost(t, config.FileConfig{
		Schedules: []config.ScheduleConfig{{Name: "persist", Schedule: "@every 1s", Method: "storeconfig"}},
	})
	_ = h.AddPlugin(PluginSpec{Callsign: "Saved", Configuration: "mode=auto"}, &countingPlugin{})
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		configs, _ := st.LoadConfigurations(context.Background())
		if configs["Saved"] == "mode=auto" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("scheduled storeconfig never ran: %+v", h.Schedules())
		}
		time.Sleep(50 * time.Millisecond)
	}
	s := h.Schedules()
	if len(s) != 1 || s[0].Name != "persist" || s[0].Runs == 0 || s[0].Next.IsZero() {
		t.Fatalf("schedules = %+v", s)
	}
}

func TestHostRejectsBadSchedule(t *testing.T) {
	_, err := config.FromFile(config.FileConfig{
		Workers:   1,
		Schedules: []config.ScheduleConfig{{Name: "x", Schedule: "sometimes", Method: "storeconfig"}},
	}, "")
	if err == nil {
		t.Fatal("bad schedule accepted")
	}
}

func TestHostHandlerRequiresToken(t *testing.T) {
	hash, _ := auth.HashPassword("pw")
	h, _ := newTestHost(t, config.FileConfig{Server: config.ServerConfig{
		BasePath: "/api",
		Auth: config.AuthConfig{
			Enabled:   true,
			JWTSecret: "k",
			Users:     []config.UserConfig{{Username: "a", PasswordHash: hash, Roles: []string{"admin"}}},
		},
	}})
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/plugins")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status %d", resp.StatusCode)
	}
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/plugins", nil)
	req.SetBasicAuth("a", "pw")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("basic-auth status %d", resp.StatusCode)
	}
}

func allFrom(callsign, data string) func(Event) bool {
	return func(e Event) bool {
		p, ok := e.Payload.(events.AllPayload)
		return ok && e.Name == events.All && p.Callsign == callsign && p.Data == data
	}
}

func dialEvents(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestHostForwardsPluginMessages(t *testing.T) {
	h, _ := newTestHost(t, config.FileConfig{})
	if err := h.AddPlugin(PluginSpec{Callsign: "Player", AutoStart: true}, &emittingPlugin{}); err != nil {
		t.Fatalf("add: %v", err)
	}
	w := watch(t, h)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	w.waitFor(t, allFrom("Player", "ready"))

	invoke(t, h, "notify", map[string]any{"callsign": "Player", "data": map[string]int{"track": 3}})
	w.waitFor(t, allFrom("Player", `{"track":3}`))

	raw, _ := json.Marshal(map[string]string{"callsign": "Ghost", "data": "x"})
	if _, err := h.Invoke(context.Background(), "notify", raw); !errors.Is(err, ctlerr.ErrNotFound) {
		t.Fatalf("notify unknown callsign err = %v", err)
	}
}

func TestHostEnvironmentAndLinks(t *testing.T) {
	h, _ := newTestHost(t, config.FileConfig{Env: []string{"REGION=eu-west"}})

	res := invoke(t, h, "environment", "REGION")
	if got, ok := res.(dispatch.EnvironmentResult); !ok || got.Value != "eu-west" {
		t.Fatalf("environment = %#v", res)
	}
	raw, _ := json.Marshal("MISSING_" + t.Name())
	if _, err := h.Invoke(context.Background(), "environment", raw); !errors.Is(err, ctlerr.ErrNotFound) {
		t.Fatalf("missing variable err = %v", err)
	}

	if links, ok := invoke(t, h, "links", nil).([]events.Link); !ok || len(links) != 0 {
		t.Fatalf("links before any channel = %#v", links)
	}
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()
	conn := dialEvents(t, srv.URL+"/events?events=all")
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(5 * time.Second)
	for len(h.Links()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("websocket channel never listed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	l := h.Links()[0]
	if len(l.Events) != 1 || l.Events[0] != events.All || l.Remote == "" {
		t.Fatalf("link = %+v", l)
	}
}
