package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/plugind/internal/ctlerr"
	"github.com/loykin/plugind/internal/events"
	"github.com/loykin/plugind/internal/metrics"
	"github.com/loykin/plugind/internal/store"
)

const persistTimeout = 5 * time.Second

var errClosed = errors.New("download coordinator is shut down")

// Options wires a Coordinator.
type Options struct {
	Engine Engine
	Store  store.Store      // optional; defaults to an in-memory store
	Events events.Publisher // must not block
	// Root resolves relative destinations. A relative root is taken from the working directory.
	Root string
	// Seed is offered by Resume when the store holds no entries.
	Seed   []store.ResumeEntry
	Logger *slog.Logger
}

// Info describes an outstanding transfer.
type Info struct {
	Key         uint64    `json:"key"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Hash        string    `json:"hash,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

type record struct {
	Info
	resolved string
	handle   Handle
	started  bool
}

// Coordinator tracks outstanding downloads, one per destination, and keeps the
// persisted Resume List in step with them.
//
// Lock Hierarchy:
// 1. persistMu (serializes store writes)
// 2. mu (records, resumes)
// Neither lock is held while calling the Engine.
type Coordinator struct {
	engine Engine
	store  store.Store
	pub    events.Publisher
	root   string
	seed   []store.ResumeEntry
	logger *slog.Logger
	next   atomic.Uint64

	persistMu sync.Mutex

	mu      sync.Mutex
	records map[string]*record // by resolved destination
	resumes []store.ResumeEntry
	closed  bool
}

func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Engine == nil {
		return nil, errors.New("download coordinator requires an engine")
	}
	root := opts.Root
	if root != "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("download store %s: %w", root, err)
		}
		root = abs
	}
	c := &Coordinator{
		engine:  opts.Engine,
		store:   opts.Store,
		pub:     opts.Events,
		root:    root,
		seed:    append([]store.ResumeEntry(nil), opts.Seed...),
		logger:  opts.Logger,
		records: make(map[string]*record),
	}
	if c.store == nil {
		c.store = store.NewMemory()
	}
	if c.pub == nil {
		c.pub = events.PublisherFunc(func(events.Event) {})
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.engine.OnComplete(func(result Result, source, destination string) {
		_ = c.OnTransferComplete(result, source, destination)
	})
	return c, nil
}

// StartDownload registers a transfer of source to destination and hands it to the engine.
func (c *Coordinator) StartDownload(source, destination, hash string) (Info, error) {
	return c.start(source, destination, hash, false)
}

// start registers and launches a transfer. With resuming set, a failure leaves
// the Resume List entry in place so the transfer is offered again on the next run.
func (c *Coordinator) start(source, destination, hash string, resuming bool) (Info, error) {
	const op = "download"
	source = strings.TrimSpace(source)
	destination = strings.TrimSpace(destination)
	if source == "" {
		return Info{}, ctlerr.Wrap(ctlerr.CodeInvalidArgument, op, destination, errors.New("source is required"))
	}
	if destination == "" {
		return Info{}, ctlerr.Wrap(ctlerr.CodeInvalidArgument, op, source, errors.New("destination is required"))
	}
	resolved, err := c.resolve(destination)
	if err != nil {
		return Info{}, ctlerr.Wrap(ctlerr.CodeInvalidArgument, op, destination, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Info{}, ctlerr.Wrap(ctlerr.CodeInternal, op, destination, errClosed)
	}
	if _, dup := c.records[resolved]; dup {
		c.mu.Unlock()
		return Info{}, ctlerr.New(ctlerr.CodeConflict, op, destination)
	}
	rec := &record{
		Info: Info{
			Key:         c.next.Add(1),
			Source:      source,
			Destination: destination,
			Hash:        hash,
			StartedAt:   time.Now().UTC(),
		},
		resolved: resolved,
	}
	c.records[resolved] = rec
	c.putResumeLocked(store.ResumeEntry{Destination: destination, Source: source, Hash: hash})
	active := len(c.records)
	c.mu.Unlock()

	if err := c.persist(); err != nil {
		c.rollback(rec, resuming)
		return Info{}, ctlerr.Wrap(ctlerr.CodeInternal, op, destination, fmt.Errorf("persist resume list: %w", err))
	}

	metrics.IncDownloadStarted()
	metrics.SetActiveDownloads(active)

	h, err := c.engine.Start(source, resolved, hash)
	if err != nil {
		c.rollback(rec, resuming)
		_ = c.persistLogged()
		return Info{}, ctlerr.Wrap(ctlerr.CodeInternal, op, destination, err)
	}

	c.mu.Lock()
	// the engine may already have completed the transfer
	if cur, ok := c.records[resolved]; ok && cur == rec {
		rec.handle = h
		rec.started = true
	}
	c.mu.Unlock()

	c.logger.Info("Download started", "key", rec.Key, "source", source, "destination", destination)
	return rec.Info, nil
}

// OnTransferComplete finalizes the transfer for destination, either as requested
// or as handed to the engine. A destination with no outstanding record yields
// NotFound and changes nothing.
func (c *Coordinator) OnTransferComplete(result Result, source, destination string) error {
	const op = "complete"
	resolved, err := c.resolve(destination)
	if err != nil {
		return ctlerr.Wrap(ctlerr.CodeInvalidArgument, op, destination, err)
	}

	c.mu.Lock()
	rec, ok := c.records[resolved]
	if !ok {
		// engines report the path they were given
		resolved = filepath.Clean(destination)
		rec, ok = c.records[resolved]
	}
	if !ok {
		c.mu.Unlock()
		return ctlerr.New(ctlerr.CodeNotFound, op, destination)
	}
	delete(c.records, resolved)
	c.dropResumeLocked(rec.Destination)
	active := len(c.records)
	c.mu.Unlock()

	_ = c.persistLogged()

	if result != ResultOK {
		if err := os.Remove(partialPath(resolved)); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("Failed to remove partial download", "destination", rec.Destination, "error", err)
		}
	}

	metrics.IncDownloadCompleted(result.String())
	metrics.SetActiveDownloads(active)
	if source != "" && source != rec.Source {
		c.logger.Debug("Completion source differs from request", "requested", rec.Source, "reported", source)
	}
	c.logger.Info("Download completed", "key", rec.Key, "destination", rec.Destination, "result", result.String())
	c.pub.Publish(events.New(events.DownloadCompleted, events.DownloadCompletedPayload{
		Result:      uint32(result),
		Source:      rec.Source,
		Destination: rec.Destination,
	}))
	return nil
}

// CancelAll stops every outstanding transfer. Entries the engine reports as
// resumable stay in the Resume List. Each transfer ends with a cancelled
// downloadcompleted event; later engine callbacks for it are ignored. No
// further downloads are accepted.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	c.closed = true
	pending := make([]*record, 0, len(c.records))
	for _, r := range c.records {
		pending = append(pending, r)
	}
	c.records = make(map[string]*record)
	c.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].Key < pending[j].Key })
	for _, r := range pending {
		resumable := r.started && c.engine.Cancel(r.handle)
		if !resumable {
			c.mu.Lock()
			c.dropResumeLocked(r.Destination)
			c.mu.Unlock()
			if err := os.Remove(partialPath(r.resolved)); err != nil && !errors.Is(err, os.ErrNotExist) {
				c.logger.Warn("Failed to remove partial download", "destination", r.Destination, "error", err)
			}
		}
		metrics.IncDownloadCompleted(ResultCancelled.String())
		c.logger.Info("Download cancelled", "key", r.Key, "destination", r.Destination, "resumable", resumable)
		c.pub.Publish(events.New(events.DownloadCompleted, events.DownloadCompletedPayload{
			Result:      uint32(ResultCancelled),
			Source:      r.Source,
			Destination: r.Destination,
		}))
	}
	metrics.SetActiveDownloads(0)
	_ = c.persistLogged()
}

// Resume re-offers persisted entries to the engine. When the store is empty the
// configured seed is used instead. Entries without a source are discarded; every
// other entry stays in the Resume List until its transfer completes, even when
// it could not be restarted now.
func (c *Coordinator) Resume(ctx context.Context) error {
	entries, err := c.store.LoadResumes(ctx)
	if err != nil {
		return fmt.Errorf("load resume list: %w", err)
	}
	if len(entries) == 0 {
		entries = c.seed
	}
	c.mu.Lock()
	for _, e := range entries {
		if strings.TrimSpace(e.Source) != "" {
			c.putResumeLocked(e)
		}
	}
	c.mu.Unlock()

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			_ = c.persistLogged()
			return err
		}
		if strings.TrimSpace(e.Source) == "" {
			c.logger.Warn("Dropping resume entry without source", "destination", e.Destination)
			continue
		}
		if _, err := c.start(e.Source, e.Destination, e.Hash, true); err != nil {
			c.logger.Warn("Failed to resume download", "destination", e.Destination, "error", err)
		}
	}
	return c.persist()
}

// List returns outstanding transfers ordered by key.
func (c *Coordinator) List() []Info {
	c.mu.Lock()
	out := make([]Info, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r.Info)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Resumes returns a copy of the Resume List.
func (c *Coordinator) Resumes() []store.ResumeEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]store.ResumeEntry{}, c.resumes...)
}

func (c *Coordinator) resolve(destination string) (string, error) {
	if filepath.IsAbs(destination) || c.root == "" {
		return filepath.Clean(destination), nil
	}
	p := filepath.Join(c.root, destination)
	rel, err := filepath.Rel(c.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("destination %q escapes the download store", destination)
	}
	return p, nil
}

func (c *Coordinator) rollback(rec *record, keepResume bool) {
	c.mu.Lock()
	if cur, ok := c.records[rec.resolved]; ok && cur == rec {
		delete(c.records, rec.resolved)
		if !keepResume {
			c.dropResumeLocked(rec.Destination)
		}
	}
	active := len(c.records)
	c.mu.Unlock()
	metrics.SetActiveDownloads(active)
}

func (c *Coordinator) putResumeLocked(e store.ResumeEntry) {
	for i := range c.resumes {
		if c.resumes[i].Destination == e.Destination {
			c.resumes[i] = e
			return
		}
	}
	c.resumes = append(c.resumes, e)
}

func (c *Coordinator) dropResumeLocked(destination string) {
	for i := range c.resumes {
		if c.resumes[i].Destination == destination {
			c.resumes = append(c.resumes[:i], c.resumes[i+1:]...)
			return
		}
	}
}

// persist writes the current Resume List. The snapshot is taken under persistMu
// so the last writer always stores the newest list.
func (c *Coordinator) persist() error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	c.mu.Lock()
	snapshot := append([]store.ResumeEntry{}, c.resumes...)
	c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	return c.store.SaveResumes(ctx, snapshot)
}

func (c *Coordinator) persistLogged() error {
	err := c.persist()
	if err != nil {
		c.logger.Error("Failed to persist resume list", "error", err)
	}
	return err
}
