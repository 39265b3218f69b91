// Package cron runs control-plane methods on cron schedules.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/plugind/internal/metrics"
)

// Schedules accept an optional seconds field and descriptors such as "@every 5m" or "@daily".
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Invoker runs a named control-plane operation.
type Invoker interface {
	Invoke(ctx context.Context, method string, params json.RawMessage) (any, error)
}

// Job invokes Method with Params each time Schedule fires. A tick is skipped
// while the previous call of the same job is still running.
type Job struct {
	Name     string
	Schedule string
	Timezone string // IANA name; empty means local time
	Method   string
	Params   json.RawMessage

	entry   cron.EntryID
	running atomic.Bool
	runs    atomic.Uint64
	skips   atomic.Uint64
	lastErr atomic.Pointer[string]
}

// Status is a point-in-time view of a scheduled job.
type Status struct {
	Name      string    `json:"name"`
	Method    string    `json:"method"`
	Schedule  string    `json:"schedule"`
	Next      time.Time `json:"next"`
	Prev      time.Time `json:"prev,omitzero"`
	Runs      uint64    `json:"runs"`
	Skips     uint64    `json:"skips"`
	LastError string    `json:"last_error,omitempty"`
}

func expr(schedule, tz string) string {
	if tz == "" {
		return schedule
	}
	return "CRON_TZ=" + tz + " " + schedule
}

// Validate parses schedule in tz without scheduling anything.
func Validate(schedule, tz string) error {
	if schedule == "" {
		return errors.New("schedule is required")
	}
	if _, err := parser.Parse(expr(schedule, tz)); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return nil
}

// Scheduler owns a cron runner whose jobs call into an Invoker.
type Scheduler struct {
	inv    Invoker
	logger *slog.Logger
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]*Job
	started bool
}

func NewScheduler(inv Invoker, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		inv:    inv,
		logger: logger,
		c:      cron.New(cron.WithParser(parser)),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*Job),
	}
}

// Add registers j. Names are unique within a scheduler.
func (s *Scheduler) Add(j *Job) error {
	if j.Name == "" || j.Method == "" {
		return errors.New("cron job requires a name and a method")
	}
	if err := Validate(j.Schedule, j.Timezone); err != nil {
		return fmt.Errorf("job %s: %w", j.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[j.Name]; dup {
		return fmt.Errorf("job %s already scheduled", j.Name)
	}
	id, err := s.c.AddFunc(expr(j.Schedule, j.Timezone), func() { s.run(j) })
	if err != nil {
		return fmt.Errorf("job %s: %w", j.Name, err)
	}
	j.entry = id
	s.jobs[j.Name] = j
	return nil
}

// Start launches the runner. Calling it twice is an error.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true
	s.c.Start()
	s.logger.Info("Scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop halts new ticks, cancels running calls and waits for them until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.c.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Jobs reports every registered job, ordered by name.
func (s *Scheduler) Jobs() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.jobs))
	for _, j := range s.jobs {
		e := s.c.Entry(j.entry)
		st := Status{
			Name:     j.Name,
			Method:   j.Method,
			Schedule: j.Schedule,
			Next:     e.Next,
			Prev:     e.Prev,
			Runs:     j.runs.Load(),
			Skips:    j.skips.Load(),
		}
		if p := j.lastErr.Load(); p != nil {
			st.LastError = *p
		}
		out = append(out, st)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (s *Scheduler) run(j *Job) {
	if !j.running.CompareAndSwap(false, true) {
		j.skips.Add(1)
		metrics.IncScheduledRun(j.Name, "skipped")
		s.logger.Debug("Scheduled call skipped, previous still running", "job", j.Name)
		return
	}
	defer j.running.Store(false)
	j.runs.Add(1)
	if _, err := s.inv.Invoke(s.ctx, j.Method, j.Params); err != nil {
		msg := err.Error()
		j.lastErr.Store(&msg)
		metrics.IncScheduledRun(j.Name, "error")
		s.logger.Warn("Scheduled call failed", "job", j.Name, "method", j.Method, "error", err)
		return
	}
	j.lastErr.Store(nil)
	metrics.IncScheduledRun(j.Name, "ok")
	s.logger.Debug("Scheduled call completed", "job", j.Name, "method", j.Method)
}
