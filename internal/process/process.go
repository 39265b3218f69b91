package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ErrRunning is returned by Start when the process is already up.
var ErrRunning = errors.New("process already running")

// Status is a point-in-time view of a Process.
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	ExitErr   error     `json:"-"`
	Starts    int       `json:"starts"`
}

// Process runs one Spec at a time. A single goroutine per run owns cmd.Wait.
type Process struct {
	spec Spec

	mu       sync.Mutex
	cmd      *exec.Cmd
	status   Status
	stopping bool
	exited   chan struct{} // closed when the current run has been reaped
	outW     io.WriteCloser
	errW     io.WriteCloser
}

func New(spec Spec) *Process {
	return &Process{spec: spec, status: Status{Name: spec.Name}}
}

// Spec returns the spec the process was built with.
func (p *Process) Spec() Spec { return p.spec }

// Start launches the command with env as its full environment. When the spec
// sets StartDuration, Start only succeeds once the process stayed up that long.
func (p *Process) Start(env []string) error {
	p.mu.Lock()
	if p.status.Running {
		p.mu.Unlock()
		return ErrRunning
	}
	cmd := p.spec.BuildCommand()
	if p.spec.WorkDir != "" {
		cmd.Dir = p.spec.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	configureSysProcAttr(cmd)
	if err := p.attachOutputLocked(cmd); err != nil {
		p.mu.Unlock()
		return err
	}
	if err := cmd.Start(); err != nil {
		p.closeWritersLocked()
		p.mu.Unlock()
		return fmt.Errorf("start %s: %w", p.spec.Name, err)
	}
	exited := make(chan struct{})
	p.cmd = cmd
	p.exited = exited
	p.stopping = false
	p.status.Running = true
	p.status.PID = cmd.Process.Pid
	p.status.StartedAt = time.Now()
	p.status.StoppedAt = time.Time{}
	p.status.ExitErr = nil
	p.status.Starts++
	p.mu.Unlock()

	go p.wait(cmd, exited)

	if d := p.spec.StartDuration; d > 0 {
		select {
		case <-exited:
			return fmt.Errorf("process exited before start duration %s", d)
		case <-time.After(d):
		}
	}
	return nil
}

func (p *Process) attachOutputLocked(cmd *exec.Cmd) error {
	f := p.spec.Log.File
	if f.Dir != "" {
		if err := os.MkdirAll(f.Dir, 0o750); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
	}
	outW, errW, err := p.spec.Log.ProcessWriters(p.spec.Name)
	if err != nil {
		return err
	}
	p.outW, p.errW = outW, errW
	// nil leaves the stream on the null device
	if outW != nil {
		cmd.Stdout = outW
	}
	if errW != nil {
		cmd.Stderr = errW
	}
	return nil
}

func (p *Process) wait(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	p.mu.Lock()
	if p.cmd == cmd {
		p.status.Running = false
		p.status.StoppedAt = time.Now()
		p.status.ExitErr = err
		p.closeWritersLocked()
	}
	p.mu.Unlock()
	close(exited)
}

func (p *Process) closeWritersLocked() {
	if p.outW != nil {
		_ = p.outW.Close()
		p.outW = nil
	}
	if p.errW != nil {
		_ = p.errW.Close()
		p.errW = nil
	}
}

// Exited returns a channel closed when the current run ends. It is nil before the first Start.
func (p *Process) Exited() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// StopRequested reports whether the current run is being stopped on purpose.
func (p *Process) StopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

// Stop terminates the process group and escalates to a kill after wait.
func (p *Process) Stop(wait time.Duration) error {
	p.mu.Lock()
	if !p.status.Running || p.cmd == nil {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	pid := p.cmd.Process.Pid
	proc := p.cmd.Process
	exited := p.exited
	p.mu.Unlock()

	_ = terminate(proc, pid)
	select {
	case <-exited:
		return nil
	case <-time.After(wait):
	}
	_ = kill(proc, pid)
	select {
	case <-exited:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("process %s (pid %d) did not exit after kill", p.spec.Name, pid)
	}
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
