// Package proc is the process host boundary: it spawns the agent binary
// with piped stdio and exposes signal delivery and asynchronous exit
// observation. Nothing above this package touches os/exec directly.
package proc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// SignalMode selects how a process is asked to stop.
type SignalMode string

const (
	// SignalGraceful requests a cooperative shutdown (SIGTERM).
	SignalGraceful SignalMode = "graceful"
	// SignalForced terminates the process immediately (SIGKILL).
	SignalForced SignalMode = "forced"
)

// SpawnError indicates the agent binary could not be started: missing
// binary, permission denied, bad working directory. It is surfaced
// immediately and never retried.
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Code returns the stable API error code for spawn failures.
func (e *SpawnError) Code() string {
	return "spawn_failed"
}

// ExitEvent reports process termination. Code is nil when the process was
// killed by a signal and no exit code is available.
type ExitEvent struct {
	Code *int
}

// Spec describes one process to spawn.
type Spec struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string
}

// Process is one spawned subprocess with piped stdio.
type Process interface {
	PID() int
	Stdout() io.Reader
	Stderr() io.Reader
	Stdin() io.Writer
	Signal(mode SignalMode) error
	// Exited yields exactly one ExitEvent when the process terminates.
	Exited() <-chan ExitEvent
}

// Host spawns processes.
type Host interface {
	Spawn(spec Spec) (Process, error)
}

// ExecHost is the os/exec-backed Host.
type ExecHost struct{}

// NewExecHost returns the default process host.
func NewExecHost() ExecHost {
	return ExecHost{}
}

// Spawn starts the binary with piped stdin/stdout/stderr and begins
// waiting for exit in the background.
func (ExecHost) Spawn(spec Spec) (Process, error) {
	binary := strings.TrimSpace(spec.Binary)
	if binary == "" {
		return nil, &SpawnError{Binary: binary, Err: errors.New("binary is required")}
	}

	cmd := exec.Command(binary, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Binary: binary, Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Binary: binary, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Binary: binary, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Binary: binary, Err: err}
	}

	process := &execProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		exited: make(chan ExitEvent, 1),
	}
	go process.wait()
	return process, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
	exited chan ExitEvent
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }
func (p *execProcess) Stdin() io.Writer  { return p.stdin }

func (p *execProcess) Signal(mode SignalMode) error {
	if p.cmd.Process == nil {
		return errors.New("process not started")
	}
	switch mode {
	case SignalForced:
		return p.cmd.Process.Kill()
	case SignalGraceful:
		return p.cmd.Process.Signal(syscall.SIGTERM)
	default:
		return fmt.Errorf("unknown signal mode %q", mode)
	}
}

func (p *execProcess) Exited() <-chan ExitEvent {
	return p.exited
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()

	var code *int
	if err == nil {
		zero := 0
		code = &zero
	} else {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			value := exitErr.ExitCode()
			code = &value
		}
	}

	p.exited <- ExitEvent{Code: code}
	close(p.exited)
}

var _ Host = ExecHost{}
