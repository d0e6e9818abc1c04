package proc

import (
	"bytes"
	"io"
	"sync"
)

// FakeHost is an in-memory Host for tests. Spawned FakeProcesses let tests
// script output and exit without real subprocesses.
type FakeHost struct {
	mu        sync.Mutex
	processes []*FakeProcess
	// SpawnErr, when set, is returned by Spawn instead of a process.
	SpawnErr error
	nextPID  int
}

// NewFakeHost creates an empty fake host.
func NewFakeHost() *FakeHost {
	return &FakeHost{nextPID: 1000}
}

// Spawn records the spec and returns a scriptable process.
func (h *FakeHost) Spawn(spec Spec) (Process, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.SpawnErr != nil {
		return nil, h.SpawnErr
	}
	h.nextPID++
	process := &FakeProcess{
		Spec:         spec,
		pid:          h.nextPID,
		stdoutReader: newBlockingBuffer(),
		stderrReader: newBlockingBuffer(),
		exited:       make(chan ExitEvent, 1),
	}
	h.processes = append(h.processes, process)
	return process, nil
}

// Spawned returns every process spawned so far.
func (h *FakeHost) Spawned() []*FakeProcess {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*FakeProcess, len(h.processes))
	copy(out, h.processes)
	return out
}

// FakeProcess is a scriptable Process.
type FakeProcess struct {
	Spec Spec

	mu      sync.Mutex
	pid     int
	stdin   bytes.Buffer
	signals []SignalMode
	done    bool

	stdoutReader *blockingBuffer
	stderrReader *blockingBuffer
	exited       chan ExitEvent
}

// PID returns the fake pid.
func (p *FakeProcess) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Stdout returns the scripted stdout stream.
func (p *FakeProcess) Stdout() io.Reader { return p.stdoutReader }

// Stderr returns the scripted stderr stream.
func (p *FakeProcess) Stderr() io.Reader { return p.stderrReader }

// Stdin returns a writer capturing injected input.
func (p *FakeProcess) Stdin() io.Writer { return &stdinWriter{process: p} }

// Signal records the delivered signal.
func (p *FakeProcess) Signal(mode SignalMode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, mode)
	return nil
}

// Exited yields the scripted exit event.
func (p *FakeProcess) Exited() <-chan ExitEvent { return p.exited }

// EmitStdout makes text readable on the process stdout.
func (p *FakeProcess) EmitStdout(text string) {
	p.stdoutReader.write([]byte(text))
}

// EmitStderr makes text readable on the process stderr.
func (p *FakeProcess) EmitStderr(text string) {
	p.stderrReader.write([]byte(text))
}

// Exit terminates the fake process with the given exit code (nil means
// killed by signal).
func (p *FakeProcess) Exit(code *int) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	p.mu.Unlock()

	p.stdoutReader.closeBuffer()
	p.stderrReader.closeBuffer()
	p.exited <- ExitEvent{Code: code}
	close(p.exited)
}

// StdinText returns everything written to the process stdin.
func (p *FakeProcess) StdinText() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin.String()
}

// Signals returns the signals delivered so far.
func (p *FakeProcess) Signals() []SignalMode {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]SignalMode, len(p.signals))
	copy(out, p.signals)
	return out
}

type stdinWriter struct {
	process *FakeProcess
}

func (w *stdinWriter) Write(data []byte) (int, error) {
	w.process.mu.Lock()
	defer w.process.mu.Unlock()
	return w.process.stdin.Write(data)
}

// blockingBuffer is a pipe-like reader: Read blocks until data is written
// or the buffer is closed, mirroring real process pipes.
type blockingBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newBlockingBuffer() *blockingBuffer {
	b := &blockingBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *blockingBuffer) write(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.buf.Write(data)
	b.cond.Broadcast()
}

func (b *blockingBuffer) closeBuffer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

func (b *blockingBuffer) Read(target []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.buf.Len() == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.buf.Len() == 0 && b.closed {
		return 0, io.EOF
	}
	return b.buf.Read(target)
}

var _ Host = (*FakeHost)(nil)
var _ Process = (*FakeProcess)(nil)
