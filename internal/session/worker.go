package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Ark0N/Claudeman-sub001/internal/events"
	"github.com/Ark0N/Claudeman-sub001/internal/proc"
)

// Status is the lifecycle state of one worker session.
type Status string

const (
	// StatusIdle indicates a live session with no task assigned.
	StatusIdle Status = "idle"
	// StatusBusy indicates a live session working on an assigned task.
	StatusBusy Status = "busy"
	// StatusStopped indicates the session process has exited or was stopped.
	StatusStopped Status = "stopped"
	// StatusError indicates the session failed to spawn or exited abnormally.
	StatusError Status = "error"
)

const (
	// maxBufferBytes bounds the retained stdout/stderr text per session.
	maxBufferBytes = 64 * 1024
	// readChunkBytes is the per-read buffer for stream pumping.
	readChunkBytes = 4 * 1024
)

// tokenUsagePattern matches agent status lines reporting context usage,
// e.g. "31k/200k tokens" or "14.2k / 200k tokens".
var tokenUsagePattern = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)k?\s*/\s*(\d+(?:\.\d+)?)k?\s+tokens\b`)

// TokenUsage is the last observed context usage for a session.
type TokenUsage struct {
	Used  int
	Limit int
}

// Percent returns used/limit as a 0-100 percentage, 0 when unknown.
func (u TokenUsage) Percent() int {
	if u.Limit <= 0 {
		return 0
	}
	return int(float64(u.Used) / float64(u.Limit) * 100)
}

// Worker owns one agent subprocess and its observed state. All state
// mutations are serialized by the worker's own mutex; I/O pumping runs on
// goroutines owned by the worker and never blocks other sessions.
type Worker struct {
	id         string
	workingDir string
	createdAt  time.Time

	mu           sync.Mutex
	status       Status
	pid          int
	taskID       string
	lastActivity time.Time
	outputBuf    []byte
	outputSeen   int64
	taskMark     int64
	errorBuf     []byte
	tokenUsage   TokenUsage
	process      proc.Process

	bus      events.Bus
	onChange func(*Worker)
	now      func() time.Time

	done chan struct{}
}

func newWorker(id, workingDir string, process proc.Process, bus events.Bus, onChange func(*Worker), now func() time.Time) *Worker {
	worker := &Worker{
		id:           id,
		workingDir:   workingDir,
		createdAt:    now().UTC(),
		status:       StatusIdle,
		pid:          process.PID(),
		lastActivity: now().UTC(),
		process:      process,
		bus:          bus,
		onChange:     onChange,
		now:          now,
		done:         make(chan struct{}),
	}

	go worker.pumpStream(process.Stdout(), false)
	go worker.pumpStream(process.Stderr(), true)
	go worker.watchExit()
	return worker
}

// newFailedWorker records a session whose process never spawned. It is
// terminal on arrival: error status, no pid, done already closed.
func newFailedWorker(id, workingDir string, bus events.Bus, onChange func(*Worker), now func() time.Time, cause error) *Worker {
	worker := &Worker{
		id:           id,
		workingDir:   workingDir,
		createdAt:    now().UTC(),
		status:       StatusError,
		lastActivity: now().UTC(),
		bus:          bus,
		onChange:     onChange,
		now:          now,
		done:         make(chan struct{}),
	}
	if cause != nil {
		worker.errorBuf = []byte(cause.Error())
	}
	close(worker.done)
	return worker
}

// ID returns the stable session id.
func (w *Worker) ID() string { return w.id }

// WorkingDir returns the immutable working directory.
func (w *Worker) WorkingDir() string { return w.workingDir }

// CreatedAt returns the creation timestamp.
func (w *Worker) CreatedAt() time.Time { return w.createdAt }

// Status returns the current lifecycle status.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// PID returns the process id, 0 when the process is not alive.
func (w *Worker) PID() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pid
}

// TaskID returns the currently assigned task id, empty when idle.
func (w *Worker) TaskID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.taskID
}

// LastActivity returns the timestamp of the most recent output.
func (w *Worker) LastActivity() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActivity
}

// OutputTail returns the retained stdout text.
func (w *Worker) OutputTail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.outputBuf)
}

// TaskOutput returns the stdout produced since the current task was
// assigned. Output that predates the assignment is excluded so a stale
// completion indicator from an earlier task cannot complete the next one.
func (w *Worker) TaskOutput() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	fresh := w.outputSeen - w.taskMark
	if fresh <= 0 {
		return ""
	}
	start := len(w.outputBuf) - int(fresh)
	if start < 0 {
		start = 0
	}
	return string(w.outputBuf[start:])
}

// ErrorTail returns the retained stderr text.
func (w *Worker) ErrorTail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.errorBuf)
}

// TokenUsage returns the last observed context usage.
func (w *Worker) TokenUsage() TokenUsage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tokenUsage
}

// AssignTask transitions the worker from idle to busy with a task id.
func (w *Worker) AssignTask(taskID string) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return errors.New("task id is required")
	}

	w.mu.Lock()
	if w.status != StatusIdle {
		status := w.status
		w.mu.Unlock()
		return fmt.Errorf("assign task to %s session %s", status, w.id)
	}
	w.status = StatusBusy
	w.taskID = taskID
	w.taskMark = w.outputSeen
	w.mu.Unlock()

	w.notifyChange()
	w.publishStatus(StatusBusy, taskID)
	return nil
}

// ClearTask transitions the worker from busy back to idle.
func (w *Worker) ClearTask() {
	w.mu.Lock()
	if w.status != StatusBusy {
		w.mu.Unlock()
		return
	}
	w.status = StatusIdle
	w.taskID = ""
	w.mu.Unlock()

	w.notifyChange()
	w.publishStatus(StatusIdle, "")
}

// SendInput writes one line of input to the agent's stdin.
func (w *Worker) SendInput(text string) error {
	w.mu.Lock()
	process := w.process
	status := w.status
	w.mu.Unlock()

	if process == nil || (status != StatusIdle && status != StatusBusy) {
		return fmt.Errorf("send input to %s session %s", status, w.id)
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if _, err := io.WriteString(process.Stdin(), text); err != nil {
		return fmt.Errorf("write input to session %s: %w", w.id, err)
	}
	return nil
}

// Done is closed once the underlying process has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) signal(mode proc.SignalMode) error {
	w.mu.Lock()
	process := w.process
	w.mu.Unlock()

	if process == nil {
		return nil
	}
	return process.Signal(mode)
}

// markStopped finalizes the worker state after exit confirmation or an
// escalated termination. Idempotent.
func (w *Worker) markStopped(abnormal bool) {
	w.mu.Lock()
	if w.status == StatusStopped || w.status == StatusError {
		w.mu.Unlock()
		return
	}
	next := StatusStopped
	if abnormal {
		next = StatusError
	}
	w.status = next
	w.pid = 0
	w.taskID = ""
	w.mu.Unlock()

	w.notifyChange()
	w.publishStatus(next, "")
}

func (w *Worker) pumpStream(stream io.Reader, isStderr bool) {
	reader := bufio.NewReaderSize(stream, readChunkBytes)
	chunk := make([]byte, readChunkBytes)
	for {
		n, err := reader.Read(chunk)
		if n > 0 {
			w.recordOutput(string(chunk[:n]), isStderr)
		}
		if err != nil {
			return
		}
	}
}

func (w *Worker) recordOutput(text string, isStderr bool) {
	w.mu.Lock()
	w.lastActivity = w.now().UTC()
	if isStderr {
		w.errorBuf = appendBounded(w.errorBuf, text)
	} else {
		w.outputBuf = appendBounded(w.outputBuf, text)
		w.outputSeen += int64(len(text))
		if usage, ok := parseTokenUsage(text); ok {
			w.tokenUsage = usage
		}
	}
	w.mu.Unlock()

	w.notifyChange()

	eventType := events.EventTypeSessionOutput
	if isStderr {
		eventType = events.EventTypeSessionError
	}
	w.bus.Publish(events.Event{
		Type:      eventType,
		SessionID: w.id,
		Payload:   text,
		Severity:  events.SeverityInfo,
	})
}

func (w *Worker) watchExit() {
	event := <-w.process.Exited()

	abnormal := event.Code != nil && *event.Code != 0
	w.markStopped(abnormal)
	close(w.done)

	severity := events.SeverityInfo
	if abnormal {
		severity = events.SeverityWarn
	}
	w.bus.Publish(events.Event{
		Type:      events.EventTypeSessionExit,
		SessionID: w.id,
		Payload:   event,
		Severity:  severity,
	})
}

func (w *Worker) notifyChange() {
	if w.onChange != nil {
		w.onChange(w)
	}
}

func (w *Worker) publishStatus(status Status, taskID string) {
	w.bus.Publish(events.Event{
		Type:      events.EventTypeSessionStatus,
		SessionID: w.id,
		TaskID:    taskID,
		Payload:   string(status),
		Severity:  events.SeverityInfo,
	})
}

func appendBounded(buf []byte, text string) []byte {
	buf = append(buf, text...)
	if len(buf) > maxBufferBytes {
		buf = buf[len(buf)-maxBufferBytes:]
	}
	return buf
}

func parseTokenUsage(text string) (TokenUsage, bool) {
	match := tokenUsagePattern.FindStringSubmatch(text)
	if len(match) != 3 {
		return TokenUsage{}, false
	}
	used, err := parseTokenCount(match[1], strings.Contains(strings.ToLower(match[0]), "k"))
	if err != nil {
		return TokenUsage{}, false
	}
	limit, err := parseTokenCount(match[2], strings.Contains(strings.ToLower(match[0]), "k"))
	if err != nil || limit <= 0 {
		return TokenUsage{}, false
	}
	return TokenUsage{Used: used, Limit: limit}, true
}

func parseTokenCount(value string, kiloSuffix bool) (int, error) {
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, err
	}
	if kiloSuffix {
		parsed *= 1000
	}
	return int(parsed), nil
}
