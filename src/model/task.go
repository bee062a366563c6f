// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package model

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type TaskStatus string

const (
	TaskRunning TaskStatus = "running"
	TaskStopped TaskStatus = "stopped"
)

// Outcome says how a task reached TaskStopped.
type Outcome string

const (
	OutcomeNone        Outcome = ""
	OutcomeSuccess     Outcome = "success"
	OutcomeFailed      Outcome = "failed"
	OutcomeSpawnFailed Outcome = "spawn_failed"
	OutcomeStopped     Outcome = "stopped"
	OutcomeCrashed     Outcome = "crashed"
)

// DefaultMaxLogLines is the number of log lines a task retains.
const DefaultMaxLogLines = 1000

// ProcessHandle is the slice of a running process a task needs for
// termination. runner.Handle satisfies it.
type ProcessHandle interface {
	Pid() int
	Terminate() error
	Kill() error
}

// Task is one launched verification job. ID, Name, Command and CreatedAt are
// immutable; everything else is guarded by mu or atomic. running mirrors
// status so admission can count tasks without taking mu.
type Task struct {
	ID        int
	Name      string
	Command   string
	CreatedAt time.Time

	shouldStop       atomic.Bool
	containerCreated atomic.Bool
	running          atomic.Bool

	mu       sync.Mutex
	log      *ring
	status   TaskStatus
	outcome  Outcome
	exitCode int
	finished *time.Time
	handle   ProcessHandle
}

// Summary is a copy of a task's state, safe to hand to other goroutines.
type Summary struct {
	ID               int        `json:"id"`
	Name             string     `json:"name"`
	Command          string     `json:"command"`
	Status           TaskStatus `json:"status"`
	Running          bool       `json:"running"`
	ContainerCreated bool       `json:"container_created"`
	StopRequested    bool       `json:"stop_requested"`
	Outcome          Outcome    `json:"outcome,omitempty"`
	ExitCode         int        `json:"exit_code"`
	Pid              int        `json:"pid,omitempty"`
	LogLines         int        `json:"log_lines"`
	CreatedAt        time.Time  `json:"created_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

func NewTask(id int, name, command string, maxLines int) *Task {
	if maxLines <= 0 {
		maxLines = DefaultMaxLogLines
	}
	t := &Task{
		ID:        id,
		Name:      name,
		Command:   command,
		CreatedAt: time.Now(),
		log:       newRing(maxLines),
		status:    TaskRunning,
	}
	t.running.Store(true)
	t.log.push("[INFO] Task started: " + name)
	t.log.push("[INFO] Command: " + command)
	return t
}

// AppendLine adds one line of output. Only the task's worker calls it.
func (t *Task) AppendLine(line string) {
	t.mu.Lock()
	t.log.push(line)
	t.mu.Unlock()

	if !t.containerCreated.Load() && looksLikeContainerStart(line) {
		t.containerCreated.Store(true)
	}
}

// Finish appends the terminal status line and moves the task to
// TaskStopped. It returns false, and changes nothing, if the task has
// already finished.
func (t *Task) Finish(outcome Outcome, exitCode int, line string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == TaskStopped {
		return false
	}
	now := time.Now()
	t.log.push(line)
	t.status = TaskStopped
	t.running.Store(false)
	t.outcome = outcome
	t.exitCode = exitCode
	t.finished = &now
	t.handle = nil
	return true
}

func (t *Task) SetHandle(h ProcessHandle) {
	t.mu.Lock()
	t.handle = h
	t.mu.Unlock()
}

func (t *Task) ClearHandle() {
	t.mu.Lock()
	t.handle = nil
	t.mu.Unlock()
}

// Handle returns the live process handle, or nil once the worker has seen
// the process exit.
func (t *Task) Handle() ProcessHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handle
}

// RequestStop sets the stop flag. It reports whether this call set it.
func (t *Task) RequestStop() bool {
	return t.shouldStop.CompareAndSwap(false, true)
}

func (t *Task) StopRequested() bool {
	return t.shouldStop.Load()
}

// ContainerCreated is a best-effort hint derived from log text that the
// external script has started its container. It is not a readiness signal.
func (t *Task) ContainerCreated() bool {
	return t.containerCreated.Load()
}

// Running never blocks on the task mutex.
func (t *Task) Running() bool {
	return t.running.Load()
}

func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Log returns a copy of the retained log lines, oldest first.
func (t *Task) Log() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.log.lines()
}

// LastLine returns the newest log line.
func (t *Task) LastLine() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.log.last()
}

func (t *Task) Snapshot() Summary {
	t.mu.Lock()
	s := Summary{
		ID:         t.ID,
		Name:       t.Name,
		Command:    t.Command,
		Status:     t.status,
		Running:    t.status == TaskRunning,
		Outcome:    t.outcome,
		ExitCode:   t.exitCode,
		LogLines:   t.log.len(),
		CreatedAt:  t.CreatedAt,
		FinishedAt: t.finished,
	}
	if t.handle != nil {
		s.Pid = t.handle.Pid()
	}
	t.mu.Unlock()

	s.ContainerCreated = t.containerCreated.Load()
	s.StopRequested = t.shouldStop.Load()
	return s
}

// looksLikeContainerStart matches the messages autobuild.sh and the docker
// CLI print once a container is up. Any change to their wording breaks it.
func looksLikeContainerStart(line string) bool {
	switch {
	case strings.Contains(line, "Starting container:"):
		return true
	case strings.Contains(line, "Container") && strings.Contains(line, "started"):
		return true
	case strings.Contains(line, "docker run") && strings.Contains(line, "--name"):
		return true
	}
	return false
}
