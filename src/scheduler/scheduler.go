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

// Package scheduler admits tasks under a concurrency ceiling and owns their
// workers from launch to removal.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"verifyrunner/src/logging"
	"verifyrunner/src/model"
	"verifyrunner/src/processor"
	"verifyrunner/src/store"
)

const (
	MinConcurrent        = 1
	MaxConcurrentLimit   = 20
	DefaultMaxConcurrent = 3

	defaultSweepTimeout = 30 * time.Second
)

var (
	// ErrAdmissionRejected means the running count was at the ceiling. No
	// task was created.
	ErrAdmissionRejected = errors.New("admission rejected: concurrency limit reached")
	ErrTaskNotFound      = errors.New("task not found")
)

// Sweeper is the best-effort safety net for processes and containers that
// escaped handle-based termination. Implementations log their own errors.
type Sweeper interface {
	SweepAll(ctx context.Context)
	SweepTask(ctx context.Context, name string)
}

type Config struct {
	MaxConcurrent int
	MaxLogLines   int
	// SweepTimeout bounds one sweep.
	SweepTimeout time.Duration
	Stats        *logging.RunnerStats
	Recorder     store.Recorder
}

// ClampConcurrent limits n to MinConcurrent..MaxConcurrentLimit.
func ClampConcurrent(n int) int {
	switch {
	case n < MinConcurrent:
		return MinConcurrent
	case n > MaxConcurrentLimit:
		return MaxConcurrentLimit
	}
	return n
}

type entry struct {
	task   *model.Task
	cancel context.CancelFunc
	done   chan struct{}
}

// stop flags the task, cancels its token and signals the process tree right
// away instead of waiting for the worker to notice.
func (e *entry) stop() {
	e.task.RequestStop()
	e.cancel()
	if h := e.task.Handle(); h != nil {
		if err := h.Terminate(); err != nil {
			logging.Log(fmt.Sprintf("Terminate task %d: %v", e.task.ID, err), slog.LevelWarn)
		}
	}
}

type Scheduler struct {
	cfg     Config
	spawner processor.Spawner
	sweeper Sweeper

	mu            sync.Mutex
	tasks         []*entry
	nextID        int
	maxConcurrent int

	sweeps sync.WaitGroup
}

// New returns a scheduler. sweeper may be nil.
func New(cfg Config, spawner processor.Spawner, sweeper Sweeper) *Scheduler {
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = defaultSweepTimeout
	}
	if cfg.Recorder == nil {
		cfg.Recorder = store.Nop{}
	}
	return &Scheduler{
		cfg:           cfg,
		spawner:       spawner,
		sweeper:       sweeper,
		maxConcurrent: ClampConcurrent(cfg.MaxConcurrent),
	}
}

// StartTask admits and launches one task, or returns ErrAdmissionRejected.
// It never blocks on the task itself.
func (s *Scheduler) StartTask(name, command string) (*model.Task, error) {
	ctx, span := logging.StartSpan(context.Background(), "scheduler.start_task",
		attribute.String("task.name", name))
	defer span.End()

	s.mu.Lock()
	running := 0
	for _, e := range s.tasks {
		if e.task.Running() {
			running++
		}
	}
	if running >= s.maxConcurrent {
		limit := s.maxConcurrent
		s.mu.Unlock()
		s.cfg.Stats.AdmissionRejected(ctx)
		logging.Log(fmt.Sprintf("Rejected task %q: %d of %d slots in use", name, running, limit), slog.LevelWarn)
		return nil, ErrAdmissionRejected
	}

	s.nextID++
	task := model.NewTask(s.nextID, name, command, s.cfg.MaxLogLines)
	taskCtx, cancel := context.WithCancel(context.Background())
	e := &entry{task: task, cancel: cancel, done: make(chan struct{})}
	s.tasks = append(s.tasks, e)
	s.mu.Unlock()

	span.SetAttributes(attribute.Int("task.id", task.ID))
	s.cfg.Stats.TaskStarted(ctx)
	if err := s.cfg.Recorder.TaskStarted(ctx, store.RunRecord{
		TaskID:    task.ID,
		Name:      task.Name,
		Command:   task.Command,
		Status:    store.StatusRunning,
		StartedAt: task.CreatedAt,
	}); err != nil {
		logging.Log(fmt.Sprintf("Error recording start of task %d: %v", task.ID, err), slog.LevelError)
		s.cfg.Stats.DatabaseFailure(ctx)
	}
	logging.Log(fmt.Sprintf("Started task %d: %s", task.ID, name), slog.LevelInfo)

	go func() {
		defer close(e.done)
		defer cancel()
		processor.ProcessTask(taskCtx, task, s.spawner, processor.Options{
			Stats:    s.cfg.Stats,
			Recorder: s.cfg.Recorder,
		})
	}()
	return task, nil
}

// SetMaxConcurrent changes the ceiling for future admissions only and
// returns the clamped value.
func (s *Scheduler) SetMaxConcurrent(n int) int {
	n = ClampConcurrent(n)
	s.mu.Lock()
	s.maxConcurrent = n
	s.mu.Unlock()
	return n
}

func (s *Scheduler) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxConcurrent
}

func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.tasks {
		if e.task.Running() {
			n++
		}
	}
	return n
}

// StopAll stops every running task and starts a background sweep. It does
// not wait for workers to finish.
func (s *Scheduler) StopAll() int {
	running := s.runningEntries()
	for _, e := range running {
		e.stop()
	}
	logging.Log(fmt.Sprintf("Stop requested for %d running tasks", len(running)), slog.LevelInfo)

	s.sweep(func(ctx context.Context) { s.sweeper.SweepAll(ctx) })
	return len(running)
}

// RemoveTask stops the task if needed, waits for its worker to exit and
// then forgets it.
func (s *Scheduler) RemoveTask(id int) error {
	e := s.find(id)
	if e == nil {
		return ErrTaskNotFound
	}

	if e.task.Running() {
		e.stop()
		name := e.task.Name
		s.sweep(func(ctx context.Context) { s.sweeper.SweepTask(ctx, name) })
	}
	// Join outside s.mu; the worker never touches the scheduler.
	<-e.done

	s.mu.Lock()
	for i, cur := range s.tasks {
		if cur == e {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	logging.Log(fmt.Sprintf("Removed task %d", id), slog.LevelInfo)
	return nil
}

// Task returns the live task with the given id.
func (s *Scheduler) Task(id int) (*model.Task, error) {
	e := s.find(id)
	if e == nil {
		return nil, ErrTaskNotFound
	}
	return e.task, nil
}

// Tasks returns a snapshot of every task in creation order.
func (s *Scheduler) Tasks() []model.Summary {
	s.mu.Lock()
	tasks := make([]*model.Task, len(s.tasks))
	for i, e := range s.tasks {
		tasks[i] = e.task
	}
	s.mu.Unlock()

	out := make([]model.Summary, len(tasks))
	for i, t := range tasks {
		out[i] = t.Snapshot()
	}
	return out
}

func (s *Scheduler) TaskLog(id int) ([]string, error) {
	t, err := s.Task(id)
	if err != nil {
		return nil, err
	}
	return t.Log(), nil
}

// Shutdown stops everything and waits for workers and sweeps until ctx is
// done.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.StopAll()

	s.mu.Lock()
	entries := append([]*entry(nil), s.tasks...)
	s.mu.Unlock()

	for _, e := range entries {
		select {
		case <-e.done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for task %d: %w", e.task.ID, ctx.Err())
		}
	}

	swept := make(chan struct{})
	go func() {
		s.sweeps.Wait()
		close(swept)
	}()
	select {
	case <-swept:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sweeps: %w", ctx.Err())
	}
}

func (s *Scheduler) find(id int) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.tasks {
		if e.task.ID == id {
			return e
		}
	}
	return nil
}

func (s *Scheduler) runningEntries() []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entry
	for _, e := range s.tasks {
		if e.task.Running() {
			out = append(out, e)
		}
	}
	return out
}

// sweep runs fn in the background, bounded by SweepTimeout. Panics are
// logged and dropped.
func (s *Scheduler) sweep(fn func(ctx context.Context)) {
	if s.sweeper == nil {
		return
	}
	s.sweeps.Add(1)
	go func() {
		defer s.sweeps.Done()
		defer func() {
			if r := recover(); r != nil {
				logging.Log(fmt.Sprintf("Sweep panicked: %v", r), slog.LevelError)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SweepTimeout)
		defer cancel()
		fn(ctx)
	}()
}
