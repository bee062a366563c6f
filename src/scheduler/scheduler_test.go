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

package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"

	"verifyrunner/src/model"
	"verifyrunner/src/runner"
)

type fakeHandle struct {
	pid        int
	terminated atomic.Bool
}

func (h *fakeHandle) Pid() int    { return h.pid }
func (h *fakeHandle) Kill() error { return nil }
func (h *fakeHandle) Alive() bool { return !h.terminated.Load() }

func (h *fakeHandle) Terminate() error {
	h.terminated.Store(true)
	return nil
}

// fakeSpawner runs "true" to completion at once and blocks on anything else
// until its context is cancelled.
type fakeSpawner struct {
	exitDelay time.Duration

	mu       sync.Mutex
	handles  []*fakeHandle
	inflight atomic.Int32
	peak     atomic.Int32
	exited   atomic.Int32
}

func (f *fakeSpawner) Spawn(ctx context.Context, command string, onLine func(string), onStart func(runner.Handle)) (runner.Result, error) {
	f.mu.Lock()
	h := &fakeHandle{pid: 1000 + len(f.handles)}
	f.handles = append(f.handles, h)
	f.mu.Unlock()
	onStart(h)

	n := f.inflight.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	defer f.inflight.Add(-1)

	if command == "true" {
		return runner.Result{}, nil
	}
	<-ctx.Done()
	time.Sleep(f.exitDelay)
	f.exited.Add(1)
	onLine(runner.StoppedLine)
	return runner.Result{ExitCode: 143, Stopped: true}, nil
}

func (f *fakeSpawner) allTerminated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.handles {
		if !h.terminated.Load() {
			return false
		}
	}
	return true
}

type fakeSweeper struct {
	all   atomic.Int32
	mu    sync.Mutex
	names []string
}

func (s *fakeSweeper) SweepAll(context.Context) { s.all.Add(1) }

func (s *fakeSweeper) SweepTask(_ context.Context, name string) {
	s.mu.Lock()
	s.names = append(s.names, name)
	s.mu.Unlock()
}

func (s *fakeSweeper) taskSweeps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...)
}

func waitStopped(t *testing.T, task *model.Task) {
	t.Helper()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if task.Running() {
			return poll.Continue("task %d still running", task.ID)
		}
		return poll.Success()
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(5*time.Millisecond))
}

func shutdown(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NilError(t, s.Shutdown(ctx))
}

func TestThirdTaskRejectedAtCeilingOfTwo(t *testing.T) {
	s := New(Config{MaxConcurrent: 2}, &fakeSpawner{}, nil)
	defer shutdown(t, s)

	_, err := s.StartTask("one", "sleep 60")
	assert.NilError(t, err)
	_, err = s.StartTask("two", "sleep 60")
	assert.NilError(t, err)

	task, err := s.StartTask("three", "sleep 60")
	assert.Assert(t, errors.Is(err, ErrAdmissionRejected))
	assert.Assert(t, task == nil)
	assert.Equal(t, s.RunningCount(), 2)
	assert.Equal(t, len(s.Tasks()), 2)
}

func TestConcurrentStartsNeverExceedCeiling(t *testing.T) {
	sp := &fakeSpawner{}
	s := New(Config{MaxConcurrent: 5}, sp, nil)
	defer shutdown(t, s)

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.StartTask("load", "sleep 60"); err == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, accepted.Load(), int32(5))
	assert.Equal(t, s.RunningCount(), 5)
	assert.Assert(t, sp.peak.Load() <= 5)
}

func TestFinishedTasksFreeSlots(t *testing.T) {
	s := New(Config{MaxConcurrent: 1}, &fakeSpawner{}, nil)
	defer shutdown(t, s)

	for i := 0; i < 5; i++ {
		task, err := s.StartTask("quick", "true")
		assert.NilError(t, err)
		waitStopped(t, task)
	}
	assert.Equal(t, len(s.Tasks()), 5)
}

func TestIDsStrictlyIncreaseAndAreNeverReused(t *testing.T) {
	s := New(Config{MaxConcurrent: 20}, &fakeSpawner{}, nil)
	defer shutdown(t, s)

	last := 0
	for i := 0; i < 10; i++ {
		task, err := s.StartTask("quick", "true")
		assert.NilError(t, err)
		assert.Assert(t, task.ID > last, "id %d after %d", task.ID, last)
		last = task.ID
		waitStopped(t, task)
		if i%3 == 0 {
			assert.NilError(t, s.RemoveTask(task.ID))
		}
	}
	assert.Equal(t, last, 10)

	prev := 0
	for _, sum := range s.Tasks() {
		assert.Assert(t, sum.ID > prev)
		prev = sum.ID
	}
}

func TestRemoveTaskJoinsWorker(t *testing.T) {
	sp := &fakeSpawner{exitDelay: 150 * time.Millisecond}
	sw := &fakeSweeper{}
	s := New(Config{MaxConcurrent: 3}, sp, sw)
	defer shutdown(t, s)

	task, err := s.StartTask("Repo - Verify", "sleep 60")
	assert.NilError(t, err)
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if task.Handle() == nil {
			return poll.Continue("no handle yet")
		}
		return poll.Success()
	}, poll.WithTimeout(2*time.Second), poll.WithDelay(5*time.Millisecond))

	assert.NilError(t, s.RemoveTask(task.ID))

	assert.Equal(t, sp.exited.Load(), int32(1))
	assert.Equal(t, task.Status(), model.TaskStopped)
	assert.Equal(t, task.LastLine(), runner.StoppedLine)
	assert.Assert(t, task.StopRequested())
	assert.Assert(t, sp.allTerminated())
	assert.Equal(t, len(s.Tasks()), 0)

	_, err = s.TaskLog(task.ID)
	assert.Assert(t, errors.Is(err, ErrTaskNotFound))

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if len(sw.taskSweeps()) == 0 {
			return poll.Continue("task sweep not run")
		}
		return poll.Success()
	}, poll.WithTimeout(2*time.Second))
	assert.DeepEqual(t, sw.taskSweeps(), []string{"Repo - Verify"})
}

func TestRemoveFinishedTaskSkipsSweep(t *testing.T) {
	sw := &fakeSweeper{}
	s := New(Config{}, &fakeSpawner{}, sw)
	defer shutdown(t, s)

	task, err := s.StartTask("quick", "true")
	assert.NilError(t, err)
	waitStopped(t, task)

	assert.NilError(t, s.RemoveTask(task.ID))
	assert.Equal(t, len(sw.taskSweeps()), 0)
}

func TestRemoveUnknownTask(t *testing.T) {
	s := New(Config{}, &fakeSpawner{}, nil)
	assert.Assert(t, errors.Is(s.RemoveTask(99), ErrTaskNotFound))
}

func TestStopAllTerminatesAndSweeps(t *testing.T) {
	sp := &fakeSpawner{}
	sw := &fakeSweeper{}
	s := New(Config{MaxConcurrent: 4}, sp, sw)
	defer shutdown(t, s)

	var tasks []*model.Task
	for i := 0; i < 3; i++ {
		task, err := s.StartTask("long", "sleep 60")
		assert.NilError(t, err)
		tasks = append(tasks, task)
	}
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if sp.inflight.Load() != 3 {
			return poll.Continue("workers not started")
		}
		return poll.Success()
	}, poll.WithTimeout(2*time.Second))

	assert.Equal(t, s.StopAll(), 3)

	for _, task := range tasks {
		waitStopped(t, task)
		assert.Equal(t, task.LastLine(), runner.StoppedLine)
		assert.Equal(t, task.Snapshot().Outcome, model.OutcomeStopped)
	}
	assert.Assert(t, sp.allTerminated())
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if sw.all.Load() == 0 {
			return poll.Continue("sweep not run")
		}
		return poll.Success()
	}, poll.WithTimeout(2*time.Second))
	assert.Equal(t, s.RunningCount(), 0)
}

func TestSetMaxConcurrentClampsAndAppliesToNewAdmissions(t *testing.T) {
	s := New(Config{MaxConcurrent: 2}, &fakeSpawner{}, nil)
	defer shutdown(t, s)

	assert.Equal(t, s.SetMaxConcurrent(0), 1)
	assert.Equal(t, s.SetMaxConcurrent(25), 20)
	assert.Equal(t, s.SetMaxConcurrent(2), 2)

	for i := 0; i < 2; i++ {
		_, err := s.StartTask("long", "sleep 60")
		assert.NilError(t, err)
	}
	s.SetMaxConcurrent(1)
	assert.Equal(t, s.RunningCount(), 2)
	_, err := s.StartTask("long", "sleep 60")
	assert.Assert(t, errors.Is(err, ErrAdmissionRejected))

	s.SetMaxConcurrent(3)
	_, err = s.StartTask("long", "sleep 60")
	assert.NilError(t, err)
	assert.Equal(t, s.MaxConcurrent(), 3)
}

func TestTaskLogIsACopy(t *testing.T) {
	s := New(Config{}, &fakeSpawner{}, nil)
	defer shutdown(t, s)

	task, err := s.StartTask("quick", "true")
	assert.NilError(t, err)
	waitStopped(t, task)

	lines, err := s.TaskLog(task.ID)
	assert.NilError(t, err)
	lines[0] = "mutated"
	again, _ := s.TaskLog(task.ID)
	assert.Equal(t, again[0], "[INFO] Task started: quick")
}

func TestClampConcurrent(t *testing.T) {
	for in, want := range map[int]int{-4: 1, 0: 1, 1: 1, 3: 3, 20: 20, 21: 20} {
		assert.Equal(t, ClampConcurrent(in), want)
	}
}
