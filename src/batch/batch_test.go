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

package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"verifyrunner/src/model"
	"verifyrunner/src/runner"
	"verifyrunner/src/scheduler"
)

type fakeBuilder struct {
	failOn string
}

func (b fakeBuilder) Build(_ context.Context, mode, suffix string) (string, error) {
	if b.failOn != "" && strings.HasSuffix(suffix, b.failOn) {
		return "", errors.New("image probe failed")
	}
	return fmt.Sprintf("bash autobuild.sh %s --image-tag autobuild-repo:%s", mode, suffix), nil
}

type fakeStarter struct {
	mu       sync.Mutex
	limit    int
	names    []string
	commands []string
	times    []time.Time
}

func (s *fakeStarter) StartTask(name, command string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && len(s.names) >= s.limit {
		return nil, scheduler.ErrAdmissionRejected
	}
	s.names = append(s.names, name)
	s.commands = append(s.commands, command)
	s.times = append(s.times, time.Now())
	return model.NewTask(len(s.names), name, command, 0), nil
}

type blockingSpawner struct{}

func (blockingSpawner) Spawn(ctx context.Context, _ string, _ func(string), _ func(runner.Handle)) (runner.Result, error) {
	<-ctx.Done()
	return runner.Result{Stopped: true}, nil
}

func TestLaunchVerifyBatchOfThree(t *testing.T) {
	sched := scheduler.New(scheduler.Config{MaxConcurrent: 10}, blockingSpawner{}, nil)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NilError(t, sched.Shutdown(ctx))
	}()
	l := New(sched, fakeBuilder{}, Options{Delay: 10 * time.Millisecond, BaseName: "repo"})

	b := l.Launch(context.Background(), Verify, 3)
	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not finish")
	}
	res := b.Result()

	assert.Equal(t, len(res.TaskIDs), 3)
	assert.Assert(t, !res.Rejected)
	tasks := sched.Tasks()
	assert.Equal(t, len(tasks), 3)

	seen := map[string]bool{}
	for i, task := range tasks {
		assert.Equal(t, task.Name, fmt.Sprintf("repo - Verify #%d", i+1))
		assert.Assert(t, is.Contains(task.Command, "bash autobuild.sh verify"))
		assert.Assert(t, !seen[task.Command], "duplicate command %q", task.Command)
		seen[task.Command] = true
	}
}

func TestRunStopsAtAdmissionRejection(t *testing.T) {
	st := &fakeStarter{limit: 2}
	l := New(st, fakeBuilder{}, Options{})

	res := l.Run(context.Background(), Audit, 5)

	assert.Assert(t, res.Rejected)
	assert.DeepEqual(t, res.TaskIDs, []int{1, 2})
	assert.Equal(t, len(st.names), 2)
	assert.Equal(t, res.Requested, 5)
}

func TestRunPacesCreations(t *testing.T) {
	st := &fakeStarter{}
	delay := 40 * time.Millisecond
	l := New(st, fakeBuilder{}, Options{Delay: delay})

	res := l.Run(context.Background(), Feedback, 3)

	assert.Equal(t, len(res.TaskIDs), 3)
	for i := 1; i < len(st.times); i++ {
		gap := st.times[i].Sub(st.times[i-1])
		assert.Assert(t, gap >= delay-5*time.Millisecond, "gap %s between task %d and %d", gap, i, i+1)
	}
}

func TestRunSkipsTasksWhoseCommandFails(t *testing.T) {
	st := &fakeStarter{}
	l := New(st, fakeBuilder{failOn: "_2"}, Options{})

	res := l.Run(context.Background(), Both, 3)

	assert.Equal(t, len(res.TaskIDs), 2)
	assert.Equal(t, len(res.Errors), 1)
	assert.ErrorContains(t, res.Errors[0], "build task 2")
}

func TestRunHonoursCancellation(t *testing.T) {
	st := &fakeStarter{}
	l := New(st, fakeBuilder{}, Options{Delay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	b := l.Launch(ctx, Verify, 3)
	time.Sleep(20 * time.Millisecond)
	cancel()
	res := b.Result()

	assert.Equal(t, len(res.TaskIDs), 1)
	assert.Equal(t, len(res.Errors), 1)
	assert.Assert(t, errors.Is(res.Errors[0], context.Canceled))
}

func TestSingleTaskNameHasNoIndex(t *testing.T) {
	assert.Equal(t, TaskName("repo", Verify, 1, 1), "repo - Verify")
	assert.Equal(t, TaskName("", Audit, 2, 3), "Audit #2")
}

func TestSuffixFormat(t *testing.T) {
	now := time.Date(2024, 3, 9, 14, 5, 7, 42*int(time.Millisecond), time.UTC)
	assert.Equal(t, Suffix(Feedback, now, 2), "feedback_task20240309_140507_042_2")
}

func TestParseTaskType(t *testing.T) {
	for in, want := range map[string]TaskType{"verify": Verify, "Feedback": Feedback, " BOTH ": Both, "audit": Audit} {
		got, err := ParseTaskType(in)
		assert.NilError(t, err)
		assert.Equal(t, got, want)
	}
	_, err := ParseTaskType("deploy")
	assert.Assert(t, errors.Is(err, ErrUnknownTaskType))
	assert.Equal(t, Both.Mode(), "both")
}
