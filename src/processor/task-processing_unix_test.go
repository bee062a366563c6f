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

//go:build unix

package processor

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"

	"verifyrunner/src/model"
	"verifyrunner/src/runner"
)

func TestProcessTaskRealExitCode(t *testing.T) {
	task := model.NewTask(1, "Verify", "sh -c 'echo checking; exit 7'", 0)

	ProcessTask(context.Background(), task, runner.New(runner.Options{}), Options{})

	lines := task.Log()
	assert.Equal(t, lines[len(lines)-2], "checking")
	assert.Equal(t, lines[len(lines)-1], "[ERROR] Command failed with exit code: 7")
	assert.Equal(t, task.Status(), model.TaskStopped)
}

func TestProcessTaskRealCancellation(t *testing.T) {
	task := model.NewTask(1, "Verify", "sleep 30", 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		ProcessTask(ctx, task, runner.New(runner.Options{GracePeriod: 500 * time.Millisecond}), Options{})
		close(done)
	}()

	var pid int
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if h := task.Handle(); h != nil {
			pid = h.Pid()
			return poll.Success()
		}
		return poll.Continue("process not started")
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(10*time.Millisecond))

	task.RequestStop()
	cancel()

	select {
	case <-done:
	case <-time.After(7 * time.Second):
		t.Fatal("worker did not finish within the wait budget")
	}

	assert.Equal(t, task.LastLine(), runner.StoppedLine)
	assert.Equal(t, task.Status(), model.TaskStopped)
	assert.Assert(t, !runner.Alive(pid))
}
