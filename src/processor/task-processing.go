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

package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"verifyrunner/src/logging"
	"verifyrunner/src/model"
	"verifyrunner/src/runner"
	"verifyrunner/src/store"
)

const SuccessLine = "[SUCCESS] Command completed successfully"

func FailureLine(exitCode int) string {
	return fmt.Sprintf("[ERROR] Command failed with exit code: %d", exitCode)
}

func SpawnFailureLine(reason string) string {
	return "[ERROR] Failed to execute command: " + reason
}

func InternalErrorLine(v any) string {
	return fmt.Sprintf("[ERROR] Internal error: %v", v)
}

// Spawner runs one command to completion. *runner.Runner implements it.
type Spawner interface {
	Spawn(ctx context.Context, command string, onLine func(string), onStart func(runner.Handle)) (runner.Result, error)
}

type Options struct {
	Stats    *logging.RunnerStats
	Recorder store.Recorder
}

// ProcessTask is the body of a task's worker goroutine. It returns only
// after the task has reached TaskStopped with exactly one terminal line.
// ctx is the task's cancellation token.
func ProcessTask(ctx context.Context, task *model.Task, spawner Spawner, opts Options) {
	ctx, span := logging.StartSpan(ctx, "processor.run",
		attribute.Int("task.id", task.ID),
		attribute.String("task.name", task.Name))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			logging.Log(fmt.Sprintf("Task %d worker panicked: %v", task.ID, r), slog.LevelError)
			span.SetStatus(codes.Error, "panic")
			// The child may still be running; once the handle is cleared
			// nothing else can reach it.
			if h := task.Handle(); h != nil {
				if err := h.Kill(); err != nil {
					logging.Log(fmt.Sprintf("Task %d: kill after panic: %v", task.ID, err), slog.LevelWarn)
				}
				task.ClearHandle()
			}
			finish(ctx, task, opts, model.OutcomeCrashed, -1, InternalErrorLine(r))
		}
	}()

	// The runner delivers StoppedLine last when it tears a process down.
	// Hold it back so it becomes the terminal line instead of a log line.
	var held bool
	onLine := func(line string) {
		if held {
			task.AppendLine(runner.StoppedLine)
			held = false
		}
		if line == runner.StoppedLine {
			held = true
			return
		}
		task.AppendLine(line)
	}
	onStart := func(h runner.Handle) {
		task.SetHandle(h)
		span.SetAttributes(attribute.Int("process.pid", h.Pid()))
	}

	res, err := spawner.Spawn(ctx, task.Command, onLine, onStart)
	task.ClearHandle()

	if err != nil {
		reason := err.Error()
		var spawnErr *runner.SpawnError
		if errors.As(err, &spawnErr) {
			reason = spawnErr.Err.Error()
		}
		logging.Log(fmt.Sprintf("Task %d failed to start: %v", task.ID, err), slog.LevelError)
		span.RecordError(err)
		span.SetStatus(codes.Error, "spawn failed")
		finish(ctx, task, opts, model.OutcomeSpawnFailed, -1, SpawnFailureLine(reason))
		return
	}

	span.SetAttributes(attribute.Int("process.exit_code", res.ExitCode))
	switch {
	case res.Stopped || task.StopRequested():
		// A stop can win the race against the runner noticing ctx, in which
		// case the process merely died of the signal we sent.
		held = false
		finish(ctx, task, opts, model.OutcomeStopped, res.ExitCode, runner.StoppedLine)
	case res.ExitCode == 0:
		if held {
			task.AppendLine(runner.StoppedLine)
		}
		finish(ctx, task, opts, model.OutcomeSuccess, 0, SuccessLine)
	default:
		if held {
			task.AppendLine(runner.StoppedLine)
		}
		span.SetStatus(codes.Error, "nonzero exit")
		finish(ctx, task, opts, model.OutcomeFailed, res.ExitCode, FailureLine(res.ExitCode))
	}
}

func finish(ctx context.Context, task *model.Task, opts Options, outcome model.Outcome, exitCode int, line string) {
	if !task.Finish(outcome, exitCode, line) {
		return
	}
	logging.Log(fmt.Sprintf("Task %d (%s) finished: %s", task.ID, task.Name, line), slog.LevelInfo)

	// The task context is usually cancelled by now.
	ctx = context.WithoutCancel(ctx)
	opts.Stats.TaskFinished(ctx, string(outcome))
	if opts.Recorder == nil {
		return
	}
	now := time.Now()
	err := opts.Recorder.TaskFinished(ctx, store.RunRecord{
		TaskID:     task.ID,
		Name:       task.Name,
		Command:    task.Command,
		Status:     store.StatusStopped,
		Outcome:    string(outcome),
		ExitCode:   exitCode,
		StartedAt:  task.CreatedAt,
		FinishedAt: &now,
	})
	if err != nil {
		logging.Log(fmt.Sprintf("Error recording finish of task %d: %v", task.ID, err), slog.LevelError)
		opts.Stats.DatabaseFailure(ctx)
	}
}
