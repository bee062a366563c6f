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

// Package batch creates several uniquely named tasks of one type, one after
// another, off the caller's goroutine.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"verifyrunner/src/logging"
	"verifyrunner/src/model"
	"verifyrunner/src/scheduler"
)

const DefaultDelay = 100 * time.Millisecond

type TaskType int

const (
	Feedback TaskType = iota
	Verify
	Both
	Audit
)

var ErrUnknownTaskType = errors.New("unknown task type")

var typeNames = [...]string{"Feedback", "Verify", "Both", "Audit"}

func (t TaskType) String() string {
	if t < Feedback || t > Audit {
		return fmt.Sprintf("TaskType(%d)", int(t))
	}
	return typeNames[t]
}

// Mode is the autobuild.sh subcommand for the type.
func (t TaskType) Mode() string {
	return strings.ToLower(t.String())
}

func ParseTaskType(s string) (TaskType, error) {
	for i, name := range typeNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return TaskType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTaskType, s)
}

// Starter admits one task. *scheduler.Scheduler implements it.
type Starter interface {
	StartTask(name, command string) (*model.Task, error)
}

// CommandBuilder turns a mode and a per-task uniqueness suffix into a full
// command line.
type CommandBuilder interface {
	Build(ctx context.Context, mode, suffix string) (string, error)
}

type Options struct {
	// Delay separates consecutive creations so timestamp-derived names
	// differ.
	Delay time.Duration
	// BaseName prefixes task names, typically the task directory's base
	// name.
	BaseName string
	Clock    func() time.Time
}

type Launcher struct {
	starter Starter
	builder CommandBuilder
	opts    Options
}

func New(starter Starter, builder CommandBuilder, opts Options) *Launcher {
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Launcher{starter: starter, builder: builder, opts: opts}
}

type Result struct {
	Requested int
	TaskIDs   []int
	// Rejected is set when the scheduler refused a task; the rest of the
	// batch was not attempted.
	Rejected bool
	Errors   []error
}

// Batch is a launch in progress.
type Batch struct {
	done   chan struct{}
	result Result
}

func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Result blocks until the batch has finished.
func (b *Batch) Result() Result {
	<-b.done
	return b.result
}

// Launch runs the batch on its own goroutine and returns immediately.
func (l *Launcher) Launch(ctx context.Context, t TaskType, count int) *Batch {
	b := &Batch{done: make(chan struct{})}
	go func() {
		defer close(b.done)
		b.result = l.Run(ctx, t, count)
	}()
	return b
}

// Run creates count tasks sequentially and returns once the last one was
// handed to the scheduler, admission was rejected, or ctx was done.
func (l *Launcher) Run(ctx context.Context, t TaskType, count int) Result {
	res := Result{Requested: count}
	if count <= 0 {
		return res
	}

	limit := rate.Inf
	if l.opts.Delay > 0 {
		limit = rate.Every(l.opts.Delay)
	}
	pacer := rate.NewLimiter(limit, 1)

	for i := 1; i <= count; i++ {
		if err := pacer.Wait(ctx); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("batch interrupted before task %d: %w", i, err))
			break
		}

		suffix := Suffix(t, l.opts.Clock(), i)
		command, err := l.builder.Build(ctx, t.Mode(), suffix)
		if err != nil {
			logging.Log(fmt.Sprintf("Building command for batch task %d failed: %v", i, err), slog.LevelError)
			res.Errors = append(res.Errors, fmt.Errorf("build task %d: %w", i, err))
			continue
		}

		task, err := l.starter.StartTask(TaskName(l.opts.BaseName, t, i, count), command)
		if errors.Is(err, scheduler.ErrAdmissionRejected) {
			logging.Log(fmt.Sprintf("Batch stopped at %d of %d: concurrency limit reached", i-1, count), slog.LevelWarn)
			res.Rejected = true
			break
		}
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("start task %d: %w", i, err))
			break
		}
		res.TaskIDs = append(res.TaskIDs, task.ID)
	}

	logging.Log(fmt.Sprintf("Batch of %d %s tasks created %d", count, t, len(res.TaskIDs)), slog.LevelInfo)
	return res
}

// TaskName is "<base> - <Type>", or just "<Type>", with " #i" appended when
// the batch has more than one task.
func TaskName(base string, t TaskType, i, count int) string {
	name := t.String()
	if base != "" {
		name = base + " - " + name
	}
	if count > 1 {
		name = fmt.Sprintf("%s #%d", name, i)
	}
	return name
}

// Suffix is the per-task uniqueness token threaded into image, container
// and output names. The index makes it unique within a batch; the pacing
// delay makes the timestamp differ across batches.
func Suffix(t TaskType, now time.Time, i int) string {
	return strings.ToLower(fmt.Sprintf("%s_task%s_%03d_%d",
		t, now.Format("20060102_150405"), now.Nanosecond()/int(time.Millisecond), i))
}
