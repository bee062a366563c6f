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

// Package store records task runs so a crashed session leaves a trail.
package store

import (
	"context"
	"time"
)

// Run statuses as stored in task_runs.status.
const (
	StatusRunning     = "running"
	StatusStopped     = "stopped"
	StatusInterrupted = "interrupted"
)

type RunRecord struct {
	TaskID     int
	Name       string
	Command    string
	Status     string
	Outcome    string
	ExitCode   int
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Recorder persists task lifecycle events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	TaskStarted(ctx context.Context, rec RunRecord) error
	TaskFinished(ctx context.Context, rec RunRecord) error
	Close() error
}

// Nop discards everything. It is used when no database is configured.
type Nop struct{}

func (Nop) TaskStarted(context.Context, RunRecord) error  { return nil }
func (Nop) TaskFinished(context.Context, RunRecord) error { return nil }
func (Nop) Close() error                                  { return nil }
