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

package logging

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// StatusResponse is the JSON shape of GET /status.
type StatusResponse struct {
	SessionID          string    `json:"session_id"`
	StartTime          time.Time `json:"start_time"`
	Uptime             string    `json:"uptime"`
	TasksStarted       uint64    `json:"tasks_started"`
	TasksSucceeded     uint64    `json:"tasks_succeeded"`
	TasksFailed        uint64    `json:"tasks_failed"`
	TasksStopped       uint64    `json:"tasks_stopped"`
	AdmissionsRejected uint64    `json:"admissions_rejected"`
	SweepKills         uint64    `json:"sweep_kills"`
	DatabaseFailures   uint64    `json:"database_failures"`
	RunningTasks       int       `json:"running_tasks"`
	MaxConcurrent      int       `json:"max_concurrent"`
}

// RunnerStats keeps the process-wide totals and mirrors them into OTel
// instruments. A nil *RunnerStats is valid and records nothing.
type RunnerStats struct {
	mu     sync.RWMutex
	status StatusResponse

	started   metric.Int64Counter
	succeeded metric.Int64Counter
	failed    metric.Int64Counter
	stopped   metric.Int64Counter
	rejected  metric.Int64Counter
	sweeps    metric.Int64Counter
	dbErrors  metric.Int64Counter
	running   metric.Int64UpDownCounter
}

func NewRunnerStats(sessionID string) *RunnerStats {
	s := &RunnerStats{
		status: StatusResponse{
			SessionID: sessionID,
			StartTime: time.Now(),
		},
	}
	// Instrument errors are already logged; a nil instrument is skipped.
	s.started, _ = InitializeCounter("runner_tasks_started", "Tasks admitted and launched", "{task}")
	s.succeeded, _ = InitializeCounter("runner_tasks_succeeded", "Tasks whose command exited 0", "{task}")
	s.failed, _ = InitializeCounter("runner_tasks_failed", "Tasks that failed to spawn, exited nonzero or crashed", "{task}")
	s.stopped, _ = InitializeCounter("runner_tasks_stopped", "Tasks terminated on request", "{task}")
	s.rejected, _ = InitializeCounter("runner_admissions_rejected", "Start requests refused at the concurrency ceiling", "{request}")
	s.sweeps, _ = InitializeCounter("runner_sweep_kills", "Containers and processes killed by cleanup sweeps", "{kill}")
	s.dbErrors, _ = InitializeCounter("runner_database_update_failures", "Run history writes that failed", "{write}")
	s.running, _ = InitializeUpDownCounter("runner_tasks_running", "Tasks currently running", "{task}")
	return s
}

func (s *RunnerStats) TaskStarted(ctx context.Context) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.status.TasksStarted++
	s.mu.Unlock()
	add(ctx, s.started, 1)
	if s.running != nil {
		s.running.Add(ctx, 1)
	}
}

// TaskFinished counts one terminal outcome: "success", "stopped", or any
// failure kind.
func (s *RunnerStats) TaskFinished(ctx context.Context, outcome string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	switch outcome {
	case "success":
		s.status.TasksSucceeded++
	case "stopped":
		s.status.TasksStopped++
	default:
		s.status.TasksFailed++
	}
	s.mu.Unlock()

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	switch outcome {
	case "success":
		add(ctx, s.succeeded, 1, attrs)
	case "stopped":
		add(ctx, s.stopped, 1, attrs)
	default:
		add(ctx, s.failed, 1, attrs)
	}
	if s.running != nil {
		s.running.Add(ctx, -1)
	}
}

func (s *RunnerStats) AdmissionRejected(ctx context.Context) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.status.AdmissionsRejected++
	s.mu.Unlock()
	add(ctx, s.rejected, 1)
}

func (s *RunnerStats) SweepKilled(ctx context.Context, scope string, n int) {
	if s == nil || n <= 0 {
		return
	}
	s.mu.Lock()
	s.status.SweepKills += uint64(n)
	s.mu.Unlock()
	add(ctx, s.sweeps, int64(n), metric.WithAttributes(attribute.String("scope", scope)))
}

func (s *RunnerStats) DatabaseFailure(ctx context.Context) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.status.DatabaseFailures++
	s.mu.Unlock()
	add(ctx, s.dbErrors, 1)
}

// GetStats returns a copy of the totals. Running and max concurrency are
// owned by the scheduler and filled in by the caller.
func (s *RunnerStats) GetStats() StatusResponse {
	if s == nil {
		return StatusResponse{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := s.status
	resp.Uptime = time.Since(s.status.StartTime).Truncate(time.Second).String()
	return resp
}

func add(ctx context.Context, c metric.Int64Counter, n int64, opts ...metric.AddOption) {
	if c != nil {
		c.Add(ctx, n, opts...)
	}
}
