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
	"testing"

	"gotest.tools/v3/assert"
)

func TestRunnerStatsTotals(t *testing.T) {
	ctx := context.Background()
	s := NewRunnerStats("session-1")

	s.TaskStarted(ctx)
	s.TaskStarted(ctx)
	s.TaskStarted(ctx)
	s.TaskFinished(ctx, "success")
	s.TaskFinished(ctx, "failed")
	s.TaskFinished(ctx, "stopped")
	s.AdmissionRejected(ctx)
	s.SweepKilled(ctx, "all", 2)
	s.SweepKilled(ctx, "all", 0)

	got := s.GetStats()
	assert.Equal(t, got.SessionID, "session-1")
	assert.Equal(t, got.TasksStarted, uint64(3))
	assert.Equal(t, got.TasksSucceeded, uint64(1))
	assert.Equal(t, got.TasksFailed, uint64(1))
	assert.Equal(t, got.TasksStopped, uint64(1))
	assert.Equal(t, got.AdmissionsRejected, uint64(1))
	assert.Equal(t, got.SweepKills, uint64(2))
	assert.Assert(t, got.Uptime != "")
}

func TestNilRunnerStatsIsNoop(t *testing.T) {
	var s *RunnerStats
	s.TaskStarted(context.Background())
	s.TaskFinished(context.Background(), "success")
	assert.Equal(t, s.GetStats(), StatusResponse{})
}
