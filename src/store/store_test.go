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

package store

import (
	"context"
	"testing"

	"gotest.tools/v3/assert"
)

func TestDSNDefaultsToRequiredSSL(t *testing.T) {
	got := DSN("runner", "secret", "runs", "localhost", "5432", "")
	assert.Equal(t, got, "user=runner password=secret dbname=runs host=localhost port=5432 sslmode=require")
}

func TestDSNKeepsExplicitSSLMode(t *testing.T) {
	got := DSN("u", "p", "d", "h", "1", "disable")
	assert.Assert(t, got[len(got)-len("sslmode=disable"):] == "sslmode=disable")
}

func TestNopRecorder(t *testing.T) {
	var r Recorder = Nop{}
	assert.NilError(t, r.TaskStarted(context.Background(), RunRecord{TaskID: 1}))
	assert.NilError(t, r.TaskFinished(context.Background(), RunRecord{TaskID: 1}))
	assert.NilError(t, r.Close())
}
