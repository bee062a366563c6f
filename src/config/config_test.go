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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"gotest.tools/v3/assert"

	"verifyrunner/src/scheduler"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaults(t *testing.T) {
	cfg := FromEnv(env(map[string]string{"HOME": "/home/dev"}))

	assert.Equal(t, cfg.MaxConcurrent, 3)
	assert.Equal(t, cfg.MaxLogLines, 1000)
	assert.Equal(t, cfg.GracePeriod, time.Second)
	assert.Equal(t, cfg.WaitCeiling, 5*time.Second)
	assert.Equal(t, cfg.BatchDelay, 100*time.Millisecond)
	assert.Equal(t, cfg.APIHost, "127.0.0.1")
	assert.Equal(t, cfg.APIPort, "8080")
	assert.Equal(t, cfg.APIToken, "")
	assert.Assert(t, cfg.NoCache)
	assert.Assert(t, cfg.AutoLowercase)
	assert.Assert(t, !cfg.DB.Enabled())
	assert.Assert(t, filepath.Base(cfg.ScriptPath) == "autobuild.sh")
}

func TestAPIListenSettings(t *testing.T) {
	cfg := FromEnv(env(map[string]string{
		"API_HOST":  "0.0.0.0",
		"API_PORT":  "9000",
		"API_TOKEN": "s3cret",
	}))
	assert.Equal(t, cfg.APIHost, "0.0.0.0")
	assert.Equal(t, cfg.APIPort, "9000")
	assert.Equal(t, cfg.APIToken, "s3cret")
}

func TestMaxConcurrentIsClamped(t *testing.T) {
	assert.Equal(t, FromEnv(env(map[string]string{"MAX_CONCURRENT_TASKS": "0"})).MaxConcurrent, 1)
	assert.Equal(t, FromEnv(env(map[string]string{"MAX_CONCURRENT_TASKS": "64"})).MaxConcurrent, 20)
	assert.Equal(t, FromEnv(env(map[string]string{"MAX_CONCURRENT_TASKS": "7"})).MaxConcurrent, 7)
}

func TestInvalidValuesFallBack(t *testing.T) {
	cfg := FromEnv(env(map[string]string{
		"MAX_CONCURRENT_TASKS": "many",
		"GRACE_PERIOD":         "soon",
		"WAIT_CEILING":         "-1s",
		"DOCKER_NO_CACHE":      "sometimes",
		"TASK_LOG_MAX_LINES":   "-5",
	}))
	assert.Equal(t, cfg.MaxConcurrent, scheduler.DefaultMaxConcurrent)
	assert.Equal(t, cfg.GracePeriod, DefaultGracePeriod)
	assert.Equal(t, cfg.WaitCeiling, DefaultWaitCeiling)
	assert.Assert(t, cfg.NoCache)
	assert.Equal(t, cfg.MaxLogLines, DefaultMaxLogLines)
}

func TestExplicitValues(t *testing.T) {
	cfg := FromEnv(env(map[string]string{
		"GRACE_PERIOD":         "250ms",
		"BATCH_DELAY":          "1s",
		"AUTO_LOWERCASE_NAMES": "false",
		"TASK_DIRECTORY":       "/work/Repo",
		"DB_HOST":              "db",
		"DB_NAME":              "runs",
		"SCRIPT_PATH":          "/opt/autobuild.sh",
	}))
	assert.Equal(t, cfg.GracePeriod, 250*time.Millisecond)
	assert.Equal(t, cfg.BatchDelay, time.Second)
	assert.Assert(t, !cfg.AutoLowercase)
	assert.Equal(t, cfg.TaskDirectory, "/work/Repo")
	assert.Assert(t, cfg.DB.Enabled())
	assert.Equal(t, cfg.DB.Port, "5432")
	assert.Equal(t, cfg.ScriptPath, "/opt/autobuild.sh")
}

func TestDefaultLogRoot(t *testing.T) {
	assert.Equal(t, DefaultLogRoot("linux", "/home/dev", ""), filepath.Join("/home/dev", ".autobuild", "logs"))
	assert.Equal(t, DefaultLogRoot("darwin", "/Users/dev", ""), filepath.Join("/Users/dev", "Library", "Application Support", "Autobuild", "logs"))
	assert.Equal(t, DefaultLogRoot("linux", "", ""), "")
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	assert.NilError(t, godotenv.Write(map[string]string{"WORKDIR": "/srv/app"}, filepath.Join(dir, ".env")))
	t.Chdir(dir)
	t.Setenv("WORKDIR", "")
	os.Unsetenv("WORKDIR")

	cfg, err := Load()
	assert.NilError(t, err)
	assert.Equal(t, cfg.Workdir, "/srv/app")
}

func TestLoadWithoutDotEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("API_PORT", "9090")

	cfg, err := Load()
	assert.NilError(t, err)
	assert.Equal(t, cfg.APIPort, "9090")
}
