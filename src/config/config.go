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

// Package config reads runner settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"verifyrunner/src/logging"
	"verifyrunner/src/scheduler"
)

const (
	DefaultMaxLogLines = 1000
	DefaultGracePeriod = 1 * time.Second
	DefaultWaitCeiling = 5 * time.Second
	DefaultBatchDelay  = 100 * time.Millisecond
	DefaultAPIHost     = "127.0.0.1"
	DefaultAPIPort     = "8080"
)

type DBConfig struct {
	User     string
	Password string
	Name     string
	Host     string
	Port     string
	SSLMode  string
}

// Enabled reports whether run history should be written to Postgres.
func (d DBConfig) Enabled() bool {
	return d.Host != "" && d.Name != ""
}

type Config struct {
	MaxConcurrent int
	MaxLogLines   int
	GracePeriod   time.Duration
	WaitCeiling   time.Duration
	BatchDelay    time.Duration
	ShellFallback bool

	ScriptPath    string
	TaskDirectory string
	APIKey        string
	ImageTag      string
	ContainerName string
	Workdir       string
	OutputDir     string
	LogRoot       string
	NoCache       bool
	AutoLowercase bool

	APIHost  string // loopback unless set explicitly
	APIPort  string
	APIToken string // bearer token for mutating routes, optional
	DB       DBConfig
}

// Load reads .env if present and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv), nil
}

// FromEnv builds a Config from getenv. Bad values fall back to defaults
// with a warning.
func FromEnv(getenv func(string) string) *Config {
	home := getenv("HOME")
	cfg := &Config{
		MaxConcurrent: clamp(intVar(getenv, "MAX_CONCURRENT_TASKS", scheduler.DefaultMaxConcurrent)),
		MaxLogLines:   intVar(getenv, "TASK_LOG_MAX_LINES", DefaultMaxLogLines),
		GracePeriod:   durationVar(getenv, "GRACE_PERIOD", DefaultGracePeriod),
		WaitCeiling:   durationVar(getenv, "WAIT_CEILING", DefaultWaitCeiling),
		BatchDelay:    durationVar(getenv, "BATCH_DELAY", DefaultBatchDelay),
		ShellFallback: boolVar(getenv, "SHELL_FALLBACK", runtime.GOOS == "windows"),

		ScriptPath:    getenv("SCRIPT_PATH"),
		TaskDirectory: getenv("TASK_DIRECTORY"),
		APIKey:        getenv("API_KEY"),
		ImageTag:      getenv("IMAGE_TAG"),
		ContainerName: getenv("CONTAINER_NAME"),
		Workdir:       getenv("WORKDIR"),
		OutputDir:     getenv("OUTPUT_DIR"),
		LogRoot:       getenv("LOG_ROOT"),
		NoCache:       boolVar(getenv, "DOCKER_NO_CACHE", true),
		AutoLowercase: boolVar(getenv, "AUTO_LOWERCASE_NAMES", true),

		APIHost:  getenv("API_HOST"),
		APIPort:  getenv("API_PORT"),
		APIToken: getenv("API_TOKEN"),
		DB: DBConfig{
			User:     getenv("DB_USER"),
			Password: getenv("DB_PASSWORD"),
			Name:     getenv("DB_NAME"),
			Host:     getenv("DB_HOST"),
			Port:     getenv("DB_PORT"),
			SSLMode:  getenv("DB_SSLMODE"),
		},
	}
	if cfg.MaxLogLines <= 0 {
		cfg.MaxLogLines = DefaultMaxLogLines
	}
	if cfg.APIHost == "" {
		cfg.APIHost = DefaultAPIHost
	}
	if cfg.APIPort == "" {
		cfg.APIPort = DefaultAPIPort
	}
	if cfg.DB.Port == "" {
		cfg.DB.Port = "5432"
	}
	if cfg.ScriptPath == "" {
		cfg.ScriptPath = defaultScriptPath()
	}
	if cfg.LogRoot == "" {
		cfg.LogRoot = DefaultLogRoot(runtime.GOOS, home, getenv("APPDATA"))
	}
	return cfg
}

// DefaultLogRoot is where task output lands when OUTPUT_DIR is unset.
func DefaultLogRoot(goos, home, appData string) string {
	switch goos {
	case "windows":
		if appData != "" {
			return filepath.Join(appData, "Autobuild", "logs")
		}
	case "darwin":
		if home != "" {
			return filepath.Join(home, "Library", "Application Support", "Autobuild", "logs")
		}
	}
	if home != "" {
		return filepath.Join(home, ".autobuild", "logs")
	}
	return ""
}

func defaultScriptPath() string {
	exe, err := os.Executable()
	if err != nil {
		return filepath.Join("autobuild", "scripts", "autobuild.sh")
	}
	return filepath.Join(filepath.Dir(exe), "autobuild", "scripts", "autobuild.sh")
}

func clamp(n int) int {
	c := scheduler.ClampConcurrent(n)
	if c != n {
		logging.Log(fmt.Sprintf("MAX_CONCURRENT_TASKS %d outside %d..%d, using %d",
			n, scheduler.MinConcurrent, scheduler.MaxConcurrentLimit, c), slog.LevelWarn)
	}
	return c
}

func intVar(getenv func(string) string, key string, def int) int {
	raw := getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		logging.Log(fmt.Sprintf("Warning: failed to parse %s %q, defaulting to %d", key, raw, def), slog.LevelWarn)
		return def
	}
	return n
}

func durationVar(getenv func(string) string, key string, def time.Duration) time.Duration {
	raw := getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		logging.Log(fmt.Sprintf("Warning: failed to parse %s %q, defaulting to %s", key, raw, def), slog.LevelWarn)
		return def
	}
	return d
}

func boolVar(getenv func(string) string, key string, def bool) bool {
	raw := getenv(key)
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		logging.Log(fmt.Sprintf("Warning: failed to parse %s %q, defaulting to %t", key, raw, def), slog.LevelWarn)
		return def
	}
	return b
}
