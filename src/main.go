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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"verifyrunner/src/batch"
	"verifyrunner/src/command"
	"verifyrunner/src/config"
	"verifyrunner/src/containerization"
	"verifyrunner/src/logging"
	"verifyrunner/src/runner"
	"verifyrunner/src/scheduler"
	"verifyrunner/src/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	// Setup Graceful Shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := logging.SetupOTelSDK(ctx)
	if err != nil {
		panic(fmt.Sprintf("failed to setup OTel SDK: %v", err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
		}
	}()

	sessionID := uuid.New()
	logging.Log(fmt.Sprintf("Starting runner session %s", sessionID), slog.LevelInfo)
	stats := logging.NewRunnerStats(sessionID.String())

	recorder := openRecorder(ctx, cfg, sessionID)
	defer recorder.Close()

	// Docker is optional: without it sweeps and image probes are skipped.
	var (
		killer containerization.ContainerKiller
		prober command.ImageProber
	)
	cli, err := containerization.NewClient()
	if err != nil {
		logging.Log(err.Error(), slog.LevelWarn)
	} else {
		defer cli.Close()
		if err := cli.Available(ctx); err != nil {
			logging.Log(err.Error()+"; container sweeps will fail until it is reachable", slog.LevelWarn)
		}
		killer, prober = cli, cli
	}

	builder := command.NewBuilder(cfg, prober)
	sched := scheduler.New(scheduler.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		MaxLogLines:   cfg.MaxLogLines,
		Stats:         stats,
		Recorder:      recorder,
	}, runner.New(runner.Options{
		GracePeriod:   cfg.GracePeriod,
		WaitCeiling:   cfg.WaitCeiling,
		ShellFallback: cfg.ShellFallback,
	}), containerization.NewSweeper(killer, cfg.ScriptPath, stats))
	launcher := batch.New(sched, builder, batch.Options{
		Delay:    cfg.BatchDelay,
		BaseName: builder.BaseName(),
	})

	logging.Log(fmt.Sprintf("Runner ready: %d concurrent tasks, script %s", sched.MaxConcurrent(), cfg.ScriptPath), slog.LevelInfo)
	if cfg.APIToken == "" && !isLoopback(cfg.APIHost) {
		logging.Log(fmt.Sprintf("API listening on %s without API_TOKEN; anyone who can reach it can run commands", cfg.APIHost), slog.LevelWarn)
	}
	if err := StartAPIServer(ctx, cfg.APIHost, cfg.APIPort, NewAPIServer(ctx, sched, launcher, stats, cfg.APIToken)); err != nil {
		logging.Log(err.Error(), slog.LevelError)
	}

	logging.Log("Stopping running tasks...", slog.LevelInfo)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.WaitCeiling+cfg.GracePeriod+5*time.Second)
	defer cancel()
	if err := sched.Shutdown(shutdownCtx); err != nil {
		logging.Log(fmt.Sprintf("Shutdown incomplete: %v", err), slog.LevelWarn)
	}
}

// openRecorder connects run history when a database is configured and
// marks runs that earlier sessions never finished.
func openRecorder(ctx context.Context, cfg *config.Config, sessionID uuid.UUID) store.Recorder {
	if !cfg.DB.Enabled() {
		return store.Nop{}
	}
	dsn := store.DSN(cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.Host, cfg.DB.Port, cfg.DB.SSLMode)
	pg, err := store.OpenPostgres(ctx, dsn, sessionID)
	if err != nil {
		logging.Log(fmt.Sprintf("Run history disabled: %v", err), slog.LevelError)
		return store.Nop{}
	}
	if _, err := pg.RecoverInterrupted(ctx); err != nil {
		logging.Log(err.Error(), slog.LevelError)
	}
	return pg
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
