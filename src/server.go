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
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"verifyrunner/src/batch"
	"verifyrunner/src/logging"
	"verifyrunner/src/scheduler"
)

const (
	maxBatchCount  = 100
	maxRequestBody = 1 << 20
)

type startTaskRequest struct {
	Name    string `json:"name"`
	Command string `json:"command"`
}

type launchBatchRequest struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type maxConcurrentRequest struct {
	Value int `json:"value"`
}

type taskLogResponse struct {
	ID    int      `json:"id"`
	Lines []string `json:"lines"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// APIServer holds dependencies for the HTTP handlers
type APIServer struct {
	// ctx outlives requests; batches launched over HTTP run under it.
	ctx      context.Context
	sched    *scheduler.Scheduler
	launcher *batch.Launcher
	stats    *logging.RunnerStats
	token    string // guards routes that start or stop work; empty disables
}

func NewAPIServer(ctx context.Context, sched *scheduler.Scheduler, launcher *batch.Launcher, stats *logging.RunnerStats, token string) *APIServer {
	return &APIServer{ctx: ctx, sched: sched, launcher: launcher, stats: stats, token: token}
}

// Handler returns the routed API wrapped in OTel middleware.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.statusHandler)
	mux.HandleFunc("GET /tasks", s.listTasksHandler)
	mux.HandleFunc("POST /tasks", s.authorized(s.startTaskHandler))
	mux.HandleFunc("POST /tasks/stop", s.authorized(s.stopAllHandler))
	mux.HandleFunc("GET /tasks/{id}", s.getTaskHandler)
	mux.HandleFunc("GET /tasks/{id}/log", s.taskLogHandler)
	mux.HandleFunc("DELETE /tasks/{id}", s.authorized(s.removeTaskHandler))
	mux.HandleFunc("POST /batches", s.authorized(s.launchBatchHandler))
	mux.HandleFunc("PUT /settings/max-concurrent", s.authorized(s.maxConcurrentHandler))

	return otelhttp.NewHandler(mux, "runner-api-server")
}

// authorized rejects requests that lack the configured bearer token.
func (s *APIServer) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="runner"`)
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing or invalid token"})
			return
		}
		next(w, r)
	}
}

// StartAPIServer serves on host:port until ctx is done, then shuts down
// gracefully.
func StartAPIServer(ctx context.Context, host, port string, srv *APIServer) error {
	addr := net.JoinHostPort(host, port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.Log(fmt.Sprintf("API Server starting on %s", addr), slog.LevelInfo)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		logging.Log("Shutdown signal received, closing server...", slog.LevelInfo)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logging.Log("Server exited cleanly", slog.LevelInfo)
	}
	return nil
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	resp := s.stats.GetStats()
	resp.RunningTasks = s.sched.RunningCount()
	resp.MaxConcurrent = s.sched.MaxConcurrent()
	logging.UpdateSpanValue(r.Context(), "runner_tasks_running", float64(resp.RunningTasks))
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) listTasksHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Tasks())
}

func (s *APIServer) getTaskHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	task, err := s.sched.Task(id)
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task.Snapshot())
}

func (s *APIServer) taskLogHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	lines, err := s.sched.TaskLog(id)
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskLogResponse{ID: id, Lines: lines})
}

func (s *APIServer) startTaskHandler(w http.ResponseWriter, r *http.Request) {
	var req startTaskRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Command == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "command is required"})
		return
	}
	if req.Name == "" {
		req.Name = "Task"
	}
	task, err := s.sched.StartTask(req.Name, req.Command)
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task.Snapshot())
}

func (s *APIServer) removeTaskHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	if err := s.sched.RemoveTask(id); err != nil {
		writeSchedulerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) stopAllHandler(w http.ResponseWriter, r *http.Request) {
	n := s.sched.StopAll()
	writeJSON(w, http.StatusOK, map[string]int{"stopped": n})
}

func (s *APIServer) launchBatchHandler(w http.ResponseWriter, r *http.Request) {
	var req launchBatchRequest
	if !decode(w, r, &req) {
		return
	}
	taskType, err := batch.ParseTaskType(req.Type)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}
	if req.Count < 1 || req.Count > maxBatchCount {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("count must be between 1 and %d", maxBatchCount)})
		return
	}

	s.launcher.Launch(s.ctx, taskType, req.Count)
	writeJSON(w, http.StatusAccepted, map[string]any{"type": taskType.String(), "count": req.Count})
}

func (s *APIServer) maxConcurrentHandler(w http.ResponseWriter, r *http.Request) {
	var req maxConcurrentRequest
	if !decode(w, r, &req) {
		return
	}
	n := s.sched.SetMaxConcurrent(req.Value)
	logging.Log(fmt.Sprintf("Max concurrent tasks set to %d", n), slog.LevelInfo)
	writeJSON(w, http.StatusOK, map[string]int{"max_concurrent": n})
}

func taskID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid task id"})
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeSchedulerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrAdmissionRejected):
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: err.Error()})
	case errors.Is(err, scheduler.ErrTaskNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
