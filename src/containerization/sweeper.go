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

package containerization

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	gops "github.com/shirou/gopsutil/v3/process"

	"verifyrunner/src/command"
	"verifyrunner/src/logging"
	"verifyrunner/src/runner"
)

// AllContainersPrefix names every container the autobuild script creates.
const AllContainersPrefix = "autobuild-"

type ContainerKiller interface {
	KillByNamePrefix(ctx context.Context, prefix string) (int, error)
}

type hostProcess struct {
	pid     int32
	cmdline string
}

// processTable lists and kills host processes.
type processTable interface {
	list(ctx context.Context) ([]hostProcess, error)
	kill(pid int32) int
}

type gopsutilTable struct{}

func (gopsutilTable) list(ctx context.Context) ([]hostProcess, error) {
	procs, err := gops.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]hostProcess, 0, len(procs))
	for _, p := range procs {
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue
		}
		out = append(out, hostProcess{pid: p.Pid, cmdline: cmdline})
	}
	return out, nil
}

func (gopsutilTable) kill(pid int32) int {
	return runner.KillTree(int(pid))
}

// Sweeper is the best-effort net behind handle-based termination. Every
// error is logged and dropped.
type Sweeper struct {
	docker ContainerKiller
	procs  processTable
	script string
	self   int32
	stats  *logging.RunnerStats
}

// NewSweeper returns a sweeper. docker may be nil when no daemon is
// reachable; scriptPath identifies orphaned script runs on the host.
func NewSweeper(docker ContainerKiller, scriptPath string, stats *logging.RunnerStats) *Sweeper {
	return &Sweeper{
		docker: docker,
		procs:  gopsutilTable{},
		script: filepath.Base(scriptPath),
		self:   int32(os.Getpid()),
		stats:  stats,
	}
}

// SweepAll kills every autobuild container and any host process still
// running the autobuild script.
func (s *Sweeper) SweepAll(ctx context.Context) {
	n := s.killContainers(ctx, AllContainersPrefix)
	n += s.killScripts(ctx)
	s.stats.SweepKilled(ctx, "all", n)
	logging.Log(fmt.Sprintf("Stop-all sweep killed %d containers and processes", n), slog.LevelInfo)
}

// SweepTask kills containers carrying the task's name prefixes.
func (s *Sweeper) SweepTask(ctx context.Context, name string) {
	prefixes := command.ContainerPrefixes(name)
	if len(prefixes) == 0 {
		return
	}
	n := 0
	for _, prefix := range prefixes {
		n += s.killContainers(ctx, prefix)
	}
	s.stats.SweepKilled(ctx, "task", n)
	if n > 0 {
		logging.Log(fmt.Sprintf("Sweep for %q killed %d containers", name, n), slog.LevelInfo)
	}
}

func (s *Sweeper) killContainers(ctx context.Context, prefix string) int {
	if s.docker == nil {
		return 0
	}
	n, err := s.docker.KillByNamePrefix(ctx, prefix)
	if err != nil {
		logging.Log(fmt.Sprintf("Container sweep for %s: %v", prefix, err), slog.LevelWarn)
	}
	return n
}

func (s *Sweeper) killScripts(ctx context.Context) int {
	if s.script == "" || s.script == "." || s.procs == nil {
		return 0
	}
	procs, err := s.procs.list(ctx)
	if err != nil {
		logging.Log(fmt.Sprintf("Process sweep: %v", err), slog.LevelWarn)
		return 0
	}
	n := 0
	for _, p := range procs {
		if p.pid == s.self || !strings.Contains(p.cmdline, s.script) {
			continue
		}
		n += s.procs.kill(p.pid)
	}
	return n
}
