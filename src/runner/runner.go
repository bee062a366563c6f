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

// Package runner starts one external command, streams its output as clean
// lines and tears the whole process tree down on cancellation.
//
// Every Spawn call is exactly one process lifecycle. Cancellation escalates
// from a graceful signal to a forced kill of the process group, and every
// wait is bounded so Spawn always returns.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"verifyrunner/src/linebuf"
)

const (
	// StoppedLine is delivered after a cancelled process has been torn down.
	StoppedLine = "[STOPPED] Task was terminated by user"

	defaultGracePeriod = 1 * time.Second
	defaultWaitCeiling = 5 * time.Second

	readChunkSize  = 4 * 1024
	lineChanBuffer = 256
)

// ErrSpawnFailed matches any *SpawnError.
var ErrSpawnFailed = errors.New("spawn failed")

// SpawnError means the OS never started the process. It is distinct from a
// process that ran and exited nonzero.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("start %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool { return target == ErrSpawnFailed }

// Result is the outcome of a process that did start.
type Result struct {
	// ExitCode is the process exit status. Death by signal is reported as
	// 128+signal on POSIX; -1 means the status could not be collected.
	ExitCode int
	// Stopped is set when the process was torn down because ctx was done.
	Stopped bool
	// Forced is set when the runner had to kill the tree because a wait
	// ceiling expired.
	Forced bool
}

// Handle is the running process as seen by whoever wants to stop it.
// All methods are safe to call from any goroutine, any number of times.
type Handle interface {
	Pid() int
	// Terminate asks the process tree to exit (SIGTERM to the group on
	// POSIX).
	Terminate() error
	// Kill forcibly ends the process tree.
	Kill() error
	// Alive reports whether the runner has not yet observed the exit.
	Alive() bool
}

type Options struct {
	// GracePeriod is how long a cancelled process gets between Terminate
	// and Kill.
	GracePeriod time.Duration
	// WaitCeiling bounds every wait for the process to exit or for its
	// output streams to close.
	WaitCeiling time.Duration
	// ShellFallback retries a command through the platform shell when
	// direct execution could not start it.
	ShellFallback bool
	// MaxLineBytes caps one unterminated output line.
	MaxLineBytes int
}

type Runner struct {
	opts Options
}

func New(opts Options) *Runner {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.WaitCeiling <= 0 {
		opts.WaitCeiling = defaultWaitCeiling
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = linebuf.DefaultMaxLineBytes
	}
	return &Runner{opts: opts}
}

// Spawn runs command until it exits or ctx is done. onLine receives every
// output line from the calling goroutine only; stdout and stderr keep their
// own order but are interleaved with each other as they arrive. onStart, if
// set, receives the process handle before any output is delivered.
//
// A non-nil error is always a *SpawnError.
func (r *Runner) Spawn(ctx context.Context, command string, onLine func(string), onStart func(Handle)) (Result, error) {
	if onLine == nil {
		onLine = func(string) {}
	}

	argv, viaShell, err := Split(command)
	if err != nil {
		return Result{ExitCode: -1}, &SpawnError{Command: command, Err: err}
	}

	p, err := r.start(argv)
	if err != nil && !viaShell && r.opts.ShellFallback {
		p, err = r.start(shellArgv(command))
	}
	if err != nil {
		return Result{ExitCode: -1}, &SpawnError{Command: command, Err: err}
	}

	if onStart != nil {
		onStart(p)
	}
	return r.supervise(ctx, p, onLine), nil
}

// Split turns a command line into argv. Lines that need a shell (pipes,
// redirects, expansions) or that cannot be tokenised come back wrapped in
// the platform shell with viaShell set.
func Split(command string) (argv []string, viaShell bool, err error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, false, errors.New("empty command")
	}
	if strings.ContainsAny(command, shellMeta) {
		return shellArgv(command), true, nil
	}

	parser := shellwords.NewParser()
	parser.ParseEnv = false
	parser.ParseBacktick = false
	args, perr := parser.Parse(command)
	if perr != nil || len(args) == 0 {
		return shellArgv(command), true, nil
	}
	return args, false, nil
}

// process is the Handle for a started child.
type process struct {
	cmd     *exec.Cmd
	stdout  *os.File
	stderr  *os.File
	exited  chan struct{}
	waitErr error

	treeMu sync.Mutex
	tree   []int32
	seen   map[int32]struct{}
}

func (r *Runner) start(argv []string) (*process, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	configure(cmd)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, err
	}
	// The child holds its own copies; ours must go so EOF arrives once every
	// writer in the tree is gone.
	stdoutW.Close()
	stderrW.Close()

	p := &process{
		cmd:    cmd,
		stdout: stdoutR,
		stderr: stderrR,
		exited: make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

func (p *process) Pid() int { return p.cmd.Process.Pid }

func (p *process) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *process) Terminate() error {
	return terminateTree(p.cmd.Process, p.remember())
}

func (p *process) Kill() error {
	return killTree(p.cmd.Process, p.remember())
}

// remember adds the current descendants to the known tree and returns all
// of it. Once the root dies its children are reparented and can no longer
// be found by parentage, so the tree must be recorded before signalling.
func (p *process) remember() []int32 {
	fresh := Descendants(p.Pid())

	p.treeMu.Lock()
	defer p.treeMu.Unlock()
	if p.seen == nil {
		p.seen = make(map[int32]struct{})
	}
	for _, pid := range fresh {
		if _, ok := p.seen[pid]; !ok {
			p.seen[pid] = struct{}{}
			p.tree = append(p.tree, pid)
		}
	}
	return append([]int32(nil), p.tree...)
}

func (p *process) closeStreams() {
	p.stdout.Close()
	p.stderr.Close()
}

// supervise pumps output until the process has exited and both streams are
// closed, handling cancellation and wait ceilings along the way.
func (r *Runner) supervise(ctx context.Context, p *process, onLine func(string)) Result {
	lines := make(chan string, lineChanBuffer)
	quit := make(chan struct{})
	defer close(quit)
	defer p.closeStreams()

	var readers sync.WaitGroup
	readers.Add(2)
	go r.pump(p.stdout, lines, quit, &readers)
	go r.pump(p.stderr, lines, quit, &readers)
	go func() {
		readers.Wait()
		close(lines)
	}()

	var (
		res      Result
		lineCh   = lines
		exitCh   = p.exited
		done     = ctx.Done()
		grace    <-chan time.Time
		ceiling  <-chan time.Time
		exited   bool
		gaveUp   bool
		armTimer = func() {
			if ceiling == nil {
				ceiling = time.After(r.opts.WaitCeiling)
			}
		}
	)

	for lineCh != nil || exitCh != nil {
		select {
		case line, ok := <-lineCh:
			if !ok {
				lineCh = nil
				if exitCh != nil {
					armTimer()
				}
				continue
			}
			onLine(line)

		case <-exitCh:
			exitCh = nil
			exited = true
			if res.Stopped {
				// Sweep whatever is left of the group.
				_ = p.Kill()
			}
			if lineCh != nil {
				armTimer()
			}

		case <-done:
			done = nil
			res.Stopped = true
			if !exited {
				_ = p.Terminate()
				grace = time.After(r.opts.GracePeriod)
			} else {
				_ = p.Kill()
			}
			armTimer()

		case <-grace:
			grace = nil
			_ = p.Kill()

		case <-ceiling:
			if gaveUp {
				// The process ignored SIGKILL or a reader is wedged; stop
				// waiting so the caller is never stuck.
				lineCh, exitCh = nil, nil
				continue
			}
			gaveUp = true
			res.Forced = true
			_ = p.Kill()
			p.closeStreams()
			ceiling = time.After(r.opts.WaitCeiling)
		}
	}

	if exited {
		res.ExitCode = exitStatus(p.waitErr)
	} else {
		res.ExitCode = -1
	}
	if res.Stopped {
		onLine(StoppedLine)
	}
	return res
}

// pump reads one stream and forwards its completed lines.
func (r *Runner) pump(src io.Reader, out chan<- string, quit <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	buf := linebuf.NewWithLimit(r.opts.MaxLineBytes)
	chunk := make([]byte, readChunkSize)
	send := func(line string) bool {
		select {
		case out <- line:
			return true
		case <-quit:
			return false
		}
	}

	for {
		n, err := src.Read(chunk)
		if n > 0 {
			for _, line := range buf.Feed(chunk[:n]) {
				if !send(line) {
					return
				}
			}
		}
		if err != nil {
			break
		}
	}
	if tail, ok := buf.Flush(); ok {
		send(tail)
	}
}
