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

//go:build !windows

package runner

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// shellMeta lists characters that only a shell can interpret. Quotes and
// backslash escapes are handled by the tokenizer.
const shellMeta = "|&;<>()$`*?[]#~\n"

func shellArgv(command string) []string {
	return []string{"/bin/sh", "-c", command}
}

// configure puts the child in its own process group so the whole tree can
// be signalled at once.
func configure(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateTree(p *os.Process, tree []int32) error {
	if err := unix.Kill(-p.Pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return p.Signal(unix.SIGTERM)
	}
	for _, pid := range tree {
		if pg, err := unix.Getpgid(int(pid)); err == nil && pg != p.Pid {
			_ = unix.Kill(int(pid), unix.SIGTERM)
		}
	}
	return nil
}

// killTree kills the group and every recorded descendant, including those
// that left the group through setsid or setpgid.
func killTree(p *os.Process, tree []int32) error {
	err := unix.Kill(-p.Pid, unix.SIGKILL)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		err = p.Kill()
	} else {
		err = nil
	}
	killPids(tree)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return -1
	}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ee.ExitCode()
}
