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

//go:build windows

package runner

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// shellMeta lists characters that only cmd.exe can interpret. Backslashes
// are path separators here, which the POSIX-style tokenizer would eat.
const shellMeta = "|&<>^%\\\n"

func shellArgv(command string) []string {
	return []string{"cmd.exe", "/C", command}
}

// configure keeps the child off the parent's console and in its own group.
func configure(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: windows.CREATE_NO_WINDOW | windows.CREATE_NEW_PROCESS_GROUP,
	}
}

// terminateTree sends CTRL_BREAK to the child's group. Children without a
// console cannot receive it, in which case the tree is killed outright.
func terminateTree(p *os.Process, tree []int32) error {
	if err := windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(p.Pid)); err != nil {
		return killTree(p, tree)
	}
	return nil
}

func killTree(p *os.Process, tree []int32) error {
	killPids(tree)
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
