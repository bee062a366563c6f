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

package runner

import (
	"context"
	"strings"
	"time"

	gops "github.com/shirou/gopsutil/v3/process"
)

const treeLookupTimeout = 2 * time.Second

// Descendants returns every live descendant of pid, deepest first.
// Lookup failures yield a partial or empty list.
func Descendants(pid int) []int32 {
	ctx, cancel := context.WithTimeout(context.Background(), treeLookupTimeout)
	defer cancel()

	root, err := gops.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil
	}
	var out []int32
	var walk func(p *gops.Process)
	walk = func(p *gops.Process) {
		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			return
		}
		for _, c := range children {
			walk(c)
			out = append(out, c.Pid)
		}
	}
	walk(root)
	return out
}

// Alive reports whether pid names a running process. Zombies count as gone.
func Alive(pid int) bool {
	ctx, cancel := context.WithTimeout(context.Background(), treeLookupTimeout)
	defer cancel()

	p, err := gops.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	statuses, err := p.StatusWithContext(ctx)
	if err != nil {
		return false
	}
	for _, s := range statuses {
		if strings.EqualFold(s, gops.Zombie) {
			return false
		}
	}
	return true
}

func killPids(pids []int32) int {
	ctx, cancel := context.WithTimeout(context.Background(), treeLookupTimeout)
	defer cancel()
	n := 0
	for _, pid := range pids {
		p, err := gops.NewProcessWithContext(ctx, pid)
		if err != nil {
			continue
		}
		if p.KillWithContext(ctx) == nil {
			n++
		}
	}
	return n
}

// KillTree kills pid and every descendant, deepest first. It returns the
// number of processes signalled.
func KillTree(pid int) int {
	return killPids(append(Descendants(pid), int32(pid)))
}
