//go:build !windows

package tmux

import (
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// DescendantPIDs returns every transitive child of pid, found by
// walking the ps table. Agents fork tool subprocesses that must die
// with the session or they keep writing into the worktree.
func DescendantPIDs(pid int) []int {
	out, err := exec.Command("ps", "-eo", "pid=,ppid=").Output()
	if err != nil {
		return nil
	}
	children := make(map[int][]int)
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		child, err1 := strconv.Atoi(fields[0])
		parent, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			continue
		}
		children[parent] = append(children[parent], child)
	}
	var all []int
	queue := []int{pid}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range children[cur] {
			all = append(all, c)
			queue = append(queue, c)
		}
	}
	return all
}

// KillProcessTree terminates pid and all descendants: SIGTERM first so
// agents can flush, then after grace a SIGKILL for anything still
// alive. Descendants are snapshotted up front because killing the
// parent reparents them to init.
func KillProcessTree(pid int, grace time.Duration) {
	targets := append(DescendantPIDs(pid), pid)
	for _, p := range targets {
		_ = unix.Kill(p, unix.SIGTERM)
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !anyAlive(targets) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	for _, p := range targets {
		if processAlive(p) {
			_ = unix.Kill(p, unix.SIGKILL)
		}
	}
}

func anyAlive(pids []int) bool {
	for _, p := range pids {
		if processAlive(p) {
			return true
		}
	}
	return false
}

// processAlive probes with signal 0, which checks existence without
// delivering anything.
func processAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
