//go:build windows

package procspawn

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/windows"
)

// DefaultStrategies returns the Windows chain: direct creation in a detached
// process group, a WMI create call, then a shell start with pid discovery.
func DefaultStrategies(table ProcessTable) []Strategy {
	return []Strategy{
		DirectStrategy{},
		CIMStrategy{},
		StartDiffStrategy{Table: table},
	}
}

func detachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP | windows.DETACHED_PROCESS,
	}
}

func hideWindow(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: windows.CREATE_NO_WINDOW,
	}
}

func setRawCmdLine(cmd *exec.Cmd, line string) {
	hideWindow(cmd)
	cmd.SysProcAttr.CmdLine = line
}

func alive(ctx context.Context, table ProcessTable, pid int) bool {
	return table.Exists(ctx, pid)
}

// terminate has no graceful signal to send; it force-kills the process tree.
func terminate(ctx context.Context, table ProcessTable, pid int, grace time.Duration) error {
	kctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(kctx, "taskkill", "/PID", strconv.Itoa(pid), "/T", "/F")
	hideWindow(cmd)
	out, err := cmd.CombinedOutput()
	if waitGone(ctx, table, pid, grace) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("taskkill %d: %w: %s", pid, err, out)
	}
	return fmt.Errorf("process %d still alive after taskkill", pid)
}
