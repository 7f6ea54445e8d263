//go:build !windows

package procspawn

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultStrategies returns the POSIX chain: direct start in a new session,
// then a shell background launch.
func DefaultStrategies(ProcessTable) []Strategy {
	return []Strategy{
		DirectStrategy{},
		ShellStrategy{},
	}
}

func detachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

func hideWindow(*exec.Cmd) {}

func setRawCmdLine(*exec.Cmd, string) {}

// alive sends signal 0 and then rules out zombies.
func alive(ctx context.Context, table ProcessTable, pid int) bool {
	if err := unix.Kill(pid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	return table.Exists(ctx, pid)
}

func terminate(ctx context.Context, table ProcessTable, pid int, grace time.Duration) error {
	signalTree(pid, unix.SIGTERM)
	if waitGone(ctx, table, pid, grace) {
		return nil
	}
	signalTree(pid, unix.SIGKILL)
	if waitGone(ctx, table, pid, time.Second) {
		return nil
	}
	return fmt.Errorf("process %d still alive after SIGKILL", pid)
}

// signalTree signals the process group when pid leads one, then pid itself.
func signalTree(pid int, sig unix.Signal) {
	if pgid, err := unix.Getpgid(pid); err == nil && pgid == pid {
		_ = unix.Kill(-pid, sig)
	}
	_ = unix.Kill(pid, sig)
}
