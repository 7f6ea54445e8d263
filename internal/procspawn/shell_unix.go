//go:build !windows

package procspawn

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// backgroundScript backgrounds "$@" with output appended to the log and
// prints the child's pid.
const backgroundScript = `log="$1"; shift; "$@" </dev/null >>"$log" 2>&1 & echo $!`

// ShellStrategy backgrounds the command through /bin/sh and reads back the
// pid the shell reports. The shell exits immediately, so the transcoder is
// re-parented and fully detached from this process.
type ShellStrategy struct {
	Shell   string
	Timeout time.Duration
}

func (ShellStrategy) Name() string { return "shell-background" }

func (s ShellStrategy) Spawn(ctx context.Context, c Command) (int, error) {
	shell := s.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logPath := c.LogPath
	if logPath == "" {
		logPath = "/dev/null"
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{"-c", backgroundScript, "sh", logPath, c.Path}, c.Args...)
	cmd := exec.CommandContext(ctx, shell, args...)
	cmd.Dir = c.Dir
	cmd.SysProcAttr = detachedAttr()
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("shell launch: %w", err)
	}
	return parsePIDLine(out)
}
