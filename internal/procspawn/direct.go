package procspawn

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

const defaultConfirmAfter = 400 * time.Millisecond

// DirectStrategy starts the process itself in a new session (POSIX) or a new
// detached process group (Windows) and confirms it is still running shortly
// after launch.
type DirectStrategy struct {
	ConfirmAfter time.Duration
}

func (DirectStrategy) Name() string { return "direct" }

func (s DirectStrategy) Spawn(ctx context.Context, c Command) (int, error) {
	logFile, err := openLog(c.LogPath)
	if err != nil {
		return 0, err
	}
	defer logFile.Close()

	// Not CommandContext: the process must outlive the request.
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = detachedAttr()
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start: %w", err)
	}
	pid := cmd.Process.Pid

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	confirm := s.ConfirmAfter
	if confirm <= 0 {
		confirm = defaultConfirmAfter
	}
	select {
	case err := <-exited:
		return 0, fmt.Errorf("process %d exited right after start (%v): %s", pid, err, logTail(c.LogPath))
	case <-ctx.Done():
		// The request is gone but the process is already detached.
		return pid, nil
	case <-time.After(confirm):
		return pid, nil
	}
}

func openLog(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	return f, nil
}

// logTail returns the last few hundred bytes of the log for diagnostics.
func logTail(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	const max = 512
	if len(data) > max {
		data = data[len(data)-max:]
	}
	return string(bytes.TrimSpace(data))
}
