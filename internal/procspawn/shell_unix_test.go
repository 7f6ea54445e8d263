//go:build !windows

package procspawn

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellStrategy_background_launch(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	dir := t.TempDir()
	logPath := filepath.Join(dir, "transcoder.log")

	sp := New(Config{Strategies: []Strategy{ShellStrategy{}}, KillGrace: 2 * time.Second})
	res, err := sp.Spawn(context.Background(), Command{
		Path:    "/bin/sh",
		Args:    []string{"-c", "echo hi; sleep 5"},
		Dir:     dir,
		LogPath: logPath,
	})
	require.NoError(t, err)
	assert.Equal(t, "shell-background", res.Strategy)
	require.Greater(t, res.PID, 1)
	assert.True(t, sp.Alive(res.PID))

	assert.Eventually(t, func() bool {
		b, err := os.ReadFile(logPath)
		return err == nil && string(b) == "hi\n"
	}, 2*time.Second, 20*time.Millisecond, "child output goes to the log")

	require.NoError(t, sp.Terminate(res.PID))
	assert.Eventually(t, func() bool { return !sp.Alive(res.PID) }, 2*time.Second, 20*time.Millisecond)
}

func TestShellStrategy_missing_shell(t *testing.T) {
	s := ShellStrategy{Shell: filepath.Join(t.TempDir(), "no-such-shell")}
	_, err := s.Spawn(context.Background(), Command{Path: "/bin/true"})
	assert.ErrorContains(t, err, "shell launch")
}
