package procspawn

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// CIMStrategy asks the management instrumentation service to create the
// process (Win32_Process.Create). The new process is parented to the WMI
// host, so it survives this process and the request.
type CIMStrategy struct {
	PowerShell string
	Timeout    time.Duration
	run        RunFunc
}

func (CIMStrategy) Name() string { return "cim-create" }

func (s CIMStrategy) Spawn(ctx context.Context, c Command) (int, error) {
	ps := s.PowerShell
	if ps == "" {
		ps = "powershell.exe"
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	run := s.run
	if run == nil {
		run = runCombined
	}
	out, err := run(ctx, ps, "-NoProfile", "-NonInteractive", "-EncodedCommand", encodePowerShell(cimScript(c)))
	if err != nil {
		return 0, fmt.Errorf("cim create: %w: %s", err, out)
	}
	return parseCreateOutput(string(out))
}

func cimScript(c Command) string {
	args := "CommandLine=" + psQuote(cmdRedirectLine(c))
	if c.Dir != "" {
		args += "; CurrentDirectory=" + psQuote(c.Dir)
	}
	return "$r = Invoke-CimMethod -ClassName Win32_Process -MethodName Create -Arguments @{" + args + "}; " +
		`"ReturnValue=$($r.ReturnValue);ProcessId=$($r.ProcessId)"`
}

// StartDiffStrategy launches through the shell's "start" builtin, which does
// not report a pid, and infers the pid by diffing the transcoder processes
// before and after the launch.
type StartDiffStrategy struct {
	Table   ProcessTable
	Settle  time.Duration
	Poll    time.Duration
	Timeout time.Duration
	launch  func(ctx context.Context, line string) error
}

func (StartDiffStrategy) Name() string { return "shell-start-diff" }

func (s StartDiffStrategy) Spawn(ctx context.Context, c Command) (int, error) {
	table := s.Table
	if table == nil {
		table = SystemTable{}
	}
	settle, poll, timeout := s.Settle, s.Poll, s.Timeout
	if settle <= 0 {
		settle = 3 * time.Second
	}
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	name := normalizeExeName(c.Path)

	before, err := table.FindByName(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("list %s processes: %w", name, err)
	}

	launch := s.launch
	if launch == nil {
		launch = launchRaw
	}
	lctx, cancel := context.WithTimeout(ctx, timeout)
	err = launch(lctx, `cmd.exe /d /c start "" /b `+cmdRedirectLine(c))
	cancel()
	if err != nil {
		return 0, fmt.Errorf("start launch: %w", err)
	}

	deadline := time.Now().Add(settle)
	for {
		after, err := table.FindByName(ctx, name)
		if err == nil {
			if pid := newestAdded(before, after); pid > 0 {
				return pid, nil
			}
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("no new %s process appeared within %s", name, settle)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(poll):
		}
	}
}

func launchRaw(ctx context.Context, line string) error {
	cmd := exec.CommandContext(ctx, "cmd.exe")
	setRawCmdLine(cmd, line)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, out)
	}
	return nil
}
