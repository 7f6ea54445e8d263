package procspawn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// ErrSpawnFailed is matched by every *SpawnError.
var ErrSpawnFailed = errors.New("transcoder spawn failed")

// Command describes the process to launch.
type Command struct {
	Path string
	Args []string
	// Dir is the working directory.
	Dir string
	// LogPath receives stdout and stderr.
	LogPath string
}

// Line renders the command for logs.
func (c Command) Line() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// Strategy is one technique for launching a detached process.
type Strategy interface {
	Name() string
	Spawn(ctx context.Context, cmd Command) (int, error)
}

// Attempt records the outcome of one strategy.
type Attempt struct {
	Strategy string
	PID      int
	Err      error
	Elapsed  time.Duration
}

// SpawnError carries the diagnostics of every failed attempt.
type SpawnError struct {
	Attempts []Attempt
}

func (e *SpawnError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Strategy, a.Err))
	}
	if len(parts) == 0 {
		return ErrSpawnFailed.Error() + ": no strategies configured"
	}
	return ErrSpawnFailed.Error() + ": " + strings.Join(parts, "; ")
}

func (e *SpawnError) Is(target error) bool { return target == ErrSpawnFailed }

func (e *SpawnError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// Result is a successful spawn.
type Result struct {
	PID      int
	Strategy string
	Attempts []Attempt
}

// Config configures a Spawner.
type Config struct {
	// Strategies overrides the OS default chain.
	Strategies []Strategy
	// Table backs liveness checks and process discovery.
	Table ProcessTable
	// KillGrace is how long a graceful signal is given before a forceful kill.
	KillGrace time.Duration
	Logger    *slog.Logger
	// OnAttempt observes every strategy attempt (metrics).
	OnAttempt func(strategy string, ok bool)
}

// Spawner tries its strategies in order until one yields a usable pid.
type Spawner struct {
	strategies []Strategy
	table      ProcessTable
	grace      time.Duration
	log        *slog.Logger
	onAttempt  func(string, bool)
}

// New returns a Spawner for cfg.
func New(cfg Config) *Spawner {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Table == nil {
		cfg.Table = SystemTable{}
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 2 * time.Second
	}
	if cfg.Strategies == nil {
		cfg.Strategies = DefaultStrategies(cfg.Table)
	}
	return &Spawner{
		strategies: cfg.Strategies,
		table:      cfg.Table,
		grace:      cfg.KillGrace,
		log:        cfg.Logger,
		onAttempt:  cfg.OnAttempt,
	}
}

// Strategies returns the configured strategy names in order.
func (s *Spawner) Strategies() []string {
	names := make([]string, 0, len(s.strategies))
	for _, st := range s.strategies {
		names = append(names, st.Name())
	}
	return names
}

// Spawn launches cmd. A pid <= 1 counts as a failed attempt.
func (s *Spawner) Spawn(ctx context.Context, cmd Command) (Result, error) {
	attempts := make([]Attempt, 0, len(s.strategies))
	for _, st := range s.strategies {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, Attempt{Strategy: st.Name(), Err: err})
			break
		}
		start := time.Now()
		pid, err := st.Spawn(ctx, cmd)
		if err == nil && pid <= 1 {
			err = fmt.Errorf("invalid process id %d", pid)
		}
		a := Attempt{Strategy: st.Name(), PID: pid, Err: err, Elapsed: time.Since(start)}
		attempts = append(attempts, a)
		if s.onAttempt != nil {
			s.onAttempt(st.Name(), err == nil)
		}
		if err == nil {
			s.log.Info("transcoder spawned",
				slog.String("strategy", st.Name()),
				slog.Int("pid", pid),
				slog.Duration("elapsed", a.Elapsed))
			return Result{PID: pid, Strategy: st.Name(), Attempts: attempts}, nil
		}
		s.log.Warn("spawn strategy failed",
			slog.String("strategy", st.Name()),
			slog.String("error", err.Error()))
	}
	return Result{}, &SpawnError{Attempts: attempts}
}

// Alive reports whether pid refers to a running process.
func (s *Spawner) Alive(pid int) bool {
	if pid <= 1 {
		return false
	}
	return alive(context.Background(), s.table, pid)
}

// Terminate stops pid: a graceful signal first where the OS supports one,
// then a forceful kill. Termination of an absent process succeeds.
func (s *Spawner) Terminate(pid int) error {
	if pid <= 1 {
		return nil
	}
	return terminate(context.Background(), s.table, pid, s.grace)
}

// waitGone polls until pid disappears or d elapses.
func waitGone(ctx context.Context, table ProcessTable, pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if !alive(ctx, table, pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
}
