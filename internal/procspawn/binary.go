// Package procspawn locates the native transcoder binary and launches it as
// a detached process whose id can be used later for liveness checks and
// termination.
package procspawn

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultBinary is probed after any operator-configured binary.
const DefaultBinary = "ffmpeg"

const defaultProbeTimeout = 5 * time.Second

// ErrNoBinary is returned when no candidate answered a version probe.
var ErrNoBinary = errors.New("no working transcoder binary found")

// Binary is a probed transcoder executable.
type Binary struct {
	Path    string `json:"path"`
	Version string `json:"version"`
}

// RunFunc runs a command and returns its combined output.
type RunFunc func(ctx context.Context, path string, args ...string) ([]byte, error)

// Prober finds the transcoder binary once and remembers the outcome for the
// life of the process. Concurrent callers share one probe.
type Prober struct {
	candidates []string
	run        RunFunc
	lookPath   func(string) (string, error)
	timeout    time.Duration

	group singleflight.Group
	mu    sync.Mutex
	done  bool
	bin   Binary
	err   error
}

// NewProber returns a Prober trying configured first, then DefaultBinary.
func NewProber(configured string) *Prober {
	candidates := make([]string, 0, 2)
	if c := strings.TrimSpace(configured); c != "" {
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 || candidates[0] != DefaultBinary {
		candidates = append(candidates, DefaultBinary)
	}
	return &Prober{
		candidates: candidates,
		run:        runCombined,
		lookPath:   exec.LookPath,
		timeout:    defaultProbeTimeout,
	}
}

// WithRunner replaces the command runner and path lookup (tests).
func (p *Prober) WithRunner(run RunFunc, lookPath func(string) (string, error)) *Prober {
	p.run = run
	if lookPath != nil {
		p.lookPath = lookPath
	}
	return p
}

// Candidates returns the binaries tried, in order.
func (p *Prober) Candidates() []string {
	return append([]string(nil), p.candidates...)
}

// Probe returns the cached binary, probing on first use.
func (p *Prober) Probe(ctx context.Context) (Binary, error) {
	p.mu.Lock()
	if p.done {
		bin, err := p.bin, p.err
		p.mu.Unlock()
		return bin, err
	}
	p.mu.Unlock()

	v, err, _ := p.group.Do("probe", func() (interface{}, error) {
		bin, err := p.probe(context.WithoutCancel(ctx))
		p.mu.Lock()
		defer p.mu.Unlock()
		if !p.done {
			p.done, p.bin, p.err = true, bin, err
		}
		return p.bin, p.err
	})
	if err != nil {
		return Binary{}, err
	}
	return v.(Binary), nil
}

func (p *Prober) probe(ctx context.Context) (Binary, error) {
	var reasons []string
	for _, candidate := range p.candidates {
		path, err := p.lookPath(candidate)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: %v", candidate, err))
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, p.timeout)
		out, err := p.run(pctx, path, "-hide_banner", "-version")
		cancel()
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: %v", candidate, err))
			continue
		}
		return Binary{Path: path, Version: firstLine(out)}, nil
	}
	return Binary{}, fmt.Errorf("%w (%s)", ErrNoBinary, strings.Join(reasons, "; "))
}

func firstLine(out []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			return line
		}
	}
	return ""
}

func runCombined(ctx context.Context, path string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	hideWindow(cmd)
	return cmd.CombinedOutput()
}
