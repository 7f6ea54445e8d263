package procspawn

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessTable answers questions about running processes.
type ProcessTable interface {
	// Exists reports whether pid is present and not a zombie.
	Exists(ctx context.Context, pid int) bool
	// FindByName returns pid → creation time (ms) for processes whose
	// executable name matches name, ignoring case and a .exe suffix.
	FindByName(ctx context.Context, name string) (map[int]int64, error)
}

// SystemTable is the ProcessTable of the running host.
type SystemTable struct{}

// Exists implements ProcessTable.
func (SystemTable) Exists(ctx context.Context, pid int) bool {
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !ok {
		return false
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return true
	}
	for _, st := range status {
		if st == process.Zombie {
			return false
		}
	}
	return true
}

// FindByName implements ProcessTable.
func (SystemTable) FindByName(ctx context.Context, name string) (map[int]int64, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	want := normalizeExeName(name)
	out := make(map[int]int64)
	for _, p := range procs {
		n, err := p.NameWithContext(ctx)
		if err != nil || normalizeExeName(n) != want {
			continue
		}
		created, _ := p.CreateTimeWithContext(ctx)
		out[int(p.Pid)] = created
	}
	return out, nil
}

func normalizeExeName(name string) string {
	base := strings.ToLower(filepath.Base(strings.ReplaceAll(name, `\`, "/")))
	return strings.TrimSuffix(base, ".exe")
}

// newestAdded returns the most recently created pid present in after but not
// in before, or 0.
func newestAdded(before, after map[int]int64) int {
	best, bestCreated := 0, int64(-1)
	for pid, created := range after {
		if _, seen := before[pid]; seen {
			continue
		}
		if created > bestCreated || (created == bestCreated && pid > best) {
			best, bestCreated = pid, created
		}
	}
	return best
}
