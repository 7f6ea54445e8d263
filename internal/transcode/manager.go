// Package transcode manages sessions backed by a detached transcoder process
// that writes an HLS playlist and segments into the session directory.
package transcode

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"hls-relay/internal/apperr"
	"hls-relay/internal/platform/metrics"
	"hls-relay/internal/procspawn"
	"hls-relay/internal/session"
	"hls-relay/internal/urlguard"
)

const managerName = "transcode"

const (
	DefaultMaxSessions = 6
	DefaultTTL         = 3 * time.Hour
	defaultPoll        = 200 * time.Millisecond
	defaultSpawnGrace  = time.Minute
)

var segmentName = regexp.MustCompile(`^segment_\d{5}\.ts$`)

// Prober reports the transcoder binary.
type Prober interface {
	Probe(ctx context.Context) (procspawn.Binary, error)
}

// Runner launches and controls transcoder processes.
type Runner interface {
	Spawn(ctx context.Context, cmd procspawn.Command) (procspawn.Result, error)
	Terminate(pid int) error
	Alive(pid int) bool
}

// Config configures a Manager.
type Config struct {
	MaxSessions int
	TTL         time.Duration
	// UserAgent is passed to the transcoder for its input requests.
	UserAgent string
	Limits    OutputLimits
	// Poll is the readiness poll interval.
	Poll time.Duration
	// SpawnGrace is how long a session may exist without a process id.
	SpawnGrace time.Duration
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	// Validate overrides urlguard.Validate (tests).
	Validate func(string) (string, error)
	Now      func() time.Time
}

// Capabilities describes transcoding support on this host.
type Capabilities struct {
	Available   bool   `json:"available"`
	Version     string `json:"version"`
	MaxSessions int    `json:"max_sessions"`
	TTLSeconds  int64  `json:"ttl_seconds"`
}

// Manager owns transcode sessions.
type Manager struct {
	reg      *session.Registry
	prober   Prober
	runner   Runner
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	validate func(string) (string, error)
	now      func() time.Time
}

// NewManager returns a Manager storing sessions in store.
func NewManager(cfg Config, store session.Store, prober Prober, runner Runner) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Poll <= 0 {
		cfg.Poll = defaultPoll
	}
	if cfg.SpawnGrace <= 0 {
		cfg.SpawnGrace = defaultSpawnGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Validate == nil {
		cfg.Validate = urlguard.Validate
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Manager{
		prober:   prober,
		runner:   runner,
		cfg:      cfg,
		log:      cfg.Logger.With(slog.String("manager", managerName)),
		metrics:  cfg.Metrics,
		validate: cfg.Validate,
		now:      cfg.Now,
	}
	m.reg = session.NewRegistry(session.RegistryConfig{
		Store:       store,
		MaxSessions: cfg.MaxSessions,
		TTL:         cfg.TTL,
		Release:     m.release,
		OnRemove: func(reason session.RemoveReason) {
			m.metrics.SessionRemoved(managerName, string(reason))
		},
		Logger: m.log,
		Now:    cfg.Now,
	})
	return m
}

// Capabilities probes the binary (cached after the first probe) without
// starting anything.
func (m *Manager) Capabilities(ctx context.Context) Capabilities {
	c := Capabilities{
		MaxSessions: m.reg.MaxSessions(),
		TTLSeconds:  int64(m.reg.TTL() / time.Second),
	}
	if bin, err := m.prober.Probe(ctx); err == nil {
		c.Available = true
		c.Version = bin.Version
	}
	return c
}

// Start validates rawURL, admits a new session and launches the transcoder.
func (m *Manager) Start(ctx context.Context, rawURL, profileName string) (session.Session, error) {
	const op = "transcode.start"
	src, err := m.validate(rawURL)
	if err != nil {
		return session.Session{}, apperr.Invalid(op, "invalid stream url", err)
	}
	bin, err := m.prober.Probe(ctx)
	if err != nil {
		return session.Session{}, apperr.E(apperr.KindTranscoderUnavailable, op, "transcoder is not available on this server", err)
	}
	profile := LookupProfile(profileName)

	m.reg.Prepare()
	s, err := m.reg.Create(src, func(s *session.Session) { s.Profile = profile.Name })
	if err != nil {
		return session.Session{}, apperr.E(apperr.KindInternal, op, "could not create session", err)
	}

	dir := m.reg.Dir(s.ID)
	cmd := procspawn.Command{
		Path:    bin.Path,
		Args:    BuildArgs(profile, src, dir, m.cfg.UserAgent, m.cfg.Limits),
		Dir:     dir,
		LogPath: filepath.Join(dir, LogFile),
	}
	res, err := m.runner.Spawn(ctx, cmd)
	if err == nil && res.PID <= 1 {
		err = procspawn.ErrSpawnFailed
	}
	if err != nil {
		m.reg.Remove(s.ID, session.ReasonRollback)
		m.log.Error("transcoder spawn failed", slog.String("session_id", s.ID), slog.String("error", err.Error()))
		return session.Session{}, apperr.E(apperr.KindSpawnFailed, op, "could not start the transcoder", err)
	}

	s.ProcessID = res.PID
	if err := m.reg.Update(s); err != nil {
		if termErr := m.runner.Terminate(res.PID); termErr != nil {
			m.log.Warn("terminate after metadata failure", slog.Int("pid", res.PID), slog.String("error", termErr.Error()))
		}
		m.reg.Remove(s.ID, session.ReasonRollback)
		return session.Session{}, apperr.E(apperr.KindInternal, op, "could not persist session", err)
	}

	m.metrics.SessionStarted(managerName)
	m.log.Info("transcode session started",
		slog.String("session_id", s.ID),
		slog.String("profile", profile.Name),
		slog.String("source", urlguard.Redact(src)),
		slog.Int("pid", res.PID),
		slog.String("strategy", res.Strategy))
	return s, nil
}

// WaitForManifest polls until the session's playlist exists and is non-empty,
// the process dies, or timeout elapses. Callers must Stop the session on false.
func (m *Manager) WaitForManifest(ctx context.Context, id string, timeout time.Duration) bool {
	s, err := m.reg.Get(id)
	if err != nil {
		return false
	}
	path := filepath.Join(m.reg.Dir(id), ManifestFile)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(m.cfg.Poll)
	defer ticker.Stop()
	for {
		if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
			return true
		}
		if s.HasProcess() && !m.runner.Alive(s.ProcessID) {
			m.log.Warn("transcoder exited before producing a playlist", slog.String("session_id", id))
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// ManifestPath returns the playlist path of a live session.
func (m *Manager) ManifestPath(id string) (string, error) {
	return m.file("transcode.manifest", id, ManifestFile)
}

// SegmentPath returns the path of a segment. name must match
// segment_NNNNN.ts.
func (m *Manager) SegmentPath(id, name string) (string, error) {
	if !segmentName.MatchString(name) {
		return "", apperr.Invalid("transcode.segment", "invalid segment name", nil)
	}
	return m.file("transcode.segment", id, name)
}

func (m *Manager) file(op, id, name string) (string, error) {
	s, err := m.usable(id)
	if err != nil {
		return "", apperr.NotFound(op, err)
	}
	path := filepath.Join(m.reg.Dir(id), name)
	if fi, err := os.Stat(path); err != nil || fi.IsDir() {
		return "", apperr.NotFound(op, session.ErrNotFound)
	}
	if _, err := m.reg.Touch(s); err != nil {
		return "", apperr.NotFound(op, err)
	}
	return path, nil
}

// usable returns the session if it has a running process. Sessions without
// a process past the spawn grace window, or whose process has exited, are
// torn down.
func (m *Manager) usable(id string) (session.Session, error) {
	s, err := m.reg.Get(id)
	if err != nil {
		return session.Session{}, err
	}
	if !s.HasProcess() {
		if m.now().Sub(s.Created()) > m.cfg.SpawnGrace {
			m.reg.Remove(id, session.ReasonDead)
		}
		return session.Session{}, session.ErrNotFound
	}
	if !m.runner.Alive(s.ProcessID) {
		m.log.Info("transcoder process gone", slog.String("session_id", id), slog.Int("pid", s.ProcessID))
		m.reg.Remove(id, session.ReasonDead)
		return session.Session{}, session.ErrNotFound
	}
	return s, nil
}

// Stop terminates the session's process and deletes its directory. Safe to
// call repeatedly and with ids that were never issued.
func (m *Manager) Stop(id string) {
	m.reg.Remove(id, session.ReasonStopped)
}

// SweepExpired removes idle sessions and returns how many were removed.
func (m *Manager) SweepExpired() int {
	return m.reg.SweepExpired()
}

// List returns the live sessions.
func (m *Manager) List() []session.Session {
	return m.reg.List()
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	return m.reg.Count()
}

// MaxSessions returns the capacity limit.
func (m *Manager) MaxSessions() int {
	return m.reg.MaxSessions()
}

func (m *Manager) release(s session.Session) {
	if !s.HasProcess() {
		return
	}
	if err := m.runner.Terminate(s.ProcessID); err != nil && !errors.Is(err, os.ErrProcessDone) {
		m.log.Warn("terminate transcoder failed",
			slog.String("session_id", s.ID),
			slog.Int("pid", s.ProcessID),
			slog.String("error", err.Error()))
	}
}
