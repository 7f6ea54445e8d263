// Package relay manages proxy-only sessions: every playlist request
// re-fetches the upstream manifest and rewrites its references so media is
// pulled through this server.
package relay

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"hls-relay/internal/apperr"
	"hls-relay/internal/fetch"
	"hls-relay/internal/manifest"
	"hls-relay/internal/platform/metrics"
	"hls-relay/internal/session"
	"hls-relay/internal/urlguard"
)

const managerName = "relay"

const (
	DefaultMaxSessions = 12
	DefaultTTL         = 2 * time.Hour

	// MaxManifestBytes caps a fetched playlist.
	MaxManifestBytes = 4 << 20
	// DefaultMaxSegmentBytes caps a fetched segment or key. Bodies are held
	// in memory, so the worst case is MaxSessions times this.
	DefaultMaxSegmentBytes = 16 << 20

	defaultContentType = "application/octet-stream"
	manifestAccept     = "application/vnd.apple.mpegurl, application/x-mpegurl, */*"
)

// Fetcher performs one upstream GET.
type Fetcher interface {
	Get(ctx context.Context, req fetch.Request) (*fetch.Response, error)
}

// Config configures a Manager.
type Config struct {
	MaxSessions int
	TTL         time.Duration
	// PublicPrefix is prepended to the relay routes in rewritten playlists,
	// e.g. "/api/tv". Empty means the routes are served at the root.
	PublicPrefix string
	// MaxSegmentBytes overrides DefaultMaxSegmentBytes.
	MaxSegmentBytes int64
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
	// Validate overrides urlguard.Validate (tests).
	Validate func(string) (string, error)
	Now      func() time.Time
}

// Payload is a response body with its content type.
type Payload struct {
	Body        []byte
	ContentType string
}

// Manager owns relay sessions.
type Manager struct {
	reg        *session.Registry
	fetcher    Fetcher
	rewriter   *manifest.Rewriter
	log        *slog.Logger
	metrics    *metrics.Metrics
	validate   func(string) (string, error)
	prefix     string
	maxSegment int64
}

// NewManager returns a Manager storing sessions in store and fetching through f.
func NewManager(cfg Config, store session.Store, f Fetcher) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Validate == nil {
		cfg.Validate = urlguard.Validate
	}
	if cfg.MaxSegmentBytes <= 0 {
		cfg.MaxSegmentBytes = DefaultMaxSegmentBytes
	}
	m := &Manager{
		fetcher:    f,
		log:        cfg.Logger.With(slog.String("manager", managerName)),
		metrics:    cfg.Metrics,
		validate:   cfg.Validate,
		prefix:     strings.TrimRight(cfg.PublicPrefix, "/"),
		maxSegment: cfg.MaxSegmentBytes,
	}
	m.rewriter = &manifest.Rewriter{SegmentURL: m.SegmentURL, Validate: cfg.Validate}
	m.reg = session.NewRegistry(session.RegistryConfig{
		Store:       store,
		MaxSessions: cfg.MaxSessions,
		TTL:         cfg.TTL,
		OnRemove: func(reason session.RemoveReason) {
			m.metrics.SessionRemoved(managerName, string(reason))
		},
		Logger: m.log,
		Now:    cfg.Now,
	})
	return m
}

// SegmentURL is the same-origin URL that proxies target for session id.
func (m *Manager) SegmentURL(id, target string) string {
	return m.prefix + "/relay/" + id + "/segment?url=" + url.QueryEscape(target)
}

// ManifestURL is the same-origin playlist URL of session id.
func (m *Manager) ManifestURL(id string) string {
	return m.prefix + "/relay/" + id + "/manifest"
}

// Start validates rawURL, admits a session and checks that the upstream
// playlist is reachable. An unreachable upstream rolls the session back.
func (m *Manager) Start(ctx context.Context, rawURL string) (session.Session, error) {
	const op = "relay.start"
	src, err := m.validate(rawURL)
	if err != nil {
		return session.Session{}, apperr.Invalid(op, "invalid stream url", err)
	}

	m.reg.Prepare()
	s, err := m.reg.Create(src, nil)
	if err != nil {
		return session.Session{}, apperr.E(apperr.KindInternal, op, "could not create session", err)
	}

	if _, err := m.fetchManifest(ctx, src); err != nil {
		m.reg.Remove(s.ID, session.ReasonRollback)
		return session.Session{}, apperr.E(apperr.KindUnavailable, op, "stream is unreachable", err)
	}

	m.metrics.SessionStarted(managerName)
	m.log.Info("relay session started",
		slog.String("session_id", s.ID),
		slog.String("source", urlguard.Redact(src)))
	return s, nil
}

// Manifest fetches the session's upstream playlist and rewrites it.
func (m *Manager) Manifest(ctx context.Context, id string) (Payload, error) {
	const op = "relay.manifest"
	s, err := m.reg.Get(id)
	if err != nil {
		return Payload{}, apperr.NotFound(op, err)
	}
	resp, err := m.fetchManifest(ctx, s.SourceURL)
	if err != nil {
		return Payload{}, apperr.E(apperr.KindUnavailable, op, "upstream fetch failed", err)
	}
	body := m.rewrite(resp, s.SourceURL, id)
	if _, err := m.reg.Touch(s); err != nil {
		return Payload{}, apperr.NotFound(op, err)
	}
	return Payload{Body: body, ContentType: manifest.ContentType}, nil
}

// Segment fetches target (absolute, or relative to the session source) and
// passes it through. Nested playlists are rewritten like the main manifest.
func (m *Manager) Segment(ctx context.Context, id, target string) (Payload, error) {
	const op = "relay.segment"
	s, err := m.reg.Get(id)
	if err != nil {
		return Payload{}, apperr.NotFound(op, err)
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return Payload{}, apperr.Invalid(op, "missing segment url", nil)
	}
	abs, err := urlguard.Resolve(s.SourceURL, target)
	if err != nil {
		return Payload{}, apperr.Invalid(op, "invalid segment url", err)
	}
	if abs, err = m.validate(abs); err != nil {
		return Payload{}, apperr.Invalid(op, "invalid segment url", err)
	}

	resp, err := m.fetcher.Get(ctx, fetch.Request{URL: abs, MaxBody: m.maxSegment})
	if err != nil {
		m.metrics.UpstreamFailure("segment")
		m.log.Warn("segment fetch failed",
			slog.String("session_id", id),
			slog.String("target", urlguard.Redact(abs)),
			slog.String("error", err.Error()))
		return Payload{}, apperr.E(apperr.KindUnavailable, op, "upstream fetch failed", err)
	}

	var out Payload
	if manifest.LooksLike(finalURL(resp, abs), resp.ContentType, resp.Body) {
		out = Payload{Body: m.rewrite(resp, abs, id), ContentType: manifest.ContentType}
	} else {
		ct := resp.ContentType
		if ct == "" {
			ct = defaultContentType
		}
		out = Payload{Body: resp.Body, ContentType: ct}
	}
	if _, err := m.reg.Touch(s); err != nil {
		return Payload{}, apperr.NotFound(op, err)
	}
	return out, nil
}

// Stop deletes the session. Safe to call repeatedly and with ids that were
// never issued.
func (m *Manager) Stop(id string) {
	m.reg.Remove(id, session.ReasonStopped)
}

// SweepExpired removes idle and corrupt sessions and returns how many
// expired sessions were removed.
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

func (m *Manager) fetchManifest(ctx context.Context, src string) (*fetch.Response, error) {
	resp, err := m.fetcher.Get(ctx, fetch.Request{
		URL:     src,
		MaxBody: MaxManifestBytes,
		Accept:  manifestAccept,
	})
	if err != nil {
		m.metrics.UpstreamFailure("manifest")
		m.log.Warn("manifest fetch failed",
			slog.String("source", urlguard.Redact(src)),
			slog.String("error", err.Error()))
		return nil, err
	}
	return resp, nil
}

// rewrite resolves references against the post-redirect URL, which is where
// the upstream actually served the playlist from.
func (m *Manager) rewrite(resp *fetch.Response, requested, id string) []byte {
	m.metrics.ManifestServed(string(manifest.Classify(resp.Body)))
	return []byte(m.rewriter.Rewrite(string(resp.Body), finalURL(resp, requested), id))
}

func finalURL(resp *fetch.Response, requested string) string {
	if resp.FinalURL != "" {
		return resp.FinalURL
	}
	return requested
}
