package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"hls-relay/internal/apperr"
	"hls-relay/internal/relay"
	"hls-relay/internal/session"
	"hls-relay/internal/transcode"
)

// DefaultReadyTimeout bounds the wait for a transcoder's first playlist.
const DefaultReadyTimeout = 20 * time.Second

// RelaySessions is the relay manager as used by the service.
type RelaySessions interface {
	Start(ctx context.Context, rawURL string) (session.Session, error)
	Manifest(ctx context.Context, id string) (relay.Payload, error)
	Segment(ctx context.Context, id, target string) (relay.Payload, error)
	Stop(id string)
	SweepExpired() int
	List() []session.Session
	Count() int
	MaxSessions() int
	ManifestURL(id string) string
}

// TranscodeSessions is the transcode manager as used by the service.
type TranscodeSessions interface {
	Capabilities(ctx context.Context) transcode.Capabilities
	Start(ctx context.Context, rawURL, profile string) (session.Session, error)
	WaitForManifest(ctx context.Context, id string, timeout time.Duration) bool
	ManifestPath(id string) (string, error)
	SegmentPath(id, name string) (string, error)
	Stop(id string)
	SweepExpired() int
	List() []session.Session
	Count() int
	MaxSessions() int
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	ReadyTimeout time.Duration
	// PublicPrefix is prepended to URLs returned to clients.
	PublicPrefix string
	Logger       *slog.Logger
}

// Service combines both managers behind the operations the HTTP layer
// exposes. It owns the readiness wait for transcode starts.
type Service struct {
	relay        RelaySessions
	transcode    TranscodeSessions
	readyTimeout time.Duration
	prefix       string
	log          *slog.Logger
}

// NewService returns a Service over the given managers.
func NewService(r RelaySessions, t TranscodeSessions, cfg ServiceConfig) *Service {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		relay:        r,
		transcode:    t,
		readyTimeout: cfg.ReadyTimeout,
		prefix:       strings.TrimRight(cfg.PublicPrefix, "/"),
		log:          cfg.Logger,
	}
}

// StartRelay creates a relay session for rawURL.
func (s *Service) StartRelay(ctx context.Context, rawURL string) (StartRelayResponse, error) {
	sess, err := s.relay.Start(ctx, rawURL)
	if err != nil {
		return StartRelayResponse{}, err
	}
	return StartRelayResponse{
		SessionID:   sess.ID,
		SourceURL:   sess.SourceURL,
		ManifestURL: s.relay.ManifestURL(sess.ID),
	}, nil
}

// RelayManifest returns the rewritten upstream playlist of a relay session.
func (s *Service) RelayManifest(ctx context.Context, id string) (relay.Payload, error) {
	return s.relay.Manifest(ctx, id)
}

// RelaySegment proxies one segment, key or nested playlist of a relay session.
func (s *Service) RelaySegment(ctx context.Context, id, target string) (relay.Payload, error) {
	return s.relay.Segment(ctx, id, target)
}

// StopRelay removes a relay session.
func (s *Service) StopRelay(id string) {
	s.relay.Stop(id)
}

// RelaySessions lists live relay sessions.
func (s *Service) RelaySessions() SessionList {
	return SessionList{Sessions: toViews(s.relay.List()), MaxSessions: s.relay.MaxSessions()}
}

// TranscodeCapabilities reports whether a transcoder binary is usable.
func (s *Service) TranscodeCapabilities(ctx context.Context) transcode.Capabilities {
	return s.transcode.Capabilities(ctx)
}

// StartTranscode launches a transcoder and blocks until its first playlist
// appears. A session that does not become ready is stopped and reported as
// KindNotReady.
func (s *Service) StartTranscode(ctx context.Context, rawURL, profile string) (StartTranscodeResponse, error) {
	sess, err := s.transcode.Start(ctx, rawURL, profile)
	if err != nil {
		return StartTranscodeResponse{}, err
	}
	if !s.transcode.WaitForManifest(ctx, sess.ID, s.readyTimeout) {
		s.transcode.Stop(sess.ID)
		s.log.Warn("transcode session not ready, stopped",
			slog.String("session_id", sess.ID),
			slog.String("profile", sess.Profile),
			slog.Duration("timeout", s.readyTimeout))
		return StartTranscodeResponse{}, apperr.E(apperr.KindNotReady, "transcode.start",
			"stream did not become ready in time, try a different profile", nil)
	}
	return StartTranscodeResponse{
		SessionID:   sess.ID,
		Profile:     sess.Profile,
		SourceURL:   sess.SourceURL,
		PlaylistURL: s.prefix + "/transcode/" + sess.ID + "/" + transcode.ManifestFile,
	}, nil
}

// TranscodeManifestPath returns the playlist file of a running transcode session.
func (s *Service) TranscodeManifestPath(id string) (string, error) {
	return s.transcode.ManifestPath(id)
}

// TranscodeSegmentPath returns a segment file of a running transcode session.
func (s *Service) TranscodeSegmentPath(id, name string) (string, error) {
	return s.transcode.SegmentPath(id, name)
}

// StopTranscode terminates the transcoder and removes the session.
func (s *Service) StopTranscode(id string) {
	s.transcode.Stop(id)
}

// TranscodeSessions lists live transcode sessions.
func (s *Service) TranscodeSessions() SessionList {
	return SessionList{Sessions: toViews(s.transcode.List()), MaxSessions: s.transcode.MaxSessions()}
}

// SweepExpired sweeps both managers.
func (s *Service) SweepExpired() (relayed, transcoded int) {
	return s.relay.SweepExpired(), s.transcode.SweepExpired()
}

// ActiveSessions returns the live session count per manager without
// touching or removing anything.
func (s *Service) ActiveSessions() (relayed, transcoded int) {
	return s.relay.Count(), s.transcode.Count()
}
