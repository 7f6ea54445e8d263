package orchestrator

import (
	"hls-relay/internal/session"
	"hls-relay/internal/urlguard"
)

// StartRelayRequest is the body of POST /relay/start.
type StartRelayRequest struct {
	URL string `json:"url"`
}

// StartRelayResponse is returned by POST /relay/start.
type StartRelayResponse struct {
	SessionID   string `json:"session_id"`
	SourceURL   string `json:"source_url"`
	ManifestURL string `json:"manifest_url"`
}

// StartTranscodeRequest is the body of POST /transcode/start. Profile is
// optional and defaults to "balanced".
type StartTranscodeRequest struct {
	URL     string `json:"url"`
	Profile string `json:"profile,omitempty"`
}

// StartTranscodeResponse is returned by POST /transcode/start once the
// first playlist is on disk.
type StartTranscodeResponse struct {
	SessionID   string `json:"session_id"`
	Profile     string `json:"profile"`
	SourceURL   string `json:"source_url"`
	PlaylistURL string `json:"playlist_url"`
}

// SessionView is the operator listing of one session. Only the source host
// is exposed.
type SessionView struct {
	ID           string `json:"id"`
	SourceHost   string `json:"source_host"`
	CreatedAt    int64  `json:"created_at"`
	LastAccessAt int64  `json:"last_access_at"`
	Profile      string `json:"profile,omitempty"`
}

// SessionList is returned by the sessions endpoints.
type SessionList struct {
	Sessions    []SessionView `json:"sessions"`
	MaxSessions int           `json:"max_sessions"`
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func toViews(list []session.Session) []SessionView {
	out := make([]SessionView, 0, len(list))
	for _, s := range list {
		out = append(out, SessionView{
			ID:           s.ID,
			SourceHost:   urlguard.Host(s.SourceURL),
			CreatedAt:    s.CreatedAt,
			LastAccessAt: s.LastAccessAt,
			Profile:      s.Profile,
		})
	}
	return out
}
