package session

import "time"

// Session is the metadata persisted for every live session.
// This also matches the on-disk JSON document.
type Session struct {
	ID           string `json:"id"`
	SourceURL    string `json:"source_url"`
	CreatedAt    int64  `json:"created_at"`
	LastAccessAt int64  `json:"last_access_at"`

	// Transcode sessions only.
	ProcessID int    `json:"process_id,omitempty"`
	Profile   string `json:"profile,omitempty"`
}

// LastAccess returns LastAccessAt as a time.
func (s Session) LastAccess() time.Time {
	return time.Unix(s.LastAccessAt, 0)
}

// Created returns CreatedAt as a time.
func (s Session) Created() time.Time {
	return time.Unix(s.CreatedAt, 0)
}

// Expired reports whether the session was last accessed more than ttl before now.
func (s Session) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastAccess()) > ttl
}

// HasProcess reports whether ProcessID is plausible.
func (s Session) HasProcess() bool {
	return s.ProcessID > 1
}
