package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"hls-relay/internal/apperr"
	"hls-relay/internal/relay"
	"hls-relay/internal/session"
	"hls-relay/internal/transcode"
)

const (
	relayID     = "aaaaaaaaaaaaaaaaaaaaaaaa"
	transcodeID = "bbbbbbbbbbbbbbbbbbbbbbbb"
)

type fakeRelay struct {
	mu       sync.Mutex
	sessions map[string]session.Session
	startErr error
	stopped  []string
	sweeps   int
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{sessions: map[string]session.Session{}}
}

func (f *fakeRelay) Start(_ context.Context, rawURL string) (session.Session, error) {
	if f.startErr != nil {
		return session.Session{}, f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s := session.Session{ID: relayID, SourceURL: rawURL, CreatedAt: 100, LastAccessAt: 100}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeRelay) Manifest(_ context.Context, id string) (relay.Payload, error) {
	if _, ok := f.get(id); !ok {
		return relay.Payload{}, apperr.NotFound("relay.manifest", session.ErrNotFound)
	}
	return relay.Payload{Body: []byte("#EXTM3U\n/relay/" + id + "/segment?url=x\n"), ContentType: "application/vnd.apple.mpegurl"}, nil
}

func (f *fakeRelay) Segment(_ context.Context, id, target string) (relay.Payload, error) {
	if _, ok := f.get(id); !ok {
		return relay.Payload{}, apperr.NotFound("relay.segment", session.ErrNotFound)
	}
	if target == "" {
		return relay.Payload{}, apperr.Invalid("relay.segment", "missing segment url", nil)
	}
	if target == "https://down.example/x.ts" {
		return relay.Payload{}, apperr.E(apperr.KindUnavailable, "relay.segment", "upstream fetch failed", nil)
	}
	return relay.Payload{Body: []byte{0x47}, ContentType: "video/mp2t"}, nil
}

func (f *fakeRelay) Stop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	delete(f.sessions, id)
}

func (f *fakeRelay) SweepExpired() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return 0
}

func (f *fakeRelay) List() []session.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out
}

func (f *fakeRelay) Count() int                   { return len(f.List()) }
func (f *fakeRelay) MaxSessions() int             { return 12 }
func (f *fakeRelay) ManifestURL(id string) string { return "/relay/" + id + "/manifest" }

func (f *fakeRelay) get(id string) (session.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	return s, ok
}

type fakeTranscode struct {
	mu       sync.Mutex
	dir      string
	caps     transcode.Capabilities
	startErr error
	ready    bool
	session  *session.Session
	stopped  []string
	sweeps   int
}

func newFakeTranscode(dir string) *fakeTranscode {
	return &fakeTranscode{
		dir:   dir,
		ready: true,
		caps:  transcode.Capabilities{Available: true, Version: "ffmpeg version 6.1", MaxSessions: 6, TTLSeconds: 10800},
	}
}

func (f *fakeTranscode) Capabilities(context.Context) transcode.Capabilities { return f.caps }

func (f *fakeTranscode) Start(_ context.Context, rawURL, profile string) (session.Session, error) {
	if f.startErr != nil {
		return session.Session{}, f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s := session.Session{
		ID:           transcodeID,
		SourceURL:    rawURL,
		CreatedAt:    100,
		LastAccessAt: 100,
		ProcessID:    4242,
		Profile:      transcode.LookupProfile(profile).Name,
	}
	f.session = &s
	return s, nil
}

func (f *fakeTranscode) WaitForManifest(context.Context, string, time.Duration) bool {
	return f.ready
}

func (f *fakeTranscode) ManifestPath(id string) (string, error) {
	return f.path("transcode.manifest", id, transcode.ManifestFile)
}

func (f *fakeTranscode) SegmentPath(id, name string) (string, error) {
	if filepath.Base(name) != name || filepath.Ext(name) != ".ts" {
		return "", apperr.Invalid("transcode.segment", "invalid segment name", nil)
	}
	return f.path("transcode.segment", id, name)
}

func (f *fakeTranscode) path(op, id, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil || f.session.ID != id {
		return "", apperr.NotFound(op, session.ErrNotFound)
	}
	p := filepath.Join(f.dir, name)
	if _, err := os.Stat(p); err != nil {
		return "", apperr.NotFound(op, session.ErrNotFound)
	}
	return p, nil
}

func (f *fakeTranscode) Stop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	if f.session != nil && f.session.ID == id {
		f.session = nil
	}
}

func (f *fakeTranscode) SweepExpired() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return 1
}

func (f *fakeTranscode) List() []session.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return nil
	}
	return []session.Session{*f.session}
}

func (f *fakeTranscode) Count() int       { return len(f.List()) }
func (f *fakeTranscode) MaxSessions() int { return 6 }
