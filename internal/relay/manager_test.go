package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hls-relay/internal/apperr"
	"hls-relay/internal/fetch"
	"hls-relay/internal/platform/metrics"
	"hls-relay/internal/session"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// testValidate accepts everything except hosts under blocked.example, so
// httptest servers on loopback are reachable.
func testValidate(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", errors.New("rejected")
	}
	if strings.HasSuffix(u.Hostname(), "blocked.example") {
		return "", errors.New("rejected")
	}
	return strings.TrimSpace(raw), nil
}

const mediaPlaylist = "#EXTM3U\r\n" +
	"#EXT-X-VERSION:3\r\n" +
	"#EXT-X-TARGETDURATION:4\r\n" +
	"#EXT-X-KEY:METHOD=AES-128,URI=\"keys/k1.bin\"\r\n" +
	"\r\n" +
	"#EXTINF:4.0,\r\n" +
	"seg1.ts\r\n" +
	"#EXTINF:4.0,\r\n" +
	"/abs/seg2.ts\r\n" +
	"#EXTINF:4.0,\r\n" +
	"http://cdn.blocked.example/seg3.ts\r\n"

type upstream struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	up := &upstream{hits: map[string]int{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/live/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		up.hit(r.URL.Path)
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = w.Write([]byte(mediaPlaylist))
	})
	mux.HandleFunc("/live/seg1.ts", func(w http.ResponseWriter, r *http.Request) {
		up.hit(r.URL.Path)
		w.Header().Set("Content-Type", "video/mp2t")
		_, _ = w.Write([]byte{0x47, 0x40, 0x00})
	})
	mux.HandleFunc("/live/raw.bin", func(w http.ResponseWriter, r *http.Request) {
		up.hit(r.URL.Path)
		w.Header()["Content-Type"] = nil
		_, _ = w.Write([]byte{0x01, 0x02})
	})
	mux.HandleFunc("/live/variant", func(w http.ResponseWriter, r *http.Request) {
		up.hit(r.URL.Path)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("#EXTM3U\n#EXTINF:2,\nchunk.ts\n"))
	})
	mux.HandleFunc("/gone.m3u8", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	up.Server = httptest.NewServer(mux)
	t.Cleanup(up.Close)
	return up
}

func (u *upstream) hit(path string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.hits[path]++
}

type fixture struct {
	m     *Manager
	store *session.DirStore
	clock *clock
	up    *upstream
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	store, err := session.NewDirStore(t.TempDir())
	require.NoError(t, err)
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	cfg.Now = c.Now
	cfg.Validate = testValidate
	client := fetch.New(fetch.Config{
		Timeout:    2 * time.Second,
		Retries:    0,
		RetryDelay: time.Millisecond,
		Validate:   testValidate,
	})
	return fixture{
		m:     NewManager(cfg, store, client),
		store: store,
		clock: c,
		up:    newUpstream(t),
	}
}

func TestRelay_end_to_end_manifest_rewrite(t *testing.T) {
	met := metrics.New()
	f := newFixture(t, Config{Metrics: met})
	src := f.up.URL + "/live/index.m3u8"

	s, err := f.m.Start(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, src, s.SourceURL)

	p, err := f.m.Manifest(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, "application/vnd.apple.mpegurl", p.ContentType)

	prefix := "/relay/" + s.ID + "/segment?url="
	body := string(p.Body)
	lines := strings.Split(body, "\n")
	var media []string
	for _, line := range lines {
		if line != "" && !strings.HasPrefix(line, "#") {
			media = append(media, line)
		}
	}
	require.Len(t, media, 3)
	assert.Equal(t, prefix+url.QueryEscape(f.up.URL+"/live/seg1.ts"), media[0])
	assert.Equal(t, prefix+url.QueryEscape(f.up.URL+"/abs/seg2.ts"), media[1])
	assert.Equal(t, "http://cdn.blocked.example/seg3.ts", media[2], "unsafe target kept verbatim")

	assert.Contains(t, body, `URI="`+prefix+url.QueryEscape(f.up.URL+"/live/keys/k1.bin")+`"`)
	assert.NotContains(t, body, strings.TrimPrefix(f.up.URL, "http://"))
	assert.NotContains(t, body, "\r")

	rec := httptest.NewRecorder()
	met.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `hls_manifests_served_total{kind="media"} 1`)
}

func TestRelay_Start_rejects_invalid_url(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.m.Start(context.Background(), "ftp://example.com/live.m3u8")
	assert.True(t, apperr.Is(err, apperr.KindInvalid))
	assert.Equal(t, 0, f.m.Count())
}

func TestRelay_Start_unreachable_rolls_back(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.m.Start(context.Background(), f.up.URL+"/gone.m3u8")
	assert.True(t, apperr.Is(err, apperr.KindUnavailable))
	assert.Equal(t, 0, f.m.Count())
}

func TestRelay_Segment_passthrough(t *testing.T) {
	f := newFixture(t, Config{})
	s, err := f.m.Start(context.Background(), f.up.URL+"/live/index.m3u8")
	require.NoError(t, err)

	p, err := f.m.Segment(context.Background(), s.ID, "seg1.ts")
	require.NoError(t, err)
	assert.Equal(t, "video/mp2t", p.ContentType)
	assert.Equal(t, []byte{0x47, 0x40, 0x00}, p.Body)

	p, err = f.m.Segment(context.Background(), s.ID, f.up.URL+"/live/raw.bin")
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", p.ContentType)
}

func TestRelay_Segment_rewrites_nested_playlist(t *testing.T) {
	f := newFixture(t, Config{})
	s, err := f.m.Start(context.Background(), f.up.URL+"/live/index.m3u8")
	require.NoError(t, err)

	p, err := f.m.Segment(context.Background(), s.ID, f.up.URL+"/live/variant")
	require.NoError(t, err)
	assert.Equal(t, "application/vnd.apple.mpegurl", p.ContentType)
	assert.Contains(t, string(p.Body), "/relay/"+s.ID+"/segment?url="+url.QueryEscape(f.up.URL+"/live/chunk.ts"))
}

func TestRelay_Segment_rejects_unsafe_target(t *testing.T) {
	f := newFixture(t, Config{})
	s, err := f.m.Start(context.Background(), f.up.URL+"/live/index.m3u8")
	require.NoError(t, err)

	_, err = f.m.Segment(context.Background(), s.ID, "http://cdn.blocked.example/x.ts")
	assert.True(t, apperr.Is(err, apperr.KindInvalid))

	_, err = f.m.Segment(context.Background(), s.ID, "  ")
	assert.True(t, apperr.Is(err, apperr.KindInvalid))
}

func TestRelay_Segment_upstream_failure(t *testing.T) {
	f := newFixture(t, Config{})
	s, err := f.m.Start(context.Background(), f.up.URL+"/live/index.m3u8")
	require.NoError(t, err)

	_, err = f.m.Segment(context.Background(), s.ID, "missing.ts")
	assert.True(t, apperr.Is(err, apperr.KindUnavailable))
}

func TestRelay_access_touches_session(t *testing.T) {
	f := newFixture(t, Config{})
	s, err := f.m.Start(context.Background(), f.up.URL+"/live/index.m3u8")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.m.Segment(context.Background(), s.ID, "seg1.ts")
	require.NoError(t, err)

	got, err := f.store.Read(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.CreatedAt+60, got.LastAccessAt)
}

func TestRelay_unknown_and_stopped_sessions_are_not_found(t *testing.T) {
	f := newFixture(t, Config{})
	s, err := f.m.Start(context.Background(), f.up.URL+"/live/index.m3u8")
	require.NoError(t, err)

	f.m.Stop(s.ID)
	f.m.Stop(s.ID)
	f.m.Stop("../../etc")

	_, err = f.m.Manifest(context.Background(), s.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	_, err = f.m.Segment(context.Background(), s.ID, "seg1.ts")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	_, err = f.m.Manifest(context.Background(), "abc")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestRelay_expired_session_is_not_found(t *testing.T) {
	f := newFixture(t, Config{TTL: time.Hour})
	s, err := f.m.Start(context.Background(), f.up.URL+"/live/index.m3u8")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	_, err = f.m.Manifest(context.Background(), s.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.Equal(t, 0, f.m.Count())
}

func TestRelay_capacity_evicts_least_recent(t *testing.T) {
	f := newFixture(t, Config{MaxSessions: 2})
	src := f.up.URL + "/live/index.m3u8"

	a, err := f.m.Start(context.Background(), src)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	b, err := f.m.Start(context.Background(), src)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.m.Manifest(context.Background(), a.ID)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	c, err := f.m.Start(context.Background(), src)
	require.NoError(t, err)

	var ids []string
	for _, s := range f.m.List() {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{a.ID, c.ID}, ids)
	_, err = f.m.Manifest(context.Background(), b.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestRelay_SegmentURL_prefix(t *testing.T) {
	f := newFixture(t, Config{PublicPrefix: "/api/tv/"})
	assert.Equal(t, "/api/tv/relay/abc/segment?url=https%3A%2F%2Fx.example%2Fa.ts", f.m.SegmentURL("abc", "https://x.example/a.ts"))
	assert.Equal(t, "/api/tv/relay/abc/manifest", f.m.ManifestURL("abc"))
}

func TestRelay_Segment_over_size_cap(t *testing.T) {
	f := newFixture(t, Config{MaxSegmentBytes: 2})
	s, err := f.m.Start(context.Background(), f.up.URL+"/live/index.m3u8")
	require.NoError(t, err)

	_, err = f.m.Segment(context.Background(), s.ID, "seg1.ts")
	assert.True(t, apperr.Is(err, apperr.KindUnavailable), "3-byte segment over a 2-byte cap: %v", err)

	p, err := f.m.Segment(context.Background(), s.ID, f.up.URL+"/live/raw.bin")
	require.NoError(t, err)
	assert.Len(t, p.Body, 2)
}
