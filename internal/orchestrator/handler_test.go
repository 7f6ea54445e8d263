package orchestrator

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"hls-relay/internal/apperr"
	"hls-relay/internal/platform/ratelimit"
	"hls-relay/internal/procspawn"
)

type testEnv struct {
	router    *chi.Mux
	relay     *fakeRelay
	transcode *fakeTranscode
	dir       string
}

func newTestEnv(t *testing.T, startLimit func(http.Handler) http.Handler) *testEnv {
	t.Helper()
	dir := t.TempDir()
	rel := newFakeRelay()
	tc := newFakeTranscode(dir)
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	svc := NewService(rel, tc, ServiceConfig{Logger: log})
	h := NewHandler(svc, log, nil)

	r := chi.NewRouter()
	h.Routes(r, startLimit)
	return &testEnv{router: r, relay: rel, transcode: tc, dir: dir}
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, _ := json.Marshal(b)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp
}

func TestHandler_StartRelay(t *testing.T) {
	e := newTestEnv(t, nil)

	rec := e.do(http.MethodPost, "/relay/start", StartRelayRequest{URL: "https://example.com/live.m3u8"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp StartRelayResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.SessionID != relayID || resp.SourceURL != "https://example.com/live.m3u8" {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.ManifestURL != "/relay/"+relayID+"/manifest" {
		t.Errorf("manifest url = %q", resp.ManifestURL)
	}
}

func TestHandler_StartRelay_error_mapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid", apperr.Invalid("relay.start", "invalid stream url", nil), http.StatusUnprocessableEntity, "invalid_input"},
		{"unavailable", apperr.E(apperr.KindUnavailable, "relay.start", "stream is unreachable", nil), http.StatusServiceUnavailable, "upstream_unavailable"},
		{"internal", os.ErrPermission, http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, nil)
			e.relay.startErr = tt.err
			rec := e.do(http.MethodPost, "/relay/start", StartRelayRequest{URL: "https://example.com/a.m3u8"})
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			resp := decodeError(t, rec)
			if resp.Code != tt.code {
				t.Errorf("code = %q, want %q", resp.Code, tt.code)
			}
			if strings.Contains(resp.Error, "permission") {
				t.Errorf("internal detail leaked: %q", resp.Error)
			}
		})
	}
}

func TestHandler_StartRelay_bad_body(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := e.do(http.MethodPost, "/relay/start", "not json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_RelayManifest(t *testing.T) {
	e := newTestEnv(t, nil)
	e.do(http.MethodPost, "/relay/start", StartRelayRequest{URL: "https://example.com/live.m3u8"})

	rec := e.do(http.MethodGet, "/relay/"+relayID+"/manifest", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/vnd.apple.mpegurl" {
		t.Errorf("content type = %q", ct)
	}
	if !strings.HasPrefix(rec.Body.String(), "#EXTM3U") {
		t.Errorf("body = %q", rec.Body.String())
	}

	rec = e.do(http.MethodGet, "/relay/zzzzzzzzzzzzzzzzzzzzzzzz/manifest", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Error != "session not found" {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestHandler_RelaySegment(t *testing.T) {
	e := newTestEnv(t, nil)
	e.do(http.MethodPost, "/relay/start", StartRelayRequest{URL: "https://example.com/live.m3u8"})

	rec := e.do(http.MethodGet, "/relay/"+relayID+"/segment?url=https%3A%2F%2Fexample.com%2Fs1.ts", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/mp2t" {
		t.Errorf("content type = %q", ct)
	}

	rec = e.do(http.MethodGet, "/relay/"+relayID+"/segment", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("missing url: expected 422, got %d", rec.Code)
	}

	rec = e.do(http.MethodGet, "/relay/"+relayID+"/segment?url=https%3A%2F%2Fdown.example%2Fx.ts", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("upstream down: expected 503, got %d", rec.Code)
	}
}

func TestHandler_StopRelay_idempotent(t *testing.T) {
	e := newTestEnv(t, nil)
	e.do(http.MethodPost, "/relay/start", StartRelayRequest{URL: "https://example.com/live.m3u8"})

	for i := 0; i < 2; i++ {
		rec := e.do(http.MethodDelete, "/relay/"+relayID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("stop %d: expected 200, got %d", i, rec.Code)
		}
	}
	if rec := e.do(http.MethodDelete, "/relay/never-issued", nil); rec.Code != http.StatusOK {
		t.Errorf("unknown id: expected 200, got %d", rec.Code)
	}
	if rec := e.do(http.MethodGet, "/relay/"+relayID+"/manifest", nil); rec.Code != http.StatusNotFound {
		t.Errorf("after stop: expected 404, got %d", rec.Code)
	}
}

func TestHandler_ListRelay(t *testing.T) {
	e := newTestEnv(t, nil)
	e.do(http.MethodPost, "/relay/start", StartRelayRequest{URL: "https://user:pw@cdn.example.com/live.m3u8?token=secret"})

	rec := e.do(http.MethodGet, "/relay/sessions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret") || strings.Contains(rec.Body.String(), "pw") {
		t.Errorf("listing leaks source url: %s", rec.Body.String())
	}
	var list SessionList
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Sessions) != 1 || list.Sessions[0].SourceHost != "cdn.example.com" || list.MaxSessions != 12 {
		t.Errorf("unexpected listing %+v", list)
	}
}

func TestHandler_Capabilities(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := e.do(http.MethodGet, "/transcode/capabilities", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	want := `{"available":true,"version":"ffmpeg version 6.1","max_sessions":6,"ttl_seconds":10800}`
	if got := strings.TrimSpace(rec.Body.String()); got != want {
		t.Errorf("body = %s, want %s", got, want)
	}
}

func TestHandler_StartTranscode(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := e.do(http.MethodPost, "/transcode/start", StartTranscodeRequest{URL: "https://example.com/live.m3u8", Profile: "stable"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp StartTranscodeResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Profile != "stable" || resp.PlaylistURL != "/transcode/"+transcodeID+"/playlist.m3u8" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestHandler_StartTranscode_not_ready_stops_session(t *testing.T) {
	e := newTestEnv(t, nil)
	e.transcode.ready = false

	rec := e.do(http.MethodPost, "/transcode/start", StartTranscodeRequest{URL: "https://example.com/live.m3u8"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "not_ready" {
		t.Errorf("code = %q", resp.Code)
	}
	if len(e.transcode.stopped) != 1 || e.transcode.stopped[0] != transcodeID {
		t.Errorf("session not stopped: %v", e.transcode.stopped)
	}
}

func TestHandler_StartTranscode_unavailable_and_spawn_failed(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{apperr.E(apperr.KindTranscoderUnavailable, "transcode.start", "transcoder is not available on this server", procspawn.ErrNoBinary), "transcoder_unavailable"},
		{apperr.E(apperr.KindSpawnFailed, "transcode.start", "could not start the transcoder", procspawn.ErrSpawnFailed), "spawn_failed"},
	}
	for _, tt := range tests {
		e := newTestEnv(t, nil)
		e.transcode.startErr = tt.err
		rec := e.do(http.MethodPost, "/transcode/start", StartTranscodeRequest{URL: "https://example.com/live.m3u8"})
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503, got %d", tt.code, rec.Code)
		}
		if resp := decodeError(t, rec); resp.Code != tt.code {
			t.Errorf("code = %q, want %q", resp.Code, tt.code)
		}
	}
}

func TestHandler_TranscodeFiles(t *testing.T) {
	e := newTestEnv(t, nil)
	e.do(http.MethodPost, "/transcode/start", StartTranscodeRequest{URL: "https://example.com/live.m3u8"})

	if err := os.WriteFile(filepath.Join(e.dir, "playlist.m3u8"), []byte("#EXTM3U\nsegment_00000.ts\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(e.dir, "segment_00000.ts"), []byte{0x47, 0x00}, 0o644); err != nil {
		t.Fatal(err)
	}

	rec := e.do(http.MethodGet, "/transcode/"+transcodeID+"/playlist.m3u8", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("playlist: expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/vnd.apple.mpegurl" {
		t.Errorf("playlist content type = %q", ct)
	}

	rec = e.do(http.MethodGet, "/transcode/"+transcodeID+"/segment_00000.ts", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("segment: expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/mp2t" {
		t.Errorf("segment content type = %q", ct)
	}

	if rec := e.do(http.MethodGet, "/transcode/"+transcodeID+"/secret.json", nil); rec.Code != http.StatusNotFound {
		t.Errorf("bad name: expected 404, got %d", rec.Code)
	}
	if rec := e.do(http.MethodGet, "/transcode/"+transcodeID+"/segment_00009.ts", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing segment: expected 404, got %d", rec.Code)
	}
}

func TestHandler_StopTranscode(t *testing.T) {
	e := newTestEnv(t, nil)
	e.do(http.MethodPost, "/transcode/start", StartTranscodeRequest{URL: "https://example.com/live.m3u8"})

	if rec := e.do(http.MethodDelete, "/transcode/"+transcodeID, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := e.do(http.MethodDelete, "/transcode/"+transcodeID, nil); rec.Code != http.StatusOK {
		t.Fatalf("second stop: expected 200, got %d", rec.Code)
	}
	if rec := e.do(http.MethodGet, "/transcode/"+transcodeID+"/playlist.m3u8", nil); rec.Code != http.StatusNotFound {
		t.Errorf("after stop: expected 404, got %d", rec.Code)
	}
}

func TestHandler_start_rate_limit(t *testing.T) {
	e := newTestEnv(t, ratelimit.PerMinute(1))

	if rec := e.do(http.MethodPost, "/relay/start", StartRelayRequest{URL: "https://example.com/a.m3u8"}); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if rec := e.do(http.MethodPost, "/relay/start", StartRelayRequest{URL: "https://example.com/a.m3u8"}); rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}
	if rec := e.do(http.MethodGet, "/relay/"+relayID+"/manifest", nil); rec.Code != http.StatusOK {
		t.Errorf("playback must not be limited, got %d", rec.Code)
	}
}
