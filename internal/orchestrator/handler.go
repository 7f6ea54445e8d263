package orchestrator

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"hls-relay/internal/apperr"
	"hls-relay/internal/manifest"
	"hls-relay/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const maxRequestBody = 64 << 10

// Handler exposes the relay and transcode HTTP endpoints using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, log: log, metrics: m}
}

// Routes registers every endpoint on r. startLimit wraps the two start
// endpoints; pass nil for no limiting.
func (h *Handler) Routes(r chi.Router, startLimit func(http.Handler) http.Handler) {
	limited := func(fn http.HandlerFunc) http.Handler {
		if startLimit == nil {
			return fn
		}
		return startLimit(fn)
	}
	r.Route("/relay", func(r chi.Router) {
		r.Method(http.MethodPost, "/start", limited(h.StartRelay))
		r.Get("/sessions", h.ListRelay)
		r.Route("/{session_id}", func(r chi.Router) {
			r.Get("/manifest", h.RelayManifest)
			r.Get("/segment", h.RelaySegment)
			r.Delete("/", h.StopRelay)
		})
	})
	r.Route("/transcode", func(r chi.Router) {
		r.Get("/capabilities", h.Capabilities)
		r.Get("/sessions", h.ListTranscode)
		r.Method(http.MethodPost, "/start", limited(h.StartTranscode))
		r.Route("/{session_id}", func(r chi.Router) {
			r.Get("/playlist.m3u8", h.TranscodePlaylist)
			r.Get("/{segment_file}", h.TranscodeSegment)
			r.Delete("/", h.StopTranscode)
		})
	})
}

// StartRelay handles POST /relay/start. Body: {"url": "https://..."}.
func (h *Handler) StartRelay(w http.ResponseWriter, r *http.Request) {
	var req StartRelayRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.svc.StartRelay(r.Context(), req.URL)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// RelayManifest handles GET /relay/{session_id}/manifest.
func (h *Handler) RelayManifest(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.RelayManifest(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeBody(w, p.ContentType, p.Body, true)
}

// RelaySegment handles GET /relay/{session_id}/segment?url=<target>.
func (h *Handler) RelaySegment(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.RelaySegment(r.Context(), chi.URLParam(r, "session_id"), r.URL.Query().Get("url"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeBody(w, p.ContentType, p.Body, p.ContentType == manifest.ContentType)
}

// StopRelay handles DELETE /relay/{session_id}. Always 200.
func (h *Handler) StopRelay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	h.svc.StopRelay(id)
	h.log.Info("relay session stopped", slog.String("session_id", id))
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

// ListRelay handles GET /relay/sessions.
func (h *Handler) ListRelay(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.RelaySessions())
}

// Capabilities handles GET /transcode/capabilities.
func (h *Handler) Capabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.TranscodeCapabilities(r.Context()))
}

// StartTranscode handles POST /transcode/start. Body: {"url": "...",
// "profile": "fast|balanced|stable"}. Responds once the playlist exists.
func (h *Handler) StartTranscode(w http.ResponseWriter, r *http.Request) {
	var req StartTranscodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.svc.StartTranscode(r.Context(), req.URL, req.Profile)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// TranscodePlaylist handles GET /transcode/{session_id}/playlist.m3u8.
func (h *Handler) TranscodePlaylist(w http.ResponseWriter, r *http.Request) {
	path, err := h.svc.TranscodeManifestPath(chi.URLParam(r, "session_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", manifest.ContentType)
	w.Header().Set("Cache-Control", "no-cache, no-store")
	http.ServeFile(w, r, path)
}

// TranscodeSegment handles GET /transcode/{session_id}/{segment_file}.
func (h *Handler) TranscodeSegment(w http.ResponseWriter, r *http.Request) {
	path, err := h.svc.TranscodeSegmentPath(chi.URLParam(r, "session_id"), chi.URLParam(r, "segment_file"))
	if err != nil {
		// A bad file name under a session is just a missing file to clients.
		if apperr.Is(err, apperr.KindInvalid) {
			err = apperr.NotFound("transcode.segment", err)
		}
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "video/mp2t")
	http.ServeFile(w, r, path)
}

// StopTranscode handles DELETE /transcode/{session_id}. Always 200.
func (h *Handler) StopTranscode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	h.svc.StopTranscode(id)
	h.log.Info("transcode session stopped", slog.String("session_id", id))
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

// ListTranscode handles GET /transcode/sessions.
func (h *Handler) ListTranscode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.TranscodeSessions())
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(dst); err != nil {
		h.log.Debug("invalid request body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "request body must be a JSON object", Code: "bad_request"})
		return false
	}
	return true
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalid:
		return http.StatusUnprocessableEntity
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindUnavailable, apperr.KindTranscoderUnavailable, apperr.KindSpawnFailed, apperr.KindNotReady:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	attrs := []any{
		slog.String("path", r.URL.Path),
		slog.String("code", kind.String()),
		slog.String("error", err.Error()),
	}
	switch {
	case status >= http.StatusInternalServerError && kind == apperr.KindInternal:
		h.log.Error("request failed", attrs...)
	case status == http.StatusServiceUnavailable:
		h.log.Warn("request failed", attrs...)
	default:
		h.log.Debug("request rejected", attrs...)
	}
	writeJSON(w, status, ErrorResponse{Error: apperr.MessageOf(err), Code: kind.String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeBody(w http.ResponseWriter, contentType string, body []byte, noCache bool) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if noCache {
		w.Header().Set("Cache-Control", "no-cache, no-store")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
