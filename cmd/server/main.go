package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hls-relay/internal/fetch"
	"hls-relay/internal/orchestrator"
	"hls-relay/internal/platform/config"
	"hls-relay/internal/platform/logger"
	"hls-relay/internal/platform/metrics"
	"hls-relay/internal/platform/ratelimit"
	"hls-relay/internal/procspawn"
	"hls-relay/internal/relay"
	"hls-relay/internal/session"
	"hls-relay/internal/transcode"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	shutdownTimeout = 10 * time.Second
	probeTimeout    = 10 * time.Second
)

func main() {
	envErr := config.Load()
	st := config.FromEnv()

	log := logger.New(st.LogLevel, st.LogFormat)
	if envErr != nil {
		log.Warn("env file ignored", "error", envErr)
	}
	met := metrics.New()

	relayStore, err := session.NewDirStore(st.RelayRoot())
	if err != nil {
		log.Error("relay session root", "error", err)
		os.Exit(1)
	}
	transcodeStore, err := session.NewDirStore(st.TranscodeRoot())
	if err != nil {
		log.Error("transcode session root", "error", err)
		os.Exit(1)
	}

	client := fetch.New(fetch.Config{
		Timeout:   st.FetchTimeout,
		Retries:   st.FetchRetries,
		UserAgent: st.FetchUserAgent,
		Logger:    log,
	})
	relayMgr := relay.NewManager(relay.Config{
		MaxSessions:     st.RelayMaxSessions,
		TTL:             st.RelayTTL,
		PublicPrefix:    st.PublicPrefix,
		MaxSegmentBytes: int64(st.RelayMaxSegmentMiB) << 20,
		Logger:          log,
		Metrics:         met,
	}, relayStore, client)

	prober := procspawn.NewProber(st.TranscoderBinary)
	spawner := procspawn.New(procspawn.Config{
		Logger:    log,
		OnAttempt: met.SpawnAttempt,
	})
	transcodeMgr := transcode.NewManager(transcode.Config{
		MaxSessions: st.TranscodeMaxSessions,
		TTL:         st.TranscodeTTL,
		UserAgent:   st.FetchUserAgent,
		Logger:      log,
		Metrics:     met,
	}, transcodeStore, prober, spawner)

	svc := orchestrator.NewService(relayMgr, transcodeMgr, orchestrator.ServiceConfig{
		ReadyTimeout: st.ReadyTimeout,
		PublicPrefix: st.PublicPrefix,
		Logger:       log,
	})
	h := orchestrator.NewHandler(svc, log, met)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Use(middleware.Recoverer)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			relayed, transcoded := svc.ActiveSessions()
			met.SetActiveSessions("relay", relayed)
			met.SetActiveSessions("transcode", transcoded)
		}).ServeHTTP(w, r)
	})
	startLimit := ratelimit.PerMinute(st.StartRateLimit)
	if st.PublicPrefix != "" {
		r.Route(st.PublicPrefix, func(r chi.Router) { h.Routes(r, startLimit) })
	} else {
		h.Routes(r, startLimit)
	}

	var sweeper *orchestrator.Sweeper
	if st.SweepInterval > 0 {
		sweeper, err = orchestrator.NewSweeper(svc, st.SweepInterval, log)
		if err != nil {
			log.Error("sweeper schedule", "error", err)
			os.Exit(1)
		}
		sweeper.Start()
	}

	addr := ":" + st.Port
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	probeCtx, cancelProbe := context.WithTimeout(context.Background(), probeTimeout)
	caps := svc.TranscodeCapabilities(probeCtx)
	cancelProbe()

	log.Info("server starting",
		"port", st.Port,
		"session_root", st.SessionRoot,
		"relay_max_sessions", st.RelayMaxSessions,
		"transcode_max_sessions", st.TranscodeMaxSessions,
		"transcoder_available", caps.Available,
		"transcoder_version", caps.Version,
		"sweep_interval", st.SweepInterval.String(),
		"log_level", st.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")
	if sweeper != nil {
		sweeper.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Transcoders are detached and keep running; the next run picks them up
	// from the session root or sweeps them.
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
