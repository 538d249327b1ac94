package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/colinmarc/magic-mirror/internal/attachment"
	"github.com/colinmarc/magic-mirror/internal/audio"
	"github.com/colinmarc/magic-mirror/internal/catalog"
	"github.com/colinmarc/magic-mirror/internal/config"
	"github.com/colinmarc/magic-mirror/internal/displayparams"
	"github.com/colinmarc/magic-mirror/internal/gpu"
	"github.com/colinmarc/magic-mirror/internal/gpu/vk"
	"github.com/colinmarc/magic-mirror/internal/health"
	"github.com/colinmarc/magic-mirror/internal/hostinfo"
	"github.com/colinmarc/magic-mirror/internal/metrics"
	"github.com/colinmarc/magic-mirror/internal/session"
	"github.com/colinmarc/magic-mirror/internal/sessionmgr"
	"github.com/colinmarc/magic-mirror/internal/transport"
	"github.com/colinmarc/magic-mirror/internal/transport/fec"
	"github.com/colinmarc/magic-mirror/internal/transport/ratectl"
)

// defaultMinBitrate/defaultMaxBitrate bound the per-session rate controller
// absent any config knob for it (spec §6 names only the static FEC
// ratio and audio bitrate; bitrate bounds are an attachment-worker
// runtime concern, not a catalogue setting).
const (
	defaultMinBitrate = 1_000_000
	defaultMaxBitrate = 40_000_000
)

func runServer() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	initLogging(cfg)
	log.Info("starting magic-mirrord", "version", version, "bind", cfg.Server.Bind)

	caps := vk.DeviceCaps{
		Name:     "magic-mirror-encoder",
		VideoOps: vk.VideoCodecOperationEncodeH265,
	}
	if err := hostinfo.CheckHardwareEncoder(caps); err != nil {
		log.Error("no hardware encoder available, refusing to start", "error", err)
		os.Exit(1)
	}

	cat, catErrs := cfg.Catalog()
	for _, e := range catErrs {
		log.Warn("application catalogue entry rejected", "error", e)
	}
	log.Info("loaded application catalogue", "count", cat.Len())

	audioFECRatio, err := fec.ParseRatio(cfg.Server.AudioFECRatio)
	if err != nil {
		log.Error("invalid server.audio_fec_ratio", "value", cfg.Server.AudioFECRatio, "error", err)
		os.Exit(1)
	}

	// server.video_fec_ratios names the base layer's ratio (spec §4.1:
	// "r = ceil(k * ratio)"); Validate has already clamped it into
	// [0,1] and guaranteed at least one entry.
	videoFECRatio, err := fec.RatioFromFloat(ratectl.PresetMedium.DefaultFECRatio().K, cfg.Server.VideoFECRatios[0])
	if err != nil {
		log.Error("invalid server.video_fec_ratios", "value", cfg.Server.VideoFECRatios, "error", err)
		os.Exit(1)
	}

	gpuFactory := gpu.AsPipelineFactory(caps, func() (*ratectl.Controller, error) {
		return ratectl.New(ratectl.Config{
			MinBitrate:     defaultMinBitrate,
			MaxBitrate:     defaultMaxBitrate,
			InitialBitrate: defaultMinBitrate,
			FECRatio:       videoFECRatio,
		})
	})
	audioFactory := audio.AsAudioPipelineFactory(audio.Config{
		Bitrate:  cfg.Server.AudioBitrate,
		FECRatio: audioFECRatio,
	})

	newCompositor := func(app catalog.Application, params displayparams.Params, sessionID uint64) sessionmgr.Compositor {
		pipeline, err := gpuFactory(sessionID, params)
		if err != nil {
			return failedCompositor{err: fmt.Errorf("gpu pipeline: %w", err)}
		}
		audioPipeline, err := audioFactory(sessionID, params)
		if err != nil {
			return failedCompositor{err: fmt.Errorf("audio pipeline: %w", err)}
		}
		return session.New(session.Config{
			SessionID:   sessionID,
			Application: app,
			Params:      params,
			Pipeline:    pipeline,
			Audio:       audioPipeline,
		})
	}

	sessions := sessionmgr.New(sessionmgr.Config{
		NewCompositor: newCompositor,
	})
	attachments := attachment.NewManager(attachment.Config{
		Sessions:       sessions,
		Catalog:        cat,
		MaxConnections: cfg.Server.MaxConnections,
	})

	// cfg.Validate (called inside config.Load) already rejected a
	// missing cert/key if Bind requires TLS (spec §6). An empty pair
	// here means Bind is loopback/private; QUIC still requires some
	// certificate, so the listener uses an ephemeral self-signed one.
	var tlsConfig *tls.Config
	if cfg.Server.TLSCert != "" || cfg.Server.TLSKey != "" {
		tlsConfig, err = transport.LoadServerTLSConfig(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			log.Error("failed to load TLS configuration", "error", err)
			os.Exit(1)
		}
	} else {
		tlsConfig, err = transport.SelfSignedTLSConfig()
		if err != nil {
			log.Error("failed to generate self-signed TLS configuration", "error", err)
			os.Exit(1)
		}
		log.Info("no tls_cert/tls_key configured, using an ephemeral self-signed certificate",
			"bind", cfg.Server.Bind)
	}

	endpoint, err := transport.Listen(transport.Config{
		Bind:            cfg.Server.Bind,
		TLSConfig:       tlsConfig,
		MaxConnections:  cfg.Server.MaxConnections,
		EnableDatagrams: true,
		AcceptWorkers:   cfg.Server.WorkerThreads,
	}, nil)
	if err != nil {
		log.Error("failed to start transport listener", "error", err)
		os.Exit(1)
	}
	log.Info("listening", "addr", endpoint.Addr())

	monitor := health.NewMonitor()
	monitor.Update("transport", health.Healthy, "")
	collector := metrics.NewCollector()
	metrics.SetActive(collector)

	var metricsServer *http.Server
	if cfg.Server.MetricsBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/healthz", monitor.Handler(sessions, attachments))
		mux.Handle("/metrics", collector.Handler())
		metricsServer = &http.Server{Addr: cfg.Server.MetricsBind, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server exited", "error", err)
			}
		}()
		log.Info("serving /healthz and /metrics", "bind", cfg.Server.MetricsBind)
	}

	serveCtx, cancelServe := context.WithCancel(context.Background())
	go func() {
		if err := endpoint.Serve(serveCtx, connectionHandler{attachments}); err != nil {
			log.Error("transport endpoint stopped serving", "error", err)
			monitor.Update("transport", health.Unhealthy, err.Error())
		}
	}()

	log.Info("magic-mirrord is running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("shutting down")

	cancelServe()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	_ = endpoint.Close(drainCtx)

	sessions.Shutdown()

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	log.Info("magic-mirrord stopped")
}

// connectionHandler adapts attachment.Manager's error-returning
// HandleConnection to transport.ConnectionHandler, which has none: the
// accept loop logs the error and moves on rather than propagating it,
// since one connection's failure must never stop the listener.
type connectionHandler struct {
	attachments *attachment.Manager
}

func (h connectionHandler) HandleConnection(ctx context.Context, conn *transport.Connection) {
	if err := h.attachments.HandleConnection(ctx, conn); err != nil {
		log.Warn("connection ended with error", "error", err)
	}
}

// failedCompositor implements sessionmgr.Compositor for a session whose
// pipeline construction failed before a Compositor could even be built.
// Start immediately reports the error the Session Manager surfaces to
// the attaching client, rather than the CompositorFactory having to
// return one of its own (its signature is err-free, matching the
// teacher's style of keeping factory closures a single return value).
type failedCompositor struct {
	err error
}

func (f failedCompositor) Start(readyTimeout time.Duration) error { return f.err }
func (f failedCompositor) Stop(grace time.Duration)               {}
func (f failedCompositor) Wait()                                  {}
