// Package server exposes the bridge over HTTP: the carrier's media-stream
// WebSocket endpoint plus health and metrics.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/voicebridge/pkg/bridge/calllog"
	"github.com/vango-go/voicebridge/pkg/bridge/config"
	"github.com/vango-go/voicebridge/pkg/bridge/engine"
	"github.com/vango-go/voicebridge/pkg/bridge/metrics"
	"github.com/vango-go/voicebridge/pkg/bridge/prompt"
	"github.com/vango-go/voicebridge/pkg/bridge/session"
	"github.com/vango-go/voicebridge/pkg/bridge/sessions"
	"github.com/vango-go/voicebridge/pkg/bridge/tools"
	"github.com/vango-go/voicebridge/pkg/bridge/turn"
)

type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	mux     *http.ServeMux
	metrics *metrics.Metrics
	tracker *sessions.Tracker
	prompt  *prompt.Resolver
	tools   *tools.Registry
	callLog calllog.Recorder

	upgrader websocket.Upgrader
	draining atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger, registry *tools.Registry) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	var fetcher prompt.Fetcher
	if cfg.PromptServiceURL != "" {
		fetcher = &prompt.HTTPFetcher{
			URL:     cfg.PromptServiceURL,
			APIKey:  cfg.PromptServiceAPIKey,
			Timeout: cfg.PromptTimeout,
			Retries: uint64(cfg.PromptRetries),
		}
	}

	var recorder calllog.Recorder = calllog.Noop{}
	if cfg.CallLogURL != "" {
		recorder = calllog.NewHTTPRecorder(cfg.CallLogURL, cfg.CallLogAPIKey, cfg.CallLogTimeout, logger)
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		mux:     http.NewServeMux(),
		metrics: metrics.NewMetrics("voicebridge"),
		tracker: sessions.NewTracker(),
		prompt:  prompt.NewResolver(fetcher, logger),
		tools:   registry,
		callLog: recorder,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The carrier does not send an Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/media-stream", s.handleMediaStream)
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.Handle("/metrics", s.metrics.Handler())
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if s.draining.Load() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	if s.tracker.Count() >= s.cfg.MaxConcurrentCalls {
		s.logger.Warn("rejecting call, at capacity", "active", s.tracker.Count())
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	connID := uuid.NewString()
	logger := s.logger.With("conn_id", connID)

	bridge, err := session.New(session.Dependencies{
		Conn: conn,
		Dial: func(ctx context.Context) (session.EngineLink, error) {
			return engine.Dial(ctx, engine.Config{
				URL:               s.cfg.EngineURL,
				APIKey:            s.cfg.EngineAPIKey,
				Model:             s.cfg.EngineModel,
				DialTimeout:       s.cfg.EngineDialTimeout,
				DialRetries:       uint64(s.cfg.EngineDialRetries),
				KeepAliveInterval: s.cfg.EngineKeepAliveInterval,
				WriteTimeout:      s.cfg.EngineWriteTimeout,
			})
		},
		Prompt:  s.prompt,
		Tools:   s.tools,
		CallLog: s.callLog,
		Metrics: s.metrics,
		Logger:  logger,
		Config: session.Config{
			EngineVoice:           s.cfg.EngineVoice,
			EngineSampleRate:      s.cfg.EngineSampleRate,
			TranscriptionModel:    s.cfg.TranscriptionModel,
			Temperature:           s.cfg.EngineTemperature,
			VADThreshold:          s.cfg.VADThreshold,
			VADSilenceMS:          s.cfg.VADSilenceMS,
			VADPrefixPadMS:        s.cfg.VADPrefixPadMS,
			AllowedCallees:        s.cfg.AllowedCallees,
			ConfigureTimeout:      s.cfg.EngineConfigureTimeout,
			PingInterval:          s.cfg.TelephonyPingInterval,
			WriteTimeout:          s.cfg.TelephonyWriteTimeout,
			MaxMessageBytes:       s.cfg.TelephonyMaxMessageSize,
			MaxFrameDuration:      s.cfg.MaxFrameDuration,
			BackpressureThreshold: s.cfg.BackpressureThreshold,
			SilencePadDuration:    s.cfg.SilencePadDuration,
			Turn: turn.Config{
				BargeInDebounce:   s.cfg.BargeInDebounce,
				WatchdogThreshold: s.cfg.WatchdogThreshold,
				SoftFinalizeGrace: s.cfg.SoftFinalizeGrace,
				IdleNudgeAfter:    s.cfg.IdleNudgeAfter,
				NudgeInstructions: s.cfg.NudgeInstructions,
			},
			ShutdownGrace: s.cfg.ShutdownGracePeriod,
		},
	})
	if err != nil {
		logger.Error("bridge setup failed", "error", err)
		_ = conn.Close()
		return
	}

	unregister := s.tracker.Register(connID, sessions.Handle{
		Hangup: bridge.Hangup,
		Drain:  bridge.Drain,
	})

	go func() {
		defer unregister()
		defer conn.Close()
		if err := bridge.Run(); err != nil {
			logger.Warn("bridge ended with error", "call_id", bridge.CallID(), "error", err)
		}
	}()
}

// SetDraining makes health checks fail and rejects new calls.
func (s *Server) SetDraining() {
	s.draining.Store(true)
}

// DrainCalls asks every active bridge to wrap up.
func (s *Server) DrainCalls(reason string) int {
	return s.tracker.DrainAll(reason)
}

// WaitCalls blocks until the active calls end or the context expires.
func (s *Server) WaitCalls(ctx context.Context) bool {
	return s.tracker.Wait(ctx)
}

// HangupCalls force-terminates whatever is still active.
func (s *Server) HangupCalls() int {
	return s.tracker.HangupAll()
}

// ActiveCalls reports the number of bridged calls.
func (s *Server) ActiveCalls() int {
	return s.tracker.Count()
}
