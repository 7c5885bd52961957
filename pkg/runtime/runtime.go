package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	appconfig "github.com/saker-ai/voice-relay/internal/config"
	"github.com/saker-ai/voice-relay/internal/gemini"
	apphttp "github.com/saker-ai/voice-relay/internal/http"
	applogger "github.com/saker-ai/voice-relay/internal/logger"
	"github.com/saker-ai/voice-relay/internal/metrics"
	"github.com/saker-ai/voice-relay/internal/transport"
	"github.com/saker-ai/voice-relay/internal/ws"
)

const metricsNamespace = "voice_relay"

// Server owns the relay's HTTP listener and its single-connection handler.
type Server struct {
	cfg     appconfig.Config
	logger  *zap.Logger
	handler *ws.Handler
	server  *http.Server
}

// New loads configuration, opens the Gemini client and assembles the relay.
func New(ctx context.Context, configPath string) (*Server, error) {
	cfg, err := appconfig.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load relay config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid relay config: %w", err)
	}

	logger, err := applogger.New(cfg.Log)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	logger.Info("relay config loaded",
		zap.String("config_path", configPath),
		zap.String("root_dir", cfg.RootDir),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("model", cfg.Gemini.Model),
		zap.String("language_code", cfg.Gemini.LanguageCode),
		zap.Int("queue_capacity", cfg.Relay.QueueCapacity),
	)

	opener, err := gemini.NewOpener(ctx, gemini.Config{
		APIKey:              cfg.Gemini.APIKey,
		Model:               cfg.Gemini.Model,
		LanguageCode:        cfg.Gemini.LanguageCode,
		VoiceName:           cfg.Gemini.VoiceName,
		SystemInstruction:   cfg.Gemini.SystemInstruction,
		ResponseModalities:  cfg.Gemini.ResponseModalities,
		InputTranscription:  cfg.Gemini.InputTranscription,
		OutputTranscription: cfg.Gemini.OutputTranscription,
		InputSampleRate:     cfg.Audio.CaptureRate,
	}, logger)
	if err != nil {
		return nil, err
	}

	m := metrics.New(metricsNamespace)
	handler := ws.NewHandler(opener, ws.Options{
		QueueCapacity: cfg.Relay.QueueCapacity,
		Transport: transport.Options{
			PingInterval: cfg.Relay.PingInterval,
			PongWait:     cfg.Relay.PongWait,
			WriteWait:    cfg.Relay.WriteWait,
		},
		Metrics: m,
		Logger:  logger,
	})

	return &Server{
		cfg:     cfg,
		logger:  logger,
		handler: handler,
		server: &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: apphttp.NewRouter(handler, m, logger),
		},
	}, nil
}

// Logger returns the process logger.
func (s *Server) Logger() *zap.Logger {
	return s.logger
}

// Run serves until Shutdown is called.
func (s *Server) Run() error {
	if s == nil || s.server == nil {
		return nil
	}
	err := listen(s.server, s.cfg, s.logger)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	if s == nil || s.server == nil {
		return ""
	}
	return s.server.Addr
}

// Shutdown stops accepting connections and tears down the active relay
// session. Hijacked WebSocket connections are not tracked by http.Server, so
// the handler is closed explicitly.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.handler.Close()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
