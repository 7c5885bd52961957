package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/saker-ai/voice-relay/internal/client"
	appconfig "github.com/saker-ai/voice-relay/internal/config"
	"github.com/saker-ai/voice-relay/internal/localaudio"
	applogger "github.com/saker-ai/voice-relay/internal/logger"
	"github.com/saker-ai/voice-relay/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to conf.yaml (default: search upward from the working directory)")
	url := flag.String("url", "", "relay endpoint, overrides client.url")
	flag.Parse()

	cfg, err := appconfig.LoadConfig(*configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fallback, _ := zap.NewProduction()
		defer fallback.Sync()
		fallback.Fatal("failed to load config", zap.Error(err))
	}
	if *url != "" {
		cfg.Client.URL = *url
	}

	logCfg := cfg.Log
	if cfg.Client.LogFormat != "" {
		logCfg.Format = cfg.Client.LogFormat
	}
	// stdout carries the transcript.
	logCfg.Stdout = false
	logCfg.Stderr = true
	logger, err := applogger.New(logCfg)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	devices, err := localaudio.Open(localaudio.FFmpegOpener{
		CaptureDevice:  cfg.Audio.CaptureDevice,
		PlaybackDevice: cfg.Audio.PlaybackDevice,
	}, localaudio.Config{
		CaptureRate:  cfg.Audio.CaptureRate,
		PlaybackRate: cfg.Audio.PlaybackRate,
		SourceRate:   cfg.Audio.OutputRate,
		FrameSamples: cfg.Audio.FrameSamples,
		Channels:     cfg.Audio.Channels,
	}, logger)
	if err != nil {
		logger.Fatal("failed to open audio devices", zap.Error(err))
	}

	conn, err := transport.Dial(ctx, cfg.Client.URL, nil, transport.Options{
		PingInterval: cfg.Relay.PingInterval,
		PongWait:     cfg.Relay.PongWait,
		WriteWait:    cfg.Relay.WriteWait,
		Logger:       logger,
	})
	if err != nil {
		_ = devices.Close()
		logger.Fatal("failed to connect to relay", zap.String("url", cfg.Client.URL), zap.Error(err))
	}
	logger.Info("connected to relay", zap.String("url", cfg.Client.URL))

	runner := client.NewRunner(conn, devices, client.Options{
		OutboxCapacity: cfg.Client.OutboxCapacity,
		Display:        os.Stdout,
		Logger:         logger,
	})
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("client stopped", zap.Error(err))
		os.Exit(1)
	}
}
