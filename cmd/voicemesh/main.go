// Copyright 2026 The Harmonium Authors
// SPDX-License-Identifier: Apache-2.0

// Voicemesh is a headless Harmonium voice-channel client. It joins a
// voice channel, negotiates WebRTC audio with every other
// participant, and logs membership, connection, and voice-activity
// events. It serves as a reference client and a soak tool for the voice server.
//
// Configuration comes from an optional YAML file plus flags; flags
// win. A minimal invocation:
//
//	voicemesh --url wss://chat.example.net/api/v1 --channel general --token $TOKEN
//
// Without --user a random participant id is generated, so several
// instances can share one machine. --simulate-voice feeds synthetic
// speech bursts into the capture path to exercise voice activity
// detection end to end.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/harmonium-chat/voicemesh/auth"
	"github.com/harmonium-chat/voicemesh/media"
	"github.com/harmonium-chat/voicemesh/voice"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "voicemesh: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath    string
		logLevel      string
		simulateVoice bool
	)
	flags := pflag.NewFlagSet("voicemesh", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to YAML config file")
	flags.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.BoolVar(&simulateVoice, "simulate-voice", false, "feed synthetic speech bursts into capture")

	cfg := defaultConfig()
	cfg.registerFlags(flags)
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	if configPath != "" {
		fileCfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		// Flags win over the file: re-apply anything set explicitly.
		cfg = fileCfg.overlayFlags(flags, cfg)
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(logLevel),
	}))

	if cfg.UserID == "" {
		cfg.UserID = uuid.NewString()
		logger.Info("generated participant id", "id", cfg.UserID)
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = cfg.UserID
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// There is no real audio device in a headless client; the fake
	// capture carries a silent Opus track through the full negotiation
	// path and accepts synthetic energy levels.
	capture := media.NewFakeCapture()
	playback := media.NewRecordingPlayback()

	coordinator, err := voice.New(voice.Config{
		SignalingURL: cfg.URL,
		ChannelID:    cfg.Channel,
		SelfID:       cfg.UserID,
		DisplayName:  cfg.DisplayName,
		ICE:          cfg.iceConfig(),
		Capture:      capture,
		Playback:     playback,
		Tokens:       tokenProvider(cfg.Token),
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	unsubscribe := coordinator.SubscribeEvents(func(event voice.Event) {
		logEvent(logger, event)
	})
	defer unsubscribe()

	if err := coordinator.Initialize(ctx); err != nil {
		return err
	}
	defer coordinator.Disconnect()
	logger.Info("joined voice channel",
		"channel", cfg.Channel,
		"user", cfg.UserID,
	)

	if simulateVoice {
		go simulateSpeech(ctx, capture)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// tokenProvider picks JWT expiry checking when the token looks like a
// JWT, plain pass-through otherwise.
func tokenProvider(token string) auth.TokenProvider {
	if strings.Count(token, ".") == 2 {
		return auth.JWT(token)
	}
	return auth.Static(token)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func logEvent(logger *slog.Logger, event voice.Event) {
	switch event.Kind {
	case voice.EventStatusChanged:
		logger.Info("status", "status", string(event.Status))
	case voice.EventParticipantJoined:
		logger.Info("participant joined",
			"id", event.Participant.ID,
			"name", event.Participant.DisplayName,
		)
	case voice.EventParticipantLeft:
		logger.Info("participant left", "id", event.Participant.ID)
	case voice.EventParticipantsUpdated:
		ids := make([]string, 0, len(event.Participants))
		for _, p := range event.Participants {
			ids = append(ids, p.ID)
		}
		logger.Debug("participants", "ids", strings.Join(ids, ","))
	case voice.EventTrackAdded:
		logger.Info("remote audio", "peer", event.PeerID)
	case voice.EventVoiceActivity:
		logger.Info("voice activity", "peer", event.PeerID, "speaking", event.Speaking)
	case voice.EventError:
		logger.Error("voice error", "error", event.Err)
	}
}

// simulateSpeech alternates two seconds of loud frames with two
// seconds of silence, at a 20ms frame cadence matching typical Opus
// capture.
func simulateSpeech(ctx context.Context, capture *media.FakeCapture) {
	source, err := capture.Acquire(ctx)
	if err != nil {
		return
	}
	fake, ok := source.(*media.FakeSource)
	if !ok {
		return
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	var frame int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame++
			if frame%200 < 100 {
				fake.PushLevel(0.6)
			} else {
				fake.PushLevel(0.01)
			}
		}
	}
}
