// Command voicemoded is the voice-conversation server: it wires the
// Conversation Engine, Provider Registry, Service Supervisor,
// Pronunciation Manager, Event Log, and Statistics aggregator together
// and exposes them over the Request Surface on stdio.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/normanking/voicemoded/internal/audio"
	"github.com/normanking/voicemoded/internal/clockenv"
	"github.com/normanking/voicemoded/internal/config"
	"github.com/normanking/voicemoded/internal/eventlog"
	"github.com/normanking/voicemoded/internal/logging"
	"github.com/normanking/voicemoded/internal/models"
	"github.com/normanking/voicemoded/internal/packagemanager"
	"github.com/normanking/voicemoded/internal/pronounce"
	"github.com/normanking/voicemoded/internal/registry"
	"github.com/normanking/voicemoded/internal/rpc"
	"github.com/normanking/voicemoded/internal/stats"
	"github.com/normanking/voicemoded/internal/supervisor"
	"github.com/normanking/voicemoded/internal/transport/local"
	"github.com/normanking/voicemoded/internal/transport/room"
	"github.com/normanking/voicemoded/internal/voice"
	"github.com/normanking/voicemoded/internal/voicetypes"
)

func main() {
	env := clockenv.NewEnv()
	clock := clockenv.RealClock{}

	paths, err := clockenv.NewPaths(env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicemoded: resolve paths: %v\n", err)
		os.Exit(1)
	}

	logger, logFile, err := logging.New(logging.Config{
		LogDir:  paths.LogsDir(),
		Debug:   env.Bool("VOICEMODE_DEBUG", false),
		Console: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicemoded: init logging: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	cfg, err := config.Load(paths, env)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load config, using defaults")
	}

	logger.Info().Msg("voicemoded starting")

	client := registry.NewClient(10 * time.Second) // matches voice.DefaultConfig().PerAttemptTimeout
	ttsReg := registry.New(clock, cfg.Audio.RegistryCooldown, logger, registry.ProbeTTS(client))
	sttReg := registry.New(clock, cfg.Audio.RegistryCooldown, logger, registry.ProbeSTT(client))
	for _, p := range cfg.Providers.TTS {
		ttsReg.Register(&voicetypes.ProviderEndpoint{ID: p.ID, Kind: voicetypes.KindTTS, BaseURL: p.BaseURL, AuthBearer: p.APIKey, Priority: p.Priority})
	}
	for _, p := range cfg.Providers.STT {
		sttReg.Register(&voicetypes.ProviderEndpoint{ID: p.ID, Kind: voicetypes.KindSTT, BaseURL: p.BaseURL, AuthBearer: p.APIKey, Priority: p.Priority})
	}

	pronounceMgr := pronounce.NewManager(
		append([]string{paths.PronunciationConfig()}, env.PathList("VOICEMODE_PRONUNCIATION_CONFIG")...),
		paths.PronunciationConfig(),
		env.Bool("VOICEMODE_PRONUNCIATION_LOG_SUBSTITUTIONS", false),
		logger,
	)

	catalog := models.NewCatalog(paths)

	sup := supervisor.New(paths, clock, logger, nil)
	if pm, err := packagemanager.Detect(); err != nil {
		logger.Warn().Err(err).Msg("no package manager detected, dependency installs disabled")
	} else {
		sup.SetPackageManager(pm)
	}
	sup.Register(supervisor.Config{Name: supervisor.Whisper, BinaryPath: "whisper-server", Port: 2022, HealthURL: "http://127.0.0.1:2022/health", AutoRestart: true})
	sup.Register(supervisor.Config{Name: supervisor.Kokoro, BinaryPath: "kokoro-server", Port: 8880, HealthURL: "http://127.0.0.1:8880/health", AutoRestart: true})
	sup.Register(supervisor.Config{Name: supervisor.LiveKit, BinaryPath: "livekit-server"})
	sup.Register(supervisor.Config{Name: supervisor.Frontend, BinaryPath: "voicemode-frontend"})

	writer, err := eventlog.NewWriter(paths, clock)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start event log writer")
		os.Exit(1)
	}
	defer writer.Close()

	metrics := stats.NewMetrics(prometheus.DefaultRegisterer)

	localCfg := local.DefaultConfig(cfg.Audio.InputDevice, cfg.Audio.OutputDevice)
	capture := local.NewCapture(localCfg, logger)
	playback := local.NewPlayback(localCfg, logger)

	transports := map[voicetypes.Transport]voice.TransportBinding{
		voicetypes.TransportLocal: {Playback: playback, Capture: capture},
	}
	var roomJoined func() bool
	if cfg.Room.URL != "" {
		roomCfg := room.Config{URL: cfg.Room.URL, APIKey: cfg.Room.APIKey, APISecret: cfg.Room.APISecret, RoomName: cfg.Room.RoomName, Identity: cfg.Room.Identity}
		roomTransport := room.New(roomCfg, logger)
		transports[voicetypes.TransportRoom] = voice.TransportBinding{Playback: roomTransport, Capture: roomTransport}
		roomJoined = roomTransport.Joined
	}

	voiceCfg := voice.DefaultConfig()
	if f := env.String("VOICEMODE_AUDIO_FORMAT", ""); f != "" {
		voiceCfg.DefaultTTSFormat = f
		voiceCfg.DefaultSTTFormat = f
	}

	engine := voice.New(
		voiceCfg,
		audio.DefaultVADConfig(),
		ttsReg, sttReg,
		&voice.HTTPTtsSink{Client: client},
		&voice.HTTPSttSource{Client: client},
		pronounceMgr,
		writer,
		clock,
		transports,
		roomJoined,
		logger,
	)

	server := rpc.NewServer(rpc.Deps{
		Engine:        engine,
		TTSRegistry:   ttsReg,
		STTRegistry:   sttReg,
		Supervisor:    sup,
		Pronounce:     pronounceMgr,
		Catalog:       catalog,
		Paths:         paths,
		Clock:         clock,
		Metrics:       metrics,
		Templates:     supervisor.DefaultTemplates(),
		Logger:        logger,
		ToolsEnabled:  env.CSVSet("VOICEMODE_TOOLS_ENABLED"),
		ToolsDisabled: env.CSVSet("VOICEMODE_TOOLS_DISABLED"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup.Start(ctx, env.Bool("VOICEMODE_AUTO_START_KOKORO", false))
	defer sup.Stop()

	logger.Info().Msg("voicemoded ready, serving Request Surface on stdio")
	err = server.Serve(ctx, os.Stdin, os.Stdout)

	logger.Info().Msg("voicemoded shutting down")

	if ctx.Err() != nil {
		os.Exit(130)
	}
	if err != nil {
		logger.Error().Err(err).Msg("serve failed")
		os.Exit(1)
	}
}
