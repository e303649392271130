package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"vico_home/vicocall/internal/api"
	"vico_home/vicocall/internal/call"
	"vico_home/vicocall/internal/config"
	"vico_home/vicocall/internal/control"
	"vico_home/vicocall/internal/device"
	"vico_home/vicocall/internal/domain"
	sigclient "vico_home/vicocall/internal/signal"
	"vico_home/vicocall/internal/webrtc"
)

const (
	flagConfig   = "config"
	flagUser     = "user"
	flagSignal   = "signal"
	flagControl  = "control"
	flagLogLevel = "log-level"
)

func main() {
	app := &cli.App{
		Name:            "vicocall",
		Usage:           "peer-to-peer audio/video calls over a WebSocket relay",
		HideHelpCommand: true,
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "connect to the relay and serve the local control API",
				Description: `Settings come from config/vicocall.yaml (or --config), a .env file and
VICOCALL_* environment variables. VICOCALL_USER_ID and VICOCALL_SIGNAL_URL
are required unless given as flags.

Examples:
  # Call bob through the control API
  curl -XPOST localhost:8089/calls -d '{"peerId":"bob"}'

  # Watch call events
  websocat ws://localhost:8089/events`,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagConfig, Aliases: []string{"c"}, Usage: "load configuration from `FILE`"},
					&cli.StringFlag{Name: flagUser, Usage: "user id to register with the relay"},
					&cli.StringFlag{Name: flagSignal, Usage: "signaling relay `URL`"},
					&cli.StringFlag{Name: flagControl, Usage: "control API listen `ADDR`"},
					&cli.StringFlag{Name: flagLogLevel, Usage: "debug, info, warn or error"},
				},
				Action: runAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "vicocall: %v\n", err)
		os.Exit(1)
	}
}

func runAction(c *cli.Context) error {
	cfg, err := config.Load(c.String(flagConfig), map[string]any{
		"user_id":      c.String(flagUser),
		"signal_url":   c.String(flagSignal),
		"control_addr": c.String(flagControl),
		"log_level":    c.String(flagLogLevel),
	})
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	if cfg.File != "" {
		logger.Info().Str("file", cfg.File).Msg("loaded config")
	}

	ctx, stop := ossignal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg, logger)
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("log level: %w", err)
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(lvl).
		With().Timestamp().Logger(), nil
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	log := logger.With().Str("module", "main").Logger()

	// Step 1: ICE servers, remote TURN credentials when configured
	iceServers := cfg.ICEServers
	if cfg.ICECredentialsURL != "" {
		fetched, err := api.NewClient(cfg.ICECredentialsURL, cfg.ICECredentialsKey).FetchICEServers(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("fetch ice credentials, using configured servers")
		} else {
			log.Info().Int("servers", len(fetched)).Msg("ice credentials obtained")
			iceServers = fetched
		}
	}

	// Step 2: media primitives and devices
	factory, err := webrtc.NewFactory(webrtc.FactoryConfig{
		Logger:            logger,
		RemoteMuteTimeout: cfg.RemoteMuteTimeout,
		RecordDir:         cfg.RecordRemoteVideo,
	})
	if err != nil {
		return fmt.Errorf("create media factory: %w", err)
	}
	devices, err := device.New(cfg.DeviceDriver, device.Config{Width: cfg.VideoWidth, Height: cfg.VideoHeight}, logger)
	if err != nil {
		return fmt.Errorf("open devices: %w", err)
	}

	// Step 3: signaling
	sc := sigclient.NewClient(sigclient.Config{
		URL:          cfg.SignalURL,
		UserID:       cfg.UserID,
		UserName:     cfg.UserName,
		PingInterval: cfg.SignalPingInterval,
	}, logger)
	if err := sc.Connect(ctx); err != nil {
		return fmt.Errorf("signal connect: %w", err)
	}
	defer sc.Close()

	// Step 4: call state machine
	maxRestarts := cfg.MaxICERestarts
	if maxRestarts == 0 {
		maxRestarts = -1
	}
	calls := call.NewClient(call.Config{
		SelfID:   cfg.UserID,
		SelfName: cfg.UserName,
		Media: domain.MediaConfig{
			ICEServers:           iceServers,
			ICECandidatePoolSize: 1,
		},
		PreferInPlaceTrackReplace: cfg.PreferInPlaceTrackReplace,
		RingTimeout:               cfg.RingTimeout,
		GatherTimeout:             cfg.GatherTimeout,
		MaxICERestarts:            maxRestarts,
	}, sc, factory, devices, call.WithLogger(logger))
	defer func() {
		if err := calls.Close(); err != nil {
			log.Warn().Err(err).Msg("close calls")
		}
	}()

	unsubscribe := calls.Subscribe(func(ev call.Event) {
		switch ev.Type {
		case call.EventIncoming:
			log.Info().Str("peer", ev.Snapshot.Peer.ID).Msg("incoming call")
		case call.EventNotice:
			log.Info().Str("level", string(ev.Notice.Level)).Msg(ev.Notice.Message)
		}
	})
	defer unsubscribe()

	// Step 5: control API until shutdown or relay loss
	srvCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sc.Done():
			log.Error().Msg("signaling connection lost")
			cancel()
		case <-srvCtx.Done():
		}
	}()

	err = control.NewServer(calls, logger).ListenAndServe(srvCtx, cfg.ControlAddr)
	log.Info().Msg("shutting down")
	if err != nil {
		return fmt.Errorf("control api: %w", err)
	}
	select {
	case <-sc.Done():
		if ctx.Err() == nil {
			return errors.New("signaling connection lost")
		}
	default:
	}
	return nil
}
