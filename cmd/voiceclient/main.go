package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	router "github.com/dkeye/VoiceClient/internal/adapters/http"
	"github.com/dkeye/VoiceClient/internal/adapters/legacy"
	"github.com/dkeye/VoiceClient/internal/adapters/rtc"
	"github.com/dkeye/VoiceClient/internal/app"
	"github.com/dkeye/VoiceClient/internal/config"
	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/dkeye/VoiceClient/internal/logging"
	"github.com/dkeye/VoiceClient/internal/metrics"
)

var (
	version = "dev"

	cfgFile string
	envFile string
)

func main() {
	root := &cobra.Command{
		Use:     "voiceclient",
		Short:   "Voice client service with legacy and WebRTC backends",
		Version: version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config/config.$CONFIG_ENV.yaml)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logging.Setup("info", os.Stderr)

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("file", envFile).Msg("dotenv")
	}

	if cfgFile == "" {
		cfgFile = config.FileName()
	}
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.SetLevel(cfg.LogLevel)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	volumes := app.NewVolumeStore(afero.NewOsFs(), cfg.Storage.VolumeFile)
	if err := volumes.Load(); err != nil {
		log.Error().Err(err).Str("file", cfg.Storage.VolumeFile).Msg("volume settings not loaded")
	}

	api, err := rtc.NewAPI(logging.NewPionFactory())
	if err != nil {
		return fmt.Errorf("webrtc api: %w", err)
	}
	rtcCfg := rtc.ConfigFrom(cfg.WebRTC, cfg.Legacy.LeaveTimeout)
	factories := map[domain.ServerType]app.TransportFactory{
		domain.ServerLegacy: legacy.Factory(legacy.ConfigFrom(cfg.Legacy), nil),
		domain.ServerWebRTC: rtc.Factory(rtcCfg, rtc.PionPeers(api, rtc.NewSilenceSource), rtc.NewHTTPSignaler(rtcCfg.RequestTimeout, m)),
	}

	env := core.Env{Volumes: volumes, Metrics: m}
	facade := app.NewFacade(env, factories, app.Options{
		Enabled:       cfg.Voice.Enabled,
		Fallback:      cfg.Voice.FallbackOnFailure,
		TickInterval:  cfg.Voice.TickInterval,
		EarLocation:   domain.ParseEarLocation(cfg.Voice.EarLocation),
		MicGain:       cfg.Voice.MicGain,
		SpeakerVolume: cfg.Voice.SpeakerVolume,
	})
	facade.Init(ctx)

	hub := router.NewEventHub(app.SimplePolicy{MaxMisses: 8}, facade.Participants)
	facade.Observers.AddStatusObserver(hub)
	facade.Observers.AddParticipantObserver(hub)
	facade.Observers.AddFriendObserver(hub)

	facade.Post(func() { facade.HandleTransportDirective(cfg.Voice.ServerType) })

	loader.Watch(func(next *config.Config) {
		logging.SetLevel(next.LogLevel)
		facade.Post(func() {
			facade.SetMicGain(next.Voice.MicGain)
			facade.SetSpeakerVolume(next.Voice.SpeakerVolume)
			facade.SetEarLocation(domain.ParseEarLocation(next.Voice.EarLocation))
		})
	})

	r := router.SetupRouter(ctx, cfg.HTTP, facade, hub, reg)
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("control API started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	// Run returns after terminating the active transport
	facade.Run(ctx)

	log.Info().Msg("Shutting down")
	hub.CloseAll()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := volumes.Save(); err != nil {
		log.Error().Err(err).Msg("volume settings not saved")
	}
	log.Info().Msg("Voice client exited gracefully")
	return nil
}
