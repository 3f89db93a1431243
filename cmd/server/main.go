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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/Babel/internal/adapters/http"
	"github.com/dkeye/Babel/internal/adapters/rtc"
	signaling "github.com/dkeye/Babel/internal/adapters/signal"
	"github.com/dkeye/Babel/internal/adapters/speech"
	"github.com/dkeye/Babel/internal/app"
	"github.com/dkeye/Babel/internal/app/orch"
	"github.com/dkeye/Babel/internal/app/pipeline"
	"github.com/dkeye/Babel/internal/config"
	"github.com/dkeye/Babel/internal/observe"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Early logger so config.Load can report; replaced by SetupLogger.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	config.SetupLogger(cfg)

	shutdownMetrics := func(context.Context) error { return nil }
	if cfg.Metrics.Enabled {
		if shutdownMetrics, err = observe.InitProvider(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to init metrics")
		}
	}
	metrics := observe.DefaultMetrics()

	providers, err := speech.New(cfg, metrics)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init speech providers")
	}

	rooms := app.NewRoomRegistry(app.RoomDeps{
		Engine:      rtc.NewEngine(cfg.ICEServers),
		STT:         providers.STT,
		Translator:  providers.Translator,
		Synthesizer: providers.Synthesizer,
		Metrics:     metrics,
		Policy:      app.SimplePolicy{MaxDropped: cfg.KickAfterDropped},
		Pipeline: pipeline.Config{
			Encoding:       cfg.STT.Encoding,
			SampleRate:     cfg.STT.SampleRate,
			FanoutLimit:    cfg.Pipeline.FanoutLimit,
			QueueDepth:     cfg.Pipeline.QueueDepth,
			RequestTimeout: cfg.Pipeline.RequestTimeout,
		},
		StopTimeout: cfg.Pipeline.StopTimeout,
	})
	o := orch.New(rooms)

	ctrl := signaling.NewSignalWSController(o,
		signaling.NewRoomRateLimiter(cfg.Speaking.Limit, cfg.Speaking.Interval),
		signaling.ControllerConfig{
			SendBuffer: cfg.SendBuffer,
			ReadLimit:  cfg.ReadLimit,
			PingPeriod: cfg.PingPeriod,
		})

	r := router.SetupRouter(ctx, cfg, o, ctrl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Babel server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	rooms.Close()
	if err := shutdownMetrics(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("metrics shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
