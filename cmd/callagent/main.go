package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-calls/config"
	"github.com/mossy-p/webrtc-calls/internal/agent"
	"github.com/mossy-p/webrtc-calls/internal/events"
	"github.com/mossy-p/webrtc-calls/internal/handlers"
	"github.com/mossy-p/webrtc-calls/internal/media"
	"github.com/mossy-p/webrtc-calls/internal/redis"
	"github.com/mossy-p/webrtc-calls/internal/signaling"
	"github.com/mossy-p/webrtc-calls/internal/store"
	"github.com/mossy-p/webrtc-calls/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer s.Close()

	factory, err := transport.NewPionFactory(cfg.ICE)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up WebRTC")
	}
	devices, err := media.NewDevices()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up media devices")
	}

	hub := events.NewHub()
	defer hub.Close()

	agents := agent.NewRegistry(agent.Deps{
		Channel:     signaling.New(s),
		Factory:     factory,
		Media:       devices,
		Emitter:     hub.Emitter,
		CallTimeout: cfg.Call.Timeout,
		Video:       media.Constraints{Video: true, Width: cfg.Media.VideoWidth, Height: cfg.Media.VideoHeight},
	})

	router := handlers.NewRouter(cfg, &handlers.API{Agents: agents, Store: s, Hub: hub})
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}

	go func() {
		log.Info().Str("port", cfg.Port).Str("store", cfg.Store.Backend).Msg("Starting call agent")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if err := agents.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Call agents did not close cleanly")
	}
}

// openStore connects the realtime store selected by STORE_BACKEND.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Store.Backend == "memory" {
		log.Info().Msg("Using in-process store")
		return store.NewMemory(), nil
	}
	client, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	log.Info().Str("host", cfg.Redis.Host).Msg("Redis connection established")
	return store.NewRedis(client, cfg.Store.KeyPrefix, cfg.Store.TTL), nil
}
