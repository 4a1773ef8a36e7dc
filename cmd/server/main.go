package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/christopherjohns/boardchat/internal/config"
	"github.com/christopherjohns/boardchat/internal/identity"
	"github.com/christopherjohns/boardchat/internal/ratelimit"
	"github.com/christopherjohns/boardchat/internal/server"
	"github.com/christopherjohns/boardchat/internal/session"
	"github.com/christopherjohns/boardchat/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("load config")
	}

	var log zerolog.Logger
	if cfg.IsDevelopment() {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger().
			Level(zerolog.DebugLevel)
	} else {
		log = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger().
			Level(zerolog.InfoLevel)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connect to redis")
	}
	cancel()
	log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	codec, err := identity.NewCodec(cfg.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("build identity codec")
	}

	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()

	relay := ws.NewRelay(rdb, log)
	hub := ws.NewHub(relay, log,
		ws.WithMaxConns(cfg.MaxConns),
		ws.WithIdleTimeout(cfg.IdleTimeout))
	go func() {
		if err := relay.Run(relayCtx); err != nil && relayCtx.Err() == nil {
			log.Error().Err(err).Msg("relay stopped")
		}
	}()

	store := session.NewStore(rdb, cfg.OnlineTTL, cfg.RoomTTL, log)
	limiter := ratelimit.NewPostLimiter(cfg.PostLimit, cfg.PostWindow)
	handler := ws.NewHandler(hub, codec, store, log, ws.WithPostLimiter(limiter))

	srv := server.New(cfg.ListenAddr, handler, hub)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info().Msg("shutting down")
		stopRelay()
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
	if err := srv.Run(); err != nil {
		log.Info().Err(err).Msg("server stopped")
	}
}
