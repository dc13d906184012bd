/*
Package main runs the realtime bar feed for one venue symbol.

It mirrors the venue's realtime tables, builds bars from the trade stream and
logs every finalized bar. A gRPC health endpoint reports SERVING while the
table snapshot is complete.

Usage:

	go run ./cmd/klined -config=klined.yaml -env=.env

Credentials and venue overrides come from NGE_API_KEY, NGE_API_SECRET,
NGE_HOST and NGE_SYMBOL, optionally loaded from the .env file.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ngefeed/internal/config"
	"ngefeed/internal/model"
	"ngefeed/internal/realtime"
	"ngefeed/internal/service"
	"ngefeed/internal/trader"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// healthService is the service name reported next to the server-wide "" entry.
const healthService = "ngefeed.Klined"

var (
	configPath   = flag.String("config", "", "Path to a YAML config file")
	envFile      = flag.String("env", ".env", "Path to a dotenv file, ignored when missing")
	startTimeout = flag.Duration("start-timeout", time.Minute, "How long to wait for the first complete snapshot")
)

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Str("file", *envFile).Msg("failed to load env file")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := service.NewDispatcher(service.DispatcherConfig{MaxSymbolsAllowed: 1})
	bars := service.NewBarService(dispatcher, 0)
	if err := bars.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start bar service")
	}
	defer bars.Stop()

	healthServer := health.NewServer()
	setHealth(healthServer, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	tr, err := trader.New(cfg, bars, trader.WithStateListener(func(from, to realtime.State) {
		status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
		if to == realtime.Ready {
			status = grpc_health_v1.HealthCheckResponse_SERVING
		}
		if to == realtime.Disconnected && from == realtime.Ready {
			log.Warn().Str("symbol", cfg.Symbol).Msg("connection lost")
		}
		setHealth(healthServer, status)
	}))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create trader")
	}

	s := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			Time:              20 * time.Second,
			Timeout:           10 * time.Second,
		}),
	)
	grpc_health_v1.RegisterHealthServer(s, healthServer)

	lis, err := net.Listen("tcp", cfg.HealthAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.HealthAddr).Msg("failed to listen")
	}
	go func() {
		if err := s.Serve(lis); err != nil {
			log.Error().Err(err).Msg("health server stopped")
		}
	}()

	go func() {
		err := bars.Stream(ctx, []string{cfg.Symbol}, func(b model.Bar) error {
			log.Info().
				Str("symbol", b.Symbol).
				Time("start", b.Timestamp).
				Str("open", b.Open.String()).
				Str("high", b.High.String()).
				Str("low", b.Low.String()).
				Str("close", b.Close.String()).
				Str("volume", b.Volume.String()).
				Msg("bar")
			return nil
		})
		if err != nil {
			log.Error().Err(err).Msg("bar stream ended")
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, *startTimeout)
	err = tr.Start(startCtx)
	startCancel()
	if err != nil {
		s.Stop()
		log.Fatal().Err(err).Msg("failed to start trader")
	}

	log.Info().
		Str("host", cfg.Host).
		Str("symbol", cfg.Symbol).
		Str("resolution", cfg.Resolution).
		Bool("authenticated", cfg.Authenticated()).
		Str("health", cfg.HealthAddr).
		Msg("klined running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info().Msg("initiating graceful shutdown")
	healthServer.Shutdown()
	tr.Stop()
	cancel()
	s.GracefulStop()
}

func setHealth(h *health.Server, status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	h.SetServingStatus("", status)
	h.SetServingStatus(healthService, status)
}
