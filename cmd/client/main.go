/*
Package main watches the health of a running klined process.

It connects to the klined gRPC health endpoint and logs every serving status
change until interrupted. With -once it performs a single check and exits
non-zero unless the feed is SERVING, which makes it usable as a container
health probe.

Usage:

	go run ./cmd/client -addr=localhost:50051
	go run ./cmd/client -addr=localhost:50051 -once
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

var (
	serverAddr = flag.String("addr", "localhost:50051", "The server address in the format host:port")
	service    = flag.String("service", "", "Health service name, empty for the whole server")
	once       = flag.Bool("once", false, "Check once and exit")
	timeout    = flag.Duration("timeout", 5*time.Second, "Timeout for -once")
)

func main() {
	flag.Parse()

	log := zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()

	if err := validateConfig(); err != nil {
		log.Fatal().Err(err).Msg("Configuration error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	conn, err := grpc.Dial(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatal().Err(err).Msg("did not connect")
	}
	defer conn.Close()

	client := grpc_health_v1.NewHealthClient(conn)
	req := &grpc_health_v1.HealthCheckRequest{Service: *service}

	if *once {
		checkCtx, checkCancel := context.WithTimeout(ctx, *timeout)
		defer checkCancel()
		resp, err := client.Check(checkCtx, req)
		if err != nil {
			log.Error().Err(err).Msg("health check failed")
			os.Exit(1)
		}
		log.Info().Str("status", resp.GetStatus().String()).Msg("health")
		if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
			os.Exit(1)
		}
		return
	}

	stream, err := client.Watch(ctx, req)
	if err != nil {
		log.Fatal().Err(err).Msg("could not watch")
	}

	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			log.Info().Msg("stream has closed")
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Fatal().Err(err).Msg("failed to receive health status")
		}
		log.Info().
			Str("service", *service).
			Str("status", resp.GetStatus().String()).
			Msg("health changed")
	}
}

func validateConfig() error {
	if *serverAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if *once && *timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}
