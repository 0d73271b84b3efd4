package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	grpcapi "ai-voice-orchestrator-service/internal/api/grpc"
	"ai-voice-orchestrator-service/internal/app"
	"ai-voice-orchestrator-service/internal/config"
	apihttp "ai-voice-orchestrator-service/internal/http"
	"ai-voice-orchestrator-service/internal/observability"
	"ai-voice-orchestrator-service/internal/observability/metrics"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg := config.Load()

	application := app.New(cfg)
	if err := application.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to start application")
	}

	lis, err := net.Listen("tcp", ":"+cfg.Service.GRPCPort)
	if err != nil {
		log.Fatal().Err(err).Str("port", cfg.Service.GRPCPort).Msg("Failed to listen")
	}

	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(observability.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(observability.StreamServerInterceptor(metrics.DefaultMetrics)),
	)

	// Register gRPC health check service
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcapi.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	grpcapi.Register(server, grpcapi.NewServer(application.Manager, application.Transport, cfg.Audio.FrameDuration))

	// Enable gRPC reflection for debugging tools like grpcurl
	reflection.Register(server)

	httpServer := observability.NewServer(":"+cfg.Service.HTTPPort, apihttp.NewRouter(application))
	httpServer.Start()

	go func() {
		log.Info().Str("port", cfg.Service.GRPCPort).Msg("Voice orchestrator started")
		if err := server.Serve(lis); err != nil {
			log.Fatal().Err(err).Msg("gRPC serve failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("Shutting down")
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(grpcapi.ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// GracefulStop waits on open call streams, so the calls end first.
	application.Shutdown(ctx)
	server.GracefulStop()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
}
