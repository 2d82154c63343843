package grpcapp

import (
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the name reported to grpc.health.v1 clients.
const ServiceName = "portal.auth"

type App struct {
	logger     *slog.Logger
	gRPCServer *grpc.Server
	health     *health.Server
	port       int
}

// New returns a gRPC app serving the standard health service. Both the
// overall status and ServiceName start as NOT_SERVING until MarkServing.
func New(logger *slog.Logger, port int) *App {
	gRPCServer := grpc.NewServer()

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(gRPCServer, hs)

	return &App{
		logger:     logger,
		gRPCServer: gRPCServer,
		health:     hs,
		port:       port,
	}
}

// MarkServing flips the health status once every dependency is wired.
func (a *App) MarkServing() {
	a.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	a.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
}

func (a *App) MustRun() {
	if err := a.Run(); err != nil {
		panic(err)
	}
}

func (a *App) Run() error {
	const op = "grpcapp.Run"

	log := a.logger.With(
		slog.String("op", op),
		slog.Int("port", a.port),
	)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", a.port))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return a.Serve(listener, log)
}

// Serve runs the server on an existing listener.
func (a *App) Serve(listener net.Listener, log *slog.Logger) error {
	const op = "grpcapp.Serve"

	log.Info("gRPC server is running", slog.String("address", listener.Addr().String()))

	if err := a.gRPCServer.Serve(listener); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (a *App) Stop() {
	const op = "grpcapp.Stop"
	log := a.logger.With(slog.String("op", op))
	log.Info("stopping gRPC server", slog.Int("port", a.port))

	// NOT_SERVING for every service before draining
	a.health.Shutdown()
	a.gRPCServer.GracefulStop()
}
