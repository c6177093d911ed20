// Command opskitd serves a gRPC health endpoint behind the opskit
// interceptors and exposes metrics and debug snapshots over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pavetrack/opskit"
	"github.com/pavetrack/opskit/internal/config"
	"github.com/pavetrack/opskit/pkg/tracing"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/grpclog"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

func main() {
	configPath := flag.String("config", os.Getenv("OPSKIT_CONFIG"), "path to YAML config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("opskitd: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	tp, err := tracing.Setup(&cfg.Tracing)
	if err != nil {
		return err
	}

	kitCfg, err := cfg.Kit()
	if err != nil {
		return err
	}
	kit, err := opskit.New(kitCfg)
	if err != nil {
		return err
	}

	grpclog.SetLoggerV2(grpcLogger(kit.Logger))

	serverOpts := kit.ServerOptions()
	if tp != nil {
		serverOpts = append(serverOpts, grpc.StatsHandler(otelgrpc.NewServerHandler()))
	}
	grpcServer := grpc.NewServer(serverOpts...)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPCListen)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPListen,
		Handler: newHTTPHandler(kit),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		kit.Logger.Info("gRPC server listening", map[string]interface{}{"addr": cfg.GRPCListen}, nil)
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		kit.Logger.Info("HTTP server listening", map[string]interface{}{"addr": cfg.HTTPListen}, nil)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		kit.Logger.Info("shutting down", nil, nil)
	case serveErr = <-errCh:
		kit.Logger.Error("server stopped", nil, serveErr)
	}

	healthServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = httpServer.Shutdown(shutdownCtx)
	gracefulStop(shutdownCtx, grpcServer)

	return errors.Join(serveErr, kit.Close(), tracing.Shutdown(shutdownCtx, tp))
}

// gracefulStop drains in-flight RPCs until ctx expires, then forces a stop
func gracefulStop(ctx context.Context, srv *grpc.Server) {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		srv.Stop()
	}
}
