package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"tourportal.io/internal/obs"
	"tourportal.io/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	var demo bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the gRPC health service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), root, demo)
		},
	}
	cmd.Flags().BoolVar(&demo, "demo", false, "seed demo identities and data into the in-memory stores")
	return cmd
}

func runServe(parent context.Context, root *rootOptions, demo bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, log, err := loadRuntime(root)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	shutdownTracing, err := tracing.Setup(ctx, tracing.Options{
		Enabled:     cfg.TracingEnabled,
		ServiceName: "tourportal",
		Version:     version,
	})
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, cfg, log, demo)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           tracing.Middleware(a.api.Handler(), "portal"),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// SSE streams stay open; write deadlines are left to the handler.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	grpcSrv := grpc.NewServer()
	a.health.Register(grpcSrv)

	errCh := make(chan error, 2)
	go func() {
		log.Info("http_listen", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		log.Info("grpc_listen", zap.String("addr", cfg.GRPCAddr))
		if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown_requested")
	case err = <-errCh:
		log.Error("listener_failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warn("http_shutdown", zap.Error(serr))
	}
	grpcSrv.GracefulStop()
	if terr := shutdownTracing(shutdownCtx); terr != nil {
		log.Warn("tracing_shutdown", zap.Error(terr))
	}
	log.Info("stopped")
	return err
}
