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
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"qazna.org/authcore/internal/app"
	"qazna.org/authcore/internal/audit"
	"qazna.org/authcore/internal/config"
	"qazna.org/authcore/internal/grpcapi"
	"qazna.org/authcore/internal/httpapi"
	"qazna.org/authcore/internal/obs"
)

func main() {
	configPath := flag.String("config", os.Getenv("AUTHCORE_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := obs.NewLogger(obs.LogConfig{
		Env:     cfg.App.Env,
		Level:   cfg.App.LogLevel,
		Service: cfg.App.Service,
		Version: obs.Version,
	})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
	logger.Info("stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := obs.NewMetrics(obs.Version, obs.Commit)
	rt, err := app.Build(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("cleanup failed", zap.Error(err))
		}
	}()

	api := httpapi.New(httpapi.Options{
		Service:         rt.Service,
		Ready:           httpapi.ProbeFunc(rt.Ready),
		Metrics:         metrics,
		Logger:          logger,
		Audit:           audit.New(logger),
		Version:         obs.Version,
		RatePerSec:      cfg.HTTP.RateLimitRPS,
		RateBurst:       cfg.HTTP.RateLimitBurst,
		AdminRoles:      cfg.AdminRoles(),
		AllowGlobalJoin: cfg.HTTP.AllowGlobalJoin,
	})
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var (
		gsrv    *grpcapi.Server
		grpcLis net.Listener
	)
	if cfg.GRPC.Addr != "" {
		grpcLis, err = net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return err
		}
		gsrv = grpcapi.NewServer(grpcapi.Options{
			Authorizer: rt.Service,
			Ready:      grpcapi.ReadinessFunc(rt.Ready),
			Metrics:    metrics,
			Logger:     logger,
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", obs.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if gsrv != nil {
		g.Go(func() error { return gsrv.Serve(grpcLis) })
		g.Go(func() error {
			gsrv.WatchReadiness(gctx, 10*time.Second)
			gsrv.Stop(cfg.HTTP.ShutdownTimeout)
			return nil
		})
	}

	g.Go(func() error {
		rt.RunPurge(gctx, cfg.Maintenance.PurgeInterval, cfg.Maintenance.PurgeGrace)
		return nil
	})

	return g.Wait()
}
