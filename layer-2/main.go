package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ahmadzakiakmal/foodtrace/layer-2/config"
	"github.com/ahmadzakiakmal/foodtrace/layer-2/identity"
	"github.com/ahmadzakiakmal/foodtrace/layer-2/l1client"
	"github.com/ahmadzakiakmal/foodtrace/layer-2/repository"
	"github.com/ahmadzakiakmal/foodtrace/layer-2/server"
	"github.com/ahmadzakiakmal/foodtrace/layer-2/srvreg"
	"github.com/ahmadzakiakmal/foodtrace/trace"
	cmtflags "github.com/cometbft/cometbft/libs/cli/flags"
	cmtlog "github.com/cometbft/cometbft/libs/log"
)

func main() {
	configFile := flag.String("config", "", "TOML config file (optional, FOODTRACE_* env vars override it)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Configuration: %v", err)
	}

	logger := cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stdout))
	logger, err = cmtflags.ParseLogLevel(cfg.LogLevel, logger, "info")
	if err != nil {
		log.Fatalf("Failed to parse log level: %v", err)
	}
	logger.Info("Starting trace node",
		"node_id", cfg.NodeID,
		"http_port", cfg.HTTPPort,
		"store", cfg.Store,
	)

	repo := repository.NewRepository(logger)
	switch cfg.Store {
	case config.StoreSQLite:
		err = repo.ConnectSQLite(cfg.SQLite)
	default:
		err = repo.ConnectDB(cfg.GetDSN())
	}
	if err != nil {
		log.Fatalf("Database: %v", err)
	}

	var store trace.Store = repo
	if cfg.Store == config.StoreLedger {
		l1 := l1client.NewL1Client(cfg.L1Endpoint, cfg.NodeID, cfg.L1Timeout, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := l1.HealthCheck(ctx); err != nil {
			logger.Error("L1 health check failed, commits will be retried until it is reachable", "endpoint", cfg.L1Endpoint, "err", err)
		} else {
			logger.Info("L1 connection verified", "endpoint", cfg.L1Endpoint)
		}
		cancel()
		store = l1
	}

	tracer := trace.New(store, trace.Options{
		Prefix: cfg.BatchPrefix,
		Origin: cfg.NodeID,
		Retry:  cfg.Retry,
		Logger: logger,
	})
	restoreCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	if err := tracer.Restore(restoreCtx); err != nil {
		cancel()
		log.Fatalf("Restoring batches from %s store: %v", cfg.Store, err)
	}
	cancel()

	directory, err := identity.NewDirectory(repo, identity.Config{
		Secret: cfg.JWTSecret,
		TTL:    cfg.TokenTTL,
		Issuer: "foodtrace",

		AllowAuthoritySignup: cfg.AllowAuthoritySignup,
	})
	if err != nil {
		log.Fatalf("User directory: %v", err)
	}

	serviceRegistry := srvreg.NewServiceRegistry(tracer, directory, srvreg.NodeInfo{
		NodeID: cfg.NodeID,
		Store:  cfg.Store,
	}, logger)
	serviceRegistry.RegisterDefaultServices()

	webServer := server.NewWebServer(cfg.HTTPPort, serviceRegistry, cfg.NodeID, logger)
	if err := webServer.Start(); err != nil {
		log.Fatalf("Failed to start web server: %v", err)
	}
	logger.Info("Trace node ready", "listen", "http://localhost:"+cfg.HTTPPort)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutdown signal received, shutting down gracefully")
	ctx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := webServer.Shutdown(ctx); err != nil {
		logger.Error("Error during server shutdown", "err", err)
	}
	logger.Info("Trace node stopped")
}
