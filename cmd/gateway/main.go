// Package main runs the gateway server: the HTTP surface, the chain
// observer and the callback dispatcher, wired by internal/app.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/R3E-Network/ton_gateway/internal/app"
	"github.com/R3E-Network/ton_gateway/internal/app/storage/postgres"
	"github.com/R3E-Network/ton_gateway/internal/config"
	"github.com/R3E-Network/ton_gateway/internal/platform/migrations"
	"github.com/R3E-Network/ton_gateway/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	// A .env next to the binary is a local development convenience; the
	// variables it sets feed the same overrides as a real environment.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLog := logger.NewDefault("gateway")

	db, err := postgres.Open(cfg.Database.URL, postgres.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime(),
	})
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if cfg.Database.MigrateOnStart {
		if err := migrations.Apply(db.DB); err != nil {
			log.Fatalf("apply migrations: %v", err)
		}
	}

	application, err := app.New(cfg, postgres.New(db), appLog)
	if err != nil {
		log.Fatalf("build application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("start application: %v", err)
	}

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      application.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		appLog.WithField("addr", cfg.Server.ListenAddr).Info("gateway listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	appLog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		appLog.WithError(err).Warn("server shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		appLog.WithError(err).Warn("application stop")
	}
	appLog.Info("gateway stopped")
}
