package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trafficlens/trafficlens/internal/backup"
	"github.com/trafficlens/trafficlens/internal/config"
	"github.com/trafficlens/trafficlens/internal/database"
	"github.com/trafficlens/trafficlens/internal/logging"
	"github.com/trafficlens/trafficlens/internal/retention"
	"github.com/trafficlens/trafficlens/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup("error").Error("load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Server.LogLevel)

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	srv := server.New(db, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv.Scheduler().Start(ctx)

	cleaner := retention.NewCleaner(retention.Config{
		SubscriberDays: cfg.Retention.SubscriberDays,
		EventDays:      cfg.Retention.EventDays,
	}, srv.SubscriberStore(), srv.AttemptStore(), srv.EventStore(), logger.With("component", "retention"))
	cleaner.Start(ctx)

	backupMgr := backup.NewManager(cfg.Backup, cfg.Database.Path, db, logger.With("component", "backup"))
	backupMgr.Start(ctx)

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				srv.RateLimiter().Sweep()
			}
		}
	}()

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("listening", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()
	srv.Scheduler().Stop()
	cleaner.Stop()
	backupMgr.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	// In-flight campaign runs drain before the process exits; sends already
	// handed to the push service are never cut off mid-request.
	srv.Engine().Wait()
}
