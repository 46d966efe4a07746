// Package main contains the entrypoint for the Haven chat service.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgard/haven/internal/app"
	"github.com/edgard/haven/internal/app/tasks"
	"github.com/edgard/haven/internal/chat"
	"github.com/edgard/haven/internal/config"
	"github.com/edgard/haven/internal/database"
	"github.com/edgard/haven/internal/gemini"
	"github.com/edgard/haven/internal/logger"
	"github.com/edgard/haven/internal/profile"
	"github.com/edgard/haven/internal/realtime"
	"github.com/edgard/haven/internal/responder"
	"github.com/edgard/haven/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run wires every component, blocks until ctx is cancelled or a component
// fails, and returns the process exit code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to open database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	profiles := profile.NewService(store, log)

	gemClient, err := gemini.NewClient(ctx, cfg.Gemini, log)
	if err != nil {
		log.Error("Failed to initialize Gemini client", "error", err)
		return 1
	}
	assistant := responder.NewAdapter(gemClient, cfg.Responder, log)

	hub := realtime.NewHub(log)
	chatService := chat.NewService(store, profiles, assistant, hub, cfg.Chat, log)

	srv := server.New(cfg.Server, server.Deps{
		Chat:     chatService,
		Profiles: profiles,
		Hub:      hub,
		Health:   store,
	}, log)

	sched, err := app.NewScheduler(log, cfg.Scheduler, tasks.RegisterAllTasks(tasks.TaskDeps{
		Logger: log,
		Store:  store,
	}))
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	application := app.NewApp(log, srv, hub, chatService, sched, cfg.Server.ShutdownTimeout)
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Haven stopped due to error", "error", err)
		return 1
	}

	log.Info("Haven stopped")
	return 0
}
