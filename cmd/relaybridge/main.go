package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"relaybridge/api"
	"relaybridge/config"
	"relaybridge/core"
	"relaybridge/dispatcher"
	"relaybridge/handler"
	"relaybridge/logging"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "relaybridge",
	Short:   "OpenAI-compatible chat-completions broker over a worker websocket pool",
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the broker's HTTP and worker-websocket listener",
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}

		cfg, err := config.Load(cwd)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		return run(cfg)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage broker configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default .relaybridge/config.yaml in the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}

		if _, err := config.Load(cwd); err != nil {
			return fmt.Errorf("writing default config: %w", err)
		}

		fmt.Println("Wrote .relaybridge/config.yaml")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

func run(cfg *config.Config) error {
	logger := logging.New(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := core.NewRegistry(ctx, cfg.MaxWorkers, cfg.LivenessWindow, logger)
	rendezvous := core.NewRendezvous(logger)
	registry.AttachRendezvous(rendezvous)
	rateLimiter := core.NewInMemoryRateLimiter()
	for key, budget := range cfg.APIKeys {
		rateLimiter.Seed(key, budget)
	}
	disp := dispatcher.New(registry, rendezvous, cfg.AcquireWait, cfg.ResponseWait, logger)

	chatHandler := handler.NewChatHandler(disp, registry, rendezvous, rateLimiter)
	workerAPI := api.NewWorkerAPI(registry, rendezvous, cfg.HeartbeatInterval, logger)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/v1/chat/completions", chatHandler.HandleChatCompletions)
	r.GET("/v1/models", chatHandler.HandleModels)
	r.GET("/health", chatHandler.HandleHealth)
	r.GET("/stats", chatHandler.HandleStats)
	r.GET("/ws", workerAPI.HandleConnect)
	r.GET("/workers/:id/logs", workerAPI.HandleLogs)

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: r,
	}

	go func() {
		logger.Info("starting server", "address", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	return srv.Shutdown(shutdownCtx)
}
