package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/sift/internal/config"
	"github.com/fentz26/sift/internal/controlplane"
	"github.com/fentz26/sift/internal/progress"
	"github.com/spf13/cobra"
)

// pruneInterval is how often the daemon removes expired checkpoints.
const pruneInterval = time.Hour

var listenAddr string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the sift daemon",
	Long:  `Starts the sift daemon which runs research sessions and serves the HTTP API.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (default from config)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log.Println("Starting sift daemon...")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr == "" {
		listenAddr = cfg.Server.Listen
	}

	ctx := context.Background()
	eng, err := newEngine(ctx, cfg, progress.Log{})
	if err != nil {
		return err
	}
	service := eng.service
	server := controlplane.NewServer(service, listenAddr)

	if cfg.Watch(func(next *config.Config) {
		service.SetDefaults(next.Research)
	}) {
		log.Printf("Watching %s for research option changes", cfg.File())
	}

	pruneCtx, stopPrune := context.WithCancel(ctx)
	defer stopPrune()
	go pruneLoop(pruneCtx, service)

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Channel to receive server errors
	serverErr := make(chan error, 1)

	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, initiating graceful shutdown...", sig)
	case err := <-serverErr:
		if err != nil {
			log.Printf("Server error: %v", err)
			eng.Close()
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Println("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("Waiting for running sessions...")
	eng.Shutdown(shutdownCtx)

	log.Println("Shutdown complete")
	return nil
}

// pruneLoop removes checkpoints older than the configured retention, once at
// start and then every pruneInterval.
func pruneLoop(ctx context.Context, service *controlplane.Service) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		if _, err := service.Prune(ctx, service.Defaults().Retention); err != nil {
			log.Printf("Checkpoint pruning failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
