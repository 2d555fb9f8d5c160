package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fireside-chat/fireside/internal/logger"
	"github.com/fireside-chat/fireside/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	fmt.Println("Starting Fireside Server...")

	_ = godotenv.Load(".env")

	configPath := flag.String("config", os.Getenv("FIRESIDE_CONFIG"), "path to YAML config file")
	flag.Parse()

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(config.LogLevel, config.LogFormat)

	// Open stores and wire the routing engine
	if err := server.Setup(config); err != nil {
		log.Fatalf("failed to set up server: %v", err)
	}

	// Start the hub and HTTP server
	server.StartHub()
	mux := server.SetupRoutes()
	httpServer := server.CreateServer(config.Port, mux)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigCh:
		logger.Info("shutdown_signal_received", "signal", sig.String())
	}

	if err := server.ShutdownServer(httpServer, shutdownTimeout); err != nil {
		logger.Error("http_shutdown_failed", "err", err)
	}
	if err := server.GetHub().Shutdown(shutdownTimeout); err != nil {
		logger.Error("hub_shutdown_failed", "err", err)
	}
	if err := server.Teardown(); err != nil {
		logger.Error("store_close_failed", "err", err)
	}
}
