// Package server constructs and starts the Fireside HTTP service with
// helpers that apply sensible production defaults.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/fireside-chat/fireside/internal/blob"
	"github.com/fireside-chat/fireside/internal/logger"
	"github.com/fireside-chat/fireside/internal/store"
)

// Setup applies the configuration, opens the durable stores, and wires the
// routing engine. It must be called before StartHub and SetupRoutes.
func Setup(cfg *Config) error {
	SetConfig(cfg)
	effective := currentConfig()

	if err := store.Open(effective.DBPath); err != nil {
		return err
	}
	identities, err := store.NewIdentityStore()
	if err != nil {
		return err
	}
	history, err := store.NewHistoryStore(effective.HistoryCap)
	if err != nil {
		return err
	}
	blobs, err := blob.NewStore(effective.UploadDir)
	if err != nil {
		return err
	}

	engine = NewEngine(hub, identities, history, blobs, newModerator(effective.BannedWords))
	return nil
}

// Teardown releases the durable stores after the hub has shut down.
func Teardown() error {
	return store.Close()
}

// CreateServer creates and configures an HTTP server with the specified port and handler.
// It sets reasonable timeout values for production use.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// StartHub initializes and starts the global hub in a separate goroutine.
// This should be called before starting the HTTP server.
func StartHub() {
	go hub.Run()
	logger.Info("hub_started")
}

// StartServer starts the HTTP server and begins listening for connections.
// It returns an error if the server fails to start.
func StartServer(server *http.Server) error {
	logger.Info("server_listening", "addr", server.Addr)
	return server.ListenAndServe()
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active connections.
// It waits for active connections to close or until the timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration) error {
	logger.Info("http_server_shutting_down")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("http_server_shutdown_error", "err", err)
		return err
	}

	logger.Info("http_server_shutdown_completed")
	return nil
}

// GetHub returns the global hub instance for shutdown coordination
func GetHub() *Hub {
	return hub
}
