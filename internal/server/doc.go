// Package server implements the core HTTP and WebSocket server functionality
// for Fireside: the connection gateway, the session registry, and the routing
// and broadcast engine.
//
// The implementation is organized into specialized files for configuration,
// hub management, clients, the routing engine, moderation, routing, and HTTP
// handlers to keep the codebase maintainable and testable as the project
// grows.
package server
