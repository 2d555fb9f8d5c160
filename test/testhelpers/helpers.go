// Package testhelpers provides common utilities and helper functions for testing the Fireside server.
//
// This package contains reusable test utilities that are shared across unit and integration tests.
// It provides functions for creating test servers, dialing WebSocket connections, exchanging
// protocol envelopes, and asserting response properties to reduce code duplication in test files.
package testhelpers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Envelope mirrors the typed message frame exchanged over every connection.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// CreateTestServer creates a test HTTP server with the given handler.
// It returns a running httptest.Server that should be closed after use.
func CreateTestServer(handler http.Handler) *httptest.Server {
	return httptest.NewServer(handler)
}

// CreateTestServerWithConfig creates a test server with custom timeout configuration.
// It allows specifying custom read, write, and idle timeouts for testing server behavior
// under different timeout conditions.
func CreateTestServerWithConfig(
	handler http.Handler,
	readTimeout, writeTimeout, idleTimeout time.Duration,
) *httptest.Server {
	server := &http.Server{
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	testServer := httptest.NewUnstartedServer(handler)
	testServer.Config = server
	testServer.Start()
	return testServer
}

// AssertStatusCode checks if the HTTP response has the expected status code.
// It fails the test with a descriptive error message if the status codes don't match.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
// It fails the test with a descriptive error message if the content types don't match.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// CreateHealthHandler creates the standard health check handler for testing purposes.
// It returns an HTTP handler function that responds with a health check message,
// including proper error handling for write operations.
func CreateHealthHandler() http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if _, err := w.Write([]byte("Fireside server is running!")); err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	})
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}

// ConnectWebSocket creates a WebSocket connection to the specified URL.
// It returns the connection or an error if connection fails.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	// Set a proper origin header for testing
	headers := http.Header{}
	headers.Set("Origin", "http://localhost:8080")

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// SendEnvelope marshals a typed envelope and sends it over the connection.
func SendEnvelope(conn *websocket.Conn, envType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.WriteJSON(Envelope{Type: envType, Payload: raw})
}

// ReceiveEnvelopes reads one WebSocket frame and splits it into the envelopes
// it carries. Queued envelopes may be coalesced into a single
// newline-separated frame by the server's write pump.
func ReceiveEnvelopes(conn *websocket.Conn) ([]Envelope, error) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var envelopes []Envelope
	for _, line := range bytes.Split(raw, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, err
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}

// WaitForEnvelope reads frames until an envelope of the wanted type arrives or
// the timeout elapses, discarding interleaved roster and history traffic.
func WaitForEnvelope(t *testing.T, conn *websocket.Conn, envType string, timeout time.Duration) Envelope {
	t.Helper()

	deadline := time.Now().Add(timeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}

	for time.Now().Before(deadline) {
		envelopes, err := ReceiveEnvelopes(conn)
		if err != nil {
			t.Fatalf("Failed while waiting for %s envelope: %v", envType, err)
		}
		for _, env := range envelopes {
			if env.Type == envType {
				return env
			}
		}
	}

	t.Fatalf("Timed out waiting for %s envelope", envType)
	return Envelope{}
}

// Login performs the login handshake on an open connection and waits for the
// server's confirmation.
func Login(t *testing.T, conn *websocket.Conn, username, password string) {
	t.Helper()

	err := SendEnvelope(conn, "login", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		t.Fatalf("Failed to send login: %v", err)
	}
	WaitForEnvelope(t, conn, "login_success", 5*time.Second)
}

// SendRawMessage sends a raw byte message over the WebSocket connection.
func SendRawMessage(conn *websocket.Conn, messageType int, data []byte) error {
	return conn.WriteMessage(messageType, data)
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// DecodePayload unmarshals an envelope payload into the provided destination.
func DecodePayload(t *testing.T, env Envelope, dest any) {
	t.Helper()
	if err := json.Unmarshal(env.Payload, dest); err != nil {
		t.Fatalf("Failed to decode %s payload: %v", env.Type, err)
	}
}
