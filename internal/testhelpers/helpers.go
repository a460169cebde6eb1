// Package testhelpers provides common utilities and helper functions for testing the hellosock server.
//
// It provides functions for observing logs, writing the static page, making HTTP requests and
// exchanging raw protocol packets so that unit and integration tests share one vocabulary.
package testhelpers

import (
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Tyrowin/hellosock/internal/protocol"
)

// TestOrigin is the Origin header used by raw WebSocket peers.
const TestOrigin = "http://localhost:3000"

// NewObservedLogger returns a logger that records every entry at debug level or above.
func NewObservedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

// WriteStaticFile writes content to index.html in a per-test directory and returns its path.
func WriteStaticFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.html")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// MakeRequest creates and executes an HTTP request with a 5-second timeout,
// failing the test if the request cannot be executed.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err, "failed to create request")

	resp, err := client.Do(req)
	require.NoError(t, err, "failed to make request")
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

// WebSocketURL converts an httptest server URL into a ws:// URL for path.
func WebSocketURL(serverURL, path string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + path
}

// ConnectWebSocket dials url with the given Origin header and closes the
// connection when the test ends.
func ConnectWebSocket(t *testing.T, url, origin string) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err, "failed to connect websocket")
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// ReadPacket reads and decodes the next packet, failing after timeout.
func ReadPacket(t *testing.T, conn *websocket.Conn, timeout time.Duration) *protocol.Packet {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err, "failed to read packet")
	packet, err := protocol.Decode(raw)
	require.NoError(t, err, "failed to decode packet %s", raw)
	return packet
}

// ReadConnect reads the connect packet the server sends first and returns the socket id.
func ReadConnect(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	packet := ReadPacket(t, conn, 2*time.Second)
	require.Equal(t, protocol.PacketConnect, packet.Type)
	data, err := packet.ConnectData()
	require.NoError(t, err)
	require.NotEmpty(t, data.SID)
	return data.SID
}

// WritePacket encodes and writes packet as a text frame.
func WritePacket(t *testing.T, conn *websocket.Conn, packet *protocol.Packet) {
	t.Helper()
	raw, err := protocol.Encode(packet)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

// EmitEvent sends a named event without an acknowledgement id.
func EmitEvent(t *testing.T, conn *websocket.Conn, nsp, name string, args ...any) {
	t.Helper()
	packet, err := protocol.NewEventPacket(nsp, nil, name, args...)
	require.NoError(t, err)
	WritePacket(t, conn, packet)
}

// SendAck acknowledges the event with the given id.
func SendAck(t *testing.T, conn *websocket.Conn, nsp string, id uint64, args ...any) {
	t.Helper()
	packet, err := protocol.NewAckPacket(nsp, id, args...)
	require.NoError(t, err)
	WritePacket(t, conn, packet)
}

// ExpectNoPacket fails if a packet arrives within timeout.
func ExpectNoPacket(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, raw, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("Expected no packet, but received %s", raw)
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	t.Fatalf("Unexpected error while waiting for absence of packet: %v", err)
}

// WaitForLogs waits until at least n entries with message were recorded and returns them.
func WaitForLogs(t *testing.T, logs *observer.ObservedLogs, message string, n int) []observer.LoggedEntry {
	t.Helper()
	require.Eventually(t, func() bool {
		return logs.FilterMessage(message).Len() >= n
	}, 2*time.Second, 10*time.Millisecond, "expected %d %q log entries", n, message)
	return logs.FilterMessage(message).All()
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
