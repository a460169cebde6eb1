// Package server defines shared sentinel errors and utility helpers that are
// reused across socket and namespace logic.
package server

import (
	"errors"
	"strings"
)

var (
	// ErrSocketClosed is returned when emitting on a socket that has
	// disconnected.
	ErrSocketClosed = errors.New("server: socket closed")
	// ErrSendBufferFull is returned when a socket's outbound queue is full.
	ErrSendBufferFull = errors.New("server: send buffer full")
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
