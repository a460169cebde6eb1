// Package server implements the HTTP listener and the WebSocket event channel
// for hellosock.
//
// A Server owns the configuration, logger and the namespace registry. Each
// Namespace runs a hub loop that registers sockets, and each Socket runs a read
// pump that dispatches inbound events in arrival order and a write pump that
// serializes outbound packets. The static page and the namespace upgrade
// handlers share one gin engine and therefore one listening socket.
package server
