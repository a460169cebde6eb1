// Package server manages individual event channel sockets, handling read/write
// pumps, rate limiting, acknowledgements, and lifecycle control for each
// connection.
package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/hellosock/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

// Socket represents one client connection on a namespace. Inbound events are
// dispatched on the read goroutine in the order they arrive, so handlers for a
// single socket never run concurrently with each other.
type Socket struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	ns     *Namespace
	addr   string
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc

	handlers       *protocol.Handlers
	acks           *protocol.AckRegistry
	limiter        *rate.Limiter
	maxMessageSize int64
	rateLimit      RateLimitConfig
}

func newSocket(conn *websocket.Conn, ns *Namespace, addr string) *Socket {
	cfg := ns.server.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(ns.ctx)

	return &Socket{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		ns:             ns,
		addr:           addr,
		logger:         ns.logger.With(zap.String("sid", id), zap.String("remote_addr", addr)),
		ctx:            ctx,
		cancel:         cancel,
		handlers:       protocol.NewHandlers(),
		acks:           protocol.NewAckRegistry(),
		limiter:        newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		maxMessageSize: cfg.MaxMessageSize,
		rateLimit:      cfg.RateLimit,
	}
}

// ID returns the socket id announced to the peer in the connect packet.
func (s *Socket) ID() string {
	return s.id
}

// Namespace returns the namespace the socket belongs to.
func (s *Socket) Namespace() *Namespace {
	return s.ns
}

// RemoteAddr returns the peer address of the underlying connection.
func (s *Socket) RemoteAddr() string {
	return s.addr
}

// Context is cancelled when the socket disconnects or the namespace shuts down.
func (s *Socket) Context() context.Context {
	return s.ctx
}

// Connected reports whether the socket can still send and receive events.
func (s *Socket) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

// On registers the handler for inbound events with the given name.
func (s *Socket) On(name string, handler protocol.EventHandler) {
	s.handlers.On(name, handler)
}

// Off removes the handler for the given event name.
func (s *Socket) Off(name string) {
	s.handlers.Off(name)
}

// Emit sends a named event without requesting an acknowledgement.
func (s *Socket) Emit(name string, args ...any) error {
	packet, err := protocol.NewEventPacket(s.ns.name, nil, name, args...)
	if err != nil {
		return err
	}
	return s.enqueue(packet)
}

// EmitWithAck sends a named event and returns the pending acknowledgement.
// The Ack fails with protocol.ErrAckCanceled if the socket closes first.
func (s *Socket) EmitWithAck(name string, args ...any) (*protocol.Ack, error) {
	ack := s.acks.Register()
	id := ack.ID()

	packet, err := protocol.NewEventPacket(s.ns.name, &id, name, args...)
	if err != nil {
		s.acks.Forget(id)
		return nil, err
	}
	if err := s.enqueue(packet); err != nil {
		s.acks.Forget(id)
		return nil, err
	}
	return ack, nil
}

// Disconnect sends a disconnect packet and closes the socket.
func (s *Socket) Disconnect() {
	if err := s.enqueue(protocol.NewDisconnectPacket(s.ns.name)); err != nil && !errors.Is(err, ErrSocketClosed) {
		s.logger.Debug("failed to queue disconnect packet", zap.Error(err))
	}
	s.ns.remove(s)
}

func (s *Socket) enqueue(packet *protocol.Packet) error {
	raw, err := protocol.Encode(packet)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrSocketClosed
	}

	select {
	case s.send <- raw:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// markClosed closes the send channel, cancels the socket context and fails
// pending acknowledgements. It reports false if the socket was already closed.
func (s *Socket) markClosed() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	close(s.send)
	s.mu.Unlock()

	s.cancel()
	s.acks.Close()
	return true
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (s *Socket) setupReadConnection() {
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.logger.Warn("error setting initial read deadline", zap.Error(err))
	}
	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			s.logger.Warn("error setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// handleReadError logs the read error at a level matching how expected it is.
func (s *Socket) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.logger.Warn("message exceeded maximum size", zap.Int64("max_bytes", s.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		s.logger.Debug("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		s.logger.Debug("connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		s.logger.Warn("unexpected websocket close", zap.Error(err))
	default:
		s.logger.Warn("websocket read error", zap.Error(err))
	}
}

// checkRateLimit reports whether another inbound event may be processed.
func (s *Socket) checkRateLimit() bool {
	if s.limiter != nil && !s.limiter.Allow() {
		s.logger.Warn("rate limit exceeded; discarding event",
			zap.Int("burst", s.rateLimit.Burst),
			zap.Duration("interval", s.rateLimit.RefillInterval),
		)
		return false
	}
	return true
}

// processPacket decodes and handles one inbound frame and returns false when
// the peer asked to disconnect.
func (s *Socket) processPacket(raw []byte) bool {
	packet, err := protocol.Decode(raw)
	if err != nil {
		s.logger.Warn("invalid packet", zap.Error(err))
		return true
	}

	switch packet.Type {
	case protocol.PacketEvent:
		if s.checkRateLimit() {
			s.dispatchEvent(packet)
		}
	case protocol.PacketAck:
		args, _ := packet.AckArgs()
		if !s.acks.Resolve(*packet.ID, args) {
			s.logger.Debug("ignoring ack for unknown id", zap.Uint64("ack_id", *packet.ID))
		}
	case protocol.PacketDisconnect:
		s.logger.Debug("client requested disconnect")
		return false
	case protocol.PacketConnect:
		s.logger.Debug("ignoring connect packet from client")
	}
	return true
}

func (s *Socket) dispatchEvent(packet *protocol.Packet) {
	name, args, _ := packet.Event()

	var ack protocol.AckFunc
	if packet.ID != nil {
		id := *packet.ID
		ack = func(replyArgs ...any) error {
			reply, err := protocol.NewAckPacket(s.ns.name, id, replyArgs...)
			if err != nil {
				return err
			}
			return s.enqueue(reply)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered from panic in event handler",
				zap.String("event", name),
				zap.Any("panic", r),
			)
		}
	}()

	if !s.handlers.Dispatch(protocol.NewEvent(name, args, ack)) {
		s.logger.Debug("no handler for event", zap.String("event", name))
	}
}

func (s *Socket) readPump() {
	defer func() {
		s.ns.remove(s)
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.Warn("error closing connection in readPump", zap.Error(err))
		}
	}()

	s.setupReadConnection()
	s.ns.runConnectHandlers(s)

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}

		if !s.Connected() {
			return
		}

		if !s.processPacket(raw) {
			return
		}
	}
}

func (s *Socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.closeConnection()
	}()

	for s.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (s *Socket) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-s.send:
		return s.handleMessage(message, ok)
	case <-ticker.C:
		return s.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (s *Socket) closeConnection() {
	if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
		s.logger.Warn("error closing connection in writePump", zap.Error(err))
	}
}

// handleMessage writes one outgoing packet and returns false if the connection should be closed
func (s *Socket) handleMessage(message []byte, ok bool) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.logger.Warn("error setting write deadline", zap.Error(err))
		return false
	}

	if !ok {
		return s.writeCloseMessage()
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			s.logger.Warn("error writing message", zap.Error(err))
		}
		return false
	}
	return true
}

// writeCloseMessage sends a close frame to the client
func (s *Socket) writeCloseMessage() bool {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := s.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		s.logger.Debug("error writing close message", zap.Error(err))
	}
	return false
}

// handlePing sends a ping message to keep the connection alive
func (s *Socket) handlePing() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.logger.Warn("error setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		s.logger.Warn("error writing ping message", zap.Error(err))
		return false
	}
	return true
}
