// Package server coordinates socket registration, connection handlers, and
// connection cleanup for one event channel namespace via the Namespace type.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/hellosock/internal/protocol"
)

// ConnectionHandler runs once for every socket that joins a namespace, before
// any inbound event of that socket is dispatched.
type ConnectionHandler func(*Socket)

// Namespace manages all sockets connected under one path and runs the
// registration loop that starts their pumps.
type Namespace struct {
	name   string
	server *Server
	logger *zap.Logger

	sockets    map[string]*Socket
	register   chan *Socket
	unregister chan *Socket
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	handlersMu sync.RWMutex
	onConnect  []ConnectionHandler

	upgrader websocket.Upgrader
}

func newNamespace(name string, srv *Server) *Namespace {
	ctx, cancel := context.WithCancel(context.Background())
	ns := &Namespace{
		name:       name,
		server:     srv,
		logger:     srv.logger.With(zap.String("nsp", name)),
		sockets:    make(map[string]*Socket),
		register:   make(chan *Socket),
		unregister: make(chan *Socket),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	ns.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     srv.origins.checkOrigin,
	}
	return ns
}

// Name returns the namespace path, for example "/hello".
func (ns *Namespace) Name() string {
	return ns.name
}

// OnConnection registers a handler that runs for every new socket.
func (ns *Namespace) OnConnection(handler ConnectionHandler) {
	ns.handlersMu.Lock()
	defer ns.handlersMu.Unlock()
	ns.onConnect = append(ns.onConnect, handler)
}

func (ns *Namespace) runConnectHandlers(s *Socket) {
	ns.handlersMu.RLock()
	handlers := append([]ConnectionHandler(nil), ns.onConnect...)
	ns.handlersMu.RUnlock()

	for _, handler := range handlers {
		ns.runConnectHandler(s, handler)
	}
}

// runConnectHandler runs one handler so that a panic does not skip the rest.
func (ns *Namespace) runConnectHandler(s *Socket, handler ConnectionHandler) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered from panic in connection handler", zap.Any("panic", r))
		}
	}()
	handler(s)
}

// Sockets returns the number of connected sockets.
func (ns *Namespace) Sockets() int {
	ns.mutex.RLock()
	defer ns.mutex.RUnlock()
	return len(ns.sockets)
}

// Socket looks up a connected socket by id.
func (ns *Namespace) Socket(id string) (*Socket, bool) {
	ns.mutex.RLock()
	defer ns.mutex.RUnlock()
	s, ok := ns.sockets[id]
	return s, ok
}

// ServeHTTP upgrades the request to a WebSocket and hands the new socket to
// the registration loop.
func (ns *Namespace) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. Event channel endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := ns.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ns.logger.Debug("websocket upgrade failed", zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
		return
	}

	s := newSocket(conn, ns, r.RemoteAddr)

	select {
	case ns.register <- s:
	case <-ns.done:
		_ = conn.Close()
	}
}

// remove hands the socket to the registration loop for cleanup, or closes it
// directly once the loop has stopped.
func (ns *Namespace) remove(s *Socket) {
	select {
	case ns.unregister <- s:
	case <-ns.done:
		s.markClosed()
	}
}

// Run starts the namespace's main event loop, handling socket registration and
// unregistration. It returns after Shutdown.
func (ns *Namespace) Run() {
	defer close(ns.done)

	for {
		select {
		case <-ns.ctx.Done():
			ns.shutdownSockets()
			return

		case s := <-ns.register:
			if s == nil {
				ns.logger.Warn("received nil socket registration; skipping")
				continue
			}
			ns.handleRegister(s)

		case s := <-ns.unregister:
			ns.handleUnregister(s)
		}
	}
}

func (ns *Namespace) handleRegister(s *Socket) {
	ns.mutex.Lock()
	ns.sockets[s.id] = s
	count := len(ns.sockets)
	ns.mutex.Unlock()

	s.logger.Info("socket connected", zap.Int("sockets", count))

	packet, err := protocol.NewConnectPacket(ns.name, s.id)
	if err == nil {
		err = s.enqueue(packet)
	}
	if err != nil {
		s.logger.Error("failed to queue connect packet", zap.Error(err))
	}

	ns.wg.Add(2)
	go func() {
		defer ns.wg.Done()
		s.writePump()
	}()
	go func() {
		defer ns.wg.Done()
		s.readPump()
	}()
}

func (ns *Namespace) handleUnregister(s *Socket) {
	ns.mutex.Lock()
	_, ok := ns.sockets[s.id]
	if ok {
		delete(ns.sockets, s.id)
	}
	count := len(ns.sockets)
	ns.mutex.Unlock()

	if s.markClosed() || ok {
		s.logger.Info("socket disconnected", zap.Int("sockets", count))
	}
}

// shutdownSockets closes every active socket connection
func (ns *Namespace) shutdownSockets() {
	ns.mutex.Lock()
	sockets := make([]*Socket, 0, len(ns.sockets))
	for _, s := range ns.sockets {
		sockets = append(sockets, s)
	}
	ns.sockets = make(map[string]*Socket)
	ns.mutex.Unlock()

	for _, s := range sockets {
		s.markClosed()
		if s.conn != nil {
			if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
				s.logger.Warn("error closing socket connection", zap.Error(err))
			}
		}
	}

	ns.logger.Info("closed socket connections", zap.Int("count", len(sockets)))
}

// Shutdown stops the registration loop, closes all sockets and waits for their
// pumps to finish or the timeout to expire.
func (ns *Namespace) Shutdown(timeout time.Duration) error {
	ns.cancel()
	<-ns.done

	finished := make(chan struct{})
	go func() {
		ns.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		ns.logger.Debug("namespace shutdown completed")
		return nil
	case <-time.After(timeout):
		ns.logger.Warn("namespace shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
