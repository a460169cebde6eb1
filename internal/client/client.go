// Package client implements a Go peer for the hellosock event channel. It is
// used by the command line client and by the server's integration tests.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/hellosock/internal/protocol"
)

const writeWait = 10 * time.Second

var (
	// ErrNotConnected is returned when emitting before Connect or after Close.
	ErrNotConnected = errors.New("client: not connected")
	// ErrHandshake is returned when the server does not open with a connect packet.
	ErrHandshake = errors.New("client: handshake failed")
)

// Options configures a client connection.
type Options struct {
	// Origin overrides the Origin header. It defaults to the http(s) form of
	// the dial URL's host.
	Origin           string
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// Conn is a client socket on one namespace. Register handlers with On before
// calling Connect so that events sent right after the handshake are not lost.
type Conn struct {
	url    string
	nsp    string
	opts   Options
	logger *zap.Logger

	handlers *protocol.Handlers
	acks     *protocol.AckRegistry

	writeMu sync.Mutex
	conn    *websocket.Conn
	sid     string

	closing     atomic.Bool
	dispatching atomic.Bool
	done        chan struct{}
	closeOnce   sync.Once
	errMu       sync.Mutex
	err         error
}

// New prepares a client for the namespace URL, for example
// ws://localhost:3000/hello.
func New(rawURL string, opts Options) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	if opts.Origin == "" {
		scheme := "http"
		if u.Scheme == "wss" {
			scheme = "https"
		}
		opts.Origin = scheme + "://" + u.Host
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	nsp := u.Path
	if nsp == "" {
		nsp = "/"
	}

	return &Conn{
		url:      u.String(),
		nsp:      nsp,
		opts:     opts,
		logger:   opts.Logger.With(zap.String("nsp", nsp)),
		handlers: protocol.NewHandlers(),
		acks:     protocol.NewAckRegistry(),
		done:     make(chan struct{}),
	}, nil
}

// On registers the handler for server events with the given name. Handlers
// run one at a time in the order the events arrive.
func (c *Conn) On(name string, handler protocol.EventHandler) {
	c.handlers.On(name, handler)
}

// Connect dials the server, waits for the connect packet and starts reading.
func (c *Conn) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}

	header := http.Header{}
	header.Set("Origin", c.opts.Origin)

	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		_ = conn.Close()
		return err
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	packet, err := protocol.Decode(raw)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	data, err := packet.ConnectData()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return err
	}

	c.writeMu.Lock()
	c.conn = conn
	c.sid = data.SID
	c.writeMu.Unlock()

	c.logger = c.logger.With(zap.String("sid", data.SID))
	c.logger.Debug("connected")

	go c.readLoop(conn)
	return nil
}

// ID returns the socket id assigned by the server.
func (c *Conn) ID() string {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sid
}

// Done is closed once the connection has ended.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Emit sends a named event without requesting an acknowledgement.
func (c *Conn) Emit(name string, args ...any) error {
	packet, err := protocol.NewEventPacket(c.nsp, nil, name, args...)
	if err != nil {
		return err
	}
	return c.write(packet)
}

// EmitWithAck sends a named event and returns the pending acknowledgement.
func (c *Conn) EmitWithAck(name string, args ...any) (*protocol.Ack, error) {
	ack := c.acks.Register()
	id := ack.ID()

	packet, err := protocol.NewEventPacket(c.nsp, &id, name, args...)
	if err != nil {
		c.acks.Forget(id)
		return nil, err
	}
	if err := c.write(packet); err != nil {
		c.acks.Forget(id)
		return nil, err
	}
	return ack, nil
}

// Close sends a disconnect packet, closes the connection and waits for the
// read loop to stop. Called from an event handler, Close returns without
// waiting because the handler runs on the read loop; wait on Done instead.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	conn := c.conn
	c.writeMu.Unlock()
	if conn == nil {
		return nil
	}
	c.closing.Store(true)

	if err := c.write(protocol.NewDisconnectPacket(c.nsp)); err != nil && !errors.Is(err, ErrNotConnected) {
		c.logger.Debug("failed to send disconnect packet", zap.Error(err))
	}

	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.writeMu.Unlock()

	err := conn.Close()
	if !c.dispatching.Load() {
		<-c.done
	}
	if err != nil && !isClosedConnError(err) {
		return err
	}
	return nil
}

func (c *Conn) write(packet *protocol.Packet) error {
	raw, err := protocol.Encode(packet)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Conn) readLoop(conn *websocket.Conn) {
	var loopErr error
	defer func() { c.finish(loopErr) }()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !c.closing.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				loopErr = err
			}
			return
		}

		packet, err := protocol.Decode(raw)
		if err != nil {
			c.logger.Warn("invalid packet from server", zap.Error(err))
			continue
		}

		switch packet.Type {
		case protocol.PacketEvent:
			c.dispatch(packet)
		case protocol.PacketAck:
			args, _ := packet.AckArgs()
			if !c.acks.Resolve(*packet.ID, args) {
				c.logger.Debug("ignoring ack for unknown id", zap.Uint64("ack_id", *packet.ID))
			}
		case protocol.PacketDisconnect:
			c.logger.Debug("server requested disconnect")
			return
		case protocol.PacketConnect:
			c.logger.Debug("ignoring repeated connect packet")
		}
	}
}

func (c *Conn) dispatch(packet *protocol.Packet) {
	name, args, _ := packet.Event()

	var ack protocol.AckFunc
	if packet.ID != nil {
		id := *packet.ID
		ack = func(replyArgs ...any) error {
			reply, err := protocol.NewAckPacket(c.nsp, id, replyArgs...)
			if err != nil {
				return err
			}
			return c.write(reply)
		}
	}

	c.dispatching.Store(true)
	defer c.dispatching.Store(false)

	if !c.handlers.Dispatch(protocol.NewEvent(name, args, ack)) {
		c.logger.Debug("no handler for event", zap.String("event", name))
	}
}

func (c *Conn) finish(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()

		c.acks.Close()
		close(c.done)

		c.writeMu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.writeMu.Unlock()
	})
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
