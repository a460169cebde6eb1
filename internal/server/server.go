package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server is the explicitly constructed process state: configuration, logger,
// origin policy, namespace registry and the HTTP engine they share.
type Server struct {
	cfg     Config
	logger  *zap.Logger
	origins *originPolicy
	engine  *gin.Engine

	mu         sync.Mutex
	namespaces map[string]*Namespace
	httpServer *http.Server
}

// New builds a Server from cfg. A nil cfg uses the defaults and a nil logger
// discards all output.
func New(cfg *Config, logger *zap.Logger) *Server {
	if cfg == nil {
		cfg = NewConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sanitized := sanitizeConfig(*cfg)
	srv := &Server{
		cfg:        sanitized,
		logger:     logger,
		origins:    newOriginPolicy(sanitized.AllowedOrigins, logger),
		namespaces: make(map[string]*Namespace),
	}
	srv.engine = SetupRoutes(srv)
	return srv
}

// Config returns the sanitized configuration in use.
func (s *Server) Config() Config {
	cfg := s.cfg
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// Logger returns the server's logger.
func (s *Server) Logger() *zap.Logger {
	return s.logger
}

// Handler returns the HTTP handler serving the static page and every
// namespace created with Of.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Of returns the namespace mounted at name, creating it and starting its
// registration loop on first use. A new namespace adds a route to the shared
// engine, so create every namespace before the server starts handling
// requests; calling Of for a new name while requests are routed is a data race.
func (s *Server) Of(name string) *Namespace {
	if name == "" || name[0] != '/' {
		name = "/" + name
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ns, ok := s.namespaces[name]; ok {
		return ns
	}

	ns := newNamespace(name, s)
	s.namespaces[name] = ns
	s.engine.Any(name, gin.WrapH(ns))
	go ns.Run()

	s.logger.Debug("namespace created", zap.String("nsp", name))
	return ns
}

// ListenAndServe binds the configured port and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Port)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Port, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln. It logs one line once the listener is
// bound and returns nil after a graceful Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	httpServer := CreateServer(ln.Addr().String(), s.engine)

	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	s.logger.Info(fmt.Sprintf("listening on *:%s", listenPort(ln.Addr())))

	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting HTTP requests, then closes every namespace and
// waits for their sockets to finish within timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	httpServer := s.httpServer
	namespaces := make([]*Namespace, 0, len(s.namespaces))
	for _, ns := range s.namespaces {
		namespaces = append(namespaces, ns)
	}
	s.mu.Unlock()

	var errs []error
	if httpServer != nil {
		if err := ShutdownServer(httpServer, timeout, s.logger); err != nil {
			errs = append(errs, err)
		}
	}

	for _, ns := range namespaces {
		if err := ns.Shutdown(timeout); err != nil {
			errs = append(errs, fmt.Errorf("namespace %s: %w", ns.name, err))
		}
	}

	return errors.Join(errs...)
}

func listenPort(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return fmt.Sprint(tcp.Port)
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return port
}
