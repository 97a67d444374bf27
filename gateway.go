package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/gorilla/websocket"
)

// Server is the session gateway: it terminates client connections, maps
// each one to a backend pool via the final path segment, and bridges bytes
// for the connection's duration.
type Server struct {
	config     *Config
	pools      map[string]*Pool
	httpServer *http.Server
	logger     *Logger
	metrics    *Metrics
	upgrader   websocket.Upgrader
}

// NewServer builds the route table from the configuration: one pool per
// named backend, owned by the server and immutable after construction.
func NewServer(cfg *Config) *Server {
	logger := NewLogger(cfg.Logging.Level)
	metrics := NewMetrics(cfg.Metrics.Namespace)

	pools := make(map[string]*Pool, len(cfg.Backends))
	for name, backend := range cfg.Backends {
		pools[name] = NewPool(name, backend, logger, metrics)
	}

	return &Server{
		config:  cfg,
		pools:   pools,
		logger:  logger,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
	}
}

// warmPools initializes every pool to its configured minimum before the
// gateway accepts a single connection. Any failure aborts startup.
func (s *Server) warmPools() error {
	for name, pool := range s.pools {
		s.logger.Info("warming pool %s (min=%d)", name, pool.Min())
		if err := pool.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize pool: %w", err)
		}
	}
	return nil
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	if s.config.Metrics.Enabled {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	mux.HandleFunc("/", s.handleConnect)
	return mux
}

// Start warms the pools and begins serving.
func (s *Server) Start() error {
	if err := s.warmPools(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.config.Address(),
		Handler: s.handler(),
	}

	go func() {
		s.logger.Info("gateway listening on %s", s.config.Address())
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("HTTP server error: %v", err)
		}
	}()

	return nil
}

// handleConnect runs one connection through its lifecycle: routing,
// provisioning, then bridging until either side goes away.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	key := routingKey(r.URL.Path)
	pool, ok := s.pools[key]
	if !ok {
		// Rejected before any upgrade and before any worker is spawned.
		s.logger.Debug("no backend for routing key %q", key)
		http.NotFound(w, r)
		return
	}

	worker, err := pool.Acquire()
	if err != nil {
		s.logger.Error("failed to provision %s worker: %v", key, err)
		http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the client-facing error; no partial state
		// may survive the failed handshake.
		s.logger.Warn("upgrade failed for %s: %v", key, err)
		worker.Kill()
		return
	}

	sess := newSession(key, conn, worker, s.logger, s.metrics)
	sess.run()
}

// routingKey derives the backend name from the request target: the final
// path segment.
func routingKey(p string) string {
	return strings.Trim(path.Base(path.Clean(p)), "/")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	backends := make(map[string]int, len(s.pools))
	for name, pool := range s.pools {
		backends[name] = pool.IdleCount()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"backends": backends,
	})
}

// Stop drains the HTTP server, then terminates every idle worker. In-flight
// sessions end when their connections do; past the shutdown timeout the
// listener is closed under them.
func (s *Server) Stop() error {
	s.logger.Info("shutting down gateway...")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("forcing listener closed: %v", err)
			s.httpServer.Close()
		}
	}

	for _, pool := range s.pools {
		pool.Shutdown()
	}

	s.logger.Info("gateway stopped")
	return nil
}
