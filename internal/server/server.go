// Package server exposes a running player over HTTP: device state, control
// commands, settings reloads and a websocket stream of tick snapshots.
package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/babelcloud/depthstream/internal/pipeline"
	"github.com/babelcloud/depthstream/internal/util"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// MonitorServer serves the monitor API for one consumer loop.
type MonitorServer struct {
	addr        string
	loop        *Loop
	broadcaster *pipeline.Broadcaster
	router      *mux.Router
	upgrader    websocket.Upgrader

	mu         sync.RWMutex
	httpServer *http.Server
	listener   net.Listener
	running    bool
	startTime  time.Time
}

// NewMonitorServer creates a server listening on addr once started. Tick
// snapshots are read from b, which should be the loop's broadcaster.
func NewMonitorServer(addr string, loop *Loop, b *pipeline.Broadcaster) *MonitorServer {
	if b == nil {
		b = pipeline.NewBroadcaster()
	}
	s := &MonitorServer{
		addr:        addr,
		loop:        loop,
		broadcaster: b,
		router:      mux.NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.setupRoutes()
	return s
}

func (s *MonitorServer) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/devices", s.handleDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/{command:connect|disconnect|shutdown|restart|quit}", s.handleCommand).Methods(http.MethodPost)
	api.HandleFunc("/devices/{index:[0-9]+}/delay", s.handleDelay).Methods(http.MethodPut)
	api.HandleFunc("/devices/{index:[0-9]+}/transform", s.handleTransform).Methods(http.MethodGet)
	api.HandleFunc("/devices/{index:[0-9]+}/vertices", s.handleVertices).Methods(http.MethodGet)
	api.HandleFunc("/reading/{action:start|stop}", s.handleReading).Methods(http.MethodPost)
	api.HandleFunc("/settings/{kind}", s.handleSettings).Methods(http.MethodPost)

	s.router.HandleFunc("/ws/ticks", s.handleTicks)
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "not found")
	})
}

// Handler returns the HTTP handler with request logging.
func (s *MonitorServer) Handler() http.Handler {
	return loggingMiddleware(s.router)
}

// Start binds the listener and serves in the background.
func (s *MonitorServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("monitor server already running")
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.addr)
	}

	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.running = true
	s.startTime = time.Now()

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.GetLogger().Error("Monitor server stopped unexpectedly", "error", err)
		}
	}(s.httpServer)

	util.GetLogger().Info("Monitor server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *MonitorServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// IsRunning returns whether the server is running.
func (s *MonitorServer) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// GetUptime returns the time since Start.
func (s *MonitorServer) GetUptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startTime)
}

// Stop shuts the server down, closing websocket subscribers first.
func (s *MonitorServer) Stop() error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.running = false
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if s.broadcaster != nil {
		s.broadcaster.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		util.GetLogger().Warn("Monitor server shutdown error", "error", err)
		if err := srv.Close(); err != nil {
			return errors.Wrap(err, "failed to close monitor server")
		}
	}
	util.GetLogger().Info("Monitor server stopped")
	return nil
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	length int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.status = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lw.status == 0 {
		lw.status = http.StatusOK
	}
	n, err := lw.ResponseWriter.Write(b)
	lw.length += n
	return n, err
}

func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("http.Hijacker interface is not supported")
	}
	return hj.Hijack()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		util.GetLogger().Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.status,
			"bytes", lw.length,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr)
	})
}
