// Package httpserver serves the read-only relay status API.
package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/totalperformancedata/gmaxrelay/internal/model"
)

// DefaultAddr keeps the API on loopback unless configured otherwise.
const DefaultAddr = "127.0.0.1:33380"

// Server provides an HTTP API over a relay status snapshot.
type Server struct {
	addr     string
	status   model.StatusProvider
	server   *http.Server
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewServer creates a new HTTP API server.
func NewServer(addr string, status model.StatusProvider) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:   addr,
		status: status,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/api/health", s.handleHealth)
	r.GET("/api/stats", s.handleStats)
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.routes(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	go s.server.Serve(listener)
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// handleHealth reports 200 while the forwarder holds a usable sink
// connection and 503 otherwise.
func (s *Server) handleHealth(c *gin.Context) {
	st := s.status.Status()

	code, status := http.StatusOK, "ok"
	if st.WorkerState != "ready" && st.WorkerState != "forwarding" {
		code, status = http.StatusServiceUnavailable, "unavailable"
	}

	body := gin.H{
		"status":       status,
		"worker_state": st.WorkerState,
		"sink":         st.Sink,
		"queue_depth":  st.Queue.Depth,
	}
	if !st.StartedAt.IsZero() {
		body["uptime"] = time.Since(st.StartedAt).Round(time.Second).String()
	}
	c.JSON(code, body)
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.status.Status())
}
