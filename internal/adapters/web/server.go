// Package web serves the UI bridge over HTTP: a JSON API and a Server-Sent
// Events stream of classified events. Binds to localhost only.
package web

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zeami/zwatch/internal/adapters/socket"
	"github.com/zeami/zwatch/internal/logging"
	"github.com/zeami/zwatch/internal/ports"
)

// heartbeatInterval keeps idle streams from being closed by proxies.
const heartbeatInterval = 15 * time.Second

// Server serves the JSON API and the event stream.
type Server struct {
	queries  socket.AppQueries
	hub      *Hub
	logger   *zap.Logger
	listener net.Listener
	httpSrv  *http.Server
	port     int
	stopOnce sync.Once
	wg       sync.WaitGroup

	heartbeat time.Duration

	portFilePath string // .zeami/run/http.port
}

// NewServer creates an HTTP server. The portFilePath is where the bound port
// is written for discovery; empty disables it.
func NewServer(queries socket.AppQueries, hub *Hub, portFilePath string, logger *zap.Logger) *Server {
	return &Server{
		queries:      queries,
		hub:          hub,
		logger:       logging.OrNop(logger).Named("web"),
		heartbeat:    heartbeatInterval,
		portFilePath: portFilePath,
	}
}

// DefaultPort computes a project-specific port: 19000 + (hash(abs_path) % 1000).
func DefaultPort(projectRoot string) int {
	abs, err := filepath.Abs(projectRoot)
	if err != nil {
		abs = projectRoot
	}
	h := sha256.Sum256([]byte(abs))
	n := uint32(h[0])<<24 | uint32(h[1])<<16 | uint32(h[2])<<8 | uint32(h[3])
	return 19000 + int(n%1000)
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/targets", s.handleTargets)
	mux.HandleFunc("GET /api/events/recent", s.handleRecent)
	mux.HandleFunc("GET /api/events/stream", s.handleStream)
	return mux
}

// Start begins listening on the preferred port (0 picks a free one) and
// writes the bound port to the port file.
func (s *Server) Start(preferredPort int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", preferredPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if s.portFilePath != "" {
		if err := os.WriteFile(s.portFilePath, []byte(strconv.Itoa(s.port)), 0644); err != nil {
			s.logger.Warn("write port file", zap.String("path", s.portFilePath), zap.Error(err))
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http serve", zap.Error(err))
		}
	}()
	s.logger.Info("http api listening", zap.String("url", s.URL()))
	return nil
}

// Stop ends open streams and shuts the server down. Idempotent.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if s.hub != nil {
			s.hub.Close()
		}
		if s.httpSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				s.logger.Warn("http shutdown", zap.Error(err))
			}
		}
		s.wg.Wait()
		if s.portFilePath != "" {
			os.Remove(s.portFilePath)
		}
	})
}

// Port returns the bound port number.
func (s *Server) Port() int {
	return s.port
}

// URL returns the base URL of the API.
func (s *Server) URL() string {
	return fmt.Sprintf("http://localhost:%d", s.port)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queries.Health())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queries.Stats())
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queries.Targets())
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be an integer"})
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.queries.Recent(socket.ClampLimit(limit)))
}

// handleStream writes notifications as Server-Sent Events. The event name is
// the category; source failures are sent as "error" events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok || s.hub == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	events, cancel := s.hub.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case n, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, n); err != nil {
				s.logger.Debug("stream write", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, n ports.Notification) error {
	if n.IsError() {
		data, err := json.Marshal(map[string]string{"error": n.Err.Error()})
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
		return err
	}
	data, err := json.Marshal(n.Event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", n.Event.ID, n.Event.Category, data)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
