// Package server exposes the scheduling engine over HTTP and
// WebSocket: a REST control surface under /api/cron and a broadcast
// hub pushing lifecycle events to connected UI clients.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/corvid-labs/tempo/config"
	"github.com/corvid-labs/tempo/cron"
)

// Server is the HTTP/WS front of the engine and the hub for connected
// WebSocket clients.
type Server struct {
	cfg     *config.Config
	service *cron.Service
	logger  *zap.SugaredLogger

	mu         sync.RWMutex
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client

	upgrader websocket.Upgrader

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
	httpServer  *http.Server
}

// NewServer creates the server. Call Start to begin serving.
func NewServer(cfg *config.Config, service *cron.Service, logger *zap.SugaredLogger) *Server {
	s := &Server{
		cfg:        cfg,
		service:    service,
		logger:     logger,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin allows same-host connections plus any configured origins
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.Server.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// Start binds the listener and runs until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	// Bridge engine events into the client hub
	s.unsubscribe = s.service.Subscribe(s.broadcastCronEvent)

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.wg.Add(1)
	go s.runHub()

	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	s.logger.Infow("Server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener, disconnects clients, and waits for the
// hub to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.cancel()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	s.mu.Lock()
	for client := range s.clients {
		client.close()
	}
	s.clients = make(map[*Client]bool)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Infow("Server stopped")
	return err
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/cron/jobs", s.handleJobs)
	mux.HandleFunc("/api/cron/jobs/", s.handleJobByID)
	mux.HandleFunc("/api/cron/status", s.handleStatus)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
}

// runHub processes client registration until shutdown
func (s *Server) runHub() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			count := len(s.clients)
			s.mu.Unlock()
			s.logger.Infow("Client connected", "client_id", client.id, "clients", count)
			s.sendStatusSnapshot(client)
		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				client.close()
			}
			count := len(s.clients)
			s.mu.Unlock()
			s.logger.Infow("Client disconnected", "client_id", client.id, "clients", count)
		}
	}
}

// handleWebSocket upgrades the connection and starts the pumps
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		server: s,
		conn:   conn,
		send:   make(chan interface{}, 64),
		done:   make(chan struct{}),
		id:     uuid.NewString()[:8],
	}

	s.register <- client

	go client.writePump()
	go client.readPump()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
