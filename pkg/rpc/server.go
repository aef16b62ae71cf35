// Package rpc exposes a DAC over JSON-RPC 2.0, on a websocket at /websocket
// and as single requests POSTed to /jsonrpc. Websocket clients also receive
// notify_status_update after every successful change.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"dacctl/pkg/dac63004w"
	"dacctl/pkg/log"
)

// Device is the DAC as seen by the server. *dac63004w.Driver implements it.
type Device interface {
	Initialize(ctx context.Context) error
	Reset(ctx context.Context) error
	WriteVoltage(ctx context.Context, ch int, volts float64) error
	WriteCurrent(ctx context.Context, ch int, microamps float64) error
	ConfigureFunction(ctx context.Context, ch int, fc dac63004w.FunctionConfig) error
	StartFunction(ctx context.Context, ch int) error
	StopFunction(ctx context.Context, ch int) error
	ReadRegister(ctx context.Context, addr uint8) (uint16, error)
	Status() dac63004w.Status
}

// RequestObserver is told about every dispatched method.
type RequestObserver interface {
	ObserveRequest(method string, err error)
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on (e.g., "127.0.0.1:7125")
	Addr string

	Device Device

	// Observer is optional.
	Observer RequestObserver

	// RequestTimeout bounds each device call. Zero means 5 seconds.
	RequestTimeout time.Duration
}

// Server is the JSON-RPC control server.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *log.Logger

	httpServer *http.Server
	listener   net.Listener

	clientsMu sync.RWMutex
	clients   map[int64]*wsClient
	nextID    int64
}

// New creates a server for cfg.Device.
func New(cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	return &Server{
		cfg:     cfg,
		logger:  log.GetLogger("rpc"),
		clients: make(map[int64]*wsClient),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/websocket", s.handleWebSocket)
	mux.HandleFunc("/jsonrpc", s.handleJSONRPC)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: s.Handler()}
	s.logger.WithField("address", ln.Addr().String()).Info("control server listening")
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("control server stopped")
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes every websocket client and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.clientsMu.Lock()
	for _, c := range s.clients {
		c.Close()
	}
	s.clients = make(map[int64]*wsClient)
	s.clientsMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req request
	var resp response
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp = errorResponse(nil, codeParseError, "Parse error", nil)
	} else {
		resp = s.serve(r.Context(), req)
	}
	writeJSON(w, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.cfg.Device.Status())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// serve runs one request and builds its response.
func (s *Server) serve(ctx context.Context, req request) response {
	if req.JSONRPC != "2.0" || req.Method == "" {
		return errorResponse(req.ID, codeInvalidRequest, "Invalid request", nil)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	result, changed, err := s.dispatch(ctx, req.Method, req.Params)
	if s.cfg.Observer != nil {
		s.cfg.Observer.ObserveRequest(req.Method, err)
	}
	if err != nil {
		s.logger.WithFields(log.Fields{"method": req.Method}).WithError(err).Warn("request failed")
		return toErrorResponse(req.ID, err)
	}
	if changed {
		s.broadcast(notification{
			JSONRPC: "2.0",
			Method:  "notify_status_update",
			Params:  []any{s.cfg.Device.Status()},
		})
	}
	return response{JSONRPC: "2.0", Result: result, ID: req.ID}
}

type wsClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan any
	done   chan struct{}
	once   sync.Once
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	c := &wsClient{
		id:     atomic.AddInt64(&s.nextID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan any, 64),
		done:   make(chan struct{}),
	}
	s.clientsMu.Lock()
	s.clients[c.id] = c
	s.clientsMu.Unlock()
	s.logger.WithField("client", c.id).Debug("websocket client connected")

	go c.writePump()
	c.readPump(r.Context())
}

func (s *Server) removeClient(c *wsClient) {
	s.clientsMu.Lock()
	delete(s.clients, c.id)
	s.clientsMu.Unlock()
	s.logger.WithField("client", c.id).Debug("websocket client disconnected")
}

func (s *Server) broadcast(msg any) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for _, c := range s.clients {
		c.Send(msg)
	}
}

// Send queues msg, dropping it when the client is not keeping up.
func (c *wsClient) Send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.server.logger.WithField("client", c.id).Warn("dropping message, send queue full")
	}
}

func (c *wsClient) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) readPump(ctx context.Context) {
	defer func() {
		c.server.removeClient(c)
		c.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.WithError(err).Warn("websocket read error")
			}
			return
		}
		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			c.Send(errorResponse(nil, codeParseError, "Parse error", nil))
			continue
		}
		c.Send(c.server.serve(context.WithoutCancel(ctx), req))
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
