package control

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/config"
	"voicegate-server/pkg/errors"
)

const writeTimeout = 5 * time.Second

// WSServer accepts WebSocket connections from the PBX-side bridge on "/"
// and feeds its control messages to the handler. Connected bridges also
// receive outbound events published through Publish.
type WSServer struct {
	logger   *logrus.Logger
	cfg      *config.ControlConfig
	handler  Handler
	upgrader websocket.Upgrader

	listener net.Listener
	server   *http.Server

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewWSServer creates the server. handler receives every valid message.
func NewWSServer(logger *logrus.Logger, cfg *config.ControlConfig, handler Handler) *WSServer {
	return &WSServer{
		logger:  logger,
		cfg:     cfg,
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Start binds the port and serves until Shutdown.
func (s *WSServer) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.WSPort))
	if err != nil {
		return errors.Wrap(err, "failed to bind control WebSocket port",
			map[string]interface{}{"port": s.cfg.WSPort})
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	s.server = &http.Server{Handler: mux}

	s.logger.WithField("addr", listener.Addr().String()).Info("Control WebSocket server listening")

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Control WebSocket server failed")
		}
	}()
	return nil
}

// Addr returns the bound address.
func (s *WSServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Port returns the bound TCP port.
func (s *WSServer) Port() int {
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Shutdown closes the server and every client connection.
func (s *WSServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Publish sends one JSON event to every connected bridge.
func (s *WSServer) Publish(event interface{}) {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(event); err != nil {
			s.logger.WithError(err).Debug("Dropping dead control connection")
			s.drop(conn)
		}
	}
}

func (s *WSServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Control WebSocket upgrade failed")
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.logger.WithField("remote", conn.RemoteAddr().String()).Info("Control bridge connected")

	defer func() {
		s.drop(conn)
		s.logger.WithField("remote", conn.RemoteAddr().String()).Info("Control bridge disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := ParseMessage(data)
		if err != nil {
			s.logger.WithError(err).Warn("Ignoring invalid control message")
			continue
		}
		if s.handler != nil {
			s.handler(msg)
		}
	}
}

func (s *WSServer) drop(conn *websocket.Conn) {
	conn.Close()
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}
