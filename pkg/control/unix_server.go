package control

import (
	"bufio"
	"net"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/errors"
)

// UnixServer accepts connections on a unix-domain socket and reads
// newline-delimited JSON control messages, one per line. Host-side
// tooling uses it for call-start and call-end notifications without
// going through the WebSocket bridge.
type UnixServer struct {
	logger  *logrus.Logger
	path    string
	handler Handler

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewUnixServer creates a server for the socket path.
func NewUnixServer(logger *logrus.Logger, path string, handler Handler) *UnixServer {
	return &UnixServer{
		logger:  logger,
		path:    path,
		handler: handler,
	}
}

// Start removes any stale socket file, binds and begins accepting.
func (s *UnixServer) Start() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove stale control socket",
			map[string]interface{}{"path": s.path})
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return errors.Wrap(err, "failed to bind control socket",
			map[string]interface{}{"path": s.path})
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.WithField("path", s.path).Info("Control socket listening")
	go s.acceptLoop(listener)
	return nil
}

// Close stops the server and removes the socket file.
func (s *UnixServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.listener == nil {
		return nil
	}
	s.closed = true
	err := s.listener.Close()
	os.Remove(s.path)
	return err
}

func (s *UnixServer) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.WithError(err).Warn("Control socket accept failed")
			}
			return
		}
		go s.handleConn(conn)
	}
}

func (s *UnixServer) handleConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := ParseMessage(line)
		if err != nil {
			s.logger.WithError(err).Warn("Ignoring invalid control line")
			continue
		}
		if s.handler != nil {
			s.handler(msg)
		}
	}
}
