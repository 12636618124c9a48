package control

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/errors"
)

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// UpstreamClient maintains a WebSocket connection to an upstream control
// plane, reconnecting with backoff whenever it drops. Incoming messages go
// to the handler; Send delivers outbound events on the current connection.
type UpstreamClient struct {
	logger  *logrus.Logger
	url     string
	handler Handler

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewUpstreamClient creates a client for url.
func NewUpstreamClient(logger *logrus.Logger, url string, handler Handler) *UpstreamClient {
	return &UpstreamClient{
		logger:  logger,
		url:     url,
		handler: handler,
	}
}

// Run connects and reads until the context ends, reconnecting on failure.
func (c *UpstreamClient) Run(ctx context.Context) {
	delay := reconnectBase
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.logger.WithError(err).WithField("url", c.url).
				Warn("Upstream control connection failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > reconnectMax {
				delay = reconnectMax
			}
			continue
		}

		delay = reconnectBase
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.logger.WithField("url", c.url).Info("Upstream control connected")

		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}
}

// Send writes one JSON event upstream. Fails when disconnected.
func (c *UpstreamClient) Send(event interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.ErrNotConnected
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(event)
}

// Connected reports whether the upstream link is up.
func (c *UpstreamClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *UpstreamClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := ParseMessage(data)
		if err != nil {
			c.logger.WithError(err).Warn("Ignoring invalid upstream message")
			continue
		}
		if c.handler != nil {
			c.handler(msg)
		}
	}
}
