package esl

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/config"
	"voicegate-server/pkg/errors"
)

// commandTimeout bounds how long a caller waits for a command reply.
const commandTimeout = 5 * time.Second

// subscribedEvents are the channel lifecycle events the gateway consumes.
var subscribedEvents = []string{
	"CHANNEL_CREATE",
	"CHANNEL_ANSWER",
	"CHANNEL_HANGUP",
	"CHANNEL_EXECUTE_COMPLETE",
	"DTMF",
}

// EventHandler receives decoded channel events.
type EventHandler func(event *Event)

// Client is a FreeSWITCH event-socket client: it authenticates, subscribes
// to channel lifecycle events and issues call-control commands
// (uuid_broadcast, uuid_transfer, uuid_kill). One read loop owns the
// socket; commands are serialized and matched to their replies in order.
type Client struct {
	logger *logrus.Logger
	cfg    *config.ControlConfig

	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	connected bool

	cmdMu   sync.Mutex
	replyCh chan *Frame

	handler   EventHandler
	handlerMu sync.RWMutex

	done chan struct{}
}

// NewClient creates a client for the configured event socket.
func NewClient(logger *logrus.Logger, cfg *config.ControlConfig) *Client {
	return &Client{
		logger:  logger,
		cfg:     cfg,
		replyCh: make(chan *Frame, 1),
		done:    make(chan struct{}),
	}
}

// SetHandler installs the event handler. Must be set before Connect.
func (c *Client) SetHandler(handler EventHandler) {
	c.handlerMu.Lock()
	c.handler = handler
	c.handlerMu.Unlock()
}

// Connect dials the event socket, authenticates and subscribes to the
// lifecycle events.
func (c *Client) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.ESLHost, c.cfg.ESLPort)

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrap(errors.ErrControlPlaneDown, err.Error(),
			map[string]interface{}{"addr": addr})
	}

	reader := bufio.NewReader(conn)

	// The server greets with an auth/request frame.
	greeting, err := readFrame(reader)
	if err != nil {
		conn.Close()
		return errors.Wrap(errors.ErrControlPlaneDown, "failed to read greeting")
	}
	if greeting.ContentType() != "auth/request" {
		conn.Close()
		return errors.Wrap(errors.ErrControlPlaneDown, "unexpected greeting",
			map[string]interface{}{"content_type": greeting.ContentType()})
	}

	if _, err := fmt.Fprintf(conn, "auth %s\n\n", c.cfg.ESLPassword); err != nil {
		conn.Close()
		return errors.Wrap(errors.ErrControlPlaneDown, "failed to send auth")
	}
	reply, err := readFrame(reader)
	if err != nil || !reply.OK() {
		conn.Close()
		return errors.Wrap(errors.ErrControlPlaneDown, "authentication rejected")
	}

	c.mu.Lock()
	c.conn = conn
	c.reader = reader
	c.connected = true
	c.mu.Unlock()

	go c.readLoop()

	if _, err := c.Command("event plain " + strings.Join(subscribedEvents, " ")); err != nil {
		c.Close()
		return errors.Wrap(err, "failed to subscribe to events")
	}

	c.logger.WithField("addr", addr).Info("Connected to event socket")
	return nil
}

// Connected reports whether the socket is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close shuts the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	close(c.done)
	return c.conn.Close()
}

// Command sends one command and waits for its command/reply frame.
func (c *Client) Command(cmd string) (*Frame, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, errors.ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	if _, err := fmt.Fprintf(conn, "%s\n\n", cmd); err != nil {
		return nil, errors.Wrap(errors.ErrControlPlaneDown, err.Error())
	}

	select {
	case reply := <-c.replyCh:
		return reply, nil
	case <-c.done:
		return nil, errors.ErrNotConnected
	case <-time.After(commandTimeout):
		return nil, errors.Wrap(errors.ErrTimeout, "command reply timed out",
			map[string]interface{}{"command": cmd})
	}
}

// API runs a blocking api command and returns the response body.
func (c *Client) API(cmd string) (string, error) {
	reply, err := c.Command("api " + cmd)
	if err != nil {
		return "", err
	}
	body := string(reply.Body)
	if strings.HasPrefix(body, "-ERR") {
		return "", errors.Wrap(errors.ErrControlPlaneDown, strings.TrimSpace(body),
			map[string]interface{}{"command": cmd})
	}
	return body, nil
}

// BgAPI runs a command in the background and returns immediately.
func (c *Client) BgAPI(cmd string) error {
	reply, err := c.Command("bgapi " + cmd)
	if err != nil {
		return err
	}
	if !reply.OK() {
		return errors.Wrap(errors.ErrControlPlaneDown, reply.ReplyText(),
			map[string]interface{}{"command": cmd})
	}
	return nil
}

// Broadcast plays a file into one leg of a call.
func (c *Client) Broadcast(uuid, path string) error {
	return c.BgAPI(fmt.Sprintf("uuid_broadcast %s %s aleg", uuid, path))
}

// Transfer redirects a channel to a dialplan extension, used for handing
// a call to a human operator.
func (c *Client) Transfer(uuid, destination string) error {
	return c.BgAPI(fmt.Sprintf("uuid_transfer %s %s", uuid, destination))
}

// Kill hangs a channel up.
func (c *Client) Kill(uuid, cause string) error {
	if cause == "" {
		cause = "NORMAL_CLEARING"
	}
	return c.BgAPI(fmt.Sprintf("uuid_kill %s %s", uuid, cause))
}

// SetVariable sets a channel variable.
func (c *Client) SetVariable(uuid, name, value string) error {
	_, err := c.API(fmt.Sprintf("uuid_setvar %s %s %s", uuid, name, value))
	return err
}

// GetVariable reads a channel variable.
func (c *Client) GetVariable(uuid, name string) (string, error) {
	body, err := c.API(fmt.Sprintf("uuid_getvar %s %s", uuid, name))
	if err != nil {
		return "", err
	}
	value := strings.TrimSpace(body)
	if value == "_undef_" {
		return "", nil
	}
	return value, nil
}

func (c *Client) readLoop() {
	for {
		frame, err := readFrame(c.reader)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.WithError(err).Warn("Event socket read failed")
				c.Close()
			}
			return
		}

		switch frame.ContentType() {
		case "command/reply", "api/response":
			select {
			case c.replyCh <- frame:
			default:
				// No command waiting; stale reply.
			}
		case "text/event-plain":
			event := parseEvent(frame.Body)
			c.handlerMu.RLock()
			handler := c.handler
			c.handlerMu.RUnlock()
			if handler != nil {
				handler(event)
			}
		case "text/disconnect-notice":
			c.logger.Warn("Event socket disconnect notice")
			c.Close()
			return
		}
	}
}
