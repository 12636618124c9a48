package esl

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicegate-server/pkg/config"
)

// fakeSwitch is a minimal in-process event socket server.
type fakeSwitch struct {
	t        *testing.T
	listener net.Listener

	mu       sync.Mutex
	conn     net.Conn
	commands []string
}

func newFakeSwitch(t *testing.T) *fakeSwitch {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fs := &fakeSwitch{t: t, listener: listener}
	go fs.serve()
	t.Cleanup(func() { listener.Close() })
	return fs
}

func (fs *fakeSwitch) port() int {
	return fs.listener.Addr().(*net.TCPAddr).Port
}

func (fs *fakeSwitch) serve() {
	conn, err := fs.listener.Accept()
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.conn = conn
	fs.mu.Unlock()

	fmt.Fprintf(conn, "Content-Type: auth/request\n\n")

	reader := bufio.NewReader(conn)
	for {
		var lines []string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				break
			}
			lines = append(lines, line)
		}
		if len(lines) == 0 {
			continue
		}
		cmd := lines[0]
		fs.mu.Lock()
		fs.commands = append(fs.commands, cmd)
		fs.mu.Unlock()

		switch {
		case strings.HasPrefix(cmd, "auth "):
			if cmd == "auth ClueCon" {
				fmt.Fprintf(conn, "Content-Type: command/reply\nReply-Text: +OK accepted\n\n")
			} else {
				fmt.Fprintf(conn, "Content-Type: command/reply\nReply-Text: -ERR invalid\n\n")
			}
		case strings.HasPrefix(cmd, "event plain"):
			fmt.Fprintf(conn, "Content-Type: command/reply\nReply-Text: +OK event listener enabled plain\n\n")
		case strings.HasPrefix(cmd, "bgapi "):
			fmt.Fprintf(conn, "Content-Type: command/reply\nReply-Text: +OK Job-UUID: 1234\n\n")
		case strings.HasPrefix(cmd, "api "):
			body := "+OK done"
			if strings.Contains(cmd, "uuid_getvar") {
				body = "acme"
			}
			fmt.Fprintf(conn, "Content-Type: api/response\nContent-Length: %d\n\n%s", len(body), body)
		}
	}
}

func (fs *fakeSwitch) sentCommands() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.commands...)
}

func (fs *fakeSwitch) emitEvent(headers string) {
	fs.mu.Lock()
	conn := fs.conn
	fs.mu.Unlock()
	body := headers + "\n"
	fmt.Fprintf(conn, "Content-Type: text/event-plain\nContent-Length: %d\n\n%s", len(body), body)
}

func connectedClient(t *testing.T, fs *fakeSwitch, handler EventHandler) *Client {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	client := NewClient(logger, &config.ControlConfig{
		ESLHost:     "127.0.0.1",
		ESLPort:     fs.port(),
		ESLPassword: "ClueCon",
	})
	if handler != nil {
		client.SetHandler(handler)
	}
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClientConnectAuthAndSubscribe(t *testing.T) {
	fs := newFakeSwitch(t)
	client := connectedClient(t, fs, nil)

	assert.True(t, client.Connected())
	cmds := fs.sentCommands()
	require.GreaterOrEqual(t, len(cmds), 2)
	assert.Equal(t, "auth ClueCon", cmds[0])
	assert.Contains(t, cmds[1], "event plain")
	assert.Contains(t, cmds[1], "CHANNEL_HANGUP")
}

func TestClientRejectedAuth(t *testing.T) {
	fs := newFakeSwitch(t)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	client := NewClient(logger, &config.ControlConfig{
		ESLHost:     "127.0.0.1",
		ESLPort:     fs.port(),
		ESLPassword: "wrong",
	})
	assert.Error(t, client.Connect(context.Background()))
}

func TestClientCallControlCommands(t *testing.T) {
	fs := newFakeSwitch(t)
	client := connectedClient(t, fs, nil)

	require.NoError(t, client.Broadcast("leg-1", "/tmp/prompt.wav"))
	require.NoError(t, client.Transfer("leg-1", "operator_queue"))
	require.NoError(t, client.Kill("leg-1", ""))

	cmds := fs.sentCommands()
	assert.Contains(t, cmds, "bgapi uuid_broadcast leg-1 /tmp/prompt.wav aleg")
	assert.Contains(t, cmds, "bgapi uuid_transfer leg-1 operator_queue")
	assert.Contains(t, cmds, "bgapi uuid_kill leg-1 NORMAL_CLEARING")
}

func TestClientGetVariable(t *testing.T) {
	fs := newFakeSwitch(t)
	client := connectedClient(t, fs, nil)

	value, err := client.GetVariable("leg-1", "tenant")
	require.NoError(t, err)
	assert.Equal(t, "acme", value)
}

func TestClientDispatchesEvents(t *testing.T) {
	fs := newFakeSwitch(t)
	events := make(chan *Event, 4)
	connectedClient(t, fs, func(e *Event) { events <- e })

	fs.emitEvent("Event-Name: CHANNEL_ANSWER\nUnique-ID: leg-1\nvariable_tenant: acme")

	select {
	case e := <-events:
		assert.Equal(t, "CHANNEL_ANSWER", e.Name)
		assert.Equal(t, "leg-1", e.UUID)
		assert.Equal(t, "acme", e.Variable("tenant"))
	case <-time.After(time.Second):
		t.Fatal("event not dispatched")
	}
}

func TestClientCommandAfterClose(t *testing.T) {
	fs := newFakeSwitch(t)
	client := connectedClient(t, fs, nil)

	require.NoError(t, client.Close())
	_, err := client.Command("status")
	assert.Error(t, err)
}
