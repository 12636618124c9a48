package rtp

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/config"
	"voicegate-server/pkg/errors"
)

// Listener owns the shared inbound media socket. It only parses and routes;
// no call-specific state is mutated here beyond the demux map.
type Listener struct {
	logger *logrus.Logger
	cfg    *config.NetworkConfig
	demux  *Demux
	conn   *net.UDPConn
}

// NewListener binds the media socket, retrying on adjacent ports within the
// configured range before failing.
func NewListener(logger *logrus.Logger, cfg *config.NetworkConfig, demux *Demux) (*Listener, error) {
	var conn *net.UDPConn
	var lastErr error

	for offset := 0; offset <= cfg.PortRetryRange; offset++ {
		port := cfg.Port + offset
		addr := &net.UDPAddr{IP: net.ParseIP(cfg.BindIP), Port: port}

		c, err := net.ListenUDP("udp", addr)
		if err != nil {
			lastErr = err
			logger.WithError(err).WithField("port", port).Warn("Failed to bind RTP port, trying next")
			continue
		}
		conn = c
		logger.WithFields(logrus.Fields{
			"addr": fmt.Sprintf("%s:%d", cfg.BindIP, port),
		}).Info("RTP listener bound")
		break
	}

	if conn == nil {
		return nil, errors.Wrap(errors.ErrNoPortsAvailable, "RTP bind failed",
			map[string]interface{}{
				"first_port": cfg.Port,
				"range":      cfg.PortRetryRange,
				"last_error": lastErr,
			})
	}

	return &Listener{
		logger: logger,
		cfg:    cfg,
		demux:  demux,
		conn:   conn,
	}, nil
}

// LocalAddr returns the bound socket address.
func (l *Listener) LocalAddr() *net.UDPAddr {
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// Conn exposes the socket for the outbound sender, which shares it so
// replies originate from the port the PBX negotiated.
func (l *Listener) Conn() *net.UDPConn {
	return l.conn
}

// Run reads datagrams until the context is cancelled. Malformed packets are
// dropped and logged; they never stop the loop.
func (l *Listener) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()

	buf := make([]byte, l.cfg.ReadBufferSize)
	for {
		n, src, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.WithError(err).Error("RTP socket read failed")
			return err
		}

		packet, err := ParsePacket(buf[:n])
		if err != nil {
			l.logger.WithError(err).WithField("src", src.String()).Debug("Dropped malformed RTP packet")
			continue
		}

		// The parser aliases the read buffer; detach the payload before the
		// next read overwrites it.
		packet.Payload = append([]byte(nil), packet.Payload...)

		l.demux.HandlePacket(src, packet)
	}
}
