package rtp

import (
	"context"
	"math/rand"
	"net"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/metrics"
)

// FrameSource yields the next outbound audio frame, or ok=false when there
// is nothing to play this tick.
type FrameSource interface {
	NextFrame() ([]byte, bool)
}

// Sender paces outbound audio to one call's RTP peer. Each call owns one
// sender; the underlying socket is shared with the listener.
type Sender struct {
	logger      *logrus.Logger
	conn        *net.UDPConn
	peer        *net.UDPAddr
	callID      string
	payloadType uint8
	interval    time.Duration
	source      FrameSource

	sequence  uint16
	timestamp uint32
	ssrc      uint32
}

// NewSender creates a paced sender for one call.
func NewSender(logger *logrus.Logger, conn *net.UDPConn, peer *net.UDPAddr, callID string, payloadType uint8, interval time.Duration, source FrameSource) *Sender {
	return &Sender{
		logger:      logger,
		conn:        conn,
		peer:        peer,
		callID:      callID,
		payloadType: payloadType,
		interval:    interval,
		source:      source,
		sequence:    uint16(rand.Intn(1 << 16)),
		timestamp:   rand.Uint32(),
		ssrc:        rand.Uint32(),
	}
}

// Run sends one frame per pacing tick until the context is cancelled. Ticks
// with an empty source are skipped; the timestamp still advances so the
// receiver hears silence rather than accelerated audio after a gap.
func (s *Sender) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	samplesPerFrame := uint32(8000 * s.interval.Milliseconds() / 1000)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, ok := s.source.NextFrame()
			s.timestamp += samplesPerFrame
			if !ok {
				continue
			}
			if err := s.send(frame); err != nil {
				s.logger.WithError(err).WithField("call_id", s.callID).Debug("Outbound RTP send failed")
			}
		}
	}
}

func (s *Sender) send(payload []byte) error {
	s.sequence++

	packet := &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    s.payloadType,
			SequenceNumber: s.sequence,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}

	raw, err := packet.Marshal()
	if err != nil {
		return err
	}

	if _, err := s.conn.WriteToUDP(raw, s.peer); err != nil {
		return err
	}

	if metrics.Enabled() {
		metrics.RTPPacketsSent.WithLabelValues(s.callID).Inc()
	}
	return nil
}
