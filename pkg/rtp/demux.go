package rtp

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/metrics"
)

// seqLogInterval controls how often accepted sequence numbers are surfaced
// in the log for observability.
const seqLogInterval = 100

// PacketHandler receives accepted packets along with the resolved call key.
type PacketHandler func(callID string, src *net.UDPAddr, packet *Packet)

// Demux routes parsed packets to calls and drops exact-duplicate sequence
// numbers. The effective call id comes from control-plane bindings; packets
// from unbound peers fall back to the socket address as the key.
type Demux struct {
	logger  *logrus.Logger
	handler PacketHandler

	mu       sync.Mutex
	bindings map[string]string    // "ip:port" -> call id
	streams  map[string]*seqState // call key -> duplicate-filter state
}

type seqState struct {
	mu       sync.Mutex
	lastSeq  uint16
	hasSeq   bool
	accepted uint64
}

// NewDemux creates a demultiplexer delivering packets to handler.
func NewDemux(logger *logrus.Logger, handler PacketHandler) *Demux {
	return &Demux{
		logger:   logger,
		handler:  handler,
		bindings: make(map[string]string),
		streams:  make(map[string]*seqState),
	}
}

// Bind associates a peer address with a control-plane call id. Subsequent
// packets from addr are keyed by callID instead of the socket address.
func (d *Demux) Bind(addr, callID string) {
	d.mu.Lock()
	d.bindings[addr] = callID
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{
		"addr":    addr,
		"call_id": callID,
	}).Debug("Bound media peer to call")
}

// Unbind removes an address binding and the duplicate-filter state for the
// call. Safe to call more than once.
func (d *Demux) Unbind(addr, callID string) {
	d.mu.Lock()
	delete(d.bindings, addr)
	delete(d.streams, callID)
	delete(d.streams, addr)
	d.mu.Unlock()
}

// Resolve returns the effective call id for a peer address.
func (d *Demux) Resolve(addr string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if callID, ok := d.bindings[addr]; ok {
		return callID
	}
	return addr
}

// HandlePacket runs the duplicate filter for the packet's call key and hands
// accepted packets to the handler. Concurrent packets for different calls
// proceed in parallel; packets for the same call serialize on the per-key
// state lock.
func (d *Demux) HandlePacket(src *net.UDPAddr, packet *Packet) {
	addr := src.String()
	key := d.Resolve(addr)

	d.mu.Lock()
	state, ok := d.streams[key]
	if !ok {
		state = &seqState{}
		d.streams[key] = state
	}
	d.mu.Unlock()

	state.mu.Lock()
	if state.hasSeq && state.lastSeq == packet.SequenceNumber {
		state.mu.Unlock()
		d.logger.WithFields(logrus.Fields{
			"call_id": key,
			"seq":     packet.SequenceNumber,
		}).Debug("Dropped duplicate RTP packet")
		if metrics.Enabled() {
			metrics.RTPPacketsDropped.WithLabelValues(key, "duplicate").Inc()
		}
		return
	}
	state.lastSeq = packet.SequenceNumber
	state.hasSeq = true
	state.accepted++
	accepted := state.accepted
	state.mu.Unlock()

	if accepted%seqLogInterval == 0 {
		d.logger.WithFields(logrus.Fields{
			"call_id":  key,
			"seq":      packet.SequenceNumber,
			"accepted": accepted,
		}).Warn("RTP sequence checkpoint")
	}

	if metrics.Enabled() {
		metrics.RTPPacketsReceived.WithLabelValues(key).Inc()
		metrics.RTPBytesReceived.WithLabelValues(key).Add(float64(len(packet.Payload)))
	}

	d.handler(key, src, packet)
}
