package rtp

import (
	"encoding/binary"

	"voicegate-server/pkg/errors"
)

const (
	// headerSize is the fixed part of an RTP header
	headerSize = 12

	// rtpVersion is the only RTP version accepted on the media path
	rtpVersion = 2
)

// Packet is a decoded RTP packet. The Payload slice aliases the input
// datagram, so callers that retain it past the read loop must copy it.
type Packet struct {
	Version        uint8
	Padding        bool
	Extension      bool
	CSRCCount      uint8
	Marker         bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	Payload        []byte

	payloadOffset int
}

// ParsePacket decodes an RTP datagram per RFC 3550. The payload offset is
// 12 + 4*CSRC, extended by the extension header length when the X bit is
// set. A hard-coded 12-byte skip would corrupt audio whenever the PBX adds
// CSRC entries or header extensions, so the variable layout is honored in
// full.
func ParsePacket(datagram []byte) (*Packet, error) {
	if len(datagram) < headerSize {
		return nil, errors.Wrap(errors.ErrMalformedPacket, "datagram shorter than RTP header",
			map[string]interface{}{"length": len(datagram)})
	}

	version := datagram[0] >> 6
	if version != rtpVersion {
		return nil, errors.Wrap(errors.ErrMalformedPacket, "unsupported RTP version",
			map[string]interface{}{"version": version})
	}

	p := &Packet{
		Version:        version,
		Padding:        datagram[0]&0x20 != 0,
		Extension:      datagram[0]&0x10 != 0,
		CSRCCount:      datagram[0] & 0x0F,
		Marker:         datagram[1]&0x80 != 0,
		PayloadType:    datagram[1] & 0x7F,
		SequenceNumber: binary.BigEndian.Uint16(datagram[2:4]),
		Timestamp:      binary.BigEndian.Uint32(datagram[4:8]),
		SSRC:           binary.BigEndian.Uint32(datagram[8:12]),
	}

	offset := headerSize + 4*int(p.CSRCCount)
	if offset > len(datagram) {
		return nil, errors.Wrap(errors.ErrMalformedPacket, "CSRC list exceeds datagram",
			map[string]interface{}{"csrc_count": p.CSRCCount, "length": len(datagram)})
	}

	if p.Extension {
		// Extension header: 16-bit profile id, 16-bit length in 32-bit words,
		// then the extension body.
		if offset+4 > len(datagram) {
			return nil, errors.Wrap(errors.ErrMalformedPacket, "truncated extension header",
				map[string]interface{}{"offset": offset, "length": len(datagram)})
		}
		extWords := int(binary.BigEndian.Uint16(datagram[offset+2 : offset+4]))
		offset += 4 + 4*extWords
	}

	if offset > len(datagram) {
		return nil, errors.Wrap(errors.ErrMalformedPacket, "payload offset exceeds datagram",
			map[string]interface{}{"offset": offset, "length": len(datagram)})
	}

	p.Payload = datagram[offset:]
	p.payloadOffset = offset
	return p, nil
}

// PayloadOffset reports where the payload started within the original
// datagram, including CSRC entries and any extension header.
func (p *Packet) PayloadOffset() int {
	return p.payloadOffset
}
