package audio

import "math"

var (
	muLawDecodeTable [256]int16
	aLawDecodeTable  [256]int16
)

func init() {
	for i := 0; i < 256; i++ {
		muLawDecodeTable[i] = decodeMuLawSample(byte(i))
		aLawDecodeTable[i] = decodeALawSample(byte(i))
	}
}

// DecodeMuLaw converts µ-law payload bytes into 16-bit little-endian PCM.
func DecodeMuLaw(payload []byte) []byte {
	if len(payload) == 0 {
		return nil
	}

	out := make([]byte, len(payload)*2)
	for i, b := range payload {
		sample := muLawDecodeTable[b]
		out[2*i] = byte(sample)
		out[2*i+1] = byte(sample >> 8)
	}
	return out
}

// DecodeALaw converts A-law payload bytes into 16-bit little-endian PCM.
func DecodeALaw(payload []byte) []byte {
	if len(payload) == 0 {
		return nil
	}

	out := make([]byte, len(payload)*2)
	for i, b := range payload {
		sample := aLawDecodeTable[b]
		out[2*i] = byte(sample)
		out[2*i+1] = byte(sample >> 8)
	}
	return out
}

// EncodeMuLaw converts 16-bit little-endian PCM into µ-law bytes for the
// outbound media path.
func EncodeMuLaw(pcm []byte) []byte {
	samples := len(pcm) / 2
	out := make([]byte, samples)
	for i := 0; i < samples; i++ {
		sample := int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
		out[i] = encodeMuLawSample(sample)
	}
	return out
}

// RMS computes the root-mean-square amplitude of a µ-law payload in 16-bit
// sample units. It is the single amplitude measure used by the segmenter
// and the barge-in detector.
func RMS(payload []byte) float64 {
	if len(payload) == 0 {
		return 0
	}

	var sum float64
	for _, b := range payload {
		sample := float64(muLawDecodeTable[b])
		sum += sample * sample
	}
	return math.Sqrt(sum / float64(len(payload)))
}

func decodeMuLawSample(uval byte) int16 {
	uval = ^uval
	sign := int16(uval & 0x80)
	exponent := (uval >> 4) & 0x07
	mantissa := uval & 0x0F
	magnitude := ((int16(mantissa) << 3) + 0x84) << exponent
	magnitude -= 0x84
	if sign != 0 {
		return -magnitude
	}
	return magnitude
}

func decodeALawSample(aval byte) int16 {
	aval ^= 0x55
	sign := int16(aval & 0x80)
	exponent := (aval >> 4) & 0x07
	mantissa := aval & 0x0F

	var magnitude int16
	switch exponent {
	case 0:
		magnitude = int16(mantissa<<4) + 8
	case 1:
		magnitude = int16(mantissa<<5) + 0x108
	default:
		magnitude = (int16(mantissa<<5) + 0x108) << (exponent - 1)
	}

	if sign != 0 {
		return -magnitude
	}
	return magnitude
}

func encodeMuLawSample(sample int16) byte {
	const bias = 0x84
	const clip = 32635

	sign := byte(0)
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > clip {
		sample = clip
	}
	sample += bias

	exponent := byte(7)
	for mask := int16(0x4000); mask != 0 && sample&mask == 0; mask >>= 1 {
		exponent--
	}

	mantissa := byte(sample>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}
