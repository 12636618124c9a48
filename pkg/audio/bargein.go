package audio

// bargeInRunLength is how many consecutive above-threshold chunks must
// arrive before playback is interrupted. A single loud chunk is usually
// line noise; three in a row is the caller talking over the prompt.
const bargeInRunLength = 3

// BargeInDetector watches inbound audio while the gateway is playing TTS.
// Consumers gate calls to Push on the playback state; the detector itself
// is stateless about whether anything is playing.
type BargeInDetector struct {
	threshold float64
	run       int
}

// NewBargeInDetector creates a detector with the given amplitude threshold.
func NewBargeInDetector(threshold float64) *BargeInDetector {
	return &BargeInDetector{threshold: threshold}
}

// Push feeds one chunk's amplitude and reports whether barge-in triggered.
// Any chunk at or below the threshold resets the run to zero; there is no
// partial credit across gaps. A trigger also resets the counter.
func (d *BargeInDetector) Push(level float64) bool {
	if level <= d.threshold {
		d.run = 0
		return false
	}

	d.run++
	if d.run >= bargeInRunLength {
		d.run = 0
		return true
	}
	return false
}

// Reset clears the consecutive-chunk counter.
func (d *BargeInDetector) Reset() {
	d.run = 0
}
