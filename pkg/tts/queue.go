package tts

import (
	"sync"

	"voicegate-server/pkg/metrics"
)

// PlaybackQueue is a bounded FIFO of fixed-size mu-law frames awaiting RTP
// playout for one call. Producers never block: when the queue is full the
// oldest frames are evicted so freshly synthesized speech wins over stale
// backlog. The RTP sender drains it one frame per pacing tick.
type PlaybackQueue struct {
	mu        sync.Mutex
	frames    [][]byte
	capacity  int
	frameSize int
	playing   bool
}

// NewPlaybackQueue creates a queue holding at most capacity frames of
// frameSize bytes each.
func NewPlaybackQueue(capacity, frameSize int) *PlaybackQueue {
	return &PlaybackQueue{
		frames:    make([][]byte, 0, capacity),
		capacity:  capacity,
		frameSize: frameSize,
	}
}

// EnqueueAudio splits raw audio into frames and appends them. The final
// partial frame, if any, is padded with mu-law silence to keep playout
// timing uniform.
func (q *PlaybackQueue) EnqueueAudio(audio []byte) {
	if len(audio) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for off := 0; off < len(audio); off += q.frameSize {
		end := off + q.frameSize
		frame := make([]byte, q.frameSize)
		if end > len(audio) {
			n := copy(frame, audio[off:])
			for i := n; i < q.frameSize; i++ {
				frame[i] = 0xFF
			}
		} else {
			copy(frame, audio[off:end])
		}
		q.pushLocked(frame)
	}
	q.playing = true
}

func (q *PlaybackQueue) pushLocked(frame []byte) {
	if len(q.frames) >= q.capacity {
		// Drop-oldest keeps the newest speech and bounds memory.
		evict := len(q.frames) - q.capacity + 1
		q.frames = q.frames[evict:]
		if metrics.Enabled() {
			metrics.PlaybackEvicted.Add(float64(evict))
		}
	}
	q.frames = append(q.frames, frame)
	if metrics.Enabled() {
		metrics.PlaybackFrames.Inc()
	}
}

// NextFrame pops the next frame for playout. ok is false when the queue is
// empty; the first empty read after playback clears the playing flag.
func (q *PlaybackQueue) NextFrame() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		q.playing = false
		return nil, false
	}
	frame := q.frames[0]
	q.frames = q.frames[1:]
	return frame, true
}

// Clear drops every queued frame and stops playback. Called on barge-in
// and on call teardown.
func (q *PlaybackQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.frames = q.frames[:0]
	q.playing = false
	if metrics.Enabled() {
		metrics.PlaybackCleared.Inc()
	}
}

// Playing reports whether the queue is mid-playback. The coordinator uses
// this to suppress timeout turns while the bot is speaking.
func (q *PlaybackQueue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Len returns the number of queued frames.
func (q *PlaybackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
