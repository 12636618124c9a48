package audio

import (
	"time"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/config"
	"voicegate-server/pkg/metrics"
)

// FlushReason records why a segment ended.
type FlushReason string

const (
	// FlushSilence means trailing silence reached the configured duration
	FlushSilence FlushReason = "silence"

	// FlushMaxSegment means continuous speech hit the segment ceiling
	FlushMaxSegment FlushReason = "max_segment"

	// FlushFinal means the call ended with audio still buffered
	FlushFinal FlushReason = "final"
)

// Utterance is one segmented span of caller speech, handed to ASR as a unit.
type Utterance struct {
	Audio  []byte
	Start  time.Time
	End    time.Time
	Reason FlushReason
}

// Segmenter accumulates per-call audio and cuts it into utterances using a
// hybrid policy: flush on trailing silence, or force a flush when a segment
// grows past the ceiling during continuous speech. Segments that are too
// short or too quiet are dropped as noise, not surfaced as errors.
//
// The segmenter is not internally locked; each call feeds it from its own
// serialized media path.
type Segmenter struct {
	logger *logrus.Logger
	cfg    *config.VADConfig

	buffer       []byte
	isSpeaking   bool
	segmentStart time.Time
	lastVoice    time.Time
	rmsSum       float64
	rmsCount     int
}

// NewSegmenter creates a segmenter for one call.
func NewSegmenter(logger *logrus.Logger, cfg *config.VADConfig) *Segmenter {
	return &Segmenter{
		logger: logger,
		cfg:    cfg,
	}
}

// IsSpeaking reports whether the caller is currently inside a speech segment.
func (s *Segmenter) IsSpeaking() bool {
	return s.isSpeaking
}

// Push feeds one audio chunk (µ-law payload) with its arrival time. It
// returns a completed utterance when the chunk closes a segment, or nil.
func (s *Segmenter) Push(chunk []byte, now time.Time) *Utterance {
	if len(chunk) == 0 {
		return nil
	}

	level := RMS(chunk)

	if level > s.cfg.Threshold {
		if !s.isSpeaking {
			s.isSpeaking = true
			s.segmentStart = now
		}
		s.lastVoice = now
		s.append(chunk, level)
	} else if s.isSpeaking {
		// Keep trailing silence inside the segment so word endings are not
		// clipped off before ASR sees them.
		s.append(chunk, level)

		if now.Sub(s.lastVoice) >= s.cfg.SilenceDuration {
			return s.flush(now, FlushSilence)
		}
	}

	if s.isSpeaking && now.Sub(s.segmentStart) > s.cfg.MaxSegment {
		return s.flush(now, FlushMaxSegment)
	}

	return nil
}

// Flush force-completes any buffered segment, used at call teardown.
func (s *Segmenter) Flush(now time.Time) *Utterance {
	if !s.isSpeaking {
		return nil
	}
	return s.flush(now, FlushFinal)
}

func (s *Segmenter) append(chunk []byte, level float64) {
	s.buffer = append(s.buffer, chunk...)
	s.rmsSum += level
	s.rmsCount++
}

func (s *Segmenter) flush(now time.Time, reason FlushReason) *Utterance {
	audio := s.buffer
	start := s.segmentStart
	avgRMS := 0.0
	if s.rmsCount > 0 {
		avgRMS = s.rmsSum / float64(s.rmsCount)
	}

	s.buffer = nil
	s.isSpeaking = false
	s.rmsSum = 0
	s.rmsCount = 0

	if len(audio) < s.cfg.MinAudioLen {
		s.logger.WithFields(logrus.Fields{
			"bytes":  len(audio),
			"reason": reason,
		}).Debug("Discarded short segment")
		if metrics.Enabled() {
			metrics.UtterancesDropped.WithLabelValues("short").Inc()
		}
		return nil
	}

	if avgRMS < s.cfg.MinRMSForASR {
		s.logger.WithFields(logrus.Fields{
			"avg_rms": avgRMS,
			"bytes":   len(audio),
		}).Debug("Discarded low-energy segment")
		if metrics.Enabled() {
			metrics.UtterancesDropped.WithLabelValues("low_energy").Inc()
		}
		return nil
	}

	if metrics.Enabled() {
		metrics.UtterancesFlushed.WithLabelValues(string(reason)).Inc()
	}
	return &Utterance{
		Audio:  audio,
		Start:  start,
		End:    now,
		Reason: reason,
	}
}
