package audio

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicegate-server/pkg/config"
	"voicegate-server/pkg/metrics"
)

func testVADConfig() *config.VADConfig {
	return &config.VADConfig{
		Threshold:        500,
		SilenceDuration:  700 * time.Millisecond,
		MaxSegment:       10 * time.Second,
		MinAudioLen:      320,
		MinRMSForASR:     200,
		BargeInThreshold: 900,
	}
}

// loudChunk returns a 20ms µ-law chunk well above the VAD threshold.
func loudChunk() []byte {
	b := encodeMuLawSample(8000)
	chunk := make([]byte, 160)
	for i := range chunk {
		chunk[i] = b
	}
	return chunk
}

// silentChunk returns a 20ms µ-law chunk decoding to zero amplitude.
func silentChunk() []byte {
	chunk := make([]byte, 160)
	for i := range chunk {
		chunk[i] = 0xFF
	}
	return chunk
}

func TestSegmenterPulseThenSilence(t *testing.T) {
	s := NewSegmenter(logrus.New(), testVADConfig())
	now := time.Unix(1000, 0)

	// 500ms of speech
	speechChunks := 25
	for i := 0; i < speechChunks; i++ {
		u := s.Push(loudChunk(), now)
		assert.Nil(t, u)
		now = now.Add(20 * time.Millisecond)
	}
	assert.True(t, s.IsSpeaking())

	// Silence until the flush fires
	var got *Utterance
	silenceChunks := 0
	for i := 0; i < 100 && got == nil; i++ {
		got = s.Push(silentChunk(), now)
		now = now.Add(20 * time.Millisecond)
		silenceChunks++
	}

	require.NotNil(t, got)
	assert.Equal(t, FlushSilence, got.Reason)

	// The utterance holds the pulse plus the captured trailing silence.
	assert.Equal(t, (speechChunks+silenceChunks)*160, len(got.Audio))
	assert.False(t, s.IsSpeaking())

	// Nothing further flushes without new speech.
	assert.Nil(t, s.Push(silentChunk(), now))
}

func TestSegmenterForcedFlushAtMaxSegment(t *testing.T) {
	cfg := testVADConfig()
	cfg.MaxSegment = 2 * time.Second
	s := NewSegmenter(logrus.New(), cfg)
	now := time.Unix(1000, 0)

	var got *Utterance
	chunks := 0
	for i := 0; i < 500 && got == nil; i++ {
		got = s.Push(loudChunk(), now)
		now = now.Add(20 * time.Millisecond)
		chunks++
	}

	require.NotNil(t, got)
	assert.Equal(t, FlushMaxSegment, got.Reason)
	// 2s of 20ms chunks, within one chunk of the boundary
	assert.InDelta(t, 100, chunks, 2)
}

func TestSegmenterDropsShortSegment(t *testing.T) {
	cfg := testVADConfig()
	// The buffer includes captured trailing silence, so a short window
	// keeps the flushed segment under the length gate.
	cfg.SilenceDuration = 40 * time.Millisecond
	cfg.MinAudioLen = 10 * 160
	s := NewSegmenter(logrus.New(), cfg)
	now := time.Unix(1000, 0)

	// Two chunks of speech then silence: under the minimum length.
	s.Push(loudChunk(), now)
	now = now.Add(20 * time.Millisecond)
	s.Push(loudChunk(), now)
	now = now.Add(20 * time.Millisecond)

	var got *Utterance
	for i := 0; i < 100; i++ {
		if u := s.Push(silentChunk(), now); u != nil {
			got = u
		}
		now = now.Add(20 * time.Millisecond)
	}

	assert.Nil(t, got, "short segment should be silently discarded")
}

func TestSegmenterDropsLowEnergySegment(t *testing.T) {
	cfg := testVADConfig()
	cfg.Threshold = 50
	cfg.MinRMSForASR = 5000
	s := NewSegmenter(logrus.New(), cfg)
	now := time.Unix(1000, 0)

	quiet := make([]byte, 160)
	for i := range quiet {
		quiet[i] = encodeMuLawSample(300)
	}

	for i := 0; i < 50; i++ {
		s.Push(quiet, now)
		now = now.Add(20 * time.Millisecond)
	}

	var got *Utterance
	for i := 0; i < 100; i++ {
		if u := s.Push(silentChunk(), now); u != nil {
			got = u
		}
		now = now.Add(20 * time.Millisecond)
	}

	assert.Nil(t, got, "low-energy segment should fail the RMS gate")
}

func TestSegmenterFinalFlush(t *testing.T) {
	s := NewSegmenter(logrus.New(), testVADConfig())
	now := time.Unix(1000, 0)

	for i := 0; i < 25; i++ {
		s.Push(loudChunk(), now)
		now = now.Add(20 * time.Millisecond)
	}

	u := s.Flush(now)
	require.NotNil(t, u)
	assert.Equal(t, FlushFinal, u.Reason)
	assert.Nil(t, s.Flush(now), "second flush has nothing buffered")
}

func TestSegmenterCountsFlushesAndDrops(t *testing.T) {
	metrics.Init(logrus.New())
	metrics.EnableMetrics(true)
	t.Cleanup(func() { metrics.EnableMetrics(false) })

	flushed := testutil.ToFloat64(metrics.UtterancesFlushed.WithLabelValues(string(FlushSilence)))
	droppedShort := testutil.ToFloat64(metrics.UtterancesDropped.WithLabelValues("short"))

	cfg := testVADConfig()
	s := NewSegmenter(logrus.New(), cfg)
	now := time.Unix(1000, 0)

	for i := 0; i < 25; i++ {
		s.Push(loudChunk(), now)
		now = now.Add(20 * time.Millisecond)
	}
	var got *Utterance
	for i := 0; i < 100 && got == nil; i++ {
		got = s.Push(silentChunk(), now)
		now = now.Add(20 * time.Millisecond)
	}
	require.NotNil(t, got)
	assert.Equal(t, flushed+1, testutil.ToFloat64(metrics.UtterancesFlushed.WithLabelValues(string(FlushSilence))))

	// One short pulse that fails the length gate.
	shortCfg := testVADConfig()
	shortCfg.SilenceDuration = 40 * time.Millisecond
	shortCfg.MinAudioLen = 10 * 160
	s = NewSegmenter(logrus.New(), shortCfg)
	s.Push(loudChunk(), now)
	now = now.Add(20 * time.Millisecond)
	for i := 0; i < 100; i++ {
		s.Push(silentChunk(), now)
		now = now.Add(20 * time.Millisecond)
	}
	assert.Equal(t, droppedShort+1, testutil.ToFloat64(metrics.UtterancesDropped.WithLabelValues("short")))
}

func TestSilenceBeforeSpeechIsNotBuffered(t *testing.T) {
	s := NewSegmenter(logrus.New(), testVADConfig())
	now := time.Unix(1000, 0)

	for i := 0; i < 20; i++ {
		assert.Nil(t, s.Push(silentChunk(), now))
		now = now.Add(20 * time.Millisecond)
	}
	assert.False(t, s.IsSpeaking())
	assert.Nil(t, s.Flush(now))
}
