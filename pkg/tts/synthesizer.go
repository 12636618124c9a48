package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/config"
	"voicegate-server/pkg/errors"
	"voicegate-server/pkg/metrics"
)

// Request describes one synthesis call.
type Request struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice"`
	Rate  float64 `json:"rate"`
	Pitch float64 `json:"pitch"`
}

// Synthesizer converts a request into raw 8kHz mu-law audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) ([]byte, error)
	Name() string
}

// HTTPSynthesizer talks to an external synthesis service over HTTP. The
// service returns the rendered audio as the raw response body.
type HTTPSynthesizer struct {
	logger   *logrus.Logger
	endpoint string
	client   *http.Client
}

// NewHTTPSynthesizer creates a synthesizer for the configured endpoint.
func NewHTTPSynthesizer(logger *logrus.Logger, cfg *config.TTSConfig) (*HTTPSynthesizer, error) {
	if cfg.Endpoint == "" {
		return nil, errors.Wrap(errors.ErrFailedPrecondition, "TTS endpoint not configured")
	}
	return &HTTPSynthesizer{
		logger:   logger,
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name returns the provider name.
func (s *HTTPSynthesizer) Name() string {
	return "http"
}

// Synthesize renders one utterance and returns the audio bytes.
func (s *HTTPSynthesizer) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	start := time.Now()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal synthesis request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build synthesis request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if metrics.Enabled() {
			metrics.TTSRequests.WithLabelValues("error").Inc()
		}
		return nil, errors.Wrap(errors.ErrSynthesisFailed, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if metrics.Enabled() {
			metrics.TTSRequests.WithLabelValues("error").Inc()
		}
		return nil, errors.Wrap(errors.ErrSynthesisFailed,
			fmt.Sprintf("synthesis service returned %d", resp.StatusCode),
			map[string]interface{}{"endpoint": s.endpoint})
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrSynthesisFailed, "failed to read synthesis response")
	}

	if metrics.Enabled() {
		metrics.TTSRequests.WithLabelValues("success").Inc()
		metrics.TTSLatency.Observe(time.Since(start).Seconds())
	}

	s.logger.WithFields(logrus.Fields{
		"chars":    len(req.Text),
		"bytes":    len(audio),
		"duration": time.Since(start),
	}).Debug("Synthesized utterance")

	return audio, nil
}

// MockSynthesizer produces deterministic audio for tests and dry runs: a
// fixed number of mu-law silence bytes per input rune.
type MockSynthesizer struct {
	BytesPerRune int

	// Err, when set, is returned by every call.
	Err error

	requests []Request
}

// NewMockSynthesizer creates a mock at roughly natural speech pacing.
func NewMockSynthesizer() *MockSynthesizer {
	return &MockSynthesizer{BytesPerRune: 800}
}

func (s *MockSynthesizer) Name() string {
	return "mock"
}

func (s *MockSynthesizer) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.requests = append(s.requests, req)
	audio := make([]byte, len([]rune(req.Text))*s.BytesPerRune)
	for i := range audio {
		audio[i] = 0xFF // mu-law silence
	}
	return audio, nil
}

// Requests returns every request seen, in order.
func (s *MockSynthesizer) Requests() []Request {
	return s.requests
}
