package asr

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Transcript is one recognition result attributed to a call.
type Transcript struct {
	CallID     string                 `json:"call_id"`
	Text       string                 `json:"text"`
	IsFinal    bool                   `json:"is_final"`
	Confidence float64                `json:"confidence"`
	Turn       int                    `json:"turn"`
	Provider   string                 `json:"provider"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// TranscriptListener receives transcripts as they are produced.
type TranscriptListener func(t Transcript)

// TranscriptService fans transcripts out to registered listeners: the turn
// executor, the AMQP publisher, control-plane observers. Listeners are
// invoked synchronously in registration order, so they must be fast and
// hand long work to their own goroutines.
type TranscriptService struct {
	logger *logrus.Logger

	mu        sync.RWMutex
	listeners []namedListener
}

type namedListener struct {
	name string
	fn   TranscriptListener
}

// NewTranscriptService creates an empty fan-out service.
func NewTranscriptService(logger *logrus.Logger) *TranscriptService {
	return &TranscriptService{logger: logger}
}

// AddListener registers a named listener. Re-registering a name replaces
// the listener in place, keeping its original position.
func (s *TranscriptService) AddListener(name string, listener TranscriptListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.listeners {
		if l.name == name {
			s.listeners[i].fn = listener
			return
		}
	}
	s.listeners = append(s.listeners, namedListener{name: name, fn: listener})
}

// RemoveListener unregisters a listener.
func (s *TranscriptService) RemoveListener(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.listeners {
		if l.name == name {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// Publish delivers one transcript to every listener.
func (s *TranscriptService) Publish(t Transcript) {
	s.mu.RLock()
	listeners := make([]TranscriptListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l.fn)
	}
	s.mu.RUnlock()

	for _, l := range listeners {
		l(t)
	}

	if t.IsFinal {
		s.logger.WithFields(logrus.Fields{
			"call_id": t.CallID,
			"text":    t.Text,
			"turn":    t.Turn,
		}).Info("Final transcript published")
	}
}
