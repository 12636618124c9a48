package asr

import (
	"context"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/errors"
)

// Result is one raw recognition hypothesis from a provider stream.
type Result struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// StreamConfig describes the audio one stream will carry.
type StreamConfig struct {
	CallID         string
	Language       string
	SampleRate     int
	Encoding       string
	InterimResults bool
}

// Stream is one live recognition session. Send pushes a chunk of call
// audio; Results delivers hypotheses until the stream ends, after which
// the channel is closed and Err reports the terminal error if any.
type Stream interface {
	Send(audio []byte) error
	Results() <-chan Result
	Close() error
	Err() error
}

// Provider opens recognition streams against one speech backend.
type Provider interface {
	// Name returns the provider name used in configuration and metrics.
	Name() string

	// Initialize prepares the backend client. Called once at registration.
	Initialize() error

	// OpenStream starts a new recognition session.
	OpenStream(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// ProviderManager holds the registered providers and resolves the one a
// call should use, falling back to the default when the requested provider
// is unknown.
type ProviderManager struct {
	logger          *logrus.Logger
	providers       map[string]Provider
	defaultProvider string
}

// NewProviderManager creates a manager with the given default.
func NewProviderManager(logger *logrus.Logger, defaultProvider string) *ProviderManager {
	return &ProviderManager{
		logger:          logger,
		providers:       make(map[string]Provider),
		defaultProvider: defaultProvider,
	}
}

// Register initializes and registers a provider. Initialization failures
// keep the provider out of the registry.
func (m *ProviderManager) Register(provider Provider) error {
	if err := provider.Initialize(); err != nil {
		m.logger.WithError(err).WithField("provider", provider.Name()).
			Error("Failed to initialize speech provider")
		return err
	}

	m.providers[provider.Name()] = provider
	m.logger.WithField("provider", provider.Name()).Info("Registered speech provider")
	return nil
}

// Get returns a provider by name, falling back to the default.
func (m *ProviderManager) Get(name string) (Provider, error) {
	if p, ok := m.providers[name]; ok {
		return p, nil
	}
	if p, ok := m.providers[m.defaultProvider]; ok {
		if name != "" && name != m.defaultProvider {
			m.logger.WithFields(logrus.Fields{
				"requested": name,
				"default":   m.defaultProvider,
			}).Warn("Speech provider not found, using default")
		}
		return p, nil
	}
	return nil, errors.Wrap(errors.ErrUnavailable, "no speech provider available",
		map[string]interface{}{"requested": name})
}

// Default returns the default provider.
func (m *ProviderManager) Default() (Provider, error) {
	return m.Get(m.defaultProvider)
}
