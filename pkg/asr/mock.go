package asr

import (
	"context"
	"sync"
)

// MockProvider is an in-process provider for tests and offline operation.
// Each opened stream can be scripted with results and failures.
type MockProvider struct {
	mu sync.Mutex

	// ConnectErrs are returned, in order, by OpenStream before streams
	// start succeeding.
	ConnectErrs []error

	streams []*MockStream
	opens   int
}

// NewMockProvider creates an empty mock.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (p *MockProvider) Name() string {
	return "mock"
}

func (p *MockProvider) Initialize() error {
	return nil
}

// OpenStream returns the next scripted connect error, or a fresh stream.
func (p *MockProvider) OpenStream(ctx context.Context, cfg StreamConfig) (Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.opens++
	if len(p.ConnectErrs) > 0 {
		err := p.ConnectErrs[0]
		p.ConnectErrs = p.ConnectErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	s := newMockStream(cfg)
	p.streams = append(p.streams, s)
	return s, nil
}

// Opens returns how many times OpenStream was called.
func (p *MockProvider) Opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens
}

// Streams returns every stream opened so far.
func (p *MockProvider) Streams() []*MockStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*MockStream(nil), p.streams...)
}

// MockStream records sent audio and emits whatever results the test feeds
// it.
type MockStream struct {
	Config StreamConfig

	mu        sync.Mutex
	sent      [][]byte
	keepalive int
	closed    bool
	err       error

	results chan Result
}

func newMockStream(cfg StreamConfig) *MockStream {
	return &MockStream{
		Config:  cfg,
		results: make(chan Result, 32),
	}
}

func (s *MockStream) Send(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.err
	}
	if len(audio) == 0 {
		s.keepalive++
		return nil
	}
	s.sent = append(s.sent, audio)
	return nil
}

func (s *MockStream) Results() <-chan Result {
	return s.results
}

func (s *MockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.results)
	}
	return nil
}

func (s *MockStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Emit delivers one result to the adapter.
func (s *MockStream) Emit(r Result) {
	s.results <- r
}

// Fail terminates the stream with an error, as a transport failure would.
func (s *MockStream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.err = err
		close(s.results)
	}
}

// Sent returns the audio chunks received so far.
func (s *MockStream) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

// Keepalives returns how many empty frames were received.
func (s *MockStream) Keepalives() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepalive
}
