package asr

import (
	"context"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"voicegate-server/pkg/config"
	"voicegate-server/pkg/errors"
)

// GoogleProvider opens streaming sessions against Google Speech-to-Text.
type GoogleProvider struct {
	logger *logrus.Logger
	cfg    *config.ASRConfig
	client *speech.Client
}

// NewGoogleProvider creates a provider from configuration.
func NewGoogleProvider(logger *logrus.Logger, cfg *config.ASRConfig) *GoogleProvider {
	return &GoogleProvider{logger: logger, cfg: cfg}
}

func (p *GoogleProvider) Name() string {
	return "google"
}

// Initialize creates the Speech client.
func (p *GoogleProvider) Initialize() error {
	if !p.cfg.Google.Enabled {
		return errors.Wrap(errors.ErrFailedPrecondition, "Google ASR is not enabled")
	}

	var opts []option.ClientOption
	if p.cfg.Google.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(p.cfg.Google.CredentialsFile))
	}

	client, err := speech.NewClient(context.Background(), opts...)
	if err != nil {
		return errors.Wrap(err, "failed to create Google Speech client")
	}
	p.client = client

	p.logger.WithFields(logrus.Fields{
		"language":    p.cfg.Language,
		"sample_rate": p.cfg.SampleRate,
		"model":       p.cfg.Google.Model,
	}).Info("Google Speech client initialized")
	return nil
}

// OpenStream starts one streaming recognition session.
func (p *GoogleProvider) OpenStream(ctx context.Context, streamCfg StreamConfig) (Stream, error) {
	if p.client == nil {
		return nil, errors.Wrap(errors.ErrFailedPrecondition, "Google Speech client not initialized")
	}

	grpcStream, err := p.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStreamFailure, err.Error())
	}

	encoding := speechpb.RecognitionConfig_MULAW
	if streamCfg.Encoding == "linear16" {
		encoding = speechpb.RecognitionConfig_LINEAR16
	}

	recognitionConfig := &speechpb.RecognitionConfig{
		Encoding:        encoding,
		SampleRateHertz: int32(streamCfg.SampleRate),
		LanguageCode:    streamCfg.Language,
	}
	if p.cfg.Google.Model != "" {
		recognitionConfig.Model = p.cfg.Google.Model
	}

	if err := grpcStream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         recognitionConfig,
				InterimResults: streamCfg.InterimResults,
			},
		},
	}); err != nil {
		return nil, errors.Wrap(errors.ErrStreamFailure, "failed to send streaming config")
	}

	s := &googleStream{
		logger:  p.logger.WithField("call_id", streamCfg.CallID),
		stream:  grpcStream,
		results: make(chan Result, 16),
	}
	go s.receive()
	return s, nil
}

type googleStream struct {
	logger  *logrus.Entry
	stream  speechpb.Speech_StreamingRecognizeClient
	results chan Result

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *googleStream) Send(audio []byte) error {
	if len(audio) == 0 {
		// Zero-length content is a valid keepalive for the gRPC stream.
		audio = []byte{}
	}
	return s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	})
}

func (s *googleStream) Results() <-chan Result {
	return s.results
}

func (s *googleStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.stream.CloseSend()
}

func (s *googleStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *googleStream) receive() {
	defer close(s.results)
	for {
		resp, err := s.stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			s.mu.Lock()
			if !s.closed {
				s.err = err
			}
			s.mu.Unlock()
			return
		}

		for _, result := range resp.Results {
			if len(result.Alternatives) == 0 {
				continue
			}
			alt := result.Alternatives[0]
			s.results <- Result{
				Text:       alt.Transcript,
				IsFinal:    result.IsFinal,
				Confidence: float64(alt.Confidence),
			}
		}
	}
}
