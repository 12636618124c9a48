package asr

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"
	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/audio"
	"voicegate-server/pkg/config"
	"voicegate-server/pkg/errors"
)

// AmazonProvider opens streaming sessions against Amazon Transcribe.
// Transcribe streaming takes PCM, so mu-law call audio is decoded before
// it goes on the wire.
type AmazonProvider struct {
	logger *logrus.Logger
	cfg    *config.ASRConfig
	client *transcribestreaming.Client
}

// NewAmazonProvider creates a provider from configuration.
func NewAmazonProvider(logger *logrus.Logger, cfg *config.ASRConfig) *AmazonProvider {
	return &AmazonProvider{logger: logger, cfg: cfg}
}

func (p *AmazonProvider) Name() string {
	return "amazon"
}

// Initialize creates the Transcribe streaming client.
func (p *AmazonProvider) Initialize() error {
	if !p.cfg.Amazon.Enabled {
		return errors.Wrap(errors.ErrFailedPrecondition, "Amazon ASR is not enabled")
	}
	if p.cfg.Amazon.AccessKeyID == "" || p.cfg.Amazon.SecretAccessKey == "" {
		return errors.Wrap(errors.ErrFailedPrecondition, "Amazon ASR requires AWS credentials")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(p.cfg.Amazon.Region),
		awsconfig.WithRetryMaxAttempts(3),
		awsconfig.WithRetryMode(aws.RetryModeStandard),
		awsconfig.WithCredentialsProvider(aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     p.cfg.Amazon.AccessKeyID,
				SecretAccessKey: p.cfg.Amazon.SecretAccessKey,
			}, nil
		})),
	)
	if err != nil {
		return errors.Wrap(err, "failed to load AWS configuration")
	}

	p.client = transcribestreaming.NewFromConfig(awsCfg)

	p.logger.WithFields(logrus.Fields{
		"region":   p.cfg.Amazon.Region,
		"language": p.cfg.Language,
	}).Info("Amazon Transcribe client initialized")
	return nil
}

// OpenStream starts one streaming transcription session.
func (p *AmazonProvider) OpenStream(ctx context.Context, streamCfg StreamConfig) (Stream, error) {
	if p.client == nil {
		return nil, errors.Wrap(errors.ErrFailedPrecondition, "Amazon Transcribe client not initialized")
	}

	resp, err := p.client.StartStreamTranscription(ctx, &transcribestreaming.StartStreamTranscriptionInput{
		LanguageCode:         types.LanguageCode(streamCfg.Language),
		MediaSampleRateHertz: aws.Int32(int32(streamCfg.SampleRate)),
		MediaEncoding:        types.MediaEncodingPcm,
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrStreamFailure, err.Error())
	}

	s := &amazonStream{
		logger:  p.logger.WithField("call_id", streamCfg.CallID),
		ctx:     ctx,
		resp:    resp,
		mulaw:   streamCfg.Encoding == "mulaw",
		results: make(chan Result, 16),
	}
	go s.receive()
	return s, nil
}

type amazonStream struct {
	logger  *logrus.Entry
	ctx     context.Context
	resp    *transcribestreaming.StartStreamTranscriptionOutput
	mulaw   bool
	results chan Result

	mu     sync.Mutex
	err    error
	closed bool

	// lastPartial dedupes Transcribe's repeated partials for an unchanged
	// hypothesis.
	lastPartial string
}

func (s *amazonStream) Send(chunk []byte) error {
	if len(chunk) == 0 {
		// Transcribe rejects empty audio events; keepalives are a no-op.
		return nil
	}

	pcm := chunk
	if s.mulaw {
		pcm = audio.DecodeMuLaw(chunk)
	}

	return s.resp.GetStream().Send(s.ctx, &types.AudioStreamMemberAudioEvent{
		Value: types.AudioEvent{AudioChunk: pcm},
	})
}

func (s *amazonStream) Results() <-chan Result {
	return s.results
}

func (s *amazonStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.resp.GetStream().Close()
}

func (s *amazonStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *amazonStream) receive() {
	defer close(s.results)

	for event := range s.resp.GetStream().Events() {
		transcriptEvent, ok := event.(*types.TranscriptResultStreamMemberTranscriptEvent)
		if !ok || transcriptEvent.Value.Transcript == nil {
			continue
		}
		for _, result := range transcriptEvent.Value.Transcript.Results {
			if len(result.Alternatives) == 0 || result.Alternatives[0].Transcript == nil {
				continue
			}
			text := *result.Alternatives[0].Transcript
			if text == "" {
				continue
			}
			if result.IsPartial {
				if text == s.lastPartial {
					continue
				}
				s.lastPartial = text
			} else {
				s.lastPartial = ""
			}
			s.results <- Result{
				Text:    text,
				IsFinal: !result.IsPartial,
			}
		}
	}

	if streamErr := s.resp.GetStream().Err(); streamErr != nil {
		s.mu.Lock()
		if !s.closed {
			s.err = streamErr
		}
		s.mu.Unlock()
	}
}
