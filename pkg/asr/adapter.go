package asr

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/config"
	"voicegate-server/pkg/errors"
	"voicegate-server/pkg/metrics"
)

// AdapterState is the lifecycle state of a streaming adapter.
type AdapterState int32

const (
	AdapterIdle AdapterState = iota
	AdapterConnecting
	AdapterStreaming
	AdapterReconnecting
	AdapterClosed
)

func (s AdapterState) String() string {
	switch s {
	case AdapterIdle:
		return "idle"
	case AdapterConnecting:
		return "connecting"
	case AdapterStreaming:
		return "streaming"
	case AdapterReconnecting:
		return "reconnecting"
	case AdapterClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// finalDedupeWindow suppresses a final identical to the previous one when
// it arrives this soon after it, which happens when a provider replays the
// last result across a reconnect.
const finalDedupeWindow = 2 * time.Second

// Callbacks are the adapter's upward interface to the turn executor.
type Callbacks struct {
	// OnTranscript receives interim and final transcripts.
	OnTranscript func(t Transcript)

	// OnBackchannel fires when an interim result looks like a short
	// acknowledgement, so the bot can ack without waiting for the final.
	OnBackchannel func(text string)
}

// Adapter owns one call's recognition stream. It buffers audio until the
// stream is up, feeds it through a bounded queue, keeps idle streams alive
// with empty frames and reconnects with exponential backoff when the
// transport fails. Audio producers never block on provider I/O.
type Adapter struct {
	logger   *logrus.Logger
	cfg      *config.ASRConfig
	provider Provider
	callID   string
	cb       Callbacks

	audioCh chan []byte
	closeCh chan struct{}
	// wake cuts a reconnect backoff short when the pre-stream buffer
	// fills, so audio is streamed instead of aged out.
	wake chan struct{}

	mu        sync.Mutex
	state     AdapterState
	preBuffer [][]byte
	started   bool
	closed    bool

	turn            int
	lastFinalText   string
	lastFinalAt     time.Time
	backchannelSent bool

	wg sync.WaitGroup
}

// NewAdapter creates an adapter for one call.
func NewAdapter(logger *logrus.Logger, cfg *config.ASRConfig, provider Provider, callID string, cb Callbacks) *Adapter {
	return &Adapter{
		logger:   logger,
		cfg:      cfg,
		provider: provider,
		callID:   callID,
		cb:       cb,
		audioCh:  make(chan []byte, cfg.QueueSize),
		closeCh:  make(chan struct{}),
		wake:     make(chan struct{}, 1),
		state:    AdapterIdle,
	}
}

// State returns the adapter's current lifecycle state.
func (a *Adapter) State() AdapterState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Turn returns the number of finals delivered so far.
func (a *Adapter) Turn() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.turn
}

// Start launches the streaming loop. The loop opens the provider stream
// lazily on the first pushed audio, so silent calls never open a billable
// recognition session.
func (a *Adapter) Start(ctx context.Context) {
	a.wg.Add(1)
	go a.run(ctx)
}

// Push hands one audio chunk to the adapter. Before the stream is up the
// chunk lands in a bounded pre-stream buffer; a full buffer forces the run
// loop to connect now instead of sitting out a backoff, and only audio the
// stream still cannot absorb ages out oldest-first. While streaming the
// chunk goes through the feed queue, dropping the chunk when the queue is
// full. Push never blocks.
func (a *Adapter) Push(chunk []byte) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.ErrAdapterClosed
	}
	if a.state != AdapterStreaming {
		full := len(a.preBuffer) >= a.cfg.PreStreamBufferChunks
		if full {
			a.preBuffer = a.preBuffer[1:]
		}
		a.preBuffer = append(a.preBuffer, chunk)
		started := a.started
		a.started = true
		a.mu.Unlock()
		if !started {
			// First audio wakes the run loop to open the stream.
			select {
			case a.audioCh <- nil:
			default:
			}
		}
		if full {
			select {
			case a.wake <- struct{}{}:
			default:
			}
		}
		return nil
	}
	a.mu.Unlock()

	select {
	case a.audioCh <- chunk:
		return nil
	default:
		a.logger.WithField("call_id", a.callID).Debug("ASR feed queue full, dropping chunk")
		return nil
	}
}

// Close shuts the adapter down. Idempotent.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.state = AdapterClosed
	a.mu.Unlock()

	close(a.closeCh)
	a.wg.Wait()
	return nil
}

func (a *Adapter) run(ctx context.Context) {
	defer a.wg.Done()

	// Wait for the first audio before opening anything.
	select {
	case <-ctx.Done():
		return
	case <-a.closeCh:
		return
	case <-a.audioCh:
	}

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closeCh:
			return
		default:
		}

		a.setState(AdapterConnecting)
		stream, err := a.provider.OpenStream(ctx, StreamConfig{
			CallID:         a.callID,
			Language:       a.cfg.Language,
			SampleRate:     a.cfg.SampleRate,
			Encoding:       a.cfg.Encoding,
			InterimResults: a.cfg.InterimResults,
		})
		if err != nil {
			a.setState(AdapterReconnecting)
			delay := backoffDelay(attempt, a.cfg.ReconnectBaseDelay, a.cfg.ReconnectMaxDelay)
			attempt++
			if metrics.Enabled() {
				metrics.ASRReconnects.WithLabelValues(a.provider.Name()).Inc()
			}
			a.logger.WithError(err).WithFields(logrus.Fields{
				"call_id": a.callID,
				"attempt": attempt,
				"delay":   delay,
			}).Warn("Failed to open recognition stream, backing off")

			select {
			case <-ctx.Done():
				return
			case <-a.closeCh:
				return
			case <-time.After(delay):
			case <-a.wake:
			}
			continue
		}

		attempt = 0
		a.setState(AdapterStreaming)
		a.flushPreBuffer(stream)

		if err := a.streamLoop(ctx, stream); err == nil {
			return
		}

		a.setState(AdapterReconnecting)
		if metrics.Enabled() {
			metrics.ASRReconnects.WithLabelValues(a.provider.Name()).Inc()
			metrics.ASRStreamErrors.WithLabelValues(a.provider.Name()).Inc()
		}
		delay := backoffDelay(attempt, a.cfg.ReconnectBaseDelay, a.cfg.ReconnectMaxDelay)
		attempt++
		select {
		case <-ctx.Done():
			return
		case <-a.closeCh:
			return
		case <-time.After(delay):
		case <-a.wake:
		}
	}
}

// streamLoop feeds and drains one provider stream. It returns nil when the
// adapter is shutting down and a non-nil error when the stream failed and
// a reconnect is wanted.
func (a *Adapter) streamLoop(ctx context.Context, stream Stream) error {
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		keepalive := time.NewTicker(a.cfg.KeepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-ctx.Done():
				stream.Close()
				return
			case <-a.closeCh:
				stream.Close()
				return
			case chunk := <-a.audioCh:
				if len(chunk) == 0 {
					continue
				}
				if err := stream.Send(chunk); err != nil {
					return
				}
				keepalive.Reset(a.cfg.KeepaliveInterval)
			case <-keepalive.C:
				// Empty frame keeps the provider from timing the
				// stream out during long caller silences.
				if err := stream.Send(nil); err != nil {
					return
				}
				if metrics.Enabled() {
					metrics.ASRKeepalives.Inc()
				}
			}
		}
	}()

	for result := range stream.Results() {
		a.handleResult(result)
	}
	<-feedDone

	select {
	case <-ctx.Done():
		return nil
	case <-a.closeCh:
		return nil
	default:
	}

	err := stream.Err()
	if err == nil {
		err = errors.Wrap(errors.ErrStreamFailure, "recognition stream ended unexpectedly")
	}
	a.logger.WithError(err).WithField("call_id", a.callID).Warn("Recognition stream failed")
	return err
}

func (a *Adapter) flushPreBuffer(stream Stream) {
	a.mu.Lock()
	buffered := a.preBuffer
	a.preBuffer = nil
	a.mu.Unlock()

	for _, chunk := range buffered {
		if err := stream.Send(chunk); err != nil {
			return
		}
	}
}

func (a *Adapter) handleResult(result Result) {
	if metrics.Enabled() {
		metrics.ASRResults.WithLabelValues(a.provider.Name(), resultKind(result.IsFinal)).Inc()
	}

	a.mu.Lock()
	if !result.IsFinal {
		fireBackchannel := !a.backchannelSent && a.isBackchannel(result.Text)
		if fireBackchannel {
			a.backchannelSent = true
		}
		turn := a.turn
		a.mu.Unlock()

		if fireBackchannel && a.cb.OnBackchannel != nil {
			a.cb.OnBackchannel(result.Text)
		}
		if a.cb.OnTranscript != nil {
			a.cb.OnTranscript(a.transcript(result, turn))
		}
		return
	}

	// Finals are delivered exactly once even when a provider replays the
	// last result across a reconnect.
	now := time.Now()
	if result.Text == a.lastFinalText && now.Sub(a.lastFinalAt) < finalDedupeWindow {
		a.mu.Unlock()
		a.logger.WithFields(logrus.Fields{
			"call_id": a.callID,
			"text":    result.Text,
		}).Debug("Dropping duplicate final transcript")
		return
	}
	a.lastFinalText = result.Text
	a.lastFinalAt = now
	a.backchannelSent = false
	turn := a.turn
	a.turn++
	a.mu.Unlock()

	if a.cb.OnTranscript != nil {
		a.cb.OnTranscript(a.transcript(result, turn))
	}
}

func (a *Adapter) transcript(result Result, turn int) Transcript {
	return Transcript{
		CallID:     a.callID,
		Text:       result.Text,
		IsFinal:    result.IsFinal,
		Confidence: result.Confidence,
		Turn:       turn,
		Provider:   a.provider.Name(),
		Timestamp:  time.Now(),
	}
}

// isBackchannel reports whether an interim looks like a short
// acknowledgement. Only very short utterances qualify so a sentence that
// merely starts with "yes" is not acked mid-stream.
func (a *Adapter) isBackchannel(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || len([]rune(trimmed)) >= 6 {
		return false
	}
	lowered := strings.ToLower(trimmed)
	for _, w := range a.cfg.BackchannelWords {
		if lowered == strings.ToLower(w) {
			return true
		}
	}
	return false
}

func (a *Adapter) setState(state AdapterState) {
	a.mu.Lock()
	if a.state != AdapterClosed {
		a.state = state
	}
	a.mu.Unlock()
}

// backoffDelay computes the reconnect delay for an attempt: base doubled
// per attempt, capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func resultKind(isFinal bool) string {
	if isFinal {
		return "final"
	}
	return "interim"
}
