package gateway

import (
	"context"
	"encoding/binary"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicegate-server/pkg/asr"
	"voicegate-server/pkg/audio"
	"voicegate-server/pkg/config"
	"voicegate-server/pkg/control"
	"voicegate-server/pkg/dialogue"
	"voicegate-server/pkg/metrics"
	"voicegate-server/pkg/rtp"
	"voicegate-server/pkg/tts"
)

func init() {
	metrics.EnableMetrics(false)
}

const testFlowJSON = `{
	"version": 1,
	"entry_phase": "ENTRY",
	"default_template": "000",
	"unclear_template": "099",
	"phases": {
		"ENTRY": {
			"transitions": [
				{"condition": "user_reply_received", "target": "QA"}
			]
		},
		"QA": {
			"templates": ["004"],
			"transitions": [
				{"condition": "timeout", "target": "TIMEOUT_PROMPT"}
			]
		},
		"TIMEOUT_PROMPT": {"templates": ["020"]},
		"HANDOFF_DONE": {"templates": []},
		"END": {"templates": []}
	},
	"keywords": {
		"handoff_words": ["オペレーター", "operator"]
	},
	"template_texts": {
		"000": "もう一度お願いします",
		"004": "ご用件をどうぞ",
		"020": "お聞こえでしょうか"
	},
	"handoff_flow": {
		"confirm_template": "030",
		"reask_template": "031",
		"accept_template": "032",
		"decline_template": "033",
		"done_phase": "HANDOFF_DONE",
		"end_phase": "END",
		"yes_words": ["はい", "yes"],
		"no_words": ["いいえ", "no"],
		"max_retries": 1
	}
}`

func testConfig() *config.Config {
	cfg := &config.Config{}

	cfg.VAD.Threshold = 500
	cfg.VAD.SilenceDuration = 5 * time.Millisecond
	cfg.VAD.MaxSegment = time.Second
	cfg.VAD.MinAudioLen = 100
	cfg.VAD.MinRMSForASR = 10
	cfg.VAD.BargeInThreshold = 900

	cfg.ASR.DefaultProvider = "mock"
	cfg.ASR.Language = "ja-JP"
	cfg.ASR.SampleRate = 8000
	cfg.ASR.Encoding = "mulaw"
	cfg.ASR.InterimResults = true
	cfg.ASR.PreStreamBufferChunks = 8
	cfg.ASR.QueueSize = 16
	cfg.ASR.KeepaliveInterval = time.Second
	cfg.ASR.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ASR.ReconnectMaxDelay = 100 * time.Millisecond
	cfg.ASR.BackchannelWords = []string{"はい"}
	cfg.ASR.BackchannelReply = "はい"

	cfg.TTS.Voice = "default"
	cfg.TTS.Rate = 1.0
	cfg.TTS.Timeout = time.Second
	cfg.TTS.FrameBytes = 160
	cfg.TTS.QueueCapacity = 200

	cfg.Dialogue.DefaultTenant = "default"

	cfg.Session.NoInputTimeout = 8 * time.Second
	cfg.Session.SilenceHangup = 60 * time.Second
	cfg.Session.MaxDuration = 1800 * time.Second
	cfg.Session.HangupGrace = 10 * time.Millisecond
	cfg.Session.IdleTimeout = 120 * time.Second

	cfg.Control.TransferDestination = "operator"

	cfg.Network.PayloadType = 0
	cfg.Network.FrameDuration = 20 * time.Millisecond

	return cfg
}

type testRig struct {
	gateway  *Gateway
	flows    *dialogue.Registry
	provider *asr.MockProvider
	synth    *tts.MockSynthesizer
	cancel   context.CancelFunc
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	def, err := dialogue.ParseFlow([]byte(testFlowJSON))
	require.NoError(t, err)

	flows := dialogue.NewRegistry(logger, t.TempDir())
	flows.Register("default", def)

	provider := asr.NewMockProvider()
	providers := asr.NewProviderManager(logger, "mock")
	require.NoError(t, providers.Register(provider))

	synth := tts.NewMockSynthesizer()

	cfg := testConfig()
	g := New(logger, cfg, flows, providers, synth, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	g.Start(ctx)
	t.Cleanup(func() {
		g.Shutdown()
		cancel()
	})

	return &testRig{gateway: g, flows: flows, provider: provider, synth: synth, cancel: cancel}
}

// loudChunk returns n mu-law samples of a tone well above the VAD threshold.
func loudChunk(n int) []byte {
	pcm := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(8000)))
	}
	return audio.EncodeMuLaw(pcm)
}

// silentChunk returns n mu-law samples of silence.
func silentChunk(n int) []byte {
	chunk := make([]byte, n)
	for i := range chunk {
		chunk[i] = 0xFF
	}
	return chunk
}

func (r *testRig) pushMedia(callID string, seq uint16, payload []byte) {
	src := &net.UDPAddr{IP: net.ParseIP("192.0.2.10"), Port: 40000}
	r.gateway.handleMedia(callID, src, &rtp.Packet{
		Version:        2,
		SequenceNumber: seq,
		Payload:        payload,
	})
}

// speakUtterance drives enough media through the segmenter to flush one
// utterance for the call.
func (r *testRig) speakUtterance(t *testing.T, callID string, seq uint16) uint16 {
	t.Helper()
	for i := 0; i < 5; i++ {
		r.pushMedia(callID, seq, loudChunk(160))
		seq++
	}
	time.Sleep(10 * time.Millisecond)
	r.pushMedia(callID, seq, silentChunk(160))
	seq++
	return seq
}

// stream waits for the call's recognition stream to open.
func (r *testRig) stream(t *testing.T, index int) *asr.MockStream {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.provider.Streams()) > index
	}, time.Second, 5*time.Millisecond, "recognition stream never opened")
	return r.provider.Streams()[index]
}

func (r *testRig) finalTranscript(t *testing.T, callID string, seq uint16, text string) uint16 {
	t.Helper()
	seq = r.speakUtterance(t, callID, seq)
	stream := r.stream(t, 0)
	stream.Emit(asr.Result{Text: text, IsFinal: true, Confidence: 0.9})
	return seq
}

func TestEndToEndGreetingTurn(t *testing.T) {
	rig := newTestRig(t)

	seq := rig.speakUtterance(t, "call-1", 1)

	call, err := rig.gateway.Manager().Get("call-1")
	require.NoError(t, err)
	assert.Equal(t, "ENTRY", call.State.Phase)

	stream := rig.stream(t, 0)
	require.NotEmpty(t, stream.Sent(), "utterance audio never reached the provider")

	stream.Emit(asr.Result{Text: "もしもし", IsFinal: true, Confidence: 0.92})

	require.Eventually(t, func() bool {
		return call.State.Phase == "QA"
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return call.Queue.Playing()
	}, time.Second, 5*time.Millisecond)

	requests := rig.synth.Requests()
	require.NotEmpty(t, requests)
	assert.Equal(t, "ご用件をどうぞ", requests[len(requests)-1].Text)

	// Caller talks over the reply: three loud chunks clear the queue.
	for i := 0; i < 3; i++ {
		rig.pushMedia("call-1", seq, loudChunk(160))
		seq++
	}
	assert.False(t, call.Queue.Playing(), "barge-in should have cleared playback")
	assert.Zero(t, call.Queue.Len())
}

func TestCallStartBindsMediaAddress(t *testing.T) {
	rig := newTestRig(t)

	rig.gateway.HandleControl(&control.Message{
		Type:    control.TypeCallStart,
		CallID:  "call-42",
		Tenant:  "default",
		Leg:     "leg-uuid-42",
		RTPAddr: "192.0.2.10:40000",
	})

	call, err := rig.gateway.Manager().Get("call-42")
	require.NoError(t, err)
	assert.Equal(t, "leg-uuid-42", call.PBXLeg)

	// Media from the bound address resolves to the control-plane call id.
	assert.Equal(t, "call-42", rig.gateway.Demux().Resolve("192.0.2.10:40000"))
}

func TestCallEndFromControlPlane(t *testing.T) {
	rig := newTestRig(t)

	rig.gateway.HandleControl(&control.Message{
		Type:   control.TypeCallStart,
		CallID: "call-9",
	})
	call, err := rig.gateway.Manager().Get("call-9")
	require.NoError(t, err)

	rig.gateway.HandleControl(&control.Message{
		Type:   control.TypeCallEnd,
		CallID: "call-9",
		Reason: "caller_hangup",
	})

	require.Eventually(t, func() bool {
		return call.Ended() && rig.gateway.Manager().Len() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Nil(t, rig.gateway.runtime("call-9"))
}

func TestHandoffRequestByKeyword(t *testing.T) {
	rig := newTestRig(t)

	rig.finalTranscript(t, "call-1", 1, "オペレーターお願いします")

	call, err := rig.gateway.Manager().Get("call-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return call.State.Handoff == dialogue.HandoffConfirming
	}, time.Second, 5*time.Millisecond)

	requests := rig.synth.Requests()
	require.NotEmpty(t, requests)
	assert.Equal(t, "030", requests[len(requests)-1].Text)

	stream := rig.stream(t, 0)
	stream.Emit(asr.Result{Text: "はい", IsFinal: true, Confidence: 0.95})

	require.Eventually(t, func() bool {
		return call.State.Handoff == dialogue.HandoffDone
	}, time.Second, 5*time.Millisecond)
	assert.True(t, call.State.TransferRequested)
	assert.Equal(t, "HANDOFF_DONE", call.State.Phase)
}

func TestHandoffDeclinedSchedulesHangup(t *testing.T) {
	rig := newTestRig(t)

	rig.finalTranscript(t, "call-1", 1, "オペレーター")

	call, err := rig.gateway.Manager().Get("call-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return call.State.Handoff == dialogue.HandoffConfirming
	}, time.Second, 5*time.Millisecond)

	stream := rig.stream(t, 0)
	stream.Emit(asr.Result{Text: "いいえ", IsFinal: true, Confidence: 0.95})

	require.Eventually(t, func() bool {
		return call.State.Handoff == dialogue.HandoffDone
	}, time.Second, 5*time.Millisecond)
	assert.False(t, call.State.TransferRequested)
	assert.Equal(t, "END", call.State.Phase)

	// HangupGrace is 10ms in the test config; the delayed hangup fires.
	require.Eventually(t, func() bool {
		return call.Ended()
	}, time.Second, 5*time.Millisecond)
}

func TestFlowReloadAppliesAtTurnBoundary(t *testing.T) {
	rig := newTestRig(t)

	seq := rig.finalTranscript(t, "call-1", 1, "もしもし")

	call, err := rig.gateway.Manager().Get("call-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return call.State.Phase == "QA"
	}, time.Second, 5*time.Millisecond)

	requests := rig.synth.Requests()
	require.NotEmpty(t, requests)
	assert.Equal(t, "ご用件をどうぞ", requests[len(requests)-1].Text)

	// Swap the registered flow mid-call. The live call must speak the new
	// wording on its next turn, not keep the definition it started with.
	swapped := strings.Replace(testFlowJSON, "ご用件をどうぞ", "改めてご用件をどうぞ", 1)
	def, err := dialogue.ParseFlow([]byte(swapped))
	require.NoError(t, err)
	rig.flows.Register("default", def)

	seq = rig.speakUtterance(t, "call-1", seq)
	rig.stream(t, 0).Emit(asr.Result{Text: "料金について", IsFinal: true, Confidence: 0.9})

	require.Eventually(t, func() bool {
		requests := rig.synth.Requests()
		return len(requests) > 0 && requests[len(requests)-1].Text == "改めてご用件をどうぞ"
	}, time.Second, 5*time.Millisecond, "turn after reload still spoke the old wording")
	assert.Equal(t, "QA", call.State.Phase)
}

func TestUnknownTenantFallsBackToDefault(t *testing.T) {
	rig := newTestRig(t)

	rig.gateway.HandleControl(&control.Message{
		Type:   control.TypeCallStart,
		CallID: "call-7",
		Tenant: "no-such-tenant",
	})

	call, err := rig.gateway.Manager().Get("call-7")
	require.NoError(t, err)
	assert.Equal(t, "ENTRY", call.State.Phase)
}
