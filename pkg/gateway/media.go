package gateway

import (
	"context"
	"net"
	"time"

	"voicegate-server/pkg/asr"
	"voicegate-server/pkg/audio"
	"voicegate-server/pkg/dialogue"
	"voicegate-server/pkg/messaging"
	"voicegate-server/pkg/metrics"
	"voicegate-server/pkg/rtp"
	"voicegate-server/pkg/session"
	"voicegate-server/pkg/tts"
)

// handleMedia is the demux sink: one accepted RTP packet for one call.
// Packets for the same call arrive serialized by the demux; only this path
// touches the segmenter and barge-in detector.
func (g *Gateway) handleMedia(callID string, src *net.UDPAddr, packet *rtp.Packet) {
	rt := g.runtime(callID)
	if rt == nil {
		// First media from an unbound peer creates the call under the
		// default tenant, keyed by its socket address.
		var err error
		rt, err = g.ensureCall(callID, g.cfg.Dialogue.DefaultTenant, "", src)
		if err != nil {
			g.logger.WithError(err).WithField("call_id", callID).Error("Failed to create call from media")
			return
		}
	}

	call := rt.call
	if call.Ended() {
		return
	}
	call.TouchMedia()

	if call.PeerAddr == nil {
		call.PeerAddr = src
		g.startSender(rt)
	}

	payload := packet.Payload

	if call.Queue.Playing() {
		if call.BargeIn.Push(audio.RMS(payload)) {
			call.Queue.Clear()
			call.Logger().Info("Barge-in, playback interrupted")
			if metrics.Enabled() {
				metrics.BargeIns.Inc()
			}
		}
	} else {
		call.BargeIn.Reset()
	}

	if call.Segmenter.IsSpeaking() {
		call.Touch()
	}

	if utterance := call.Segmenter.Push(payload, time.Now()); utterance != nil {
		call.Touch()
		if err := call.Adapter.Push(utterance.Audio); err != nil {
			call.Logger().WithError(err).Debug("Dropped utterance for closed adapter")
		}
	}
}

// ensureCall creates the call and its runtime if they do not exist yet.
// peer may be nil when the control plane announces the call before media
// arrives.
func (g *Gateway) ensureCall(id, tenant, leg string, peer *net.UDPAddr) (*callRuntime, error) {
	g.mu.Lock()
	if rt, ok := g.runtimes[id]; ok {
		g.mu.Unlock()
		return rt, nil
	}
	g.mu.Unlock()

	flowTenant := tenant
	def, err := g.flows.Get(tenant)
	if err != nil && tenant != g.cfg.Dialogue.DefaultTenant {
		g.logger.WithError(err).WithField("tenant", tenant).Warn("No flow for tenant, using default")
		flowTenant = g.cfg.Dialogue.DefaultTenant
		def, err = g.flows.Get(flowTenant)
	}
	if err != nil {
		return nil, err
	}

	provider, err := g.providers.Default()
	if err != nil {
		return nil, err
	}

	call := session.NewCall(g.logger, id, tenant)
	call.PBXLeg = leg
	call.PeerAddr = peer
	call.Segmenter = audio.NewSegmenter(g.logger, &g.cfg.VAD)
	call.BargeIn = audio.NewBargeInDetector(g.cfg.VAD.BargeInThreshold)
	call.Queue = tts.NewPlaybackQueue(g.cfg.TTS.QueueCapacity, g.cfg.TTS.FrameBytes)
	call.State = dialogue.NewConversationState(def.EntryPhase)

	call.Adapter = asr.NewAdapter(g.logger, &g.cfg.ASR, provider, id, asr.Callbacks{
		OnTranscript:  g.transcripts.Publish,
		OnBackchannel: func(text string) { g.onBackchannel(id, text) },
	})

	rt := &callRuntime{
		call:       call,
		flowTenant: flowTenant,
		def:        def,
		engine:     dialogue.NewEngine(def),
		guard:      dialogue.NewGuard(def),
		handoff:    dialogue.NewHandoffMachine(&def.Handoff),
	}

	// Only the map insert and registration happen under the lock. The
	// teardown hook is installed after winning the race so a discarded
	// duplicate never tears down the registered call.
	g.mu.Lock()
	if existing, ok := g.runtimes[id]; ok {
		g.mu.Unlock()
		call.End("duplicate")
		return existing, nil
	}
	if err := g.manager.Register(call); err != nil {
		g.mu.Unlock()
		call.End("registration_failed")
		return nil, err
	}
	g.runtimes[id] = rt
	g.mu.Unlock()

	call.SetOnEnd(g.onCallEnd)
	call.Adapter.Start(g.ctx)
	if peer != nil {
		g.startSender(rt)
	}

	call.Logger().WithField("phase", def.EntryPhase).Info("Call created")
	if g.publisher != nil {
		g.publisher.PublishLifecycle(messaging.LifecycleEvent{
			CallID:    id,
			Tenant:    tenant,
			State:     "started",
			Timestamp: time.Now(),
		})
	}

	// Greet before the caller says anything; the entry phase's templates
	// are the opening line.
	if err := call.Submit(func() { g.speak(rt, rt.engine.Templates(def.EntryPhase)) }); err != nil {
		call.Logger().WithError(err).Debug("Dropped greeting for ended call")
	}

	return rt, nil
}

// startSender launches the paced outbound RTP loop for a call whose peer
// address is known. Idempotent per call.
func (g *Gateway) startSender(rt *callRuntime) {
	if g.sendConn == nil || rt.cancelSender != nil || rt.call.PeerAddr == nil {
		return
	}

	ctx, cancel := context.WithCancel(g.ctx)
	rt.cancelSender = cancel

	sender := rtp.NewSender(g.logger, g.sendConn, rt.call.PeerAddr, rt.call.ID,
		g.cfg.Network.PayloadType, g.cfg.Network.FrameDuration, rt.call.Queue)
	go sender.Run(ctx)
}
