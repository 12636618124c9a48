package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/dialogue"
	"voicegate-server/pkg/messaging"
	"voicegate-server/pkg/metrics"
	"voicegate-server/pkg/tts"
)

// handoffKeywordList is the reserved keyword list consulted when mapping a
// transcript to the handoff-request intent.
const handoffKeywordList = "handoff_words"

// runTurn executes one dialogue turn. It runs on the call's turn executor,
// so it may mutate conversation state freely; transcript turns and timeout
// turns can never interleave for the same call.
func (g *Gateway) runTurn(rt *callRuntime, text string, timeout bool) {
	call := rt.call
	if call.Ended() {
		return
	}
	g.refreshFlow(rt)
	state := call.State

	trimmed := strings.TrimSpace(text)
	heard := trimmed != ""

	// A confirmation turn belongs to the handoff machine, not the flow.
	if state.Handoff == dialogue.HandoffConfirming {
		g.applyHandoff(rt, rt.handoff.HandleReply(state, trimmed))
		return
	}

	if heard {
		rt.guard.ObserveHeard(state)
	} else if rt.guard.ObserveNotHeard(state) {
		// Second consecutive turn with no usable speech: go straight to
		// the handoff prompt instead of another flow transition.
		g.applyHandoff(rt, rt.handoff.Request(state))
		return
	}

	intent := g.intentFor(rt, trimmed, heard, timeout)
	if rt.guard.ShouldForceHandoff(state) {
		intent = dialogue.IntentHandoffRequest
	}
	if intent == dialogue.IntentHandoffRequest {
		state.LastIntent = intent
		g.applyHandoff(rt, rt.handoff.Request(state))
		return
	}

	ctx := &dialogue.TurnContext{
		Intent:            intent,
		Text:              text,
		NormalizedText:    strings.ToLower(trimmed),
		UserReplyReceived: heard,
		UserVoiceDetected: heard,
		Timeout:           timeout,
		Keywords:          rt.def.Keywords,
	}

	next := rt.engine.Transition(state.Phase, ctx)
	templates := rt.engine.ReplyTemplates(state.Phase, next)

	if next != state.Phase {
		call.Logger().WithFields(logrus.Fields{
			"from":   state.Phase,
			"to":     next,
			"intent": intent,
		}).Info("Flow transition")
		if metrics.Enabled() {
			metrics.FlowTransitions.WithLabelValues(state.Phase, next).Inc()
		}
	}
	state.Phase = next
	state.LastIntent = intent
	rt.guard.ObserveReply(state, templates)

	g.speak(rt, templates)
}

// refreshFlow picks up a hot-reloaded flow definition at the turn boundary.
// It runs on the turn executor, so swapping the dialogue machinery races
// with nothing; the conversation keeps its phase and continues under the
// new definition.
func (g *Gateway) refreshFlow(rt *callRuntime) {
	def, err := g.flows.Get(rt.flowTenant)
	if err != nil || def == rt.def {
		return
	}

	rt.def = def
	rt.engine = dialogue.NewEngine(def)
	rt.guard = dialogue.NewGuard(def)
	rt.handoff = dialogue.NewHandoffMachine(&def.Handoff)
	rt.call.Logger().WithField("tenant", rt.flowTenant).Info("Flow definition swapped")
}

// intentFor maps one turn's input to an intent label. Timeout and empty
// turns become NOT_HEARD; a transcript containing a handoff keyword becomes
// HANDOFF_REQUEST; everything else carries no intent and is matched by
// keyword and flag conditions instead.
func (g *Gateway) intentFor(rt *callRuntime, trimmed string, heard, timeout bool) string {
	if timeout || !heard {
		return dialogue.IntentNotHeard
	}

	normalized := strings.ToLower(trimmed)
	for _, word := range rt.def.Keywords[handoffKeywordList] {
		if word != "" && strings.Contains(normalized, strings.ToLower(word)) {
			return dialogue.IntentHandoffRequest
		}
	}
	return ""
}

// applyHandoff carries out one handoff-machine outcome: phase change,
// spoken templates, transfer or delayed hangup.
func (g *Gateway) applyHandoff(rt *callRuntime, outcome dialogue.HandoffOutcome) {
	call := rt.call
	state := call.State

	if outcome.NextPhase != "" && outcome.NextPhase != state.Phase {
		if metrics.Enabled() {
			metrics.FlowTransitions.WithLabelValues(state.Phase, outcome.NextPhase).Inc()
		}
		state.Phase = outcome.NextPhase
	}

	call.Logger().WithField("result", outcome.Result.String()).Info("Handoff step")
	if metrics.Enabled() {
		metrics.Handoffs.WithLabelValues(outcome.Result.String()).Inc()
	}

	g.speak(rt, outcome.Templates)

	switch outcome.Result {
	case dialogue.HandoffAccepted:
		g.publishHandoff(rt, true)
		if outcome.ScheduleTransfer {
			g.transfer(rt)
		}

	case dialogue.HandoffDeclined:
		g.publishHandoff(rt, false)
		if outcome.ScheduleHangup {
			g.coordinator.ScheduleHangup(call, "handoff_declined")
		}
	}
}

func (g *Gateway) publishHandoff(rt *callRuntime, accepted bool) {
	if g.publisher == nil {
		return
	}
	g.publisher.PublishHandoff(messaging.HandoffEvent{
		CallID:    rt.call.ID,
		Tenant:    rt.call.Tenant,
		Accepted:  accepted,
		Implicit:  rt.call.State.HandoffRetryCount >= rt.def.Handoff.MaxRetries,
		Timestamp: time.Now(),
	})
}

// transfer redirects the PBX leg to the configured operator destination.
func (g *Gateway) transfer(rt *callRuntime) {
	call := rt.call

	if g.pbx == nil || !g.pbx.Connected() || call.PBXLeg == "" {
		call.Logger().Warn("Transfer requested but no PBX leg is available")
		return
	}

	destination := g.cfg.Control.TransferDestination
	if err := g.pbx.Transfer(call.PBXLeg, destination); err != nil {
		call.Logger().WithError(err).Error("Transfer failed")
		return
	}

	call.State.TransferExecuted = true
	call.Logger().WithField("destination", destination).Info("Call transferred to operator")
}

// speak synthesizes each template and queues the audio for playback. A
// synthesis failure falls back to the universal default template; a live
// call never ends a turn in silence.
func (g *Gateway) speak(rt *callRuntime, templates []string) {
	for _, id := range templates {
		if g.speakOne(rt, id) {
			continue
		}
		if id != rt.def.DefaultTemplate {
			g.speakOne(rt, rt.def.DefaultTemplate)
		}
	}
}

func (g *Gateway) speakOne(rt *callRuntime, id string) bool {
	ctx, cancel := context.WithTimeout(g.ctx, g.cfg.TTS.Timeout)
	defer cancel()

	data, err := g.synth.Synthesize(ctx, tts.Request{
		Text:  rt.def.TemplateText(id),
		Voice: g.cfg.TTS.Voice,
		Rate:  g.cfg.TTS.Rate,
		Pitch: g.cfg.TTS.Pitch,
	})
	if err != nil {
		rt.call.Logger().WithError(err).WithField("template", id).Error("Synthesis failed")
		return false
	}

	rt.call.Queue.EnqueueAudio(data)
	return true
}

// onBackchannel acks a short acknowledgement from an interim result without
// waiting for the final transcript.
func (g *Gateway) onBackchannel(callID, text string) {
	rt := g.runtime(callID)
	if rt == nil {
		return
	}

	err := rt.call.Submit(func() {
		if rt.call.Queue.Playing() {
			return
		}
		rt.call.Logger().WithField("text", text).Debug("Backchannel ack")

		ctx, cancel := context.WithTimeout(g.ctx, g.cfg.TTS.Timeout)
		defer cancel()
		data, err := g.synth.Synthesize(ctx, tts.Request{
			Text:  g.cfg.ASR.BackchannelReply,
			Voice: g.cfg.TTS.Voice,
			Rate:  g.cfg.TTS.Rate,
			Pitch: g.cfg.TTS.Pitch,
		})
		if err != nil {
			rt.call.Logger().WithError(err).Debug("Backchannel synthesis failed")
			return
		}
		rt.call.Queue.EnqueueAudio(data)
	})
	if err != nil {
		rt.call.Logger().WithError(err).Debug("Dropped backchannel for ended call")
	}
}
