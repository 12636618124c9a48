// Package gateway wires the full media-to-dialogue data path: inbound RTP
// through segmentation and recognition, transcripts through the flow engine,
// replies through synthesis back out as paced RTP. It owns per-call plumbing
// and the hooks that connect the control plane, the coordinator and the
// event publisher to live calls.
package gateway

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/asr"
	"voicegate-server/pkg/config"
	"voicegate-server/pkg/control"
	"voicegate-server/pkg/dialogue"
	"voicegate-server/pkg/esl"
	"voicegate-server/pkg/messaging"
	"voicegate-server/pkg/rtp"
	"voicegate-server/pkg/session"
	"voicegate-server/pkg/tts"
)

// Gateway is the per-process composition root for call handling. One
// instance serves every concurrent call; all per-call state hangs off the
// session manager and the runtime map.
type Gateway struct {
	logger    *logrus.Logger
	cfg       *config.Config
	flows     *dialogue.Registry
	providers *asr.ProviderManager
	synth     tts.Synthesizer
	publisher *messaging.Publisher

	// pbx is nil when the FreeSWITCH event socket is disabled.
	pbx *esl.Client

	manager     *session.Manager
	coordinator *session.Coordinator
	transcripts *asr.TranscriptService
	demux       *rtp.Demux

	// sendConn is the shared media socket outbound senders write to. Nil
	// until AttachMedia; calls created before that get no sender.
	sendConn *net.UDPConn

	ctx context.Context

	mu       sync.Mutex
	runtimes map[string]*callRuntime
}

// callRuntime bundles a call with its dialogue machinery. The flow
// definition is re-resolved at each turn boundary, so a hot reload takes
// effect on the next turn and never swaps a turn in flight. All fields
// below cancelSender are owned by the call's turn executor after creation.
type callRuntime struct {
	call         *session.Call
	cancelSender context.CancelFunc

	flowTenant string
	def        *dialogue.FlowDefinition
	engine     *dialogue.Engine
	guard      *dialogue.Guard
	handoff    *dialogue.HandoffMachine
}

// New creates the gateway and its internal session layer.
func New(logger *logrus.Logger, cfg *config.Config, flows *dialogue.Registry, providers *asr.ProviderManager, synth tts.Synthesizer, publisher *messaging.Publisher, pbx *esl.Client) *Gateway {
	g := &Gateway{
		logger:      logger,
		cfg:         cfg,
		flows:       flows,
		providers:   providers,
		synth:       synth,
		publisher:   publisher,
		pbx:         pbx,
		manager:     session.NewManager(logger),
		transcripts: asr.NewTranscriptService(logger),
		runtimes:    make(map[string]*callRuntime),
		ctx:         context.Background(),
	}

	g.demux = rtp.NewDemux(logger, g.handleMedia)
	g.coordinator = session.NewCoordinator(logger, &cfg.Session, g.manager, session.Hooks{
		OnTimeout:        g.onTimeout,
		OnSilenceWarning: g.onSilenceWarning,
		OnHangup:         g.onHangup,
	})

	g.transcripts.AddListener("turn-executor", g.onTranscript)
	g.transcripts.AddListener("event-publisher", g.publishTranscript)

	return g
}

// Demux returns the packet demultiplexer for the RTP listener.
func (g *Gateway) Demux() *rtp.Demux {
	return g.demux
}

// Manager returns the call registry.
func (g *Gateway) Manager() *session.Manager {
	return g.manager
}

// Coordinator returns the timer coordinator.
func (g *Gateway) Coordinator() *session.Coordinator {
	return g.coordinator
}

// AttachMedia installs the shared outbound media socket. Must be called
// before calls are created for outbound audio to flow.
func (g *Gateway) AttachMedia(conn *net.UDPConn) {
	g.sendConn = conn
}

// Start runs the coordinator and anchors per-call goroutine lifetimes to
// ctx.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx = ctx
	go g.coordinator.Run(ctx)
}

// ActiveCalls implements the health surface's status provider.
func (g *Gateway) ActiveCalls() int {
	return g.manager.Len()
}

// ControlPlaneUp reports whether the PBX event socket is usable. With ESL
// disabled the gateway runs standalone and reports healthy.
func (g *Gateway) ControlPlaneUp() bool {
	if g.pbx == nil {
		return true
	}
	return g.pbx.Connected()
}

// Shutdown ends every live call.
func (g *Gateway) Shutdown() {
	g.manager.EndAll("shutdown")
}

// HandleControl processes one control-plane message, from the WebSocket
// bridge, the unix socket or an upstream control plane.
func (g *Gateway) HandleControl(msg *control.Message) {
	switch msg.Type {
	case control.TypeCallStart:
		g.handleCallStart(msg)

	case control.TypeCallEnd:
		call, err := g.manager.Get(msg.CallID)
		if err != nil {
			g.logger.WithField("call_id", msg.CallID).Debug("call_end for unknown call")
			return
		}
		reason := msg.Reason
		if reason == "" {
			reason = "control_plane"
		}
		call.End(reason)

	case control.TypeDTMF:
		call, err := g.manager.Get(msg.CallID)
		if err != nil {
			return
		}
		call.Touch()
		call.Logger().WithField("digit", msg.Digit).Info("DTMF received")
	}
}

func (g *Gateway) handleCallStart(msg *control.Message) {
	tenant := msg.Tenant
	if tenant == "" {
		tenant = g.cfg.Dialogue.DefaultTenant
	}

	var peer *net.UDPAddr
	if msg.RTPAddr != "" {
		addr, err := net.ResolveUDPAddr("udp", msg.RTPAddr)
		if err != nil {
			g.logger.WithError(err).WithFields(logrus.Fields{
				"call_id":  msg.CallID,
				"rtp_addr": msg.RTPAddr,
			}).Warn("call_start carried unresolvable RTP address")
		} else {
			peer = addr
		}
	}

	rt, err := g.ensureCall(msg.CallID, tenant, msg.Leg, peer)
	if err != nil {
		g.logger.WithError(err).WithField("call_id", msg.CallID).Error("Failed to create call")
		return
	}

	if msg.RTPAddr != "" {
		g.demux.Bind(msg.RTPAddr, msg.CallID)
	}
	if msg.Leg != "" {
		rt.call.PBXLeg = msg.Leg
	}
}

// HandleESLEvent reacts to FreeSWITCH channel events. Hangups from the PBX
// side tear the matching call down so both legs stay in sync.
func (g *Gateway) HandleESLEvent(event *esl.Event) {
	if event.Name != "CHANNEL_HANGUP" || event.UUID == "" {
		return
	}

	g.mu.Lock()
	var rt *callRuntime
	for _, candidate := range g.runtimes {
		if candidate.call.PBXLeg == event.UUID {
			rt = candidate
			break
		}
	}
	g.mu.Unlock()

	if rt == nil {
		return
	}

	cause := event.Get("Hangup-Cause")
	rt.call.Logger().WithField("cause", cause).Info("PBX leg hung up")
	rt.call.End("pbx_hangup")
}

func (g *Gateway) runtime(callID string) *callRuntime {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.runtimes[callID]
}

func (g *Gateway) publishTranscript(t asr.Transcript) {
	if !t.IsFinal || g.publisher == nil {
		return
	}

	tenant := ""
	if rt := g.runtime(t.CallID); rt != nil {
		tenant = rt.call.Tenant
	}

	g.publisher.PublishTranscript(messaging.TranscriptEvent{
		CallID:     t.CallID,
		Tenant:     tenant,
		Text:       t.Text,
		Turn:       t.Turn,
		Confidence: t.Confidence,
		Provider:   t.Provider,
		Timestamp:  t.Timestamp,
	})
}

func (g *Gateway) onTranscript(t asr.Transcript) {
	if !t.IsFinal {
		return
	}

	rt := g.runtime(t.CallID)
	if rt == nil {
		g.logger.WithField("call_id", t.CallID).Debug("Transcript for unknown call")
		return
	}

	if err := rt.call.Submit(func() { g.runTurn(rt, t.Text, false) }); err != nil {
		rt.call.Logger().WithError(err).Debug("Dropped transcript turn for ended call")
	}
}

func (g *Gateway) onTimeout(call *session.Call) {
	rt := g.runtime(call.ID)
	if rt == nil {
		return
	}
	if err := call.Submit(func() { g.runTurn(rt, "", true) }); err != nil {
		call.Logger().WithError(err).Debug("Dropped timeout turn for ended call")
	}
}

func (g *Gateway) onSilenceWarning(call *session.Call, n int) {
	rt := g.runtime(call.ID)
	if rt == nil {
		return
	}
	err := call.Submit(func() {
		call.Logger().WithField("warning", n).Info("Speaking silence warning")
		g.speak(rt, []string{rt.def.DefaultTemplate})
	})
	if err != nil {
		call.Logger().WithError(err).Debug("Dropped silence warning for ended call")
	}
}

func (g *Gateway) onHangup(call *session.Call, reason string) {
	if g.pbx != nil && g.pbx.Connected() && call.PBXLeg != "" {
		if err := g.pbx.Kill(call.PBXLeg, ""); err != nil {
			call.Logger().WithError(err).Warn("Failed to hang up PBX leg")
		}
	}
	call.End(reason)
}

func (g *Gateway) onCallEnd(call *session.Call, reason string) {
	g.mu.Lock()
	rt := g.runtimes[call.ID]
	delete(g.runtimes, call.ID)
	g.mu.Unlock()

	if rt != nil && rt.cancelSender != nil {
		rt.cancelSender()
	}
	if call.PeerAddr != nil {
		g.demux.Unbind(call.PeerAddr.String(), call.ID)
	}
	g.manager.Remove(call.ID)

	if g.publisher != nil {
		g.publisher.PublishLifecycle(messaging.LifecycleEvent{
			CallID:    call.ID,
			Tenant:    call.Tenant,
			State:     "ended",
			Reason:    reason,
			Duration:  call.Age().Seconds(),
			Timestamp: time.Now(),
		})
	}
}
