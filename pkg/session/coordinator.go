package session

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/config"
	"voicegate-server/pkg/metrics"
)

// tickInterval is the coordinator's activity-monitor period.
const tickInterval = time.Second

// Hooks are the coordinator's upward interface. All hooks are invoked from
// the coordinator goroutine; implementations submit real work to the
// call's turn executor.
type Hooks struct {
	// OnTimeout drives a no-input timeout turn through the dialogue flow.
	OnTimeout func(call *Call)

	// OnSilenceWarning speaks the nth silence warning (0-based).
	OnSilenceWarning func(call *Call, n int)

	// OnHangup ends the call. reason is one of "silence", "max_duration",
	// "idle" or "handoff_declined".
	OnHangup func(call *Call, reason string)
}

// Coordinator watches every live call and drives the time-based parts of
// the conversation: no-input timeout turns, escalating silence warnings,
// the silence hangup, the absolute duration ceiling and the media idle
// teardown. Timeout turns and warnings are suppressed while the bot is
// speaking, since the caller listening is not the caller gone.
type Coordinator struct {
	logger  *logrus.Logger
	cfg     *config.SessionConfig
	manager *Manager
	hooks   Hooks

	mu     sync.Mutex
	timers map[string]*callTimers
}

type callTimers struct {
	activity    time.Time
	warnings    int
	nextTimeout time.Time
}

// NewCoordinator creates a coordinator over the manager's calls.
func NewCoordinator(logger *logrus.Logger, cfg *config.SessionConfig, manager *Manager, hooks Hooks) *Coordinator {
	return &Coordinator{
		logger:  logger,
		cfg:     cfg,
		manager: manager,
		hooks:   hooks,
		timers:  make(map[string]*callTimers),
	}
}

// Run ticks once a second until the context ends.
func (co *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			co.Tick(now)
		}
	}
}

// Tick evaluates every call's timers against now. Exposed for tests.
func (co *Coordinator) Tick(now time.Time) {
	seen := make(map[string]struct{})

	co.manager.ForEach(func(call *Call) {
		seen[call.ID] = struct{}{}
		if call.Ended() {
			return
		}
		co.evaluate(call, now)
	})

	co.mu.Lock()
	for id := range co.timers {
		if _, ok := seen[id]; !ok {
			delete(co.timers, id)
		}
	}
	co.mu.Unlock()
}

func (co *Coordinator) evaluate(call *Call, now time.Time) {
	st := co.timersFor(call, now)

	// Fresh activity resets the silence escalation.
	if act := call.LastActivity(); act.After(st.activity) {
		st.activity = act
		st.warnings = 0
		st.nextTimeout = act.Add(co.cfg.NoInputTimeout)
	}

	if call.Age() >= co.cfg.MaxDuration {
		co.hangup(call, "max_duration")
		return
	}

	if now.Sub(call.LastMedia()) >= co.cfg.IdleTimeout {
		co.hangup(call, "idle")
		return
	}

	silence := now.Sub(st.activity)
	if silence >= co.cfg.SilenceHangup {
		co.hangup(call, "silence")
		return
	}

	playing := call.Queue != nil && call.Queue.Playing()
	if playing {
		return
	}

	if st.warnings < len(co.cfg.SilenceWarnings) && silence >= co.cfg.SilenceWarnings[st.warnings] {
		n := st.warnings
		st.warnings++
		co.logger.WithFields(logrus.Fields{
			"call_id": call.ID,
			"warning": n + 1,
			"silence": silence,
		}).Info("Silence warning")
		if co.hooks.OnSilenceWarning != nil {
			co.hooks.OnSilenceWarning(call, n)
		}
		return
	}

	if !now.Before(st.nextTimeout) {
		st.nextTimeout = now.Add(co.cfg.NoInputTimeout)
		if metrics.Enabled() {
			metrics.TimeoutTurns.Inc()
		}
		if co.hooks.OnTimeout != nil {
			co.hooks.OnTimeout(call)
		}
	}
}

func (co *Coordinator) timersFor(call *Call, now time.Time) *callTimers {
	co.mu.Lock()
	defer co.mu.Unlock()
	st, ok := co.timers[call.ID]
	if !ok {
		st = &callTimers{
			activity:    call.LastActivity(),
			nextTimeout: call.LastActivity().Add(co.cfg.NoInputTimeout),
		}
		co.timers[call.ID] = st
	}
	return st
}

func (co *Coordinator) hangup(call *Call, reason string) {
	co.logger.WithFields(logrus.Fields{
		"call_id": call.ID,
		"reason":  reason,
	}).Info("Hanging up call")
	if co.hooks.OnHangup != nil {
		co.hooks.OnHangup(call, reason)
	} else {
		call.End(reason)
	}
}

// ScheduleHangup arms a delayed hangup, used after a declined handoff so
// the closing prompt can finish playing. The timer is dropped if the call
// ends first.
func (co *Coordinator) ScheduleHangup(call *Call, reason string) {
	time.AfterFunc(co.cfg.HangupGrace, func() {
		if call.Ended() {
			return
		}
		co.hangup(call, reason)
	})
}
