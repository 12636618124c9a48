package session

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/asr"
	"voicegate-server/pkg/audio"
	"voicegate-server/pkg/dialogue"
	"voicegate-server/pkg/errors"
	"voicegate-server/pkg/metrics"
	"voicegate-server/pkg/tts"
)

// taskQueueSize bounds the per-call turn executor backlog. Turns are
// short, so a deep backlog means the call is already wedged.
const taskQueueSize = 32

// Call is one live phone call and everything it owns: the media-side
// segmenter and barge-in detector, the recognition adapter, the playback
// queue and the dialogue state.
//
// All dialogue mutation runs on the call's single turn-executor goroutine.
// Transcript turns, timer turns and teardown submit closures to it, so the
// conversation state needs no locking and turns can never interleave.
type Call struct {
	ID       string
	Tenant   string
	PeerAddr *net.UDPAddr

	// PBXLeg is the FreeSWITCH channel UUID for control-plane commands.
	PBXLeg string

	StartedAt time.Time

	Segmenter *audio.Segmenter
	BargeIn   *audio.BargeInDetector
	Adapter   *asr.Adapter
	Queue     *tts.PlaybackQueue
	State     *dialogue.ConversationState

	logger *logrus.Entry

	tasks   chan func()
	done    chan struct{}
	endOnce sync.Once
	ended   atomic.Bool

	lastActivity atomic.Int64
	lastMedia    atomic.Int64

	// onEnd runs once, on the executor goroutine, as the last task.
	onEnd func(c *Call, reason string)
}

// NewCall creates a call and starts its turn executor.
func NewCall(logger *logrus.Logger, id, tenant string) *Call {
	now := time.Now()
	c := &Call{
		ID:        id,
		Tenant:    tenant,
		StartedAt: now,
		logger: logger.WithFields(logrus.Fields{
			"call_id": id,
			"tenant":  tenant,
		}),
		tasks: make(chan func(), taskQueueSize),
		done:  make(chan struct{}),
	}
	c.lastActivity.Store(now.UnixNano())
	c.lastMedia.Store(now.UnixNano())

	go c.executor()
	return c
}

// Logger returns the call-scoped logger.
func (c *Call) Logger() *logrus.Entry {
	return c.logger
}

// SetOnEnd installs the teardown hook. Must be set before End can fire.
func (c *Call) SetOnEnd(hook func(c *Call, reason string)) {
	c.onEnd = hook
}

// Submit queues a task on the turn executor. Tasks run strictly in
// submission order. Returns ErrCallEnded once the call is over.
func (c *Call) Submit(task func()) error {
	if c.ended.Load() {
		return errors.ErrCallEnded
	}
	select {
	case c.tasks <- task:
		return nil
	case <-c.done:
		return errors.ErrCallEnded
	}
}

// Touch records caller activity for the silence timers.
func (c *Call) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent caller activity.
func (c *Call) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// TouchMedia records that a media packet arrived, voiced or not.
func (c *Call) TouchMedia() {
	c.lastMedia.Store(time.Now().UnixNano())
}

// LastMedia returns the time of the most recent media packet.
func (c *Call) LastMedia() time.Time {
	return time.Unix(0, c.lastMedia.Load())
}

// Age returns how long the call has been up.
func (c *Call) Age() time.Duration {
	return time.Since(c.StartedAt)
}

// Ended reports whether End has been called.
func (c *Call) Ended() bool {
	return c.ended.Load()
}

// End tears the call down exactly once. The teardown task runs on the
// executor after every task submitted before it, so an in-flight turn
// finishes before resources go away.
func (c *Call) End(reason string) {
	c.endOnce.Do(func() {
		c.ended.Store(true)

		teardown := func() {
			if c.Queue != nil {
				c.Queue.Clear()
			}
			if c.Adapter != nil {
				c.Adapter.Close()
			}
			if c.onEnd != nil {
				c.onEnd(c, reason)
			}

			duration := c.Age()
			if metrics.Enabled() {
				metrics.CallsEnded.WithLabelValues(reason).Inc()
				metrics.CallDuration.Observe(duration.Seconds())
			}
			c.logger.WithFields(logrus.Fields{
				"reason":   reason,
				"duration": duration,
			}).Info("Call ended")
		}

		// The executor drains pending turns, runs teardown, then exits.
		select {
		case c.tasks <- teardown:
		default:
			// Executor backlog is full; run teardown inline rather than
			// leaking the call.
			teardown()
		}
		close(c.done)
	})
}

func (c *Call) executor() {
	for {
		select {
		case task := <-c.tasks:
			task()
			if c.ended.Load() && len(c.tasks) == 0 {
				return
			}
		case <-c.done:
			// Drain anything submitted before the end.
			for {
				select {
				case task := <-c.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}
