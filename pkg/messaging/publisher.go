package messaging

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"voicegate-server/pkg/config"
	"voicegate-server/pkg/errors"
)

// Routing keys on the events exchange.
const (
	KeyTranscript = "call.transcript"
	KeyLifecycle  = "call.lifecycle"
	KeyHandoff    = "call.handoff"
)

// eventQueueSize bounds the outbound event queue. Events past the bound
// are dropped, never queued on the call path.
const eventQueueSize = 256

// TranscriptEvent is published for every final transcript.
type TranscriptEvent struct {
	CallID     string    `json:"call_id"`
	Tenant     string    `json:"tenant"`
	Text       string    `json:"text"`
	Turn       int       `json:"turn"`
	Confidence float64   `json:"confidence"`
	Provider   string    `json:"provider"`
	Timestamp  time.Time `json:"timestamp"`
}

// LifecycleEvent is published when a call starts or ends.
type LifecycleEvent struct {
	CallID    string    `json:"call_id"`
	Tenant    string    `json:"tenant"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Duration  float64   `json:"duration_seconds,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HandoffEvent is published when a call is handed to a human.
type HandoffEvent struct {
	CallID    string    `json:"call_id"`
	Tenant    string    `json:"tenant"`
	Accepted  bool      `json:"accepted"`
	Implicit  bool      `json:"implicit"`
	Timestamp time.Time `json:"timestamp"`
}

type outboundEvent struct {
	key  string
	body []byte
}

// Publisher sends call events to an AMQP topic exchange. Publishing is
// fire-and-forget: callers enqueue onto a bounded queue and return
// immediately; a dedicated worker goroutine owns the broker connection,
// dials lazily, and drops events with a warning when the broker is down or
// the queue is full. The call path never touches broker I/O.
type Publisher struct {
	logger *logrus.Logger
	cfg    *config.MessagingConfig

	events    chan outboundEvent
	done      chan struct{}
	finished  chan struct{}
	closeOnce sync.Once

	// conn and channel are owned by the worker goroutine.
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewPublisher creates a publisher and starts its worker. No connection is
// made until the first event is delivered.
func NewPublisher(logger *logrus.Logger, cfg *config.MessagingConfig) *Publisher {
	p := &Publisher{
		logger:   logger,
		cfg:      cfg,
		events:   make(chan outboundEvent, eventQueueSize),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	if cfg.Enabled {
		go p.run()
	} else {
		close(p.finished)
	}
	return p
}

// Enabled reports whether publishing is configured on.
func (p *Publisher) Enabled() bool {
	return p.cfg.Enabled
}

// PublishTranscript publishes one final transcript.
func (p *Publisher) PublishTranscript(event TranscriptEvent) {
	p.publish(KeyTranscript, event)
}

// PublishLifecycle publishes a call start or end.
func (p *Publisher) PublishLifecycle(event LifecycleEvent) {
	p.publish(KeyLifecycle, event)
}

// PublishHandoff publishes a handoff decision.
func (p *Publisher) PublishHandoff(event HandoffEvent) {
	p.publish(KeyHandoff, event)
}

// Close stops the worker after it drains the queued events, then closes
// the broker connection. Safe to call more than once.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	<-p.finished
	return nil
}

// publish marshals the event and enqueues it without blocking.
func (p *Publisher) publish(key string, event interface{}) {
	if !p.cfg.Enabled {
		return
	}

	body, err := json.Marshal(event)
	if err != nil {
		p.logger.WithError(err).Error("Failed to marshal event")
		return
	}

	select {
	case p.events <- outboundEvent{key: key, body: body}:
	default:
		p.logger.WithField("routing_key", key).Warn("Event queue full, dropping event")
	}
}

func (p *Publisher) run() {
	defer close(p.finished)

	for {
		select {
		case ev := <-p.events:
			p.deliver(ev)
		case <-p.done:
			// Deliver what is already queued, then disconnect.
			for {
				select {
				case ev := <-p.events:
					p.deliver(ev)
				default:
					p.disconnect()
					return
				}
			}
		}
	}
}

func (p *Publisher) deliver(ev outboundEvent) {
	if err := p.ensureChannel(); err != nil {
		p.logger.WithError(err).WithField("routing_key", ev.key).Warn("Dropping event, broker unavailable")
		return
	}

	err := p.channel.Publish(p.cfg.Exchange, ev.key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         ev.body,
	})
	if err != nil {
		p.logger.WithError(err).WithField("routing_key", ev.key).Warn("Publish failed, resetting connection")
		p.disconnect()
	}
}

func (p *Publisher) ensureChannel() error {
	if p.channel != nil {
		return nil
	}

	conn, err := amqp.Dial(p.cfg.URL)
	if err != nil {
		return errors.Wrap(err, "failed to connect to broker")
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "failed to open channel")
	}
	if err := channel.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return errors.Wrap(err, "failed to declare exchange")
	}

	p.conn = conn
	p.channel = channel
	p.logger.WithFields(logrus.Fields{
		"exchange": p.cfg.Exchange,
	}).Info("Connected to event broker")
	return nil
}

func (p *Publisher) disconnect() {
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}
