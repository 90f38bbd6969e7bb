// Package relay shares board events between board-server instances over
// NATS JetStream. Each instance publishes the events it commits and
// republishes events committed elsewhere to its local hub.
//
// Forward is called while the engine still holds a parent lock, so it only
// queues. Run drains the queue on a single goroutine, which keeps the
// per-board publish order and keeps JetStream acks off the mutation path.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/todo-1m/taskboard/internal/contracts"
	"github.com/todo-1m/taskboard/internal/messaging"
	"github.com/todo-1m/taskboard/internal/platform/metrics"
	"github.com/todo-1m/taskboard/internal/sharding"
)

// JetStream is the part of nats.JetStreamContext the relay uses.
type JetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	Subscribe(subj string, cb nats.MsgHandler, opts ...nats.SubOpt) (*nats.Subscription, error)
}

// Fanout receives events that arrived from other instances.
type Fanout interface {
	Publish(boardID string, ev contracts.BoardEvent) int
}

type Metrics struct {
	Forwarded *metrics.CounterVec
	Received  *metrics.CounterVec
}

func NewMetrics(reg *metrics.Registry) *Metrics {
	m := &Metrics{
		Forwarded: metrics.NewCounterVec(metrics.Opts{
			Name: "taskboard_relay_forwarded_total",
			Help: "Board events published to NATS by outcome.",
		}, []string{"outcome"}),
		Received: metrics.NewCounterVec(metrics.Opts{
			Name: "taskboard_relay_received_total",
			Help: "Board events received from NATS by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.Forwarded, m.Received)
	return m
}

// DefaultQueueSize bounds the events waiting for a JetStream ack.
const DefaultQueueSize = 1024

type Relay struct {
	JS      JetStream
	Local   Fanout
	Origin  string
	Log     logrus.FieldLogger
	Metrics *Metrics

	queue chan contracts.BoardEvent
}

func New(js JetStream, local Fanout, origin string, log logrus.FieldLogger) *Relay {
	return NewWithQueue(js, local, origin, DefaultQueueSize, log)
}

func NewWithQueue(js JetStream, local Fanout, origin string, size int, log logrus.FieldLogger) *Relay {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Relay{JS: js, Local: local, Origin: origin, Log: log, queue: make(chan contracts.BoardEvent, size)}
}

// Forward queues a committed board event for publishing and never blocks.
// Presence events describe this instance's connections only and stay local.
// A full queue drops the event; local viewers already have it.
func (r *Relay) Forward(ev contracts.BoardEvent) {
	if isPresence(ev.Type) || ev.BoardID == "" {
		return
	}
	if ev.Origin == "" {
		ev.Origin = r.Origin
	}
	select {
	case r.queue <- ev:
	default:
		r.count(r.forwarded(), "dropped")
		r.Log.WithFields(logrus.Fields{"event_id": ev.EventID, "board_id": ev.BoardID}).Warn("relay queue full, dropping board event")
	}
}

// Pending reports how many events wait to be published.
func (r *Relay) Pending() int {
	return len(r.queue)
}

func (r *Relay) publish(ev contracts.BoardEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		r.count(r.forwarded(), "error")
		r.Log.WithError(err).WithField("event_id", ev.EventID).Error("encode board event")
		return
	}
	if _, err := r.JS.Publish(sharding.EventSubject("board", ev.BoardID), data, nats.MsgId(ev.EventID)); err != nil {
		r.count(r.forwarded(), "error")
		r.Log.WithError(err).WithFields(logrus.Fields{"event_id": ev.EventID, "board_id": ev.BoardID}).Warn("publish board event")
		return
	}
	r.count(r.forwarded(), "ok")
}

// Run subscribes to every board subject and publishes queued events until
// ctx ends. Events still queued at that point are flushed before it returns.
func (r *Relay) Run(ctx context.Context) error {
	sub, err := r.JS.Subscribe(messaging.BoardEventSubjects, r.handle, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", messaging.BoardEventSubjects, err)
	}
	r.Log.WithField("origin", r.Origin).Info("board event relay started")
	for {
		select {
		case <-ctx.Done():
			_ = sub.Unsubscribe()
			r.flush()
			return nil
		case ev := <-r.queue:
			r.publish(ev)
		}
	}
}

func (r *Relay) flush() {
	for {
		select {
		case ev := <-r.queue:
			r.publish(ev)
		default:
			return
		}
	}
}

func (r *Relay) handle(msg *nats.Msg) {
	var ev contracts.BoardEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		r.count(r.received(), "malformed")
		r.Log.WithError(err).WithField("subject", msg.Subject).Warn("drop malformed board event")
		return
	}
	if ev.Origin == r.Origin {
		r.count(r.received(), "own")
		return
	}
	if ev.BoardID == "" || isPresence(ev.Type) {
		r.count(r.received(), "ignored")
		return
	}
	r.Local.Publish(ev.BoardID, ev)
	r.count(r.received(), "ok")
}

func (r *Relay) forwarded() *metrics.CounterVec {
	if r.Metrics == nil {
		return nil
	}
	return r.Metrics.Forwarded
}

func (r *Relay) received() *metrics.CounterVec {
	if r.Metrics == nil {
		return nil
	}
	return r.Metrics.Received
}

func (r *Relay) count(vec *metrics.CounterVec, outcome string) {
	if vec != nil {
		vec.WithLabelValues(outcome).Inc()
	}
}

func isPresence(eventType string) bool {
	return strings.HasPrefix(eventType, "presence.")
}
