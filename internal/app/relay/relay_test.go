package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/todo-1m/taskboard/internal/app/board"
	"github.com/todo-1m/taskboard/internal/app/ordering"
	"github.com/todo-1m/taskboard/internal/contracts"
	"github.com/todo-1m/taskboard/internal/platform/logging"
	"github.com/todo-1m/taskboard/internal/platform/metrics"
)

type published struct {
	subject string
	data    []byte
}

type fakeJetStream struct {
	mu         sync.Mutex
	published  []published
	publishErr error
	subErr     error
	// ack, when set, holds every Publish until it is closed.
	ack chan struct{}
}

func (f *fakeJetStream) Publish(subj string, data []byte, _ ...nats.PubOpt) (*nats.PubAck, error) {
	if f.ack != nil {
		<-f.ack
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.published = append(f.published, published{subject: subj, data: data})
	return &nats.PubAck{Stream: "BOARD_EVENTS"}, nil
}

func (f *fakeJetStream) subjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.published))
	for i, p := range f.published {
		out[i] = p.subject
	}
	return out
}

func (f *fakeJetStream) Subscribe(string, nats.MsgHandler, ...nats.SubOpt) (*nats.Subscription, error) {
	return nil, f.subErr
}

type localHub struct {
	events []contracts.BoardEvent
}

func (h *localHub) Publish(_ string, ev contracts.BoardEvent) int {
	h.events = append(h.events, ev)
	return 1
}

func newTestRelay(js *fakeJetStream, hub *localHub) *Relay {
	r := New(js, hub, "instance-a", logging.Discard())
	r.Metrics = NewMetrics(metrics.NewRegistry())
	return r
}

func TestRelay_ForwardPublishesToBoardSubject(t *testing.T) {
	js := &fakeJetStream{}
	r := newTestRelay(js, &localHub{})

	r.Forward(contracts.BoardEvent{EventID: "e1", BoardID: "user-1", Type: contracts.EventTaskMoved})
	r.Forward(contracts.BoardEvent{EventID: "e2", BoardID: "user-1", Type: contracts.EventPresenceJoined})
	assert.Empty(t, js.published)
	assert.Equal(t, 1, r.Pending())
	r.flush()

	require.Len(t, js.published, 1)
	assert.Equal(t, "app.event.532.board.user-1", js.published[0].subject)
	var ev contracts.BoardEvent
	require.NoError(t, json.Unmarshal(js.published[0].data, &ev))
	assert.Equal(t, "instance-a", ev.Origin)
	assert.Equal(t, float64(1), r.Metrics.Forwarded.WithLabelValues("ok").Value())
}

func TestRelay_ForwardFailureIsCounted(t *testing.T) {
	js := &fakeJetStream{publishErr: errors.New("no responders")}
	r := newTestRelay(js, &localHub{})
	r.Forward(contracts.BoardEvent{EventID: "e1", BoardID: "b1", Type: contracts.EventTaskCreated})
	r.flush()
	assert.Equal(t, float64(1), r.Metrics.Forwarded.WithLabelValues("error").Value())
}

func TestRelay_ForwardDropsWhenQueueIsFull(t *testing.T) {
	js := &fakeJetStream{}
	r := NewWithQueue(js, &localHub{}, "instance-a", 2, logging.Discard())
	r.Metrics = NewMetrics(metrics.NewRegistry())
	for _, id := range []string{"e1", "e2", "e3"} {
		r.Forward(contracts.BoardEvent{EventID: id, BoardID: "b1", Type: contracts.EventTaskUpdated})
	}
	assert.Equal(t, 2, r.Pending())
	assert.Equal(t, float64(1), r.Metrics.Forwarded.WithLabelValues("dropped").Value())
}

func TestRelay_RunPublishesInOrderAndFlushesOnStop(t *testing.T) {
	js := &fakeJetStream{}
	r := newTestRelay(js, &localHub{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	r.Forward(contracts.BoardEvent{EventID: "e1", BoardID: "b1", Type: contracts.EventTaskCreated})
	r.Forward(contracts.BoardEvent{EventID: "e2", BoardID: "b2", Type: contracts.EventTaskCreated})
	r.Forward(contracts.BoardEvent{EventID: "e3", BoardID: "b1", Type: contracts.EventTaskMoved})
	cancel()
	require.NoError(t, <-done)

	assert.Len(t, js.subjects(), 3)
	assert.Zero(t, r.Pending())
	var order []string
	for _, p := range js.published {
		var ev contracts.BoardEvent
		require.NoError(t, json.Unmarshal(p.data, &ev))
		order = append(order, ev.EventID)
	}
	assert.Equal(t, []string{"e1", "e2", "e3"}, order)
}

func TestRelay_SlowAckDoesNotHoldListLock(t *testing.T) {
	js := &fakeJetStream{ack: make(chan struct{})}
	r := newTestRelay(js, &localHub{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	engine := board.NewEngine(board.NewMemoryStore(), ordering.NewSerializer(), r.Forward, logging.Discard())
	actor := board.Actor{UserID: "u1", Name: "Ann"}
	b, err := engine.CreateBoard(ctx, actor, "B")
	require.NoError(t, err)
	l, err := engine.CreateList(ctx, actor, b.ID, "Todo")
	require.NoError(t, err)
	var ids []string
	for _, title := range []string{"a", "b", "c"} {
		task, err := engine.CreateTask(ctx, actor, l.ID, board.TaskInput{Title: title})
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	moved := make(chan error, 1)
	go func() {
		if _, err := engine.MoveTask(ctx, actor, ids[0], l.ID, l.ID, 2); err != nil {
			moved <- err
			return
		}
		_, err := engine.MoveTask(ctx, actor, ids[1], l.ID, l.ID, 2)
		moved <- err
	}()
	select {
	case err := <-moved:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("moves waited for a JetStream ack")
	}
	assert.Empty(t, js.subjects())

	close(js.ack)
	cancel()
	require.NoError(t, <-done)
	assert.Len(t, js.subjects(), 6)
}

func TestRelay_HandleRepublishesForeignEvents(t *testing.T) {
	hub := &localHub{}
	r := newTestRelay(&fakeJetStream{}, hub)

	msg := func(ev contracts.BoardEvent) *nats.Msg {
		data, err := json.Marshal(ev)
		require.NoError(t, err)
		return &nats.Msg{Subject: "app.event.1.board.b1", Data: data}
	}
	r.handle(msg(contracts.BoardEvent{EventID: "mine", BoardID: "b1", Type: contracts.EventTaskCreated, Origin: "instance-a"}))
	r.handle(msg(contracts.BoardEvent{EventID: "theirs", BoardID: "b1", Type: contracts.EventTaskCreated, Origin: "instance-b"}))
	r.handle(msg(contracts.BoardEvent{EventID: "presence", BoardID: "b1", Type: contracts.EventPresenceLeft, Origin: "instance-b"}))
	r.handle(&nats.Msg{Subject: "app.event.1.board.b1", Data: []byte("nope")})

	require.Len(t, hub.events, 1)
	assert.Equal(t, "theirs", hub.events[0].EventID)
	assert.Equal(t, float64(1), r.Metrics.Received.WithLabelValues("own").Value())
	assert.Equal(t, float64(1), r.Metrics.Received.WithLabelValues("ignored").Value())
	assert.Equal(t, float64(1), r.Metrics.Received.WithLabelValues("malformed").Value())
}

func TestRelay_RunReportsSubscribeError(t *testing.T) {
	r := newTestRelay(&fakeJetStream{subErr: nats.ErrConnectionClosed}, &localHub{})
	err := r.Run(context.Background())
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
}
