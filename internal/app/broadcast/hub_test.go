package broadcast

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/todo-1m/taskboard/internal/contracts"
	"github.com/todo-1m/taskboard/internal/platform/logging"
	"github.com/todo-1m/taskboard/internal/platform/metrics"
)

func newTestHub(size int) *Hub {
	h := NewHub(size, logging.Discard())
	h.Metrics = NewMetrics(metrics.NewRegistry())
	return h
}

func event(board string, n int) contracts.BoardEvent {
	return contracts.BoardEvent{EventID: fmt.Sprintf("e%d", n), BoardID: board, Type: contracts.EventTaskMoved}
}

func drain(c *Conn) []string {
	var ids []string
	for {
		select {
		case ev := <-c.Outbox():
			ids = append(ids, ev.EventID)
		default:
			return ids
		}
	}
}

func TestHub_PublishReachesOnlyBoardMembers(t *testing.T) {
	h := newTestHub(8)
	a := h.Register("a")
	b := h.Register("b")
	c := h.Register("c")
	require.NoError(t, h.Subscribe("a", "X"))
	require.NoError(t, h.Subscribe("b", "X"))
	require.NoError(t, h.Subscribe("c", "Y"))

	assert.Equal(t, 2, h.Publish("X", event("X", 1)))
	assert.Equal(t, []string{"e1"}, drain(a))
	assert.Equal(t, []string{"e1"}, drain(b))
	assert.Empty(t, drain(c))
	assert.Equal(t, []string{"a", "b"}, h.Members("X"))
	assert.Equal(t, float64(2), h.Metrics.Delivered.WithLabelValues(contracts.EventTaskMoved).Value())
}

func TestHub_SubscribeMovesMembership(t *testing.T) {
	h := newTestHub(8)
	a := h.Register("a")
	require.NoError(t, h.Subscribe("a", "X"))
	require.NoError(t, h.Subscribe("a", "Y"))

	assert.Empty(t, h.Members("X"))
	assert.Equal(t, []string{"a"}, h.Members("Y"))
	assert.Zero(t, h.Publish("X", event("X", 1)))
	h.Publish("Y", event("Y", 2))
	assert.Equal(t, []string{"e2"}, drain(a))

	assert.ErrorIs(t, h.Subscribe("ghost", "X"), ErrUnknownConn)
}

func TestHub_UnsubscribeNonMemberIsNoop(t *testing.T) {
	h := newTestHub(8)
	h.Register("a")
	require.NoError(t, h.Subscribe("a", "X"))

	h.Unsubscribe("a", "Y")
	h.Unsubscribe("ghost", "X")
	assert.Equal(t, []string{"a"}, h.Members("X"))

	h.Unsubscribe("a", "X")
	assert.Empty(t, h.Members("X"))
}

func TestHub_OverflowEvictsConnection(t *testing.T) {
	h := newTestHub(2)
	slow := h.Register("slow")
	fast := h.Register("fast")
	require.NoError(t, h.Subscribe("slow", "X"))
	require.NoError(t, h.Subscribe("fast", "X"))

	for i := 1; i <= 3; i++ {
		h.Publish("X", event("X", i))
		drain(fast)
	}

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow connection was not closed")
	}
	assert.ErrorIs(t, slow.Err(), ErrSlowConsumer)
	assert.Equal(t, []string{"fast"}, h.Members("X"))
	assert.Equal(t, float64(1), h.Metrics.Evicted.WithLabelValues().Value())
	assert.Equal(t, float64(1), h.Metrics.Connections.Value())

	// Events already queued before the overflow are still readable.
	assert.Equal(t, []string{"e1", "e2"}, drain(slow))
}

func TestHub_SendAndRemove(t *testing.T) {
	h := newTestHub(4)
	a := h.Register("a")
	require.NoError(t, h.Send("a", event("X", 1)))
	assert.Equal(t, []string{"e1"}, drain(a))

	require.NoError(t, h.Subscribe("a", "X"))
	h.Remove("a")
	assert.ErrorIs(t, a.Err(), ErrClosed)
	assert.Empty(t, h.Members("X"))
	assert.ErrorIs(t, h.Send("a", event("X", 2)), ErrUnknownConn)
	h.Remove("a")
}

func TestHub_PerBoardFIFOAcrossSubscribers(t *testing.T) {
	h := newTestHub(1024)
	conns := make([]*Conn, 5)
	for i := range conns {
		conns[i] = h.Register(fmt.Sprintf("c%d", i))
		require.NoError(t, h.Subscribe(conns[i].ID, "X"))
	}

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h.Publish("X", event("X", p*1000+i))
			}
		}(p)
	}
	wg.Wait()

	reference := drain(conns[0])
	require.Len(t, reference, 400)
	for _, c := range conns[1:] {
		assert.Equal(t, reference, drain(c))
	}
}
