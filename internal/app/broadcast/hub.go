package broadcast

import (
	"errors"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/todo-1m/taskboard/internal/contracts"
	"github.com/todo-1m/taskboard/internal/platform/metrics"
)

const DefaultOutboxSize = 256

var (
	ErrUnknownConn  = errors.New("unknown connection")
	ErrSlowConsumer = errors.New("outbox overflow")
	ErrClosed       = errors.New("connection closed")
)

// Conn is one registered realtime connection. The transport drains Outbox
// until Done is closed.
type Conn struct {
	ID string

	out       chan contracts.BoardEvent
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
	boardID   string
}

func (c *Conn) Outbox() <-chan contracts.BoardEvent { return c.out }
func (c *Conn) Done() <-chan struct{}               { return c.done }

// Err reports why the connection was closed, nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) close(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = reason
		c.mu.Unlock()
		close(c.done)
	})
}

// offer enqueues without blocking. A full outbox closes the connection: a
// consumer that cannot keep up is disconnected instead of missing events.
func (c *Conn) offer(ev contracts.BoardEvent) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- ev:
		return true
	default:
		c.close(ErrSlowConsumer)
		return false
	}
}

type group struct {
	mu      sync.Mutex
	members map[string]*Conn
}

type Metrics struct {
	Delivered   *metrics.CounterVec
	Evicted     *metrics.CounterVec
	Connections *metrics.Gauge
}

func NewMetrics(reg *metrics.Registry) *Metrics {
	m := &Metrics{
		Delivered: metrics.NewCounterVec(metrics.Opts{
			Name: "taskboard_broadcast_delivered_total",
			Help: "Events enqueued to connection outboxes.",
		}, []string{"type"}),
		Evicted: metrics.NewCounterVec(metrics.Opts{
			Name: "taskboard_broadcast_evicted_total",
			Help: "Connections closed because their outbox overflowed.",
		}, nil),
		Connections: metrics.NewGauge(metrics.Opts{
			Name: "taskboard_broadcast_connections",
			Help: "Registered realtime connections.",
		}),
	}
	reg.MustRegister(m.Delivered, m.Evicted, m.Connections)
	return m
}

// Hub fans board events out to subscribed connections. Publishing to a board
// holds that board's lock for the whole fan-out, so every subscriber sees the
// board's events in the same order.
type Hub struct {
	OutboxSize int
	Log        logrus.FieldLogger
	Metrics    *Metrics

	mu     sync.Mutex
	conns  map[string]*Conn
	boards map[string]*group
}

func NewHub(outboxSize int, log logrus.FieldLogger) *Hub {
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		OutboxSize: outboxSize,
		Log:        log,
		conns:      map[string]*Conn{},
		boards:     map[string]*group{},
	}
}

// Register creates the outbox for a connection. Registering an id twice
// returns the existing connection.
func (h *Hub) Register(connID string) *Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[connID]; ok {
		return c
	}
	c := &Conn{
		ID:   connID,
		out:  make(chan contracts.BoardEvent, h.OutboxSize),
		done: make(chan struct{}),
	}
	h.conns[connID] = c
	if h.Metrics != nil {
		h.Metrics.Connections.Inc()
	}
	return c
}

// Subscribe moves a connection into boardID's group, leaving any other group.
func (h *Hub) Subscribe(connID, boardID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return ErrUnknownConn
	}
	if c.boardID == boardID {
		return nil
	}
	if c.boardID != "" {
		h.detachLocked(c)
	}
	g, ok := h.boards[boardID]
	if !ok {
		g = &group{members: map[string]*Conn{}}
		h.boards[boardID] = g
	}
	g.mu.Lock()
	g.members[connID] = c
	g.mu.Unlock()
	c.boardID = boardID
	return nil
}

// Unsubscribe removes connID from boardID's group; a connection that is not a
// member is left alone.
func (h *Hub) Unsubscribe(connID, boardID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok || c.boardID != boardID {
		return
	}
	h.detachLocked(c)
}

// Remove unsubscribes and closes a connection.
func (h *Hub) Remove(connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if ok {
		h.detachLocked(c)
		delete(h.conns, connID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	c.close(ErrClosed)
	if h.Metrics != nil {
		h.Metrics.Connections.Dec()
	}
}

// Publish delivers ev to every current subscriber of boardID and returns the
// number of outboxes it reached.
func (h *Hub) Publish(boardID string, ev contracts.BoardEvent) int {
	h.mu.Lock()
	g, ok := h.boards[boardID]
	h.mu.Unlock()
	if !ok {
		return 0
	}

	var evicted []string
	delivered := 0
	g.mu.Lock()
	for id, c := range g.members {
		if c.offer(ev) {
			delivered++
		} else {
			evicted = append(evicted, id)
		}
	}
	g.mu.Unlock()

	h.afterDelivery(ev.Type, delivered, evicted)
	return delivered
}

// Send delivers ev to a single connection.
func (h *Hub) Send(connID string, ev contracts.BoardEvent) error {
	h.mu.Lock()
	c, ok := h.conns[connID]
	h.mu.Unlock()
	if !ok {
		return ErrUnknownConn
	}
	if !c.offer(ev) {
		h.afterDelivery(ev.Type, 0, []string{connID})
		if err := c.Err(); err != nil {
			return err
		}
		return ErrClosed
	}
	h.afterDelivery(ev.Type, 1, nil)
	return nil
}

// Members lists the connection ids subscribed to boardID.
func (h *Hub) Members(boardID string) []string {
	h.mu.Lock()
	g, ok := h.boards[boardID]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	g.mu.Lock()
	out := make([]string, 0, len(g.members))
	for id := range g.members {
		out = append(out, id)
	}
	g.mu.Unlock()
	sort.Strings(out)
	return out
}

func (h *Hub) afterDelivery(eventType string, delivered int, evicted []string) {
	if h.Metrics != nil && delivered > 0 {
		h.Metrics.Delivered.WithLabelValues(eventType).Add(float64(delivered))
	}
	for _, id := range evicted {
		h.mu.Lock()
		c, ok := h.conns[id]
		h.mu.Unlock()
		if !ok || !errors.Is(c.Err(), ErrSlowConsumer) {
			continue
		}
		h.Log.WithField("conn_id", id).Warn("evicting slow realtime connection")
		if h.Metrics != nil {
			h.Metrics.Evicted.WithLabelValues().Inc()
		}
		h.Remove(id)
	}
}

func (h *Hub) detachLocked(c *Conn) {
	g, ok := h.boards[c.boardID]
	if ok {
		g.mu.Lock()
		delete(g.members, c.ID)
		empty := len(g.members) == 0
		g.mu.Unlock()
		if empty {
			delete(h.boards, c.boardID)
		}
	}
	c.boardID = ""
}

// CloseAll removes every connection, closing their outboxes.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.Remove(id)
	}
}
