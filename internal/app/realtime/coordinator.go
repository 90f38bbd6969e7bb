package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"github.com/sirupsen/logrus"
	"github.com/todo-1m/taskboard/internal/app/broadcast"
	"github.com/todo-1m/taskboard/internal/app/ordering"
	"github.com/todo-1m/taskboard/internal/app/presence"
	"github.com/todo-1m/taskboard/internal/contracts"
)

var (
	ErrBoardRequired = errors.New("board_id is required")
	ErrUserRequired  = errors.New("user id is required")
)

// Coordinator applies connection lifecycle transitions. Each transition holds
// the presence key of every board it touches, so the registry update, the
// subscription change and the emitted presence events are atomic per board.
type Coordinator struct {
	Presence   *presence.Registry
	Hub        *broadcast.Hub
	Locks      *ordering.Serializer
	Log        logrus.FieldLogger
	Origin     string
	Now        func() time.Time
	NewEventID func() string
}

func NewCoordinator(reg *presence.Registry, hub *broadcast.Hub, locks *ordering.Serializer, log logrus.FieldLogger) *Coordinator {
	if locks == nil {
		locks = ordering.NewSerializer()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Coordinator{
		Presence:   reg,
		Hub:        hub,
		Locks:      locks,
		Log:        log,
		Now:        func() time.Time { return time.Now().UTC() },
		NewEventID: nuid.Next,
	}
}

// JoinBoard joins connID to boardID, leaving its previous board first.
func (c *Coordinator) JoinBoard(ctx context.Context, connID string, user presence.User, boardID string) error {
	boardID = strings.TrimSpace(boardID)
	if boardID == "" {
		return ErrBoardRequired
	}
	if strings.TrimSpace(user.ID) == "" {
		return ErrUserRequired
	}

	for {
		prev, _ := c.Presence.BoardOf(connID)
		unlock, err := c.Locks.LockContext(ctx, presenceKeys(prev, boardID)...)
		if err != nil {
			return err
		}
		if now, _ := c.Presence.BoardOf(connID); now != prev {
			unlock()
			continue
		}

		res := c.Presence.Join(connID, user, boardID)
		if res.Already {
			err = c.sendSnapshot(connID, boardID, res.Snapshot)
			unlock()
			return err
		}
		if res.Left != nil {
			c.Hub.Unsubscribe(connID, res.Left.BoardID)
			c.departed(*res.Left)
		}
		// Published before the subscribe: viewers already on the board get
		// presence.joined, the joiner gets the snapshot that includes itself.
		if res.First {
			c.publish(boardID, contracts.EventPresenceJoined, user, contracts.PresencePayload{User: res.User})
		}
		if err := c.Hub.Subscribe(connID, boardID); err != nil {
			// The transport registers before joining; an unknown connection
			// means it already closed.
			if dep, ok := c.Presence.Close(connID); ok {
				c.departed(dep)
			}
			unlock()
			return err
		}
		err = c.sendSnapshot(connID, boardID, res.Snapshot)
		unlock()
		c.Log.WithFields(logrus.Fields{"conn_id": connID, "board_id": boardID, "user_id": user.ID, "first": res.First}).Debug("joined board")
		return err
	}
}

// LeaveBoard detaches connID from boardID. Leaving a board the connection is
// not joined to does nothing.
func (c *Coordinator) LeaveBoard(ctx context.Context, connID, boardID string) error {
	boardID = strings.TrimSpace(boardID)
	if boardID == "" {
		return ErrBoardRequired
	}
	unlock, err := c.Locks.LockContext(ctx, ordering.PresenceKey(boardID))
	if err != nil {
		return err
	}
	defer unlock()

	dep, ok := c.Presence.Leave(connID, boardID)
	if !ok {
		return nil
	}
	c.Hub.Unsubscribe(connID, boardID)
	c.departed(dep)
	return nil
}

// OnConnectionClosed runs the leave sequence for whatever board connID was on
// and releases its outbox.
func (c *Coordinator) OnConnectionClosed(connID string) {
	for {
		boardID, joined := c.Presence.BoardOf(connID)
		unlock := c.Locks.Lock(presenceKeys(boardID)...)
		if now, _ := c.Presence.BoardOf(connID); now != boardID {
			unlock()
			continue
		}
		dep, ok := c.Presence.Close(connID)
		c.Hub.Remove(connID)
		if joined && ok {
			c.departed(dep)
		}
		unlock()
		return
	}
}

// departed announces a departure. Only the user's last connection produces
// presence.left; the refreshed snapshot follows it.
func (c *Coordinator) departed(dep presence.Departure) {
	if !dep.Last {
		return
	}
	c.publish(dep.BoardID, contracts.EventPresenceLeft, dep.User, contracts.PresencePayload{User: dep.User})
	c.publish(dep.BoardID, contracts.EventPresenceSnapshot, dep.User,
		contracts.SnapshotPayload{Users: c.Presence.Snapshot(dep.BoardID)})
	c.Log.WithFields(logrus.Fields{"board_id": dep.BoardID, "user_id": dep.User.ID}).Debug("user left board")
}

func (c *Coordinator) sendSnapshot(connID, boardID string, users []presence.User) error {
	ev, err := c.event(boardID, contracts.EventPresenceSnapshot, presence.User{}, contracts.SnapshotPayload{Users: users})
	if err != nil {
		return err
	}
	return c.Hub.Send(connID, ev)
}

func (c *Coordinator) publish(boardID, eventType string, actor presence.User, payload any) {
	ev, err := c.event(boardID, eventType, actor, payload)
	if err != nil {
		c.Log.WithError(err).WithField("type", eventType).Error("build presence event")
		return
	}
	c.Hub.Publish(boardID, ev)
}

func (c *Coordinator) event(boardID, eventType string, actor presence.User, payload any) (contracts.BoardEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return contracts.BoardEvent{}, err
	}
	return contracts.BoardEvent{
		EventID:     c.NewEventID(),
		BoardID:     boardID,
		Type:        eventType,
		ActorUserID: actor.ID,
		ActorName:   actor.Name,
		Origin:      c.Origin,
		Payload:     raw,
		OccurredAt:  c.Now(),
	}, nil
}

func presenceKeys(boardIDs ...string) []string {
	keys := make([]string, 0, len(boardIDs))
	for _, id := range boardIDs {
		if id != "" {
			keys = append(keys, ordering.PresenceKey(id))
		}
	}
	return keys
}
