package contracts

import (
	"encoding/json"
	"time"
)

// Event types carried on board streams.
const (
	EventTaskCreated = "task.created"
	EventTaskUpdated = "task.updated"
	EventTaskDeleted = "task.deleted"
	EventTaskMoved   = "task.moved"

	EventListCreated = "list.created"
	EventListUpdated = "list.updated"
	EventListDeleted = "list.deleted"
	EventListMoved   = "list.moved"

	EventPresenceJoined   = "presence.joined"
	EventPresenceLeft     = "presence.left"
	EventPresenceSnapshot = "presence.snapshot"

	EventError = "error"
)

// Client frame types accepted on the realtime socket.
const (
	FrameJoinBoard  = "join_board"
	FrameLeaveBoard = "leave_board"
)

// BoardEvent is the envelope every board subscriber receives. Origin names the
// instance that produced it so relays can drop their own echoes.
type BoardEvent struct {
	EventID     string          `json:"event_id"`
	BoardID     string          `json:"board_id"`
	Type        string          `json:"type"`
	ActorUserID string          `json:"actor_user_id,omitempty"`
	ActorName   string          `json:"actor_name,omitempty"`
	Origin      string          `json:"origin,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// ClientFrame is a message sent by a realtime client.
type ClientFrame struct {
	Type    string `json:"type"`
	BoardID string `json:"board_id"`
}

// UserDescriptor is the lightweight identity shown in presence views.
type UserDescriptor struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// PresencePayload is the body of presence.joined and presence.left.
type PresencePayload struct {
	User UserDescriptor `json:"user"`
}

// SnapshotPayload is the body of presence.snapshot.
type SnapshotPayload struct {
	Users []UserDescriptor `json:"users"`
}

// ErrorPayload is the body of an error frame.
type ErrorPayload struct {
	Message string `json:"message"`
}

// SiblingOrder reports one sibling whose order changed as part of a move.
type SiblingOrder struct {
	ID    string `json:"id"`
	Order int    `json:"order"`
}

// MovePayload is the body of task.moved and list.moved.
type MovePayload struct {
	ID           string          `json:"id"`
	FromParentID string          `json:"from_parent_id"`
	ToParentID   string          `json:"to_parent_id"`
	FromOrder    int             `json:"from_order"`
	ToOrder      int             `json:"to_order"`
	Affected     []SiblingOrder  `json:"affected,omitempty"`
	Item         json.RawMessage `json:"item,omitempty"`
}

// DeletePayload is the body of task.deleted and list.deleted.
type DeletePayload struct {
	ID       string         `json:"id"`
	ParentID string         `json:"parent_id"`
	Affected []SiblingOrder `json:"affected,omitempty"`
}
