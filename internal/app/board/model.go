package board

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrForbidden       = errors.New("not a member of this board")
	ErrTitleRequired   = errors.New("title is required")
	ErrNameRequired    = errors.New("name is required")
	ErrIDRequired      = errors.New("id is required")
	ErrUserRequired    = errors.New("user_id is required")
	ErrCrossBoardMove  = errors.New("cannot move between boards")
	ErrInvalidPosition = errors.New("invalid position")
)

// Kind names the two ordered collections: tasks inside a list and lists
// inside a board.
type Kind string

const (
	KindTask Kind = "task"
	KindList Kind = "list"
)

const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

type Board struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

type List struct {
	ID        string    `json:"id"`
	BoardID   string    `json:"board_id"`
	Title     string    `json:"title"`
	Order     int       `json:"order"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Task struct {
	ID          string    `json:"id"`
	ListID      string    `json:"list_id"`
	BoardID     string    `json:"board_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Order       int       `json:"order"`
	Assignees   []string  `json:"assignees"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Member struct {
	BoardID string `json:"board_id"`
	UserID  string `json:"user_id"`
	Role    string `json:"role"`
}

type Activity struct {
	ID          string    `json:"id"`
	BoardID     string    `json:"board_id"`
	ActorUserID string    `json:"actor_user_id"`
	ActorName   string    `json:"actor_name"`
	Action      string    `json:"action"`
	SubjectID   string    `json:"subject_id"`
	Detail      string    `json:"detail"`
	CreatedAt   time.Time `json:"created_at"`
}

// Activity actions.
const (
	ActionTaskCreated = "task_created"
	ActionTaskUpdated = "task_updated"
	ActionTaskDeleted = "task_deleted"
	ActionTaskMoved   = "task_moved"
	ActionListCreated = "list_created"
	ActionListUpdated = "list_updated"
	ActionListDeleted = "list_deleted"
	ActionListMoved   = "list_moved"
)

// View is a board with its lists and tasks, each ordered.
type View struct {
	Board
	Lists []ListView `json:"lists"`
}

type ListView struct {
	List
	Tasks []Task `json:"tasks"`
}

// TaskQuery filters a task search. MemberID limits results to boards the user
// belongs to; admins search with an empty MemberID.
type TaskQuery struct {
	MemberID string
	BoardID  string
	ListID   string
	Search   string
	Limit    int
	Offset   int
}

type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

type TaskPage struct {
	Tasks      []Task     `json:"tasks"`
	Pagination Pagination `json:"pagination"`
}

// Totals counts stored rows across every board. Users is the number of
// distinct users holding a membership.
type Totals struct {
	Boards     int `json:"boards"`
	Lists      int `json:"lists"`
	Tasks      int `json:"tasks"`
	Activities int `json:"activities"`
	Users      int `json:"users"`
}

type Actor struct {
	UserID string
	Name   string
}

// NormalizeAssignees trims, drops empties and de-duplicates while keeping the
// first occurrence order.
func NormalizeAssignees(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, a := range in {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
