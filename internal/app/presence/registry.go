package presence

import (
	"sort"
	"sync"

	"github.com/todo-1m/taskboard/internal/contracts"
)

type User = contracts.UserDescriptor

// Departure describes a connection leaving a board. Last is set when it was
// the user's final connection there, i.e. the user is no longer present.
type Departure struct {
	BoardID string
	User    User
	Last    bool
}

type JoinResult struct {
	// Left is set when the connection was moved off another board first.
	Left    *Departure
	BoardID string
	User    User
	// First is set when this connection made the user present on the board.
	First bool
	// Already is set when the connection was already joined to this board.
	Already  bool
	Snapshot []User
}

// UserPresence is one row of the cross-board presence view.
type UserPresence struct {
	User   User     `json:"user"`
	Boards []string `json:"boards"`
}

type Stats struct {
	Boards      int `json:"boards"`
	Users       int `json:"users"`
	Connections int `json:"connections"`
}

type entry struct {
	user  User
	conns map[string]struct{}
}

type binding struct {
	boardID string
	user    User
}

// Registry tracks which users are present on which boards. A (board, user)
// entry exists exactly while at least one connection of that user is joined
// to the board; each connection is joined to at most one board.
type Registry struct {
	mu     sync.Mutex
	boards map[string]map[string]*entry
	conns  map[string]binding
}

func NewRegistry() *Registry {
	return &Registry{
		boards: map[string]map[string]*entry{},
		conns:  map[string]binding{},
	}
}

func (r *Registry) Join(connID string, user User, boardID string) JoinResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := JoinResult{BoardID: boardID, User: user}
	if cur, ok := r.conns[connID]; ok {
		if cur.boardID == boardID {
			res.Already = true
			res.User = cur.user
			res.Snapshot = r.snapshotLocked(boardID)
			return res
		}
		dep := r.detachLocked(connID, cur)
		res.Left = &dep
	}

	users := r.boards[boardID]
	if users == nil {
		users = map[string]*entry{}
		r.boards[boardID] = users
	}
	e, ok := users[user.ID]
	if !ok {
		e = &entry{user: user, conns: map[string]struct{}{}}
		users[user.ID] = e
		res.First = true
	} else {
		e.user = user
	}
	e.conns[connID] = struct{}{}
	r.conns[connID] = binding{boardID: boardID, user: user}
	res.Snapshot = r.snapshotLocked(boardID)
	return res
}

// Leave detaches connID from boardID. It reports false when the connection is
// not joined to that board.
func (r *Registry) Leave(connID, boardID string) (Departure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[connID]
	if !ok || cur.boardID != boardID {
		return Departure{}, false
	}
	return r.detachLocked(connID, cur), true
}

// Close detaches connID from whatever board it is joined to.
func (r *Registry) Close(connID string) (Departure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[connID]
	if !ok {
		return Departure{}, false
	}
	return r.detachLocked(connID, cur), true
}

func (r *Registry) BoardOf(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[connID]
	return cur.boardID, ok
}

// Snapshot returns the distinct users present on a board, sorted by id.
func (r *Registry) Snapshot(boardID string) []User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(boardID)
}

func (r *Registry) All() map[string]UserPresence {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]UserPresence{}
	for boardID, users := range r.boards {
		for userID, e := range users {
			p := out[userID]
			p.User = e.user
			p.Boards = append(p.Boards, boardID)
			out[userID] = p
		}
	}
	for userID, p := range out {
		sort.Strings(p.Boards)
		out[userID] = p
	}
	return out
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := map[string]struct{}{}
	for _, byUser := range r.boards {
		for id := range byUser {
			users[id] = struct{}{}
		}
	}
	return Stats{Boards: len(r.boards), Users: len(users), Connections: len(r.conns)}
}

func (r *Registry) detachLocked(connID string, cur binding) Departure {
	delete(r.conns, connID)
	dep := Departure{BoardID: cur.boardID, User: cur.user}
	users := r.boards[cur.boardID]
	e, ok := users[cur.user.ID]
	if !ok {
		return dep
	}
	delete(e.conns, connID)
	dep.User = e.user
	if len(e.conns) == 0 {
		delete(users, cur.user.ID)
		dep.Last = true
		if len(users) == 0 {
			delete(r.boards, cur.boardID)
		}
	}
	return dep
}

func (r *Registry) snapshotLocked(boardID string) []User {
	users := r.boards[boardID]
	out := make([]User, 0, len(users))
	for _, e := range users {
		out = append(out, e.user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
