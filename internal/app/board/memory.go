package board

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/todo-1m/taskboard/internal/app/ordering"
)

// MemoryStore keeps boards in process memory. Atomic holds the store mutex for
// the whole callback and rolls back through an undo log on error, so readers
// never observe a half-applied shift.
type MemoryStore struct {
	mu       sync.Mutex
	boards   map[string]Board
	members  map[string]map[string]string
	lists    map[string]List
	tasks    map[string]Task
	activity map[string][]Activity
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		boards:   map[string]Board{},
		members:  map[string]map[string]string{},
		lists:    map[string]List{},
		tasks:    map[string]Task{},
		activity: map[string][]Activity{},
	}
}

func (s *MemoryStore) EnsureSchema(context.Context) error { return nil }

func (s *MemoryStore) Atomic(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

func (s *MemoryStore) Board(_ context.Context, boardID string) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.boards[boardID]
	if !ok {
		return View{}, ErrNotFound
	}
	view := View{Board: b, Lists: []ListView{}}
	byList := map[string][]Task{}
	for _, t := range s.tasks {
		if t.BoardID == boardID {
			byList[t.ListID] = append(byList[t.ListID], cloneTask(t))
		}
	}
	for _, l := range s.lists {
		if l.BoardID != boardID {
			continue
		}
		tasks := byList[l.ID]
		if tasks == nil {
			tasks = []Task{}
		}
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].Order < tasks[j].Order })
		view.Lists = append(view.Lists, ListView{List: l, Tasks: tasks})
	}
	sort.Slice(view.Lists, func(i, j int) bool { return view.Lists[i].Order < view.Lists[j].Order })
	return view, nil
}

func (s *MemoryStore) List(_ context.Context, listID string) (List, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[listID]
	if !ok {
		return List{}, ErrNotFound
	}
	return l, nil
}

func (s *MemoryStore) Task(_ context.Context, taskID string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	return cloneTask(t), nil
}

func (s *MemoryStore) IsMember(_ context.Context, boardID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[boardID][userID]
	return ok, nil
}

func (s *MemoryStore) ListActivity(_ context.Context, boardID string, limit, offset int) ([]Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.activity[boardID]
	out := make([]Activity, 0, limit)
	for i := len(all) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *MemoryStore) BoardsForUser(_ context.Context, userID string) ([]Board, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Board{}
	for id, b := range s.boards {
		if _, member := s.members[id][userID]; member || b.OwnerID == userID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) SearchTasks(_ context.Context, q TaskQuery) ([]Task, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	needle := strings.ToLower(q.Search)
	var matched []Task
	for _, t := range s.tasks {
		if q.MemberID != "" {
			if _, ok := s.members[t.BoardID][q.MemberID]; !ok {
				continue
			}
		}
		if q.BoardID != "" && t.BoardID != q.BoardID {
			continue
		}
		if q.ListID != "" && t.ListID != q.ListID {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(t.Title), needle) {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Order != matched[j].Order {
			return matched[i].Order < matched[j].Order
		}
		return matched[i].ID < matched[j].ID
	})
	out := []Task{}
	for i := q.Offset; i < len(matched) && len(out) < q.Limit; i++ {
		out = append(out, cloneTask(matched[i]))
	}
	return out, len(matched), nil
}

func (s *MemoryStore) Totals(context.Context) (Totals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := map[string]struct{}{}
	for _, members := range s.members {
		for id := range members {
			users[id] = struct{}{}
		}
	}
	t := Totals{Boards: len(s.boards), Lists: len(s.lists), Tasks: len(s.tasks), Users: len(users)}
	for _, a := range s.activity {
		t.Activities += len(a)
	}
	return t, nil
}

type memTx struct {
	s    *MemoryStore
	undo []func()
}

func (tx *memTx) GetBoard(_ context.Context, boardID string) (Board, error) {
	b, ok := tx.s.boards[boardID]
	if !ok {
		return Board{}, ErrNotFound
	}
	return b, nil
}

func (tx *memTx) GetList(_ context.Context, listID string) (List, error) {
	l, ok := tx.s.lists[listID]
	if !ok {
		return List{}, ErrNotFound
	}
	return l, nil
}

func (tx *memTx) GetTask(_ context.Context, taskID string) (Task, error) {
	t, ok := tx.s.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	return cloneTask(t), nil
}

func (tx *memTx) LoadLists(_ context.Context, boardID string) ([]ordering.Item, error) {
	if _, ok := tx.s.boards[boardID]; !ok {
		return nil, ErrNotFound
	}
	var items []ordering.Item
	for _, l := range tx.s.lists {
		if l.BoardID == boardID {
			items = append(items, ordering.Item{ID: l.ID, Order: l.Order})
		}
	}
	ordering.Sort(items)
	return items, nil
}

func (tx *memTx) LoadTasks(_ context.Context, listID string) ([]ordering.Item, error) {
	if _, ok := tx.s.lists[listID]; !ok {
		return nil, ErrNotFound
	}
	var items []ordering.Item
	for _, t := range tx.s.tasks {
		if t.ListID == listID {
			items = append(items, ordering.Item{ID: t.ID, Order: t.Order})
		}
	}
	ordering.Sort(items)
	return items, nil
}

func (tx *memTx) ApplyShift(_ context.Context, kind Kind, parentID string, r ordering.Range, delta int) error {
	switch kind {
	case KindTask:
		for id, t := range tx.s.tasks {
			if t.ListID == parentID && r.Contains(t.Order) {
				t.Order += delta
				tx.putTask(id, t)
			}
		}
	case KindList:
		for id, l := range tx.s.lists {
			if l.BoardID == parentID && r.Contains(l.Order) {
				l.Order += delta
				tx.putList(id, l)
			}
		}
	}
	return nil
}

func (tx *memTx) SetPosition(_ context.Context, kind Kind, itemID, parentID string, order int) error {
	switch kind {
	case KindTask:
		t, ok := tx.s.tasks[itemID]
		if !ok {
			return ErrNotFound
		}
		t.ListID = parentID
		t.Order = order
		tx.putTask(itemID, t)
	case KindList:
		l, ok := tx.s.lists[itemID]
		if !ok {
			return ErrNotFound
		}
		l.BoardID = parentID
		l.Order = order
		tx.putList(itemID, l)
	}
	return nil
}

func (tx *memTx) InsertBoard(_ context.Context, b Board) error {
	prev, had := tx.s.boards[b.ID]
	tx.s.boards[b.ID] = b
	tx.undo = append(tx.undo, func() {
		if had {
			tx.s.boards[b.ID] = prev
		} else {
			delete(tx.s.boards, b.ID)
		}
	})
	return nil
}

func (tx *memTx) UpsertMember(_ context.Context, m Member) error {
	members := tx.s.members[m.BoardID]
	if members == nil {
		members = map[string]string{}
		tx.s.members[m.BoardID] = members
	}
	prev, had := members[m.UserID]
	members[m.UserID] = m.Role
	tx.undo = append(tx.undo, func() {
		if had {
			members[m.UserID] = prev
		} else {
			delete(members, m.UserID)
		}
	})
	return nil
}

func (tx *memTx) InsertList(_ context.Context, l List) error {
	if _, ok := tx.s.boards[l.BoardID]; !ok {
		return ErrNotFound
	}
	tx.putList(l.ID, l)
	return nil
}

func (tx *memTx) UpdateList(_ context.Context, l List) error {
	if _, ok := tx.s.lists[l.ID]; !ok {
		return ErrNotFound
	}
	tx.putList(l.ID, l)
	return nil
}

func (tx *memTx) DeleteList(_ context.Context, listID string) error {
	if _, ok := tx.s.lists[listID]; !ok {
		return ErrNotFound
	}
	for id, t := range tx.s.tasks {
		if t.ListID == listID {
			tx.removeTask(id)
		}
	}
	prev := tx.s.lists[listID]
	delete(tx.s.lists, listID)
	tx.undo = append(tx.undo, func() { tx.s.lists[listID] = prev })
	return nil
}

func (tx *memTx) InsertTask(_ context.Context, t Task) error {
	if _, ok := tx.s.lists[t.ListID]; !ok {
		return ErrNotFound
	}
	tx.putTask(t.ID, cloneTask(t))
	return nil
}

func (tx *memTx) UpdateTask(_ context.Context, t Task) error {
	if _, ok := tx.s.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	tx.putTask(t.ID, cloneTask(t))
	return nil
}

func (tx *memTx) DeleteTask(_ context.Context, taskID string) error {
	if _, ok := tx.s.tasks[taskID]; !ok {
		return ErrNotFound
	}
	tx.removeTask(taskID)
	return nil
}

func (tx *memTx) RecordActivity(_ context.Context, a Activity) error {
	tx.s.activity[a.BoardID] = append(tx.s.activity[a.BoardID], a)
	n := len(tx.s.activity[a.BoardID]) - 1
	tx.undo = append(tx.undo, func() {
		tx.s.activity[a.BoardID] = tx.s.activity[a.BoardID][:n]
	})
	return nil
}

func (tx *memTx) putTask(id string, t Task) {
	prev, had := tx.s.tasks[id]
	tx.s.tasks[id] = t
	tx.undo = append(tx.undo, func() {
		if had {
			tx.s.tasks[id] = prev
		} else {
			delete(tx.s.tasks, id)
		}
	})
}

func (tx *memTx) removeTask(id string) {
	prev := tx.s.tasks[id]
	delete(tx.s.tasks, id)
	tx.undo = append(tx.undo, func() { tx.s.tasks[id] = prev })
}

func (tx *memTx) putList(id string, l List) {
	prev, had := tx.s.lists[id]
	tx.s.lists[id] = l
	tx.undo = append(tx.undo, func() {
		if had {
			tx.s.lists[id] = prev
		} else {
			delete(tx.s.lists, id)
		}
	})
}

func cloneTask(t Task) Task {
	t.Assignees = append([]string{}, t.Assignees...)
	return t
}
