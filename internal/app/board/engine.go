package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nuid"
	"github.com/sirupsen/logrus"
	"github.com/todo-1m/taskboard/internal/app/ordering"
	"github.com/todo-1m/taskboard/internal/contracts"
	"github.com/todo-1m/taskboard/internal/platform/metrics"
)

const maxLockRetries = 3

// errParentChanged means the item left the locked parent between lookup and
// lock acquisition; the caller relocks and tries again.
var errParentChanged = errors.New("parent changed while waiting for lock")

// PublishFunc receives every committed board event, in commit order per parent.
type PublishFunc func(event contracts.BoardEvent)

type TaskInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Assignees   []string `json:"assignees"`
}

// TaskPatch carries optional edits; nil fields are left untouched.
type TaskPatch struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	Assignees   *[]string `json:"assignees"`
}

type Engine struct {
	Store      Store
	Locks      *ordering.Serializer
	Publish    PublishFunc
	Log        logrus.FieldLogger
	Metrics    *Metrics
	Origin     string
	Now        func() time.Time
	NewID      func() string
	NewEventID func() string
}

func NewEngine(store Store, locks *ordering.Serializer, publish PublishFunc, log logrus.FieldLogger) *Engine {
	if locks == nil {
		locks = ordering.NewSerializer()
	}
	return &Engine{
		Store:      store,
		Locks:      locks,
		Publish:    publish,
		Log:        log,
		Now:        func() time.Time { return time.Now().UTC() },
		NewID:      uuid.NewString,
		NewEventID: nuid.Next,
	}
}

type Metrics struct {
	Mutations   *metrics.CounterVec
	LockRetries *metrics.CounterVec
}

func NewMetrics(reg *metrics.Registry) *Metrics {
	m := &Metrics{
		Mutations: metrics.NewCounterVec(metrics.Opts{
			Name: "taskboard_mutations_total",
			Help: "Board mutations by operation and outcome.",
		}, []string{"op", "outcome"}),
		LockRetries: metrics.NewCounterVec(metrics.Opts{
			Name: "taskboard_lock_retries_total",
			Help: "Times a mutation relocked because its item changed parent.",
		}, []string{"op"}),
	}
	reg.MustRegister(m.Mutations, m.LockRetries)
	return m
}

func (e *Engine) CreateBoard(ctx context.Context, actor Actor, name string) (Board, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Board{}, ErrNameRequired
	}
	if strings.TrimSpace(actor.UserID) == "" {
		return Board{}, ErrUserRequired
	}
	b := Board{ID: e.NewID(), Name: name, OwnerID: actor.UserID, CreatedAt: e.Now()}
	err := e.Store.Atomic(ctx, func(tx Tx) error {
		if err := tx.InsertBoard(ctx, b); err != nil {
			return err
		}
		return tx.UpsertMember(ctx, Member{BoardID: b.ID, UserID: actor.UserID, Role: RoleOwner})
	})
	e.observe("create_board", err)
	if err != nil {
		return Board{}, fmt.Errorf("create board: %w", err)
	}
	return b, nil
}

func (e *Engine) AddMember(ctx context.Context, actor Actor, boardID, userID, role string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrUserRequired
	}
	if role = strings.TrimSpace(role); role == "" {
		role = RoleMember
	}
	ok, err := e.CanAccess(ctx, boardID, actor.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	err = e.Store.Atomic(ctx, func(tx Tx) error {
		if _, err := tx.GetBoard(ctx, boardID); err != nil {
			return err
		}
		return tx.UpsertMember(ctx, Member{BoardID: boardID, UserID: userID, Role: role})
	})
	e.observe("add_member", err)
	return err
}

func (e *Engine) CanAccess(ctx context.Context, boardID, userID string) (bool, error) {
	if strings.TrimSpace(boardID) == "" || strings.TrimSpace(userID) == "" {
		return false, nil
	}
	return e.Store.IsMember(ctx, boardID, userID)
}

func (e *Engine) GetBoard(ctx context.Context, boardID string) (View, error) {
	if strings.TrimSpace(boardID) == "" {
		return View{}, ErrIDRequired
	}
	return e.Store.Board(ctx, boardID)
}

func (e *Engine) Activity(ctx context.Context, boardID string, page, limit int) ([]Activity, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if page < 1 {
		page = 1
	}
	return e.Store.ListActivity(ctx, boardID, limit, (page-1)*limit)
}

// Boards lists the boards userID owns or belongs to, newest first.
func (e *Engine) Boards(ctx context.Context, userID string) ([]Board, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUserRequired
	}
	return e.Store.BoardsForUser(ctx, userID)
}

func (e *Engine) GetTask(ctx context.Context, taskID string) (Task, error) {
	if strings.TrimSpace(taskID) == "" {
		return Task{}, ErrIDRequired
	}
	return e.Store.Task(ctx, taskID)
}

// SearchTasks pages through tasks matching q. Limit and Offset on q are
// replaced by page and limit.
func (e *Engine) SearchTasks(ctx context.Context, q TaskQuery, page, limit int) (TaskPage, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	if page < 1 {
		page = 1
	}
	q.BoardID = strings.TrimSpace(q.BoardID)
	q.ListID = strings.TrimSpace(q.ListID)
	q.Search = strings.TrimSpace(q.Search)
	q.Limit = limit
	q.Offset = (page - 1) * limit
	tasks, total, err := e.Store.SearchTasks(ctx, q)
	if err != nil {
		return TaskPage{}, err
	}
	return TaskPage{
		Tasks: tasks,
		Pagination: Pagination{
			Page:  page,
			Limit: limit,
			Total: total,
			Pages: (total + limit - 1) / limit,
		},
	}, nil
}

func (e *Engine) Totals(ctx context.Context) (Totals, error) {
	return e.Store.Totals(ctx)
}

func (e *Engine) CreateList(ctx context.Context, actor Actor, boardID, title string) (List, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return List{}, ErrTitleRequired
	}
	unlock, err := e.Locks.LockContext(ctx, ordering.BoardKey(boardID))
	if err != nil {
		return List{}, err
	}
	defer unlock()

	now := e.Now()
	l := List{ID: e.NewID(), BoardID: boardID, Title: title, CreatedAt: now, UpdatedAt: now}
	err = e.Store.Atomic(ctx, func(tx Tx) error {
		siblings, err := tx.LoadLists(ctx, boardID)
		if err != nil {
			return err
		}
		l.Order = ordering.NextOrder(siblings)
		if err := tx.InsertList(ctx, l); err != nil {
			return err
		}
		return e.record(ctx, tx, actor, boardID, ActionListCreated, l.ID, l.Title)
	})
	e.observe("create_list", err)
	if err != nil {
		return List{}, fmt.Errorf("create list: %w", err)
	}
	e.emit(actor, boardID, contracts.EventListCreated, l)
	return l, nil
}

func (e *Engine) UpdateList(ctx context.Context, actor Actor, listID, title string) (List, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return List{}, ErrTitleRequired
	}
	cur, err := e.Store.List(ctx, listID)
	if err != nil {
		return List{}, err
	}
	unlock, err := e.Locks.LockContext(ctx, ordering.BoardKey(cur.BoardID))
	if err != nil {
		return List{}, err
	}
	defer unlock()

	var updated List
	err = e.Store.Atomic(ctx, func(tx Tx) error {
		l, err := tx.GetList(ctx, listID)
		if err != nil {
			return err
		}
		l.Title = title
		l.UpdatedAt = e.Now()
		if err := tx.UpdateList(ctx, l); err != nil {
			return err
		}
		updated = l
		return e.record(ctx, tx, actor, l.BoardID, ActionListUpdated, l.ID, l.Title)
	})
	e.observe("update_list", err)
	if err != nil {
		return List{}, fmt.Errorf("update list: %w", err)
	}
	e.emit(actor, updated.BoardID, contracts.EventListUpdated, updated)
	return updated, nil
}

// DeleteList removes a list with all of its tasks and closes the gap among
// its siblings.
func (e *Engine) DeleteList(ctx context.Context, actor Actor, listID string) error {
	cur, err := e.Store.List(ctx, listID)
	if err != nil {
		return err
	}
	unlock, err := e.Locks.LockContext(ctx, ordering.BoardKey(cur.BoardID), ordering.ListKey(listID))
	if err != nil {
		return err
	}
	defer unlock()

	var payload contracts.DeletePayload
	err = e.Store.Atomic(ctx, func(tx Tx) error {
		l, err := tx.GetList(ctx, listID)
		if err != nil {
			return err
		}
		siblings, err := tx.LoadLists(ctx, l.BoardID)
		if err != nil {
			return err
		}
		plan, err := planRemove(l.BoardID, siblings, listID)
		if err != nil {
			return err
		}
		if err := tx.DeleteList(ctx, listID); err != nil {
			return err
		}
		if err := applyPlan(ctx, tx, KindList, plan); err != nil {
			return err
		}
		payload = contracts.DeletePayload{
			ID:       listID,
			ParentID: l.BoardID,
			Affected: affected(plan, siblings, nil, l.BoardID),
		}
		return e.record(ctx, tx, actor, l.BoardID, ActionListDeleted, l.ID, l.Title)
	})
	err = listErr(err)
	e.observe("delete_list", err)
	if err != nil {
		return fmt.Errorf("delete list: %w", err)
	}
	e.emit(actor, cur.BoardID, contracts.EventListDeleted, payload)
	return nil
}

func (e *Engine) MoveList(ctx context.Context, actor Actor, listID string, target int) (List, error) {
	cur, err := e.Store.List(ctx, listID)
	if err != nil {
		return List{}, err
	}
	unlock, err := e.Locks.LockContext(ctx, ordering.BoardKey(cur.BoardID))
	if err != nil {
		return List{}, err
	}
	defer unlock()

	var (
		moved   List
		payload contracts.MovePayload
		noop    bool
	)
	err = e.Store.Atomic(ctx, func(tx Tx) error {
		siblings, err := tx.LoadLists(ctx, cur.BoardID)
		if err != nil {
			return err
		}
		plan, err := planMove(cur.BoardID, siblings, cur.BoardID, siblings, listID, target)
		if err != nil {
			return err
		}
		if plan.Noop() {
			noop = true
			moved, err = tx.GetList(ctx, listID)
			return err
		}
		if err := applyPlan(ctx, tx, KindList, plan); err != nil {
			return err
		}
		if moved, err = tx.GetList(ctx, listID); err != nil {
			return err
		}
		payload = movePayload(plan, siblings, siblings, moved)
		return e.record(ctx, tx, actor, cur.BoardID, ActionListMoved, listID,
			fmt.Sprintf("%s: %d -> %d", moved.Title, plan.FromOrder, plan.ToOrder))
	})
	err = listErr(err)
	e.observe("move_list", err)
	if err != nil {
		return List{}, fmt.Errorf("move list: %w", err)
	}
	if !noop {
		e.emit(actor, cur.BoardID, contracts.EventListMoved, payload)
	}
	return moved, nil
}

func (e *Engine) CreateTask(ctx context.Context, actor Actor, listID string, in TaskInput) (Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return Task{}, ErrTitleRequired
	}
	unlock, err := e.Locks.LockContext(ctx, ordering.ListKey(listID))
	if err != nil {
		return Task{}, err
	}
	defer unlock()

	now := e.Now()
	t := Task{
		ID:          e.NewID(),
		ListID:      listID,
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Assignees:   NormalizeAssignees(in.Assignees),
		CreatedBy:   actor.UserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = e.Store.Atomic(ctx, func(tx Tx) error {
		l, err := tx.GetList(ctx, listID)
		if err != nil {
			return err
		}
		siblings, err := tx.LoadTasks(ctx, listID)
		if err != nil {
			return err
		}
		t.BoardID = l.BoardID
		t.Order = ordering.NextOrder(siblings)
		if err := tx.InsertTask(ctx, t); err != nil {
			return err
		}
		return e.record(ctx, tx, actor, t.BoardID, ActionTaskCreated, t.ID, t.Title)
	})
	e.observe("create_task", err)
	if err != nil {
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	e.emit(actor, t.BoardID, contracts.EventTaskCreated, t)
	return t, nil
}

func (e *Engine) UpdateTask(ctx context.Context, actor Actor, taskID string, patch TaskPatch) (Task, error) {
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return Task{}, ErrTitleRequired
	}
	var updated Task
	err := e.withTask(ctx, "update_task", taskID, "", nil, func(cur Task) error {
		err := e.Store.Atomic(ctx, func(tx Tx) error {
			t, err := tx.GetTask(ctx, taskID)
			if err != nil {
				return err
			}
			if t.ListID != cur.ListID {
				return errParentChanged
			}
			if patch.Title != nil {
				t.Title = strings.TrimSpace(*patch.Title)
			}
			if patch.Description != nil {
				t.Description = strings.TrimSpace(*patch.Description)
			}
			if patch.Assignees != nil {
				t.Assignees = NormalizeAssignees(*patch.Assignees)
			}
			t.UpdatedAt = e.Now()
			if err := tx.UpdateTask(ctx, t); err != nil {
				return err
			}
			updated = t
			return e.record(ctx, tx, actor, t.BoardID, ActionTaskUpdated, t.ID, t.Title)
		})
		if err != nil {
			return err
		}
		e.emit(actor, updated.BoardID, contracts.EventTaskUpdated, updated)
		return nil
	})
	e.observe("update_task", err)
	if err != nil {
		return Task{}, fmt.Errorf("update task: %w", err)
	}
	return updated, nil
}

func (e *Engine) DeleteTask(ctx context.Context, actor Actor, taskID string) error {
	err := e.withTask(ctx, "delete_task", taskID, "", nil, func(cur Task) error {
		var payload contracts.DeletePayload
		err := e.Store.Atomic(ctx, func(tx Tx) error {
			t, err := tx.GetTask(ctx, taskID)
			if err != nil {
				return err
			}
			if t.ListID != cur.ListID {
				return errParentChanged
			}
			siblings, err := tx.LoadTasks(ctx, t.ListID)
			if err != nil {
				return err
			}
			plan, err := planRemove(t.ListID, siblings, taskID)
			if err != nil {
				return err
			}
			if err := tx.DeleteTask(ctx, taskID); err != nil {
				return err
			}
			if err := applyPlan(ctx, tx, KindTask, plan); err != nil {
				return err
			}
			payload = contracts.DeletePayload{
				ID:       taskID,
				ParentID: t.ListID,
				Affected: affected(plan, siblings, nil, t.ListID),
			}
			return e.record(ctx, tx, actor, t.BoardID, ActionTaskDeleted, t.ID, t.Title)
		})
		if err != nil {
			return err
		}
		e.emit(actor, cur.BoardID, contracts.EventTaskDeleted, payload)
		return nil
	})
	e.observe("delete_task", err)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// MoveTask repositions a task within its list or into another list of the
// same board. fromList, when set, must still be the task's parent or the move
// fails with ErrConflict. toList defaults to the current list.
func (e *Engine) MoveTask(ctx context.Context, actor Actor, taskID, fromList, toList string, target int) (Task, error) {
	fromList = strings.TrimSpace(fromList)
	toList = strings.TrimSpace(toList)

	var moved Task
	destOf := func(cur Task) string {
		if toList == "" {
			return cur.ListID
		}
		return toList
	}
	err := e.withTask(ctx, "move_task", taskID, fromList,
		func(cur Task) []string { return []string{ordering.ListKey(destOf(cur))} },
		func(cur Task) error {
			dst := destOf(cur)
			var (
				payload contracts.MovePayload
				noop    bool
			)
			err := e.Store.Atomic(ctx, func(tx Tx) error {
				t, err := tx.GetTask(ctx, taskID)
				if err != nil {
					return err
				}
				if t.ListID != cur.ListID {
					return errParentChanged
				}
				dstList, err := tx.GetList(ctx, dst)
				if err != nil {
					return err
				}
				if dstList.BoardID != t.BoardID {
					return ErrCrossBoardMove
				}
				loaded, err := loadTaskParents(ctx, tx, t.ListID, dst)
				if err != nil {
					return err
				}
				src, dstItems := loaded[t.ListID], loaded[dst]
				plan, err := planMove(t.ListID, src, dst, dstItems, taskID, target)
				if err != nil {
					return err
				}
				if plan.Noop() {
					noop = true
					moved = t
					return nil
				}
				if err := applyPlan(ctx, tx, KindTask, plan); err != nil {
					return err
				}
				if moved, err = tx.GetTask(ctx, taskID); err != nil {
					return err
				}
				payload = movePayload(plan, src, dstItems, moved)
				return e.record(ctx, tx, actor, t.BoardID, ActionTaskMoved, taskID,
					fmt.Sprintf("%s: %s/%d -> %s/%d", t.Title, plan.FromParent, plan.FromOrder, plan.ToParent, plan.ToOrder))
			})
			if err != nil {
				return err
			}
			if !noop {
				e.emit(actor, moved.BoardID, contracts.EventTaskMoved, payload)
			}
			return nil
		})
	e.observe("move_task", err)
	if err != nil {
		return Task{}, fmt.Errorf("move task: %w", err)
	}
	return moved, nil
}

// withTask locks the task's current list plus any keys from extra, then runs
// fn. fn reports errParentChanged when the task moved before the lock was
// granted, in which case the lookup and lock are repeated.
func (e *Engine) withTask(
	ctx context.Context,
	op, taskID, fromList string,
	extra func(Task) []string,
	fn func(cur Task) error,
) error {
	if strings.TrimSpace(taskID) == "" {
		return ErrIDRequired
	}
	for attempt := 0; attempt < maxLockRetries; attempt++ {
		cur, err := e.Store.Task(ctx, taskID)
		if err != nil {
			return err
		}
		if fromList != "" && cur.ListID != fromList {
			return fmt.Errorf("%w: task %s is in list %s, not %s", ErrConflict, taskID, cur.ListID, fromList)
		}
		keys := []string{ordering.ListKey(cur.ListID)}
		if extra != nil {
			keys = append(keys, extra(cur)...)
		}
		unlock, err := e.Locks.LockContext(ctx, keys...)
		if err != nil {
			return err
		}
		err = fn(cur)
		unlock()
		if !errors.Is(err, errParentChanged) {
			return err
		}
		if e.Metrics != nil {
			e.Metrics.LockRetries.WithLabelValues(op).Inc()
		}
		e.logger().WithFields(logrus.Fields{"task_id": taskID, "attempt": attempt + 1}).Debug("task changed list while locking, retrying")
	}
	return fmt.Errorf("%w: task %s kept changing list", ErrConflict, taskID)
}

// loadTaskParents loads children of each distinct list in id order so row
// locks are taken in the same order the serializer uses.
func loadTaskParents(ctx context.Context, tx Tx, listIDs ...string) (map[string][]ordering.Item, error) {
	ids := append([]string(nil), listIDs...)
	sort.Strings(ids)
	out := make(map[string][]ordering.Item, len(ids))
	for _, id := range ids {
		if _, ok := out[id]; ok {
			continue
		}
		items, err := tx.LoadTasks(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = items
	}
	return out, nil
}

func planMove(srcParent string, src []ordering.Item, dstParent string, dst []ordering.Item, id string, target int) (ordering.Plan, error) {
	plan, err := ordering.PlanMove(srcParent, src, dstParent, dst, id, target)
	return plan, mapOrderingErr(err)
}

func planRemove(parent string, siblings []ordering.Item, id string) (ordering.Plan, error) {
	plan, err := ordering.PlanRemove(parent, siblings, id)
	return plan, mapOrderingErr(err)
}

func mapOrderingErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ordering.ErrItemMissing):
		return errParentChanged
	case errors.Is(err, ordering.ErrInvalidPosition):
		return fmt.Errorf("%w: %v", ErrInvalidPosition, err)
	default:
		return err
	}
}

// listErr maps a vanished list to ErrNotFound; lists never change board so
// there is nothing to retry.
func listErr(err error) error {
	if errors.Is(err, errParentChanged) {
		return ErrNotFound
	}
	return err
}

func affected(plan ordering.Plan, src, dst []ordering.Item, parents ...string) []contracts.SiblingOrder {
	before := map[string][]ordering.Item{plan.FromParent: src}
	if plan.ToParent != "" && plan.ToParent != plan.FromParent {
		before[plan.ToParent] = dst
	}
	after := ordering.Apply(plan, before)
	var out []contracts.SiblingOrder
	for _, p := range parents {
		for _, it := range ordering.Affected(before[p], after[p]) {
			if it.ID == plan.ItemID {
				continue
			}
			out = append(out, contracts.SiblingOrder{ID: it.ID, Order: it.Order})
		}
	}
	return out
}

func movePayload(plan ordering.Plan, src, dst []ordering.Item, item any) contracts.MovePayload {
	parents := []string{plan.FromParent}
	if plan.CrossParent() {
		parents = append(parents, plan.ToParent)
	}
	raw, _ := json.Marshal(item)
	return contracts.MovePayload{
		ID:           plan.ItemID,
		FromParentID: plan.FromParent,
		ToParentID:   plan.ToParent,
		FromOrder:    plan.FromOrder,
		ToOrder:      plan.ToOrder,
		Affected:     affected(plan, src, dst, parents...),
		Item:         raw,
	}
}

func (e *Engine) record(ctx context.Context, tx Tx, actor Actor, boardID, action, subjectID, detail string) error {
	return tx.RecordActivity(ctx, Activity{
		ID:          e.NewID(),
		BoardID:     boardID,
		ActorUserID: actor.UserID,
		ActorName:   actor.Name,
		Action:      action,
		SubjectID:   subjectID,
		Detail:      detail,
		CreatedAt:   e.Now(),
	})
}

func (e *Engine) emit(actor Actor, boardID, eventType string, payload any) {
	if e.Publish == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		e.logger().WithError(err).WithField("type", eventType).Error("marshal board event")
		return
	}
	e.Publish(contracts.BoardEvent{
		EventID:     e.NewEventID(),
		BoardID:     boardID,
		Type:        eventType,
		ActorUserID: actor.UserID,
		ActorName:   actor.Name,
		Origin:      e.Origin,
		Payload:     raw,
		OccurredAt:  e.Now(),
	})
}

func (e *Engine) observe(op string, err error) {
	if e.Metrics == nil {
		return
	}
	e.Metrics.Mutations.WithLabelValues(op, Outcome(err)).Inc()
}

func (e *Engine) logger() logrus.FieldLogger {
	if e.Log == nil {
		return logrus.StandardLogger()
	}
	return e.Log
}

// Outcome classifies an engine error for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidPosition):
		return "invalid_position"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrCrossBoardMove), errors.Is(err, ErrTitleRequired),
		errors.Is(err, ErrNameRequired), errors.Is(err, ErrIDRequired), errors.Is(err, ErrUserRequired):
		return "invalid"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
