package board

import (
	"context"

	"github.com/todo-1m/taskboard/internal/app/ordering"
)

// Store is the persistence collaborator. Every structural mutation runs in
// Atomic; either all of its writes land or none do.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Atomic(ctx context.Context, fn func(Tx) error) error

	Board(ctx context.Context, boardID string) (View, error)
	List(ctx context.Context, listID string) (List, error)
	Task(ctx context.Context, taskID string) (Task, error)
	IsMember(ctx context.Context, boardID, userID string) (bool, error)
	ListActivity(ctx context.Context, boardID string, limit, offset int) ([]Activity, error)

	// BoardsForUser returns the boards userID owns or belongs to, newest first.
	BoardsForUser(ctx context.Context, userID string) ([]Board, error)
	// SearchTasks returns one page of matching tasks and the total match count.
	SearchTasks(ctx context.Context, q TaskQuery) ([]Task, int, error)
	Totals(ctx context.Context) (Totals, error)
}

// Tx is the write side available inside Atomic. LoadLists and LoadTasks lock
// the parent row for the rest of the transaction and return ErrNotFound when
// the parent is gone.
type Tx interface {
	GetBoard(ctx context.Context, boardID string) (Board, error)
	GetList(ctx context.Context, listID string) (List, error)
	GetTask(ctx context.Context, taskID string) (Task, error)

	LoadLists(ctx context.Context, boardID string) ([]ordering.Item, error)
	LoadTasks(ctx context.Context, listID string) ([]ordering.Item, error)
	ApplyShift(ctx context.Context, kind Kind, parentID string, r ordering.Range, delta int) error
	SetPosition(ctx context.Context, kind Kind, itemID, parentID string, order int) error

	InsertBoard(ctx context.Context, b Board) error
	UpsertMember(ctx context.Context, m Member) error
	InsertList(ctx context.Context, l List) error
	UpdateList(ctx context.Context, l List) error
	DeleteList(ctx context.Context, listID string) error
	InsertTask(ctx context.Context, t Task) error
	UpdateTask(ctx context.Context, t Task) error
	DeleteTask(ctx context.Context, taskID string) error

	RecordActivity(ctx context.Context, a Activity) error
}

// applyPlan runs a plan's shifts then places the moved item.
func applyPlan(ctx context.Context, tx Tx, kind Kind, plan ordering.Plan) error {
	for _, s := range plan.Shifts {
		if err := tx.ApplyShift(ctx, kind, s.Parent, s.Range, s.Delta); err != nil {
			return err
		}
	}
	if plan.ToParent == "" {
		return nil
	}
	return tx.SetPosition(ctx, kind, plan.ItemID, plan.ToParent, plan.ToOrder)
}
