//go:build integration

package board

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/todo-1m/taskboard/internal/app/ordering"
	"github.com/todo-1m/taskboard/internal/platform/logging"
)

func newPostgresEngine(t *testing.T) (*Engine, *PostgresStore) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := NewPostgresStore(pool)
	require.NoError(t, store.EnsureSchema(ctx))
	return NewEngine(store, ordering.NewSerializer(), nil, logging.Discard()), store
}

func TestPostgresStore_MovesKeepOrdersDense(t *testing.T) {
	e, store := newPostgresEngine(t)
	ctx := context.Background()

	b, err := e.CreateBoard(ctx, alice, "pg board")
	require.NoError(t, err)
	a, err := e.CreateList(ctx, alice, b.ID, "A")
	require.NoError(t, err)
	bl, err := e.CreateList(ctx, alice, b.ID, "B")
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 6; i++ {
		task, err := e.CreateTask(ctx, alice, a.ID, TaskInput{Title: fmt.Sprintf("t%d", i), Assignees: []string{"x", "x"}})
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			dst := a.ID
			if i%2 == 0 {
				dst = bl.ID
			}
			_, err := e.MoveTask(ctx, alice, id, "", dst, 0)
			assert.NoError(t, err)
		}(i, id)
	}
	wg.Wait()

	view, err := store.Board(ctx, b.ID)
	require.NoError(t, err)
	total := 0
	for _, l := range view.Lists {
		orders := make([]int, len(l.Tasks))
		for i, task := range l.Tasks {
			orders[i] = task.Order
			assert.Equal(t, []string{"x"}, task.Assignees)
		}
		require.NoError(t, ordering.CheckDense(orders))
		total += len(l.Tasks)
	}
	assert.Equal(t, len(ids), total)

	require.NoError(t, e.DeleteList(ctx, alice, a.ID))
	view, err = store.Board(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, view.Lists, 1)
	assert.Equal(t, 0, view.Lists[0].Order)
}

func TestPostgresStore_ReadQueries(t *testing.T) {
	e, store := newPostgresEngine(t)
	ctx := context.Background()
	owner := Actor{UserID: fmt.Sprintf("pg-reader-%p", t), Name: "Reader"}

	b, err := e.CreateBoard(ctx, owner, "reads")
	require.NoError(t, err)
	l, err := e.CreateList(ctx, owner, b.ID, "Todo")
	require.NoError(t, err)
	for _, title := range []string{"Alpha 100%", "beta", "ALPHA_2"} {
		_, err := e.CreateTask(ctx, owner, l.ID, TaskInput{Title: title})
		require.NoError(t, err)
	}

	boards, err := store.BoardsForUser(ctx, owner.UserID)
	require.NoError(t, err)
	require.Len(t, boards, 1)
	assert.Equal(t, b.ID, boards[0].ID)

	tasks, total, err := store.SearchTasks(ctx, TaskQuery{MemberID: owner.UserID, Search: "alpha", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Alpha 100%", tasks[0].Title)

	_, total, err = store.SearchTasks(ctx, TaskQuery{ListID: l.ID, Search: "%", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	totals, err := store.Totals(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, totals.Tasks, 3)
	assert.GreaterOrEqual(t, totals.Boards, 1)

	view, err := store.Board(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, view.Lists, 1)
	assert.Len(t, view.Lists[0].Tasks, 3)
}

func TestPostgresStore_BoardViewIsNeverTorn(t *testing.T) {
	e, store := newPostgresEngine(t)
	ctx := context.Background()

	b, err := e.CreateBoard(ctx, alice, "snapshot board")
	require.NoError(t, err)
	var lists, ids []string
	for _, title := range []string{"A", "B"} {
		l, err := e.CreateList(ctx, alice, b.ID, title)
		require.NoError(t, err)
		lists = append(lists, l.ID)
		for i := 0; i < 4; i++ {
			task, err := e.CreateTask(ctx, alice, l.ID, TaskInput{Title: fmt.Sprintf("%s%d", title, i)})
			require.NoError(t, err)
			ids = append(ids, task.ID)
		}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 40; i++ {
			_, err := e.MoveTask(ctx, alice, ids[i%len(ids)], "", lists[i%2], i%5)
			assert.NoError(t, err)
		}
		close(stop)
	}()

	for reading := true; reading; {
		select {
		case <-stop:
			reading = false
		default:
		}
		view, err := store.Board(ctx, b.ID)
		require.NoError(t, err)
		total := 0
		for _, l := range view.Lists {
			orders := make([]int, len(l.Tasks))
			for i, task := range l.Tasks {
				orders[i] = task.Order
			}
			require.NoError(t, ordering.CheckDense(orders))
			total += len(l.Tasks)
		}
		require.Equal(t, len(ids), total)
	}
	wg.Wait()
}
