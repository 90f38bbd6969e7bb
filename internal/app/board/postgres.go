package board

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/todo-1m/taskboard/internal/app/ordering"
)

const createBoardsSQL = `
CREATE TABLE IF NOT EXISTS boards (
  id text PRIMARY KEY,
  name text NOT NULL,
  owner_id text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
)`

const createBoardMembersSQL = `
CREATE TABLE IF NOT EXISTS board_members (
  board_id text NOT NULL REFERENCES boards(id) ON DELETE CASCADE,
  user_id text NOT NULL,
  role text NOT NULL DEFAULT 'member',
  created_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (board_id, user_id)
)`

const createListsSQL = `
CREATE TABLE IF NOT EXISTS lists (
  id text PRIMARY KEY,
  board_id text NOT NULL REFERENCES boards(id) ON DELETE CASCADE,
  title text NOT NULL,
  position integer NOT NULL,
  created_at timestamptz NOT NULL,
  updated_at timestamptz NOT NULL,
  CONSTRAINT lists_board_position_key UNIQUE (board_id, position) DEFERRABLE INITIALLY DEFERRED
)`

const createTasksSQL = `
CREATE TABLE IF NOT EXISTS tasks (
  id text PRIMARY KEY,
  list_id text NOT NULL REFERENCES lists(id) ON DELETE CASCADE,
  board_id text NOT NULL REFERENCES boards(id) ON DELETE CASCADE,
  title text NOT NULL,
  description text NOT NULL DEFAULT '',
  position integer NOT NULL,
  assignees text[] NOT NULL DEFAULT '{}',
  created_by text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL,
  updated_at timestamptz NOT NULL,
  CONSTRAINT tasks_list_position_key UNIQUE (list_id, position) DEFERRABLE INITIALLY DEFERRED
)`

const createActivitySQL = `
CREATE TABLE IF NOT EXISTS board_activity (
  id text PRIMARY KEY,
  board_id text NOT NULL REFERENCES boards(id) ON DELETE CASCADE,
  actor_user_id text NOT NULL,
  actor_name text NOT NULL DEFAULT '',
  action text NOT NULL,
  subject_id text NOT NULL,
  detail text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL
)`

const createActivityIndexSQL = `
CREATE INDEX IF NOT EXISTS board_activity_board_created_idx
ON board_activity (board_id, created_at DESC)`

const selectTaskColumns = `id, list_id, board_id, title, description, position, assignees, created_by, created_at, updated_at`

// PostgresStore persists boards with pgx. Parent rows are locked FOR UPDATE
// when their children are loaded, so two instances sharing a database still
// serialize structural mutations on the same parent.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{
		createBoardsSQL,
		createBoardMembersSQL,
		createListsSQL,
		createTasksSQL,
		createActivitySQL,
		createActivityIndexSQL,
	} {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) Atomic(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// readOnly runs fn in a repeatable-read snapshot so multi-query reads never
// see a move half committed.
func (s *PostgresStore) readOnly(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Board(ctx context.Context, boardID string) (View, error) {
	var view View
	err := s.readOnly(ctx, func(tx pgx.Tx) error {
		v, err := loadView(ctx, tx, boardID)
		view = v
		return err
	})
	if err != nil {
		return View{}, err
	}
	return view, nil
}

func loadView(ctx context.Context, tx pgx.Tx, boardID string) (View, error) {
	var view View
	err := tx.QueryRow(ctx,
		`SELECT id, name, owner_id, created_at FROM boards WHERE id = $1`, boardID,
	).Scan(&view.ID, &view.Name, &view.OwnerID, &view.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return View{}, ErrNotFound
		}
		return View{}, err
	}

	rows, err := tx.Query(ctx,
		`SELECT id, board_id, title, position, created_at, updated_at
		 FROM lists WHERE board_id = $1 ORDER BY position`, boardID)
	if err != nil {
		return View{}, err
	}
	lists, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ListView, error) {
		var l ListView
		err := row.Scan(&l.ID, &l.BoardID, &l.Title, &l.Order, &l.CreatedAt, &l.UpdatedAt)
		l.Tasks = []Task{}
		return l, err
	})
	if err != nil {
		return View{}, err
	}

	rows, err = tx.Query(ctx,
		`SELECT `+selectTaskColumns+` FROM tasks WHERE board_id = $1 ORDER BY list_id, position`, boardID)
	if err != nil {
		return View{}, err
	}
	tasks, err := pgx.CollectRows(rows, scanTask)
	if err != nil {
		return View{}, err
	}

	index := make(map[string]int, len(lists))
	for i, l := range lists {
		index[l.ID] = i
	}
	for _, t := range tasks {
		if i, ok := index[t.ListID]; ok {
			lists[i].Tasks = append(lists[i].Tasks, t)
		}
	}
	view.Lists = lists
	if view.Lists == nil {
		view.Lists = []ListView{}
	}
	return view, nil
}

func (s *PostgresStore) List(ctx context.Context, listID string) (List, error) {
	return getList(ctx, s.Pool, listID)
}

func (s *PostgresStore) Task(ctx context.Context, taskID string) (Task, error) {
	return getTask(ctx, s.Pool, taskID)
}

func (s *PostgresStore) IsMember(ctx context.Context, boardID, userID string) (bool, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM board_members WHERE board_id = $1 AND user_id = $2)`,
		boardID, userID,
	).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) ListActivity(ctx context.Context, boardID string, limit, offset int) ([]Activity, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, board_id, actor_user_id, actor_name, action, subject_id, detail, created_at
		 FROM board_activity
		 WHERE board_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		boardID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Activity, error) {
		var a Activity
		err := row.Scan(&a.ID, &a.BoardID, &a.ActorUserID, &a.ActorName, &a.Action, &a.SubjectID, &a.Detail, &a.CreatedAt)
		return a, err
	})
}

func (s *PostgresStore) BoardsForUser(ctx context.Context, userID string) ([]Board, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT b.id, b.name, b.owner_id, b.created_at
		 FROM boards b
		 WHERE b.owner_id = $1
		    OR EXISTS (SELECT 1 FROM board_members m WHERE m.board_id = b.id AND m.user_id = $1)
		 ORDER BY b.created_at DESC, b.id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	boards, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Board, error) {
		var b Board
		err := row.Scan(&b.ID, &b.Name, &b.OwnerID, &b.CreatedAt)
		return b, err
	})
	if err != nil {
		return nil, err
	}
	if boards == nil {
		boards = []Board{}
	}
	return boards, nil
}

func (s *PostgresStore) SearchTasks(ctx context.Context, q TaskQuery) ([]Task, int, error) {
	where, args := taskFilter(q)
	var (
		tasks []Task
		total int
	)
	err := s.readOnly(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM tasks`+where, args...).Scan(&total); err != nil {
			return err
		}
		pageArgs := append(args, q.Limit, q.Offset)
		rows, err := tx.Query(ctx,
			fmt.Sprintf(`SELECT %s FROM tasks%s ORDER BY position, id LIMIT $%d OFFSET $%d`,
				selectTaskColumns, where, len(pageArgs)-1, len(pageArgs)),
			pageArgs...)
		if err != nil {
			return err
		}
		tasks, err = pgx.CollectRows(rows, scanTask)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	if tasks == nil {
		tasks = []Task{}
	}
	return tasks, total, nil
}

// taskFilter builds the WHERE clause for a task search. Search is a
// case-insensitive substring match on the title.
func taskFilter(q TaskQuery) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.MemberID != "" {
		add("board_id IN (SELECT board_id FROM board_members WHERE user_id = $%d)", q.MemberID)
	}
	if q.BoardID != "" {
		add("board_id = $%d", q.BoardID)
	}
	if q.ListID != "" {
		add("list_id = $%d", q.ListID)
	}
	if q.Search != "" {
		add("strpos(lower(title), lower($%d)) > 0", q.Search)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *PostgresStore) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	err := s.Pool.QueryRow(ctx,
		`SELECT (SELECT count(*) FROM boards),
		        (SELECT count(*) FROM lists),
		        (SELECT count(*) FROM tasks),
		        (SELECT count(*) FROM board_activity),
		        (SELECT count(DISTINCT user_id) FROM board_members)`,
	).Scan(&t.Boards, &t.Lists, &t.Tasks, &t.Activities, &t.Users)
	return t, err
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getList(ctx context.Context, q querier, listID string) (List, error) {
	var l List
	err := q.QueryRow(ctx,
		`SELECT id, board_id, title, position, created_at, updated_at FROM lists WHERE id = $1`, listID,
	).Scan(&l.ID, &l.BoardID, &l.Title, &l.Order, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return List{}, ErrNotFound
		}
		return List{}, err
	}
	return l, nil
}

func getTask(ctx context.Context, q querier, taskID string) (Task, error) {
	row := q.QueryRow(ctx, `SELECT `+selectTaskColumns+` FROM tasks WHERE id = $1`, taskID)
	t, err := scanTaskRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, err
	}
	return t, nil
}

func scanTask(row pgx.CollectableRow) (Task, error) {
	return scanTaskRow(row)
}

func scanTaskRow(row pgx.Row) (Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.ListID, &t.BoardID, &t.Title, &t.Description, &t.Order,
		&t.Assignees, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if t.Assignees == nil {
		t.Assignees = []string{}
	}
	return t, err
}

type pgTx struct {
	tx pgx.Tx
}

func (p *pgTx) GetBoard(ctx context.Context, boardID string) (Board, error) {
	var b Board
	err := p.tx.QueryRow(ctx,
		`SELECT id, name, owner_id, created_at FROM boards WHERE id = $1`, boardID,
	).Scan(&b.ID, &b.Name, &b.OwnerID, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Board{}, ErrNotFound
		}
		return Board{}, err
	}
	return b, nil
}

func (p *pgTx) GetList(ctx context.Context, listID string) (List, error) {
	return getList(ctx, p.tx, listID)
}

func (p *pgTx) GetTask(ctx context.Context, taskID string) (Task, error) {
	return getTask(ctx, p.tx, taskID)
}

func (p *pgTx) LoadLists(ctx context.Context, boardID string) ([]ordering.Item, error) {
	if err := p.lockRow(ctx, `SELECT id FROM boards WHERE id = $1 FOR UPDATE`, boardID); err != nil {
		return nil, err
	}
	return p.loadItems(ctx, `SELECT id, position FROM lists WHERE board_id = $1 ORDER BY position`, boardID)
}

func (p *pgTx) LoadTasks(ctx context.Context, listID string) ([]ordering.Item, error) {
	if err := p.lockRow(ctx, `SELECT id FROM lists WHERE id = $1 FOR UPDATE`, listID); err != nil {
		return nil, err
	}
	return p.loadItems(ctx, `SELECT id, position FROM tasks WHERE list_id = $1 ORDER BY position`, listID)
}

func (p *pgTx) lockRow(ctx context.Context, sql, id string) error {
	var locked string
	if err := p.tx.QueryRow(ctx, sql, id).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (p *pgTx) loadItems(ctx context.Context, sql, parentID string) ([]ordering.Item, error) {
	rows, err := p.tx.Query(ctx, sql, parentID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ordering.Item, error) {
		var it ordering.Item
		err := row.Scan(&it.ID, &it.Order)
		return it, err
	})
}

func (p *pgTx) ApplyShift(ctx context.Context, kind Kind, parentID string, r ordering.Range, delta int) error {
	var sql string
	switch kind {
	case KindTask:
		sql = `UPDATE tasks SET position = position + $4 WHERE list_id = $1 AND position BETWEEN $2 AND $3`
	case KindList:
		sql = `UPDATE lists SET position = position + $4 WHERE board_id = $1 AND position BETWEEN $2 AND $3`
	default:
		return fmt.Errorf("unknown kind %q", kind)
	}
	_, err := p.tx.Exec(ctx, sql, parentID, r.From, r.To, delta)
	return err
}

func (p *pgTx) SetPosition(ctx context.Context, kind Kind, itemID, parentID string, order int) error {
	var sql string
	switch kind {
	case KindTask:
		sql = `UPDATE tasks SET list_id = $2, position = $3, updated_at = now() WHERE id = $1`
	case KindList:
		sql = `UPDATE lists SET board_id = $2, position = $3, updated_at = now() WHERE id = $1`
	default:
		return fmt.Errorf("unknown kind %q", kind)
	}
	tag, err := p.tx.Exec(ctx, sql, itemID, parentID, order)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *pgTx) InsertBoard(ctx context.Context, b Board) error {
	_, err := p.tx.Exec(ctx,
		`INSERT INTO boards (id, name, owner_id, created_at) VALUES ($1, $2, $3, $4)`,
		b.ID, b.Name, b.OwnerID, b.CreatedAt)
	return err
}

func (p *pgTx) UpsertMember(ctx context.Context, m Member) error {
	_, err := p.tx.Exec(ctx,
		`INSERT INTO board_members (board_id, user_id, role) VALUES ($1, $2, $3)
		 ON CONFLICT (board_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		m.BoardID, m.UserID, m.Role)
	return err
}

func (p *pgTx) InsertList(ctx context.Context, l List) error {
	_, err := p.tx.Exec(ctx,
		`INSERT INTO lists (id, board_id, title, position, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		l.ID, l.BoardID, l.Title, l.Order, l.CreatedAt, l.UpdatedAt)
	return err
}

func (p *pgTx) UpdateList(ctx context.Context, l List) error {
	tag, err := p.tx.Exec(ctx,
		`UPDATE lists SET title = $2, updated_at = $3 WHERE id = $1`,
		l.ID, l.Title, l.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *pgTx) DeleteList(ctx context.Context, listID string) error {
	tag, err := p.tx.Exec(ctx, `DELETE FROM lists WHERE id = $1`, listID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *pgTx) InsertTask(ctx context.Context, t Task) error {
	_, err := p.tx.Exec(ctx,
		`INSERT INTO tasks (`+selectTaskColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.ListID, t.BoardID, t.Title, t.Description, t.Order,
		NormalizeAssignees(t.Assignees), t.CreatedBy, t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *pgTx) UpdateTask(ctx context.Context, t Task) error {
	tag, err := p.tx.Exec(ctx,
		`UPDATE tasks SET title = $2, description = $3, assignees = $4, updated_at = $5 WHERE id = $1`,
		t.ID, t.Title, t.Description, NormalizeAssignees(t.Assignees), t.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *pgTx) DeleteTask(ctx context.Context, taskID string) error {
	tag, err := p.tx.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, taskID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *pgTx) RecordActivity(ctx context.Context, a Activity) error {
	_, err := p.tx.Exec(ctx,
		`INSERT INTO board_activity (id, board_id, actor_user_id, actor_name, action, subject_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.BoardID, a.ActorUserID, a.ActorName, a.Action, a.SubjectID, a.Detail, a.CreatedAt)
	return err
}
