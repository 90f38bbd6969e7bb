package board

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/todo-1m/taskboard/internal/app/ordering"
)

// CachedStore serves board snapshots from Redis and evicts every board a
// committed transaction touched. Redis failures fall back to the base store.
//
// Each board has a generation counter bumped on eviction. A snapshot is only
// written back if the generation it was read under is still current, so a
// reader that loaded the board before a commit cannot re-cache the old view.
type CachedStore struct {
	Store
	redis *redis.Client
	ttl   time.Duration
	log   logrus.FieldLogger
}

func NewCachedStore(base Store, client *redis.Client, ttl time.Duration, log logrus.FieldLogger) *CachedStore {
	if base == nil {
		panic("board.NewCachedStore: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &CachedStore{Store: base, redis: client, ttl: ttl, log: log}
}

func (c *CachedStore) Board(ctx context.Context, boardID string) (View, error) {
	if view, ok := c.load(ctx, boardID); ok {
		return view, nil
	}
	gen, ok := c.generation(ctx, boardID)
	view, err := c.Store.Board(ctx, boardID)
	if err != nil {
		return View{}, err
	}
	if ok {
		c.store(ctx, view, gen)
	}
	return view, nil
}

func (c *CachedStore) Atomic(ctx context.Context, fn func(Tx) error) error {
	var touched map[string]struct{}
	err := c.Store.Atomic(ctx, func(tx Tx) error {
		rec := &recordingTx{Tx: tx, boards: map[string]struct{}{}}
		touched = rec.boards
		return fn(rec)
	})
	if err != nil {
		return err
	}
	c.evict(ctx, touched)
	return nil
}

func (c *CachedStore) load(ctx context.Context, boardID string) (View, bool) {
	if c.redis == nil {
		return View{}, false
	}
	data, err := c.redis.Get(ctx, boardCacheKey(boardID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.WithError(err).WithField("board_id", boardID).Warn("board cache read failed")
		}
		return View{}, false
	}
	var view View
	if err := json.Unmarshal(data, &view); err != nil {
		_ = c.redis.Del(ctx, boardCacheKey(boardID)).Err()
		return View{}, false
	}
	return view, true
}

var errStaleSnapshot = errors.New("board changed while loading")

func (c *CachedStore) generation(ctx context.Context, boardID string) (int64, bool) {
	if c.redis == nil || c.ttl == 0 {
		return 0, false
	}
	gen, err := c.redis.Get(ctx, boardGenerationKey(boardID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.log.WithError(err).WithField("board_id", boardID).Warn("board cache generation read failed")
		return 0, false
	}
	return gen, true
}

func (c *CachedStore) store(ctx context.Context, view View, gen int64) {
	data, err := json.Marshal(view)
	if err != nil {
		return
	}
	genKey := boardGenerationKey(view.ID)
	err = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return errStaleSnapshot
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, boardCacheKey(view.ID), data, c.ttl)
			return nil
		})
		return err
	}, genKey)
	switch {
	case err == nil, errors.Is(err, errStaleSnapshot), errors.Is(err, redis.TxFailedErr):
	default:
		c.log.WithError(err).WithField("board_id", view.ID).Warn("board cache write failed")
	}
}

func (c *CachedStore) evict(ctx context.Context, boards map[string]struct{}) {
	if c.redis == nil || len(boards) == 0 {
		return
	}
	_, err := c.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for id := range boards {
			p.Incr(ctx, boardGenerationKey(id))
			p.Del(ctx, boardCacheKey(id))
		}
		return nil
	})
	if err != nil {
		c.log.WithError(err).Warn("board cache eviction failed")
	}
}

func boardCacheKey(boardID string) string {
	return "taskboard:board:" + boardID
}

func boardGenerationKey(boardID string) string {
	return "taskboard:board-gen:" + boardID
}

// recordingTx notes every board whose rows a transaction read or wrote.
type recordingTx struct {
	Tx
	boards map[string]struct{}
}

func (r *recordingTx) mark(boardID string) {
	if boardID != "" {
		r.boards[boardID] = struct{}{}
	}
}

func (r *recordingTx) GetList(ctx context.Context, listID string) (List, error) {
	l, err := r.Tx.GetList(ctx, listID)
	r.mark(l.BoardID)
	return l, err
}

func (r *recordingTx) GetTask(ctx context.Context, taskID string) (Task, error) {
	t, err := r.Tx.GetTask(ctx, taskID)
	r.mark(t.BoardID)
	return t, err
}

func (r *recordingTx) LoadLists(ctx context.Context, boardID string) ([]ordering.Item, error) {
	r.mark(boardID)
	return r.Tx.LoadLists(ctx, boardID)
}

func (r *recordingTx) InsertBoard(ctx context.Context, b Board) error {
	r.mark(b.ID)
	return r.Tx.InsertBoard(ctx, b)
}

func (r *recordingTx) InsertList(ctx context.Context, l List) error {
	r.mark(l.BoardID)
	return r.Tx.InsertList(ctx, l)
}

func (r *recordingTx) UpdateList(ctx context.Context, l List) error {
	r.mark(l.BoardID)
	return r.Tx.UpdateList(ctx, l)
}

func (r *recordingTx) InsertTask(ctx context.Context, t Task) error {
	r.mark(t.BoardID)
	return r.Tx.InsertTask(ctx, t)
}

func (r *recordingTx) UpdateTask(ctx context.Context, t Task) error {
	r.mark(t.BoardID)
	return r.Tx.UpdateTask(ctx, t)
}
