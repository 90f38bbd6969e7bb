package boardapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/todo-1m/taskboard/internal/app/board"
	"github.com/todo-1m/taskboard/internal/app/ordering"
	"github.com/todo-1m/taskboard/internal/app/presence"
	"github.com/todo-1m/taskboard/internal/contracts"
	platformauth "github.com/todo-1m/taskboard/internal/platform/auth"
	"github.com/todo-1m/taskboard/internal/platform/logging"
)

type apiFixture struct {
	router http.Handler
	tokens platformauth.Manager
	reg    *presence.Registry
	events []contracts.BoardEvent
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		tokens: platformauth.NewManager("api-test-secret", time.Hour),
		reg:    presence.NewRegistry(),
	}
	engine := board.NewEngine(board.NewMemoryStore(), ordering.NewSerializer(), func(ev contracts.BoardEvent) {
		f.events = append(f.events, ev)
	}, logging.Discard())
	f.router = NewHandler(engine, f.reg, f.tokens, "http://localhost:3000", logging.Discard()).Router()
	return f
}

func (f *apiFixture) token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := f.tokens.Sign(userID, "User "+userID, "", role)
	require.NoError(t, err)
	return tok
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestRouter_RequiresBearerToken(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodPost, "/api/v1/boards", "", map[string]string{"name": "x"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/v1/boards", "garbage", map[string]string{"name": "x"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRouter_BoardListTaskFlow(t *testing.T) {
	f := newAPIFixture(t)
	owner := f.token(t, "u1", "")

	rr := f.do(t, http.MethodPost, "/api/v1/boards", owner, map[string]string{"name": "Launch"})
	require.Equal(t, http.StatusCreated, rr.Code)
	b := decodeBody[board.Board](t, rr)

	rr = f.do(t, http.MethodPost, "/api/v1/boards/"+b.ID+"/lists", owner, map[string]string{"title": "Todo"})
	require.Equal(t, http.StatusCreated, rr.Code)
	todo := decodeBody[board.List](t, rr)
	rr = f.do(t, http.MethodPost, "/api/v1/boards/"+b.ID+"/lists", owner, map[string]string{"title": "Done"})
	require.Equal(t, http.StatusCreated, rr.Code)
	done := decodeBody[board.List](t, rr)

	var tasks []board.Task
	for _, title := range []string{"a", "b", "c"} {
		rr = f.do(t, http.MethodPost, "/api/v1/lists/"+todo.ID+"/tasks", owner, board.TaskInput{Title: title})
		require.Equal(t, http.StatusCreated, rr.Code)
		tasks = append(tasks, decodeBody[board.Task](t, rr))
	}

	rr = f.do(t, http.MethodPatch, "/api/v1/tasks/"+tasks[0].ID+"/move", owner,
		map[string]any{"from_list_id": todo.ID, "to_list_id": done.ID, "order": 0})
	require.Equal(t, http.StatusOK, rr.Code)
	moved := decodeBody[board.Task](t, rr)
	assert.Equal(t, done.ID, moved.ListID)
	assert.Equal(t, 0, moved.Order)

	// The client still believes the task is in Todo.
	rr = f.do(t, http.MethodPatch, "/api/v1/tasks/"+tasks[0].ID+"/move", owner,
		map[string]any{"from_list_id": todo.ID, "order": 1})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = f.do(t, http.MethodPatch, "/api/v1/tasks/"+tasks[1].ID+"/move", owner, map[string]any{"to_list_id": todo.ID})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/v1/boards/"+b.ID, owner, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	view := decodeBody[board.View](t, rr)
	require.Len(t, view.Lists, 2)
	require.Len(t, view.Lists[0].Tasks, 2)
	assert.Equal(t, "b", view.Lists[0].Tasks[0].Title)
	assert.Equal(t, 1, view.Lists[0].Tasks[1].Order)

	rr = f.do(t, http.MethodPatch, "/api/v1/lists/"+done.ID+"/move", owner, map[string]any{"order": 0})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 0, decodeBody[board.List](t, rr).Order)

	rr = f.do(t, http.MethodDelete, "/api/v1/tasks/"+tasks[1].ID, owner, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = f.do(t, http.MethodDelete, "/api/v1/tasks/"+tasks[1].ID, owner, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/v1/boards/"+b.ID+"/activity?limit=2", owner, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[[]board.Activity](t, rr), 2)

	assert.NotEmpty(t, f.events)
}

func TestRouter_NonMemberIsForbidden(t *testing.T) {
	f := newAPIFixture(t)
	owner := f.token(t, "u1", "")
	stranger := f.token(t, "u2", "")

	rr := f.do(t, http.MethodPost, "/api/v1/boards", owner, map[string]string{"name": "Private"})
	require.Equal(t, http.StatusCreated, rr.Code)
	b := decodeBody[board.Board](t, rr)

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/api/v1/boards/"+b.ID, stranger, nil).Code)
	assert.Equal(t, http.StatusForbidden,
		f.do(t, http.MethodPost, "/api/v1/boards/"+b.ID+"/lists", stranger, map[string]string{"title": "x"}).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/boards/missing", stranger, nil).Code)

	rr = f.do(t, http.MethodPost, "/api/v1/boards/"+b.ID+"/members", owner, map[string]string{"user_id": "u2"})
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/boards/"+b.ID, stranger, nil).Code)
}

func TestRouter_ValidationErrors(t *testing.T) {
	f := newAPIFixture(t)
	owner := f.token(t, "u1", "")

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/boards", owner, map[string]string{"name": " "}).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/boards", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+owner)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid JSON payload", decodeBody[map[string]string](t, rr)["error"])

	assert.Equal(t, http.StatusNotFound,
		f.do(t, http.MethodPatch, "/api/v1/lists/missing", owner, map[string]string{"title": "x"}).Code)
}

func TestRouter_Presence(t *testing.T) {
	f := newAPIFixture(t)
	owner := f.token(t, "u1", "")
	admin := f.token(t, "root", platformauth.RoleAdmin)

	rr := f.do(t, http.MethodPost, "/api/v1/boards", owner, map[string]string{"name": "Team"})
	require.Equal(t, http.StatusCreated, rr.Code)
	b := decodeBody[board.Board](t, rr)
	f.reg.Join("c1", presence.User{ID: "u1", Name: "User u1"}, b.ID)

	rr = f.do(t, http.MethodGet, "/api/v1/boards/"+b.ID+"/presence", owner, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decodeBody[presenceResponse](t, rr)
	assert.Equal(t, []presence.User{{ID: "u1", Name: "User u1"}}, got.Users)

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/api/v1/admin/presence", owner, nil).Code)

	rr = f.do(t, http.MethodGet, "/api/v1/admin/presence", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	all := decodeBody[allPresenceResponse](t, rr)
	assert.Equal(t, []string{b.ID}, all.Users["u1"].Boards)
	assert.Equal(t, 1, all.Stats.Connections)

	// Admins can inspect any existing board.
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/boards/"+b.ID+"/presence", admin, nil).Code)
}

func TestRouter_ReadEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	ann := f.token(t, "u1", "")
	bob := f.token(t, "u2", "")
	admin := f.token(t, "root", platformauth.RoleAdmin)

	rr := f.do(t, http.MethodPost, "/api/v1/boards", ann, map[string]string{"name": "Ann's"})
	require.Equal(t, http.StatusCreated, rr.Code)
	annBoard := decodeBody[board.Board](t, rr)
	rr = f.do(t, http.MethodPost, "/api/v1/boards", bob, map[string]string{"name": "Bob's"})
	require.Equal(t, http.StatusCreated, rr.Code)
	bobBoard := decodeBody[board.Board](t, rr)

	rr = f.do(t, http.MethodPost, "/api/v1/boards/"+annBoard.ID+"/lists", ann, map[string]string{"title": "Todo"})
	require.Equal(t, http.StatusCreated, rr.Code)
	annList := decodeBody[board.List](t, rr)
	rr = f.do(t, http.MethodPost, "/api/v1/boards/"+bobBoard.ID+"/lists", bob, map[string]string{"title": "Todo"})
	require.Equal(t, http.StatusCreated, rr.Code)
	bobList := decodeBody[board.List](t, rr)

	var annTasks []board.Task
	for _, title := range []string{"Write docs", "Ship release", "write tests"} {
		rr = f.do(t, http.MethodPost, "/api/v1/lists/"+annList.ID+"/tasks", ann, board.TaskInput{Title: title})
		require.Equal(t, http.StatusCreated, rr.Code)
		annTasks = append(annTasks, decodeBody[board.Task](t, rr))
	}
	rr = f.do(t, http.MethodPost, "/api/v1/lists/"+bobList.ID+"/tasks", bob, board.TaskInput{Title: "write secrets"})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/v1/boards", ann, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	boards := decodeBody[[]board.Board](t, rr)
	require.Len(t, boards, 1)
	assert.Equal(t, annBoard.ID, boards[0].ID)

	rr = f.do(t, http.MethodGet, "/api/v1/tasks?search=WRITE&limit=1", ann, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	page := decodeBody[board.TaskPage](t, rr)
	require.Len(t, page.Tasks, 1)
	assert.Equal(t, "Write docs", page.Tasks[0].Title)
	assert.Equal(t, board.Pagination{Page: 1, Limit: 1, Total: 2, Pages: 2}, page.Pagination)

	rr = f.do(t, http.MethodGet, "/api/v1/tasks?search=write&page=2&limit=1", ann, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "write tests", decodeBody[board.TaskPage](t, rr).Tasks[0].Title)

	rr = f.do(t, http.MethodGet, "/api/v1/tasks?search=write", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 3, decodeBody[board.TaskPage](t, rr).Pagination.Total)

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/api/v1/tasks?board_id="+bobBoard.ID, ann, nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/api/v1/tasks?list_id="+bobList.ID, ann, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/tasks?page=x", ann, nil).Code)

	rr = f.do(t, http.MethodGet, "/api/v1/tasks/"+annTasks[1].ID, ann, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Ship release", decodeBody[board.Task](t, rr).Title)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/api/v1/tasks/"+annTasks[1].ID, bob, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/tasks/missing", ann, nil).Code)

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/api/v1/admin/stats", ann, nil).Code)
	f.reg.Join("c1", presence.User{ID: "u1", Name: "User u1"}, annBoard.ID)
	rr = f.do(t, http.MethodGet, "/api/v1/admin/stats", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	stats := decodeBody[statsResponse](t, rr)
	assert.Equal(t, board.Totals{Boards: 2, Lists: 2, Tasks: 4, Activities: 6, Users: 2}, stats.Totals)
	assert.Equal(t, 1, stats.Presence.Users)
}

func TestCORS(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/boards", nil)
	req.Header.Set("Origin", "http://127.0.0.1:3000")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "http://127.0.0.1:3000", rr.Header().Get("Access-Control-Allow-Origin"))

	assert.Equal(t, "*", AllowedOriginFor("", "http://a.example"))
	assert.Equal(t, "https://app.example", AllowedOriginFor("https://app.example", "https://evil.example"))
}
