package boardapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/todo-1m/taskboard/internal/app/board"
	"github.com/todo-1m/taskboard/internal/app/presence"
	platformauth "github.com/todo-1m/taskboard/internal/platform/auth"
)

type TokenParser interface {
	Parse(token string) (platformauth.Claims, error)
}

type Handler struct {
	Engine        *board.Engine
	Presence      *presence.Registry
	Tokens        TokenParser
	AllowedOrigin string
	Log           logrus.FieldLogger
}

func NewHandler(engine *board.Engine, reg *presence.Registry, tokens TokenParser, allowedOrigin string, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Engine:        engine,
		Presence:      reg,
		Tokens:        tokens,
		AllowedOrigin: allowedOrigin,
		Log:           log,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)

		authR.Get("/api/v1/boards", h.handleListBoards)
		authR.Post("/api/v1/boards", h.handleCreateBoard)
		authR.Get("/api/v1/boards/{boardID}", h.handleGetBoard)
		authR.Post("/api/v1/boards/{boardID}/members", h.handleAddMember)
		authR.Get("/api/v1/boards/{boardID}/presence", h.handleBoardPresence)
		authR.Get("/api/v1/boards/{boardID}/activity", h.handleActivity)
		authR.Post("/api/v1/boards/{boardID}/lists", h.handleCreateList)

		authR.Patch("/api/v1/lists/{listID}", h.handleUpdateList)
		authR.Delete("/api/v1/lists/{listID}", h.handleDeleteList)
		authR.Patch("/api/v1/lists/{listID}/move", h.handleMoveList)
		authR.Post("/api/v1/lists/{listID}/tasks", h.handleCreateTask)

		authR.Get("/api/v1/tasks", h.handleSearchTasks)
		authR.Get("/api/v1/tasks/{taskID}", h.handleGetTask)
		authR.Patch("/api/v1/tasks/{taskID}", h.handleUpdateTask)
		authR.Delete("/api/v1/tasks/{taskID}", h.handleDeleteTask)
		authR.Patch("/api/v1/tasks/{taskID}/move", h.handleMoveTask)

		authR.Get("/api/v1/admin/presence", h.handleAllPresence)
		authR.Get("/api/v1/admin/stats", h.handleStats)
	})

	return r
}

type createBoardRequest struct {
	Name string `json:"name"`
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type titleRequest struct {
	Title string `json:"title"`
}

type moveListRequest struct {
	Order *int `json:"order"`
}

type moveTaskRequest struct {
	FromListID string `json:"from_list_id"`
	ToListID   string `json:"to_list_id"`
	Order      *int   `json:"order"`
}

type presenceResponse struct {
	BoardID string          `json:"board_id"`
	Users   []presence.User `json:"users"`
}

type allPresenceResponse struct {
	Users map[string]presence.UserPresence `json:"users"`
	Stats presence.Stats                   `json:"stats"`
}

type statsResponse struct {
	Totals   board.Totals   `json:"totals"`
	Presence presence.Stats `json:"presence"`
}

func (h *Handler) handleListBoards(w http.ResponseWriter, r *http.Request) {
	boards, err := h.Engine.Boards(r.Context(), claimsFromContext(r.Context()).UserID())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, boards)
}

func (h *Handler) handleCreateBoard(w http.ResponseWriter, r *http.Request) {
	var req createBoardRequest
	if !h.decode(w, r, &req) {
		return
	}
	b, err := h.Engine.CreateBoard(r.Context(), actorFromContext(r.Context()), req.Name)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, b)
}

func (h *Handler) handleGetBoard(w http.ResponseWriter, r *http.Request) {
	boardID := chi.URLParam(r, "boardID")
	if !h.authorizeBoard(w, r, boardID) {
		return
	}
	view, err := h.Engine.GetBoard(r.Context(), boardID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleAddMember(w http.ResponseWriter, r *http.Request) {
	boardID := chi.URLParam(r, "boardID")
	var req addMemberRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.authorizeBoard(w, r, boardID) {
		return
	}
	if err := h.Engine.AddMember(r.Context(), actorFromContext(r.Context()), boardID, req.UserID, req.Role); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleBoardPresence(w http.ResponseWriter, r *http.Request) {
	boardID := chi.URLParam(r, "boardID")
	if !h.authorizeBoard(w, r, boardID) {
		return
	}
	h.writeJSON(w, http.StatusOK, presenceResponse{BoardID: boardID, Users: h.Presence.Snapshot(boardID)})
}

func (h *Handler) handleAllPresence(w http.ResponseWriter, r *http.Request) {
	if !claimsFromContext(r.Context()).IsAdmin() {
		h.writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	h.writeJSON(w, http.StatusOK, allPresenceResponse{Users: h.Presence.All(), Stats: h.Presence.Stats()})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if !claimsFromContext(r.Context()).IsAdmin() {
		h.writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	totals, err := h.Engine.Totals(r.Context())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, statsResponse{Totals: totals, Presence: h.Presence.Stats()})
}

func (h *Handler) handleActivity(w http.ResponseWriter, r *http.Request) {
	boardID := chi.URLParam(r, "boardID")
	if !h.authorizeBoard(w, r, boardID) {
		return
	}
	page, err := intParam(r, "page", 1)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := intParam(r, "limit", 20)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	items, err := h.Engine.Activity(r.Context(), boardID, page, limit)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handleCreateList(w http.ResponseWriter, r *http.Request) {
	boardID := chi.URLParam(r, "boardID")
	var req titleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.authorizeBoard(w, r, boardID) {
		return
	}
	l, err := h.Engine.CreateList(r.Context(), actorFromContext(r.Context()), boardID, req.Title)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, l)
}

func (h *Handler) handleUpdateList(w http.ResponseWriter, r *http.Request) {
	listID := chi.URLParam(r, "listID")
	var req titleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.authorizeList(w, r, listID) {
		return
	}
	l, err := h.Engine.UpdateList(r.Context(), actorFromContext(r.Context()), listID, req.Title)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, l)
}

func (h *Handler) handleDeleteList(w http.ResponseWriter, r *http.Request) {
	listID := chi.URLParam(r, "listID")
	if !h.authorizeList(w, r, listID) {
		return
	}
	if err := h.Engine.DeleteList(r.Context(), actorFromContext(r.Context()), listID); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMoveList(w http.ResponseWriter, r *http.Request) {
	listID := chi.URLParam(r, "listID")
	var req moveListRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Order == nil {
		h.writeError(w, http.StatusBadRequest, "order is required")
		return
	}
	if !h.authorizeList(w, r, listID) {
		return
	}
	l, err := h.Engine.MoveList(r.Context(), actorFromContext(r.Context()), listID, *req.Order)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, l)
}

func (h *Handler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	listID := chi.URLParam(r, "listID")
	var req board.TaskInput
	if !h.decode(w, r, &req) {
		return
	}
	if !h.authorizeList(w, r, listID) {
		return
	}
	t, err := h.Engine.CreateTask(r.Context(), actorFromContext(r.Context()), listID, req)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, t)
}

// handleSearchTasks searches the caller's boards. A board_id or list_id
// filter must name a board the caller may read.
func (h *Handler) handleSearchTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := board.TaskQuery{
		BoardID: strings.TrimSpace(query.Get("board_id")),
		ListID:  strings.TrimSpace(query.Get("list_id")),
		Search:  query.Get("search"),
	}
	claims := claimsFromContext(r.Context())
	if !claims.IsAdmin() {
		q.MemberID = claims.UserID()
	}
	if q.BoardID != "" && !h.authorizeBoard(w, r, q.BoardID) {
		return
	}
	if q.ListID != "" && !h.authorizeList(w, r, q.ListID) {
		return
	}
	page, err := intParam(r, "page", 1)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := intParam(r, "limit", 10)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := h.Engine.SearchTasks(r.Context(), q, page, limit)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if !h.authorizeTask(w, r, taskID) {
		return
	}
	t, err := h.Engine.GetTask(r.Context(), taskID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

func (h *Handler) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var req board.TaskPatch
	if !h.decode(w, r, &req) {
		return
	}
	if !h.authorizeTask(w, r, taskID) {
		return
	}
	t, err := h.Engine.UpdateTask(r.Context(), actorFromContext(r.Context()), taskID, req)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

func (h *Handler) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if !h.authorizeTask(w, r, taskID) {
		return
	}
	if err := h.Engine.DeleteTask(r.Context(), actorFromContext(r.Context()), taskID); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMoveTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var req moveTaskRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Order == nil {
		h.writeError(w, http.StatusBadRequest, "order is required")
		return
	}
	if !h.authorizeTask(w, r, taskID) {
		return
	}
	t, err := h.Engine.MoveTask(r.Context(), actorFromContext(r.Context()), taskID, req.FromListID, req.ToListID, *req.Order)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// authorizeBoard writes 404 for an unknown board and 403 for a non-member.
// Admins only need the board to exist.
func (h *Handler) authorizeBoard(w http.ResponseWriter, r *http.Request, boardID string) bool {
	claims := claimsFromContext(r.Context())
	if !claims.IsAdmin() {
		ok, err := h.Engine.CanAccess(r.Context(), boardID, claims.UserID())
		if err != nil {
			h.writeEngineError(w, err)
			return false
		}
		if ok {
			return true
		}
	}
	if _, err := h.Engine.Store.Board(r.Context(), boardID); err != nil {
		h.writeEngineError(w, err)
		return false
	}
	if claims.IsAdmin() {
		return true
	}
	h.writeError(w, http.StatusForbidden, board.ErrForbidden.Error())
	return false
}

func (h *Handler) authorizeList(w http.ResponseWriter, r *http.Request, listID string) bool {
	l, err := h.Engine.Store.List(r.Context(), listID)
	if err != nil {
		h.writeEngineError(w, err)
		return false
	}
	return h.authorizeBoard(w, r, l.BoardID)
}

func (h *Handler) authorizeTask(w http.ResponseWriter, r *http.Request, taskID string) bool {
	t, err := h.Engine.Store.Task(r.Context(), taskID)
	if err != nil {
		h.writeEngineError(w, err)
		return false
	}
	return h.authorizeBoard(w, r, t.BoardID)
}

func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, board.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, board.ErrConflict):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, board.ErrForbidden):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, board.ErrInvalidPosition),
		errors.Is(err, board.ErrTitleRequired),
		errors.Is(err, board.ErrNameRequired),
		errors.Is(err, board.ErrIDRequired),
		errors.Is(err, board.ErrUserRequired),
		errors.Is(err, board.ErrCrossBoardMove):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.writeError(w, http.StatusServiceUnavailable, "request canceled")
	default:
		h.Log.WithError(err).Error("board request failed")
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	return true
}

func intParam(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return v, nil
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin, Access-Control-Request-Headers")
		w.Header().Set("Access-Control-Allow-Origin", AllowedOriginFor(h.AllowedOrigin, r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")

		requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
		if requestHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		next.ServeHTTP(w, r)
	})
}

// AllowedOriginFor picks the Access-Control-Allow-Origin value. Loopback
// origins that differ only in host spelling are treated as equal.
func AllowedOriginFor(allowed, requestOrigin string) string {
	allowed = strings.TrimSpace(allowed)
	if allowed == "" || allowed == "*" {
		return "*"
	}
	origin := strings.TrimSpace(requestOrigin)
	if origin == "" {
		return allowed
	}
	if origin == allowed || isEquivalentLoopbackOrigin(origin, allowed) {
		return origin
	}
	return allowed
}

func isEquivalentLoopbackOrigin(originA, originB string) bool {
	a, err := url.Parse(originA)
	if err != nil {
		return false
	}
	b, err := url.Parse(originB)
	if err != nil {
		return false
	}
	if !isLoopbackHost(a.Hostname()) || !isLoopbackHost(b.Hostname()) {
		return false
	}
	if a.Port() != b.Port() {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme)
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

type claimsContextKey struct{}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.Tokens.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithClaims(r.Context(), claims)))
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func contextWithClaims(ctx context.Context, claims platformauth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

func claimsFromContext(ctx context.Context) platformauth.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(platformauth.Claims)
	return claims
}

func actorFromContext(ctx context.Context) board.Actor {
	claims := claimsFromContext(ctx)
	return board.Actor{UserID: claims.UserID(), Name: claims.Name}
}
