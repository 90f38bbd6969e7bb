package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/todo-1m/taskboard/internal/contracts"
	platformauth "github.com/todo-1m/taskboard/internal/platform/auth"
	"github.com/todo-1m/taskboard/internal/platform/env"
	"github.com/todo-1m/taskboard/internal/platform/logging"
	"github.com/todo-1m/taskboard/internal/platform/metrics"
)

type config struct {
	BaseURL                 string
	JWTSecret               string
	Users                   int
	UsersPerBoard           int
	ListsPerBoard           int
	SeedTasksPerList        int
	StartupWait             time.Duration
	Duration                time.Duration
	RampUp                  time.Duration
	ActionsPerUserPerSecond float64
	RequestTimeout          time.Duration
	MetricsAddr             string
	EnableWS                bool
}

type idResponse struct {
	ID     string `json:"id"`
	ListID string `json:"list_id"`
}

// sharedBoard is the client-side picture of one board that a group of
// simulated users mutates concurrently. Stale ids are expected; the server
// answers with 404/409 and the action is counted as rejected.
type sharedBoard struct {
	ID    string
	Lists []string

	mu    sync.Mutex
	tasks map[string]string
}

type simulatedUser struct {
	Index int
	ID    string
	Token string
	Board *sharedBoard
}

type runner struct {
	cfg    config
	runID  string
	log    logrus.FieldLogger
	tokens platformauth.Manager
	client *http.Client

	requestsSuccess atomic.Int64
	requestsError   atomic.Int64
	eventsReceived  atomic.Int64
	activeVUs       atomic.Int64
	activeWS        atomic.Int64
}

var (
	requestsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "taskboard_loadgen_requests_total",
		Help: "HTTP requests sent by the load generator.",
	}, []string{"endpoint", "status", "outcome"})

	actionsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "taskboard_loadgen_actions_total",
		Help: "Board actions executed by the load generator.",
	}, []string{"action", "outcome"})

	eventsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "taskboard_loadgen_events_total",
		Help: "Realtime events received by load-generated viewers.",
	}, []string{"type"})

	virtualUsersGauge = metrics.NewGauge(metrics.Opts{
		Name: "taskboard_loadgen_virtual_users",
		Help: "Virtual users currently sending actions.",
	})

	wsConnectedGauge = metrics.NewGauge(metrics.Opts{
		Name: "taskboard_loadgen_ws_connected",
		Help: "Load-generated websocket viewers currently connected.",
	})
)

func init() {
	metrics.Default.MustRegister(requestsTotal, actionsTotal, eventsTotal, virtualUsersGauge, wsConnectedGauge)
}

func main() {
	log := logging.New(env.String("LOG_LEVEL", "info"), env.String("LOG_FORMAT", "text"))
	cfg := loadConfig()
	if cfg.Users <= 0 || cfg.UsersPerBoard <= 0 || cfg.ListsPerBoard <= 0 {
		log.Fatal("LOADGEN_USERS, LOADGEN_USERS_PER_BOARD and LOADGEN_LISTS_PER_BOARD must be > 0")
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx := baseCtx
	if cfg.Duration > 0 {
		timeoutCtx, cancel := context.WithTimeout(baseCtx, cfg.Duration)
		defer cancel()
		ctx = timeoutCtx
	}

	go runMetricsServer(cfg.MetricsAddr, log)

	r := &runner{
		cfg:    cfg,
		runID:  strconv.FormatInt(time.Now().UTC().UnixNano(), 36),
		log:    log,
		tokens: platformauth.NewManager(cfg.JWTSecret, cfg.Duration+time.Hour),
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.Users * 2,
				MaxIdleConnsPerHost: cfg.Users * 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}

	if err := r.waitForReady(ctx); err != nil {
		log.WithError(err).Fatal("board-server not ready")
	}
	users, err := r.setup(ctx)
	if err != nil {
		log.WithError(err).Fatal("setup failed")
	}
	log.WithFields(logrus.Fields{
		"users":    len(users),
		"boards":   (len(users) + cfg.UsersPerBoard - 1) / cfg.UsersPerBoard,
		"duration": cfg.Duration.String(),
		"ws":       cfg.EnableWS,
		"rate":     cfg.ActionsPerUserPerSecond,
	}).Info("load generator initialized")

	go r.logProgress(ctx)

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(u *simulatedUser) {
			defer wg.Done()
			r.runUser(ctx, u)
		}(u)
	}
	<-ctx.Done()
	wg.Wait()

	log.WithFields(logrus.Fields{
		"success_requests": r.requestsSuccess.Load(),
		"error_requests":   r.requestsError.Load(),
		"events_received":  r.eventsReceived.Load(),
	}).Info("load test complete")
}

func loadConfig() config {
	return config{
		BaseURL:                 strings.TrimRight(env.String("LOADGEN_BASE_URL", "http://localhost:8080"), "/"),
		JWTSecret:               env.String("JWT_SECRET", env.DefaultJWTSecret),
		Users:                   env.Int("LOADGEN_USERS", 100),
		UsersPerBoard:           env.Int("LOADGEN_USERS_PER_BOARD", 5),
		ListsPerBoard:           env.Int("LOADGEN_LISTS_PER_BOARD", 3),
		SeedTasksPerList:        env.Int("LOADGEN_SEED_TASKS_PER_LIST", 5),
		StartupWait:             env.Duration("LOADGEN_STARTUP_WAIT", 2*time.Minute),
		Duration:                env.Duration("LOADGEN_DURATION", 5*time.Minute),
		RampUp:                  env.Duration("LOADGEN_RAMP_UP", 20*time.Second),
		ActionsPerUserPerSecond: floatEnv("LOADGEN_ACTIONS_PER_USER_PER_SECOND", 0.5),
		RequestTimeout:          env.Duration("LOADGEN_REQUEST_TIMEOUT", 10*time.Second),
		MetricsAddr:             env.String("LOADGEN_METRICS_ADDR", ":9099"),
		EnableWS:                env.Bool("LOADGEN_ENABLE_WS", true),
	}
}

func (r *runner) waitForReady(ctx context.Context) error {
	deadline := time.Now().Add(r.cfg.StartupWait)
	var lastErr error
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.BaseURL+"/readyz", nil)
		if err != nil {
			return err
		}
		resp, err := r.client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			err = fmt.Errorf("status=%d", resp.StatusCode)
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	if lastErr == nil {
		lastErr = errors.New("timeout")
	}
	return lastErr
}

// setup creates one board per UsersPerBoard users. The first user of each
// group owns the board and seeds its lists and tasks.
func (r *runner) setup(ctx context.Context) ([]*simulatedUser, error) {
	users := make([]*simulatedUser, 0, r.cfg.Users)
	var current *sharedBoard
	var owner *simulatedUser
	for i := 0; i < r.cfg.Users; i++ {
		id := fmt.Sprintf("load-%s-%04d", r.runID, i)
		token, err := r.tokens.Sign(id, "Load "+strconv.Itoa(i), "", "")
		if err != nil {
			return nil, err
		}
		u := &simulatedUser{Index: i, ID: id, Token: token}

		if i%r.cfg.UsersPerBoard == 0 {
			owner = u
			if current, err = r.seedBoard(ctx, u); err != nil {
				return nil, fmt.Errorf("seed board for %s: %w", id, err)
			}
		} else if _, err := r.requestJSON(ctx, owner.Token, "add_member", http.MethodPost,
			"/api/v1/boards/"+current.ID+"/members", map[string]string{"user_id": id}, nil, http.StatusNoContent); err != nil {
			return nil, fmt.Errorf("add member %s: %w", id, err)
		}
		u.Board = current
		users = append(users, u)
	}
	return users, nil
}

func (r *runner) seedBoard(ctx context.Context, owner *simulatedUser) (*sharedBoard, error) {
	var created idResponse
	if _, err := r.requestJSON(ctx, owner.Token, "create_board", http.MethodPost, "/api/v1/boards",
		map[string]string{"name": "Load board " + owner.ID}, &created, http.StatusCreated); err != nil {
		return nil, err
	}
	b := &sharedBoard{ID: created.ID, tasks: map[string]string{}}
	for l := 0; l < r.cfg.ListsPerBoard; l++ {
		var list idResponse
		if _, err := r.requestJSON(ctx, owner.Token, "create_list", http.MethodPost, "/api/v1/boards/"+b.ID+"/lists",
			map[string]string{"title": fmt.Sprintf("List %d", l)}, &list, http.StatusCreated); err != nil {
			return nil, err
		}
		b.Lists = append(b.Lists, list.ID)
		for t := 0; t < r.cfg.SeedTasksPerList; t++ {
			var task idResponse
			if _, err := r.requestJSON(ctx, owner.Token, "create_task", http.MethodPost, "/api/v1/lists/"+list.ID+"/tasks",
				map[string]string{"title": fmt.Sprintf("Seed %d.%d", l, t)}, &task, http.StatusCreated); err != nil {
				return nil, err
			}
			b.tasks[task.ID] = list.ID
		}
	}
	return b, nil
}

func (r *runner) runUser(ctx context.Context, u *simulatedUser) {
	if r.cfg.RampUp > 0 {
		delay := time.Duration(float64(r.cfg.RampUp) / float64(r.cfg.Users) * float64(u.Index))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
	if r.cfg.EnableWS {
		go r.runViewer(ctx, u)
	}

	virtualUsersGauge.Inc()
	r.activeVUs.Add(1)
	defer virtualUsersGauge.Dec()
	defer r.activeVUs.Add(-1)

	interval := time.Duration(float64(time.Second) / r.cfg.ActionsPerUserPerSecond)
	if interval < 25*time.Millisecond {
		interval = 25 * time.Millisecond
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(u.Index*7)))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runAction(ctx, u, rng)
		}
	}
}

func (r *runner) runAction(ctx context.Context, u *simulatedUser, rng *rand.Rand) {
	taskID, listID, ok := u.Board.randomTask(rng)
	choice := rng.Float64()
	switch {
	case !ok || choice < 0.20:
		r.createTask(ctx, u, rng)
	case choice < 0.85:
		r.moveTask(ctx, u, rng, taskID, listID)
	case choice < 0.95:
		r.action(ctx, u.Token, "update_task", http.MethodPatch, "/api/v1/tasks/"+taskID,
			map[string]string{"title": fmt.Sprintf("Edited %d", rng.Intn(1_000_000))}, nil)
	default:
		if r.action(ctx, u.Token, "delete_task", http.MethodDelete, "/api/v1/tasks/"+taskID, nil, nil) {
			u.Board.forget(taskID)
		}
	}
}

func (r *runner) createTask(ctx context.Context, u *simulatedUser, rng *rand.Rand) {
	listID := u.Board.Lists[rng.Intn(len(u.Board.Lists))]
	var task idResponse
	if r.action(ctx, u.Token, "create_task", http.MethodPost, "/api/v1/lists/"+listID+"/tasks",
		map[string]string{"title": fmt.Sprintf("Load task %d", rng.Intn(1_000_000))}, &task) {
		u.Board.track(task.ID, listID)
	}
}

func (r *runner) moveTask(ctx context.Context, u *simulatedUser, rng *rand.Rand, taskID, fromList string) {
	toList := u.Board.Lists[rng.Intn(len(u.Board.Lists))]
	var moved idResponse
	if r.action(ctx, u.Token, "move_task", http.MethodPatch, "/api/v1/tasks/"+taskID+"/move", map[string]any{
		"from_list_id": fromList,
		"to_list_id":   toList,
		"order":        rng.Intn(r.cfg.SeedTasksPerList + 2),
	}, &moved) {
		u.Board.track(taskID, moved.ListID)
	}
}

// action runs one board request. 404 and 409 are rejections caused by a
// stale client view, not server errors.
func (r *runner) action(ctx context.Context, token, name, method, path string, payload, out any) bool {
	status, err := r.requestJSON(ctx, token, name, method, path, payload, out,
		http.StatusOK, http.StatusCreated, http.StatusNoContent)
	switch {
	case err == nil:
		actionsTotal.WithLabelValues(name, "success").Inc()
		return true
	case status == http.StatusNotFound || status == http.StatusConflict:
		actionsTotal.WithLabelValues(name, "rejected").Inc()
	default:
		actionsTotal.WithLabelValues(name, "error").Inc()
	}
	return false
}

func (r *runner) runViewer(ctx context.Context, u *simulatedUser) {
	for ctx.Err() == nil {
		if err := r.watchBoard(ctx, u); err != nil && ctx.Err() == nil {
			r.log.WithError(err).WithField("user_id", u.ID).Debug("viewer reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(1200 * time.Millisecond):
		}
	}
}

func (r *runner) watchBoard(ctx context.Context, u *simulatedUser) error {
	wsURL := "ws" + strings.TrimPrefix(r.cfg.BaseURL, "http") + "/ws?token=" + u.Token
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return err
	}
	defer ws.Close()
	stopClose := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stopClose()

	if err := ws.WriteJSON(contracts.ClientFrame{Type: contracts.FrameJoinBoard, BoardID: u.Board.ID}); err != nil {
		return err
	}
	wsConnectedGauge.Inc()
	r.activeWS.Add(1)
	defer wsConnectedGauge.Dec()
	defer r.activeWS.Add(-1)

	for {
		var ev contracts.BoardEvent
		if err := ws.ReadJSON(&ev); err != nil {
			return err
		}
		eventsTotal.WithLabelValues(ev.Type).Inc()
		r.eventsReceived.Add(1)
	}
}

func (r *runner) requestJSON(ctx context.Context, token, endpoint, method, path string, payload, out any, expected ...int) (int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, "0", "error").Inc()
		r.requestsError.Add(1)
		return 0, err
	}
	defer resp.Body.Close()
	responseBody, _ := io.ReadAll(resp.Body)

	statusText := strconv.Itoa(resp.StatusCode)
	for _, s := range expected {
		if resp.StatusCode != s {
			continue
		}
		requestsTotal.WithLabelValues(endpoint, statusText, "success").Inc()
		r.requestsSuccess.Add(1)
		if out != nil && len(responseBody) > 0 {
			return resp.StatusCode, json.Unmarshal(responseBody, out)
		}
		return resp.StatusCode, nil
	}
	requestsTotal.WithLabelValues(endpoint, statusText, "error").Inc()
	r.requestsError.Add(1)
	return resp.StatusCode, fmt.Errorf("unexpected status=%d body=%s", resp.StatusCode, truncate(string(responseBody), 240))
}

func (r *runner) logProgress(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.log.WithFields(logrus.Fields{
				"success_requests": r.requestsSuccess.Load(),
				"error_requests":   r.requestsError.Load(),
				"events_received":  r.eventsReceived.Load(),
				"active_vus":       r.activeVUs.Load(),
				"active_ws":        r.activeWS.Load(),
			}).Info("progress")
		}
	}
}

func runMetricsServer(addr string, log logrus.FieldLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.DefaultHandler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.WithField("addr", addr).Info("load generator metrics endpoint listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("load generator metrics server failed")
	}
}

func (b *sharedBoard) randomTask(rng *rand.Rand) (string, string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.tasks) == 0 {
		return "", "", false
	}
	n := rng.Intn(len(b.tasks))
	for id, list := range b.tasks {
		if n == 0 {
			return id, list, true
		}
		n--
	}
	return "", "", false
}

func (b *sharedBoard) track(taskID, listID string) {
	if taskID == "" || listID == "" {
		return
	}
	b.mu.Lock()
	b.tasks[taskID] = listID
	b.mu.Unlock()
}

func (b *sharedBoard) forget(taskID string) {
	b.mu.Lock()
	delete(b.tasks, taskID)
	b.mu.Unlock()
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max] + "..."
}

func floatEnv(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
