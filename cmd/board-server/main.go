package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/todo-1m/taskboard/internal/app/board"
	"github.com/todo-1m/taskboard/internal/app/boardapi"
	"github.com/todo-1m/taskboard/internal/app/broadcast"
	"github.com/todo-1m/taskboard/internal/app/ordering"
	"github.com/todo-1m/taskboard/internal/app/presence"
	"github.com/todo-1m/taskboard/internal/app/realtime"
	"github.com/todo-1m/taskboard/internal/app/relay"
	"github.com/todo-1m/taskboard/internal/contracts"
	platformauth "github.com/todo-1m/taskboard/internal/platform/auth"
	"github.com/todo-1m/taskboard/internal/platform/config"
	"github.com/todo-1m/taskboard/internal/platform/dbpool"
	"github.com/todo-1m/taskboard/internal/platform/logging"
	"github.com/todo-1m/taskboard/internal/platform/metrics"
	"github.com/todo-1m/taskboard/internal/platform/natsutil"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", os.Getenv("BOARD_CONFIG"), "optional TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	if cfg.InstanceID == "" {
		cfg.InstanceID = ulid.Make().String()
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("board-server stopped")
	}
}

func run(cfg config.Config, log *logrus.Logger) error {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, pool, err := openStore(runCtx, cfg, log)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		store = board.NewCachedStore(store, redisClient, cfg.RedisCacheTTL.Duration, log.WithField("component", "cache"))
		log.WithField("addr", cfg.RedisAddr).Info("board cache enabled")
	}

	hub := broadcast.NewHub(cfg.OutboxSize, log.WithField("component", "broadcast"))
	hub.Metrics = broadcast.NewMetrics(metrics.Default)
	registry := presence.NewRegistry()
	registerPresenceGauges(registry)

	var natsClient *natsutil.Client
	var boardRelay *relay.Relay
	if cfg.NATSURL != "" {
		natsClient, err = natsutil.ConnectJetStreamWithRetry(cfg.NATSURL, "board-server-"+cfg.InstanceID, cfg.NATSConnectWait.Duration)
		if err != nil {
			return err
		}
		defer natsClient.Close()
		boardRelay = relay.New(natsClient.JS, hub, cfg.InstanceID, log.WithField("component", "relay"))
		boardRelay.Metrics = relay.NewMetrics(metrics.Default)
	}

	locks := ordering.NewSerializer()
	engine := board.NewEngine(store, locks, func(ev contracts.BoardEvent) {
		hub.Publish(ev.BoardID, ev)
		if boardRelay != nil {
			boardRelay.Forward(ev)
		}
	}, log.WithField("component", "engine"))
	engine.Origin = cfg.InstanceID
	engine.Metrics = board.NewMetrics(metrics.Default)

	tokens := platformauth.NewManager(cfg.JWTSecret, 12*time.Hour)
	coordinator := realtime.NewCoordinator(registry, hub, locks, log.WithField("component", "realtime"))
	coordinator.Origin = cfg.InstanceID
	transport := realtime.NewTransport(coordinator, hub, tokens, engine, log.WithField("component", "ws"))
	transport.PingInterval = cfg.PingInterval.Duration
	transport.WriteTimeout = cfg.WriteTimeout.Duration
	transport.Upgrader.CheckOrigin = func(r *http.Request) bool {
		return originAllowed(cfg.AllowedOrigin, r.Header.Get("Origin"))
	}
	api := boardapi.NewHandler(engine, registry, tokens, cfg.AllowedOrigin, log.WithField("component", "api"))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := checkReadiness(r.Context(), pool, redisClient, natsClient); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.DefaultHandler())
	mux.Handle("/ws", transport)
	mux.Handle("/", api.Router())

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{"addr": cfg.HTTPAddr, "instance_id": cfg.InstanceID}).Info("board-server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if boardRelay != nil {
		g.Go(func() error { return boardRelay.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
		defer cancel()
		// Hijacked websocket connections are not tracked by Shutdown.
		hub.CloseAll()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("graceful shutdown failed")
		}
		return nil
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config, log *logrus.Logger) (board.Store, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, using in-memory store")
		return board.NewMemoryStore(), nil, nil
	}
	pool, err := dbpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	store := board.NewPostgresStore(pool)
	if err := dbpool.WaitReady(ctx, pool, store.EnsureSchema, 30*time.Second, log); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool, nil
}

// originAllowed applies the CORS origin policy to websocket upgrades.
// Non-browser clients send no Origin header.
func originAllowed(allowed, origin string) bool {
	if origin == "" {
		return true
	}
	got := boardapi.AllowedOriginFor(allowed, origin)
	return got == "*" || got == origin
}

func registerPresenceGauges(reg *presence.Registry) {
	metrics.Default.MustRegister(
		metrics.NewGaugeFunc(metrics.Opts{
			Name: "taskboard_presence_boards",
			Help: "Boards with at least one present user.",
		}, func() float64 { return float64(reg.Stats().Boards) }),
		metrics.NewGaugeFunc(metrics.Opts{
			Name: "taskboard_presence_users",
			Help: "Distinct users present on any board.",
		}, func() float64 { return float64(reg.Stats().Users) }),
		metrics.NewGaugeFunc(metrics.Opts{
			Name: "taskboard_presence_connections",
			Help: "Connections joined to a board.",
		}, func() float64 { return float64(reg.Stats().Connections) }),
	)
}

func checkReadiness(ctx context.Context, pool *pgxpool.Pool, rdb *redis.Client, nc *natsutil.Client) error {
	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if pool != nil {
		if err := pool.Ping(checkCtx); err != nil {
			return fmt.Errorf("postgres ping failed: %w", err)
		}
	}
	if rdb != nil {
		if err := rdb.Ping(checkCtx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
	}
	if nc != nil && !nc.Connected() {
		return errors.New("nats is not connected")
	}
	return nil
}
