package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/todo-1m/taskboard/internal/app/broadcast"
	"github.com/todo-1m/taskboard/internal/app/presence"
	"github.com/todo-1m/taskboard/internal/contracts"
	platformauth "github.com/todo-1m/taskboard/internal/platform/auth"
)

const (
	maxFrameBytes        = 4096
	defaultPingInterval  = 25 * time.Second
	defaultWriteTimeout  = 5 * time.Second
	closeReasonSlow      = "outbox overflow"
	closeReasonShutdown  = "server closing"
	closeReasonForbidden = "forbidden"
)

type TokenParser interface {
	Parse(token string) (platformauth.Claims, error)
}

type AccessChecker interface {
	CanAccess(ctx context.Context, boardID, userID string) (bool, error)
}

// Transport upgrades /ws requests and drives one reader and one writer
// goroutine per connection. Frames are validated here; only well-formed
// join/leave requests reach the coordinator.
type Transport struct {
	Coordinator  *Coordinator
	Hub          *broadcast.Hub
	Tokens       TokenParser
	Access       AccessChecker
	Log          logrus.FieldLogger
	Upgrader     websocket.Upgrader
	PingInterval time.Duration
	WriteTimeout time.Duration
	NewConnID    func() string
}

func NewTransport(coord *Coordinator, hub *broadcast.Hub, tokens TokenParser, access AccessChecker, log logrus.FieldLogger) *Transport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Transport{
		Coordinator: coord,
		Hub:         hub,
		Tokens:      tokens,
		Access:      access,
		Log:         log,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		PingInterval: defaultPingInterval,
		WriteTimeout: defaultWriteTimeout,
		NewConnID:    func() string { return ulid.Make().String() },
	}
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = platformauth.BearerToken(r.Header.Get("Authorization"))
	}
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	claims, err := t.Tokens.Parse(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := t.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.Log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	connID := t.NewConnID()
	user := presence.User{ID: claims.UserID(), Name: claims.Name, Email: claims.Email}
	log := t.Log.WithFields(logrus.Fields{"conn_id": connID, "user_id": user.ID})
	conn := t.Hub.Register(connID)
	log.Debug("realtime connection opened")

	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.writeLoop(ctx, ws, conn, log)
	}()

	t.readLoop(ctx, ws, connID, claims, user, log)

	t.Coordinator.OnConnectionClosed(connID)
	cancel()
	wg.Wait()
	_ = ws.Close()
	log.Debug("realtime connection closed")
}

func (t *Transport) readLoop(ctx context.Context, ws *websocket.Conn, connID string, claims platformauth.Claims, user presence.User, log logrus.FieldLogger) {
	pongWait := t.pingInterval() * 2
	ws.SetReadLimit(maxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("realtime read ended")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			t.sendError(connID, "", "text frames only")
			continue
		}
		frame, err := decodeFrame(data)
		if err != nil {
			t.sendError(connID, "", err.Error())
			continue
		}

		switch frame.Type {
		case contracts.FrameJoinBoard:
			ok, err := t.canJoin(ctx, claims, frame.BoardID)
			if err != nil {
				log.WithError(err).WithField("board_id", frame.BoardID).Error("membership check failed")
				t.sendError(connID, frame.BoardID, "membership check failed")
				continue
			}
			if !ok {
				t.sendError(connID, frame.BoardID, closeReasonForbidden)
				continue
			}
			if err := t.Coordinator.JoinBoard(ctx, connID, user, frame.BoardID); err != nil {
				log.WithError(err).WithField("board_id", frame.BoardID).Warn("join board failed")
				return
			}
		case contracts.FrameLeaveBoard:
			if err := t.Coordinator.LeaveBoard(ctx, connID, frame.BoardID); err != nil {
				log.WithError(err).WithField("board_id", frame.BoardID).Warn("leave board failed")
				return
			}
		}
	}
}

func (t *Transport) writeLoop(ctx context.Context, ws *websocket.Conn, conn *broadcast.Conn, log logrus.FieldLogger) {
	ticker := time.NewTicker(t.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case ev := <-conn.Outbox():
			_ = ws.SetWriteDeadline(time.Now().Add(t.writeTimeout()))
			if err := ws.WriteJSON(ev); err != nil {
				log.WithError(err).Debug("realtime write failed")
				_ = ws.Close()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(t.writeTimeout()))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = ws.Close()
				return
			}
		case <-conn.Done():
			reason, code := closeReasonShutdown, websocket.CloseNormalClosure
			if errors.Is(conn.Err(), broadcast.ErrSlowConsumer) {
				reason, code = closeReasonSlow, websocket.CloseTryAgainLater
			}
			msg := websocket.FormatCloseMessage(code, reason)
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.writeTimeout()))
			_ = ws.Close()
			return
		case <-ctx.Done():
			return
		}
	}
}

func (t *Transport) canJoin(ctx context.Context, claims platformauth.Claims, boardID string) (bool, error) {
	if claims.IsAdmin() || t.Access == nil {
		return true, nil
	}
	return t.Access.CanAccess(ctx, boardID, claims.UserID())
}

func (t *Transport) sendError(connID, boardID, message string) {
	raw, _ := json.Marshal(contracts.ErrorPayload{Message: message})
	_ = t.Hub.Send(connID, contracts.BoardEvent{
		EventID:    t.Coordinator.NewEventID(),
		BoardID:    boardID,
		Type:       contracts.EventError,
		Payload:    raw,
		OccurredAt: t.Coordinator.Now(),
	})
}

func (t *Transport) pingInterval() time.Duration {
	if t.PingInterval <= 0 {
		return defaultPingInterval
	}
	return t.PingInterval
}

func (t *Transport) writeTimeout() time.Duration {
	if t.WriteTimeout <= 0 {
		return defaultWriteTimeout
	}
	return t.WriteTimeout
}

var (
	errMalformedFrame = errors.New("malformed frame")
	errUnknownFrame   = errors.New("unknown frame type")
	errMissingBoard   = errors.New("board_id is required")
)

func decodeFrame(data []byte) (contracts.ClientFrame, error) {
	var frame contracts.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return contracts.ClientFrame{}, errMalformedFrame
	}
	frame.Type = strings.TrimSpace(frame.Type)
	frame.BoardID = strings.TrimSpace(frame.BoardID)
	switch frame.Type {
	case contracts.FrameJoinBoard, contracts.FrameLeaveBoard:
	default:
		return contracts.ClientFrame{}, errUnknownFrame
	}
	if frame.BoardID == "" {
		return contracts.ClientFrame{}, errMissingBoard
	}
	return frame, nil
}
