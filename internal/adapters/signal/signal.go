package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Babel/internal/app/orch"
	"github.com/dkeye/Babel/internal/core"
	"github.com/dkeye/Babel/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultSendBuffer = 64
	defaultReadLimit  = 1 << 20
	defaultPingPeriod = 54 * time.Second
	writeWait         = 5 * time.Second
	negotiateTimeout  = 15 * time.Second
)

type ControllerConfig struct {
	SendBuffer int
	ReadLimit  int64
	PingPeriod time.Duration
}

type SignalWSController struct {
	Orch     *orch.Orchestrator
	Speaking *RoomRateLimiter
	cfg      ControllerConfig
}

func NewSignalWSController(o *orch.Orchestrator, speaking *RoomRateLimiter, cfg ControllerConfig) *SignalWSController {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	return &SignalWSController{Orch: o, Speaking: speaking, cfg: cfg}
}

// WsSignalConn is the core.SignalConnection over one websocket. All writes
// go through the send channel and are flushed by writePump.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{conn: ws, send: make(chan core.Frame, buffer)}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnectionClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var _ core.SignalConnection = (*WsSignalConn)(nil)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// session is the per-connection state shared by the pumps and handlers.
type session struct {
	conn   *WsSignalConn
	member *orch.Membership
	room   domain.RoomID
	user   domain.UserID
}

func (s *session) replaced() bool {
	return s.member != nil && s.member.Replaced()
}

// HandleSignal upgrades the request and joins userRaw to roomRaw. The
// connection lives until the client disconnects or the room removes it.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context, roomRaw, userRaw string) {
	roomID, err := domain.NewRoomID(roomRaw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, err := domain.NewUserID(userRaw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	logger := log.With().Str("module", "signal").Str("room", string(roomID)).Str("user", string(userID)).Logger()
	logger.Info().Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.cfg.ReadLimit)
	conn := newWsSignalConn(ws, ctl.cfg.SendBuffer)

	m, err := ctl.Orch.Join(ctx, roomID, userID, conn)
	if err != nil {
		logger.Error().Err(err).Msg("join failed")
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteJSON(domain.ErrorEvent{Type: domain.EventError, Error: "join_failed"})
		conn.Close()
		return
	}

	s := &session{conn: conn, member: m, room: roomID, user: userID}
	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, s)
	go ctl.readPump(ctx, cancel, s)
}
