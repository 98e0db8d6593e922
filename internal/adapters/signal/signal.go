package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshcall/internal/app"
	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/protocol"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Settings tune one WebSocket session.
type Settings struct {
	ReadLimit  int64
	PingPeriod time.Duration
	WriteWait  time.Duration
	SendBuffer int
}

func DefaultSettings() Settings {
	return Settings{
		ReadLimit:  32768,
		PingPeriod: 54 * time.Second,
		WriteWait:  10 * time.Second,
		SendBuffer: 64,
	}
}

// pongWait is how long a peer may stay silent; pings go out at 9/10 of it.
func (s Settings) pongWait() time.Duration { return s.PingPeriod * 10 / 9 }

type SignalWSController struct {
	Registry *app.Registry
	Limiter  *RoomRateLimiter
	Settings Settings
}

func NewSignalWSController(reg *app.Registry, limiter *RoomRateLimiter, s Settings) *SignalWSController {
	return &SignalWSController{
		Registry: reg,
		Limiter:  limiter,
		Settings: s.withDefaults(),
	}
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.ReadLimit <= 0 {
		s.ReadLimit = def.ReadLimit
	}
	if s.PingPeriod <= 0 {
		s.PingPeriod = def.PingPeriod
	}
	if s.WriteWait <= 0 {
		s.WriteWait = def.WriteWait
	}
	if s.SendBuffer <= 0 {
		s.SendBuffer = def.SendBuffer
	}
	return s
}

// WsSignalConn is the core.SignalConnection of one participant. Frames are
// queued without blocking and written by writePump in order.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
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

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request, registers a fresh participant and
// runs its pumps until either side goes away.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	id := domain.NewParticipantID()
	log.Info().Str("module", "signal").Str("sid", id.String()).Str("client", token).Msg("new WS connection")

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.Settings.SendBuffer),
	}
	ctl.Registry.Connect(id, conn)
	ctl.send(id, protocol.Envelope{Type: protocol.TypeWelcome, Participant: id})

	ctx, cancel := context.WithCancel(ctx)
	s := &session{id: id, client: token, conn: conn}
	go ctl.writePump(ctx, conn)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer cancel()
		ctl.readPump(ctx, s)
	}()
}

// session is what the read pump knows about its participant.
type session struct {
	id     domain.ParticipantID
	client string
	conn   *WsSignalConn
}

// send delivers a relay generated reply to one participant through the
// registry.
func (ctl *SignalWSController) send(id domain.ParticipantID, env protocol.Envelope) {
	if !ctl.Registry.Send(id, env) {
		log.Warn().Str("module", "signal").Str("sid", id.String()).Str("type", string(env.Type)).Msg("send dropped")
	}
}

func (ctl *SignalWSController) sendError(id domain.ParticipantID, code string) {
	ctl.send(id, protocol.ErrorMessage(code))
}
