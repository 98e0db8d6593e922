package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshcall/internal/protocol"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.Settings.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.Settings.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.Settings.WriteWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, s *session) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", s.id.String()).Msg("readPump closing")
		ctl.Registry.Disconnect(s.id)
		s.conn.Close()
	}()

	ws := s.conn.conn
	ws.SetReadLimit(ctl.Settings.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(ctl.Settings.pongWait()))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(ctl.Settings.pongWait()))
	})

	for {
		if ctx.Err() != nil {
			log.Info().Str("module", "signal").Str("sid", s.id.String()).Msg("readPump ctx done")
			return
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Str("module", "signal").Str("sid", s.id.String()).Msg("readPump read error")
			}
			return
		}
		ctl.handleSignal(s, data)
	}
}

func (ctl *SignalWSController) handleSignal(s *session, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", s.id.String()).Msg("bad message")
		ctl.sendError(s.id, protocol.ErrCodeBadPayload)
		return
	}

	switch {
	case env.IsPeerMessage():
		ctl.handleRelay(s, env)
	case env.Type == protocol.TypeJoin:
		ctl.handleJoin(s, env)
	case env.Type == protocol.TypeLeave:
		ctl.handleLeave(s)
	case env.Type == protocol.TypePing:
		ctl.handlePing(s)
	default:
		log.Warn().Str("module", "signal").Str("type", string(env.Type)).Msg("unknown signal")
		ctl.sendError(s.id, protocol.ErrCodeBadPayload)
	}
}
