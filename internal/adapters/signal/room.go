package signal

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshcall/internal/app"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/protocol"
)

// handleJoin puts the participant into a room. The registry answers with
// existing-members itself, so success sends nothing here.
func (ctl *SignalWSController) handleJoin(s *session, env protocol.Envelope) {
	name, err := domain.NewRoomName(string(env.Room))
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", s.id.String()).Msg("invalid room")
		ctl.sendError(s.id, protocol.ErrCodeInvalidRoom)
		return
	}

	key := s.client
	if key == "" {
		key = s.id.String()
	}
	if ctl.Limiter != nil && !ctl.Limiter.Allow(key) {
		log.Warn().Str("module", "signal").Str("sid", s.id.String()).Str("client", key).Msg("join rate limited")
		ctl.sendError(s.id, protocol.ErrCodeRateLimited)
		return
	}

	log.Info().Str("module", "signal").Str("sid", s.id.String()).Str("room", string(name)).Msg("join")
	if _, err := ctl.Registry.Join(s.id, name); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", s.id.String()).Msg("join failed")
		ctl.sendError(s.id, joinErrorCode(err))
	}
}

func joinErrorCode(err error) string {
	switch {
	case errors.Is(err, app.ErrRoomFull):
		return protocol.ErrCodeRoomFull
	case errors.Is(err, app.ErrAlreadyInRoom):
		return protocol.ErrCodeAlreadyInRoom
	default:
		return protocol.ErrCodeBadPayload
	}
}

// handleLeave leaves the current room; the connection stays open.
func (ctl *SignalWSController) handleLeave(s *session) {
	log.Info().Str("module", "signal").Str("sid", s.id.String()).Msg("leave")
	if !ctl.Registry.Leave(s.id) {
		ctl.sendError(s.id, protocol.ErrCodeNotInRoom)
	}
}
