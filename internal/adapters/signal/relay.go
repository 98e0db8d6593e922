package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshcall/internal/protocol"
)

// handleRelay forwards offers, answers and candidates untouched. Unknown
// targets are dropped without telling the sender.
func (ctl *SignalWSController) handleRelay(s *session, env protocol.Envelope) {
	if env.To == "" {
		log.Warn().Err(protocol.ErrMissingTarget).Str("module", "signal").Str("sid", s.id.String()).Str("type", string(env.Type)).Msg("relay without target")
		ctl.sendError(s.id, protocol.ErrCodeBadPayload)
		return
	}
	ctl.Registry.Relay(s.id, env.To, env)
}
