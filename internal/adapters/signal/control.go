package signal

import "github.com/dkeye/meshcall/internal/protocol"

func (ctl *SignalWSController) handlePing(s *session) {
	ctl.send(s.id, protocol.Envelope{Type: protocol.TypePong})
}
