package negotiation

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

type eventKind int

const (
	evNegotiationNeeded eventKind = iota
	evOffer
	evAnswer
	evCandidate
	evLocalCandidate
)

type event struct {
	kind eventKind
	desc webrtc.SessionDescription
	cand webrtc.ICECandidateInit
}

// mailbox is an unbounded FIFO. push never blocks, so a slow link cannot
// stall whoever dispatches to it.
type mailbox struct {
	mu     sync.Mutex
	queue  []event
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) push(e event) {
	m.mu.Lock()
	m.queue = append(m.queue, e)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue
	m.queue = nil
	return q
}
