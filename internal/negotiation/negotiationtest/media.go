// Package negotiationtest provides an in-memory media engine that follows
// the offer/answer state rules of a real peer connection without any
// network or codec work.
package negotiationtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
)

var (
	ErrClosed              = errors.New("media closed")
	ErrInvalidState        = errors.New("invalid signaling state")
	ErrNoRemoteDescription = errors.New("no remote description")
	ErrMalformedCandidate  = errors.New("malformed candidate")
)

// Media is a fake core.MediaEngine. Offers are named "<name>-offer-<n>",
// answers "<name>-answer-to-<offer>". Candidates starting with "bad" fail
// to apply.
type Media struct {
	name string

	// AutoNegotiate raises negotiation-needed from Start, the way a real
	// engine does once transceivers are added.
	AutoNegotiate bool
	// EmitCandidates is the number of local candidates gathered after
	// every local offer or answer.
	EmitCandidates int

	mu         sync.Mutex
	state      webrtc.SignalingState
	local      *webrtc.SessionDescription
	prevLocal  *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	offers     int
	candSeq    int
	applied    []webrtc.ICECandidateInit
	rollbacks  int
	closed     bool
	offerErr   error
	answerErr  error
	startErr   error
	offerGate  chan struct{}
	onNeg      func()
	onICE      func(webrtc.ICECandidateInit)
}

func NewMedia(name string) *Media {
	return &Media{name: name, state: webrtc.SignalingStateStable}
}

func (m *Media) Start(context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.startErr != nil {
		err := m.startErr
		m.mu.Unlock()
		return err
	}
	onNeg := m.onNeg
	auto := m.AutoNegotiate
	m.mu.Unlock()
	if auto && onNeg != nil {
		onNeg()
	}
	return nil
}

func (m *Media) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Media) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	gate := m.offerGate
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return webrtc.SessionDescription{}, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if m.offerErr != nil {
		return webrtc.SessionDescription{}, m.offerErr
	}
	m.offers++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("%s-offer-%d", m.name, m.offers),
	}, nil
}

func (m *Media) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if m.state != webrtc.SignalingStateHaveRemoteOffer || m.remote == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer in %s: %w", m.state, ErrInvalidState)
	}
	if m.answerErr != nil {
		return webrtc.SessionDescription{}, m.answerErr
	}
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("%s-answer-to-%s", m.name, m.remote.SDP),
	}, nil
}

func (m *Media) SetLocalDescription(_ context.Context, desc webrtc.SessionDescription) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	switch desc.Type {
	case webrtc.SDPTypeRollback:
		if m.state != webrtc.SignalingStateHaveLocalOffer {
			m.mu.Unlock()
			return fmt.Errorf("rollback in %s: %w", m.state, ErrInvalidState)
		}
		m.local = m.prevLocal
		m.state = webrtc.SignalingStateStable
		m.rollbacks++
		m.mu.Unlock()
		return nil
	case webrtc.SDPTypeOffer:
		if m.state != webrtc.SignalingStateStable {
			m.mu.Unlock()
			return fmt.Errorf("local offer in %s: %w", m.state, ErrInvalidState)
		}
		m.prevLocal = m.local
		m.state = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		if m.state != webrtc.SignalingStateHaveRemoteOffer {
			m.mu.Unlock()
			return fmt.Errorf("local answer in %s: %w", m.state, ErrInvalidState)
		}
		m.state = webrtc.SignalingStateStable
	default:
		m.mu.Unlock()
		return fmt.Errorf("local %s: %w", desc.Type, ErrInvalidState)
	}
	d := desc
	m.local = &d
	cands := m.gatherLocked()
	onICE := m.onICE
	m.mu.Unlock()

	if onICE != nil {
		for _, c := range cands {
			onICE(c)
		}
	}
	return nil
}

func (m *Media) gatherLocked() []webrtc.ICECandidateInit {
	out := make([]webrtc.ICECandidateInit, 0, m.EmitCandidates)
	for i := 0; i < m.EmitCandidates; i++ {
		m.candSeq++
		out = append(out, webrtc.ICECandidateInit{
			Candidate: fmt.Sprintf("candidate:%s-%d", m.name, m.candSeq),
		})
	}
	return out
}

func (m *Media) SetRemoteDescription(_ context.Context, desc webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if m.state != webrtc.SignalingStateStable {
			return fmt.Errorf("remote offer in %s: %w", m.state, ErrInvalidState)
		}
		m.state = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if m.state != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("remote answer in %s: %w", m.state, ErrInvalidState)
		}
		m.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("remote %s: %w", desc.Type, ErrInvalidState)
	}
	d := desc
	m.remote = &d
	return nil
}

func (m *Media) AddICECandidate(_ context.Context, c webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.remote == nil {
		return ErrNoRemoteDescription
	}
	if strings.HasPrefix(c.Candidate, "bad") {
		return ErrMalformedCandidate
	}
	m.applied = append(m.applied, c)
	return nil
}

func (m *Media) SignalingState() webrtc.SignalingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Media) LocalDescription() *webrtc.SessionDescription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyDesc(m.local)
}

func (m *Media) RemoteDescription() *webrtc.SessionDescription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyDesc(m.remote)
}

func (m *Media) OnNegotiationNeeded(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onNeg = fn
}

func (m *Media) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onICE = fn
}

// RaiseNegotiationNeeded simulates a local track change.
func (m *Media) RaiseNegotiationNeeded() {
	m.mu.Lock()
	fn := m.onNeg
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// FailCreateOffer makes every following CreateOffer return err; nil clears it.
func (m *Media) FailCreateOffer(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offerErr = err
}

// FailCreateAnswer makes every following CreateAnswer return err; nil
// clears it.
func (m *Media) FailCreateAnswer(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answerErr = err
}

// FailStart makes Start return err.
func (m *Media) FailStart(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// HoldOffers makes CreateOffer block until the returned release func is
// called or its context ends.
func (m *Media) HoldOffers() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.offerGate = gate
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.offerGate = nil
			m.mu.Unlock()
			close(gate)
		})
	}
}

// SDPs returns the local and remote SDP strings, empty when unset.
func (m *Media) SDPs() (local, remote string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.local != nil {
		local = m.local.SDP
	}
	if m.remote != nil {
		remote = m.remote.SDP
	}
	return local, remote
}

// Applied returns the remote candidates applied so far, in order.
func (m *Media) Applied() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.applied))
	for _, c := range m.applied {
		out = append(out, c.Candidate)
	}
	return out
}

func (m *Media) Rollbacks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rollbacks
}

func (m *Media) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func copyDesc(d *webrtc.SessionDescription) *webrtc.SessionDescription {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}
