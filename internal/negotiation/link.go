// Package negotiation drives one offer/answer relationship per remote
// participant. Every Link runs its own actor goroutine; all state flags and
// the candidate buffer are only touched from that goroutine, or by Close.
package negotiation

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/protocol"
)

// Sender relays an addressed envelope towards the remote participant.
type Sender interface {
	Send(ctx context.Context, env protocol.Envelope) error
}

// Hooks let a presentation layer follow link health. They run on the link's
// goroutine and must not block.
type Hooks struct {
	Negotiated func(remote domain.ParticipantID)
	Degraded   func(remote domain.ParticipantID, err error)
	Closed     func(remote domain.ParticipantID)
}

type counters struct {
	offersSent        int
	answersSent       int
	offersIgnored     int
	rollbacks         int
	staleAnswers      int
	candidatesApplied int
	candidatesDropped int
}

// Stats is a point in time view of a link.
type Stats struct {
	Remote                     domain.ParticipantID
	Role                       Role
	SignalingState             webrtc.SignalingState
	MakingOffer                bool
	SettingRemoteAnswerPending bool
	Buffered                   int
	Closed                     bool

	OffersSent        int
	AnswersSent       int
	OffersIgnored     int
	Rollbacks         int
	StaleAnswers      int
	CandidatesApplied int
	CandidatesDropped int
}

type Link struct {
	remote domain.ParticipantID
	role   Role
	media  core.MediaEngine
	out    Sender
	hooks  Hooks
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	inbox  *mailbox
	done   chan struct{}

	mu                         sync.Mutex
	makingOffer                bool
	settingRemoteAnswerPending bool
	buffer                     candidateQueue
	closed                     bool
	stats                      counters
}

// NewLink wires the media engine callbacks, starts the link goroutine and
// then starts the media engine, so a negotiation-needed raised during Start
// is not lost.
func NewLink(
	ctx context.Context,
	remote domain.ParticipantID,
	role Role,
	media core.MediaEngine,
	out Sender,
	hooks Hooks,
) (*Link, error) {
	ctx, cancel := context.WithCancel(ctx)
	l := &Link{
		remote: remote,
		role:   role,
		media:  media,
		out:    out,
		hooks:  hooks,
		logger: log.With().
			Str("module", "negotiation").
			Str("peer", string(remote)).
			Str("role", role.String()).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
		inbox:  newMailbox(),
		done:   make(chan struct{}),
	}

	media.OnNegotiationNeeded(l.NegotiationNeeded)
	media.OnICECandidate(func(c webrtc.ICECandidateInit) {
		l.enqueue(event{kind: evLocalCandidate, cand: c})
	})

	go l.run()

	if err := media.Start(ctx); err != nil {
		// Never handed out, so nobody hears about it closing.
		l.teardown()
		return nil, fmt.Errorf("start media for %s: %w", remote, err)
	}
	l.logger.Info().Msg("link created")
	return l, nil
}

func (l *Link) Remote() domain.ParticipantID { return l.remote }
func (l *Link) Role() Role                   { return l.role }

// Done is closed once the link goroutine has exited.
func (l *Link) Done() <-chan struct{} { return l.done }

// NegotiationNeeded is raised by the media engine when local tracks or
// transceivers change.
func (l *Link) NegotiationNeeded() { l.enqueue(event{kind: evNegotiationNeeded}) }

func (l *Link) HandleOffer(desc webrtc.SessionDescription) {
	desc.Type = webrtc.SDPTypeOffer
	l.enqueue(event{kind: evOffer, desc: desc})
}

func (l *Link) HandleAnswer(desc webrtc.SessionDescription) {
	desc.Type = webrtc.SDPTypeAnswer
	l.enqueue(event{kind: evAnswer, desc: desc})
}

func (l *Link) HandleCandidate(c webrtc.ICECandidateInit) {
	l.enqueue(event{kind: evCandidate, cand: c})
}

func (l *Link) enqueue(e event) {
	if !l.alive() {
		return
	}
	l.inbox.push(e)
}

func (l *Link) alive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

func (l *Link) run() {
	defer close(l.done)
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.inbox.notify:
		}
		for _, e := range l.inbox.drain() {
			if !l.alive() {
				return
			}
			l.dispatch(e)
		}
	}
}

func (l *Link) dispatch(e event) {
	switch e.kind {
	case evNegotiationNeeded:
		l.onNegotiationNeeded()
	case evOffer:
		l.onOffer(e.desc)
	case evAnswer:
		l.onAnswer(e.desc)
	case evCandidate:
		l.onCandidate(e.cand)
	case evLocalCandidate:
		l.onLocalCandidate(e.cand)
	}
}

func (l *Link) onNegotiationNeeded() {
	state := l.media.SignalingState()
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if l.makingOffer || state != webrtc.SignalingStateStable {
		making := l.makingOffer
		l.mu.Unlock()
		l.logger.Debug().
			Bool("making_offer", making).
			Str("state", state.String()).
			Msg("negotiation needed ignored")
		return
	}
	l.makingOffer = true
	l.mu.Unlock()
	defer l.setMakingOffer(false)

	offer, err := l.media.CreateOffer(l.ctx)
	if err != nil {
		l.degrade("create offer", err)
		return
	}
	if !l.alive() {
		return
	}
	if state := l.media.SignalingState(); state != webrtc.SignalingStateStable {
		l.logger.Debug().Str("state", state.String()).Msg("state moved while creating offer, dropped")
		return
	}
	if err := l.media.SetLocalDescription(l.ctx, offer); err != nil {
		l.degrade("set local offer", err)
		return
	}
	if !l.alive() {
		return
	}
	if err := l.sendDescription(l.localDescription(offer)); err != nil {
		l.degrade("send offer", err)
		return
	}
	l.count(func(c *counters) { c.offersSent++ })
	l.logger.Info().Msg("offer sent")
}

func (l *Link) onOffer(desc webrtc.SessionDescription) {
	state := l.media.SignalingState()
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	ready := state == webrtc.SignalingStateStable || l.settingRemoteAnswerPending
	l.mu.Unlock()
	collision := desc.Type == webrtc.SDPTypeOffer && !ready

	if collision && !l.role.Polite() {
		l.count(func(c *counters) { c.offersIgnored++ })
		l.logger.Warn().Str("state", state.String()).Msg("ignoring colliding offer")
		return
	}

	if collision {
		l.logger.Info().Str("state", state.String()).Msg("offer collision, rolling back")
		if err := l.media.SetLocalDescription(l.ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			l.degrade("rollback", err)
			return
		}
		l.count(func(c *counters) { c.rollbacks++ })
		if !l.alive() {
			return
		}
	}

	if err := l.media.SetRemoteDescription(l.ctx, desc); err != nil {
		l.degrade("set remote offer", err)
		return
	}
	if !l.alive() {
		return
	}
	// The backlog goes in before anything else can fail, so later
	// candidates never overtake it.
	l.flush()

	answer, err := l.media.CreateAnswer(l.ctx)
	if err != nil {
		l.degrade("create answer", err)
		return
	}
	if !l.alive() {
		return
	}
	if err := l.media.SetLocalDescription(l.ctx, answer); err != nil {
		l.degrade("set local answer", err)
		return
	}
	if !l.alive() {
		return
	}
	if err := l.sendDescription(l.localDescription(answer)); err != nil {
		l.degrade("send answer", err)
		return
	}
	l.count(func(c *counters) { c.answersSent++ })
	l.logger.Info().Msg("answer sent")

	l.negotiated()
}

func (l *Link) onAnswer(desc webrtc.SessionDescription) {
	if !l.setAnswerPending(true) {
		return
	}
	defer l.setAnswerPending(false)

	state := l.media.SignalingState()
	if state != webrtc.SignalingStateHaveLocalOffer {
		l.count(func(c *counters) { c.staleAnswers++ })
		l.logger.Warn().Str("state", state.String()).Msg("late or mismatched answer ignored")
		return
	}
	if err := l.media.SetRemoteDescription(l.ctx, desc); err != nil {
		l.degrade("set remote answer", err)
		return
	}
	if !l.alive() {
		return
	}
	l.flush()
	l.logger.Info().Msg("answer applied")

	l.negotiated()
}

func (l *Link) onCandidate(c webrtc.ICECandidateInit) {
	if l.media.RemoteDescription() == nil {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		n := l.buffer.push(c)
		l.mu.Unlock()
		l.logger.Debug().Int("buffered", n).Msg("candidate buffered")
		return
	}
	l.apply(c)
}

func (l *Link) onLocalCandidate(c webrtc.ICECandidateInit) {
	env, err := protocol.Candidate(l.remote, c)
	if err != nil {
		l.logger.Error().Err(err).Msg("encode local candidate")
		return
	}
	if err := l.out.Send(l.ctx, env); err != nil {
		l.logger.Warn().Err(err).Msg("send local candidate")
	}
}

// flush applies every buffered candidate in receipt order.
func (l *Link) flush() {
	l.mu.Lock()
	pending := l.buffer.take()
	l.mu.Unlock()
	if len(pending) == 0 {
		return
	}
	l.logger.Debug().Int("count", len(pending)).Msg("flushing buffered candidates")
	for _, c := range pending {
		if !l.alive() {
			return
		}
		l.apply(c)
	}
}

func (l *Link) apply(c webrtc.ICECandidateInit) {
	if err := l.media.AddICECandidate(l.ctx, c); err != nil {
		l.count(func(s *counters) { s.candidatesDropped++ })
		l.logger.Warn().Err(err).Str("candidate", c.Candidate).Msg("candidate dropped")
		return
	}
	l.count(func(s *counters) { s.candidatesApplied++ })
}

func (l *Link) sendDescription(desc webrtc.SessionDescription) error {
	env, err := protocol.Description(l.remote, desc)
	if err != nil {
		return err
	}
	return l.out.Send(l.ctx, env)
}

// localDescription prefers what the engine holds, which may already carry
// gathered candidates.
func (l *Link) localDescription(fallback webrtc.SessionDescription) webrtc.SessionDescription {
	if d := l.media.LocalDescription(); d != nil && d.Type == fallback.Type {
		return *d
	}
	return fallback
}

func (l *Link) negotiated() {
	if l.media.SignalingState() != webrtc.SignalingStateStable {
		return
	}
	l.logger.Info().Msg("negotiation stable")
	if l.hooks.Negotiated != nil && l.alive() {
		l.hooks.Negotiated(l.remote)
	}
}

func (l *Link) degrade(op string, err error) {
	if !l.alive() {
		return
	}
	err = fmt.Errorf("%s: %w", op, err)
	l.logger.Error().Err(err).Msg("negotiation step failed")
	if l.hooks.Degraded != nil {
		l.hooks.Degraded(l.remote, err)
	}
}

func (l *Link) setMakingOffer(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.makingOffer = v
}

func (l *Link) setAnswerPending(v bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v && l.closed {
		return false
	}
	l.settingRemoteAnswerPending = v
	return true
}

func (l *Link) count(fn func(*counters)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&l.stats)
}

// Stats reads the link state without waiting for in-flight steps.
func (l *Link) Stats() Stats {
	state := l.media.SignalingState()
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Remote:                     l.remote,
		Role:                       l.role,
		SignalingState:             state,
		MakingOffer:                l.makingOffer,
		SettingRemoteAnswerPending: l.settingRemoteAnswerPending,
		Buffered:                   l.buffer.len(),
		Closed:                     l.closed,
		OffersSent:                 l.stats.offersSent,
		AnswersSent:                l.stats.answersSent,
		OffersIgnored:              l.stats.offersIgnored,
		Rollbacks:                  l.stats.rollbacks,
		StaleAnswers:               l.stats.staleAnswers,
		CandidatesApplied:          l.stats.candidatesApplied,
		CandidatesDropped:          l.stats.candidatesDropped,
	}
}

// Close tears the link down at once, whatever step is in flight. Buffered
// candidates are discarded, the media engine is released and every later
// message or completion becomes a no-op.
func (l *Link) Close() {
	dropped, ok := l.teardown()
	if !ok {
		return
	}
	l.logger.Info().Int("dropped_candidates", dropped).Msg("link closed")
	if l.hooks.Closed != nil {
		l.hooks.Closed(l.remote)
	}
}

// teardown marks the link closed and releases the media engine. It reports
// false when the link was already closed.
func (l *Link) teardown() (dropped int, ok bool) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, false
	}
	l.closed = true
	dropped = len(l.buffer.take())
	l.mu.Unlock()

	l.cancel()
	l.inbox.drain()
	if err := l.media.Close(); err != nil {
		l.logger.Warn().Err(err).Msg("media close")
	}
	return dropped, true
}
