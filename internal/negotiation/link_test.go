package negotiation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/negotiation"
	"github.com/dkeye/meshcall/internal/negotiation/negotiationtest"
	"github.com/dkeye/meshcall/internal/protocol"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// wire records what a link sends and, once connected, hands it to the
// remote link after a JSON round trip.
type wire struct {
	mu   sync.Mutex
	to   *negotiation.Link
	sent []protocol.Envelope
}

func (w *wire) Send(_ context.Context, env protocol.Envelope) error {
	w.mu.Lock()
	w.sent = append(w.sent, env)
	to := w.to
	w.mu.Unlock()
	if to == nil {
		return nil
	}
	b, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	env, err = protocol.Decode(b)
	if err != nil {
		return err
	}
	switch env.Type {
	case protocol.TypeOffer, protocol.TypeAnswer:
		desc, err := env.SessionDescription()
		if err != nil {
			return err
		}
		if env.Type == protocol.TypeOffer {
			to.HandleOffer(desc)
		} else {
			to.HandleAnswer(desc)
		}
	case protocol.TypeCandidate:
		c, err := env.ICECandidate()
		if err != nil {
			return err
		}
		to.HandleCandidate(c)
	}
	return nil
}

func (w *wire) connect(l *negotiation.Link) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.to = l
}

func (w *wire) ofType(t protocol.Type) []protocol.Envelope {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []protocol.Envelope
	for _, e := range w.sent {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type hookLog struct {
	mu         sync.Mutex
	negotiated int
	degraded   []error
	closed     int
}

func (h *hookLog) hooks() negotiation.Hooks {
	return negotiation.Hooks{
		Negotiated: func(domain.ParticipantID) {
			h.mu.Lock()
			h.negotiated++
			h.mu.Unlock()
		},
		Degraded: func(_ domain.ParticipantID, err error) {
			h.mu.Lock()
			h.degraded = append(h.degraded, err)
			h.mu.Unlock()
		},
		Closed: func(domain.ParticipantID) {
			h.mu.Lock()
			h.closed++
			h.mu.Unlock()
		},
	}
}

func (h *hookLog) counts() (negotiated, degraded, closed int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.negotiated, len(h.degraded), h.closed
}

type side struct {
	link  *negotiation.Link
	media *negotiationtest.Media
	out   *wire
	hooks *hookLog
}

func newSide(t *testing.T, remote domain.ParticipantID, role negotiation.Role, media *negotiationtest.Media) *side {
	t.Helper()
	s := &side{media: media, out: &wire{}, hooks: &hookLog{}}
	l, err := negotiation.NewLink(context.Background(), remote, role, media, s.out, s.hooks.hooks())
	require.NoError(t, err)
	t.Cleanup(l.Close)
	s.link = l
	return s
}

// pair builds A's link to B (caller) and B's link to A (callee), wired to
// each other.
func pair(t *testing.T, ma, mb *negotiationtest.Media) (a, b *side) {
	t.Helper()
	a = newSide(t, "B", negotiation.RoleCaller, ma)
	b = newSide(t, "A", negotiation.RoleCallee, mb)
	a.out.connect(b.link)
	b.out.connect(a.link)
	return a, b
}

func stable(s *side) bool {
	st := s.link.Stats()
	return st.SignalingState == webrtc.SignalingStateStable && !st.MakingOffer && !st.SettingRemoteAnswerPending
}

func TestRolePoliteness(t *testing.T) {
	assert.False(t, negotiation.RoleCaller.Polite())
	assert.True(t, negotiation.RoleCallee.Polite())
	assert.Equal(t, "caller", negotiation.RoleCaller.String())
	assert.Equal(t, "callee", negotiation.RoleCallee.String())
}

func TestDemoScenarioConverges(t *testing.T) {
	ma := negotiationtest.NewMedia("A")
	mb := negotiationtest.NewMedia("B")
	ma.EmitCandidates = 2
	mb.EmitCandidates = 2
	a, b := pair(t, ma, mb)

	b.media.RaiseNegotiationNeeded()

	require.Eventually(t, func() bool {
		_, remote := ma.SDPs()
		local, _ := mb.SDPs()
		return remote == "B-offer-1" && local == "B-offer-1" &&
			stable(a) && stable(b) &&
			len(ma.Applied()) == 2 && len(mb.Applied()) == 2
	}, waitFor, tick)

	aLocal, aRemote := ma.SDPs()
	bLocal, bRemote := mb.SDPs()
	assert.Equal(t, "A-answer-to-B-offer-1", aLocal)
	assert.Equal(t, aLocal, bRemote)
	assert.Equal(t, aRemote, bLocal)

	assert.Equal(t, []string{"candidate:B-1", "candidate:B-2"}, ma.Applied())
	assert.Equal(t, []string{"candidate:A-1", "candidate:A-2"}, mb.Applied())

	assert.Len(t, b.out.ofType(protocol.TypeOffer), 1)
	assert.Empty(t, a.out.ofType(protocol.TypeOffer))
	assert.Len(t, a.out.ofType(protocol.TypeAnswer), 1)
	assert.Equal(t, domain.ParticipantID("A"), b.out.ofType(protocol.TypeOffer)[0].To)

	require.Eventually(t, func() bool {
		na, _, _ := a.hooks.counts()
		nb, _, _ := b.hooks.counts()
		return na == 1 && nb == 1
	}, waitFor, tick)
	assert.Zero(t, ma.Rollbacks())
	assert.Zero(t, mb.Rollbacks())
}

func TestGlareResolvesWithSingleRollback(t *testing.T) {
	ma := negotiationtest.NewMedia("A")
	mb := negotiationtest.NewMedia("B")
	releaseA := ma.HoldOffers()
	releaseB := mb.HoldOffers()
	a, b := pair(t, ma, mb)

	a.media.RaiseNegotiationNeeded()
	b.media.RaiseNegotiationNeeded()
	require.Eventually(t, func() bool {
		return a.link.Stats().MakingOffer && b.link.Stats().MakingOffer
	}, waitFor, tick)
	releaseA()
	releaseB()

	require.Eventually(t, func() bool {
		return stable(a) && stable(b) && len(a.out.ofType(protocol.TypeOffer)) == 1 &&
			len(b.out.ofType(protocol.TypeAnswer)) == 1 && a.link.Stats().OffersIgnored == 1
	}, waitFor, tick)

	// A's offer is the agreed description.
	aLocal, aRemote := ma.SDPs()
	bLocal, bRemote := mb.SDPs()
	assert.Equal(t, "A-offer-1", aLocal)
	assert.Equal(t, aLocal, bRemote)
	assert.Equal(t, "B-answer-to-A-offer-1", bLocal)
	assert.Equal(t, bLocal, aRemote)

	assert.Equal(t, 1, mb.Rollbacks())
	assert.Zero(t, ma.Rollbacks())
	assert.Equal(t, 1, b.link.Stats().Rollbacks)
	assert.Len(t, b.out.ofType(protocol.TypeOffer), 1)
	assert.Empty(t, a.out.ofType(protocol.TypeAnswer))
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	media := negotiationtest.NewMedia("L")
	s := newSide(t, "R", negotiation.RoleCallee, media)

	for _, c := range []string{"candidate:1", "bad-candidate", "candidate:2"} {
		s.link.HandleCandidate(webrtc.ICECandidateInit{Candidate: c})
	}
	require.Eventually(t, func() bool { return s.link.Stats().Buffered == 3 }, waitFor, tick)
	assert.Empty(t, media.Applied())

	s.link.HandleOffer(webrtc.SessionDescription{SDP: "R-offer-1"})
	require.Eventually(t, func() bool { return s.link.Stats().Buffered == 0 && len(media.Applied()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"candidate:1", "candidate:2"}, media.Applied())

	answers := s.out.ofType(protocol.TypeAnswer)
	require.Len(t, answers, 1)
	desc, err := answers[0].SessionDescription()
	require.NoError(t, err)
	assert.Equal(t, "L-answer-to-R-offer-1", desc.SDP)

	s.link.HandleCandidate(webrtc.ICECandidateInit{Candidate: "candidate:3"})
	require.Eventually(t, func() bool { return len(media.Applied()) == 3 }, waitFor, tick)

	st := s.link.Stats()
	assert.Equal(t, 3, st.CandidatesApplied)
	assert.Equal(t, 1, st.CandidatesDropped)
	assert.Equal(t, 1, st.AnswersSent)
}

func TestStaleAnswerIsDiscarded(t *testing.T) {
	media := negotiationtest.NewMedia("L")
	s := newSide(t, "R", negotiation.RoleCaller, media)

	s.link.HandleAnswer(webrtc.SessionDescription{SDP: "R-answer-to-nothing"})
	require.Eventually(t, func() bool { return s.link.Stats().StaleAnswers == 1 }, waitFor, tick)

	st := s.link.Stats()
	assert.Equal(t, webrtc.SignalingStateStable, st.SignalingState)
	assert.False(t, st.SettingRemoteAnswerPending)
	_, remote := media.SDPs()
	assert.Empty(t, remote)
}

func TestOfferFailureResetsMakingOffer(t *testing.T) {
	media := negotiationtest.NewMedia("L")
	media.FailCreateOffer(errors.New("no transceivers"))
	s := newSide(t, "R", negotiation.RoleCaller, media)

	media.RaiseNegotiationNeeded()
	require.Eventually(t, func() bool {
		_, degraded, _ := s.hooks.counts()
		return degraded == 1
	}, waitFor, tick)
	assert.False(t, s.link.Stats().MakingOffer)
	assert.Empty(t, s.out.ofType(protocol.TypeOffer))

	media.FailCreateOffer(nil)
	media.RaiseNegotiationNeeded()
	require.Eventually(t, func() bool { return s.link.Stats().OffersSent == 1 }, waitFor, tick)
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, s.link.Stats().SignalingState)
}

func TestNegotiationNeededIgnoredWhileExchangeInFlight(t *testing.T) {
	media := negotiationtest.NewMedia("L")
	release := media.HoldOffers()
	s := newSide(t, "R", negotiation.RoleCaller, media)

	media.RaiseNegotiationNeeded()
	require.Eventually(t, func() bool { return s.link.Stats().MakingOffer }, waitFor, tick)
	media.RaiseNegotiationNeeded()
	media.RaiseNegotiationNeeded()
	release()

	require.Eventually(t, func() bool {
		st := s.link.Stats()
		return st.OffersSent == 1 && !st.MakingOffer
	}, waitFor, tick)
	// Let the queued triggers run against have-local-offer.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, s.out.ofType(protocol.TypeOffer), 1)
	assert.Equal(t, 1, s.link.Stats().OffersSent)
}

func TestCloseIsImmediateAndFinal(t *testing.T) {
	media := negotiationtest.NewMedia("L")
	s := newSide(t, "R", negotiation.RoleCaller, media)

	s.link.HandleCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1"})
	s.link.HandleCandidate(webrtc.ICECandidateInit{Candidate: "candidate:2"})
	require.Eventually(t, func() bool { return s.link.Stats().Buffered == 2 }, waitFor, tick)

	release := media.HoldOffers()
	defer release()
	media.RaiseNegotiationNeeded()
	require.Eventually(t, func() bool { return s.link.Stats().MakingOffer }, waitFor, tick)

	s.link.Close()
	st := s.link.Stats()
	assert.True(t, st.Closed)
	assert.Zero(t, st.Buffered)
	assert.True(t, media.Closed())

	select {
	case <-s.link.Done():
	case <-time.After(waitFor):
		t.Fatal("link goroutine did not exit")
	}

	s.link.HandleOffer(webrtc.SessionDescription{SDP: "R-offer-1"})
	s.link.HandleCandidate(webrtc.ICECandidateInit{Candidate: "candidate:3"})
	s.link.Close()

	assert.Empty(t, s.out.ofType(protocol.TypeOffer))
	assert.Empty(t, s.out.ofType(protocol.TypeAnswer))
	assert.Empty(t, media.Applied())
	_, degraded, closed := s.hooks.counts()
	assert.Zero(t, degraded)
	assert.Equal(t, 1, closed)
}

func TestAnswerFailureStillAppliesBacklogInOrder(t *testing.T) {
	media := negotiationtest.NewMedia("L")
	media.FailCreateAnswer(errors.New("codec mismatch"))
	s := newSide(t, "R", negotiation.RoleCallee, media)

	s.link.HandleCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1"})
	s.link.HandleCandidate(webrtc.ICECandidateInit{Candidate: "candidate:2"})
	require.Eventually(t, func() bool { return s.link.Stats().Buffered == 2 }, waitFor, tick)

	s.link.HandleOffer(webrtc.SessionDescription{SDP: "R-offer-1"})
	s.link.HandleCandidate(webrtc.ICECandidateInit{Candidate: "candidate:3"})
	require.Eventually(t, func() bool { return len(media.Applied()) == 3 }, waitFor, tick)

	assert.Equal(t, []string{"candidate:1", "candidate:2", "candidate:3"}, media.Applied())
	st := s.link.Stats()
	assert.Zero(t, st.Buffered)
	assert.Equal(t, webrtc.SignalingStateHaveRemoteOffer, st.SignalingState)
	assert.Empty(t, s.out.ofType(protocol.TypeAnswer))
	_, degraded, _ := s.hooks.counts()
	assert.Equal(t, 1, degraded)
}

func TestStartFailureReleasesMediaSilently(t *testing.T) {
	media := negotiationtest.NewMedia("L")
	media.FailStart(errors.New("no devices"))
	hooks := &hookLog{}

	l, err := negotiation.NewLink(context.Background(), "R", negotiation.RoleCaller, media, &wire{}, hooks.hooks())
	require.Error(t, err)
	assert.Nil(t, l)
	assert.True(t, media.Closed())

	negotiated, degraded, closed := hooks.counts()
	assert.Zero(t, negotiated)
	assert.Zero(t, degraded)
	assert.Zero(t, closed)
}
