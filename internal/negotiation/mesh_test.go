package negotiation_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/meshcall/internal/app"
	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/negotiation"
	"github.com/dkeye/meshcall/internal/negotiation/negotiationtest"
	"github.com/dkeye/meshcall/internal/protocol"
)

type mediaSet struct {
	mu    sync.Mutex
	self  domain.ParticipantID
	media map[domain.ParticipantID][]*negotiationtest.Media
	setup func(*negotiationtest.Media)
}

func newMediaSet(self domain.ParticipantID, setup func(*negotiationtest.Media)) *mediaSet {
	return &mediaSet{self: self, media: make(map[domain.ParticipantID][]*negotiationtest.Media), setup: setup}
}

func (s *mediaSet) factory(remote domain.ParticipantID) (core.MediaEngine, error) {
	if remote == "broken" {
		return nil, errors.New("no media for you")
	}
	m := negotiationtest.NewMedia(fmt.Sprintf("%s>%s", s.self, remote))
	if s.setup != nil {
		s.setup(m)
	}
	s.mu.Lock()
	s.media[remote] = append(s.media[remote], m)
	s.mu.Unlock()
	return m, nil
}

// latest returns the media engine of the most recent link to remote.
func (s *mediaSet) latest(remote domain.ParticipantID) *negotiationtest.Media {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.media[remote]
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

func TestMeshAssignsRolesFromRelayMessages(t *testing.T) {
	media := newMediaSet("B", nil)
	mesh := negotiation.NewMesh(context.Background(), media.factory, &wire{}, negotiation.Hooks{})
	t.Cleanup(mesh.Close)

	mesh.Handle(protocol.Envelope{Type: protocol.TypeWelcome, Participant: "B"})
	mesh.Handle(protocol.Envelope{Type: protocol.TypeExistingMembers, Room: "demo", Members: []domain.ParticipantID{"A", "B"}})
	mesh.Handle(protocol.Envelope{Type: protocol.TypeJoined, Room: "demo", Participant: "C"})
	mesh.Handle(protocol.Envelope{Type: protocol.TypeJoined, Room: "demo", Participant: "B"})

	assert.Equal(t, domain.ParticipantID("B"), mesh.Self())
	assert.Equal(t, domain.RoomName("demo"), mesh.Room())
	assert.Equal(t, []domain.ParticipantID{"A", "C"}, mesh.Peers())

	a, ok := mesh.Link("A")
	require.True(t, ok)
	assert.Equal(t, negotiation.RoleCallee, a.Role())
	c, ok := mesh.Link("C")
	require.True(t, ok)
	assert.Equal(t, negotiation.RoleCaller, c.Role())

	mesh.Handle(protocol.Envelope{Type: protocol.TypeLeft, Participant: "A"})
	assert.Equal(t, []domain.ParticipantID{"C"}, mesh.Peers())
	assert.True(t, media.latest("A").Closed())

	// Late traffic from a peer that left is dropped.
	mesh.Handle(protocol.Envelope{Type: protocol.TypeOffer, From: "A", SDP: []byte(`{"type":"offer","sdp":"A-offer-9"}`)})
	mesh.Handle(protocol.Envelope{Type: protocol.TypeCandidate, From: "A", Candidate: []byte(`{"candidate":"candidate:1"}`)})
	mesh.Handle(protocol.Envelope{Type: protocol.TypeLeft, Participant: "A"})
	assert.Equal(t, []domain.ParticipantID{"C"}, mesh.Peers())

	mesh.Handle(protocol.Envelope{Type: protocol.TypeJoined, Participant: "broken"})
	assert.Equal(t, []domain.ParticipantID{"C"}, mesh.Peers())

	// A new snapshot replaces every link of the previous room.
	mesh.Handle(protocol.Envelope{Type: protocol.TypeExistingMembers, Room: "other", Members: []domain.ParticipantID{"D"}})
	assert.Equal(t, []domain.ParticipantID{"D"}, mesh.Peers())
	assert.True(t, media.latest("C").Closed())
	assert.Equal(t, domain.RoomName("other"), mesh.Room())

	mesh.Close()
	assert.Empty(t, mesh.Peers())
	assert.True(t, media.latest("D").Closed())
	mesh.Handle(protocol.Envelope{Type: protocol.TypeJoined, Participant: "E"})
	assert.Empty(t, mesh.Peers())
}

// loopConn stands in for a WebSocket: frames queued by the registry are
// decoded and handed to the participant's mesh in order.
type loopConn struct {
	frames chan core.Frame
	once   sync.Once
	done   chan struct{}
}

func newLoopConn() *loopConn {
	return &loopConn{frames: make(chan core.Frame, 256), done: make(chan struct{})}
}

func (c *loopConn) TrySend(f core.Frame) error {
	select {
	case <-c.done:
		return errors.New("closed")
	default:
	}
	select {
	case c.frames <- f:
		return nil
	default:
		return errors.New("backpressure")
	}
}

func (c *loopConn) Close() { c.once.Do(func() { close(c.done) }) }

func (c *loopConn) pump(t *testing.T, mesh *negotiation.Mesh) {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.frames:
			env, err := protocol.Decode(f)
			if !assert.NoError(t, err) {
				continue
			}
			mesh.Handle(env)
		}
	}
}

type relaySender struct {
	r    *app.Registry
	self domain.ParticipantID
}

func (s relaySender) Send(_ context.Context, env protocol.Envelope) error {
	s.r.Relay(s.self, env.To, env)
	return nil
}

type participant struct {
	id    domain.ParticipantID
	mesh  *negotiation.Mesh
	media *mediaSet
	conn  *loopConn
}

func TestConcurrentJoinsConvergeToFullMesh(t *testing.T) {
	r := app.NewRegistry()
	ids := []domain.ParticipantID{"A", "B", "C", "D"}
	parts := make(map[domain.ParticipantID]*participant, len(ids))

	for _, id := range ids {
		p := &participant{
			id:   id,
			conn: newLoopConn(),
			media: newMediaSet(id, func(m *negotiationtest.Media) {
				m.AutoNegotiate = true
				m.EmitCandidates = 1
			}),
		}
		p.mesh = negotiation.NewMesh(context.Background(), p.media.factory, relaySender{r: r, self: id}, negotiation.Hooks{})
		p.mesh.Handle(protocol.Envelope{Type: protocol.TypeWelcome, Participant: id})
		r.Connect(id, p.conn)
		go p.conn.pump(t, p.mesh)
		parts[id] = p
		t.Cleanup(func() {
			p.conn.Close()
			p.mesh.Close()
		})
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, id := range ids {
		wg.Add(1)
		go func(id domain.ParticipantID) {
			defer wg.Done()
			<-start
			_, err := r.Join(id, "demo")
			assert.NoError(t, err)
		}(id)
	}
	close(start)
	wg.Wait()

	converged := func() bool {
		for _, x := range ids {
			if len(parts[x].mesh.Peers()) != len(ids)-1 {
				return false
			}
			for _, st := range parts[x].mesh.Stats() {
				if st.SignalingState != webrtc.SignalingStateStable || st.MakingOffer || st.Buffered != 0 {
					return false
				}
				mx, my := parts[x].media.latest(st.Remote), parts[st.Remote].media.latest(x)
				if mx == nil || my == nil {
					return false
				}
				xLocal, xRemote := mx.SDPs()
				yLocal, yRemote := my.SDPs()
				if xLocal == "" || xLocal != yRemote || xRemote != yLocal {
					return false
				}
			}
		}
		return true
	}
	require.Eventually(t, converged, waitFor, tick)

	for _, x := range ids {
		for _, y := range ids {
			if x == y {
				continue
			}
			lx, ok := parts[x].mesh.Link(y)
			require.True(t, ok)
			ly, ok := parts[y].mesh.Link(x)
			require.True(t, ok)
			assert.NotEqual(t, lx.Role(), ly.Role(), "%s/%s must disagree on politeness", x, y)
		}
	}

	r.Leave("D")
	parts["D"].mesh.Reset()
	require.Eventually(t, func() bool {
		for _, id := range ids[:3] {
			if len(parts[id].mesh.Peers()) != 2 {
				return false
			}
		}
		return true
	}, waitFor, tick)
	assert.Empty(t, parts["D"].mesh.Peers())
	assert.Equal(t, []domain.ParticipantID{"A", "B", "C"}, r.Members("demo"))
}

type failSender struct{}

func (failSender) Send(context.Context, protocol.Envelope) error { return errors.New("relay gone") }

func TestLeaveClosesLinksAndTellsRelay(t *testing.T) {
	media := newMediaSet("B", nil)
	out := &wire{}
	mesh := negotiation.NewMesh(context.Background(), media.factory, out, negotiation.Hooks{})
	t.Cleanup(mesh.Close)

	mesh.Handle(protocol.Envelope{Type: protocol.TypeWelcome, Participant: "B"})
	mesh.Handle(protocol.Envelope{Type: protocol.TypeExistingMembers, Room: "demo", Members: []domain.ParticipantID{"A"}})
	mesh.Handle(protocol.Envelope{Type: protocol.TypeJoined, Room: "demo", Participant: "C"})
	require.Equal(t, []domain.ParticipantID{"A", "C"}, mesh.Peers())

	require.NoError(t, mesh.Leave(context.Background()))
	assert.Len(t, out.ofType(protocol.TypeLeave), 1)
	assert.Empty(t, mesh.Peers())
	assert.Empty(t, mesh.Room())
	assert.True(t, media.latest("A").Closed())
	assert.True(t, media.latest("C").Closed())

	// The mesh stays usable for the next room.
	mesh.Handle(protocol.Envelope{Type: protocol.TypeExistingMembers, Room: "other", Members: []domain.ParticipantID{"D"}})
	assert.Equal(t, []domain.ParticipantID{"D"}, mesh.Peers())
}

func TestLeaveClosesLinksWhenRelayUnreachable(t *testing.T) {
	media := newMediaSet("B", nil)
	mesh := negotiation.NewMesh(context.Background(), media.factory, failSender{}, negotiation.Hooks{})
	t.Cleanup(mesh.Close)

	mesh.Handle(protocol.Envelope{Type: protocol.TypeExistingMembers, Room: "demo", Members: []domain.ParticipantID{"A"}})
	require.Equal(t, []domain.ParticipantID{"A"}, mesh.Peers())

	assert.Error(t, mesh.Leave(context.Background()))
	assert.Empty(t, mesh.Peers())
	assert.True(t, media.latest("A").Closed())
}
