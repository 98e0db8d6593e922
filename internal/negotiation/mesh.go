package negotiation

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/protocol"
)

// MediaFactory builds the media engine for one remote participant.
type MediaFactory func(remote domain.ParticipantID) (core.MediaEngine, error)

// Mesh keeps one Link per remote participant of the current room and routes
// relay messages to them. Handle must be fed in arrival order.
type Mesh struct {
	ctx     context.Context
	factory MediaFactory
	out     Sender
	hooks   Hooks
	logger  zerolog.Logger

	mu     sync.Mutex
	self   domain.ParticipantID
	room   domain.RoomName
	links  map[domain.ParticipantID]*Link
	closed bool
}

func NewMesh(ctx context.Context, factory MediaFactory, out Sender, hooks Hooks) *Mesh {
	return &Mesh{
		ctx:     ctx,
		factory: factory,
		out:     out,
		hooks:   hooks,
		logger:  log.With().Str("module", "negotiation.mesh").Logger(),
		links:   make(map[domain.ParticipantID]*Link),
	}
}

func (m *Mesh) Self() domain.ParticipantID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self
}

func (m *Mesh) Room() domain.RoomName {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room
}

// Handle applies one relay message.
func (m *Mesh) Handle(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeWelcome:
		m.mu.Lock()
		m.self = env.Participant
		m.mu.Unlock()
		m.logger.Info().Str("sid", string(env.Participant)).Msg("welcome")

	case protocol.TypeExistingMembers:
		// A fresh snapshot means a fresh room; links from a previous room
		// never see a left for us.
		m.Reset()
		m.mu.Lock()
		m.room = env.Room
		self := m.self
		m.mu.Unlock()
		m.logger.Info().Str("room", string(env.Room)).Int("members", len(env.Members)).Msg("existing members")
		for _, id := range env.Members {
			if id == self {
				continue
			}
			m.open(id, RoleCallee)
		}

	case protocol.TypeJoined:
		if env.Participant == "" || env.Participant == m.Self() {
			return
		}
		m.open(env.Participant, RoleCaller)

	case protocol.TypeLeft:
		m.Remove(env.Participant)

	case protocol.TypeOffer, protocol.TypeAnswer:
		l, ok := m.route(env)
		if !ok {
			return
		}
		desc, err := env.SessionDescription()
		if err != nil {
			m.logger.Warn().Err(err).Str("peer", string(env.From)).Msg("bad description dropped")
			return
		}
		if env.Type == protocol.TypeOffer {
			l.HandleOffer(desc)
		} else {
			l.HandleAnswer(desc)
		}

	case protocol.TypeCandidate:
		l, ok := m.route(env)
		if !ok {
			return
		}
		c, err := env.ICECandidate()
		if err != nil {
			m.logger.Warn().Err(err).Str("peer", string(env.From)).Msg("bad candidate dropped")
			return
		}
		l.HandleCandidate(c)

	case protocol.TypeError:
		m.logger.Warn().Str("code", env.Error).Msg("relay error")

	case protocol.TypePong:

	default:
		m.logger.Debug().Str("type", string(env.Type)).Msg("unhandled message")
	}
}

func (m *Mesh) route(env protocol.Envelope) (*Link, bool) {
	l, ok := m.Link(env.From)
	if !ok {
		m.logger.Debug().
			Str("peer", string(env.From)).
			Str("type", string(env.Type)).
			Msg("message for unknown peer dropped")
	}
	return l, ok
}

// open creates a link outside the mesh lock; the media engine may call back
// into the link while it starts.
func (m *Mesh) open(remote domain.ParticipantID, role Role) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	media, err := m.factory(remote)
	if err != nil {
		m.logger.Error().Err(err).Str("peer", string(remote)).Msg("media engine")
		return
	}
	l, err := NewLink(m.ctx, remote, role, media, m.out, m.hooks)
	if err != nil {
		m.logger.Error().Err(err).Str("peer", string(remote)).Msg("create link")
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		l.Close()
		return
	}
	prev := m.links[remote]
	m.links[remote] = l
	m.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
}

// Link returns the active link to remote.
func (m *Mesh) Link(remote domain.ParticipantID) (*Link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[remote]
	return l, ok
}

// Peers lists the remote participants with an active link, sorted.
func (m *Mesh) Peers() []domain.ParticipantID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ParticipantID, 0, len(m.links))
	for id := range m.links {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (m *Mesh) Stats() []Stats {
	m.mu.Lock()
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	out := make([]Stats, 0, len(links))
	for _, l := range links {
		out = append(out, l.Stats())
	}
	slices.SortFunc(out, func(a, b Stats) int {
		switch {
		case a.Remote < b.Remote:
			return -1
		case a.Remote > b.Remote:
			return 1
		}
		return 0
	})
	return out
}

// Remove closes and forgets the link to remote. Unknown peers are ignored.
func (m *Mesh) Remove(remote domain.ParticipantID) {
	m.mu.Lock()
	l, ok := m.links[remote]
	delete(m.links, remote)
	m.mu.Unlock()
	if ok {
		l.Close()
		m.logger.Info().Str("peer", string(remote)).Msg("peer left")
	}
}

// Leave asks the relay to take us out of the room and closes every link
// right away. Links are closed even when the leave cannot be sent.
func (m *Mesh) Leave(ctx context.Context) error {
	err := m.out.Send(ctx, protocol.Envelope{Type: protocol.TypeLeave})
	m.Reset()
	if err != nil {
		return fmt.Errorf("send leave: %w", err)
	}
	m.logger.Info().Msg("left room")
	return nil
}

// Reset closes every link, keeping the mesh usable for the next room.
func (m *Mesh) Reset() {
	m.mu.Lock()
	links := m.links
	m.links = make(map[domain.ParticipantID]*Link)
	m.room = ""
	m.mu.Unlock()
	for _, l := range links {
		l.Close()
	}
}

func (m *Mesh) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.Reset()
}
