package app

import (
	"errors"
	"slices"
	"sync"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/protocol"
	"github.com/rs/zerolog/log"
)

const DefaultMaxMembers = 4

var (
	ErrUnknownParticipant = errors.New("participant not connected")
	ErrRoomFull           = errors.New("room is full")
	ErrAlreadyInRoom      = errors.New("participant already in room")
)

// room serializes every membership change of one room. closed is set when
// the last member leaves; a closed room is never reused.
type room struct {
	mu     sync.Mutex
	meta   *domain.Room
	closed bool
}

// Registry tracks room membership and relays addressed messages between
// participants. It never interprets relayed payloads.
//
// Lock order: room.mu before Registry.mu.
type Registry struct {
	mu       sync.RWMutex
	conns    map[domain.ParticipantID]core.SignalConnection
	rooms    map[domain.RoomName]*room
	memberOf map[domain.ParticipantID]domain.RoomName

	maxMembers int
	policy     Policy
}

type Option func(*Registry)

func WithMaxMembers(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxMembers = n
		}
	}
}

func WithPolicy(p Policy) Option {
	return func(r *Registry) { r.policy = p }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		conns:      make(map[domain.ParticipantID]core.SignalConnection),
		rooms:      make(map[domain.RoomName]*room),
		memberOf:   make(map[domain.ParticipantID]domain.RoomName),
		maxMembers: DefaultMaxMembers,
		policy:     SimplePolicy{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect registers the signal connection of a freshly accepted participant.
func (r *Registry) Connect(id domain.ParticipantID, conn core.SignalConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = conn
	log.Info().Str("module", "app.registry").Str("sid", string(id)).Msg("participant connected")
}

// Disconnect forgets the participant's connection and removes it from its
// room. Calling it twice is harmless.
func (r *Registry) Disconnect(id domain.ParticipantID) {
	r.mu.Lock()
	_, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()
	r.Leave(id)
	if ok {
		log.Info().Str("module", "app.registry").Str("sid", string(id)).Msg("participant disconnected")
	}
}

func (r *Registry) Connected(id domain.ParticipantID) bool {
	_, ok := r.conn(id)
	return ok
}

func (r *Registry) conn(id domain.ParticipantID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

func (r *Registry) RoomOf(id domain.ParticipantID) (domain.RoomName, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.memberOf[id]
	return name, ok
}

func (r *Registry) getOrCreate(name domain.RoomName) *room {
	r.mu.RLock()
	rm, ok := r.rooms[name]
	r.mu.RUnlock()
	if ok {
		return rm
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok = r.rooms[name]; ok {
		return rm
	}
	rm = &room{meta: domain.NewRoom(name)}
	r.rooms[name] = rm
	log.Info().Str("module", "app.registry").Str("room", string(name)).Msg("room created")
	return rm
}

// Join adds id to the named room and returns the members that were present
// before it. The joiner receives existing-members and every other member
// receives joined, both computed under the room lock from one membership
// state. existing-members is enqueued first, so the joiner has created its
// links before any incumbent can address it.
func (r *Registry) Join(id domain.ParticipantID, name domain.RoomName) ([]domain.ParticipantID, error) {
	if cur, ok := r.RoomOf(id); ok {
		if cur == name {
			return nil, ErrAlreadyInRoom
		}
		r.Leave(id)
	}

	for {
		rm := r.getOrCreate(name)
		rm.mu.Lock()
		if rm.closed {
			rm.mu.Unlock()
			continue
		}
		existing, res, err := r.admitLocked(rm, id)
		if err != nil {
			r.collectLocked(rm)
			rm.mu.Unlock()
			return nil, err
		}
		rm.mu.Unlock()

		log.Info().
			Str("module", "app.registry").
			Str("sid", string(id)).
			Str("room", string(name)).
			Int("existing", len(existing)).
			Msg("joined room")
		r.applyPolicy(name, res.Dropped)
		return existing, nil
	}
}

func (r *Registry) admitLocked(rm *room, id domain.ParticipantID) ([]domain.ParticipantID, core.PublishResult, error) {
	name := rm.meta.Name
	if len(rm.meta.Members) >= r.maxMembers {
		return nil, core.PublishResult{}, ErrRoomFull
	}

	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return nil, core.PublishResult{}, ErrUnknownParticipant
	}
	if _, in := r.memberOf[id]; in {
		r.mu.Unlock()
		return nil, core.PublishResult{}, ErrAlreadyInRoom
	}
	r.memberOf[id] = name
	r.mu.Unlock()

	existing := snapshotLocked(rm)
	rm.meta.Members[id] = struct{}{}

	var res core.PublishResult
	if err := r.deliver(conn, protocol.Envelope{
		Type:    protocol.TypeExistingMembers,
		Room:    name,
		Members: existing,
	}); err != nil {
		res.Dropped = append(res.Dropped, id)
	} else {
		res.SendTo++
	}

	joined := r.broadcastLocked(rm, id, protocol.Envelope{
		Type:        protocol.TypeJoined,
		Room:        name,
		Participant: id,
	})
	res.SendTo += joined.SendTo
	res.Dropped = append(res.Dropped, joined.Dropped...)
	return existing, res, nil
}

// Leave removes id from its room and tells the remaining members. It
// reports whether id was a member of any room.
func (r *Registry) Leave(id domain.ParticipantID) bool {
	for {
		r.mu.RLock()
		name, ok := r.memberOf[id]
		rm := r.rooms[name]
		r.mu.RUnlock()
		if !ok || rm == nil {
			return false
		}

		rm.mu.Lock()
		if rm.closed || !rm.meta.Has(id) {
			rm.mu.Unlock()
			if rm.closed {
				continue
			}
			return false
		}
		r.mu.Lock()
		delete(r.memberOf, id)
		r.mu.Unlock()
		delete(rm.meta.Members, id)

		res := r.broadcastLocked(rm, id, protocol.Envelope{
			Type:        protocol.TypeLeft,
			Room:        name,
			Participant: id,
		})
		r.collectLocked(rm)
		rm.mu.Unlock()

		log.Info().Str("module", "app.registry").Str("sid", string(id)).Str("room", string(name)).Msg("left room")
		r.applyPolicy(name, res.Dropped)
		return true
	}
}

// collectLocked garbage-collects an empty room.
func (r *Registry) collectLocked(rm *room) {
	if !rm.meta.Empty() || rm.closed {
		return
	}
	rm.closed = true
	r.mu.Lock()
	if r.rooms[rm.meta.Name] == rm {
		delete(r.rooms, rm.meta.Name)
	}
	r.mu.Unlock()
	log.Info().Str("module", "app.registry").Str("room", string(rm.meta.Name)).Msg("room removed")
}

// Relay forwards env to the target with the origin substituted. Messages to
// unknown targets are dropped without telling the sender.
func (r *Registry) Relay(from, to domain.ParticipantID, env protocol.Envelope) bool {
	conn, ok := r.conn(to)
	if !ok {
		log.Debug().
			Str("module", "app.registry").
			Str("from", string(from)).
			Str("to", string(to)).
			Str("type", string(env.Type)).
			Msg("relay target not connected, dropped")
		return false
	}
	env.From = from
	env.To = to
	if err := r.deliver(conn, env); err != nil {
		log.Warn().
			Err(err).
			Str("module", "app.registry").
			Str("from", string(from)).
			Str("to", string(to)).
			Str("type", string(env.Type)).
			Msg("relay delivery failed")
		name, _ := r.RoomOf(to)
		r.applyPolicy(name, []domain.ParticipantID{to})
		return false
	}
	return true
}

// Send delivers a relay generated message straight to one participant.
func (r *Registry) Send(id domain.ParticipantID, env protocol.Envelope) bool {
	conn, ok := r.conn(id)
	if !ok {
		return false
	}
	return r.deliver(conn, env) == nil
}

func (r *Registry) deliver(conn core.SignalConnection, env protocol.Envelope) error {
	b, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return conn.TrySend(b)
}

func (r *Registry) broadcastLocked(rm *room, except domain.ParticipantID, env protocol.Envelope) core.PublishResult {
	b, err := protocol.Encode(env)
	if err != nil {
		log.Error().Err(err).Str("module", "app.registry").Msg("broadcast encode")
		return core.PublishResult{}
	}
	res := core.PublishResult{}
	for id := range rm.meta.Members {
		if id == except {
			continue
		}
		conn, ok := r.conn(id)
		if !ok {
			continue
		}
		if err := conn.TrySend(b); err != nil {
			res.Dropped = append(res.Dropped, id)
			continue
		}
		res.SendTo++
	}
	log.Debug().
		Str("module", "app.registry").
		Str("room", string(rm.meta.Name)).
		Str("type", string(env.Type)).
		Int("sent_to", res.SendTo).
		Int("dropped", len(res.Dropped)).
		Msg("broadcast result")
	return res
}

func (r *Registry) applyPolicy(name domain.RoomName, dropped []domain.ParticipantID) {
	if r.policy == nil {
		return
	}
	for _, id := range dropped {
		action := r.policy.OnBackPressure(name, id)
		log.Warn().
			Str("module", "app.registry").
			Str("sid", string(id)).
			Str("room", string(name)).
			Str("action", action.String()).
			Msg("backpressure")
		if action != KickMember {
			continue
		}
		if conn, ok := r.conn(id); ok {
			conn.Close()
		}
	}
}

func snapshotLocked(rm *room) []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(rm.meta.Members))
	for id := range rm.meta.Members {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Members returns the current members of a room, sorted.
func (r *Registry) Members(name domain.RoomName) []domain.ParticipantID {
	r.mu.RLock()
	rm, ok := r.rooms[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return snapshotLocked(rm)
}

func (r *Registry) List() []core.RoomInfo {
	r.mu.RLock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.RUnlock()

	out := make([]core.RoomInfo, 0, len(rooms))
	for _, rm := range rooms {
		rm.mu.Lock()
		if !rm.closed {
			out = append(out, core.RoomInfo{Name: rm.meta.Name, MemberCount: len(rm.meta.Members)})
		}
		rm.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b core.RoomInfo) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}
