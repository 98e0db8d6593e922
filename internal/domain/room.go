package domain

import "errors"

const MaxRoomNameLen = 64

var (
	ErrRoomNameEmpty   = errors.New("room name empty")
	ErrRoomNameTooLong = errors.New("room name too long")
)

type RoomName string

// NewRoomName validates a client supplied room name.
func NewRoomName(raw string) (RoomName, error) {
	if len(raw) == 0 {
		return "", ErrRoomNameEmpty
	}
	if len(raw) > MaxRoomNameLen {
		return "", ErrRoomNameTooLong
	}
	return RoomName(raw), nil
}

// Room is the membership meta of a mesh room. Members are kept as a set,
// insertion order is irrelevant.
type Room struct {
	Name    RoomName
	Members map[ParticipantID]struct{}
}

func NewRoom(name RoomName) *Room {
	return &Room{Name: name, Members: make(map[ParticipantID]struct{})}
}

func (r *Room) Has(id ParticipantID) bool {
	_, ok := r.Members[id]
	return ok
}

func (r *Room) Empty() bool { return len(r.Members) == 0 }
