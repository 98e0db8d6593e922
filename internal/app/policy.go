package app

import "github.com/dkeye/meshcall/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

func (a BackpressureAction) String() string {
	switch a {
	case MarkSlow:
		return "mark_slow"
	case KickMember:
		return "kick"
	case DropFrame:
		return "drop"
	default:
		return "none"
	}
}

// Policy decides what happens to a member whose outbound queue is full.
type Policy interface {
	OnBackPressure(room domain.RoomName, member domain.ParticipantID) BackpressureAction
}

// SimplePolicy kicks slow members. A participant that cannot keep up with
// signaling traffic will not converge its links anyway.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.RoomName, domain.ParticipantID) BackpressureAction {
	return KickMember
}

// TolerantPolicy drops the frame and keeps the member.
type TolerantPolicy struct{}

func (TolerantPolicy) OnBackPressure(domain.RoomName, domain.ParticipantID) BackpressureAction {
	return DropFrame
}
