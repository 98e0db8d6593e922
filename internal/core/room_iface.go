package core

import "github.com/dkeye/meshcall/internal/domain"

// PublishResult reports delivery stats/backpressure to the registry.
type PublishResult struct {
	SendTo  int
	Dropped []domain.ParticipantID
}

type RoomInfo struct {
	Name        domain.RoomName `json:"name"`
	MemberCount int             `json:"member_count"`
}
