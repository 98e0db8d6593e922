// Package domain contains entity without logic, just meta-data
package domain

import "github.com/google/uuid"

// ParticipantID is assigned by the relay when a signal connection is
// accepted. It is unique per connection and never reused.
type ParticipantID string

func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

func (id ParticipantID) String() string { return string(id) }
