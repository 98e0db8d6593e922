// Package protocol defines the JSON envelope exchanged between clients and
// the relay. Descriptions and candidates travel as opaque JSON; the relay
// never looks inside them.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/meshcall/internal/domain"
	"github.com/pion/webrtc/v4"
)

type Type string

const (
	TypeWelcome         Type = "welcome"
	TypeJoin            Type = "join"
	TypeLeave           Type = "leave"
	TypeExistingMembers Type = "existing-members"
	TypeJoined          Type = "joined"
	TypeLeft            Type = "left"
	TypeOffer           Type = "offer"
	TypeAnswer          Type = "answer"
	TypeCandidate       Type = "candidate"
	TypePing            Type = "ping"
	TypePong            Type = "pong"
	TypeError           Type = "error"
)

// Error codes carried by TypeError envelopes.
const (
	ErrCodeBadPayload    = "bad_payload"
	ErrCodeInvalidRoom   = "invalid_room"
	ErrCodeRoomFull      = "room_full"
	ErrCodeAlreadyInRoom = "already_in_room"
	ErrCodeNotInRoom     = "not_in_room"
	ErrCodeRateLimited   = "rate_limited"
)

var (
	ErrMissingType    = errors.New("missing message type")
	ErrMissingTarget  = errors.New("missing target participant")
	ErrMissingPayload = errors.New("missing payload")
)

type Envelope struct {
	Type        Type                   `json:"type"`
	Room        domain.RoomName        `json:"room,omitempty"`
	To          domain.ParticipantID   `json:"to,omitempty"`
	From        domain.ParticipantID   `json:"from,omitempty"`
	Participant domain.ParticipantID   `json:"participant,omitempty"`
	Members     []domain.ParticipantID `json:"members,omitempty"`
	SDP         json.RawMessage        `json:"sdp,omitempty"`
	Candidate   json.RawMessage        `json:"candidate,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// IsPeerMessage reports whether e is addressed to another participant and
// must be relayed verbatim.
func (e Envelope) IsPeerMessage() bool {
	switch e.Type {
	case TypeOffer, TypeAnswer, TypeCandidate:
		return true
	}
	return false
}

func Encode(e Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Type, err)
	}
	return b, nil
}

// Decode parses one frame and checks the fields its type requires.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, ErrMissingType
	}
	if err := e.validate(); err != nil {
		return Envelope{}, fmt.Errorf("%s: %w", e.Type, err)
	}
	return e, nil
}

func (e Envelope) validate() error {
	switch e.Type {
	case TypeOffer, TypeAnswer:
		if len(e.SDP) == 0 {
			return ErrMissingPayload
		}
	case TypeCandidate:
		if len(e.Candidate) == 0 {
			return ErrMissingPayload
		}
	}
	return nil
}

// Description builds an offer or answer addressed to the given participant.
func Description(to domain.ParticipantID, desc webrtc.SessionDescription) (Envelope, error) {
	var t Type
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		t = TypeOffer
	case webrtc.SDPTypeAnswer:
		t = TypeAnswer
	default:
		return Envelope{}, fmt.Errorf("unsupported sdp type %q", desc.Type.String())
	}
	raw, err := json.Marshal(desc)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal description: %w", err)
	}
	return Envelope{Type: t, To: to, SDP: raw}, nil
}

// Candidate builds a candidate message addressed to the given participant.
func Candidate(to domain.ParticipantID, c webrtc.ICECandidateInit) (Envelope, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal candidate: %w", err)
	}
	return Envelope{Type: TypeCandidate, To: to, Candidate: raw}, nil
}

// SessionDescription extracts the description of an offer or answer. The
// SDP type always follows the envelope type.
func (e Envelope) SessionDescription() (webrtc.SessionDescription, error) {
	var raw struct {
		SDP string `json:"sdp"`
	}
	if err := json.Unmarshal(e.SDP, &raw); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("unmarshal description: %w", err)
	}
	desc := webrtc.SessionDescription{SDP: raw.SDP}
	switch e.Type {
	case TypeOffer:
		desc.Type = webrtc.SDPTypeOffer
	case TypeAnswer:
		desc.Type = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("%s carries no description", e.Type)
	}
	return desc, nil
}

func (e Envelope) ICECandidate() (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(e.Candidate, &c); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("unmarshal candidate: %w", err)
	}
	return c, nil
}

func ErrorMessage(code string) Envelope {
	return Envelope{Type: TypeError, Error: code}
}
