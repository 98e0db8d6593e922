package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// MediaEngine is the native media stack one peer link drives. The
// negotiation engine mirrors its signaling state but never replaces it.
// Every operation may fail and may block.
type MediaEngine interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	// Callbacks must be registered before Start.
	Start(ctx context.Context) error
	// Close should stop all underlying media resources.
	Close() error

	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	// SetLocalDescription accepts webrtc.SDPTypeRollback to discard a pending local offer.
	SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(ctx context.Context, c webrtc.ICECandidateInit) error

	SignalingState() webrtc.SignalingState
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription

	// OnNegotiationNeeded sets the callback raised when local tracks or transceivers change.
	OnNegotiationNeeded(func())
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
}
