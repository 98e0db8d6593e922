package rtc

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
)

// Config selects the ICE servers and the transceivers each connection
// negotiates.
type Config struct {
	ICEServers []string
	Kinds      []webrtc.RTPCodecType
}

func DefaultConfig() Config {
	return Config{
		ICEServers: []string{"stun:stun.l.google.com:19302"},
		Kinds:      []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo},
	}
}

// ParseKinds turns "audio"/"video" names into codec types.
func ParseKinds(names []string) ([]webrtc.RTPCodecType, error) {
	out := make([]webrtc.RTPCodecType, 0, len(names))
	for _, n := range names {
		k := webrtc.NewRTPCodecType(strings.ToLower(strings.TrimSpace(n)))
		if k == 0 {
			return nil, fmt.Errorf("unknown media kind %q", n)
		}
		out = append(out, k)
	}
	return out, nil
}

func (c Config) webrtcConfig() webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(c.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: c.ICEServers}}
	}
	return cfg
}

// Connection is a core.MediaEngine on top of a pion PeerConnection.
type Connection struct {
	pc     *webrtc.PeerConnection
	remote domain.ParticipantID
	kinds  []webrtc.RTPCodecType
	logger zerolog.Logger

	mu     sync.Mutex
	onNeg  func()
	onICE  func(webrtc.ICECandidateInit)
	cancel context.CancelFunc
}

var _ core.MediaEngine = (*Connection)(nil)

// NewAPI builds a pion API with the default codecs and pion logs routed
// through zerolog.
func NewAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	se := webrtc.SettingEngine{LoggerFactory: newLoggerFactory()}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)), nil
}

func NewConnection(cfg Config, remote domain.ParticipantID) (*Connection, error) {
	api, err := NewAPI()
	if err != nil {
		return nil, err
	}
	return newConnection(api, cfg, remote)
}

func newConnection(api *webrtc.API, cfg Config, remote domain.ParticipantID) (*Connection, error) {
	pc, err := api.NewPeerConnection(cfg.webrtcConfig())
	if err != nil {
		return nil, err
	}
	return &Connection{
		pc:     pc,
		remote: remote,
		kinds:  cfg.Kinds,
		logger: log.With().Str("module", "webrtc").Str("peer", string(remote)).Logger(),
	}, nil
}

// Factory builds one Connection per remote participant, all sharing one
// pion API.
func Factory(cfg Config) (func(domain.ParticipantID) (core.MediaEngine, error), error) {
	api, err := NewAPI()
	if err != nil {
		return nil, err
	}
	return func(remote domain.ParticipantID) (core.MediaEngine, error) {
		return newConnection(api, cfg, remote)
	}, nil
}

// Start wires the pion callbacks and adds one transceiver per configured
// kind, which raises negotiation-needed.
func (c *Connection) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateClosed {
			cancel()
		}
	})

	c.pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		c.logger.Debug().Str("signaling_state", s.String()).Msg("signaling state")
	})

	c.pc.OnNegotiationNeeded(func() {
		c.mu.Lock()
		fn := c.onNeg
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	// Media playback is not ours; remote tracks are read and discarded.
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		go drain(ctx, track)
	})

	for _, kind := range c.kinds {
		if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// drain keeps the RTP pipeline moving when nobody consumes a track.
func drain(ctx context.Context, track *webrtc.TrackRemote) {
	for ctx.Err() == nil {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

func (c *Connection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return c.pc.CreateOffer(nil)
}

func (c *Connection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// pion parses the SDP before looking at the type, so a rollback has to
	// carry the pending offer.
	if desc.Type == webrtc.SDPTypeRollback && desc.SDP == "" {
		pending := c.pc.PendingLocalDescription()
		if pending == nil {
			return fmt.Errorf("rollback in %s: no pending local offer", c.pc.SignalingState())
		}
		desc.SDP = pending.SDP
	}
	return c.pc.SetLocalDescription(desc)
}

func (c *Connection) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.pc.SetRemoteDescription(desc)
}

func (c *Connection) AddICECandidate(ctx context.Context, ci webrtc.ICECandidateInit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) SignalingState() webrtc.SignalingState { return c.pc.SignalingState() }

func (c *Connection) LocalDescription() *webrtc.SessionDescription { return c.pc.LocalDescription() }

func (c *Connection) RemoteDescription() *webrtc.SessionDescription {
	return c.pc.RemoteDescription()
}

func (c *Connection) OnNegotiationNeeded(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNeg = fn
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *Connection) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
		return err
	}
	c.logger.Info().Msg("closed")
	return nil
}
