package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/silviot/callbridge/pkg/metrics"
)

// Config configures a peer connection
type Config struct {
	ICEServers []webrtc.ICEServer
	// ConfigureMedia registers codecs; the pion defaults are used when nil
	ConfigureMedia func(*webrtc.MediaEngine) error
	Timeouts       Timeouts
	// IncludeLoopback gathers loopback candidates, for same-host peers
	IncludeLoopback bool
	Logger          *slog.Logger
}

// Conn wraps a pion PeerConnection with one send slot per media kind.
// Tracks are swapped on their slot without renegotiation.
type Conn struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger

	mu      sync.Mutex
	senders map[webrtc.RTPCodecType]*webrtc.RTPSender
	closed  bool
}

// New creates a peer connection and registers h
func New(cfg Config, h Handlers) (*Conn, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeouts == (Timeouts{}) {
		cfg.Timeouts = DefaultTimeouts
	}

	mediaEngine := &webrtc.MediaEngine{}
	configure := cfg.ConfigureMedia
	if configure == nil {
		configure = func(m *webrtc.MediaEngine) error { return m.RegisterDefaultCodecs() }
	}
	if err := configure(mediaEngine); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: LoggerFactory{Logger: cfg.Logger}}
	se.SetICETimeouts(cfg.Timeouts.Disconnected, cfg.Timeouts.Failed, cfg.Timeouts.KeepAlive)
	se.SetReceiveMTU(16384)
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		cfg.Logger.Error("failed to create peer connection", "error", err)
		return nil, err
	}

	c := &Conn{
		pc:      pc,
		logger:  cfg.Logger,
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil || h.OnICECandidate == nil {
			return
		}
		h.OnICECandidate(candidate.ToJSON())
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		c.logger.Debug("ICE connection state changed", "state", state.String())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Info("peer connection state changed", "state", state.String())
		if h.OnConnectionState != nil {
			h.OnConnectionState(state)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		codec := track.Codec()
		c.logger.Info("track received",
			"kind", track.Kind().String(),
			"codec", codec.MimeType,
			"clockRate", codec.ClockRate,
			"channels", codec.Channels,
		)
		if h.OnTrack != nil {
			h.OnTrack(track)
		}
	})

	return c, nil
}

// AddTrack opens the send slot for kind. A nil track opens the slot with a
// placeholder so the kind is still negotiated and can be filled later.
func (c *Conn) AddTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.senders[kind]; ok {
		return fmt.Errorf("%s slot already open", kind)
	}

	var sender *webrtc.RTPSender
	if track != nil {
		s, err := c.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to add %s track: %w", kind, err)
		}
		sender = s
	} else {
		tr, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		})
		if err != nil {
			return fmt.Errorf("failed to add %s transceiver: %w", kind, err)
		}
		sender = tr.Sender()
	}
	c.senders[kind] = sender

	// RTCP must be drained for the interceptors to work
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// ReplaceTrack swaps the track on the slot of kind. nil mutes the slot.
func (c *Conn) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	c.mu.Lock()
	sender, ok := c.senders[kind]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("no %s slot", kind)
	}
	return sender.ReplaceTrack(track)
}

// CreateOffer creates an offer
func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

// CreateAnswer creates an answer to the applied remote offer
func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

// SetLocalDescription applies a local description
func (c *Conn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

// SetRemoteDescription applies a remote description
func (c *Conn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

// LocalDescription returns the pending or current local description
func (c *Conn) LocalDescription() *webrtc.SessionDescription {
	return c.pc.LocalDescription()
}

// HasRemoteDescription reports whether a remote description is applied
func (c *Conn) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

// Rollback discards the pending local offer
func (c *Conn) Rollback() error {
	pending := c.pc.PendingLocalDescription()
	if pending == nil {
		return errors.New("no pending local description to roll back")
	}
	return c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: pending.SDP})
}

// AddICECandidate applies a remote candidate
func (c *Conn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

// SignalingState returns the pion signaling state
func (c *Conn) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

// Stats samples the transport statistics
func (c *Conn) Stats() metrics.RawStats {
	return StatsFromReport(c.pc.GetStats())
}

// Close closes the peer connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.pc.Close(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		return err
	}
	return nil
}
