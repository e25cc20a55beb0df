// Package direct implements a one-to-one call over a pion peer connection,
// negotiated through a room signaling channel.
package direct

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"

	"github.com/silviot/callbridge/pkg/media"
	"github.com/silviot/callbridge/pkg/metrics"
	"github.com/silviot/callbridge/pkg/participant"
	"github.com/silviot/callbridge/pkg/peer"
	"github.com/silviot/callbridge/pkg/provider"
	"github.com/silviot/callbridge/pkg/signaling"
)

// Config configures an Adapter
type Config struct {
	Signaling signaling.Dialer
	Media     media.Source

	// ICEServers are always used; ICESource results are appended
	ICEServers []webrtc.ICEServer
	ICESource  ICESource

	// NewTransport defaults to PionTransport
	NewTransport    TransportFactory
	IncludeLoopback bool

	// AudioTap receives every remote audio track when set
	AudioTap AudioTap

	MetricsInterval time.Duration
	Logger          *slog.Logger
}

// Adapter is the direct peer-to-peer provider
type Adapter struct {
	*provider.Emitter

	cfg    Config
	logger *slog.Logger

	state      provider.StateStore
	registry   *participant.Registry
	transcript provider.Transcript

	// gen identifies the current session; Leave bumps it so callbacks from
	// a torn down session are ignored
	gen atomic.Uint64
	// attempt identifies the current peer connection within a session
	attempt uint64

	mu       sync.Mutex
	phase    *fsm.FSM
	roomID   string
	userID   string
	identity provider.Identity
	conn     signaling.Conn

	transport    Transport
	stream       *media.Stream
	screen       *media.Stream
	audioEnabled bool
	videoEnabled bool
	collector    *metrics.Collector
	taps         []func()

	remoteID        string
	pendingOffer    *webrtc.SessionDescription
	localOffer      *webrtc.SessionDescription
	lastRemoteOffer string
	candidates      *CandidateQueue
	connected       bool
}

// New creates a direct adapter
func New(cfg Config) (*Adapter, error) {
	if cfg.Signaling == nil {
		return nil, errors.New("direct: signaling dialer is required")
	}
	if cfg.Media == nil {
		return nil, errors.New("direct: media source is required")
	}
	if cfg.NewTransport == nil {
		cfg.NewTransport = PionTransport
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("provider", string(provider.KindDirect))

	return &Adapter{
		Emitter:  provider.NewEmitter(logger),
		cfg:      cfg,
		logger:   logger,
		registry: participant.NewRegistry(),
		phase:    newCallFSM(logger),
	}, nil
}

// Kind returns provider.KindDirect
func (a *Adapter) Kind() provider.Kind { return provider.KindDirect }

// Phase returns the call phase
func (a *Adapter) Phase() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase.Current()
}

// Listen attaches to the room's signaling channel without joining, so
// that an incoming offer rings
func (a *Adapter) Listen(ctx context.Context, roomID, userID string) error {
	if roomID == "" || userID == "" {
		return errors.New("direct: room and user id are required")
	}

	a.mu.Lock()
	if a.conn != nil {
		same := a.roomID == roomID && a.userID == userID
		a.mu.Unlock()
		if same {
			return nil
		}
		return fmt.Errorf("direct: already attached to room %s as %s", a.roomID, a.userID)
	}
	a.mu.Unlock()

	conn, err := a.cfg.Signaling.Dial(ctx, roomID, userID)
	if err != nil {
		return provider.NewError(provider.BackendUnreachable, "attach signaling", err)
	}

	a.mu.Lock()
	if a.conn != nil {
		a.mu.Unlock()
		conn.Close()
		return nil
	}
	a.conn = conn
	a.roomID = roomID
	a.userID = userID
	a.resetPhaseLocked()
	a.Emitter.Reopen()
	gen := a.gen.Load()
	a.mu.Unlock()

	a.logger.Info("attached to signaling", "room", roomID, "user", userID)
	go a.dispatch(gen, conn)
	return nil
}

// Join acquires local media and calls the room, or answers a ringing call.
// The signaling attachment outlives a failed Join so that the room can still
// ring; call Leave to release it.
func (a *Adapter) Join(ctx context.Context, cfg provider.JoinConfig) (provider.Identity, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	a.mu.Lock()
	if a.state.Snapshot().Active() {
		id := a.identity
		a.mu.Unlock()
		return id, nil
	}
	var leftover callResources
	if a.transport != nil || a.stream != nil {
		leftover = a.detachLocked()
	}
	a.resetPhaseLocked()
	a.identity = provider.Identity(cfg.UserID)
	a.state.Update(func(s *provider.State) { *s = provider.State{IsConnecting: true} })
	a.Emitter.Reopen()
	gen := a.gen.Load()
	a.mu.Unlock()

	if err := leftover.release(); err != nil {
		a.logger.Warn("failed to close previous call", "error", err)
	}

	a.logger.Info("joining call", "room", cfg.RoomID, "user", cfg.UserID)

	if err := a.Listen(ctx, cfg.RoomID, cfg.UserID); err != nil {
		var perr *provider.Error
		if !errors.As(err, &perr) {
			perr = provider.NewError(provider.UnknownFailure, "attach signaling", err)
		}
		return a.failJoin(gen, perr)
	}

	stream, err := a.cfg.Media.UserMedia(ctx)
	if err != nil {
		return a.failJoin(gen, media.AcquireError("acquire media", err))
	}
	servers := a.iceServers(ctx)

	a.mu.Lock()
	if a.gen.Load() != gen {
		a.mu.Unlock()
		stream.Close()
		return "", provider.ErrLeft
	}
	t, err := a.openTransportLocked(gen, servers, stream)
	if err != nil {
		a.mu.Unlock()
		stream.Close()
		return a.failJoin(gen, provider.NewError(provider.UnknownFailure, "create peer connection", err))
	}
	a.transport = t
	a.stream = stream
	a.audioEnabled = stream.Audio != nil
	a.videoEnabled = stream.Video != nil
	a.state.Update(func(s *provider.State) { s.IsPublishing = true })

	a.collector = metrics.NewCollector(metrics.SamplerFunc(a.sample), metrics.CollectorConfig{
		Interval: a.cfg.MetricsInterval,
		OnSample: func(m metrics.CallMetrics) { a.onMetrics(gen, m) },
		Logger:   a.logger,
	})
	a.collector.Start()

	var evs []provider.Event
	if a.pendingOffer != nil {
		offer := *a.pendingOffer
		a.pendingOffer = nil
		evs = a.answerLocked(a.remoteID, offer)
	} else {
		a.offerLocked()
	}
	id := a.identity
	a.mu.Unlock()

	a.emit(gen, evs...)
	return id, nil
}

func (a *Adapter) failJoin(gen uint64, perr *provider.Error) (provider.Identity, error) {
	a.logger.Error("join failed", "kind", string(perr.Kind), "error", perr.Err)

	a.mu.Lock()
	if a.gen.Load() != gen {
		a.mu.Unlock()
		return "", provider.ErrLeft
	}
	a.state.Update(func(s *provider.State) {
		s.IsConnecting = false
		s.Err = perr
	})
	a.mu.Unlock()

	a.emit(gen, provider.ErrorEvent(perr))
	return "", perr
}

// openTransportLocked creates the peer connection with one slot per kind
func (a *Adapter) openTransportLocked(gen uint64, servers []webrtc.ICEServer, stream *media.Stream) (Transport, error) {
	a.attempt++
	attempt := a.attempt
	t, err := a.cfg.NewTransport(peer.Config{
		ICEServers:      servers,
		ConfigureMedia:  a.cfg.Media.ConfigureMediaEngine,
		IncludeLoopback: a.cfg.IncludeLoopback,
		Logger:          a.logger,
	}, peer.Handlers{
		OnICECandidate:    func(c webrtc.ICECandidateInit) { a.onLocalCandidate(gen, attempt, c) },
		OnConnectionState: func(s webrtc.PeerConnectionState) { a.onConnectionState(gen, attempt, s) },
		OnTrack:           func(rt peer.RemoteTrack) { a.onTrack(gen, attempt, rt) },
	})
	if err != nil {
		return nil, err
	}

	var audio, video webrtc.TrackLocal
	if stream.Audio != nil {
		audio = stream.Audio
	}
	if stream.Video != nil {
		video = stream.Video
	}
	if err := t.AddTrack(webrtc.RTPCodecTypeAudio, audio); err != nil {
		t.Close()
		return nil, err
	}
	if err := t.AddTrack(webrtc.RTPCodecTypeVideo, video); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func (a *Adapter) iceServers(ctx context.Context) []webrtc.ICEServer {
	servers := append([]webrtc.ICEServer(nil), a.cfg.ICEServers...)
	if a.cfg.ICESource == nil {
		return servers
	}
	fetched, err := a.cfg.ICESource.Fetch(ctx)
	if err != nil {
		a.logger.Warn("failed to fetch ICE servers, using static list", "error", err)
		return servers
	}
	return append(servers, fetched...)
}

// Leave ends the session from any phase
func (a *Adapter) Leave(ctx context.Context) error {
	a.mu.Lock()
	wasActive := a.state.Snapshot().Active()
	if a.conn == nil && a.transport == nil && a.stream == nil && !wasActive {
		a.mu.Unlock()
		return nil
	}
	a.gen.Add(1)

	if a.conn != nil && a.remoteID != "" {
		a.sendLocked(signaling.TypeBye, a.remoteID, nil)
	}
	res := a.detachLocked()
	conn := a.conn
	a.conn = nil
	a.fireLocked(eventHangup)
	a.mu.Unlock()

	errs := []error{res.release()}
	if conn != nil {
		errs = append(errs, conn.Close())
	}
	a.registry.Clear()
	a.transcript.Reset()
	a.state.Reset()

	a.logger.Info("left call")
	if wasActive {
		a.Emit(provider.Event{Kind: provider.EventDisconnected, Reason: "left"})
	}
	a.Emitter.Close()
	return errors.Join(errs...)
}

// callResources are what one call attempt holds on top of the signaling
// attachment
type callResources struct {
	collector *metrics.Collector
	taps      []func()
	stream    *media.Stream
	screen    *media.Stream
	transport Transport
}

// release stops sampling, closes local media and then the transport
func (r callResources) release() error {
	if r.collector != nil {
		r.collector.Stop()
	}
	for _, stop := range r.taps {
		stop()
	}
	r.stream.Close()
	r.screen.Close()
	if r.transport != nil {
		return r.transport.Close()
	}
	return nil
}

// detachLocked hands over the resources of the current attempt and clears
// its negotiation state. The signaling attachment is kept.
func (a *Adapter) detachLocked() callResources {
	res := callResources{
		collector: a.collector,
		taps:      a.taps,
		stream:    a.stream,
		screen:    a.screen,
		transport: a.transport,
	}
	a.collector, a.taps = nil, nil
	a.stream, a.screen = nil, nil
	a.transport = nil
	a.audioEnabled, a.videoEnabled = false, false
	a.remoteID = ""
	a.pendingOffer, a.localOffer = nil, nil
	a.lastRemoteOffer = ""
	a.candidates = nil
	a.connected = false
	return res
}

// ToggleAudio mutes or unmutes the microphone without renegotiating
func (a *Adapter) ToggleAudio(enabled bool) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.transport == nil {
		return false, provider.ErrNotJoined
	}
	if a.stream.Audio == nil {
		return false, provider.NewError(provider.DeviceNotFound, "toggle audio", media.ErrNoDevice)
	}
	if enabled == a.audioEnabled {
		return enabled, nil
	}
	var track webrtc.TrackLocal
	if enabled {
		track = a.stream.Audio
	}
	if err := a.transport.ReplaceTrack(webrtc.RTPCodecTypeAudio, track); err != nil {
		return a.audioEnabled, fmt.Errorf("toggle audio: %w", err)
	}
	a.audioEnabled = enabled
	return enabled, nil
}

// ToggleVideo turns the outgoing video on or off. While sharing the screen
// it applies to the shared screen.
func (a *Adapter) ToggleVideo(enabled bool) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.transport == nil {
		return false, provider.ErrNotJoined
	}
	source := a.videoSourceLocked()
	if source == nil {
		return false, provider.NewError(provider.DeviceNotFound, "toggle video", media.ErrNoDevice)
	}
	if enabled == a.videoEnabled {
		return enabled, nil
	}
	var track webrtc.TrackLocal
	if enabled {
		track = source
	}
	if err := a.transport.ReplaceTrack(webrtc.RTPCodecTypeVideo, track); err != nil {
		return a.videoEnabled, fmt.Errorf("toggle video: %w", err)
	}
	a.videoEnabled = enabled
	return enabled, nil
}

func (a *Adapter) videoSourceLocked() media.Track {
	if a.screen != nil {
		return a.screen.Video
	}
	return a.stream.Video
}

// StartScreenShare replaces the outgoing camera with a screen capture
func (a *Adapter) StartScreenShare(ctx context.Context) error {
	a.mu.Lock()
	if a.transport == nil {
		a.mu.Unlock()
		return provider.ErrNotJoined
	}
	if a.screen != nil {
		a.mu.Unlock()
		return nil
	}
	gen := a.gen.Load()
	a.mu.Unlock()

	screen, err := a.cfg.Media.DisplayMedia(ctx)
	if err != nil {
		return media.AcquireError("acquire screen", err)
	}
	if screen.Video == nil {
		screen.Close()
		return provider.NewError(provider.DeviceNotFound, "acquire screen", media.ErrNoDevice)
	}

	a.mu.Lock()
	if a.gen.Load() != gen || a.transport == nil {
		a.mu.Unlock()
		screen.Close()
		return provider.ErrLeft
	}
	if a.screen != nil {
		a.mu.Unlock()
		screen.Close()
		return nil
	}
	if err := a.transport.ReplaceTrack(webrtc.RTPCodecTypeVideo, screen.Video); err != nil {
		a.mu.Unlock()
		screen.Close()
		return fmt.Errorf("start screen share: %w", err)
	}
	a.screen = screen
	a.videoEnabled = true
	a.state.Update(func(s *provider.State) { s.IsScreenSharing = true })
	a.mu.Unlock()

	screen.Video.OnEnded(func(err error) {
		a.logger.Info("screen capture ended", "error", err)
		a.stopScreenShare(gen, screen)
	})
	a.logger.Info("screen share started")
	return nil
}

// StopScreenShare restores the camera if video is enabled
func (a *Adapter) StopScreenShare() error {
	return a.stopScreenShare(a.gen.Load(), nil)
}

// stopScreenShare stops s, or the current share when s is nil
func (a *Adapter) stopScreenShare(gen uint64, s *media.Stream) error {
	a.mu.Lock()
	if a.gen.Load() != gen || a.screen == nil || (s != nil && a.screen != s) {
		a.mu.Unlock()
		return nil
	}
	screen := a.screen
	a.screen = nil
	a.state.Update(func(st *provider.State) { st.IsScreenSharing = false })

	var camera webrtc.TrackLocal
	if a.videoEnabled && a.stream.Video != nil {
		camera = a.stream.Video
	} else {
		a.videoEnabled = false
	}
	err := a.transport.ReplaceTrack(webrtc.RTPCodecTypeVideo, camera)
	a.mu.Unlock()

	screen.Close()
	a.logger.Info("screen share stopped")
	if err != nil {
		return fmt.Errorf("stop screen share: %w", err)
	}
	return nil
}

// CallMetrics returns the latest sample
func (a *Adapter) CallMetrics() metrics.CallMetrics {
	a.mu.Lock()
	c := a.collector
	a.mu.Unlock()
	if c == nil {
		return metrics.Empty()
	}
	return c.Latest()
}

// Transcript returns the transcript of the session
func (a *Adapter) Transcript() []provider.TranscriptEntry {
	return a.transcript.Entries()
}

// State returns the session state
func (a *Adapter) State() provider.State {
	return a.state.Snapshot()
}

// Participants returns the remote participants
func (a *Adapter) Participants() []participant.Participant {
	return a.registry.Snapshot()
}

func (a *Adapter) sample(ctx context.Context) (metrics.RawStats, error) {
	a.mu.Lock()
	t := a.transport
	settings := media.VideoSettings{}
	switch {
	case a.screen != nil && a.videoEnabled:
		settings = a.screen.Settings
	case a.stream != nil && a.stream.Video != nil && a.videoEnabled:
		settings = a.stream.Settings
	}
	a.mu.Unlock()

	if t == nil {
		return metrics.RawStats{}, provider.ErrNotJoined
	}
	raw := t.Stats()
	raw.Width, raw.Height, raw.FPS = settings.Width, settings.Height, settings.FrameRate
	return raw, nil
}

func (a *Adapter) onMetrics(gen uint64, m metrics.CallMetrics) {
	a.mu.Lock()
	ended := a.phase.Current() == PhaseEnded
	a.mu.Unlock()
	if ended {
		return
	}
	a.emit(gen, provider.Event{Kind: provider.EventMetricsUpdated, Metrics: &m})
}

// emit delivers evs unless the session changed
func (a *Adapter) emit(gen uint64, evs ...provider.Event) {
	for _, ev := range evs {
		if a.gen.Load() != gen {
			return
		}
		a.Emit(ev)
	}
}

// fireLocked moves the call phase, ignoring transitions that do not apply
func (a *Adapter) fireLocked(event string) {
	if !a.phase.Can(event) {
		return
	}
	if err := a.phase.Event(context.Background(), event); err != nil {
		a.logger.Debug("call phase transition skipped", "event", event, "error", err)
	}
}

func (a *Adapter) resetPhaseLocked() {
	if a.phase.Current() == PhaseEnded {
		a.fireLocked(eventReset)
	}
}
