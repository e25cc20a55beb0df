// Package livekit implements the provider contract on a LiveKit room
package livekit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/silviot/callbridge/pkg/media"
	"github.com/silviot/callbridge/pkg/metrics"
	"github.com/silviot/callbridge/pkg/participant"
	"github.com/silviot/callbridge/pkg/peer"
	"github.com/silviot/callbridge/pkg/provider"
)

// ErrNoToken is returned by Join when no token was given and none can be
// minted
var ErrNoToken = errors.New("livekit: no token and no API credentials")

// Config configures an Adapter
type Config struct {
	URL string
	// APIKey and APISecret mint a token when Join gets none
	APIKey    string
	APISecret string
	TokenTTL  time.Duration

	Media media.Source
	// Connect defaults to the server SDK
	Connect Connector

	MetricsInterval time.Duration
	Logger          *slog.Logger
}

var _ provider.Provider = (*Adapter)(nil)

// Adapter is the LiveKit provider
type Adapter struct {
	*provider.Emitter

	cfg    Config
	logger *slog.Logger

	state      provider.StateStore
	registry   *participant.Registry
	transcript provider.Transcript
	gen        atomic.Uint64

	mu       sync.Mutex
	identity provider.Identity
	room     Room
	// dropped is a room the server disconnected, closed on the next Join or
	// Leave rather than from its own callback
	dropped      Room
	stream       *media.Stream
	screen       *media.Stream
	audioPub     Publication
	videoPub     Publication
	audioEnabled bool
	videoEnabled bool
	collector    *metrics.Collector
}

// New creates a LiveKit adapter
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("livekit: URL is required")
	}
	if cfg.Media == nil {
		return nil, errors.New("livekit: media source is required")
	}
	if cfg.Connect == nil {
		cfg.Connect = Connect
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 6 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("provider", string(provider.KindLiveKit))

	return &Adapter{
		Emitter:  provider.NewEmitter(logger),
		cfg:      cfg,
		logger:   logger,
		registry: participant.NewRegistry(),
	}, nil
}

// Kind returns provider.KindLiveKit
func (a *Adapter) Kind() provider.Kind { return provider.KindLiveKit }

// Join acquires local media, connects to the room and publishes
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
	dropped := a.dropped
	a.dropped = nil
	a.identity = provider.Identity(cfg.UserID)
	a.state.Update(func(s *provider.State) { *s = provider.State{IsConnecting: true} })
	a.Emitter.Reopen()
	gen := a.gen.Load()
	a.mu.Unlock()

	if dropped != nil {
		dropped.Disconnect()
		a.registry.Clear()
	}

	a.logger.Info("joining room", "room", cfg.RoomID, "user", cfg.UserID)

	token, err := a.token(cfg)
	if err != nil {
		return a.failJoin(gen, provider.NewError(provider.UnknownFailure, "mint token", err))
	}

	stream, err := a.cfg.Media.UserMedia(ctx)
	if err != nil {
		return a.failJoin(gen, media.AcquireError("acquire media", err))
	}

	room, err := a.cfg.Connect(ctx, a.cfg.URL, token, a.callbacks(gen))
	if err != nil {
		stream.Close()
		return a.failJoin(gen, provider.NewError(provider.BackendUnreachable, "connect room", err))
	}

	a.mu.Lock()
	if a.gen.Load() != gen {
		a.mu.Unlock()
		room.Disconnect()
		stream.Close()
		return "", provider.ErrLeft
	}
	audioPub, videoPub, err := publishStream(room, stream)
	if err != nil {
		a.mu.Unlock()
		room.Disconnect()
		stream.Close()
		return a.failJoin(gen, provider.NewError(provider.UnknownFailure, "publish tracks", err))
	}
	a.room = room
	a.stream = stream
	a.audioPub, a.videoPub = audioPub, videoPub
	a.audioEnabled = audioPub != nil
	a.videoEnabled = videoPub != nil
	if id := room.LocalIdentity(); id != "" {
		a.identity = provider.Identity(id)
	}
	a.state.Update(func(s *provider.State) {
		s.IsConnecting = false
		s.IsConnected = true
		s.IsPublishing = audioPub != nil || videoPub != nil
	})

	a.collector = metrics.NewCollector(metrics.SamplerFunc(a.sample), metrics.CollectorConfig{
		Interval: a.cfg.MetricsInterval,
		OnSample: func(m metrics.CallMetrics) { a.onMetrics(gen, m) },
		Logger:   a.logger,
	})
	a.collector.Start()
	id := a.identity
	a.mu.Unlock()

	a.logger.Info("joined room", "identity", id)
	a.emit(gen, provider.Event{Kind: provider.EventConnected})
	return id, nil
}

func (a *Adapter) token(cfg provider.JoinConfig) (string, error) {
	if cfg.Token != "" {
		return cfg.Token, nil
	}
	if a.cfg.APIKey == "" || a.cfg.APISecret == "" {
		return "", ErrNoToken
	}
	name := cfg.UserName
	if name == "" {
		name = cfg.UserID
	}
	return MintToken(a.cfg.APIKey, a.cfg.APISecret, cfg.RoomID, cfg.UserID, name, a.cfg.TokenTTL)
}

func publishStream(room Room, stream *media.Stream) (audio, video Publication, err error) {
	if stream.Audio != nil {
		if audio, err = room.Publish(stream.Audio, "microphone", SourceMicrophone); err != nil {
			return nil, nil, err
		}
	}
	if stream.Video != nil {
		if video, err = room.Publish(stream.Video, "camera", SourceCamera); err != nil {
			return nil, nil, err
		}
	}
	return audio, video, nil
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

// Leave disconnects from any state
func (a *Adapter) Leave(ctx context.Context) error {
	a.mu.Lock()
	wasActive := a.state.Snapshot().Active()
	if a.room == nil && a.dropped == nil && a.stream == nil && !wasActive {
		a.mu.Unlock()
		return nil
	}
	a.gen.Add(1)
	dropped := a.dropped
	a.dropped = nil
	room := a.unlockAndRelease()

	for _, r := range []Room{room, dropped} {
		if r != nil {
			r.Disconnect()
		}
	}
	a.registry.Clear()
	a.transcript.Reset()
	a.state.Reset()

	a.logger.Info("left room")
	if wasActive {
		a.Emit(provider.Event{Kind: provider.EventDisconnected, Reason: "left"})
	}
	a.Emitter.Close()
	return nil
}

// unlockAndRelease detaches the published session and unlocks a.mu, then
// stops sampling and closes local media. The room is returned connected.
func (a *Adapter) unlockAndRelease() Room {
	collector := a.collector
	stream, screen := a.stream, a.screen
	room := a.room
	a.collector = nil
	a.stream, a.screen = nil, nil
	a.room = nil
	a.audioPub, a.videoPub = nil, nil
	a.audioEnabled, a.videoEnabled = false, false
	a.mu.Unlock()

	if collector != nil {
		collector.Stop()
	}
	stream.Close()
	screen.Close()
	return room
}

// ToggleAudio mutes or unmutes the microphone publication
func (a *Adapter) ToggleAudio(enabled bool) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.room == nil {
		return false, provider.ErrNotJoined
	}
	if a.audioPub == nil {
		return false, provider.NewError(provider.DeviceNotFound, "toggle audio", media.ErrNoDevice)
	}
	a.audioPub.SetMuted(!enabled)
	a.audioEnabled = enabled
	return enabled, nil
}

// ToggleVideo mutes or unmutes the video publication, which is the screen
// while sharing
func (a *Adapter) ToggleVideo(enabled bool) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.room == nil {
		return false, provider.ErrNotJoined
	}
	if a.videoPub == nil {
		return false, provider.NewError(provider.DeviceNotFound, "toggle video", media.ErrNoDevice)
	}
	a.videoPub.SetMuted(!enabled)
	a.videoEnabled = enabled
	return enabled, nil
}

// StartScreenShare unpublishes the camera and publishes a screen capture
func (a *Adapter) StartScreenShare(ctx context.Context) error {
	a.mu.Lock()
	if a.room == nil {
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
	if a.gen.Load() != gen || a.room == nil {
		a.mu.Unlock()
		screen.Close()
		return provider.ErrLeft
	}
	if a.screen != nil {
		a.mu.Unlock()
		screen.Close()
		return nil
	}
	if a.videoPub != nil {
		if err := a.room.Unpublish(a.videoPub.SID()); err != nil {
			a.mu.Unlock()
			screen.Close()
			return fmt.Errorf("unpublish camera: %w", err)
		}
		a.videoPub = nil
	}
	pub, err := a.room.Publish(screen.Video, "screen", SourceScreenShare)
	if err != nil {
		a.republishCameraLocked()
		a.mu.Unlock()
		screen.Close()
		return fmt.Errorf("publish screen: %w", err)
	}
	a.videoPub = pub
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

// StopScreenShare unpublishes the screen and restores the camera
func (a *Adapter) StopScreenShare() error {
	return a.stopScreenShare(a.gen.Load(), nil)
}

func (a *Adapter) stopScreenShare(gen uint64, s *media.Stream) error {
	a.mu.Lock()
	if a.gen.Load() != gen || a.screen == nil || (s != nil && a.screen != s) {
		a.mu.Unlock()
		return nil
	}
	screen := a.screen
	a.screen = nil
	a.state.Update(func(st *provider.State) { st.IsScreenSharing = false })

	var err error
	if a.videoPub != nil {
		err = a.room.Unpublish(a.videoPub.SID())
		a.videoPub = nil
	}
	if rerr := a.republishCameraLocked(); rerr != nil {
		err = errors.Join(err, rerr)
	}
	a.mu.Unlock()

	screen.Close()
	a.logger.Info("screen share stopped")
	if err != nil {
		return fmt.Errorf("stop screen share: %w", err)
	}
	return nil
}

// republishCameraLocked puts the camera back on the video slot, muted if
// video was turned off
func (a *Adapter) republishCameraLocked() error {
	if a.stream == nil || a.stream.Video == nil {
		a.videoEnabled = false
		return nil
	}
	pub, err := a.room.Publish(a.stream.Video, "camera", SourceCamera)
	if err != nil {
		a.videoEnabled = false
		return err
	}
	pub.SetMuted(!a.videoEnabled)
	a.videoPub = pub
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

// sample reports the local capture format only; the SDK exposes no
// transport round trip or loss
func (a *Adapter) sample(ctx context.Context) (metrics.RawStats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.room == nil {
		return metrics.RawStats{}, provider.ErrNotJoined
	}
	raw := metrics.RawStats{Timestamp: time.Now()}
	var settings media.VideoSettings
	switch {
	case a.screen != nil && a.videoEnabled:
		settings = a.screen.Settings
	case a.stream != nil && a.stream.Video != nil && a.videoEnabled:
		settings = a.stream.Settings
	}
	raw.Width, raw.Height, raw.FPS = settings.Width, settings.Height, settings.FrameRate
	return raw, nil
}

func (a *Adapter) onMetrics(gen uint64, m metrics.CallMetrics) {
	if !a.state.Snapshot().IsConnected {
		return
	}
	a.emit(gen, provider.Event{Kind: provider.EventMetricsUpdated, Metrics: &m})
}

// callbacks binds room notifications to session gen
func (a *Adapter) callbacks(gen uint64) Callbacks {
	return Callbacks{
		OnParticipantConnected: func(r Remote) {
			if a.gen.Load() != gen {
				return
			}
			p, _ := a.registry.Upsert(r.Identity, r.Name)
			a.emit(gen, provider.ParticipantEvent(provider.EventParticipantJoined, p))
		},
		OnParticipantDisconnected: func(r Remote) {
			if a.gen.Load() != gen {
				return
			}
			p, _ := a.registry.Remove(r.Identity)
			a.emit(gen, provider.ParticipantEvent(provider.EventParticipantLeft, p))
		},
		OnTrackSubscribed: func(r Remote, track peer.RemoteTrack) {
			if a.gen.Load() != gen {
				return
			}
			a.registry.Upsert(r.Identity, r.Name)
			info := participant.TrackInfo{Ref: track, TrackID: track.ID(), Enabled: true, Kind: trackKind(track)}
			p := a.registry.SetTrack(r.Identity, info)
			a.emit(gen,
				provider.TrackEvent(provider.EventTrackPublished, p, info),
				provider.ParticipantEvent(provider.EventParticipantUpdated, p),
			)
		},
		OnTrackUnsubscribed: func(r Remote, track peer.RemoteTrack) {
			if a.gen.Load() != gen {
				return
			}
			kind := trackKind(track)
			p, ok := a.registry.RemoveTrack(r.Identity, kind)
			if !ok {
				return
			}
			info := participant.TrackInfo{TrackID: track.ID(), Kind: kind}
			a.emit(gen,
				provider.TrackEvent(provider.EventTrackUnpublished, p, info),
				provider.ParticipantEvent(provider.EventParticipantUpdated, p),
			)
		},
		OnTrackMuted: func(r Remote, kind participant.Kind, muted bool) {
			if a.gen.Load() != gen {
				return
			}
			if p, ok := a.registry.SetTrackEnabled(r.Identity, kind, !muted); ok {
				a.emit(gen, provider.ParticipantEvent(provider.EventParticipantUpdated, p))
			}
		},
		OnActiveSpeakers: func(ids []string) {
			if a.gen.Load() != gen {
				return
			}
			active := make(map[string]bool, len(ids))
			for _, id := range ids {
				active[id] = true
			}
			var evs []provider.Event
			for _, known := range a.registry.Snapshot() {
				if p, changed := a.registry.SetSpeaking(known.ID, active[known.ID]); changed {
					ev := provider.ParticipantEvent(provider.EventSpeakingChanged, p)
					ev.Speaking = p.IsSpeaking
					evs = append(evs, ev)
				}
			}
			a.emit(gen, evs...)
		},
		OnReconnecting: func() {
			if !a.live(gen) {
				return
			}
			a.state.Update(func(s *provider.State) {
				s.IsConnected = false
				s.IsConnecting = true
			})
			a.emit(gen, provider.Event{Kind: provider.EventReconnecting})
		},
		OnReconnected: func() {
			if !a.live(gen) {
				return
			}
			prev := a.state.Snapshot()
			if prev.IsConnected {
				return
			}
			a.state.Update(func(s *provider.State) {
				s.IsConnected = true
				s.IsConnecting = false
			})
			a.emit(gen, provider.Event{Kind: provider.EventConnected})
		},
		OnDisconnected: func(reason string) {
			a.mu.Lock()
			if a.gen.Load() != gen || a.room == nil {
				a.mu.Unlock()
				return
			}
			a.logger.Warn("room disconnected", "reason", reason)
			// later callbacks of this room belong to no session
			next := a.gen.Add(1)
			a.state.Reset()
			a.dropped = a.room
			a.unlockAndRelease()
			a.emit(next, provider.Event{Kind: provider.EventDisconnected, Reason: reason})
		},
	}
}

// live reports whether gen is the current session and Join has finished
// connecting it. Join reports the first CONNECTED itself.
func (a *Adapter) live(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen.Load() == gen && a.room != nil
}

func trackKind(t peer.RemoteTrack) participant.Kind {
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		return participant.KindVideo
	}
	return participant.KindAudio
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
