// Package agora implements the provider contract on an Agora-style media
// network, which addresses users by numeric uid
package agora

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/silviot/callbridge/pkg/media"
	"github.com/silviot/callbridge/pkg/metrics"
	"github.com/silviot/callbridge/pkg/participant"
	"github.com/silviot/callbridge/pkg/provider"
)

// SpeakingLevel is the volume at or above which a user counts as speaking
const SpeakingLevel = 30

var _ provider.Provider = (*Adapter)(nil)

// Config configures an Adapter
type Config struct {
	Engine Engine
	Media  media.Source

	MetricsInterval time.Duration
	Logger          *slog.Logger
}

// Adapter is the Agora-style provider
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
	uid      uint32
	// joined is set while the session is published and live; inChannel
	// until the engine has been told to leave
	joined       bool
	inChannel    bool
	stream       *media.Stream
	screen       *media.Stream
	audioEnabled bool
	videoEnabled bool
	collector    *metrics.Collector
}

// New creates an adapter around engine
func New(cfg Config) (*Adapter, error) {
	if cfg.Engine == nil {
		return nil, errors.New("agora: engine is required")
	}
	if cfg.Media == nil {
		return nil, errors.New("agora: media source is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("provider", string(provider.KindAgora))

	return &Adapter{
		Emitter:  provider.NewEmitter(logger),
		cfg:      cfg,
		logger:   logger,
		registry: participant.NewRegistry(),
	}, nil
}

// Kind returns provider.KindAgora
func (a *Adapter) Kind() provider.Kind { return provider.KindAgora }

// UID returns the numeric identity of the current session, or 0
func (a *Adapter) UID() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.uid
}

// Join acquires media, joins the channel and publishes. The returned
// identity is the decimal uid. After the network dropped the session, Join
// leaves the stale channel before joining again.
func (a *Adapter) Join(ctx context.Context, cfg provider.JoinConfig) (provider.Identity, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	uid := UID(cfg.UserID)
	a.mu.Lock()
	if a.state.Snapshot().Active() {
		id := a.identity
		a.mu.Unlock()
		return id, nil
	}
	stale := a.inChannel
	a.inChannel = false
	a.uid = uid
	a.identity = provider.Identity(strconv.FormatUint(uint64(uid), 10))
	a.state.Update(func(s *provider.State) { *s = provider.State{IsConnecting: true} })
	a.Emitter.Reopen()
	gen := a.gen.Load()
	a.mu.Unlock()

	if stale {
		if err := a.cfg.Engine.Leave(); err != nil {
			a.logger.Warn("failed to leave dropped channel", "error", err)
		}
		a.registry.Clear()
	}

	a.logger.Info("joining channel", "channel", cfg.RoomID, "user", cfg.UserID, "uid", uid)

	stream, err := a.cfg.Media.UserMedia(ctx)
	if err != nil {
		return a.failJoin(gen, media.AcquireError("acquire media", err))
	}

	if err := a.cfg.Engine.Join(ctx, cfg.Token, cfg.RoomID, uid, a.handler(gen)); err != nil {
		stream.Close()
		return a.failJoin(gen, provider.NewError(provider.BackendUnreachable, "join channel", err))
	}

	a.mu.Lock()
	if a.gen.Load() != gen {
		a.mu.Unlock()
		a.cfg.Engine.Leave()
		stream.Close()
		return "", provider.ErrLeft
	}
	if err := a.publishLocked(stream); err != nil {
		a.mu.Unlock()
		a.cfg.Engine.Leave()
		stream.Close()
		return a.failJoin(gen, provider.NewError(provider.UnknownFailure, "publish tracks", err))
	}
	a.joined = true
	a.inChannel = true
	a.stream = stream
	a.audioEnabled = stream.Audio != nil
	a.videoEnabled = stream.Video != nil
	a.state.Update(func(s *provider.State) {
		s.IsConnecting = false
		s.IsConnected = true
		s.IsPublishing = stream.Audio != nil || stream.Video != nil
	})
	a.collector = metrics.NewCollector(metrics.SamplerFunc(a.sample), metrics.CollectorConfig{
		Interval: a.cfg.MetricsInterval,
		OnSample: func(m metrics.CallMetrics) { a.onMetrics(gen, m) },
		Logger:   a.logger,
	})
	a.collector.Start()
	id := a.identity
	a.mu.Unlock()

	a.emit(gen, provider.Event{Kind: provider.EventConnected})
	return id, nil
}

func (a *Adapter) publishLocked(stream *media.Stream) error {
	if stream.Audio != nil {
		if err := a.cfg.Engine.Publish(participant.KindAudio, stream.Audio); err != nil {
			return err
		}
	}
	if stream.Video != nil {
		if err := a.cfg.Engine.Publish(participant.KindVideo, stream.Video); err != nil {
			return err
		}
	}
	return nil
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

// Leave leaves the channel from any state
func (a *Adapter) Leave(ctx context.Context) error {
	a.mu.Lock()
	wasActive := a.state.Snapshot().Active()
	if !a.inChannel && a.stream == nil && !wasActive {
		a.mu.Unlock()
		return nil
	}
	a.gen.Add(1)
	inChannel := a.inChannel
	a.inChannel = false
	a.uid = 0
	a.unlockAndRelease()

	var err error
	if inChannel {
		err = a.cfg.Engine.Leave()
	}
	a.registry.Clear()
	a.transcript.Reset()
	a.state.Reset()

	a.logger.Info("left channel")
	if wasActive {
		a.Emit(provider.Event{Kind: provider.EventDisconnected, Reason: "left"})
	}
	a.Emitter.Close()
	return err
}

// unlockAndRelease detaches the published session, unlocks a.mu, then stops
// sampling and closes local media
func (a *Adapter) unlockAndRelease() {
	collector := a.collector
	stream, screen := a.stream, a.screen
	a.collector = nil
	a.stream, a.screen = nil, nil
	a.joined = false
	a.audioEnabled, a.videoEnabled = false, false
	a.mu.Unlock()

	if collector != nil {
		collector.Stop()
	}
	stream.Close()
	screen.Close()
}

// ToggleAudio mutes or unmutes the local audio stream
func (a *Adapter) ToggleAudio(enabled bool) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.joined {
		return false, provider.ErrNotJoined
	}
	if a.stream.Audio == nil {
		return false, provider.NewError(provider.DeviceNotFound, "toggle audio", media.ErrNoDevice)
	}
	if err := a.cfg.Engine.MuteLocal(participant.KindAudio, !enabled); err != nil {
		return a.audioEnabled, fmt.Errorf("toggle audio: %w", err)
	}
	a.audioEnabled = enabled
	return enabled, nil
}

// ToggleVideo mutes or unmutes the local video slot
func (a *Adapter) ToggleVideo(enabled bool) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.joined {
		return false, provider.ErrNotJoined
	}
	if a.screen == nil && a.stream.Video == nil {
		return false, provider.NewError(provider.DeviceNotFound, "toggle video", media.ErrNoDevice)
	}
	if err := a.cfg.Engine.MuteLocal(participant.KindVideo, !enabled); err != nil {
		return a.videoEnabled, fmt.Errorf("toggle video: %w", err)
	}
	a.videoEnabled = enabled
	return enabled, nil
}

// StartScreenShare replaces the video track of the existing publication
// with a screen capture
func (a *Adapter) StartScreenShare(ctx context.Context) error {
	a.mu.Lock()
	if !a.joined {
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
	if a.gen.Load() != gen || !a.joined {
		a.mu.Unlock()
		screen.Close()
		return provider.ErrLeft
	}
	if a.screen != nil {
		a.mu.Unlock()
		screen.Close()
		return nil
	}
	if err := a.swapVideoLocked(screen.Video); err != nil {
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

// swapVideoLocked puts track on the video slot, publishing the slot if the
// session started without a camera, and unmutes it
func (a *Adapter) swapVideoLocked(track media.Track) error {
	var err error
	if a.stream.Video == nil && a.screen == nil {
		err = a.cfg.Engine.Publish(participant.KindVideo, track)
	} else {
		err = a.cfg.Engine.Replace(participant.KindVideo, track)
	}
	if err != nil {
		return err
	}
	if !a.videoEnabled {
		return a.cfg.Engine.MuteLocal(participant.KindVideo, false)
	}
	return nil
}

// StopScreenShare restores the camera on the video slot
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
	if a.stream.Video != nil {
		err = a.cfg.Engine.Replace(participant.KindVideo, a.stream.Video)
		if err == nil && !a.videoEnabled {
			err = a.cfg.Engine.MuteLocal(participant.KindVideo, true)
		}
	} else {
		err = a.cfg.Engine.Publish(participant.KindVideo, nil)
		a.videoEnabled = false
	}
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
	joined := a.joined
	var settings media.VideoSettings
	switch {
	case a.screen != nil && a.videoEnabled:
		settings = a.screen.Settings
	case a.stream != nil && a.stream.Video != nil && a.videoEnabled:
		settings = a.stream.Settings
	}
	a.mu.Unlock()

	if !joined {
		return metrics.RawStats{}, provider.ErrNotJoined
	}
	st, err := a.cfg.Engine.Stats()
	if err != nil {
		return metrics.RawStats{}, err
	}
	return metrics.RawStats{
		RTT:              st.RTT,
		HasRTT:           st.RTT > 0,
		LossPct:          st.LossPct,
		BytesTransferred: st.TxBytes + st.RxBytes,
		Width:            settings.Width,
		Height:           settings.Height,
		FPS:              settings.FrameRate,
		Timestamp:        time.Now(),
	}, nil
}

func (a *Adapter) onMetrics(gen uint64, m metrics.CallMetrics) {
	if !a.state.Snapshot().IsConnected {
		return
	}
	a.emit(gen, provider.Event{Kind: provider.EventMetricsUpdated, Metrics: &m})
}

// remoteRef names a remote track; the engine owns the media
type remoteRef string

func (r remoteRef) ID() string { return string(r) }

func userID(uid uint32) string {
	return strconv.FormatUint(uint64(uid), 10)
}

// handler binds engine notifications to session gen
func (a *Adapter) handler(gen uint64) Handler {
	return Handler{
		OnJoined: func(uid uint32) {
			a.logger.Debug("engine joined", "uid", uid)
		},
		OnUserJoined: func(uid uint32) {
			if a.gen.Load() != gen {
				return
			}
			id := userID(uid)
			p, _ := a.registry.Upsert(id, id)
			a.emit(gen, provider.ParticipantEvent(provider.EventParticipantJoined, p))
		},
		OnUserOffline: func(uid uint32, reason string) {
			if a.gen.Load() != gen {
				return
			}
			p, _ := a.registry.Remove(userID(uid))
			ev := provider.ParticipantEvent(provider.EventParticipantLeft, p)
			ev.Reason = reason
			a.emit(gen, ev)
		},
		OnRemoteTrack: func(uid uint32, kind participant.Kind, published bool) {
			if a.gen.Load() != gen {
				return
			}
			id := userID(uid)
			trackID := id + "-" + string(kind)
			if published {
				if _, ok := a.registry.Get(id); !ok {
					a.registry.Upsert(id, id)
				}
				info := participant.TrackInfo{Ref: remoteRef(trackID), TrackID: trackID, Enabled: true, Kind: kind}
				p := a.registry.SetTrack(id, info)
				a.emit(gen,
					provider.TrackEvent(provider.EventTrackPublished, p, info),
					provider.ParticipantEvent(provider.EventParticipantUpdated, p),
				)
				return
			}
			p, ok := a.registry.RemoveTrack(id, kind)
			if !ok {
				return
			}
			a.emit(gen,
				provider.TrackEvent(provider.EventTrackUnpublished, p, participant.TrackInfo{TrackID: trackID, Kind: kind}),
				provider.ParticipantEvent(provider.EventParticipantUpdated, p),
			)
		},
		OnRemoteMuted: func(uid uint32, kind participant.Kind, muted bool) {
			if a.gen.Load() != gen {
				return
			}
			if p, ok := a.registry.SetTrackEnabled(userID(uid), kind, !muted); ok {
				a.emit(gen, provider.ParticipantEvent(provider.EventParticipantUpdated, p))
			}
		},
		OnConnectionState: func(state ConnectionState, reason string) {
			a.onConnectionState(gen, state, reason)
		},
		OnVolume: func(levels map[uint32]int) {
			if a.gen.Load() != gen {
				return
			}
			var evs []provider.Event
			for _, known := range a.registry.Snapshot() {
				uid, err := strconv.ParseUint(known.ID, 10, 32)
				if err != nil {
					continue
				}
				speaking := levels[uint32(uid)] >= SpeakingLevel
				if p, changed := a.registry.SetSpeaking(known.ID, speaking); changed {
					ev := provider.ParticipantEvent(provider.EventSpeakingChanged, p)
					ev.Speaking = speaking
					evs = append(evs, ev)
				}
			}
			a.emit(gen, evs...)
		},
	}
}

func (a *Adapter) onConnectionState(gen uint64, state ConnectionState, reason string) {
	if a.gen.Load() != gen {
		return
	}
	a.logger.Info("connection state changed", "state", state.String(), "reason", reason)

	// Join reports the first CONNECTED itself; until then the engine's
	// states only describe the join in progress
	a.mu.Lock()
	if !a.joined {
		a.mu.Unlock()
		return
	}

	switch state {
	case StateReconnecting:
		a.state.Update(func(s *provider.State) {
			s.IsConnected = false
			s.IsConnecting = true
		})
		a.mu.Unlock()
		a.emit(gen, provider.Event{Kind: provider.EventReconnecting, Reason: reason})
	case StateConnected:
		prev := a.state.Snapshot()
		if prev.IsConnected || !prev.IsConnecting {
			a.mu.Unlock()
			return
		}
		a.state.Update(func(s *provider.State) {
			s.IsConnected = true
			s.IsConnecting = false
		})
		a.mu.Unlock()
		a.emit(gen, provider.Event{Kind: provider.EventConnected})
	case StateFailed, StateDisconnected:
		// later notifications of this channel belong to no session; the
		// channel itself is left on the next Join or Leave
		next := a.gen.Add(1)
		a.state.Reset()
		a.unlockAndRelease()
		if reason == "" {
			reason = state.String()
		}
		a.emit(next, provider.Event{Kind: provider.EventDisconnected, Reason: reason})
	default:
		a.mu.Unlock()
	}
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
