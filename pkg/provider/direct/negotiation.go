package direct

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/silviot/callbridge/pkg/participant"
	"github.com/silviot/callbridge/pkg/peer"
	"github.com/silviot/callbridge/pkg/provider"
	"github.com/silviot/callbridge/pkg/signaling"
)

// dispatch handles inbound signaling until conn closes
func (a *Adapter) dispatch(gen uint64, conn signaling.Conn) {
	for msg := range conn.Messages() {
		a.handleMessage(gen, msg)
	}
	if a.gen.Load() == gen {
		a.logger.Warn("signaling channel closed")
	}
}

func (a *Adapter) handleMessage(gen uint64, msg signaling.Message) {
	a.mu.Lock()
	if a.gen.Load() != gen || msg.SenderID == a.userID {
		a.mu.Unlock()
		return
	}
	if msg.RecipientID != "" && msg.RecipientID != a.userID {
		a.mu.Unlock()
		return
	}

	var evs []provider.Event
	var ended callResources
	switch msg.Type {
	case signaling.TypeOffer:
		evs = a.onOfferLocked(msg)
	case signaling.TypeAnswer:
		evs = a.onAnswerLocked(msg)
	case signaling.TypeCandidate:
		a.onCandidateLocked(msg)
	case signaling.TypeBye:
		evs, ended = a.onByeLocked(msg)
	default:
		a.logger.Debug("ignoring signaling message", "type", string(msg.Type), "from", msg.SenderID)
	}
	a.mu.Unlock()

	a.releaseEnded(ended)
	a.emit(gen, evs...)
}

// decodeLocked extracts and validates a session description
func (a *Adapter) decodeLocked(msg signaling.Message) (webrtc.SessionDescription, bool) {
	desc, err := msg.Description()
	if err != nil {
		a.logger.Warn("dropping malformed description", "from", msg.SenderID, "error", err)
		return desc, false
	}
	if _, err := peer.ParseMedia(desc.SDP); err != nil {
		a.logger.Warn("dropping unparsable description", "from", msg.SenderID, "error", err)
		return desc, false
	}
	return desc, true
}

func (a *Adapter) onOfferLocked(msg signaling.Message) []provider.Event {
	desc, ok := a.decodeLocked(msg)
	if !ok {
		return nil
	}
	if a.remoteID != "" && msg.SenderID != a.remoteID {
		a.logger.Info("ignoring offer from another peer, call in progress", "from", msg.SenderID)
		return nil
	}
	if desc.SDP == a.lastRemoteOffer {
		a.logger.Debug("ignoring repeated offer", "from", msg.SenderID)
		return nil
	}
	a.remoteID = msg.SenderID
	evs := a.upsertRemoteLocked(msg.SenderID)

	if a.transport == nil {
		a.pendingOffer = &desc
		a.queueLocked()
		a.fireLocked(eventRing)
		a.logger.Info("incoming call", "from", msg.SenderID)
		return evs
	}

	switch state := a.transport.SignalingState(); state {
	case webrtc.SignalingStateStable:
	case webrtc.SignalingStateHaveLocalOffer:
		if !polite(a.userID, msg.SenderID) {
			a.logger.Info("offer collision, keeping local offer", "from", msg.SenderID)
			if a.localOffer != nil {
				a.sendLocked(signaling.TypeOffer, msg.SenderID, *a.localOffer)
			}
			return evs
		}
		a.logger.Info("offer collision, rolling back local offer", "from", msg.SenderID)
		if err := a.transport.Rollback(); err != nil {
			a.logger.Warn("failed to roll back local offer", "error", err)
			return evs
		}
		a.localOffer = nil
	default:
		a.logger.Debug("ignoring offer", "from", msg.SenderID, "state", state.String())
		return evs
	}
	return append(evs, a.answerLocked(msg.SenderID, desc)...)
}

// answerLocked applies a remote offer and replies with an answer
func (a *Adapter) answerLocked(to string, offer webrtc.SessionDescription) []provider.Event {
	if err := a.transport.SetRemoteDescription(offer); err != nil {
		a.logger.Warn("failed to apply remote offer", "from", to, "error", err)
		return nil
	}
	a.lastRemoteOffer = offer.SDP
	a.drainLocked()

	if state := a.transport.SignalingState(); state != webrtc.SignalingStateHaveRemoteOffer {
		a.logger.Debug("not answering", "state", state.String())
		return nil
	}
	answer, err := a.transport.CreateAnswer()
	if err != nil {
		a.logger.Warn("failed to create answer", "error", err)
		return nil
	}
	if err := a.transport.SetLocalDescription(answer); err != nil {
		a.logger.Warn("failed to apply local answer", "error", err)
		return nil
	}
	a.sendLocked(signaling.TypeAnswer, to, answer)
	a.fireLocked(eventRing)
	return nil
}

// offerLocked sends an offer to the room when negotiation is idle
func (a *Adapter) offerLocked() bool {
	if a.transport == nil {
		return false
	}
	if state := a.transport.SignalingState(); state != webrtc.SignalingStateStable {
		a.logger.Debug("skipping offer", "state", state.String())
		return false
	}
	offer, err := a.transport.CreateOffer()
	if err != nil {
		a.logger.Warn("failed to create offer", "error", err)
		return false
	}
	if err := a.transport.SetLocalDescription(offer); err != nil {
		a.logger.Warn("failed to apply local offer", "error", err)
		return false
	}
	a.localOffer = &offer
	a.queueLocked()
	a.sendLocked(signaling.TypeOffer, a.remoteID, offer)
	a.fireLocked(eventDial)
	return true
}

func (a *Adapter) onAnswerLocked(msg signaling.Message) []provider.Event {
	if a.transport == nil || a.transport.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		a.logger.Debug("discarding answer, no offer pending", "from", msg.SenderID)
		return nil
	}
	if a.remoteID != "" && msg.SenderID != a.remoteID {
		a.logger.Debug("discarding answer from another peer", "from", msg.SenderID)
		return nil
	}
	desc, ok := a.decodeLocked(msg)
	if !ok {
		return nil
	}
	if err := a.transport.SetRemoteDescription(desc); err != nil {
		a.logger.Warn("failed to apply remote answer", "from", msg.SenderID, "error", err)
		return nil
	}
	a.localOffer = nil
	a.remoteID = msg.SenderID
	evs := a.upsertRemoteLocked(msg.SenderID)
	a.drainLocked()
	return evs
}

func (a *Adapter) onCandidateLocked(msg signaling.Message) {
	c, err := msg.Candidate()
	if err != nil {
		a.logger.Debug("dropping malformed candidate", "from", msg.SenderID, "error", err)
		return
	}
	if a.remoteID != "" && msg.SenderID != a.remoteID {
		return
	}
	if a.transport == nil || !a.transport.HasRemoteDescription() {
		if a.queueLocked().Push(c) {
			return
		}
		if a.transport == nil {
			return
		}
	}
	if err := a.transport.AddICECandidate(c); err != nil {
		a.logger.Debug("failed to add remote candidate", "error", err)
	}
}

func (a *Adapter) onByeLocked(msg signaling.Message) ([]provider.Event, callResources) {
	if msg.SenderID != a.remoteID {
		return nil, callResources{}
	}
	a.logger.Info("remote peer hung up", "peer", msg.SenderID)

	var evs []provider.Event
	if p, ok := a.registry.Remove(msg.SenderID); ok {
		evs = append(evs, provider.ParticipantEvent(provider.EventParticipantLeft, p))
	}
	if a.transport == nil {
		// rang but never answered
		a.pendingOffer = nil
		a.remoteID = ""
		a.candidates = nil
		a.lastRemoteOffer = ""
		a.fireLocked(eventHangup)
		return evs, callResources{}
	}
	ended, res := a.endLocked("remote hung up")
	return append(evs, ended...), res
}

// endLocked moves to ended and detaches the call resources, which the caller
// releases once unlocked. Only the signaling attachment stays until Leave.
func (a *Adapter) endLocked(reason string) ([]provider.Event, callResources) {
	if a.phase.Current() == PhaseEnded {
		return nil, callResources{}
	}
	a.fireLocked(eventHangup)
	prev := a.state.Snapshot()
	a.state.Update(func(s *provider.State) {
		s.IsConnected = false
		s.IsConnecting = false
		s.IsPublishing = false
		s.IsScreenSharing = false
	})
	res := a.detachLocked()
	if !prev.Active() {
		return nil, res
	}
	return []provider.Event{{Kind: provider.EventDisconnected, Reason: reason}}, res
}

func (a *Adapter) releaseEnded(res callResources) {
	if err := res.release(); err != nil {
		a.logger.Warn("failed to close ended call", "error", err)
	}
}

func (a *Adapter) upsertRemoteLocked(id string) []provider.Event {
	p, created := a.registry.Upsert(id, id)
	if !created {
		return nil
	}
	return []provider.Event{provider.ParticipantEvent(provider.EventParticipantJoined, p)}
}

// queueLocked returns the candidate queue of the current attempt
func (a *Adapter) queueLocked() *CandidateQueue {
	if a.candidates == nil {
		a.candidates = NewCandidateQueue()
	}
	return a.candidates
}

func (a *Adapter) drainLocked() {
	n, ran, err := a.queueLocked().Drain(a.transport.AddICECandidate)
	if ran {
		a.logger.Debug("applied buffered candidates", "count", n)
	}
	if err != nil {
		a.logger.Warn("failed to apply buffered candidates", "error", err)
	}
}

func (a *Adapter) sendLocked(t signaling.Type, to string, payload any) {
	if a.conn == nil {
		return
	}
	msg, err := signaling.NewMessage(t, to, payload)
	if err != nil {
		a.logger.Error("failed to encode signaling message", "type", string(t), "error", err)
		return
	}
	if err := a.conn.Send(msg); err != nil {
		a.logger.Warn("failed to send signaling message", "type", string(t), "error", err)
	}
}

// currentLocked reports whether a transport callback belongs to the live
// attempt of the live session
func (a *Adapter) currentLocked(gen, attempt uint64) bool {
	return a.gen.Load() == gen && a.attempt == attempt && a.transport != nil
}

func (a *Adapter) onLocalCandidate(gen, attempt uint64, c webrtc.ICECandidateInit) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.currentLocked(gen, attempt) {
		return
	}
	a.sendLocked(signaling.TypeCandidate, a.remoteID, c)
}

func (a *Adapter) onConnectionState(gen, attempt uint64, state webrtc.PeerConnectionState) {
	a.mu.Lock()
	if !a.currentLocked(gen, attempt) {
		a.mu.Unlock()
		return
	}
	var evs []provider.Event
	var ended callResources
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if a.connected {
			break
		}
		a.connected = true
		a.fireLocked(eventConnect)
		a.state.Update(func(s *provider.State) {
			s.IsConnected = true
			s.IsConnecting = false
			s.Err = nil
		})
		a.logger.Info("call connected", "peer", a.remoteID)
		evs = append(evs, provider.Event{Kind: provider.EventConnected})
	case webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateClosed:
		a.logger.Warn("call transport lost", "state", state.String())
		evs, ended = a.endLocked("transport " + state.String())
	}
	a.mu.Unlock()

	a.releaseEnded(ended)
	a.emit(gen, evs...)
}

func (a *Adapter) onTrack(gen, attempt uint64, track peer.RemoteTrack) {
	a.mu.Lock()
	if !a.currentLocked(gen, attempt) {
		a.mu.Unlock()
		return
	}
	remote := a.remoteID
	if remote == "" {
		remote = track.StreamID()
	}
	kind := participant.KindAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = participant.KindVideo
	}
	info := participant.TrackInfo{Ref: track, Enabled: true, Kind: kind}
	if _, ok := a.registry.Get(remote); !ok {
		a.registry.Upsert(remote, remote)
	}
	p := a.registry.SetTrack(remote, info)
	info.TrackID = track.ID()

	if kind == participant.KindAudio && a.cfg.AudioTap != nil {
		if r, ok := track.(peer.RTPReader); ok {
			stop := a.cfg.AudioTap.Attach(r, remote, p.Name,
				func(text string) { a.onTranscript(gen, remote, text) },
				func(speaking bool) { a.onSpeaking(gen, remote, speaking) },
			)
			a.taps = append(a.taps, stop)
		}
	}
	a.mu.Unlock()

	a.emit(gen,
		provider.TrackEvent(provider.EventTrackPublished, p, info),
		provider.ParticipantEvent(provider.EventParticipantUpdated, p),
	)
}

func (a *Adapter) onTranscript(gen uint64, speakerID, text string) {
	if a.gen.Load() != gen || text == "" {
		return
	}
	name := speakerID
	if p, ok := a.registry.Get(speakerID); ok {
		name = p.Name
	}
	entry := provider.TranscriptEntry{
		SpeakerID:   speakerID,
		SpeakerName: name,
		Text:        text,
		Timestamp:   time.Now(),
		IsFinal:     true,
	}
	a.transcript.Append(entry)
	a.emit(gen, provider.Event{Kind: provider.EventTranscriptReceived, Transcript: &entry})
}

func (a *Adapter) onSpeaking(gen uint64, speakerID string, speaking bool) {
	if a.gen.Load() != gen {
		return
	}
	p, changed := a.registry.SetSpeaking(speakerID, speaking)
	if !changed {
		return
	}
	a.emit(gen, provider.Event{Kind: provider.EventSpeakingChanged, Participant: &p, Speaking: speaking})
}
