package participant

import (
	"sort"
	"sync"
	"time"
)

// Registry folds participant and track events into the set of remote
// participants. Updates merge into the existing record; a field is only
// replaced when the update carries it.
type Registry struct {
	mu            sync.RWMutex
	byID          map[string]*Participant
	speakingSince map[string]time.Time
	now           func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byID:          make(map[string]*Participant),
		speakingSince: make(map[string]time.Time),
		now:           time.Now,
	}
}

// entry returns the record for id, creating it if needed
func (r *Registry) entry(id string) (*Participant, bool) {
	if p, ok := r.byID[id]; ok {
		return p, false
	}
	p := &Participant{ID: id}
	r.byID[id] = p
	return p, true
}

// Upsert records a participant. An empty name keeps the known one.
// Returns the merged record and whether it was newly created.
func (r *Registry) Upsert(id, name string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, created := r.entry(id)
	if name != "" {
		p.Name = name
	}
	return p.clone(), created
}

// SetTrack attaches or replaces the participant's track of t.Kind
func (r *Registry) SetTrack(id string, t TrackInfo) Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, _ := r.entry(id)
	info := t
	if info.TrackID == "" && info.Ref != nil {
		info.TrackID = info.Ref.ID()
	}
	if t.Kind == KindVideo {
		p.Video = &info
	} else {
		p.Audio = &info
	}
	return p.clone()
}

// SetTrackEnabled flips the enabled flag of an existing track
func (r *Registry) SetTrackEnabled(id string, kind Kind, enabled bool) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[id]
	if !ok {
		return Participant{}, false
	}
	t := p.Audio
	if kind == KindVideo {
		t = p.Video
	}
	if t == nil {
		return p.clone(), false
	}
	t.Enabled = enabled
	return p.clone(), true
}

// RemoveTrack detaches the participant's track of the given kind
func (r *Registry) RemoveTrack(id string, kind Kind) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[id]
	if !ok {
		return Participant{}, false
	}
	if kind == KindVideo {
		ok = p.Video != nil
		p.Video = nil
	} else {
		ok = p.Audio != nil
		p.Audio = nil
	}
	return p.clone(), ok
}

// SetSpeaking updates the speaking flag and accumulates speaking time on
// each true→false transition. Reports whether the flag changed.
func (r *Registry) SetSpeaking(id string, speaking bool) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, _ := r.entry(id)
	if p.IsSpeaking == speaking {
		return p.clone(), false
	}
	r.closeSpeaking(p)
	p.IsSpeaking = speaking
	if speaking {
		r.speakingSince[id] = r.now()
	}
	return p.clone(), true
}

// closeSpeaking folds an open speaking interval into SpeakingTime
func (r *Registry) closeSpeaking(p *Participant) {
	since, ok := r.speakingSince[p.ID]
	if !ok {
		return
	}
	p.SpeakingTime += r.now().Sub(since)
	delete(r.speakingSince, p.ID)
}

// Remove deletes a participant and returns its final merged record. For an
// unknown id the returned record only carries the id.
func (r *Registry) Remove(id string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[id]
	if !ok {
		return Participant{ID: id}, false
	}
	r.closeSpeaking(p)
	p.IsSpeaking = false
	delete(r.byID, id)
	return p.clone(), true
}

// Get returns a copy of one participant
func (r *Registry) Get(id string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byID[id]
	if !ok {
		return Participant{}, false
	}
	return p.clone(), true
}

// Snapshot returns copies of all participants ordered by id
func (r *Registry) Snapshot() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Participant, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of participants
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Clear drops every participant
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[string]*Participant)
	r.speakingSince = make(map[string]time.Time)
}
