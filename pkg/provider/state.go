package provider

import (
	"sync"
	"time"
)

// State is the externally visible status of a session
type State struct {
	IsConnected     bool   `json:"isConnected"`
	IsConnecting    bool   `json:"isConnecting"`
	IsPublishing    bool   `json:"isPublishing"`
	IsScreenSharing bool   `json:"isScreenSharing"`
	IsRecording     bool   `json:"isRecording"`
	Err             *Error `json:"-"`
}

// Active reports whether a session is connecting or connected
func (s State) Active() bool {
	return s.IsConnected || s.IsConnecting
}

// StateStore guards the State of one adapter
type StateStore struct {
	mu sync.RWMutex
	s  State
}

// Snapshot returns a copy of the current state
func (st *StateStore) Snapshot() State {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s
}

// Update applies fn under the lock and returns the new state
func (st *StateStore) Update(fn func(*State)) State {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(&st.s)
	return st.s
}

// Reset returns to the zero state
func (st *StateStore) Reset() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s = State{}
}

// TranscriptEntry is one finalized utterance
type TranscriptEntry struct {
	SpeakerID   string    `json:"speakerId"`
	SpeakerName string    `json:"speakerName"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
	IsFinal     bool      `json:"isFinal"`
}

// Transcript is an append-only log kept in arrival order
type Transcript struct {
	mu      sync.Mutex
	entries []TranscriptEntry
}

// Append adds an entry
func (t *Transcript) Append(e TranscriptEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, e)
}

// Entries returns a copy of the log
func (t *Transcript) Entries() []TranscriptEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TranscriptEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Reset empties the log
func (t *Transcript) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
}
