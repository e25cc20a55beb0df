package participant

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRef string

func (f fakeRef) ID() string { return string(f) }

func TestRegistryMergesTracks(t *testing.T) {
	r := NewRegistry()

	_, created := r.Upsert("bob", "Bob")
	assert.True(t, created)

	r.SetTrack("bob", TrackInfo{Ref: fakeRef("a1"), Enabled: true, Kind: KindAudio})
	p := r.SetTrack("bob", TrackInfo{Ref: fakeRef("v1"), Enabled: true, Kind: KindVideo})

	require.NotNil(t, p.Audio)
	require.NotNil(t, p.Video)
	assert.Equal(t, "a1", p.Audio.TrackID)
	assert.Equal(t, "v1", p.Video.TrackID)
	assert.Equal(t, "Bob", p.Name)

	// an empty name must not erase the known one
	p, created = r.Upsert("bob", "")
	assert.False(t, created)
	assert.Equal(t, "Bob", p.Name)
	assert.NotNil(t, p.Audio)
}

func TestRegistrySnapshotIsDetached(t *testing.T) {
	r := NewRegistry()
	r.SetTrack("bob", TrackInfo{Ref: fakeRef("a1"), Enabled: true, Kind: KindAudio})

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	snap[0].Audio.Enabled = false
	snap[0].Name = "mallory"

	p, ok := r.Get("bob")
	require.True(t, ok)
	assert.True(t, p.Audio.Enabled)
	assert.Empty(t, p.Name)
}

func TestRegistryRemoveTrack(t *testing.T) {
	r := NewRegistry()
	r.SetTrack("bob", TrackInfo{Ref: fakeRef("v1"), Enabled: true, Kind: KindVideo})

	p, ok := r.RemoveTrack("bob", KindVideo)
	assert.True(t, ok)
	assert.Nil(t, p.Video)

	_, ok = r.RemoveTrack("bob", KindVideo)
	assert.False(t, ok)

	_, ok = r.RemoveTrack("nobody", KindAudio)
	assert.False(t, ok)
}

func TestRegistrySetTrackEnabled(t *testing.T) {
	r := NewRegistry()
	r.SetTrack("bob", TrackInfo{Ref: fakeRef("a1"), Enabled: true, Kind: KindAudio})

	p, ok := r.SetTrackEnabled("bob", KindAudio, false)
	require.True(t, ok)
	assert.False(t, p.Audio.Enabled)

	_, ok = r.SetTrackEnabled("bob", KindVideo, false)
	assert.False(t, ok)
}

func TestRegistrySpeakingTime(t *testing.T) {
	r := NewRegistry()
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	_, changed := r.SetSpeaking("bob", true)
	assert.True(t, changed)
	_, changed = r.SetSpeaking("bob", true)
	assert.False(t, changed)

	now = now.Add(3 * time.Second)
	p, changed := r.SetSpeaking("bob", false)
	assert.True(t, changed)
	assert.Equal(t, 3*time.Second, p.SpeakingTime)

	r.SetSpeaking("bob", true)
	now = now.Add(2 * time.Second)
	final, ok := r.Remove("bob")
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, final.SpeakingTime)
	assert.False(t, final.IsSpeaking)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryRemoveUnknown(t *testing.T) {
	r := NewRegistry()
	p, ok := r.Remove("ghost")
	assert.False(t, ok)
	assert.Equal(t, "ghost", p.ID)
}

func TestRegistryClear(t *testing.T) {
	r := NewRegistry()
	r.Upsert("a", "A")
	r.Upsert("b", "B")
	r.Clear()
	assert.Empty(t, r.Snapshot())
}
