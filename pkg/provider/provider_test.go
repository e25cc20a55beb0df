package provider

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterOnOff(t *testing.T) {
	e := NewEmitter(nil)

	var got []EventKind
	id := e.On(EventConnected, func(ev Event) { got = append(got, ev.Kind) })
	e.On(EventDisconnected, func(ev Event) { got = append(got, ev.Kind) })

	e.Emit(Event{Kind: EventConnected})
	e.Emit(Event{Kind: EventDisconnected})
	e.Emit(Event{Kind: EventMetricsUpdated})
	assert.Equal(t, []EventKind{EventConnected, EventDisconnected}, got)

	e.Off(EventConnected, id)
	e.Off(EventConnected, 9999)
	e.Emit(Event{Kind: EventConnected})
	assert.Len(t, got, 2)
}

func TestEmitterRecoversHandlerPanic(t *testing.T) {
	e := NewEmitter(nil)

	called := false
	e.On(EventConnected, func(Event) { panic("boom") })
	e.On(EventConnected, func(Event) { called = true })

	assert.NotPanics(t, func() { e.Emit(Event{Kind: EventConnected}) })
	assert.True(t, called)
}

func TestEmitterHandlerMayUnsubscribe(t *testing.T) {
	e := NewEmitter(nil)

	calls := 0
	var id ListenerID
	id = e.On(EventConnected, func(Event) {
		calls++
		e.Off(EventConnected, id)
	})
	e.Emit(Event{Kind: EventConnected})
	e.Emit(Event{Kind: EventConnected})
	assert.Equal(t, 1, calls)
}

func TestEmitterSubscribe(t *testing.T) {
	e := NewEmitter(nil)

	ch, cancel := e.Subscribe(1)
	e.Emit(Event{Kind: EventConnected})
	// buffer is full; this one is dropped for the subscriber
	e.Emit(Event{Kind: EventMetricsUpdated})

	ev := <-ch
	assert.Equal(t, EventConnected, ev.Kind)
	assert.False(t, ev.At.IsZero())

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	assert.NotPanics(t, func() { e.Emit(Event{Kind: EventConnected}) })
}

func TestEmitterSealed(t *testing.T) {
	e := NewEmitter(nil)
	calls := 0
	e.On(EventConnected, func(Event) { calls++ })

	e.Close()
	assert.True(t, e.Sealed())
	e.Emit(Event{Kind: EventConnected})
	assert.Zero(t, calls)

	e.Reopen()
	e.Emit(Event{Kind: EventConnected})
	assert.Equal(t, 1, calls)
}

func TestEmitterConcurrentEmit(t *testing.T) {
	e := NewEmitter(nil)
	ch, cancel := e.Subscribe(1000)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				e.Emit(Event{Kind: EventMetricsUpdated})
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ch, 500)
}

func TestErrorClassification(t *testing.T) {
	base := fmt.Errorf("open /dev/video0: %w", fs.ErrPermission)
	err := fmt.Errorf("join: %w", NewError(PermissionDenied, "acquire media", base))

	assert.Equal(t, PermissionDenied, KindOf(err))
	assert.True(t, errors.Is(err, fs.ErrPermission))
	assert.Equal(t, UnknownFailure, KindOf(errors.New("plain")))
	assert.Contains(t, err.Error(), "permission-denied")
}

func TestJoinConfigValidate(t *testing.T) {
	require.Error(t, JoinConfig{UserID: "a"}.Validate())
	require.Error(t, JoinConfig{RoomID: "r"}.Validate())
	require.NoError(t, JoinConfig{RoomID: "r", UserID: "a"}.Validate())
}

func TestStateStore(t *testing.T) {
	var st StateStore
	st.Update(func(s *State) { s.IsConnecting = true })
	snap := st.Snapshot()
	assert.True(t, snap.Active())

	snap.IsConnected = true
	assert.False(t, st.Snapshot().IsConnected, "snapshot must be a copy")

	st.Reset()
	assert.False(t, st.Snapshot().Active())
}

func TestTranscriptEntriesCopy(t *testing.T) {
	var tr Transcript
	tr.Append(TranscriptEntry{Text: "hello", IsFinal: true})
	tr.Append(TranscriptEntry{Text: "world", IsFinal: true})

	entries := tr.Entries()
	require.Len(t, entries, 2)
	entries[0].Text = "changed"
	assert.Equal(t, "hello", tr.Entries()[0].Text)

	tr.Reset()
	assert.Empty(t, tr.Entries())
}
