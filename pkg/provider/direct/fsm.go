package direct

import (
	"context"
	"log/slog"

	"github.com/looplab/fsm"
)

// Call phases
const (
	PhaseIdle      = "idle"
	PhaseCalling   = "calling"
	PhaseRinging   = "ringing"
	PhaseConnected = "connected"
	PhaseEnded     = "ended"
)

const (
	eventDial    = "dial"
	eventRing    = "ring"
	eventConnect = "connect"
	eventHangup  = "hangup"
	eventReset   = "reset"
)

// newCallFSM builds the call phase machine
func newCallFSM(logger *slog.Logger) *fsm.FSM {
	return fsm.NewFSM(
		PhaseIdle,
		fsm.Events{
			{Name: eventDial, Src: []string{PhaseIdle}, Dst: PhaseCalling},
			{Name: eventRing, Src: []string{PhaseIdle}, Dst: PhaseRinging},
			{Name: eventConnect, Src: []string{PhaseCalling, PhaseRinging}, Dst: PhaseConnected},
			{Name: eventHangup, Src: []string{PhaseIdle, PhaseCalling, PhaseRinging, PhaseConnected}, Dst: PhaseEnded},
			{Name: eventReset, Src: []string{PhaseEnded}, Dst: PhaseIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Debug("call phase changed", "event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)
}

// polite reports whether local yields to remote on an offer collision.
// The lexically lower id is polite.
func polite(local, remote string) bool {
	return local < remote
}
