package dfu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSession_ProgressIsClampedAndMonotonic(t *testing.T) {
	target := AddressTarget(1)
	var got []int
	s := NewSession(SessionConfig{
		Target: target,
		Listener: Listener{
			OnProgress: func(ev ProgressEvent) { got = append(got, ev.Percent) },
		},
	})

	s.handleState(StateEvent{Target: target, State: StateUploading})
	for _, p := range []Progress{
		{Percent: -5, Part: 1},
		{Percent: 40, Part: 1},
		{Percent: 30, Part: 1}, // regression within a part
		{Percent: 140, Part: 1},
		{Percent: 10, Part: 2}, // next part starts over
	} {
		s.handleProgress(ProgressEvent{Target: target, Progress: p})
	}

	assert.Equal(t, []int{0, 40, 40, 100, 10}, got)
}

func TestSession_IgnoresEventsAfterTerminal(t *testing.T) {
	target := AddressTarget(1)
	var states []State
	s := NewSession(SessionConfig{
		Target: target,
		Listener: Listener{
			OnState:    func(ev StateEvent) { states = append(states, ev.State) },
			OnProgress: func(ProgressEvent) { t.Fatal("progress after terminal") },
		},
	})

	s.handleState(StateEvent{Target: target, State: StateConnecting})
	s.handleState(StateEvent{Target: target, State: StateConnecting})
	s.handleState(StateEvent{Target: target, State: State("rebooting")})
	s.handleState(StateEvent{Target: target, State: StateCompleted})
	s.handleState(StateEvent{Target: target, State: StateAborted})
	s.handleProgress(ProgressEvent{Target: target, Progress: Progress{Percent: 50}})

	assert.Equal(t, []State{StateConnecting, StateCompleted}, states)
	assert.Equal(t, StateCompleted, s.State())

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed on terminal state")
	}
}
