package session

import (
	"errors"
	"testing"
)

func TestTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from    State
		trigger Trigger
		want    State
		wantErr error
	}{
		{StateInitializing, TriggerChannelOpen, StateActive, nil},
		{StateInitializing, TriggerDisconnect, StateDraining, nil},
		{StateInitializing, TriggerFatal, StateDraining, nil},
		{StateInitializing, TriggerShutdown, StateTerminated, nil},
		{StateInitializing, TriggerTurnCompleted, StateInitializing, ErrInvalidTransition},
		{StateInitializing, TriggerDrained, StateInitializing, ErrInvalidTransition},

		{StateActive, TriggerTurnCompleted, StateActive, nil},
		{StateActive, TriggerDisconnect, StateDraining, nil},
		{StateActive, TriggerFatal, StateDraining, nil},
		{StateActive, TriggerShutdown, StateTerminated, nil},
		{StateActive, TriggerChannelOpen, StateActive, ErrInvalidTransition},
		{StateActive, TriggerDrained, StateActive, ErrInvalidTransition},

		{StateDraining, TriggerDisconnect, StateDraining, nil},
		{StateDraining, TriggerFatal, StateDraining, nil},
		{StateDraining, TriggerDrained, StateTerminated, nil},
		{StateDraining, TriggerShutdown, StateTerminated, nil},
		{StateDraining, TriggerTurnCompleted, StateDraining, ErrInvalidTransition},
		{StateDraining, TriggerChannelOpen, StateDraining, ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.trigger.String(), func(t *testing.T) {
			got, err := Transition(tt.from, tt.trigger)
			if got != tt.want {
				t.Errorf("Transition = %s, want %s", got, tt.want)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTransition_TerminatedIsAbsorbing(t *testing.T) {
	t.Parallel()
	for _, trig := range []Trigger{
		TriggerChannelOpen, TriggerTurnCompleted, TriggerDisconnect,
		TriggerFatal, TriggerDrained, TriggerShutdown,
	} {
		got, err := Transition(StateTerminated, trig)
		if got != StateTerminated {
			t.Errorf("%s: state = %s, want terminated", trig, got)
		}
		if !errors.Is(err, ErrTerminated) {
			t.Errorf("%s: err = %v, want ErrTerminated", trig, err)
		}
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	if got := State(42).String(); got != "State(42)" {
		t.Errorf("State(42).String() = %q", got)
	}
	if got := Trigger(42).String(); got != "Trigger(42)" {
		t.Errorf("Trigger(42).String() = %q", got)
	}
}
