package ipmi_test

import (
	"errors"
	"testing"

	"github.com/dantte-lp/goipmi/internal/ipmi"
)

// TestMachineHandshakeSequence walks the full happy-path handshake and
// verifies every transition lands where the protocol dictates.
func TestMachineHandshakeSequence(t *testing.T) {
	t.Parallel()

	steps := []struct {
		event ipmi.Event
		want  ipmi.State
	}{
		{ipmi.EventDefault, ipmi.StateCiphersRetrieved},
		{ipmi.EventAuthCapabilitiesReceived, ipmi.StateAuthCapabilitiesReceived},
		{ipmi.EventDefault, ipmi.StateOpenSessionSent},
		{ipmi.EventOpenSessionAck, ipmi.StateOpenSessionComplete},
		{ipmi.EventDefault, ipmi.StateRakp1Sent},
		{ipmi.EventRakp2Ack, ipmi.StateRakp3Waiting},
		{ipmi.EventDefault, ipmi.StateRakp3Sent},
		{ipmi.EventRakp4Ack, ipmi.StateSessionValid},
		{ipmi.EventSessionCloseRequested, ipmi.StateSessionClosing},
		{ipmi.EventDefault, ipmi.StateClosed},
	}

	state := ipmi.StateUninitialized
	for i, step := range steps {
		res := ipmi.Apply(state, step.event)
		if res.Err != nil {
			t.Fatalf("step %d: %s + %s: unexpected error %v", i, state, step.event, res.Err)
		}
		if res.NewState != step.want {
			t.Fatalf("step %d: %s + %s = %s, want %s", i, state, step.event, res.NewState, step.want)
		}
		state = res.NewState
	}
}

// TestMachineTransitionTable exercises individual transitions including
// the close and failure paths.
func TestMachineTransitionTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		state   ipmi.State
		event   ipmi.Event
		want    ipmi.State
		wantErr error
	}{
		{
			name:  "close before contact",
			state: ipmi.StateUninitialized,
			event: ipmi.EventSessionCloseRequested,
			want:  ipmi.StateClosed,
		},
		{
			name:  "close mid-handshake",
			state: ipmi.StateRakp1Sent,
			event: ipmi.EventSessionCloseRequested,
			want:  ipmi.StateClosed,
		},
		{
			name:    "timeout while awaiting open session",
			state:   ipmi.StateOpenSessionSent,
			event:   ipmi.EventTimeout,
			want:    ipmi.StateFailed,
			wantErr: ipmi.ErrResponseTimeout,
		},
		{
			name:    "timeout in valid session",
			state:   ipmi.StateSessionValid,
			event:   ipmi.EventTimeout,
			want:    ipmi.StateFailed,
			wantErr: ipmi.ErrResponseTimeout,
		},
		{
			name:    "protocol error mid-handshake",
			state:   ipmi.StateRakp3Sent,
			event:   ipmi.EventProtocolError,
			want:    ipmi.StateFailed,
			wantErr: ipmi.ErrProtocolViolation,
		},
		{
			name:    "rakp2 ack without rakp1",
			state:   ipmi.StateOpenSessionComplete,
			event:   ipmi.EventRakp2Ack,
			want:    ipmi.StateFailed,
			wantErr: ipmi.ErrProtocolViolation,
		},
		{
			name:    "open session ack in valid session",
			state:   ipmi.StateSessionValid,
			event:   ipmi.EventOpenSessionAck,
			want:    ipmi.StateFailed,
			wantErr: ipmi.ErrProtocolViolation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			res := ipmi.Apply(tt.state, tt.event)
			if res.NewState != tt.want {
				t.Errorf("Apply(%s, %s) = %s, want %s", tt.state, tt.event, res.NewState, tt.want)
			}
			if tt.wantErr != nil && !errors.Is(res.Err, tt.wantErr) {
				t.Errorf("Apply(%s, %s) err = %v, want %v", tt.state, tt.event, res.Err, tt.wantErr)
			}
			if tt.wantErr == nil && res.Err != nil {
				t.Errorf("Apply(%s, %s) err = %v, want nil", tt.state, tt.event, res.Err)
			}
		})
	}
}

// TestMachineUnexpectedEventsFail verifies that for every non-terminal
// state, every event either has an error-free successor or lands in
// Failed with an error. Terminal states must absorb everything.
func TestMachineUnexpectedEventsFail(t *testing.T) {
	t.Parallel()

	states := []ipmi.State{
		ipmi.StateUninitialized, ipmi.StateCiphersRetrieved,
		ipmi.StateAuthCapabilitiesReceived, ipmi.StateOpenSessionSent,
		ipmi.StateOpenSessionComplete, ipmi.StateRakp1Sent,
		ipmi.StateRakp3Waiting, ipmi.StateRakp3Sent,
		ipmi.StateSessionValid, ipmi.StateSessionClosing,
		ipmi.StateFailed, ipmi.StateClosed,
	}
	events := []ipmi.Event{
		ipmi.EventDefault, ipmi.EventAuthCapabilitiesReceived,
		ipmi.EventOpenSessionAck, ipmi.EventRakp2Ack, ipmi.EventRakp4Ack,
		ipmi.EventTimeout, ipmi.EventSessionCloseRequested,
		ipmi.EventProtocolError,
	}

	for _, state := range states {
		for _, event := range events {
			res := ipmi.Apply(state, event)

			if state.Terminal() {
				if res.NewState != state || res.Changed {
					t.Errorf("terminal %s + %s = %s, want absorbed", state, event, res.NewState)
				}
				continue
			}

			if res.Err != nil && res.NewState != ipmi.StateFailed {
				t.Errorf("%s + %s: error %v but state %s", state, event, res.Err, res.NewState)
			}
			if res.Err == nil && res.NewState == ipmi.StateFailed {
				t.Errorf("%s + %s: Failed without error", state, event)
			}
		}
	}
}
