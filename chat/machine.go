package chat

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned by Phase.Next for triggers the phase does not accept.
var ErrIllegalTransition = errors.New("illegal phase transition")

// Phase is where a Session is in the lifecycle of its current turn.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseThinking
	PhaseProcessing
	PhaseCompleted
	PhaseErrored
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseThinking:
		return "thinking"
	case PhaseProcessing:
		return "processing"
	case PhaseCompleted:
		return "completed"
	case PhaseErrored:
		return "errored"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// InFlight reports whether a turn is running in this phase.
func (p Phase) InFlight() bool {
	return p == PhaseConnecting || p == PhaseThinking || p == PhaseProcessing
}

// Trigger is something that happens to a turn.
type Trigger int

const (
	TriggerSubmit    Trigger = iota // user asked a question
	TriggerConnected                // transport opened
	TriggerReconnect                // transport failed, retrying
	TriggerAction                   // agent_action applied
	TriggerFinish                   // agent_finish applied
	TriggerFail                     // error event applied or retries exhausted
	TriggerCancel                   // user stopped the turn
	TriggerReset                    // terminal turn acknowledged
)

func (t Trigger) String() string {
	switch t {
	case TriggerSubmit:
		return "submit"
	case TriggerConnected:
		return "connected"
	case TriggerReconnect:
		return "reconnect"
	case TriggerAction:
		return "action"
	case TriggerFinish:
		return "finish"
	case TriggerFail:
		return "fail"
	case TriggerCancel:
		return "cancel"
	case TriggerReset:
		return "reset"
	}
	return fmt.Sprintf("trigger(%d)", int(t))
}

// Next returns the phase reached from p on t. It is a pure transition table.
func (p Phase) Next(t Trigger) (Phase, error) {
	switch t {
	case TriggerSubmit:
		if p == PhaseIdle {
			return PhaseConnecting, nil
		}
	case TriggerConnected:
		if p == PhaseConnecting {
			return PhaseThinking, nil
		}
	case TriggerReconnect:
		if p.InFlight() {
			return PhaseConnecting, nil
		}
	case TriggerAction:
		if p == PhaseThinking || p == PhaseProcessing {
			return PhaseProcessing, nil
		}
	case TriggerFinish:
		if p == PhaseThinking || p == PhaseProcessing {
			return PhaseCompleted, nil
		}
	case TriggerFail:
		if p.InFlight() {
			return PhaseErrored, nil
		}
	case TriggerCancel:
		if p.InFlight() {
			return PhaseIdle, nil
		}
	case TriggerReset:
		if p == PhaseCompleted || p == PhaseErrored {
			return PhaseIdle, nil
		}
	}
	return p, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, t, p)
}
