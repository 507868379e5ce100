package chat

import (
	"fmt"
	"slices"

	"reactsql/stream"
)

// Effect describes what applying one event did to the state.
type Effect struct {
	Ignored   bool   // the event had no effect on the state
	Reason    string // why it was ignored
	Finalized bool   // the current turn moved into history
}

// Interpret folds ev into state and returns the new state. It is pure: state
// is never modified and the result shares only immutable finalized turns with it.
func Interpret(state ChatState, ev stream.Event) ChatState {
	next, _ := Apply(state, ev)
	return next
}

// Apply is Interpret that also reports the effect of the event.
func Apply(state ChatState, ev stream.Event) (ChatState, Effect) {
	in := &interpreter{state: state}
	ev.Accept(in)
	return in.state, in.effect
}

// Replay folds a recorded event sequence into turn, which must not be
// finalized yet, and returns the resulting turn. ok is false when the events
// never finalized it; the partial turn is returned in that case.
func Replay(turn ChatMessage, events []stream.Event) (ChatMessage, bool) {
	state := beginTurn(ChatState{}, turn.Clone())
	for _, ev := range events {
		state = Interpret(state, ev)
	}
	if last, ok := state.LastMessage(); ok {
		return last, true
	}
	return *state.CurrentMessage, false
}

type interpreter struct {
	state  ChatState
	effect Effect
}

var _ stream.Visitor = (*interpreter)(nil)

func (in *interpreter) ignore(reason string) {
	in.effect = Effect{Ignored: true, Reason: reason}
}

// current returns a private copy of the in-flight turn, or nil.
func (in *interpreter) current() *ChatMessage {
	if in.state.CurrentMessage == nil {
		return nil
	}
	cur := in.state.CurrentMessage.Clone()
	in.state.CurrentMessage = &cur
	return &cur
}

// finalize moves the in-flight turn into history.
func (in *interpreter) finalize(cur *ChatMessage) {
	in.state.Messages = append(slices.Clip(in.state.Messages), *cur)
	in.state.CurrentMessage = nil
	in.state.IsStreaming = false
	in.effect.Finalized = true
}

func (in *interpreter) VisitExecutionStart(stream.ExecutionStart) {
	in.state.Error = nil
}

func (in *interpreter) VisitAgentAction(ev stream.AgentAction) {
	cur := in.current()
	if cur == nil {
		in.ignore("no turn in flight")
		return
	}
	step := ReActStep{
		StepNumber: ev.StepNumber,
		Thought:    clonePtr(ev.Thought),
		Action:     ev.Action,
		Timestamp:  ev.Timestamp,
	}
	if idx := cur.Step(ev.StepNumber); idx >= 0 {
		// A re-sent action after a reconnect replaces the step, observation included.
		cur.Steps[idx] = step
	} else {
		pos, _ := slices.BinarySearchFunc(cur.Steps, ev.StepNumber, func(s ReActStep, n int) int {
			return s.StepNumber - n
		})
		cur.Steps = slices.Insert(cur.Steps, pos, step)
	}
	if cur.Status == StatusThinking {
		cur.Status = StatusProcessing
	}
}

func (in *interpreter) VisitAgentObservation(ev stream.AgentObservation) {
	if in.state.CurrentMessage == nil {
		in.ignore("no turn in flight")
		return
	}
	if in.state.CurrentMessage.Step(ev.StepNumber) < 0 {
		in.ignore(fmt.Sprintf("no step %d in current turn", ev.StepNumber))
		return
	}
	cur := in.current()
	obs := ev.Observation
	cur.Steps[cur.Step(ev.StepNumber)].Observation = &obs
}

func (in *interpreter) VisitAgentFinish(ev stream.AgentFinish) {
	cur := in.current()
	if cur == nil {
		in.ignore("no turn in flight")
		return
	}
	answer := ev.FinalAnswer
	cur.Answer = &answer
	cur.TotalSteps = ev.TotalSteps
	cur.Status = StatusCompleted
	in.finalize(cur)
}

func (in *interpreter) VisitExecutionSummary(ev stream.ExecutionSummary) {
	seconds := ev.ExecutionTime
	if cur := in.current(); cur != nil {
		cur.ExecutionTime = &seconds
		return
	}
	// The summary usually trails agent_finish, so it belongs to the turn
	// that was just finalized, provided nothing has claimed it yet.
	last, ok := in.state.LastMessage()
	if !ok || last.ExecutionTime != nil {
		in.ignore("no turn to attach execution time to")
		return
	}
	last = last.Clone()
	last.ExecutionTime = &seconds
	msgs := slices.Clone(in.state.Messages)
	msgs[len(msgs)-1] = last
	in.state.Messages = msgs
}

func (in *interpreter) VisitExecutionComplete(stream.ExecutionComplete) {
	in.ignore("end of stream marker")
}

func (in *interpreter) VisitHeartbeat(stream.Heartbeat) {
	in.ignore("heartbeat")
}

func (in *interpreter) VisitError(ev stream.Error) {
	cur := in.current()
	if cur == nil {
		in.ignore("no turn in flight")
		return
	}
	msg := ev.Message
	cur.Status = StatusError
	cur.ErrorMessage = &msg
	in.state.Error = clonePtr(&msg)
	in.finalize(cur)
}

// beginTurn installs a fresh in-flight turn and clears the error banner.
func beginTurn(state ChatState, turn ChatMessage) ChatState {
	state.CurrentMessage = &turn
	state.IsStreaming = true
	state.Error = nil
	return state
}

// abandonTurn drops the in-flight turn without recording it in history.
func abandonTurn(state ChatState) ChatState {
	state.CurrentMessage = nil
	state.IsStreaming = false
	return state
}
