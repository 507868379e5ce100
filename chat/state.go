/*
Package chat implements the streaming session controller: the client-side
state model for one conversation, the pure event interpreter that folds
decoded stream events into that state, the turn lifecycle, the store readers
observe, and the transport manager that keeps a turn's event stream alive.

All state mutation goes through Interpret. The Session applies one event at a
time under the Store's write lock, so readers never observe a partially
applied event.
*/
package chat

import (
	"time"

	"reactsql/stream"
)

// Status is the lifecycle status of a turn as seen by presentation code.
type Status string

const (
	StatusThinking   Status = "thinking"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Final reports whether a turn with this status can no longer change.
func (s Status) Final() bool {
	return s == StatusCompleted || s == StatusError
}

// ReActStep is one thought/action/observation cycle of the agent.
type ReActStep struct {
	StepNumber  int                 `json:"step_number"`
	Thought     *string             `json:"thought,omitempty"`
	Action      stream.Action       `json:"action"`
	Observation *stream.Observation `json:"observation,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
}

// ChatMessage is one question/answer turn.
type ChatMessage struct {
	ID            string      `json:"id"`
	Question      string      `json:"question"`
	Answer        *string     `json:"answer,omitempty"`
	TotalSteps    int         `json:"total_steps,omitempty"`
	Steps         []ReActStep `json:"steps"`
	Status        Status      `json:"status"`
	ExecutionTime *float64    `json:"execution_time,omitempty"` // seconds
	Timestamp     time.Time   `json:"timestamp"`
	ErrorMessage  *string     `json:"error_message,omitempty"`
}

// Step returns the index of the step with the given number, or -1.
func (m *ChatMessage) Step(number int) int {
	for i := range m.Steps {
		if m.Steps[i].StepNumber == number {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of m.
func (m ChatMessage) Clone() ChatMessage {
	out := m
	out.Answer = clonePtr(m.Answer)
	out.ExecutionTime = clonePtr(m.ExecutionTime)
	out.ErrorMessage = clonePtr(m.ErrorMessage)
	if m.Steps != nil {
		out.Steps = make([]ReActStep, len(m.Steps))
		for i, s := range m.Steps {
			s.Thought = clonePtr(s.Thought)
			s.Observation = clonePtr(s.Observation)
			out.Steps[i] = s
		}
	}
	return out
}

// ChatState is everything presentation code needs to render a conversation.
type ChatState struct {
	Messages       []ChatMessage `json:"messages"`
	CurrentMessage *ChatMessage  `json:"current_message,omitempty"`
	IsStreaming    bool          `json:"is_streaming"`
	Error          *string       `json:"error,omitempty"`
}

// Clone returns a deep copy of s. Finalized messages are immutable, but
// snapshots still get their own slices so callers may append freely.
func (s ChatState) Clone() ChatState {
	out := ChatState{IsStreaming: s.IsStreaming, Error: clonePtr(s.Error)}
	if s.Messages != nil {
		out.Messages = make([]ChatMessage, len(s.Messages))
		for i, m := range s.Messages {
			out.Messages[i] = m.Clone()
		}
	}
	if s.CurrentMessage != nil {
		cur := s.CurrentMessage.Clone()
		out.CurrentMessage = &cur
	}
	return out
}

// LastMessage returns the most recently finalized turn, if any.
func (s ChatState) LastMessage() (ChatMessage, bool) {
	if len(s.Messages) == 0 {
		return ChatMessage{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
