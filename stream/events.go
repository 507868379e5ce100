/*
Package stream defines the event vocabulary exchanged between the SQL agent
producer and its clients, together with the text framing used on the wire.

Events form a closed union: every concrete event type implements Event and is
dispatched through Visitor. Adding a new event kind means adding a method to
Visitor, which breaks every implementation until the new kind is handled.

Wire framing is the server-sent-events convention: each record is one or more
"data:" lines terminated by a blank line, and the payload of a record is a JSON
object carrying at least "type" and "timestamp".
*/
package stream

import (
	"encoding/json"
	"time"
)

// Kind is the wire tag of an event.
type Kind string

const (
	KindExecutionStart    Kind = "execution_start"
	KindAgentAction       Kind = "agent_action"
	KindAgentObservation  Kind = "agent_observation"
	KindAgentFinish       Kind = "agent_finish"
	KindExecutionSummary  Kind = "execution_summary"
	KindExecutionComplete Kind = "execution_complete"
	KindHeartbeat         Kind = "heartbeat"
	KindError             Kind = "error"

	// kindAgentError is the legacy tag some producers use for Error.
	kindAgentError Kind = "agent_error"
)

// Category groups tools by what they do to the database.
type Category string

const (
	CategorySchemaExploration Category = "schema_exploration"
	CategoryDataRetrieval     Category = "data_retrieval"
	CategoryValidation        Category = "validation"
	CategoryUnknown           Category = "unknown"
)

// ParseCategory maps a wire string onto a Category, defaulting to CategoryUnknown.
func ParseCategory(s string) Category {
	switch c := Category(s); c {
	case CategorySchemaExploration, CategoryDataRetrieval, CategoryValidation:
		return c
	}
	return CategoryUnknown
}

// ResultType describes the shape of a tool result for presentation.
type ResultType string

const (
	ResultTableList        ResultType = "table_list"
	ResultSchemaInfo       ResultType = "schema_info"
	ResultSQL              ResultType = "sql_result"
	ResultTabularData      ResultType = "tabular_data"
	ResultValidationResult ResultType = "validation_result"
	ResultText             ResultType = "text"
	ResultEmpty            ResultType = "empty"
)

// ParseResultType maps a wire string onto a ResultType, defaulting to ResultText.
func ParseResultType(s string) ResultType {
	switch r := ResultType(s); r {
	case ResultTableList, ResultSchemaInfo, ResultSQL, ResultTabularData, ResultValidationResult, ResultEmpty:
		return r
	}
	return ResultText
}

// Action is the tool invocation chosen by the agent for one step.
type Action struct {
	Tool        string   `json:"tool"`
	Category    Category `json:"category"`
	Description string   `json:"description"`
	Purpose     string   `json:"purpose"`
	Input       string   `json:"input"`
}

// Observation is the result of executing an Action.
type Observation struct {
	Result     string     `json:"result"`
	ResultType ResultType `json:"result_type"`
	Success    bool       `json:"success"`
}

// Event is one decoded record of the event stream.
type Event interface {
	Kind() Kind
	Time() time.Time
	Accept(v Visitor)
	sealed()
}

// Visitor has one method per event kind.
type Visitor interface {
	VisitExecutionStart(ExecutionStart)
	VisitAgentAction(AgentAction)
	VisitAgentObservation(AgentObservation)
	VisitAgentFinish(AgentFinish)
	VisitExecutionSummary(ExecutionSummary)
	VisitExecutionComplete(ExecutionComplete)
	VisitHeartbeat(Heartbeat)
	VisitError(Error)
}

// ExecutionStart opens a turn on the producer side.
type ExecutionStart struct {
	Timestamp time.Time
	Question  string
	QueryID   string
}

// AgentAction announces a new reasoning step.
type AgentAction struct {
	Timestamp  time.Time
	StepNumber int
	Thought    *string
	Action     Action
}

// AgentObservation completes the step with the same StepNumber.
type AgentObservation struct {
	Timestamp   time.Time
	StepNumber  int
	Observation Observation
}

// AgentFinish carries the final answer of the turn.
type AgentFinish struct {
	Timestamp   time.Time
	FinalAnswer string
	TotalSteps  int
}

// ExecutionSummary reports how long the producer spent on the turn.
type ExecutionSummary struct {
	Timestamp     time.Time
	ExecutionTime float64 // seconds
	Success       bool
}

// ExecutionComplete is the last record of a well-formed stream.
type ExecutionComplete struct {
	Timestamp time.Time
}

// Heartbeat keeps an idle connection alive.
type Heartbeat struct {
	Timestamp time.Time
}

// Error is a failure declared by the producer.
type Error struct {
	Timestamp time.Time
	Message   string
	ErrorType string // "kind" on the wire
}

func (ExecutionStart) Kind() Kind    { return KindExecutionStart }
func (AgentAction) Kind() Kind       { return KindAgentAction }
func (AgentObservation) Kind() Kind  { return KindAgentObservation }
func (AgentFinish) Kind() Kind       { return KindAgentFinish }
func (ExecutionSummary) Kind() Kind  { return KindExecutionSummary }
func (ExecutionComplete) Kind() Kind { return KindExecutionComplete }
func (Heartbeat) Kind() Kind         { return KindHeartbeat }
func (Error) Kind() Kind             { return KindError }

func (e ExecutionStart) Time() time.Time    { return e.Timestamp }
func (e AgentAction) Time() time.Time       { return e.Timestamp }
func (e AgentObservation) Time() time.Time  { return e.Timestamp }
func (e AgentFinish) Time() time.Time       { return e.Timestamp }
func (e ExecutionSummary) Time() time.Time  { return e.Timestamp }
func (e ExecutionComplete) Time() time.Time { return e.Timestamp }
func (e Heartbeat) Time() time.Time         { return e.Timestamp }
func (e Error) Time() time.Time             { return e.Timestamp }

func (e ExecutionStart) Accept(v Visitor)    { v.VisitExecutionStart(e) }
func (e AgentAction) Accept(v Visitor)       { v.VisitAgentAction(e) }
func (e AgentObservation) Accept(v Visitor)  { v.VisitAgentObservation(e) }
func (e AgentFinish) Accept(v Visitor)       { v.VisitAgentFinish(e) }
func (e ExecutionSummary) Accept(v Visitor)  { v.VisitExecutionSummary(e) }
func (e ExecutionComplete) Accept(v Visitor) { v.VisitExecutionComplete(e) }
func (e Heartbeat) Accept(v Visitor)         { v.VisitHeartbeat(e) }
func (e Error) Accept(v Visitor)             { v.VisitError(e) }

func (ExecutionStart) sealed()    {}
func (AgentAction) sealed()       {}
func (AgentObservation) sealed()  {}
func (AgentFinish) sealed()       {}
func (ExecutionSummary) sealed()  {}
func (ExecutionComplete) sealed() {}
func (Heartbeat) sealed()         {}
func (Error) sealed()             {}

// wireTime renders timestamps the way every producer in this repository does.
func wireTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func (e ExecutionStart) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      Kind   `json:"type"`
		Timestamp string `json:"timestamp"`
		Question  string `json:"question"`
		QueryID   string `json:"query_id"`
	}{e.Kind(), wireTime(e.Timestamp), e.Question, e.QueryID})
}

func (e AgentAction) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type       Kind    `json:"type"`
		Timestamp  string  `json:"timestamp"`
		StepNumber int     `json:"step_number"`
		Thought    *string `json:"thought"`
		Action     Action  `json:"action"`
	}{e.Kind(), wireTime(e.Timestamp), e.StepNumber, e.Thought, e.Action})
}

func (e AgentObservation) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type        Kind        `json:"type"`
		Timestamp   string      `json:"timestamp"`
		StepNumber  int         `json:"step_number"`
		Observation Observation `json:"observation"`
	}{e.Kind(), wireTime(e.Timestamp), e.StepNumber, e.Observation})
}

func (e AgentFinish) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type        Kind   `json:"type"`
		Timestamp   string `json:"timestamp"`
		FinalAnswer string `json:"final_answer"`
		TotalSteps  int    `json:"total_steps"`
	}{e.Kind(), wireTime(e.Timestamp), e.FinalAnswer, e.TotalSteps})
}

func (e ExecutionSummary) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type          Kind    `json:"type"`
		Timestamp     string  `json:"timestamp"`
		ExecutionTime float64 `json:"execution_time"`
		Success       bool    `json:"success"`
	}{e.Kind(), wireTime(e.Timestamp), e.ExecutionTime, e.Success})
}

func (e ExecutionComplete) MarshalJSON() ([]byte, error) {
	return marshalBare(e.Kind(), e.Timestamp)
}

func (e Heartbeat) MarshalJSON() ([]byte, error) {
	return marshalBare(e.Kind(), e.Timestamp)
}

func (e Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      Kind   `json:"type"`
		Timestamp string `json:"timestamp"`
		Message   string `json:"message"`
		Kind      string `json:"kind"`
	}{e.Kind(), wireTime(e.Timestamp), e.Message, e.ErrorType})
}

func marshalBare(kind Kind, ts time.Time) ([]byte, error) {
	return json.Marshal(struct {
		Type      Kind   `json:"type"`
		Timestamp string `json:"timestamp"`
	}{kind, wireTime(ts)})
}
