package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"
)

// readChunkSize is how many bytes Events asks the reader for at a time.
const readChunkSize = 4 * 1024

// DefaultMaxRecordSize bounds the bytes buffered for one unterminated record.
const DefaultMaxRecordSize = 1 << 20

// ErrRecordTooLarge is the cause of the DecodeError reported for a record
// that grows past the decoder's size limit. The record is skipped.
var ErrRecordTooLarge = errors.New("record exceeds maximum size")

// oversizedPayloadPrefix is how much of a skipped record DecodeError keeps.
const oversizedPayloadPrefix = 256

var (
	recordSeparator = []byte("\n\n")
	dataMarker      = "data:"
)

// DecodeError reports one record that could not be turned into an Event.
// It never aborts a stream: the records that follow are still decoded.
type DecodeError struct {
	Payload []byte
	Err     error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode event: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Frame is the outcome of decoding one record: exactly one of Event and Err is set.
type Frame struct {
	Event Event
	Err   error
}

// Decoder splits an incrementally arriving byte stream into records and
// decodes each record's payload. A Decoder belongs to one connection; create a
// new one for every reconnect so no half record leaks across connections.
type Decoder struct {
	// MaxRecordSize caps a single record; zero means DefaultMaxRecordSize.
	MaxRecordSize int

	buf        []byte
	scanned    int  // bytes of buf already searched for a separator
	discarding bool // skipping the rest of an oversized record
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Buffered returns the number of bytes held back waiting for a record terminator.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Feed appends chunk to the internal buffer and returns a frame for every
// complete record. Incomplete trailing data stays buffered for the next call.
func (d *Decoder) Feed(chunk []byte) []Frame {
	// Bare CRs only ever appear in CRLF line endings; JSON escapes its own.
	if bytes.IndexByte(chunk, '\r') >= 0 {
		chunk = bytes.ReplaceAll(chunk, []byte("\r"), nil)
	}
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	consumed := 0
	// A separator may straddle the previous chunk, so back up one byte.
	search := max(d.scanned-1, 0)
	for {
		idx := bytes.Index(d.buf[search:], recordSeparator)
		if idx < 0 {
			break
		}
		end := search + idx
		record := d.buf[consumed:end]
		consumed = end + len(recordSeparator)
		search = consumed
		if d.discarding {
			d.discarding = false
			continue
		}
		if frame, ok := decodeRecord(record); ok {
			frames = append(frames, frame)
		}
	}
	if consumed > 0 {
		d.buf = append(d.buf[:0], d.buf[consumed:]...)
	}
	d.scanned = len(d.buf)

	if len(d.buf) > d.maxRecordSize() {
		if !d.discarding {
			d.discarding = true
			prefix := bytes.Clone(d.buf[:oversizedPayloadPrefix])
			frames = append(frames, Frame{Err: &DecodeError{Payload: prefix, Err: ErrRecordTooLarge}})
		}
		// Keep a trailing newline: it may start the separator that ends the record.
		keep := 0
		if d.buf[len(d.buf)-1] == '\n' {
			keep = 1
		}
		d.buf = append(d.buf[:0], d.buf[len(d.buf)-keep:]...)
		d.scanned = 0
	}
	return frames
}

func (d *Decoder) maxRecordSize() int {
	if d.MaxRecordSize > 0 {
		return max(d.MaxRecordSize, oversizedPayloadPrefix)
	}
	return DefaultMaxRecordSize
}

// Flush decodes whatever is left in the buffer as a final, unterminated record.
func (d *Decoder) Flush() []Frame {
	record := d.buf
	d.buf = nil
	d.scanned = 0
	if d.discarding {
		d.discarding = false
		return nil
	}
	if len(bytes.TrimSpace(record)) == 0 {
		return nil
	}
	if frame, ok := decodeRecord(record); ok {
		return []Frame{frame}
	}
	return nil
}

// Events lazily decodes r. Per-record failures are yielded as *DecodeError and
// iteration continues; a read failure other than io.EOF is yielded once and
// ends the sequence.
func (d *Decoder) Events(r io.Reader) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		buf := make([]byte, readChunkSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				for _, f := range d.Feed(buf[:n]) {
					if !yield(f.Event, f.Err) {
						return
					}
				}
			}
			if err == nil {
				continue
			}
			if errors.Is(err, io.EOF) {
				for _, f := range d.Flush() {
					if !yield(f.Event, f.Err) {
						return
					}
				}
				return
			}
			yield(nil, err)
			return
		}
	}
}

// decodeRecord extracts the data payload of one record. Records without data
// lines (comments, bare event names, keep-alive blanks) report ok=false.
func decodeRecord(record []byte) (Frame, bool) {
	var data []string
	for _, line := range strings.Split(string(record), "\n") {
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if after, ok := strings.CutPrefix(line, dataMarker); ok {
			data = append(data, strings.TrimPrefix(after, " "))
		}
		// event:, id: and retry: carry nothing the payload does not already say.
	}
	if len(data) == 0 {
		return Frame{}, false
	}
	payload := []byte(strings.Join(data, "\n"))
	ev, err := DecodePayload(payload)
	if err != nil {
		return Frame{Err: &DecodeError{Payload: payload, Err: err}}, true
	}
	return Frame{Event: ev}, true
}

type wireAction struct {
	Tool        string          `json:"tool"`
	Category    string          `json:"category"`
	Description string          `json:"description"`
	Purpose     string          `json:"purpose"`
	Input       json.RawMessage `json:"input"`
}

type wireObservation struct {
	Result     string `json:"result"`
	ResultType string `json:"result_type"`
	Success    bool   `json:"success"`
}

type wireError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type wirePayload struct {
	Type          *string          `json:"type"`
	Timestamp     *string          `json:"timestamp"`
	Question      string           `json:"question"`
	QueryID       string           `json:"query_id"`
	StepNumber    *int             `json:"step_number"`
	Thought       *string          `json:"thought"`
	Action        *wireAction      `json:"action"`
	Observation   *wireObservation `json:"observation"`
	FinalAnswer   *string          `json:"final_answer"`
	TotalSteps    int              `json:"total_steps"`
	ExecutionTime *float64         `json:"execution_time"`
	Success       bool             `json:"success"`
	Message       *string          `json:"message"`
	Kind          string           `json:"kind"`
	ErrorType     string           `json:"error_type"`
	Error         json.RawMessage  `json:"error"`
}

// DecodePayload turns one JSON record into an Event.
func DecodePayload(payload []byte) (Event, error) {
	var w wirePayload
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if w.Type == nil || *w.Type == "" {
		return nil, errors.New("missing type")
	}
	if w.Timestamp == nil {
		return nil, fmt.Errorf("%s: missing timestamp", *w.Type)
	}
	ts, err := parseTimestamp(*w.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", *w.Type, err)
	}

	switch Kind(*w.Type) {
	case KindExecutionStart:
		return ExecutionStart{Timestamp: ts, Question: w.Question, QueryID: w.QueryID}, nil

	case KindAgentAction:
		step, err := stepNumber(w.StepNumber)
		if err != nil {
			return nil, fmt.Errorf("agent_action: %w", err)
		}
		if w.Action == nil || w.Action.Tool == "" {
			return nil, errors.New("agent_action: missing action")
		}
		return AgentAction{
			Timestamp:  ts,
			StepNumber: step,
			Thought:    w.Thought,
			Action: Action{
				Tool:        w.Action.Tool,
				Category:    ParseCategory(w.Action.Category),
				Description: w.Action.Description,
				Purpose:     w.Action.Purpose,
				Input:       rawText(w.Action.Input),
			},
		}, nil

	case KindAgentObservation:
		step, err := stepNumber(w.StepNumber)
		if err != nil {
			return nil, fmt.Errorf("agent_observation: %w", err)
		}
		if w.Observation == nil {
			return nil, errors.New("agent_observation: missing observation")
		}
		return AgentObservation{
			Timestamp:  ts,
			StepNumber: step,
			Observation: Observation{
				Result:     w.Observation.Result,
				ResultType: ParseResultType(w.Observation.ResultType),
				Success:    w.Observation.Success,
			},
		}, nil

	case KindAgentFinish:
		if w.FinalAnswer == nil {
			return nil, errors.New("agent_finish: missing final_answer")
		}
		return AgentFinish{Timestamp: ts, FinalAnswer: *w.FinalAnswer, TotalSteps: w.TotalSteps}, nil

	case KindExecutionSummary:
		if w.ExecutionTime == nil {
			return nil, errors.New("execution_summary: missing execution_time")
		}
		return ExecutionSummary{Timestamp: ts, ExecutionTime: *w.ExecutionTime, Success: w.Success}, nil

	case KindExecutionComplete:
		return ExecutionComplete{Timestamp: ts}, nil

	case KindHeartbeat:
		return Heartbeat{Timestamp: ts}, nil

	case KindError, kindAgentError:
		return decodeError(ts, w)
	}
	return nil, fmt.Errorf("unknown event type %q", *w.Type)
}

func decodeError(ts time.Time, w wirePayload) (Event, error) {
	ev := Error{Timestamp: ts, ErrorType: w.Kind}
	if ev.ErrorType == "" {
		ev.ErrorType = w.ErrorType
	}
	if w.Message != nil {
		ev.Message = *w.Message
	}
	if len(w.Error) > 0 && string(w.Error) != "null" {
		var nested wireError
		if err := json.Unmarshal(w.Error, &nested); err == nil {
			if ev.Message == "" {
				ev.Message = nested.Message
			}
			if ev.ErrorType == "" {
				ev.ErrorType = nested.Type
			}
		} else {
			var text string
			if err := json.Unmarshal(w.Error, &text); err != nil {
				return nil, fmt.Errorf("error: invalid error field: %w", err)
			}
			if ev.Message == "" {
				ev.Message = text
			}
		}
	}
	if ev.Message == "" {
		return nil, errors.New("error: missing message")
	}
	return ev, nil
}

func stepNumber(n *int) (int, error) {
	if n == nil {
		return 0, errors.New("missing step_number")
	}
	if *n < 1 {
		return 0, fmt.Errorf("step_number must be positive, got %d", *n)
	}
	return *n, nil
}

// rawText renders a tool input, which producers send either as a JSON string
// or as an arbitrary JSON value.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return string(raw)
	}
	return compact.String()
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts RFC3339 and the zone-less ISO form; zone-less times are UTC.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}
