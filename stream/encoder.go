package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// ContentType is the media type of an event stream response.
const ContentType = "text/event-stream"

// Encoder writes events as data records, flushing after each one when the
// underlying writer supports it.
type Encoder struct {
	w       io.Writer
	flusher http.Flusher
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	f, _ := w.(http.Flusher)
	return &Encoder{w: w, flusher: f}
}

// Encode writes one event record.
func (e *Encoder) Encode(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Kind(), err)
	}
	if _, err := fmt.Fprintf(e.w, "%s %s\n\n", dataMarker, data); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}
