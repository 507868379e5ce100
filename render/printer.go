package render

import (
	"fmt"
	"io"
	"sync"

	"reactsql/chat"
)

// Printer writes a turn to a terminal incrementally: the question once, each
// step as soon as its observation arrives, and the outcome when the turn is
// finalized. Feed it every Store snapshot.
type Printer struct {
	out      io.Writer
	renderer Renderer

	mu       sync.Mutex
	turnID   string
	printed  map[int]bool
	finished bool
}

// NewPrinter returns a printer writing to out.
func NewPrinter(out io.Writer, renderer Renderer) *Printer {
	return &Printer{out: out, renderer: renderer, printed: make(map[int]bool)}
}

// Update prints whatever part of the latest turn is new in state.
func (p *Printer) Update(state chat.ChatState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg, live := p.turn(state)
	if msg == nil {
		return
	}
	if msg.ID != p.turnID {
		p.turnID = msg.ID
		p.printed = make(map[int]bool)
		p.finished = false
		fmt.Fprintln(p.out, p.renderer.Question(*msg))
	}
	if p.finished {
		return
	}

	for _, step := range msg.Steps {
		if p.printed[step.StepNumber] || (live && step.Observation == nil) {
			continue
		}
		p.printed[step.StepNumber] = true
		fmt.Fprintln(p.out)
		fmt.Fprint(p.out, p.renderer.Step(step))
	}

	if msg.Status.Final() {
		p.finished = true
		fmt.Fprintln(p.out)
		fmt.Fprintln(p.out, p.renderer.Outcome(*msg))
	}
}

// Finished reports whether the outcome of the current turn has been printed.
func (p *Printer) Finished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished
}

func (p *Printer) turn(state chat.ChatState) (*chat.ChatMessage, bool) {
	if state.CurrentMessage != nil {
		return state.CurrentMessage, true
	}
	if last, ok := state.LastMessage(); ok && last.ID == p.turnID {
		return &last, false
	}
	return nil, false
}
