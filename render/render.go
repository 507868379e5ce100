// Package render draws chat turns as styled terminal text.
package render

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"reactsql/chat"
	"reactsql/stream"
)

// DefaultObservationLimit is the number of runes of an observation shown per step.
const DefaultObservationLimit = 400

var (
	questionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("14"))

	stepHeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	thoughtStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Italic(true)

	inputStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11")).
			PaddingLeft(2)

	observationStyle = lipgloss.NewStyle().
				BorderStyle(lipgloss.NormalBorder()).
				BorderLeft(true).
				BorderForeground(lipgloss.Color("240")).
				PaddingLeft(1).
				MarginLeft(2)

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	answerStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("10")).
			Padding(0, 1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)
)

// Renderer renders turns. The zero value is usable.
type Renderer struct {
	// Width wraps the answer box when positive.
	Width int
	// ObservationLimit caps observation text; zero means DefaultObservationLimit.
	ObservationLimit int
}

// State renders the turn in progress, or the last finalized turn when idle.
func (r Renderer) State(state chat.ChatState) string {
	if state.CurrentMessage != nil {
		return r.Turn(*state.CurrentMessage)
	}
	if last, ok := state.LastMessage(); ok {
		return r.Turn(last)
	}
	if state.Error != nil {
		return errorStyle.Render("✗ " + *state.Error)
	}
	return mutedStyle.Render("No messages yet")
}

// Turn renders one question with its steps and outcome.
func (r Renderer) Turn(msg chat.ChatMessage) string {
	var b strings.Builder
	b.WriteString(r.Question(msg))
	b.WriteString("\n")
	for _, step := range msg.Steps {
		b.WriteString("\n")
		b.WriteString(r.Step(step))
	}
	b.WriteString("\n")
	b.WriteString(r.Outcome(msg))
	return b.String()
}

// Question renders the header line of a turn.
func (r Renderer) Question(msg chat.ChatMessage) string {
	return questionStyle.Render("? " + msg.Question)
}

// Outcome renders the status line followed by the answer or error message.
func (r Renderer) Outcome(msg chat.ChatMessage) string {
	var b strings.Builder
	b.WriteString(statusLine(msg))

	switch {
	case msg.Status == chat.StatusError && msg.ErrorMessage != nil:
		b.WriteString("\n")
		b.WriteString(errorStyle.Render(*msg.ErrorMessage))
	case msg.Answer != nil:
		style := answerStyle
		if r.Width > 0 {
			style = style.Width(r.Width - 2)
		}
		b.WriteString("\n")
		b.WriteString(style.Render(*msg.Answer))
	}
	return b.String()
}

// Step renders one step. A step still waiting for its observation is marked running.
func (r Renderer) Step(step chat.ReActStep) string {
	var b strings.Builder

	header := fmt.Sprintf("Step %d  %s", step.StepNumber, step.Action.Tool)
	b.WriteString(stepHeaderStyle.Render(header))
	b.WriteString(" ")
	b.WriteString(mutedStyle.Render("[" + categoryLabel(step.Action.Category) + "]"))
	b.WriteString("\n")

	if step.Thought != nil && *step.Thought != "" {
		b.WriteString(thoughtStyle.Render("  " + *step.Thought))
		b.WriteString("\n")
	}
	if step.Action.Input != "" {
		b.WriteString(inputStyle.Render(step.Action.Input))
		b.WriteString("\n")
	}

	if step.Observation == nil {
		b.WriteString(mutedStyle.Render("  … running"))
		b.WriteString("\n")
		return b.String()
	}

	result := truncate(step.Observation.Result, r.observationLimit())
	if result == "" {
		result = "(no output)"
	}
	style := observationStyle
	if !step.Observation.Success {
		style = style.BorderForeground(lipgloss.Color("9"))
	}
	b.WriteString(style.Render(result))
	b.WriteString("\n")
	return b.String()
}

func (r Renderer) observationLimit() int {
	if r.ObservationLimit > 0 {
		return r.ObservationLimit
	}
	return DefaultObservationLimit
}

func statusLine(msg chat.ChatMessage) string {
	var icon string
	var color lipgloss.Color
	switch msg.Status {
	case chat.StatusCompleted:
		icon, color = "✓", lipgloss.Color("10")
	case chat.StatusError:
		icon, color = "✗", lipgloss.Color("9")
	case chat.StatusProcessing:
		icon, color = "●", lipgloss.Color("11")
	default:
		icon, color = "○", lipgloss.Color("245")
	}

	line := fmt.Sprintf("%s %s", icon, msg.Status)
	if n := len(msg.Steps); n > 0 {
		line += fmt.Sprintf(" · %d %s", n, plural(n, "step", "steps"))
	}
	if msg.ExecutionTime != nil {
		line += fmt.Sprintf(" · %.2fs", *msg.ExecutionTime)
	}
	return lipgloss.NewStyle().Foreground(color).Render(line)
}

func categoryLabel(c stream.Category) string {
	switch c {
	case stream.CategorySchemaExploration:
		return "schema"
	case stream.CategoryDataRetrieval:
		return "query"
	case stream.CategoryValidation:
		return "check"
	default:
		return "unknown"
	}
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
