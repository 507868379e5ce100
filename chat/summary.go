package chat

import (
	"strings"

	"reactsql/stream"
)

// StepSummary is a quick overview of the steps of one turn.
type StepSummary struct {
	TotalSteps       int                     `json:"total_steps"`
	Categories       map[stream.Category]int `json:"categories"`
	ToolsUsed        []string                `json:"tools_used"`        // distinct, in order of first use
	ExecutionPattern []stream.Category       `json:"execution_pattern"` // category of every step, in order
	FinalAction      *string                 `json:"final_action,omitempty"`
	ComplexityScore  int                     `json:"complexity_score"`
}

const maxComplexityScore = 10

// Summarize builds the StepSummary of steps.
func Summarize(steps []ReActStep) StepSummary {
	summary := StepSummary{
		TotalSteps:       len(steps),
		Categories:       make(map[stream.Category]int),
		ToolsUsed:        []string{},
		ExecutionPattern: []stream.Category{},
	}

	seen := make(map[string]bool)
	for _, step := range steps {
		category := step.Action.Category
		if category == "" {
			category = stream.CategoryUnknown
		}
		summary.Categories[category]++
		summary.ExecutionPattern = append(summary.ExecutionPattern, category)
		if !seen[step.Action.Tool] {
			seen[step.Action.Tool] = true
			summary.ToolsUsed = append(summary.ToolsUsed, step.Action.Tool)
		}
		summary.ComplexityScore += stepComplexity(step.Action)
	}

	if len(steps) > 0 {
		last := steps[len(steps)-1].Action.Description
		summary.FinalAction = &last
	}
	summary.ComplexityScore = min(summary.ComplexityScore, maxComplexityScore)
	return summary
}

// stepComplexity weights retrieval above validation above exploration, with
// a bonus for joins, grouping and ordering in queries.
func stepComplexity(action stream.Action) int {
	score := 0
	switch action.Category {
	case stream.CategorySchemaExploration:
		score = 1
	case stream.CategoryDataRetrieval:
		score = 3
	case stream.CategoryValidation:
		score = 2
	}
	if action.Category == stream.CategoryDataRetrieval {
		sql := strings.ToUpper(action.Input)
		for _, clause := range queryClauseWeights {
			if strings.Contains(sql, clause.keyword) {
				score += clause.weight
			}
		}
	}
	return score
}

var queryClauseWeights = []struct {
	keyword string
	weight  int
}{
	{"JOIN", 2},
	{"GROUP BY", 1},
	{"ORDER BY", 1},
}

// ExecutionFlow lists the purpose of every step, in order.
func ExecutionFlow(steps []ReActStep) []string {
	flow := make([]string, 0, len(steps))
	for _, step := range steps {
		purpose := step.Action.Purpose
		if purpose == "" {
			purpose = "Performing agent action"
		}
		flow = append(flow, purpose)
	}
	return flow
}
