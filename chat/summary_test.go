package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reactsql/stream"
)

func step(n int, tool string, category stream.Category, input string) ReActStep {
	return ReActStep{
		StepNumber: n,
		Action: stream.Action{
			Tool:        tool,
			Category:    category,
			Description: "step " + tool,
			Purpose:     "purpose of " + tool,
			Input:       input,
		},
	}
}

func TestSummarize(t *testing.T) {
	steps := []ReActStep{
		step(1, "sql_db_list_tables", stream.CategorySchemaExploration, ""),
		step(2, "sql_db_schema", stream.CategorySchemaExploration, "Customer"),
		step(3, "sql_db_query_checker", stream.CategoryValidation, "SELECT COUNT(*) FROM Customer"),
		step(4, "sql_db_query", stream.CategoryDataRetrieval,
			"SELECT c.Country, COUNT(*) FROM Customer c JOIN Invoice i ON i.CustomerId = c.CustomerId GROUP BY c.Country"),
		step(5, "sql_db_schema", stream.CategorySchemaExploration, "Invoice"),
	}

	got := Summarize(steps)
	assert.Equal(t, 5, got.TotalSteps)
	assert.Equal(t, map[stream.Category]int{
		stream.CategorySchemaExploration: 3,
		stream.CategoryValidation:        1,
		stream.CategoryDataRetrieval:     1,
	}, got.Categories)
	assert.Equal(t, []string{"sql_db_list_tables", "sql_db_schema", "sql_db_query_checker", "sql_db_query"}, got.ToolsUsed)
	assert.Equal(t, []stream.Category{
		stream.CategorySchemaExploration,
		stream.CategorySchemaExploration,
		stream.CategoryValidation,
		stream.CategoryDataRetrieval,
		stream.CategorySchemaExploration,
	}, got.ExecutionPattern)
	require.NotNil(t, got.FinalAction)
	assert.Equal(t, "step sql_db_schema", *got.FinalAction)
	// 3 exploration + 2 validation + 3 retrieval + 2 join + 1 group by, capped
	assert.Equal(t, 10, got.ComplexityScore)
}

func TestSummarizeEmpty(t *testing.T) {
	got := Summarize(nil)
	assert.Zero(t, got.TotalSteps)
	assert.Empty(t, got.Categories)
	assert.Empty(t, got.ToolsUsed)
	assert.Nil(t, got.FinalAction)
	assert.Zero(t, got.ComplexityScore)
}

func TestSummarizeCapsComplexity(t *testing.T) {
	var steps []ReActStep
	for i := 1; i <= 6; i++ {
		steps = append(steps, step(i, "sql_db_query", stream.CategoryDataRetrieval, "SELECT * FROM a JOIN b ORDER BY 1"))
	}
	assert.Equal(t, 10, Summarize(steps).ComplexityScore)
}

func TestExecutionFlow(t *testing.T) {
	steps := []ReActStep{
		step(1, "sql_db_list_tables", stream.CategorySchemaExploration, ""),
		{StepNumber: 2, Action: stream.Action{Tool: "mystery"}},
	}
	assert.Equal(t, []string{"purpose of sql_db_list_tables", "Performing agent action"}, ExecutionFlow(steps))
}
