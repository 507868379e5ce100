package core

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tmc/langchaingo/prompts"
	"github.com/tmc/langchaingo/tools"
)

const (
	sqlAgentPrefix = `Today is {{.today}}.
You are an agent designed to answer questions by querying a {{.dialect}} database.
Given an input question, create a syntactically correct {{.dialect}} query, run it, look at the results and return the answer.
Unless the user asks for a specific number of examples, limit your query to at most {{.top_k}} results.
Order the results by a relevant column to return the most interesting examples.
Never query for all columns of a table; only ask for the columns relevant to the question.
You MUST double check your query before executing it. If a query fails, rewrite it and try again.
DO NOT make any DML statements (INSERT, UPDATE, DELETE, DROP etc.) to the database.

Always start by listing the tables, then look at the schema of the most relevant tables.
If the question does not seem related to the database, answer "I don't know" as the Final Answer.

Available tools:
{{.tool_descriptions}}`

	sqlAgentFormatInstructions = `Use the following format EXACTLY:

Question: the input question you must answer
Thought: what you should do next and why
Action: the tool to use, one of [{{.tool_names}}]
Action Input: the input to the tool, plain text without quotes or code fences
Observation: the result of the tool
... (Thought/Action/Action Input/Observation can repeat N times)
Thought: I now know the final answer
Final Answer: the final answer to the original question, in plain language

Never write the Observation yourself. Never use XML-style tags such as <think>.`

	sqlAgentSuffix = `Begin!

Question: {{.input}}
Thought:{{.agent_scratchpad}}`
)

// CreateSQLAgentPrompt returns the ReAct prompt of the SQL agent. topK is the
// default number of rows the agent asks for.
func CreateSQLAgentPrompt(agentTools []tools.Tool, dialect string, topK int) prompts.PromptTemplate {
	toolNames := make([]string, 0, len(agentTools))
	toolDescriptions := make([]string, 0, len(agentTools))
	for _, tool := range agentTools {
		toolNames = append(toolNames, tool.Name())
		toolDescriptions = append(toolDescriptions, fmt.Sprintf("- %s: %s", tool.Name(), tool.Description()))
	}

	template := strings.Join([]string{sqlAgentPrefix, sqlAgentFormatInstructions, sqlAgentSuffix}, "\n\n")

	return prompts.PromptTemplate{
		Template:       template,
		TemplateFormat: prompts.TemplateFormatGoTemplate,
		InputVariables: []string{"input", "agent_scratchpad", "today"},
		PartialVariables: map[string]any{
			"dialect":           dialect,
			"top_k":             strconv.Itoa(topK),
			"tool_names":        strings.Join(toolNames, ", "),
			"tool_descriptions": strings.Join(toolDescriptions, "\n"),
		},
	}
}
