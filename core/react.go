package core

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"reactsql/stream"
	localtools "reactsql/tools"
)

// Tool names of the SQL toolkit the agent works with.
const (
	ToolListTables   = localtools.ListTablesName
	ToolSchema       = localtools.SchemaName
	ToolQuery        = localtools.QueryName
	ToolQueryChecker = localtools.QueryCheckerName
)

// ToolInfo is the human-readable description of a tool.
type ToolInfo struct {
	Category    stream.Category
	Description string
	Purpose     string
}

var toolInfos = map[string]ToolInfo{
	ToolListTables: {
		Category:    stream.CategorySchemaExploration,
		Description: "Listing all available tables in the database",
		Purpose:     "Understanding database structure",
	},
	ToolSchema: {
		Category:    stream.CategorySchemaExploration,
		Description: "Examining table schema and structure",
		Purpose:     "Understanding table columns and relationships",
	},
	ToolQuery: {
		Category:    stream.CategoryDataRetrieval,
		Description: "Executing SQL query to retrieve data",
		Purpose:     "Getting the actual data to answer the question",
	},
	ToolQueryChecker: {
		Category:    stream.CategoryValidation,
		Description: "Validating SQL query syntax and logic",
		Purpose:     "Ensuring query correctness before execution",
	},
}

// CategorizeTool describes what the named tool does.
func CategorizeTool(tool string) ToolInfo {
	if info, ok := toolInfos[tool]; ok {
		return info
	}
	return ToolInfo{
		Category:    stream.CategoryUnknown,
		Description: "Using tool: " + tool,
		Purpose:     "Performing agent action",
	}
}

// KnownTool reports whether tool names one of the SQL tools. Like the agent
// executor, the match ignores case.
func KnownTool(tool string) bool {
	_, ok := toolInfos[strings.ToLower(strings.TrimSpace(tool))]
	return ok
}

// NewAction builds the stream action for a tool invocation. Query input is
// reformatted for display.
func NewAction(tool, input string) stream.Action {
	info := CategorizeTool(tool)
	if tool == ToolQuery || tool == ToolQueryChecker {
		input = FormatSQL(input)
	}
	return stream.Action{
		Tool:        tool,
		Category:    info.Category,
		Description: info.Description,
		Purpose:     info.Purpose,
		Input:       input,
	}
}

var (
	thoughtLabel   = regexp.MustCompile(`(?is)Thought:\s*(.*?)(?:\n\s*(?:Action|Final Answer)\s*:|\z)`)
	beforeAction   = regexp.MustCompile(`(?is)^(.*?)(?:\n\s*)?(?:Action|Final Answer)\s*:`)
	thoughtPhrases = regexp.MustCompile(`(?i)\b(?:I need to|Let me|I should|First,?|Now|To answer this|I'll)[^\n]*`)
	logLabels      = []string{"Action:", "Final Answer:", "Observation:"}
)

// minThought is the shortest text accepted as a thought.
const minThought = 6

// ExtractThought pulls the agent's reasoning out of an LLM log. The log may
// or may not repeat the "Thought:" label, since the prompt ends with it.
func ExtractThought(log string) *string {
	log = strings.TrimSpace(log)
	if log == "" {
		return nil
	}

	if m := thoughtLabel.FindStringSubmatch(log); m != nil {
		if t := strings.TrimSpace(m[1]); len(t) >= minThought {
			return &t
		}
	}
	if m := beforeAction.FindStringSubmatch(log); m != nil {
		if t := strings.TrimSpace(m[1]); len(t) >= minThought {
			return &t
		}
	}
	if m := thoughtPhrases.FindString(log); len(strings.TrimSpace(m)) >= minThought {
		t := strings.TrimSpace(m)
		return &t
	}
	for _, sentence := range strings.Split(log, ".") {
		s := strings.TrimSpace(sentence)
		if len(s) > 20 && !hasAnyPrefix(s, logLabels) {
			return &s
		}
	}
	return nil
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// DetectResultType classifies the output of tool for presentation.
func DetectResultType(result, tool string) stream.ResultType {
	trimmed := strings.TrimSpace(result)
	if trimmed == "" {
		return stream.ResultEmpty
	}

	switch tool {
	case ToolListTables:
		return stream.ResultTableList
	case ToolSchema:
		return stream.ResultSchemaInfo
	case ToolQuery:
		if strings.Contains(trimmed, "|") && strings.Contains(trimmed, "\n") {
			return stream.ResultTabularData
		}
		return stream.ResultSQL
	case ToolQueryChecker:
		return stream.ResultValidationResult
	}

	switch {
	case strings.Count(trimmed, "\n") > 3 && strings.Contains(trimmed, "|"):
		return stream.ResultTabularData
	case strings.HasPrefix(trimmed, "CREATE"):
		return stream.ResultSchemaInfo
	}
	return stream.ResultText
}

// Longer keywords come first so "LEFT JOIN" is not split at "JOIN". AND and
// OR start indented continuation lines.
var (
	sqlClause      = regexp.MustCompile(`(?i)\b(INNER\s+JOIN|LEFT\s+JOIN|RIGHT\s+JOIN|GROUP\s+BY|ORDER\s+BY|UNION\s+ALL|SELECT|FROM|WHERE|JOIN|HAVING|LIMIT|UNION|AND|OR)\b`)
	sqlClauseStart = regexp.MustCompile(`^(INNER JOIN|LEFT JOIN|RIGHT JOIN|GROUP BY|ORDER BY|UNION ALL|SELECT|FROM|WHERE|JOIN|HAVING|LIMIT|UNION)\b`)
	sqlLiteral     = regexp.MustCompile(`'(?:[^']|'')*'`)
	sqlPlaceholder = regexp.MustCompile("\x00(\\d+)\x00")
)

// FormatSQL puts every major clause of query on its own line and indents
// continuation lines.
func FormatSQL(query string) string {
	query = strings.TrimSpace(query)
	if query == "" {
		return query
	}

	// String literals are set aside so keywords inside them stay put.
	var literals []string
	query = sqlLiteral.ReplaceAllStringFunc(query, func(lit string) string {
		literals = append(literals, lit)
		return fmt.Sprintf("\x00%d\x00", len(literals)-1)
	})

	split := sqlClause.ReplaceAllStringFunc(query, func(kw string) string {
		return "\n" + strings.ToUpper(strings.Join(strings.Fields(kw), " "))
	})

	var lines []string
	for _, line := range strings.Split(split, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(lines) > 0 && !sqlClauseStart.MatchString(line) {
			line = "    " + line
		}
		lines = append(lines, line)
	}
	formatted := strings.Join(lines, "\n")
	if len(literals) == 0 {
		return formatted
	}
	return sqlPlaceholder.ReplaceAllStringFunc(formatted, func(ph string) string {
		i, _ := strconv.Atoi(strings.Trim(ph, "\x00"))
		return literals[i]
	})
}
