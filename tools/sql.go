package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/tools"
)

// Names the agent calls the SQL tools by.
const (
	ListTablesName   = "sql_db_list_tables"
	SchemaName       = "sql_db_schema"
	QueryName        = "sql_db_query"
	QueryCheckerName = "sql_db_query_checker"
)

// Toolkit returns the four SQL tools over db, in the order they are offered
// to the agent.
func Toolkit(db *Database) []tools.Tool {
	return []tools.Tool{
		NewListTablesTool(db),
		NewSchemaTool(db),
		NewQueryCheckerTool(db),
		NewQueryTool(db),
	}
}

func observationError(err error) string {
	return "Error: " + err.Error()
}

var listTablesLogger = logrus.WithField("tool", ListTablesName)

type ListTablesTool struct {
	db *Database
}

func NewListTablesTool(db *Database) *ListTablesTool {
	return &ListTablesTool{db: db}
}

func (t *ListTablesTool) Name() string {
	return ListTablesName
}

func (t *ListTablesTool) Description() string {
	return "Input is an empty string, output is a comma-separated list of tables in the database."
}

func (t *ListTablesTool) Call(ctx context.Context, input string) (string, error) {
	startTime := time.Now()
	tables, err := t.db.Tables(ctx)
	if err != nil {
		listTablesLogger.WithError(err).Error("Listing tables failed")
		return observationError(err), nil
	}
	listTablesLogger.WithFields(logrus.Fields{
		"tables":        len(tables),
		"executionTime": time.Since(startTime),
	}).Info("Tables listed")
	return strings.Join(tables, ", "), nil
}

var schemaLogger = logrus.WithField("tool", SchemaName)

type SchemaTool struct {
	db *Database
}

func NewSchemaTool(db *Database) *SchemaTool {
	return &SchemaTool{db: db}
}

func (t *SchemaTool) Name() string {
	return SchemaName
}

func (t *SchemaTool) Description() string {
	return "Input to this tool is a comma-separated list of tables, output is the schema and sample rows for those tables. " +
		"Be sure that the tables actually exist by calling " + ListTablesName + " first! Example Input: table1, table2, table3"
}

func (t *SchemaTool) Call(ctx context.Context, input string) (string, error) {
	toolLogger := schemaLogger.WithField("input", input)

	var names []string
	for _, name := range strings.Split(CleanInput(input), ",") {
		if name = strings.Trim(strings.TrimSpace(name), `"'`); name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return observationError(errors.New("no table names given")), nil
	}

	info, err := t.db.TableInfo(ctx, names)
	if err != nil {
		toolLogger.WithError(err).Warn("Describing tables failed")
		return observationError(err), nil
	}
	toolLogger.WithField("tables", names).Info("Tables described")
	return info, nil
}

var queryLogger = logrus.WithField("tool", QueryName)

type QueryTool struct {
	db *Database
}

func NewQueryTool(db *Database) *QueryTool {
	return &QueryTool{db: db}
}

func (t *QueryTool) Name() string {
	return QueryName
}

func (t *QueryTool) Description() string {
	return "Input to this tool is a detailed and correct SQL query, output is a result from the database. " +
		"If the query is not correct, an error message will be returned. If an error is returned, rewrite the query, check the query, and try again. " +
		"If you encounter an issue with Unknown column 'xxxx' in 'field list', use " + SchemaName + " to query the correct table fields."
}

func (t *QueryTool) Call(ctx context.Context, input string) (string, error) {
	toolLogger := queryLogger.WithField("input", input)
	toolLogger.Info("Query tool called")
	startTime := time.Now()

	res, err := t.db.Query(ctx, input)
	if err != nil {
		toolLogger.WithError(err).Warn("Query failed")
		return observationError(err), nil
	}

	toolLogger.WithFields(logrus.Fields{
		"rows":          len(res.Rows),
		"truncated":     res.Truncated,
		"executionTime": time.Since(startTime),
	}).Info("Query completed")
	return res.String(), nil
}

var queryCheckerLogger = logrus.WithField("tool", QueryCheckerName)

type QueryCheckerTool struct {
	db *Database
}

func NewQueryCheckerTool(db *Database) *QueryCheckerTool {
	return &QueryCheckerTool{db: db}
}

func (t *QueryCheckerTool) Name() string {
	return QueryCheckerName
}

func (t *QueryCheckerTool) Description() string {
	return "Use this tool to double check if your query is correct before executing it. " +
		"Always use this tool before executing a query with " + QueryName + "!"
}

func (t *QueryCheckerTool) Call(ctx context.Context, input string) (string, error) {
	toolLogger := queryCheckerLogger.WithField("input", input)

	query, err := ReadOnly(input)
	if err != nil {
		return observationError(err), nil
	}
	plan, err := t.db.Explain(ctx, query)
	if err != nil {
		toolLogger.WithError(err).Info("Query rejected by the database")
		return observationError(err), nil
	}

	toolLogger.WithField("planSteps", len(plan)).Debug("Query checked")
	var b strings.Builder
	fmt.Fprintf(&b, "The query is valid.\n%s", query)
	if len(plan) > 0 {
		b.WriteString("\n\nQuery plan:\n")
		b.WriteString(strings.Join(plan, "\n"))
	}
	return b.String(), nil
}

var (
	_ tools.Tool = (*ListTablesTool)(nil)
	_ tools.Tool = (*SchemaTool)(nil)
	_ tools.Tool = (*QueryTool)(nil)
	_ tools.Tool = (*QueryCheckerTool)(nil)
)
