package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/agents"
	"github.com/tmc/langchaingo/callbacks"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/tools"

	"reactsql/chat"
	"reactsql/stream"
	localtools "reactsql/tools"
)

func testDatabase(t *testing.T) *localtools.Database {
	t.Helper()
	db, err := sql.Open(localtools.DriverName, ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`
CREATE TABLE artists (id INTEGER PRIMARY KEY, name TEXT NOT NULL);
CREATE TABLE albums (id INTEGER PRIMARY KEY, title TEXT NOT NULL, artist_id INTEGER);
INSERT INTO artists VALUES (1, 'AC/DC'), (2, 'Accept');
INSERT INTO albums VALUES (1, 'Let There Be Rock', 1), (2, 'Balls to the Wall', 2), (3, 'Restless and Wild', 2);`)
	require.NoError(t, err)
	d := localtools.NewDatabase(db, 2, 100)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func testConfig() *Config {
	return &Config{
		LLMProvider:           "ollama",
		OllamaModel:           "qwen3",
		MaxIterations:         5,
		RequestTimeout:        10 * time.Second,
		HeartbeatInterval:     time.Hour,
		QueryRowLimit:         100,
		HistoryMaxAge:         time.Hour,
		CleanupInterval:       time.Hour,
		LogTruncateLength:     100,
		MaxConcurrentRequests: 4,
	}
}

// scriptedAgent replays fixed actions against the real SQL tools.
type scriptedAgent struct {
	toolsList []tools.Tool
	actions   []schema.AgentAction
	answer    string
	err       error
	release   chan struct{} // when set, Run waits for it before answering
}

func (a *scriptedAgent) Run(ctx context.Context, question string, handler callbacks.Handler) (string, error) {
	byName := make(map[string]tools.Tool)
	for _, t := range instrumentTools(a.toolsList, handler) {
		byName[t.Name()] = t
	}
	for _, action := range a.actions {
		handler.HandleAgentAction(ctx, action)
		if tool, ok := byName[action.Tool]; ok {
			if _, err := tool.Call(ctx, action.ToolInput); err != nil {
				return "", err
			}
		}
	}
	if a.release != nil {
		select {
		case <-a.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if a.err != nil {
		return "", a.err
	}
	handler.HandleAgentFinish(ctx, schema.AgentFinish{ReturnValues: map[string]any{"output": a.answer}})
	return a.answer, nil
}

func countArtists(db *localtools.Database) *scriptedAgent {
	return &scriptedAgent{
		toolsList: localtools.Toolkit(db),
		actions: []schema.AgentAction{
			{Tool: ToolListTables, ToolInput: "", Log: "Thought: I should list the tables.\nAction: sql_db_list_tables\nAction Input: "},
			{Tool: ToolQuery, ToolInput: "SELECT COUNT(*) AS n FROM artists", Log: "Thought: I need to count the artists.\nAction: sql_db_query\nAction Input: SELECT COUNT(*) AS n FROM artists"},
		},
		answer: "There are 2 artists.",
	}
}

type testServer struct {
	*Server
	echo *echo.Echo
	db   *localtools.Database
}

func newTestServer(t *testing.T, config *Config, agent func(db *localtools.Database) Agent) *testServer {
	t.Helper()
	db := testDatabase(t)
	s := NewServerWith(agent(db), db, config, testLogger())
	e := echo.New()
	s.RegisterRoutes(e)
	return &testServer{Server: s, echo: e, db: db}
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)
	return rec
}

// waitActive waits until a query is running and returns its ID.
func (ts *testServer) waitActive(t *testing.T) string {
	t.Helper()
	var id string
	require.Eventually(t, func() bool {
		active := ts.cancelManager.GetActiveExecutions()
		if len(active) == 0 {
			return false
		}
		id = active[0]
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return id
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *APIError       `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder, data any) *APIError {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	if data != nil && env.Error == nil {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env.Error
}

func decodeEvents(t *testing.T, r io.Reader) []stream.Event {
	t.Helper()
	var events []stream.Event
	for ev, err := range stream.NewDecoder().Events(r) {
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events
}

func kindsOf(events []stream.Event) []stream.Kind {
	kinds := make([]stream.Kind, 0, len(events))
	for _, ev := range events {
		if ev.Kind() != stream.KindHeartbeat {
			kinds = append(kinds, ev.Kind())
		}
	}
	return kinds
}

func TestStreamChat(t *testing.T) {
	ts := newTestServer(t, testConfig(), func(db *localtools.Database) Agent { return countArtists(db) })

	rec := ts.do(http.MethodPost, "/api/v1/chat/stream", `{"question":"  How many artists are there?  "}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, stream.ContentType, rec.Header().Get(echo.HeaderContentType))

	events := decodeEvents(t, rec.Body)
	require.Equal(t, []stream.Kind{
		stream.KindExecutionStart,
		stream.KindAgentAction, stream.KindAgentObservation,
		stream.KindAgentAction, stream.KindAgentObservation,
		stream.KindAgentFinish,
		stream.KindExecutionSummary,
		stream.KindExecutionComplete,
	}, kindsOf(events))

	start := events[0].(stream.ExecutionStart)
	assert.Equal(t, "How many artists are there?", start.Question)
	assert.NotEmpty(t, start.QueryID)

	tables := events[2].(stream.AgentObservation)
	assert.Equal(t, "albums, artists", tables.Observation.Result)
	assert.Equal(t, stream.ResultTableList, tables.Observation.ResultType)

	count := events[4].(stream.AgentObservation)
	assert.Equal(t, 2, count.StepNumber)
	assert.Equal(t, "n\n2", count.Observation.Result)

	finish := events[5].(stream.AgentFinish)
	assert.Equal(t, "There are 2 artists.", finish.FinalAnswer)
	assert.Equal(t, 2, finish.TotalSteps)
	assert.True(t, events[6].(stream.ExecutionSummary).Success)

	rec2, ok := ts.history.Get(start.QueryID)
	require.True(t, ok)
	assert.Equal(t, QueryCompleted, rec2.Status)
	assert.Equal(t, 2, rec2.TotalSteps)
	assert.Empty(t, ts.cancelManager.GetActiveExecutions())
}

func TestStreamChatAgentFailure(t *testing.T) {
	ts := newTestServer(t, testConfig(), func(db *localtools.Database) Agent {
		agent := countArtists(db)
		agent.actions = agent.actions[:1]
		agent.err = errors.New("agent not finished before max iterations")
		return agent
	})

	events := decodeEvents(t, ts.do(http.MethodPost, "/api/v1/chat/stream", `{"question":"Which artist is best?"}`).Body)
	require.Equal(t, []stream.Kind{
		stream.KindExecutionStart,
		stream.KindAgentAction, stream.KindAgentObservation,
		stream.KindError,
		stream.KindExecutionComplete,
	}, kindsOf(events))

	failure := events[3].(stream.Error)
	assert.Equal(t, ErrorKindAgent, failure.ErrorType)
	assert.Contains(t, failure.Message, "max iterations")

	stats := ts.history.Stats()
	assert.Equal(t, 1, stats.Failed)
}

func TestStreamChatHeartbeats(t *testing.T) {
	config := testConfig()
	config.HeartbeatInterval = 10 * time.Millisecond
	release := make(chan struct{})
	time.AfterFunc(80*time.Millisecond, func() { close(release) })

	ts := newTestServer(t, config, func(db *localtools.Database) Agent {
		agent := countArtists(db)
		agent.release = release
		return agent
	})

	events := decodeEvents(t, ts.do(http.MethodPost, "/api/v1/chat/stream", `{"question":"How many artists?"}`).Body)
	var heartbeats int
	for _, ev := range events {
		if ev.Kind() == stream.KindHeartbeat {
			heartbeats++
		}
	}
	assert.Positive(t, heartbeats)
	assert.Equal(t, stream.KindExecutionComplete, events[len(events)-1].Kind())
}

func TestStreamChatStop(t *testing.T) {
	ts := newTestServer(t, testConfig(), func(db *localtools.Database) Agent {
		agent := countArtists(db)
		agent.release = make(chan struct{})
		return agent
	})

	var wg sync.WaitGroup
	var rec *httptest.ResponseRecorder
	wg.Add(1)
	go func() {
		defer wg.Done()
		rec = ts.do(http.MethodPost, "/api/v1/chat/stream", `{"question":"How many artists?"}`)
	}()

	id := ts.waitActive(t)
	stop := ts.do(http.MethodPost, "/api/v1/stop", `{"query_id":"`+id+`"}`)
	require.Equal(t, http.StatusOK, stop.Code)
	var stopped StopResponse
	require.Nil(t, decodeEnvelope(t, stop, &stopped))
	assert.True(t, stopped.Stopped)

	wg.Wait()
	events := decodeEvents(t, rec.Body)
	kinds := kindsOf(events)
	require.GreaterOrEqual(t, len(kinds), 2)
	assert.Equal(t, []stream.Kind{stream.KindError, stream.KindExecutionComplete}, kinds[len(kinds)-2:])
	assert.Equal(t, ErrorKindCancelled, events[len(events)-2].(stream.Error).ErrorType)

	record, ok := ts.history.Get(id)
	require.True(t, ok)
	assert.Equal(t, QueryCancelled, record.Status)

	// Stopping it again reports it as finished.
	again := ts.do(http.MethodPost, "/api/v1/stop", `{"query_id":"`+id+`"}`)
	require.Equal(t, http.StatusOK, again.Code)
	require.Nil(t, decodeEnvelope(t, again, &stopped))
	assert.False(t, stopped.Stopped)
}

func TestStreamChatBusy(t *testing.T) {
	config := testConfig()
	config.MaxConcurrentRequests = 1
	release := make(chan struct{})
	ts := newTestServer(t, config, func(db *localtools.Database) Agent {
		agent := countArtists(db)
		agent.release = release
		return agent
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ts.do(http.MethodPost, "/api/v1/chat/stream", `{"question":"How many artists?"}`)
	}()
	ts.waitActive(t)

	busy := ts.do(http.MethodPost, "/api/v1/chat/stream", `{"question":"How many albums?"}`)
	assert.Equal(t, http.StatusServiceUnavailable, busy.Code)
	apiErr := decodeEnvelope(t, busy, nil)
	require.NotNil(t, apiErr)
	assert.Equal(t, ErrorTypeUnavailable, apiErr.Type)

	close(release)
	wg.Wait()
}

func TestChatValidation(t *testing.T) {
	ts := newTestServer(t, testConfig(), func(db *localtools.Database) Agent { return countArtists(db) })

	for _, body := range []string{
		`{"question":""}`,
		`{"question":"  hi  "}`,
		`{"question":"abc\u0001def"}`,
		`{"question":"` + strings.Repeat("x", maxQuestionLength+1) + `"}`,
		`{"question":`,
	} {
		for _, path := range []string{"/api/v1/chat", "/api/v1/chat/stream"} {
			rec := ts.do(http.MethodPost, path, body)
			require.Equal(t, http.StatusBadRequest, rec.Code, "%s %s", path, body)
			apiErr := decodeEnvelope(t, rec, nil)
			require.NotNil(t, apiErr)
			assert.Equal(t, ErrorTypeValidation, apiErr.Type)
			assert.Equal(t, http.StatusBadRequest, apiErr.Code)
		}
	}
	assert.Zero(t, ts.history.Stats().Total)
}

func TestValidateQuestion(t *testing.T) {
	q, err := validateQuestion("  Qué?  ")
	require.NoError(t, err)
	assert.Equal(t, "Qué?", q)

	_, err = validateQuestion(strings.Repeat("é", maxQuestionLength))
	assert.NoError(t, err, "length counts characters, not bytes")

	_, err = validateQuestion("tab\tand\nnewline are fine")
	assert.NoError(t, err)
}

func TestChat(t *testing.T) {
	ts := newTestServer(t, testConfig(), func(db *localtools.Database) Agent { return countArtists(db) })

	rec := ts.do(http.MethodPost, "/api/v1/chat", `{"question":"How many artists are there?"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ChatResponse
	require.Nil(t, decodeEnvelope(t, rec, &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "There are 2 artists.", resp.Answer)
	require.Len(t, resp.Steps, 2)
	assert.Equal(t, ToolQuery, resp.Steps[1].Action.Tool)
	require.NotNil(t, resp.Steps[1].Observation)
	assert.Equal(t, 2, resp.Summary.TotalSteps)
	assert.Equal(t, []string{ToolListTables, ToolQuery}, resp.Summary.ToolsUsed)
	assert.Len(t, resp.ExecutionFlow, 2)
	assert.Empty(t, resp.Error)

	var queries QueriesResponse
	list := ts.do(http.MethodGet, "/api/v1/queries", "")
	require.Nil(t, decodeEnvelope(t, list, &queries))
	require.Len(t, queries.Queries, 1)
	assert.Equal(t, resp.QueryID, queries.Queries[0].QueryID)

	var record QueryRecord
	one := ts.do(http.MethodGet, "/api/v1/queries/"+resp.QueryID, "")
	require.Nil(t, decodeEnvelope(t, one, &record))
	assert.Equal(t, QueryCompleted, record.Status)
	assert.Equal(t, "There are 2 artists.", record.Answer)
}

func TestChatFailure(t *testing.T) {
	ts := newTestServer(t, testConfig(), func(db *localtools.Database) Agent {
		return &scriptedAgent{err: errors.New("model unavailable")}
	})

	var resp ChatResponse
	rec := ts.do(http.MethodPost, "/api/v1/chat", `{"question":"How many artists?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, decodeEnvelope(t, rec, &resp))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "model unavailable")
	assert.Empty(t, resp.Steps)
}

func TestQueriesEndpoints(t *testing.T) {
	ts := newTestServer(t, testConfig(), func(db *localtools.Database) Agent { return countArtists(db) })

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/v1/queries?limit=0", "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/v1/queries?limit=abc", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/v1/queries/nope", "").Code)

	var queries QueriesResponse
	require.Nil(t, decodeEnvelope(t, ts.do(http.MethodGet, "/api/v1/queries?limit=5", ""), &queries))
	assert.Empty(t, queries.Queries)
}

func TestStopValidation(t *testing.T) {
	ts := newTestServer(t, testConfig(), func(db *localtools.Database) Agent { return countArtists(db) })

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/api/v1/stop", `{}`).Code)
	rec := ts.do(http.MethodPost, "/api/v1/stop", `{"query_id":"missing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	apiErr := decodeEnvelope(t, rec, nil)
	require.NotNil(t, apiErr)
	assert.Equal(t, ErrorTypeNotFound, apiErr.Type)
}

func TestHealthStatusAndTables(t *testing.T) {
	ts := newTestServer(t, testConfig(), func(db *localtools.Database) Agent { return countArtists(db) })

	var health HealthResponse
	rec := ts.do(http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, decodeEnvelope(t, rec, &health))
	assert.Equal(t, "healthy", health.Status)

	var tables TablesResponse
	require.Nil(t, decodeEnvelope(t, ts.do(http.MethodGet, "/api/v1/tables", ""), &tables))
	assert.Equal(t, []string{"albums", "artists"}, tables.Tables)

	ts.do(http.MethodPost, "/api/v1/chat", `{"question":"How many artists?"}`)
	var status StatusResponse
	require.Nil(t, decodeEnvelope(t, ts.do(http.MethodGet, "/api/v1/status", ""), &status))
	assert.Equal(t, "ollama", status.Provider)
	assert.Equal(t, "qwen3", status.Model)
	assert.Equal(t, []string{"albums", "artists"}, status.Tables)
	assert.Equal(t, 1, status.Queries.Completed)
	assert.Empty(t, status.ActiveExecutions)

	require.NoError(t, ts.db.Close())
	rec = ts.do(http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Nil(t, decodeEnvelope(t, rec, &health))
	assert.Equal(t, "unavailable", health.Database)
}

func TestChatRateLimit(t *testing.T) {
	config := testConfig()
	config.RateLimitPerSecond = 1
	ts := newTestServer(t, config, func(db *localtools.Database) Agent { return countArtists(db) })

	first := ts.do(http.MethodPost, "/api/v1/chat", `{"question":"x"}`)
	assert.Equal(t, http.StatusBadRequest, first.Code)

	second := ts.do(http.MethodPost, "/api/v1/chat", `{"question":"x"}`)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	apiErr := decodeEnvelope(t, second, nil)
	require.NotNil(t, apiErr)
	assert.Equal(t, ErrorTypeRateLimited, apiErr.Type)

	// Other endpoints are not limited.
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/v1/tables", "").Code)
}

func TestClassifyError(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	expired, cancel2 := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel2()

	kind, _ := classifyError(cancelled, context.Canceled)
	assert.Equal(t, ErrorKindCancelled, kind)
	kind, _ = classifyError(expired, errors.New("request failed"))
	assert.Equal(t, ErrorKindTimeout, kind)
	kind, _ = classifyError(context.Background(), fmt.Errorf("run: %w", agents.ErrNotFinished))
	assert.Equal(t, ErrorKindMaxIterations, kind)
	kind, _ = classifyError(context.Background(), fmt.Errorf("%w: Thought: hmm", agents.ErrUnableToParseOutput))
	assert.Equal(t, ErrorKindParse, kind)
	kind, msg := classifyError(context.Background(), errors.New("boom"))
	assert.Equal(t, ErrorKindAgent, kind)
	assert.Contains(t, msg, "boom")
}

func TestServerWithSession(t *testing.T) {
	ts := newTestServer(t, testConfig(), func(db *localtools.Database) Agent { return countArtists(db) })
	srv := httptest.NewServer(ts.echo)
	defer srv.Close()

	store := chat.NewStore(testLogger())
	session := chat.NewSession(chat.NewHTTPTransport(srv.URL, srv.Client(), testLogger()), store, chat.Options{
		Logger:      testLogger(),
		IdleTimeout: 5 * time.Second,
	})
	defer session.Close()

	require.NoError(t, session.SendMessage(context.Background(), "How many artists are there?"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, session.Wait(ctx))

	state := session.State()
	assert.False(t, state.IsStreaming)
	require.Len(t, state.Messages, 1)
	turn := state.Messages[0]
	assert.Equal(t, chat.StatusCompleted, turn.Status)
	require.NotNil(t, turn.Answer)
	assert.Equal(t, "There are 2 artists.", *turn.Answer)
	assert.Len(t, turn.Steps, 2)
	assert.NotNil(t, turn.ExecutionTime)
	assert.Equal(t, chat.PhaseIdle, session.Phase())
}
