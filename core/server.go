package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/agents"
	"github.com/tmc/langchaingo/callbacks"
	"github.com/tmc/langchaingo/chains"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/tools"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"reactsql/chat"
	"reactsql/stream"
	localtools "reactsql/tools"
)

// Question length limits, in characters.
const (
	minQuestionLength = 3
	maxQuestionLength = 1000
)

// Kinds reported in the error event of a failed query.
const (
	ErrorKindCancelled     = "cancelled"
	ErrorKindTimeout       = "timeout"
	ErrorKindMaxIterations = "max_iterations"
	ErrorKindParse         = "parse_error"
	ErrorKindAgent         = "agent_error"
)

// Agent answers one question, reporting its progress to handler.
type Agent interface {
	Run(ctx context.Context, question string, handler callbacks.Handler) (string, error)
}

// LangchainAgent is a ReAct agent over the SQL toolkit. A fresh executor is
// built for every question so each run reports to its own handler.
type LangchainAgent struct {
	llm       llms.Model
	toolsList []tools.Tool
	config    *Config
	logger    *logrus.Logger
}

// NewLangchainAgent returns an agent using llm and toolsList.
func NewLangchainAgent(llm llms.Model, toolsList []tools.Tool, config *Config, logger *logrus.Logger) *LangchainAgent {
	return &LangchainAgent{llm: llm, toolsList: toolsList, config: config, logger: logger}
}

var finalAnswer = regexp.MustCompile(`(?s)Final Answer:\s*(.*)`)

// Run implements Agent.
func (a *LangchainAgent) Run(ctx context.Context, question string, handler callbacks.Handler) (string, error) {
	agentTools := instrumentTools(a.toolsList, handler)
	executor, err := agents.Initialize(
		a.llm,
		agentTools,
		agents.ZeroShotReactDescription,
		agents.WithPrompt(CreateSQLAgentPrompt(agentTools, localtools.Dialect, a.config.QueryRowLimit)),
		agents.WithMaxIterations(a.config.MaxIterations),
		agents.WithCallbacksHandler(handler),
	)
	if err != nil {
		return "", fmt.Errorf("failed to initialize agent executor: %w", err)
	}

	result, err := chains.Run(ctx, executor, question)
	if err != nil && errors.Is(err, agents.ErrUnableToParseOutput) {
		// The model sometimes answers after the parser gave up on a
		// malformed step; the answer is still usable.
		_, raw, _ := strings.Cut(err.Error(), agents.ErrUnableToParseOutput.Error()+": ")
		if m := finalAnswer.FindStringSubmatch(raw); m != nil {
			a.logger.WithError(err).Info("Recovered final answer from unparsable agent output")
			return strings.TrimSpace(m[1]), nil
		}
	}
	return strings.TrimSpace(result), err
}

// Server is the HTTP event producer.
type Server struct {
	agent         Agent
	db            *localtools.Database
	history       *QueryHistory
	cancelManager *CancelManager
	slots         *semaphore.Weighted
	config        *Config
	logger        *logrus.Logger
	started       time.Time
	now           func() time.Time
}

// NewServer creates a new server instance with all dependencies initialized:
// the configured LLM, the SQLite database and the SQL toolkit.
func NewServer(config *Config, logger *logrus.Logger) (*Server, error) {
	logger.Info("Starting server initialization")

	llm, err := newLLM(config, logger)
	if err != nil {
		return nil, err
	}
	cleanedLLM := NewCleaningLLMWrapper(llm, config, logger)

	db, err := localtools.Open(config.DatabasePath, config.SampleRows, config.QueryRowLimit)
	if err != nil {
		logger.WithError(err).WithField("path", config.DatabasePath).Error("Failed to open database")
		return nil, err
	}

	toolsList := localtools.Toolkit(db)
	logger.WithField("toolsCount", len(toolsList)).Info("Tools initialized")

	agent := NewLangchainAgent(cleanedLLM, toolsList, config, logger)
	logger.Info("Server initialization completed successfully")
	return NewServerWith(agent, db, config, logger), nil
}

// NewServerWith assembles a server around an existing agent and database.
func NewServerWith(agent Agent, db *localtools.Database, config *Config, logger *logrus.Logger) *Server {
	return &Server{
		agent:         agent,
		db:            db,
		history:       NewQueryHistory(config.HistoryMaxAge, logger),
		cancelManager: NewCancelManager(),
		slots:         semaphore.NewWeighted(int64(max(config.MaxConcurrentRequests, 1))),
		config:        config,
		logger:        logger,
		started:       time.Now(),
		now:           time.Now,
	}
}

func newLLM(config *Config, logger *logrus.Logger) (llms.Model, error) {
	switch config.LLMProvider {
	case "gemini":
		if config.GeminiAPIKey == "" {
			return nil, errors.New("gemini API key is required when using gemini provider. Set GEMINI_API_KEY environment variable")
		}
		logger.WithFields(logrus.Fields{
			"provider": "gemini",
			"model":    config.GeminiModel,
		}).Info("Initializing Gemini LLM")
		llm, err := googleai.New(
			context.Background(),
			googleai.WithAPIKey(config.GeminiAPIKey),
			googleai.WithDefaultModel(config.GeminiModel),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Gemini LLM: %w", err)
		}
		return llm, nil

	default:
		logger.WithFields(logrus.Fields{
			"provider": "ollama",
			"endpoint": config.OllamaEndpoint,
			"model":    config.OllamaModel,
		}).Info("Initializing Ollama LLM")
		llm, err := ollama.New(
			ollama.WithServerURL(config.OllamaEndpoint),
			ollama.WithModel(config.OllamaModel),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Ollama LLM: %w", err)
		}
		return llm, nil
	}
}

// Start runs background maintenance until ctx is done.
func (s *Server) Start(ctx context.Context) {
	go s.history.Run(ctx, s.config.CleanupInterval)
}

// Close cancels running queries and closes the database.
func (s *Server) Close() error {
	if n := s.cancelManager.CancelAll(); n > 0 {
		s.logger.WithField("cancelled", n).Info("Cancelled running queries")
	}
	return s.db.Close()
}

func (s *Server) requestLogger(c echo.Context) *logrus.Entry {
	requestID := c.Request().Header.Get(echo.HeaderXRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return s.logger.WithFields(logrus.Fields{
		"requestId": requestID,
		"endpoint":  c.Path(),
		"method":    c.Request().Method,
		"clientIP":  c.RealIP(),
	})
}

func respondError(c echo.Context, code int, errorType, message string) error {
	return c.JSON(code, Envelope{Error: &APIError{Code: code, Message: message, Type: errorType}})
}

func respond(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, Envelope{Data: data})
}

// validateQuestion trims raw and checks its length and characters.
func validateQuestion(raw string) (string, error) {
	question := strings.TrimSpace(raw)
	switch n := utf8.RuneCountInString(question); {
	case n == 0:
		return "", errors.New("question is required")
	case n < minQuestionLength:
		return "", fmt.Errorf("question must be at least %d characters", minQuestionLength)
	case n > maxQuestionLength:
		return "", fmt.Errorf("question must be at most %d characters", maxQuestionLength)
	}
	if strings.ContainsFunc(question, func(r rune) bool { return r <= 0x05 }) {
		return "", errors.New("question contains invalid control characters")
	}
	return question, nil
}

// admit binds and validates the question and takes an execution slot. The
// caller must release the slot when ok is true.
func (s *Server) admit(c echo.Context, requestLogger *logrus.Entry) (question string, ok bool, err error) {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		requestLogger.WithError(err).Warn("Failed to parse request body")
		return "", false, respondError(c, http.StatusBadRequest, ErrorTypeValidation, "Invalid request body")
	}
	question, verr := validateQuestion(req.Question)
	if verr != nil {
		requestLogger.WithError(verr).Warn("Rejected question")
		return "", false, respondError(c, http.StatusBadRequest, ErrorTypeValidation, verr.Error())
	}
	if !s.slots.TryAcquire(1) {
		requestLogger.WithField("maxConcurrentRequests", s.config.MaxConcurrentRequests).Warn("Too many concurrent queries")
		return "", false, respondError(c, http.StatusServiceUnavailable, ErrorTypeUnavailable,
			"Too many queries are running. Please try again shortly.")
	}
	return question, true, nil
}

// begin registers a new query and returns its ID and context.
func (s *Server) begin(parent context.Context, question string) (string, context.Context, context.CancelFunc) {
	queryID := uuid.NewString()
	ctx, cancel := context.WithTimeout(parent, s.config.RequestTimeout)
	s.cancelManager.AddExecution(queryID, cancel)
	s.history.Start(queryID, question)
	return queryID, ctx, func() {
		s.cancelManager.RemoveExecution(queryID)
		cancel()
	}
}

func (s *Server) handleStreamChat(c echo.Context) error {
	requestLogger := s.requestLogger(c)
	requestLogger.Info("Received streaming chat request")

	question, ok, err := s.admit(c, requestLogger)
	if !ok {
		return err
	}
	defer s.slots.Release(1)

	queryID, ctx, done := s.begin(c.Request().Context(), question)
	defer done()
	requestLogger = requestLogger.WithField("queryId", queryID)

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, stream.ContentType)
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	// The agent produces events on its goroutine; the pump is the only
	// writer of the response.
	events := make(chan stream.Event)
	writerDone := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(events)
		s.execute(gctx, queryID, question, requestLogger, func(ev stream.Event) {
			select {
			case events <- ev:
			case <-writerDone:
			}
		})
		return nil
	})
	g.Go(func() error {
		defer close(writerDone)
		return s.pump(stream.NewEncoder(res), events)
	})

	if err := g.Wait(); err != nil {
		requestLogger.WithError(err).Warn("Streaming client went away")
	}
	return nil
}

// pump writes events until the channel is closed, filling silences longer
// than the heartbeat interval with heartbeats.
func (s *Server) pump(enc *stream.Encoder, events <-chan stream.Event) error {
	interval := s.config.HeartbeatInterval
	if interval <= 0 {
		interval = time.Second
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := enc.Encode(ev); err != nil {
				return fmt.Errorf("write %s event: %w", ev.Kind(), err)
			}
			heartbeat.Reset(interval)
		case <-heartbeat.C:
			if err := enc.Encode(stream.Heartbeat{Timestamp: s.now()}); err != nil {
				return fmt.Errorf("write heartbeat: %w", err)
			}
		}
	}
}

// execute runs the agent on question and emits the full event sequence of
// the query, ending with execution_complete.
func (s *Server) execute(ctx context.Context, queryID, question string, requestLogger *logrus.Entry, emit func(stream.Event)) {
	startTime := s.now()
	emit(stream.ExecutionStart{Timestamp: startTime, Question: question, QueryID: queryID})

	handler := NewEventCallbackHandler(requestLogger.WithField("component", "agent"), s.config, emit)
	handler.now = s.now

	answer, err := s.runAgent(ctx, question, handler)
	executionTime := s.now().Sub(startTime)

	if err != nil {
		kind, message := classifyError(ctx, err)
		requestLogger.WithError(err).WithFields(logrus.Fields{
			"errorType":     kind,
			"executionTime": executionTime,
		}).Error("Agent execution failed")

		emit(stream.Error{Timestamp: s.now(), Message: message, ErrorType: kind})
		status := QueryFailed
		if kind == ErrorKindCancelled {
			status = QueryCancelled
		}
		s.history.Finish(queryID, QueryOutcome{Status: status, Error: message, TotalSteps: handler.Steps()})
	} else {
		handler.Finish(answer)
		emit(stream.ExecutionSummary{Timestamp: s.now(), ExecutionTime: executionTime.Seconds(), Success: true})
		s.history.Finish(queryID, QueryOutcome{Status: QueryCompleted, Answer: answer, TotalSteps: handler.Steps()})

		requestLogger.WithFields(logrus.Fields{
			"executionTime":  executionTime,
			"totalSteps":     handler.Steps(),
			"responseLength": len(answer),
		}).Info("Agent execution completed successfully")
	}

	emit(stream.ExecutionComplete{Timestamp: s.now()})
}

func (s *Server) runAgent(ctx context.Context, question string, handler callbacks.Handler) (answer string, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("panic", r).Error("Panic occurred during execution")
			err = fmt.Errorf("execution failed due to internal error: %v", r)
		}
	}()
	return s.agent.Run(ctx, question, handler)
}

// classifyError maps an agent failure to an error kind and a message for
// the user.
func classifyError(ctx context.Context, err error) (kind, message string) {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout, "The query timed out. Please try a simpler question."
	case errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled):
		return ErrorKindCancelled, "The query was stopped before it finished."
	case errors.Is(err, agents.ErrNotFinished):
		return ErrorKindMaxIterations, "The question required too many steps to answer. Please be more specific about what you need."
	case errors.Is(err, agents.ErrUnableToParseOutput):
		return ErrorKindParse, "The agent had trouble interpreting the model output. Please try rephrasing your question."
	}
	return ErrorKindAgent, "I encountered an error processing your request: " + err.Error()
}

func (s *Server) handleChat(c echo.Context) error {
	requestLogger := s.requestLogger(c)
	requestLogger.Info("Received chat request")

	question, ok, err := s.admit(c, requestLogger)
	if !ok {
		return err
	}
	defer s.slots.Release(1)

	queryID, ctx, done := s.begin(c.Request().Context(), question)
	defer done()

	turn := chat.ChatMessage{ID: queryID, Question: question, Status: chat.StatusThinking, Timestamp: s.now()}
	var events []stream.Event
	s.execute(ctx, queryID, question, requestLogger.WithField("queryId", queryID), func(ev stream.Event) {
		events = append(events, ev)
	})
	turn, _ = chat.Replay(turn, events)

	steps := turn.Steps
	if steps == nil {
		steps = []chat.ReActStep{}
	}
	resp := ChatResponse{
		QueryID:       queryID,
		Question:      question,
		Steps:         steps,
		Summary:       chat.Summarize(steps),
		ExecutionFlow: chat.ExecutionFlow(steps),
		Success:       turn.Status == chat.StatusCompleted,
	}
	if turn.Answer != nil {
		resp.Answer = *turn.Answer
	}
	if turn.ExecutionTime != nil {
		resp.ExecutionTime = *turn.ExecutionTime
	}
	if turn.ErrorMessage != nil {
		resp.Error = *turn.ErrorMessage
	}
	return respond(c, resp)
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	health := HealthResponse{Status: "healthy", Database: "connected", Time: s.now().UTC()}
	if err := s.db.Ping(ctx); err != nil {
		s.requestLogger(c).WithError(err).Warn("Database health check failed")
		health.Status, health.Database = "unhealthy", "unavailable"
		return c.JSON(http.StatusServiceUnavailable, Envelope{Data: health})
	}
	return respond(c, health)
}

func (s *Server) handleStatus(c echo.Context) error {
	requestLogger := s.requestLogger(c)

	tables, err := s.db.Tables(c.Request().Context())
	if err != nil {
		requestLogger.WithError(err).Error("Failed to list tables")
		return respondError(c, http.StatusInternalServerError, ErrorTypeInternal, "Failed to read database")
	}

	model := s.config.OllamaModel
	if s.config.LLMProvider == "gemini" {
		model = s.config.GeminiModel
	}
	status := StatusResponse{
		Provider:         s.config.LLMProvider,
		Model:            model,
		Tables:           tables,
		ActiveExecutions: s.cancelManager.GetActiveExecutions(),
		Queries:          s.history.Stats(),
		Uptime:           s.now().Sub(s.started).Seconds(),
	}
	requestLogger.WithField("activeExecutions", len(status.ActiveExecutions)).Debug("Status check completed")
	return respond(c, status)
}

func (s *Server) handleTables(c echo.Context) error {
	tables, err := s.db.Tables(c.Request().Context())
	if err != nil {
		s.requestLogger(c).WithError(err).Error("Failed to list tables")
		return respondError(c, http.StatusInternalServerError, ErrorTypeInternal, "Failed to read database")
	}
	if tables == nil {
		tables = []string{}
	}
	return respond(c, TablesResponse{Tables: tables})
}

// Default and maximum page sizes of GET /api/v1/queries.
const (
	defaultQueryLimit = 20
	maxQueryLimit     = 100
)

func (s *Server) handleQueries(c echo.Context) error {
	limit := defaultQueryLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxQueryLimit {
			return respondError(c, http.StatusBadRequest, ErrorTypeValidation,
				fmt.Sprintf("limit must be a number between 1 and %d", maxQueryLimit))
		}
		limit = n
	}
	return respond(c, QueriesResponse{Queries: s.history.Recent(limit)})
}

func (s *Server) handleQuery(c echo.Context) error {
	rec, ok := s.history.Get(c.Param("id"))
	if !ok {
		return respondError(c, http.StatusNotFound, ErrorTypeNotFound, "Query not found")
	}
	return respond(c, rec)
}

func (s *Server) handleStop(c echo.Context) error {
	requestLogger := s.requestLogger(c)

	var req StopRequest
	if err := c.Bind(&req); err != nil {
		requestLogger.WithError(err).Warn("Failed to parse stop request body")
		return respondError(c, http.StatusBadRequest, ErrorTypeValidation, "Invalid request body")
	}
	if req.QueryID == "" {
		return respondError(c, http.StatusBadRequest, ErrorTypeValidation, "query_id is required")
	}

	requestLogger = requestLogger.WithField("queryId", req.QueryID)
	if s.cancelManager.CancelExecution(req.QueryID) {
		requestLogger.Info("Query stopped")
		return respond(c, StopResponse{Success: true, Message: "Query stopped", Stopped: true})
	}
	if _, ok := s.history.Get(req.QueryID); ok {
		requestLogger.Info("Stop requested for a finished query")
		return respond(c, StopResponse{Success: true, Message: "Query already finished", Stopped: false})
	}
	requestLogger.Warn("Stop requested for an unknown query")
	return respondError(c, http.StatusNotFound, ErrorTypeNotFound, "Query not found")
}

func (s *Server) rateLimiter() echo.MiddlewareFunc {
	if s.config.RateLimitPerSecond <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStore(rate.Limit(s.config.RateLimitPerSecond)),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return respondError(c, http.StatusForbidden, ErrorTypeValidation, "Unable to identify client")
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			s.logger.WithField("clientIP", identifier).Warn("Rate limit exceeded")
			return respondError(c, http.StatusTooManyRequests, ErrorTypeRateLimited, "Too many requests. Please slow down.")
		},
	})
}

// RegisterRoutes registers all HTTP routes under /api/v1.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	s.logger.Info("Registering routes")

	api := e.Group("/api/v1")

	chatRoutes := api.Group("/chat", s.rateLimiter())
	chatRoutes.POST("", s.handleChat)
	chatRoutes.POST("/stream", s.handleStreamChat)

	api.GET("/health", s.handleHealth)
	api.GET("/status", s.handleStatus)
	api.GET("/tables", s.handleTables)
	api.GET("/queries", s.handleQueries)
	api.GET("/queries/:id", s.handleQuery)
	api.POST("/stop", s.handleStop)

	s.logger.Info("Routes registered successfully")
}
