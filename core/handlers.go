package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/callbacks"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/tools"

	"reactsql/stream"
)

// VerboseCallbackHandler logs every agent callback of one request.
type VerboseCallbackHandler struct {
	requestLogger *logrus.Entry
	iteration     int // LLM calls so far
	config        *Config
}

var _ callbacks.Handler = (*VerboseCallbackHandler)(nil)

func NewVerboseCallbackHandler(requestLogger *logrus.Entry, config *Config) *VerboseCallbackHandler {
	return &VerboseCallbackHandler{
		requestLogger: requestLogger,
		config:        config,
	}
}

func (h *VerboseCallbackHandler) truncateForLog(text string) string {
	return truncate(text, h.config.LogTruncateLength)
}

func (h *VerboseCallbackHandler) log() *logrus.Entry {
	return h.requestLogger.WithField("iteration", h.iteration)
}

func (h *VerboseCallbackHandler) HandleText(ctx context.Context, text string) {
	h.log().WithField("text", h.truncateForLog(text)).Debug("Agent processing text")
}

func (h *VerboseCallbackHandler) HandleLLMStart(ctx context.Context, prompts []string) {
	h.log().WithField("promptCount", len(prompts)).Debug("LLM call started")
}

func (h *VerboseCallbackHandler) HandleLLMGenerateContentStart(ctx context.Context, ms []llms.MessageContent) {
	h.iteration++
	h.log().WithField("messageCount", len(ms)).Debug("LLM content generation started")
}

func (h *VerboseCallbackHandler) HandleLLMGenerateContentEnd(ctx context.Context, res *llms.ContentResponse) {
	var content string
	if res != nil && len(res.Choices) > 0 {
		content = res.Choices[0].Content
	}
	h.log().WithFields(logrus.Fields{
		"response":       h.truncateForLog(content),
		"responseLength": len(content),
	}).Debug("LLM content generation completed")
}

func (h *VerboseCallbackHandler) HandleLLMError(ctx context.Context, err error) {
	h.log().WithError(err).Error("LLM call failed")
}

func (h *VerboseCallbackHandler) HandleChainStart(ctx context.Context, inputs map[string]any) {
	h.log().Debug("Agent chain execution started")
}

func (h *VerboseCallbackHandler) HandleChainEnd(ctx context.Context, outputs map[string]any) {
	h.log().Debug("Agent chain execution completed")
}

func (h *VerboseCallbackHandler) HandleChainError(ctx context.Context, err error) {
	h.log().WithError(err).Warn("Agent chain execution failed")
}

func (h *VerboseCallbackHandler) HandleToolStart(ctx context.Context, input string) {
	h.log().WithField("input", h.truncateForLog(input)).Info("Tool execution started")
}

func (h *VerboseCallbackHandler) HandleToolEnd(ctx context.Context, output string) {
	h.log().WithFields(logrus.Fields{
		"output":       h.truncateForLog(output),
		"outputLength": len(output),
	}).Info("Tool execution completed")
}

func (h *VerboseCallbackHandler) HandleToolError(ctx context.Context, err error) {
	h.log().WithError(err).Error("Tool execution failed")
}

func (h *VerboseCallbackHandler) HandleAgentAction(ctx context.Context, action schema.AgentAction) {
	h.log().WithFields(logrus.Fields{
		"action":    action.Tool,
		"input":     h.truncateForLog(action.ToolInput),
		"reasoning": h.truncateForLog(action.Log),
	}).Info("Agent decided on action")
}

func (h *VerboseCallbackHandler) HandleAgentFinish(ctx context.Context, finish schema.AgentFinish) {
	output, _ := finish.ReturnValues["output"].(string)
	h.log().WithField("finalResponse", h.truncateForLog(output)).Info("Agent finished")
}

func (h *VerboseCallbackHandler) HandleRetrieverStart(ctx context.Context, query string) {}

func (h *VerboseCallbackHandler) HandleRetrieverEnd(ctx context.Context, query string, documents []schema.Document) {
}

func (h *VerboseCallbackHandler) HandleStreamingFunc(ctx context.Context, chunk []byte) {}

// EventCallbackHandler turns agent callbacks into stream events: one
// agent_action per planned tool call, one agent_observation per tool result
// and agent_finish when the agent returns its answer.
type EventCallbackHandler struct {
	*VerboseCallbackHandler
	emit func(stream.Event)
	now  func() time.Time

	mutex    sync.Mutex
	step     int
	observed bool // the current step has its observation
	finished bool
}

// NewEventCallbackHandler returns a handler passing every event to emit.
// emit is called from the agent's goroutine and must not block for long.
func NewEventCallbackHandler(requestLogger *logrus.Entry, config *Config, emit func(stream.Event)) *EventCallbackHandler {
	return &EventCallbackHandler{
		VerboseCallbackHandler: NewVerboseCallbackHandler(requestLogger, config),
		emit:                   emit,
		now:                    time.Now,
		observed:               true,
	}
}

func (h *EventCallbackHandler) HandleAgentAction(ctx context.Context, action schema.AgentAction) {
	h.VerboseCallbackHandler.HandleAgentAction(ctx, action)

	h.mutex.Lock()
	h.step++
	step := h.step
	h.observed = false
	h.mutex.Unlock()

	h.emit(stream.AgentAction{
		Timestamp:  h.now(),
		StepNumber: step,
		Thought:    ExtractThought(action.Log),
		Action:     NewAction(action.Tool, action.ToolInput),
	})

	// The executor answers unknown tools itself without calling any tool.
	if !KnownTool(action.Tool) {
		h.observe(fmt.Sprintf("%s is not a valid tool, try another one", action.Tool), action.Tool, false)
	}
}

func (h *EventCallbackHandler) HandleToolEnd(ctx context.Context, output string) {
	h.VerboseCallbackHandler.HandleToolEnd(ctx, output)
	h.observe(output, h.currentTool(ctx), strings.TrimSpace(output) != "")
}

func (h *EventCallbackHandler) HandleToolError(ctx context.Context, err error) {
	h.VerboseCallbackHandler.HandleToolError(ctx, err)
	h.observe("Error: "+err.Error(), h.currentTool(ctx), false)
}

func (h *EventCallbackHandler) HandleAgentFinish(ctx context.Context, finish schema.AgentFinish) {
	h.VerboseCallbackHandler.HandleAgentFinish(ctx, finish)
	output, _ := finish.ReturnValues["output"].(string)
	h.Finish(output)
}

// Finish emits agent_finish with answer unless the agent already finished.
func (h *EventCallbackHandler) Finish(answer string) {
	h.mutex.Lock()
	if h.finished {
		h.mutex.Unlock()
		return
	}
	h.finished = true
	steps := h.step
	h.mutex.Unlock()

	h.emit(stream.AgentFinish{
		Timestamp:   h.now(),
		FinalAnswer: strings.TrimSpace(answer),
		TotalSteps:  steps,
	})
}

// Finished reports whether agent_finish was emitted.
func (h *EventCallbackHandler) Finished() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.finished
}

// Steps returns the number of actions emitted so far.
func (h *EventCallbackHandler) Steps() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.step
}

func (h *EventCallbackHandler) observe(result, tool string, success bool) {
	h.mutex.Lock()
	if h.step == 0 || h.observed {
		h.mutex.Unlock()
		h.requestLogger.WithField("tool", tool).Debug("Tool result without a pending action")
		return
	}
	h.observed = true
	step := h.step
	h.mutex.Unlock()

	h.emit(stream.AgentObservation{
		Timestamp:  h.now(),
		StepNumber: step,
		Observation: stream.Observation{
			Result:     result,
			ResultType: DetectResultType(result, tool),
			Success:    success,
		},
	})
}

type toolNameKey struct{}

func (h *EventCallbackHandler) currentTool(ctx context.Context) string {
	name, _ := ctx.Value(toolNameKey{}).(string)
	return name
}

// observedTool reports tool calls to a callback handler. The agent executor
// does not invoke tool callbacks on its own.
type observedTool struct {
	tools.Tool
	handler callbacks.Handler
}

func instrumentTools(agentTools []tools.Tool, handler callbacks.Handler) []tools.Tool {
	out := make([]tools.Tool, len(agentTools))
	for i, t := range agentTools {
		out[i] = observedTool{Tool: t, handler: handler}
	}
	return out
}

func (t observedTool) Call(ctx context.Context, input string) (string, error) {
	ctx = context.WithValue(ctx, toolNameKey{}, t.Name())
	t.handler.HandleToolStart(ctx, input)
	output, err := t.Tool.Call(ctx, input)
	if err != nil {
		t.handler.HandleToolError(ctx, err)
		return output, err
	}
	t.handler.HandleToolEnd(ctx, output)
	return output, nil
}

var (
	_ callbacks.Handler = (*EventCallbackHandler)(nil)
	_ tools.Tool        = observedTool{}
)
