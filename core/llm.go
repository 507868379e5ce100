package core

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"
)

// CleaningLLMWrapper sits between the agent and the model and rewrites model
// output into the ReAct format the agent parser accepts.
type CleaningLLMWrapper struct {
	wrappedLLM llms.Model
	config     *Config
	logger     *logrus.Logger
}

var _ llms.Model = (*CleaningLLMWrapper)(nil)

// NewCleaningLLMWrapper wraps llm.
//
// Parameters:
//   - llm: The underlying language model to wrap
//   - config: Application configuration, for log truncation
//   - logger: Logger instance for monitoring LLM interactions
//
// Returns:
//   - *CleaningLLMWrapper: Configured wrapper ready for use
func NewCleaningLLMWrapper(llm llms.Model, config *Config, logger *logrus.Logger) *CleaningLLMWrapper {
	return &CleaningLLMWrapper{
		wrappedLLM: llm,
		config:     config,
		logger:     logger,
	}
}

var (
	thinkBlock       = regexp.MustCompile(`(?is)<think>.*?</think>`)
	openThink        = regexp.MustCompile(`(?is)<think>.*`)
	reasoningBlock   = regexp.MustCompile(`(?is)<reasoning>.*?</reasoning>`)
	blankLines       = regexp.MustCompile(`\n\s*\n\s*\n+`)
	emptyActionInput = regexp.MustCompile(`(?m)^Action Input:[ \t]*$`)
	// Models like to fence SQL; the query tool must receive bare SQL.
	fencedInput = regexp.MustCompile("(?s)Action Input:\\s*```(?:sql|sqlite)?\\s*(.*?)\\s*```")
	// Everything after an Observation the model invented itself is discarded.
	hallucinatedObservation = regexp.MustCompile(`(?s)\nObservation:.*`)
)

// cleanAgentResponse normalises one model answer.
func (w *CleaningLLMWrapper) cleanAgentResponse(response string) string {
	cleaned := thinkBlock.ReplaceAllString(response, "")
	cleaned = openThink.ReplaceAllString(cleaned, "")
	cleaned = reasoningBlock.ReplaceAllString(cleaned, "")
	cleaned = strings.TrimSpace(cleaned)
	cleaned = blankLines.ReplaceAllString(cleaned, "\n\n")

	if fencedInput.MatchString(cleaned) {
		w.logger.Debug("Unwrapping fenced Action Input")
		cleaned = fencedInput.ReplaceAllString(cleaned, "Action Input: $1")
	}

	action, final := strings.Index(cleaned, "Action:"), strings.Index(cleaned, "Final Answer:")
	if action >= 0 && (final < 0 || action < final) {
		cleaned = hallucinatedObservation.ReplaceAllString(cleaned, "")
	}

	// The agent parser needs a value after the label, even an empty one.
	if emptyActionInput.MatchString(cleaned) {
		cleaned = emptyActionInput.ReplaceAllString(cleaned, "Action Input: ")
	}

	hasAgentFormat := strings.Contains(cleaned, "Action:") || strings.Contains(cleaned, "Final Answer:")
	if !hasAgentFormat && cleaned != "" {
		w.logger.WithFields(logrus.Fields{
			"originalLength": len(response),
			"cleanedLength":  len(cleaned),
		}).Info("Wrapping direct response in Final Answer format")
		cleaned = fmt.Sprintf("Thought: I can answer directly.\nFinal Answer: %s", strings.TrimPrefix(cleaned, "Thought:"))
	}

	if cleaned == "" {
		return "Thought: I could not produce an answer.\nFinal Answer: I was unable to answer this question. Please rephrase it."
	}
	return cleaned
}

// GenerateContent implements llms.Model.
func (w *CleaningLLMWrapper) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	response, err := w.wrappedLLM.GenerateContent(ctx, messages, options...)
	if err != nil {
		return response, err
	}

	if response != nil {
		for i := range response.Choices {
			original := response.Choices[i].Content
			cleaned := w.cleanAgentResponse(original)
			response.Choices[i].Content = cleaned

			if original != cleaned {
				w.logger.WithFields(logrus.Fields{
					"originalLength":  len(original),
					"cleanedLength":   len(cleaned),
					"originalPreview": truncate(original, w.config.LogTruncateLength),
				}).Debug("Cleaned LLM response content")
			}
		}
	}

	return response, nil
}

// Call implements llms.Model.
func (w *CleaningLLMWrapper) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, w, prompt, options...)
}

// truncate shortens text to limit bytes for logging.
func truncate(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	return text[:limit] + "..."
}
