package core

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// scriptedLLM answers every call with the next scripted response.
type scriptedLLM struct {
	responses []string
	err       error
	prompts   int
}

func (m *scriptedLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.prompts++
	text := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: text}}}, nil
}

func (m *scriptedLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func TestCleanAgentResponse(t *testing.T) {
	w := NewCleaningLLMWrapper(nil, &Config{LogTruncateLength: 50}, testLogger())

	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "think block removed",
			in:   "<think>which table?</think>\nThought: list tables\nAction: sql_db_list_tables\nAction Input: ",
			want: "Thought: list tables\nAction: sql_db_list_tables\nAction Input: ",
		},
		{
			name: "unterminated think block removed",
			in:   "Thought: done\nFinal Answer: 3\n<think>trailing",
			want: "Thought: done\nFinal Answer: 3",
		},
		{
			name: "fenced input unwrapped",
			in:   "Thought: run it\nAction: sql_db_query\nAction Input: ```sql\nSELECT 1\n```",
			want: "Thought: run it\nAction: sql_db_query\nAction Input: SELECT 1",
		},
		{
			name: "invented observation dropped",
			in:   "Thought: list\nAction: sql_db_list_tables\nAction Input: \nObservation: albums\nFinal Answer: albums",
			want: "Thought: list\nAction: sql_db_list_tables\nAction Input: ",
		},
		{
			name: "direct answer wrapped",
			in:   "There are 59 customers.",
			want: "Thought: I can answer directly.\nFinal Answer: There are 59 customers.",
		},
		{
			name: "empty output",
			in:   "<think>hmm</think>",
			want: "Thought: I could not produce an answer.\nFinal Answer: I was unable to answer this question. Please rephrase it.",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, w.cleanAgentResponse(tc.in))
		})
	}
}

func TestCleaningLLMWrapperGenerateContent(t *testing.T) {
	inner := &scriptedLLM{responses: []string{"<think>x</think>Final Answer: 42"}}
	w := NewCleaningLLMWrapper(inner, &Config{LogTruncateLength: 50}, testLogger())

	out, err := w.Call(context.Background(), "question")
	require.NoError(t, err)
	assert.Equal(t, "Final Answer: 42", out)
	assert.Equal(t, 1, inner.prompts)
}

func TestCleaningLLMWrapperPassesErrors(t *testing.T) {
	boom := errors.New("model unavailable")
	w := NewCleaningLLMWrapper(&scriptedLLM{err: boom}, &Config{}, testLogger())
	_, err := w.GenerateContent(context.Background(), nil)
	assert.ErrorIs(t, err, boom)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 0))
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab...", truncate("abc", 2))
}
