package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/types"
)

// summarisationPrompt is the system prompt sent to the LLM when summarising
// conversation segments.
const summarisationPrompt = `Summarise the following spoken conversation between a user and a voice assistant.
Preserve: the user's goals and questions, facts and numbers the assistant gave, decisions,
commitments, and anything the user asked the assistant to remember.
Be concise. Write plain prose without lists or markdown.`

// Summariser produces a concise summary of a conversation segment.
type Summariser interface {
	// Summarise takes a slice of messages and returns a condensed summary string.
	Summarise(ctx context.Context, messages []types.Message) (string, error)
}

// LLMSummariser uses an LLM provider to summarise conversations.
type LLMSummariser struct {
	llm llm.Provider
}

// NewLLMSummariser creates a new [LLMSummariser] backed by the given provider.
func NewLLMSummariser(provider llm.Provider) *LLMSummariser {
	return &LLMSummariser{llm: provider}
}

// Summarise renders messages as a transcript, sends it as one user message
// with the summarisation prompt and returns the model's reply.
func (s *LLMSummariser) Summarise(ctx context.Context, messages []types.Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarisationPrompt,
		Messages: []types.Message{
			{Role: types.RoleUser, Content: FormatTranscript(messages)},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("session: summarise: %w", err)
	}
	if resp == nil {
		return "", nil
	}
	return strings.TrimSpace(resp.Content), nil
}

// FormatTranscript renders user and assistant messages as "You: …" and
// "Bot: …" lines. System messages are skipped.
func FormatTranscript(messages []types.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		switch m.Role {
		case types.RoleUser:
			fmt.Fprintf(&sb, "You: %s\n", m.Content)
		case types.RoleAssistant:
			fmt.Fprintf(&sb, "Bot: %s\n", m.Content)
		}
	}
	return sb.String()
}
