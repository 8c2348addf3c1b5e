package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/parley/pkg/provider/llm"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
	"github.com/MrWong99/parley/pkg/types"
)

func TestLLMSummariser_Summarise(t *testing.T) {
	t.Parallel()

	t.Run("empty messages returns empty string", func(t *testing.T) {
		p := &llmmock.Provider{}
		s := NewLLMSummariser(p)

		result, err := s.Summarise(context.Background(), nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result != "" {
			t.Errorf("expected empty string, got %q", result)
		}
		if len(p.CompleteCalls) != 0 {
			t.Errorf("expected no LLM calls for empty input, got %d", len(p.CompleteCalls))
		}
	})

	t.Run("summarises messages via LLM", func(t *testing.T) {
		p := &llmmock.Provider{
			CompleteResponse: &llm.CompletionResponse{Content: " The user booked a table for two. "},
		}
		s := NewLLMSummariser(p)

		msgs := []types.Message{
			{Role: types.RoleSystem, Content: "Be brief."},
			{Role: types.RoleUser, Content: "Book a table for two."},
			{Role: types.RoleAssistant, Content: "Done, seven o'clock."},
		}

		result, err := s.Summarise(context.Background(), msgs)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result != "The user booked a table for two." {
			t.Errorf("unexpected result: %q", result)
		}

		if len(p.CompleteCalls) != 1 {
			t.Fatalf("expected 1 Complete call, got %d", len(p.CompleteCalls))
		}
		call := p.CompleteCalls[0]
		if call.Req.SystemPrompt != summarisationPrompt {
			t.Errorf("expected summarisation prompt, got %q", call.Req.SystemPrompt)
		}
		if len(call.Req.Messages) != 1 || call.Req.Messages[0].Role != types.RoleUser {
			t.Fatalf("expected a single user message, got %+v", call.Req.Messages)
		}
		want := "You: Book a table for two.\nBot: Done, seven o'clock.\n"
		if got := call.Req.Messages[0].Content; got != want {
			t.Errorf("want transcript %q, got %q", want, got)
		}
	})

	t.Run("propagates LLM errors", func(t *testing.T) {
		p := &llmmock.Provider{CompleteErr: errors.New("model overloaded")}
		s := NewLLMSummariser(p)

		_, err := s.Summarise(context.Background(), []types.Message{{Role: types.RoleUser, Content: "Hello"}})
		if err == nil {
			t.Fatal("expected error, got nil")
		}
		if !strings.Contains(err.Error(), "model overloaded") {
			t.Errorf("expected wrapped error, got %v", err)
		}
	})
}
