package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/pkg/types"
)

// charsPerToken is the heuristic ratio used for token estimation.
// English text averages roughly 4 characters per token across common
// LLM tokenizers.
const charsPerToken = 4

// ContextManager is a bounded [engine.History]. It pins the system
// instruction, estimates the token size of the remaining turns and, once the
// estimate exceeds thresholdRatio × maxTokens, replaces the oldest half of the
// turns by an LLM-written summary.
//
// All methods are safe for concurrent use.
type ContextManager struct {
	maxTokens      int
	thresholdRatio float64
	summariser     Summariser
	system         string

	mu            sync.Mutex
	currentTokens int
	messages      []types.Message
	summaries     []string
}

var _ engine.History = (*ContextManager)(nil)

// ContextManagerConfig configures a [ContextManager].
type ContextManagerConfig struct {
	// SystemPrompt is the pinned first message. It is never summarised and
	// does not count against MaxTokens.
	SystemPrompt string

	// MaxTokens is the history budget in estimated tokens.
	MaxTokens int

	// ThresholdRatio is the fraction of MaxTokens at which summarisation is
	// triggered. Defaults to 0.75 if zero or negative.
	ThresholdRatio float64

	// Summariser compresses older messages when the threshold is exceeded.
	// Must not be nil.
	Summariser Summariser
}

// NewContextManager creates a new [ContextManager] with the given configuration.
func NewContextManager(cfg ContextManagerConfig) *ContextManager {
	ratio := cfg.ThresholdRatio
	if ratio <= 0 {
		ratio = 0.75
	}
	return &ContextManager{
		maxTokens:      cfg.MaxTokens,
		thresholdRatio: ratio,
		summariser:     cfg.Summariser,
		system:         cfg.SystemPrompt,
	}
}

// Append adds msg and summarises the oldest half of the turns when the
// estimate passes the threshold. A failed summarisation keeps msg and every
// older turn; the error is returned so the caller can log it.
func (cm *ContextManager) Append(ctx context.Context, msg types.Message) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.messages = append(cm.messages, msg)
	cm.currentTokens += estimateTokens(msg)

	threshold := int(float64(cm.maxTokens) * cm.thresholdRatio)
	if cm.currentTokens > threshold && len(cm.messages) > 1 {
		if err := cm.summariseOldest(ctx); err != nil {
			return fmt.Errorf("session: summarise history: %w", err)
		}
	}
	return nil
}

// Messages returns the system instruction, one system message per summary
// and then the retained turns.
func (cm *ContextManager) Messages() []types.Message {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	result := make([]types.Message, 0, 1+len(cm.summaries)+len(cm.messages))
	if cm.system != "" {
		result = append(result, types.Message{Role: types.RoleSystem, Content: cm.system})
	}
	for _, s := range cm.summaries {
		result = append(result, types.Message{
			Role:    types.RoleSystem,
			Content: "Summary of the earlier conversation: " + s,
		})
	}
	return append(result, cm.messages...)
}

// Summaries returns the summaries produced so far, oldest first.
func (cm *ContextManager) Summaries() []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	out := make([]string, len(cm.summaries))
	copy(out, cm.summaries)
	return out
}

// TokenEstimate returns the current estimated token count, including
// summary tokens.
func (cm *ContextManager) TokenEstimate() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.currentTokens
}

// summariseOldest compresses the oldest half of messages into a summary.
// Must be called with cm.mu held.
func (cm *ContextManager) summariseOldest(ctx context.Context) error {
	half := len(cm.messages) / 2
	if half == 0 {
		half = 1
	}

	toSummarise := make([]types.Message, half)
	copy(toSummarise, cm.messages[:half])

	// The LLM call runs without the lock. Turns are appended by one goroutine
	// per session, so the prefix cannot change meanwhile.
	cm.mu.Unlock()
	summary, err := cm.summariser.Summarise(ctx, toSummarise)
	cm.mu.Lock()
	if err != nil {
		return err
	}

	removed := 0
	for _, m := range cm.messages[:half] {
		removed += estimateTokens(m)
	}
	cm.messages = append([]types.Message(nil), cm.messages[half:]...)
	cm.currentTokens -= removed

	cm.summaries = append(cm.summaries, summary)
	cm.currentTokens += len(summary) / charsPerToken
	return nil
}

// estimateTokens returns a rough token count for a single message using
// the 1-token-per-4-characters heuristic.
func estimateTokens(m types.Message) int {
	chars := len(m.Content) + len(m.Role)
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}
