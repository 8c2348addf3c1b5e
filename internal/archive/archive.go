// Package archive persists a report of every finished conversation session:
// who said what, how many turns ran, the token usage and its estimated cost.
//
// Reports are written through a [Store]. The file store writes a Markdown
// report, a JSON summary and a plain transcript per session; the postgres
// sub-package keeps reports in a session_reports table; [Nop] discards them.
package archive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/parley/pkg/types"
)

// ErrNotFound is returned by [Store.Load] when no report exists for an ID.
var ErrNotFound = errors.New("archive: report not found")

// Transcript speakers.
const (
	SpeakerUser = "You"
	SpeakerBot  = "Bot"
)

// Line is one transcript entry.
type Line struct {
	Speaker string    `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// String renders the line as "Speaker: text".
func (l Line) String() string { return l.Speaker + ": " + l.Text }

// Report summarises one session.
type Report struct {
	SessionID   string      `json:"session_id"`
	Mode        string      `json:"mode"`
	Started     time.Time   `json:"started_at"`
	Ended       time.Time   `json:"ended_at"`
	Lines       []Line      `json:"transcript"`
	Turns       int         `json:"turns"`
	FailedTurns int         `json:"failed_turns"`
	Usage       types.Usage `json:"usage"`
	Model       string      `json:"model"`
	CostUSD     float64     `json:"total_cost_usd"`
}

// Duration returns the session length.
func (r Report) Duration() time.Duration {
	if r.Ended.Before(r.Started) {
		return 0
	}
	return r.Ended.Sub(r.Started)
}

// Transcript renders the transcript one line per entry.
func (r Report) Transcript() string {
	var sb strings.Builder
	for _, l := range r.Lines {
		sb.WriteString(l.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Markdown renders the human-readable session report.
func (r Report) Markdown() string {
	d := r.Duration()
	minutes := int(d / time.Minute)
	seconds := int((d % time.Minute) / time.Second)

	var sb strings.Builder
	sb.WriteString("# Parley Session Report\n\n")
	fmt.Fprintf(&sb, "**Session:** %s\n", r.SessionID)
	if r.Mode != "" {
		fmt.Fprintf(&sb, "**Mode:** %s\n", r.Mode)
	}
	fmt.Fprintf(&sb, "**Date:** %s\n", r.Started.Format(time.DateTime))
	fmt.Fprintf(&sb, "**Session Duration:** %dm %ds\n", minutes, seconds)

	sb.WriteString("\n## 1. Usage Summary\n\n")
	if r.Model != "" {
		fmt.Fprintf(&sb, "- **Model:** %s\n", r.Model)
	}
	fmt.Fprintf(&sb, "- **Turns:** %d", r.Turns)
	if r.FailedTurns > 0 {
		fmt.Fprintf(&sb, " (%d failed)", r.FailedTurns)
	}
	sb.WriteByte('\n')
	fmt.Fprintf(&sb, "- **Total Tokens:** %s\n", thousands(r.Usage.TotalTokens))
	fmt.Fprintf(&sb, "- **Total Cost (USD):** $%.6f\n", r.CostUSD)

	sb.WriteString("\n### Token Breakdown\n\n")
	sb.WriteString("| Direction | Tokens |\n")
	sb.WriteString("| :--- | :--- |\n")
	fmt.Fprintf(&sb, "| **Prompt** | %s |\n", thousands(r.Usage.PromptTokens))
	fmt.Fprintf(&sb, "| **Completion** | %s |\n", thousands(r.Usage.CompletionTokens))

	sb.WriteString("\n## 2. Full Transcript\n\n---\n")
	sb.WriteString(r.Transcript())
	return sb.String()
}

// thousands formats n with comma group separators.
func thousands(n int) string {
	s := strconv.Itoa(n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var sb strings.Builder
	if neg {
		sb.WriteByte('-')
	}
	lead := len(s) % 3
	if lead == 0 {
		lead = 3
	}
	sb.WriteString(s[:lead])
	for i := lead; i < len(s); i += 3 {
		sb.WriteByte(',')
		sb.WriteString(s[i : i+3])
	}
	return sb.String()
}

// Store persists session reports. Implementations must be safe for
// concurrent use.
type Store interface {
	// Save writes r, replacing any earlier report with the same session ID.
	Save(ctx context.Context, r Report) error

	// Load returns the report for sessionID or [ErrNotFound].
	Load(ctx context.Context, sessionID string) (Report, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// Nop is a [Store] that discards every report.
type Nop struct{}

var _ Store = Nop{}

// Save discards r.
func (Nop) Save(context.Context, Report) error { return nil }

// Load always returns [ErrNotFound].
func (Nop) Load(context.Context, string) (Report, error) { return Report{}, ErrNotFound }

// Ping always succeeds.
func (Nop) Ping(context.Context) error { return nil }

// Close does nothing.
func (Nop) Close() error { return nil }

// Price is the cost of one million tokens in USD.
type Price struct {
	Prompt     float64 `yaml:"prompt"`
	Completion float64 `yaml:"completion"`
}

// PriceTable maps model names to prices. Lookups fall back to the longest
// key that prefixes the model name, so "gpt-4o-mini" also prices
// "gpt-4o-mini-2024-07-18".
type PriceTable map[string]Price

// DefaultPrices returns list prices for common OpenAI chat models.
func DefaultPrices() PriceTable {
	return PriceTable{
		"gpt-4o-mini":  {Prompt: 0.15, Completion: 0.60},
		"gpt-4o":       {Prompt: 2.50, Completion: 10.00},
		"gpt-4.1":      {Prompt: 2.00, Completion: 8.00},
		"gpt-4.1-mini": {Prompt: 0.40, Completion: 1.60},
		"gpt-4.1-nano": {Prompt: 0.10, Completion: 0.40},
	}
}

// Lookup returns the price for model.
func (t PriceTable) Lookup(model string) (Price, bool) {
	if p, ok := t[model]; ok {
		return p, true
	}
	keys := make([]string, 0, len(t))
	for k := range t {
		if strings.HasPrefix(model, k) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return Price{}, false
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	return t[keys[0]], true
}

// Cost returns the USD cost of u on model, or 0 for unknown models.
func (t PriceTable) Cost(model string, u types.Usage) float64 {
	p, ok := t.Lookup(model)
	if !ok {
		return 0
	}
	return float64(u.PromptTokens)/1e6*p.Prompt + float64(u.CompletionTokens)/1e6*p.Completion
}
