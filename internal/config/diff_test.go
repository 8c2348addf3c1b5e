package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
)

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	return mustLoad(t, "providers:\n  llm:\n    name: openai\n")
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()

	d := config.Diff(baseConfig(t), baseConfig(t))
	if d.LogLevelChanged || d.SessionChanged || d.IdleTimeoutChanged || len(d.RestartRequired) != 0 {
		t.Errorf("want empty diff, got %+v", d)
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		mutate      func(c *config.Config)
		wantLog     bool
		wantSession bool
		wantIdle    bool
		wantRestart []string
	}{
		{
			name:    "log level",
			mutate:  func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			wantLog: true,
		},
		{
			name:        "end silence",
			mutate:      func(c *config.Config) { c.Pipeline.EndSilence = time.Second },
			wantSession: true,
		},
		{
			name:        "system prompt",
			mutate:      func(c *config.Config) { c.Pipeline.SystemPrompt = "Speak like a pirate." },
			wantSession: true,
		},
		{
			name: "local start frames",
			mutate: func(c *config.Config) {
				n := 5
				c.Local.StartFrames = &n
			},
			wantSession: true,
		},
		{
			name:     "idle timeout",
			mutate:   func(c *config.Config) { c.Server.IdleTimeout = time.Minute },
			wantIdle: true,
		},
		{
			name:        "provider model",
			mutate:      func(c *config.Config) { c.Providers.LLM.Model = "gpt-4.1" },
			wantRestart: []string{"providers"},
		},
		{
			name: "engine tunables",
			mutate: func(c *config.Config) {
				temp := 0.1
				c.Pipeline.Temperature = &temp
				c.Pipeline.Voice.ID = "alloy"
			},
			wantRestart: []string{"pipeline.engine"},
		},
		{
			name: "listen addr and archive",
			mutate: func(c *config.Config) {
				c.Server.ListenAddr = ":9000"
				c.Archive.Store = config.ArchiveFile
			},
			wantRestart: []string{"server.listen_addr", "archive"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, updated := baseConfig(t), baseConfig(t)
			tt.mutate(updated)

			d := config.Diff(old, updated)
			if d.LogLevelChanged != tt.wantLog {
				t.Errorf("LogLevelChanged: want %v, got %v", tt.wantLog, d.LogLevelChanged)
			}
			if tt.wantLog && d.NewLogLevel != updated.Server.LogLevel {
				t.Errorf("NewLogLevel: want %q, got %q", updated.Server.LogLevel, d.NewLogLevel)
			}
			if d.SessionChanged != tt.wantSession {
				t.Errorf("SessionChanged: want %v, got %v", tt.wantSession, d.SessionChanged)
			}
			if d.IdleTimeoutChanged != tt.wantIdle {
				t.Errorf("IdleTimeoutChanged: want %v, got %v", tt.wantIdle, d.IdleTimeoutChanged)
			}
			if !slices.Equal(d.RestartRequired, tt.wantRestart) {
				t.Errorf("RestartRequired: want %v, got %v", tt.wantRestart, d.RestartRequired)
			}
		})
	}
}
