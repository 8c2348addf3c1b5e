package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when a tunable read at session creation changed:
	// segmentation, VAD, the duplex guard, the system prompt or the history
	// budget. New sessions pick these up; live sessions keep their settings.
	SessionChanged bool

	// IdleTimeoutChanged is true when server.idle_timeout changed.
	IdleTimeoutChanged bool

	// RestartRequired names the changed settings that only take effect after
	// a restart, such as providers or the listen address.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.IdleTimeoutChanged = old.Server.IdleTimeout != new.Server.IdleTimeout
	d.SessionChanged = sessionTunables(old.Pipeline) != sessionTunables(new.Pipeline) ||
		derefInt(old.Local.StartFrames) != derefInt(new.Local.StartFrames)

	restart := []struct {
		name    string
		changed bool
	}{
		{"server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr},
		{"server.tls", !reflect.DeepEqual(old.Server.TLS, new.Server.TLS)},
		{"server.allowed_origins", !reflect.DeepEqual(old.Server.AllowedOrigins, new.Server.AllowedOrigins)},
		{"providers", !reflect.DeepEqual(old.Providers, new.Providers)},
		{"pipeline.engine", engineTunables(old.Pipeline) != engineTunables(new.Pipeline)},
		{"archive", !reflect.DeepEqual(old.Archive, new.Archive)},
		{"local", old.Local.CaptureCommand != new.Local.CaptureCommand || old.Local.PlayerCommand != new.Local.PlayerCommand},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartRequired = append(d.RestartRequired, r.name)
		}
	}
	return d
}

// sessionFields are the pipeline settings copied into each new session.
type sessionFields struct {
	frameMs, sampleRate, aggressiveness, startFrames int
	endSilence, minUtterance, cooldown, postSilence int64
	energy                                          float64
	systemPrompt                                    string
	maxHistoryTokens                                int
}

func sessionTunables(p PipelineConfig) sessionFields {
	return sessionFields{
		frameMs:          p.FrameMs,
		sampleRate:       p.SampleRate,
		aggressiveness:   p.VADAggressiveness,
		startFrames:      p.StartFrames,
		endSilence:       int64(p.EndSilence),
		minUtterance:     int64(p.MinUtterance),
		cooldown:         int64(p.InterruptionCooldown),
		postSilence:      int64(p.PostSpeechSilence),
		energy:           p.EnergyThreshold,
		systemPrompt:     p.SystemPrompt,
		maxHistoryTokens: p.MaxHistoryTokens,
	}
}

// engineFields are the pipeline settings fixed when the engine is built.
type engineFields struct {
	minSentence, minTranscript, maxTokens int
	temperature                           float64
	voice                                 VoiceConfig
	language                              string
}

func engineTunables(p PipelineConfig) engineFields {
	f := engineFields{
		minSentence:   p.MinSentenceChars,
		minTranscript: p.MinTranscriptChars,
		maxTokens:     p.MaxTokens,
		voice:         p.Voice,
		language:      p.Language,
	}
	if p.Temperature != nil {
		f.temperature = *p.Temperature
	}
	return f
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
