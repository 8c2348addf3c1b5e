package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"openai", "whisper", "deepgram"},
	"tts": {"openai", "elevenlabs", "coqui"},
	"vad": {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands environment references
// in API keys, applies defaults and validates the result. An empty document
// yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandSecrets(&cfg.Providers)
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandSecrets replaces $VAR and ${VAR} references in every api_key.
func expandSecrets(p *ProvidersConfig) {
	for _, e := range []*ProviderEntry{&p.LLM, &p.STT, &p.TTS, &p.VAD} {
		e.APIKey = os.ExpandEnv(e.APIKey)
		for i := range e.Fallbacks {
			e.Fallbacks[i].APIKey = os.ExpandEnv(e.Fallbacks[i].APIKey)
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.idle_timeout %s must not be negative", cfg.Server.IdleTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	slots := []struct {
		kind  string
		entry ProviderEntry
	}{
		{"llm", cfg.Providers.LLM},
		{"stt", cfg.Providers.STT},
		{"tts", cfg.Providers.TTS},
		{"vad", cfg.Providers.VAD},
	}
	for _, s := range slots {
		validateProviderName(s.kind, s.entry.Name)
		for i, fb := range s.entry.Fallbacks {
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d].name is required", s.kind, i))
				continue
			}
			validateProviderName(s.kind, fb.Name)
			if len(fb.Fallbacks) > 0 {
				slog.Warn("nested provider fallbacks are ignored", "kind", s.kind, "name", fb.Name)
			}
		}
		if s.entry.Name == "" && len(s.entry.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("providers.%s has fallbacks but no name", s.kind))
		}
	}
	if cfg.Providers.LLM.Name == "" || cfg.Providers.STT.Name == "" || cfg.Providers.TTS.Name == "" {
		slog.Warn("providers.llm, providers.stt and providers.tts should all be configured; turns will fail until they are")
	}

	// Pipeline
	p := cfg.Pipeline
	switch p.FrameMs {
	case 10, 20, 30:
	default:
		errs = append(errs, fmt.Errorf("pipeline.frame_ms %d is invalid; valid values: 10, 20, 30", p.FrameMs))
	}
	switch p.SampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		errs = append(errs, fmt.Errorf("pipeline.sample_rate %d is invalid; valid values: 8000, 16000, 32000, 48000", p.SampleRate))
	}
	if p.VADAggressiveness < 0 || p.VADAggressiveness > 3 {
		errs = append(errs, fmt.Errorf("pipeline.vad_aggressiveness %d is out of range [0, 3]", p.VADAggressiveness))
	}
	if p.StartFrames < 0 {
		errs = append(errs, fmt.Errorf("pipeline.start_frames %d must not be negative", p.StartFrames))
	}
	for _, d := range []struct {
		name string
		val  int64
	}{
		{"end_silence", int64(p.EndSilence)},
		{"min_utterance", int64(p.MinUtterance)},
		{"interruption_cooldown", int64(p.InterruptionCooldown)},
		{"post_speech_silence", int64(p.PostSpeechSilence)},
	} {
		if d.val < 0 {
			errs = append(errs, fmt.Errorf("pipeline.%s must not be negative", d.name))
		}
	}
	if p.FrameMs > 0 && p.EndSilence > 0 && p.EndSilence < p.Frame() {
		errs = append(errs, fmt.Errorf("pipeline.end_silence %s is shorter than one frame", p.EndSilence))
	}
	if p.EnergyThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.energy_threshold %.3f is out of range [0, 1]", p.EnergyThreshold))
	}
	if p.MinSentenceChars < 0 || p.MinTranscriptChars < 0 {
		errs = append(errs, errors.New("pipeline.min_sentence_chars and pipeline.min_transcript_chars must not be negative"))
	}
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		errs = append(errs, fmt.Errorf("pipeline.temperature %.2f is out of range [0, 2]", *p.Temperature))
	}
	if p.MaxTokens < 0 || p.MaxHistoryTokens < 0 {
		errs = append(errs, errors.New("pipeline.max_tokens and pipeline.max_history_tokens must not be negative"))
	}
	if p.Voice.SpeedFactor != 0 && (p.Voice.SpeedFactor < 0.5 || p.Voice.SpeedFactor > 2.0) {
		errs = append(errs, fmt.Errorf("pipeline.voice.speed_factor %.2f is out of range [0.5, 2.0]", p.Voice.SpeedFactor))
	}

	// Archive
	a := cfg.Archive
	if a.Store != "" && !a.Store.IsValid() {
		errs = append(errs, fmt.Errorf("archive.store %q is invalid; valid values: none, file, postgres", a.Store))
	}
	if a.Store == ArchivePostgres && a.PostgresDSN == "" {
		errs = append(errs, errors.New("archive.postgres_dsn is required when archive.store is postgres"))
	}
	for model, price := range a.Prices {
		if price.Prompt < 0 || price.Completion < 0 {
			errs = append(errs, fmt.Errorf("archive.prices[%q] must not be negative", model))
		}
	}

	// Local
	if n := cfg.Local.StartFrames; n != nil && *n < 0 {
		errs = append(errs, fmt.Errorf("local.start_frames %d must not be negative", *n))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
