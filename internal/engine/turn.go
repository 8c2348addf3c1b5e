package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

// Defaults applied by [New].
const (
	DefaultMinTranscriptChars = 2
	DefaultMinSentenceChars   = 20
	DefaultTemperature        = 0.7
)

// Engine orchestrates STT, LLM and TTS for one turn at a time. A single
// Engine is shared by every session; it holds no per-session state and is
// safe for concurrent use.
type Engine struct {
	stt stt.Provider
	llm llm.Provider
	tts tts.Provider

	minTranscriptChars int
	minSentenceChars   int
	temperature        float64
	maxTokens          int
	voice              types.VoiceProfile
	language           string
	metrics            *observe.Metrics
	names              providerNames
}

// providerNames label provider metrics.
type providerNames struct {
	stt, llm, tts string
}

// Option is a functional option for [New].
type Option func(*Engine)

// WithMinTranscriptChars sets the shortest trimmed transcript, in characters,
// that starts a turn. Shorter transcripts are dropped.
func WithMinTranscriptChars(n int) Option {
	return func(e *Engine) { e.minTranscriptChars = n }
}

// WithMinSentenceChars sets the splitter's minimum sentence length.
func WithMinSentenceChars(n int) Option {
	return func(e *Engine) { e.minSentenceChars = n }
}

// WithTemperature sets the completion temperature.
func WithTemperature(t float64) Option {
	return func(e *Engine) { e.temperature = t }
}

// WithMaxTokens caps completion tokens per reply. Zero uses the provider
// default.
func WithMaxTokens(n int) Option {
	return func(e *Engine) { e.maxTokens = n }
}

// WithVoice sets the voice used for synthesis.
func WithVoice(v types.VoiceProfile) Option {
	return func(e *Engine) { e.voice = v }
}

// WithLanguage sets the language hint passed to the STT provider.
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.language = lang }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithProviderNames sets the provider labels used on request metrics.
func WithProviderNames(sttName, llmName, ttsName string) Option {
	return func(e *Engine) { e.names = providerNames{stt: sttName, llm: llmName, tts: ttsName} }
}

// New creates an Engine from explicitly constructed providers.
func New(sttP stt.Provider, llmP llm.Provider, ttsP tts.Provider, opts ...Option) *Engine {
	e := &Engine{
		stt:                sttP,
		llm:                llmP,
		tts:                ttsP,
		minTranscriptChars: DefaultMinTranscriptChars,
		minSentenceChars:   DefaultMinSentenceChars,
		temperature:        DefaultTemperature,
		names:              providerNames{stt: "stt", llm: "llm", tts: "tts"},
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// HandleUtterance runs one turn for u on sess.
//
// The session is marked processing for the whole turn. When the transcript
// is too short the turn ends without touching the history. Otherwise the user
// message is appended, the reply is streamed token by token, and every
// complete sentence is synthesized on the turn's dispatcher. The assistant
// message is appended only when the stream ended cleanly.
//
// Whatever happens, the turn ends with processing cleared and a ready status.
// Failures are reported as an error event just before that status. The
// returned error is the turn failure, or the context error when ctx was
// cancelled.
func (e *Engine) HandleUtterance(ctx context.Context, sess Session, u pipeline.Utterance) (err error) {
	start := time.Now()
	ctx = observe.WithSessionID(ctx, sess.ID())
	ctx, span := observe.StartSpan(ctx, "engine.turn")
	defer span.End()
	log := observe.Logger(ctx)
	em := sess.Emitter()

	sess.SetProcessing(true)
	e.metrics.ActiveTurns.Add(ctx, 1)

	var (
		turn     Turn
		appended bool
	)
	defer func() {
		e.metrics.ActiveTurns.Add(ctx, -1)
		status := "ok"
		switch {
		case err != nil && ctx.Err() != nil:
			status = "cancelled"
		case err != nil:
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Warn("turn failed", "err", err)
		}
		if appended {
			turn.Err = err
			sess.EndTurn(turn)
			e.metrics.RecordTurn(ctx, status, time.Since(start).Seconds())
		}
		if err != nil && ctx.Err() == nil {
			em.Error(err.Error())
		}
		sess.SetProcessing(false)
		em.Status(pipeline.StatusReady)
	}()

	text, err := e.transcribe(ctx, u)
	if err != nil {
		return err
	}
	if utf8.RuneCountInString(text) < e.minTranscriptChars {
		e.metrics.RecordUtterance(ctx, "empty")
		log.Debug("transcript too short, turn dropped", "text", text)
		return nil
	}
	e.metrics.RecordUtterance(ctx, "accepted")

	if err := sess.History().Append(ctx, types.Message{Role: types.RoleUser, Content: text}); err != nil {
		return fmt.Errorf("engine: append user turn: %w", err)
	}
	appended = true
	turn.User = text
	em.Transcription(text)
	log.Info("user said", "text", text)

	reply, usage, total, err := e.respond(ctx, sess)
	turn.Usage = usage
	if err != nil {
		return err
	}
	turn.Assistant = reply
	span.SetAttributes(attribute.Int("parley.sentences", total))

	if err := sess.History().Append(ctx, types.Message{Role: types.RoleAssistant, Content: reply}); err != nil {
		return fmt.Errorf("engine: append assistant turn: %w", err)
	}
	log.Info("turn complete", "sentences", total, "duration", time.Since(start))
	return nil
}

// transcribe runs STT on u and returns the trimmed text.
func (e *Engine) transcribe(ctx context.Context, u pipeline.Utterance) (string, error) {
	ctx, span := observe.StartSpan(ctx, "engine.stt")
	defer span.End()

	start := time.Now()
	tr, err := e.stt.Transcribe(ctx, stt.Request{
		Samples:    u.Samples(),
		SampleRate: u.SampleRate,
		Language:   e.language,
	})
	e.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		e.recordProvider(ctx, e.names.stt, "stt", err)
		span.RecordError(err)
		return "", fmt.Errorf("engine: transcribe: %w", err)
	}
	e.recordProvider(ctx, e.names.stt, "stt", nil)
	return strings.TrimSpace(tr.Text), nil
}

// respond streams the completion for the current history through the
// splitter into a fresh dispatcher. It returns the full reply, the reported
// usage and the number of sentences.
//
// A stream error after the dispatcher started still waits for the sentences
// already submitted, so partial replies play out before the error is
// reported.
func (e *Engine) respond(ctx context.Context, sess Session) (string, types.Usage, int, error) {
	llmCtx, span := observe.StartSpan(ctx, "engine.llm")
	defer span.End()

	req := llm.CompletionRequest{
		Messages:    sess.History().Messages(),
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
	}
	start := time.Now()
	ch, err := e.llm.StreamCompletion(llmCtx, req)
	if err != nil {
		e.recordProvider(ctx, e.names.llm, "llm", err)
		span.RecordError(err)
		return "", types.Usage{}, 0, fmt.Errorf("engine: start completion: %w", err)
	}

	em := sess.Emitter()
	disp := pipeline.NewDispatcher(ctx, e.synthesize, &emitSink{
		ctx:     ctx,
		em:      em,
		metrics: e.metrics,
		log:     observe.Logger(ctx),
	})
	splitter := pipeline.NewSplitter(e.minSentenceChars, em.Token, disp.Submit)

	var (
		reply     strings.Builder
		usage     types.Usage
		streamErr error
		first     = true
	)
	for chunk := range ch {
		if chunk.Usage != nil {
			usage = usage.Add(*chunk.Usage)
		}
		if streamErr != nil {
			continue
		}
		if err := chunk.Err(); err != nil {
			streamErr = err
			continue
		}
		if chunk.Text == "" {
			continue
		}
		if first {
			first = false
			e.metrics.LLMFirstToken.Record(ctx, time.Since(start).Seconds())
		}
		reply.WriteString(chunk.Text)
		splitter.Push(chunk.Text)
	}
	e.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	e.metrics.RecordTokens(ctx, usage.PromptTokens, usage.CompletionTokens)

	if streamErr == nil && ctx.Err() == nil {
		splitter.Flush()
	}
	total, finishErr := disp.Finish()

	if err := ctx.Err(); err != nil {
		return "", usage, 0, err
	}
	if streamErr != nil {
		e.recordProvider(ctx, e.names.llm, "llm", streamErr)
		span.RecordError(streamErr)
		return "", usage, total, fmt.Errorf("engine: completion stream: %w", streamErr)
	}
	if finishErr != nil {
		return "", usage, total, fmt.Errorf("engine: synthesis: %w", finishErr)
	}
	e.recordProvider(ctx, e.names.llm, "llm", nil)
	return reply.String(), usage, total, nil
}

// synthesize is the dispatcher's [pipeline.SynthesizeFunc].
func (e *Engine) synthesize(ctx context.Context, text string) ([]byte, error) {
	ctx, span := observe.StartSpan(ctx, "engine.tts")
	defer span.End()

	start := time.Now()
	audio, err := e.tts.Synthesize(ctx, text, e.voice)
	e.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil && ctx.Err() == nil {
		e.recordProvider(ctx, e.names.tts, "tts", err)
		span.RecordError(err)
		return nil, fmt.Errorf("engine: synthesize: %w", err)
	}
	if err == nil {
		e.recordProvider(ctx, e.names.tts, "tts", nil)
	}
	return audio, err
}

func (e *Engine) recordProvider(ctx context.Context, name, kind string, err error) {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		e.metrics.RecordProviderRequest(ctx, name, kind, "error")
		e.metrics.RecordProviderError(ctx, name, kind)
		return
	}
	e.metrics.RecordProviderRequest(ctx, name, kind, "ok")
}

// emitSink adapts an [Emitter] to the dispatcher's [pipeline.Sink].
type emitSink struct {
	ctx     context.Context
	em      Emitter
	metrics *observe.Metrics
	log     *slog.Logger
}

func (s *emitSink) Chunk(index int, audio []byte) {
	s.metrics.RecordSentence(s.ctx, "chunk")
	s.em.Audio(index, audio)
}

func (s *emitSink) Skip(index int, err error) {
	s.metrics.RecordSentence(s.ctx, "skip")
	if err != nil {
		s.log.Warn("sentence synthesis failed", "index", index, "err", err)
	} else {
		s.log.Warn("sentence synthesis returned no audio", "index", index)
	}
	s.em.AudioSkip(index)
}

func (s *emitSink) TurnComplete(total int) {
	s.em.TurnComplete(total)
}
