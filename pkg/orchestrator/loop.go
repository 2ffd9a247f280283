// DotPersona - local-first multi-persona conversational agent
// License: MIT
//
// Copyright (c) 2026 DotPersona contributors

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/completion"
	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/dotsetgreg/dotpersona/pkg/prompt"
	"github.com/dotsetgreg/dotpersona/pkg/providers"
)

// MaxLoops is the iteration budget for one logical request.
const MaxLoops = 4

// Corrector produces the note appended after a rejected candidate.
type Corrector func(kind completion.Kind, attempt int, reason string) string

// DefaultCorrector names the failure and restates the output contract.
func DefaultCorrector(kind completion.Kind, attempt int, reason string) string {
	return fmt.Sprintf(
		"Your previous answer was rejected: %s. Reply again with JSON only, satisfying every requirement for a %s result.",
		strings.TrimSuffix(strings.TrimSpace(reason), "."), kind)
}

// Target identifies the persona a request runs for.
type Target struct {
	PersonaID     string
	ModelOverride string
}

// Outcome is a validated candidate. Applying it is the caller's job.
type Outcome struct {
	Kind     completion.Kind
	Value    completion.Parsed
	Raw      string
	Attempts int
	Model    string
}

type Config struct {
	MaxLoops     int
	DefaultModel string
	MaxTokens    int
	Temperature  float64
	Corrector    Corrector
	// TransportBackoff is the pause after a failed model call, scaled by attempt.
	TransportBackoff time.Duration
}

// Loop drives the bounded call-parse-validate cycle.
type Loop struct {
	provider  providers.LLMProvider
	builder   *prompt.Builder
	cfg       Config
	corrector Corrector
	halted    atomic.Bool
}

func NewLoop(provider providers.LLMProvider, builder *prompt.Builder, cfg Config) *Loop {
	if cfg.MaxLoops <= 0 || cfg.MaxLoops > MaxLoops {
		cfg.MaxLoops = MaxLoops
	}
	corrector := cfg.Corrector
	if corrector == nil {
		corrector = DefaultCorrector
	}
	if builder == nil {
		builder = prompt.NewBuilder(0)
	}
	return &Loop{provider: provider, builder: builder, cfg: cfg, corrector: corrector}
}

// Halt stops further iterations. A call already in flight is allowed to finish.
func (l *Loop) Halt() { l.halted.Store(true) }

// Resume re-enables iterations after Halt.
func (l *Loop) Resume() { l.halted.Store(false) }

func (l *Loop) Halted() bool { return l.halted.Load() }

// Run executes kind for target.
func (l *Loop) Run(ctx context.Context, kind completion.Kind, pc prompt.Context, target Target) (Outcome, error) {
	return l.run(ctx, kind, pc, target, nil)
}

// RunStream is Run with incremental model output delivered to onChunk. Chunks
// from rejected attempts are delivered too; callers render only the outcome.
func (l *Loop) RunStream(ctx context.Context, kind completion.Kind, pc prompt.Context, target Target, onChunk func(string)) (Outcome, error) {
	return l.run(ctx, kind, pc, target, onChunk)
}

func (l *Loop) model(target Target) string {
	if m := strings.TrimSpace(target.ModelOverride); m != "" {
		return m
	}
	if m := strings.TrimSpace(l.cfg.DefaultModel); m != "" {
		return m
	}
	return l.provider.GetDefaultModel()
}

func (l *Loop) options() map[string]interface{} {
	opts := map[string]interface{}{}
	if l.cfg.MaxTokens > 0 {
		opts["max_tokens"] = l.cfg.MaxTokens
	}
	if l.cfg.Temperature > 0 {
		opts["temperature"] = l.cfg.Temperature
	}
	return opts
}

func (l *Loop) run(ctx context.Context, kind completion.Kind, pc prompt.Context, target Target, onChunk func(string)) (Outcome, error) {
	if l.provider == nil {
		return Outcome{}, fmt.Errorf("orchestrator: provider not configured")
	}
	if !kind.Valid() {
		return Outcome{}, fmt.Errorf("orchestrator: unknown kind %q", kind)
	}
	pc.Kind = kind
	rendered, err := l.builder.Build(pc)
	if err != nil {
		return Outcome{}, fmt.Errorf("orchestrator: %w", err)
	}

	model := l.model(target)
	opts := l.options()
	var (
		lastReason string
		lastErr    error
		lastRaw    string
	)

	for attempt := 1; attempt <= l.cfg.MaxLoops; attempt++ {
		if l.halted.Load() {
			return Outcome{}, ErrHalted
		}
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}

		msgs := rendered.Transcript()
		if lastReason != "" {
			if lastRaw != "" {
				msgs = append(msgs, providers.Message{Role: "assistant", Content: lastRaw})
			}
			msgs = append(msgs, providers.Message{Role: "user", Content: l.corrector(kind, attempt, lastReason)})
		}

		resp, callErr := l.call(ctx, msgs, model, opts, onChunk)
		if callErr != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			tf := &TransportFailure{Attempt: attempt, Err: callErr}
			lastErr = tf
			lastReason = "model call failed: " + callErr.Error()
			lastRaw = ""
			logger.WarnCF("orchestrator", "Model call failed", map[string]interface{}{
				"kind":       string(kind),
				"persona_id": target.PersonaID,
				"attempt":    attempt,
				"retryable":  tf.Retryable(),
				"error":      callErr,
			})
			if attempt < l.cfg.MaxLoops && !l.backoff(ctx, attempt) {
				return Outcome{}, ctx.Err()
			}
			continue
		}

		parsed := completion.Parse(resp.Content)
		verdict := completion.Validate(kind, parsed)
		if verdict.OK {
			logger.DebugCF("orchestrator", "Candidate accepted", map[string]interface{}{
				"kind":       string(kind),
				"persona_id": target.PersonaID,
				"attempt":    attempt,
			})
			return Outcome{Kind: kind, Value: parsed, Raw: resp.Content, Attempts: attempt, Model: model}, nil
		}

		lastErr = verdict.Err(kind)
		lastReason = verdict.Reason
		lastRaw = resp.Content
		logger.InfoCF("orchestrator", "Candidate rejected", map[string]interface{}{
			"kind":       string(kind),
			"persona_id": target.PersonaID,
			"attempt":    attempt,
			"reason":     verdict.Reason,
		})
	}

	return Outcome{}, &ExhaustedError{Kind: kind, LastReason: lastReason, Attempts: l.cfg.MaxLoops, LastErr: lastErr}
}

func (l *Loop) call(ctx context.Context, msgs []providers.Message, model string, opts map[string]interface{}, onChunk func(string)) (*providers.LLMResponse, error) {
	if onChunk != nil {
		if sp, ok := l.provider.(providers.StreamingProvider); ok {
			return sp.ChatStream(ctx, msgs, model, opts, onChunk)
		}
	}
	resp, err := l.provider.Chat(ctx, msgs, model, opts)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("provider returned no response")
	}
	if onChunk != nil && resp.Content != "" {
		onChunk(resp.Content)
	}
	return resp, nil
}

// backoff waits before the next attempt. Returns false when ctx ended.
func (l *Loop) backoff(ctx context.Context, attempt int) bool {
	if l.cfg.TransportBackoff <= 0 {
		return true
	}
	timer := time.NewTimer(time.Duration(attempt) * l.cfg.TransportBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
