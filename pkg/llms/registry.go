package llms

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/deeptavern/deeptavern/pkg/config"
	"github.com/deeptavern/deeptavern/pkg/observability"
)

// DefaultTimeout bounds one generation end to end.
const DefaultTimeout = 300 * time.Second

type binding struct {
	provider    Provider
	model       string
	temperature float64
}

func (b binding) options() Options {
	return Options{Model: b.model, Temperature: b.temperature}
}

// Registry resolves pipeline roles to providers and applies the shared
// call policy: 300s timeout, fallback provider after the primary exhausts
// its retries (non-streaming only), failures as "Error:" text.
type Registry struct {
	providers map[string]Provider
	bindings  map[string]binding
	fallback  *binding
}

func NewRegistry(cfg *config.Config) (*Registry, error) {
	providers := make(map[string]Provider, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		var (
			p   Provider
			err error
		)
		switch pc.Type {
		case "gemini":
			p, err = NewGeminiProvider(GeminiConfig{
				APIKey: pc.APIKey,
				Model:  pc.Model,
			})
		default:
			p, err = NewOpenAIProvider(OpenAIConfig{
				Name:    name,
				APIKey:  pc.APIKey,
				BaseURL: pc.BaseURL,
				Model:   pc.Model,
			})
		}
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		providers[name] = p
	}

	bindings := make(map[string]binding, len(config.WellKnownRoles))
	for _, role := range config.WellKnownRoles {
		rc := cfg.Role(role)

		if rc.LocalPath != "" {
			p, err := NewLocalProvider(LocalConfig{ModelPath: rc.LocalPath})
			if err != nil {
				return nil, fmt.Errorf("role %q: %w", role, err)
			}
			bindings[role] = binding{provider: p, temperature: rc.Temperature}
			continue
		}

		p, ok := providers[rc.Provider]
		if !ok {
			return nil, fmt.Errorf("role %q has no provider binding", role)
		}
		model := rc.Model
		if model == "" {
			model = cfg.Providers[rc.Provider].Model
		}
		bindings[role] = binding{provider: p, model: model, temperature: rc.Temperature}
	}

	r := &Registry{providers: providers, bindings: bindings}

	if cfg.Fallback.Provider != "" {
		p, ok := providers[cfg.Fallback.Provider]
		if !ok {
			return nil, fmt.Errorf("fallback provider %q not configured", cfg.Fallback.Provider)
		}
		model := cfg.Fallback.Model
		if model == "" {
			model = cfg.Providers[cfg.Fallback.Provider].Model
		}
		r.fallback = &binding{provider: p, model: model}
	}

	return r, nil
}

// ModelFor reports the model a role resolves to, for logging.
func (r *Registry) ModelFor(role string) string {
	if b, ok := r.bindings[role]; ok {
		if b.model != "" {
			return b.model
		}
		return b.provider.ModelName()
	}
	return ""
}

// Call runs a non-streaming generation for a role. The result is either the
// model text or an "Error:" string; callers check with IsError.
func (r *Registry) Call(ctx context.Context, role string, messages []Message) string {
	b, ok := r.bindings[role]
	if !ok {
		return ErrorText(fmt.Errorf("unknown role %q", role))
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	tracer := observability.GetTracer("deeptavern.llm")
	ctx, span := tracer.Start(ctx, "llm.generate",
		trace.WithAttributes(
			attribute.String("llm.role", role),
			attribute.String("llm.model", b.model),
		),
	)
	defer span.End()

	start := time.Now()
	text, err := b.provider.Generate(ctx, messages, b.options())

	if err != nil && r.fallback != nil && r.fallback.provider != b.provider {
		slog.Warn("Primary provider failed, using fallback", "role", role, "error", err)
		text, err = r.fallback.provider.Generate(ctx, messages, r.fallback.options())
	}

	duration := time.Since(start)
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordLLMCall(ctx, role, b.model, duration, err)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ErrorText(err)
	}

	span.SetStatus(codes.Ok, "")
	return text
}

// Stream runs a streaming generation for a role. Streaming never falls
// back: a half-delivered narration cannot be restarted transparently.
func (r *Registry) Stream(ctx context.Context, role string, messages []Message) (<-chan StreamChunk, error) {
	b, ok := r.bindings[role]
	if !ok {
		return nil, fmt.Errorf("unknown role %q", role)
	}

	inner, err := b.provider.GenerateStreaming(ctx, messages, b.options())
	if err != nil {
		return nil, err
	}

	outputCh := make(chan StreamChunk, 100)
	start := time.Now()

	go func() {
		defer close(outputCh)

		var streamErr error
		for chunk := range inner {
			if chunk.Type == "error" {
				streamErr = chunk.Error
			}
			outputCh <- chunk
		}

		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordLLMCall(ctx, role, b.model, time.Since(start), streamErr)
		}
	}()

	return outputCh, nil
}

// Close shuts down every provider, including spawned local servers.
func (r *Registry) Close() error {
	var firstErr error
	for name, p := range r.providers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("provider %q: %w", name, err)
		}
	}
	for _, b := range r.bindings {
		if _, ok := b.provider.(*LocalProvider); ok {
			if err := b.provider.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

var (
	_ Provider = (*OpenAIProvider)(nil)
	_ Provider = (*GeminiProvider)(nil)
	_ Provider = (*LocalProvider)(nil)
)
