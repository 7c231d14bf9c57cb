package llms

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiProvider uses the official google.golang.org/genai SDK.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

type GeminiConfig struct {
	APIKey string
	Model  string
}

func NewGeminiProvider(cfg GeminiConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiProvider{
		client: client,
		model:  cfg.Model,
	}, nil
}

func (p *GeminiProvider) ModelName() string { return p.model }

func (p *GeminiProvider) Close() error { return nil }

func (p *GeminiProvider) Generate(ctx context.Context, messages []Message, opts Options) (string, error) {
	contents, config := p.buildRequest(messages, opts)

	model := p.model
	if opts.Model != "" {
		model = opts.Model
	}

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return "", fmt.Errorf("Gemini generation failed: %w", err)
	}

	return collectText(resp), nil
}

func (p *GeminiProvider) GenerateStreaming(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error) {
	contents, config := p.buildRequest(messages, opts)

	model := p.model
	if opts.Model != "" {
		model = opts.Model
	}

	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)

		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				outputCh <- StreamChunk{Type: "error", Error: fmt.Errorf("Gemini streaming error: %w", err)}
				return
			}
			if text := collectText(resp); text != "" {
				select {
				case outputCh <- StreamChunk{Type: "text", Text: text}:
				case <-ctx.Done():
					return
				}
			}
		}

		outputCh <- StreamChunk{Type: "done"}
	}()

	return outputCh, nil
}

// buildRequest converts chat messages to Gemini contents. System turns
// become the system instruction; assistant turns map to the model role.
func (p *GeminiProvider) buildRequest(messages []Message, opts Options) ([]*genai.Content, *genai.GenerateContentConfig) {
	var contents []*genai.Content
	var systemParts []string

	for _, msg := range messages {
		if msg.Role == RoleSystem {
			systemParts = append(systemParts, msg.Content)
			continue
		}

		var parts []*genai.Part
		if msg.Content != "" {
			parts = append(parts, &genai.Part{Text: msg.Content})
		}
		for _, img := range msg.Images {
			if mediaType, data, ok := parseDataURI(img); ok {
				parts = append(parts, &genai.Part{
					InlineData: &genai.Blob{MIMEType: mediaType, Data: data},
				})
			} else {
				parts = append(parts, &genai.Part{
					FileData: &genai.FileData{FileURI: img},
				})
			}
		}
		if len(parts) == 0 {
			continue
		}

		role := "user"
		if msg.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	config := &genai.GenerateContentConfig{}
	if len(systemParts) > 0 {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: strings.Join(systemParts, "\n\n")}},
		}
	}
	if opts.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(opts.Temperature))
	}
	if opts.MaxTokens > 0 {
		config.MaxOutputTokens = int32(opts.MaxTokens)
	}
	if len(opts.Stop) > 0 {
		config.StopSequences = opts.Stop
	}

	return contents, config
}

func collectText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range candidate.Content.Parts {
		if part.Text != "" && !part.Thought {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}
