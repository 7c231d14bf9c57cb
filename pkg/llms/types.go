// Package llms provides the chat-completion providers behind every pipeline
// role: OpenAI-compatible remotes, Gemini, and a local llama.cpp server.
// The Registry resolves a role name to a provider+model binding and applies
// the shared timeout, fallback, and error-text policy.
package llms

import (
	"context"
	"encoding/base64"
	"strings"
)

// Message is one chat turn. Images carries multimodal attachments as URLs
// or data URIs; providers that cannot use them drop them.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Images  []string `json:"images,omitempty"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Options are per-call generation parameters. Zero values mean provider
// defaults; Model overrides the provider's configured model.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Stop        []string
}

// StreamChunk is one unit of streamed output.
type StreamChunk struct {
	Type   string // "text" | "done" | "error"
	Text   string
	Tokens int
	Error  error
}

// Provider is a chat-completion transport. Implementations are safe for
// concurrent use.
type Provider interface {
	Generate(ctx context.Context, messages []Message, opts Options) (string, error)
	GenerateStreaming(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error)
	ModelName() string
	Close() error
}

// Generation failures travel the data path as text so a stage can degrade
// instead of aborting the turn. ErrorText formats, IsError detects.
const errorPrefix = "Error:"

func ErrorText(err error) string {
	return errorPrefix + " " + err.Error()
}

func IsError(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), errorPrefix)
}

// parseDataURI splits a data: URI into media type and raw bytes.
func parseDataURI(uri string) (mediaType string, data []byte, ok bool) {
	if !strings.HasPrefix(uri, "data:") {
		return "", nil, false
	}
	rest := uri[len("data:"):]
	sep := strings.Index(rest, ",")
	if sep < 0 {
		return "", nil, false
	}
	meta, payload := rest[:sep], rest[sep+1:]
	if !strings.HasSuffix(meta, ";base64") {
		return "", nil, false
	}
	mediaType = strings.TrimSuffix(meta, ";base64")
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, false
	}
	return mediaType, decoded, true
}
