package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/deeptavern/deeptavern/pkg/config"
)

func TestErrorText(t *testing.T) {
	text := ErrorText(fmt.Errorf("connection refused"))

	if text != "Error: connection refused" {
		t.Errorf("ErrorText() = %q", text)
	}
	if !IsError(text) {
		t.Error("IsError() should detect formatted errors")
	}
	if IsError("很好，我们继续。") {
		t.Error("IsError() should not flag narrative text")
	}
	if !IsError("  Error: padded") {
		t.Error("IsError() should tolerate leading whitespace")
	}
}

func TestParseDataURI(t *testing.T) {
	mediaType, data, ok := parseDataURI("data:image/png;base64,aGVsbG8=")
	if !ok {
		t.Fatal("parseDataURI() failed on valid URI")
	}
	if mediaType != "image/png" {
		t.Errorf("mediaType = %q, want image/png", mediaType)
	}
	if string(data) != "hello" {
		t.Errorf("data = %q, want hello", data)
	}

	if _, _, ok := parseDataURI("https://example.com/cat.png"); ok {
		t.Error("parseDataURI() should reject plain URLs")
	}
	if _, _, ok := parseDataURI("data:image/png,rawdata"); ok {
		t.Error("parseDataURI() should reject non-base64 URIs")
	}
}

func newTestOpenAIProvider(t *testing.T, serverURL string) *OpenAIProvider {
	t.Helper()
	provider, err := NewOpenAIProvider(OpenAIConfig{
		Name:    "test",
		APIKey:  "sk-test-key",
		BaseURL: serverURL,
		Model:   "deepseek-chat",
	})
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error = %v", err)
	}
	return provider
}

func TestOpenAIProvider_Generate_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("Expected POST request, got %s", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Expected /chat/completions, got %s", r.URL.Path)
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer sk-test-key") {
			t.Errorf("Expected Bearer token, got %s", auth)
		}

		var req openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		if req.Model != "deepseek-chat" {
			t.Errorf("Expected model deepseek-chat, got %s", req.Model)
		}
		if len(req.Messages) != 2 {
			t.Errorf("Expected 2 messages, got %d", len(req.Messages))
		}
		if req.Stream {
			t.Error("Expected non-streaming request")
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "好的。"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`))
	}))
	defer server.Close()

	provider := newTestOpenAIProvider(t, server.URL)

	text, err := provider.Generate(context.Background(), []Message{
		{Role: RoleSystem, Content: "你是叙事者。"},
		{Role: RoleUser, Content: "继续。"},
	}, Options{})

	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != "好的。" {
		t.Errorf("Generate() text = %q", text)
	}
}

func TestOpenAIProvider_Generate_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "model not found", "type": "invalid_request_error"}}`))
	}))
	defer server.Close()

	provider := newTestOpenAIProvider(t, server.URL)

	_, err := provider.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Options{})
	if err == nil {
		t.Fatal("Generate() expected error on 400")
	}
	if !strings.Contains(err.Error(), "model not found") {
		t.Errorf("Generate() error should carry the API message, got %v", err)
	}
}

func TestOpenAIProvider_Generate_MultimodalParts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw struct {
			Messages []struct {
				Role    string          `json:"role"`
				Content json.RawMessage `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}

		// Image-bearing message must be sent as a parts array.
		var parts []openAIContentPart
		if err := json.Unmarshal(raw.Messages[0].Content, &parts); err != nil {
			t.Errorf("Expected content parts array, got %s", raw.Messages[0].Content)
		} else {
			if len(parts) != 2 {
				t.Errorf("Expected 2 parts, got %d", len(parts))
			}
			if parts[1].Type != "image_url" || parts[1].ImageURL == nil {
				t.Errorf("Expected image_url part, got %+v", parts[1])
			}
		}

		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "看到了。"}, "finish_reason": "stop"}]}`))
	}))
	defer server.Close()

	provider := newTestOpenAIProvider(t, server.URL)

	_, err := provider.Generate(context.Background(), []Message{
		{Role: RoleUser, Content: "看看这个", Images: []string{"data:image/png;base64,aGVsbG8="}},
	}, Options{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
}

func TestOpenAIProvider_GenerateStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("Expected streaming request")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"夜色\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"渐深。\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer server.Close()

	provider := newTestOpenAIProvider(t, server.URL)

	ch, err := provider.GenerateStreaming(context.Background(), []Message{{Role: RoleUser, Content: "继续"}}, Options{})
	if err != nil {
		t.Fatalf("GenerateStreaming() error = %v", err)
	}

	var text strings.Builder
	sawDone := false
	for chunk := range ch {
		switch chunk.Type {
		case "text":
			text.WriteString(chunk.Text)
		case "done":
			sawDone = true
		case "error":
			t.Fatalf("unexpected error chunk: %v", chunk.Error)
		}
	}

	if text.String() != "夜色渐深。" {
		t.Errorf("streamed text = %q", text.String())
	}
	if !sawDone {
		t.Error("stream should end with a done chunk")
	}
}

func TestOpenAIProvider_GenerateStreaming_ErrorChunk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "bad request"}}`))
	}))
	defer server.Close()

	provider := newTestOpenAIProvider(t, server.URL)

	ch, err := provider.GenerateStreaming(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Options{})
	if err != nil {
		t.Fatalf("GenerateStreaming() error = %v", err)
	}

	var last StreamChunk
	for chunk := range ch {
		last = chunk
	}
	if last.Type != "error" || last.Error == nil {
		t.Errorf("expected trailing error chunk, got %+v", last)
	}
}

func TestLocalProvider_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/completion" {
			t.Errorf("Expected /completion, got %s", r.URL.Path)
		}
		var payload llamaCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("Failed to decode payload: %v", err)
		}
		if !strings.HasSuffix(payload.Prompt, "Assistant:") {
			t.Errorf("Prompt should end with the assistant cue, got %q", payload.Prompt)
		}
		_, _ = w.Write([]byte(`{"content": " 总结：旅途开始了。 "}`))
	}))
	defer server.Close()

	provider, err := NewLocalProvider(LocalConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewLocalProvider() error = %v", err)
	}
	defer provider.Close()

	text, err := provider.Generate(context.Background(), []Message{
		{Role: RoleSystem, Content: "你是压缩器。"},
		{Role: RoleUser, Content: "总结对话。"},
	}, Options{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != "总结：旅途开始了。" {
		t.Errorf("Generate() text = %q, want trimmed content", text)
	}
}

func TestLocalProvider_SingletonPerTarget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content": "x"}`))
	}))
	defer server.Close()

	a, err := NewLocalProvider(LocalConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewLocalProvider() error = %v", err)
	}
	defer a.Close()

	b, err := NewLocalProvider(LocalConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewLocalProvider() error = %v", err)
	}

	if a != b {
		t.Error("same target should return the same provider instance")
	}
}

func TestFlattenPrompt(t *testing.T) {
	prompt := flattenPrompt([]Message{
		{Role: RoleSystem, Content: "规则。"},
		{Role: RoleUser, Content: "你好"},
		{Role: RoleAssistant, Content: "你好，旅人。"},
		{Role: RoleUser, Content: "继续"},
	})

	want := "规则。\n\nUser: 你好\nAssistant: 你好，旅人。\nUser: 继续\nAssistant:"
	if prompt != want {
		t.Errorf("flattenPrompt() = %q, want %q", prompt, want)
	}
}

func TestGeminiProvider_RequiresAPIKey(t *testing.T) {
	if _, err := NewGeminiProvider(GeminiConfig{}); err == nil {
		t.Error("NewGeminiProvider() should require an API key")
	}
}

func registryConfig(primaryURL, fallbackURL string) *config.Config {
	cfg := &config.Config{
		Providers: map[string]config.ProviderConfig{
			"primary": {Type: "openai", BaseURL: primaryURL, APIKey: "k", Model: "primary-model"},
		},
		Roles: map[string]config.RoleConfig{
			"narrator": {Provider: "primary"},
		},
	}
	if fallbackURL != "" {
		cfg.Providers["backup"] = config.ProviderConfig{Type: "openai", BaseURL: fallbackURL, APIKey: "k", Model: "backup-model"}
		cfg.Fallback = config.FallbackConfig{Provider: "backup"}
	}
	cfg.SetDefaults()
	return cfg
}

func TestRegistry_CallReturnsErrorText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "no such model"}}`))
	}))
	defer server.Close()

	registry, err := NewRegistry(registryConfig(server.URL, ""))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	result := registry.Call(context.Background(), "narrator", []Message{{Role: RoleUser, Content: "hi"}})
	if !IsError(result) {
		t.Errorf("Call() should return error text, got %q", result)
	}
}

func TestRegistry_CallUsesFallback(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "down"}}`))
	}))
	defer primary.Close()

	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "备用回答"}, "finish_reason": "stop"}]}`))
	}))
	defer fallback.Close()

	registry, err := NewRegistry(registryConfig(primary.URL, fallback.URL))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	result := registry.Call(context.Background(), "narrator", []Message{{Role: RoleUser, Content: "hi"}})
	if IsError(result) {
		t.Fatalf("Call() should have used the fallback, got %q", result)
	}
	if result != "备用回答" {
		t.Errorf("Call() = %q, want fallback answer", result)
	}
}

func TestRegistry_UnboundRoleFallsBackToNarrator(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "ok"}}]}`))
	}))
	defer server.Close()

	registry, err := NewRegistry(registryConfig(server.URL, ""))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	if got := registry.ModelFor("director"); got != "primary-model" {
		t.Errorf("ModelFor(director) = %q, want the narrator's model", got)
	}
}
