package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LocalProvider drives a llama.cpp server over its native /completion API.
// One instance exists per model path; a generation mutex serialises calls
// because the server degrades badly under concurrent requests.
type LocalProvider struct {
	modelPath  string
	baseURL    string
	httpClient *http.Client

	genMu sync.Mutex

	cmd *exec.Cmd // set when this process spawned the server
}

type LocalConfig struct {
	ModelPath string
	// BaseURL of an already running server. Empty means spawn one.
	BaseURL string
	// ServerBin is the llama-server binary; default "llama-server".
	ServerBin string
	CtxSize   int
}

var (
	localMu     sync.Mutex
	localByPath = map[string]*LocalProvider{}
)

// NewLocalProvider returns the provider for a model path, creating and
// starting it on first use.
func NewLocalProvider(cfg LocalConfig) (*LocalProvider, error) {
	if cfg.ModelPath == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("local provider needs a model path or base URL")
	}

	key := cfg.ModelPath
	if key == "" {
		key = cfg.BaseURL
	}

	localMu.Lock()
	defer localMu.Unlock()

	if p, ok := localByPath[key]; ok {
		return p, nil
	}

	p := &LocalProvider{
		modelPath:  cfg.ModelPath,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}

	if p.baseURL == "" {
		if err := p.spawn(cfg); err != nil {
			return nil, err
		}
	}

	localByPath[key] = p
	return p, nil
}

func (p *LocalProvider) spawn(cfg LocalConfig) error {
	bin := cfg.ServerBin
	if bin == "" {
		bin = "llama-server"
	}
	ctxSize := cfg.CtxSize
	if ctxSize <= 0 {
		ctxSize = 8192
	}

	port, err := freePort()
	if err != nil {
		return fmt.Errorf("failed to pick a port: %w", err)
	}

	cmd := exec.Command(bin,
		"-m", cfg.ModelPath,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
		"-c", strconv.Itoa(ctxSize),
	)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start llama server: %w", err)
	}

	p.cmd = cmd
	p.baseURL = fmt.Sprintf("http://127.0.0.1:%d", port)

	slog.Info("Started llama server", "model", cfg.ModelPath, "url", p.baseURL)

	if err := p.waitReady(60 * time.Second); err != nil {
		_ = cmd.Process.Kill()
		return err
	}
	return nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func (p *LocalProvider) waitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := p.httpClient.Get(p.baseURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("llama server did not become ready within %s", timeout)
}

func (p *LocalProvider) ModelName() string {
	if p.modelPath != "" {
		return p.modelPath
	}
	return p.baseURL
}

func (p *LocalProvider) Close() error {
	localMu.Lock()
	defer localMu.Unlock()

	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
		_, _ = p.cmd.Process.Wait()
		p.cmd = nil
	}
	for key, prov := range localByPath {
		if prov == p {
			delete(localByPath, key)
		}
	}
	return nil
}

type llamaCompletionRequest struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop,omitempty"`
}

type llamaCompletionResponse struct {
	Content string `json:"content"`
}

func (p *LocalProvider) Generate(ctx context.Context, messages []Message, opts Options) (string, error) {
	p.genMu.Lock()
	defer p.genMu.Unlock()

	payload := llamaCompletionRequest{
		Prompt:      flattenPrompt(messages),
		NPredict:    2048,
		Temperature: 0.2,
		Stop:        opts.Stop,
	}
	if opts.MaxTokens > 0 {
		payload.NPredict = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		payload.Temperature = opts.Temperature
	}
	if len(payload.Stop) == 0 {
		payload.Stop = []string{"\nUser:"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal completion payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read completion response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var completion llamaCompletionResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return "", fmt.Errorf("failed to parse completion response: %w", err)
	}

	return strings.TrimSpace(completion.Content), nil
}

// GenerateStreaming satisfies Provider. Local roles produce short summaries
// and plans, so the whole completion is emitted as a single chunk.
func (p *LocalProvider) GenerateStreaming(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error) {
	outputCh := make(chan StreamChunk, 2)

	go func() {
		defer close(outputCh)

		text, err := p.Generate(ctx, messages, opts)
		if err != nil {
			outputCh <- StreamChunk{Type: "error", Error: err}
			return
		}
		outputCh <- StreamChunk{Type: "text", Text: text}
		outputCh <- StreamChunk{Type: "done"}
	}()

	return outputCh, nil
}

// flattenPrompt renders chat turns as plain text for the raw completion
// endpoint, ending on the assistant cue.
func flattenPrompt(messages []Message) string {
	var b strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			b.WriteString(msg.Content)
			b.WriteString("\n\n")
		case RoleAssistant:
			b.WriteString("Assistant: ")
			b.WriteString(msg.Content)
			b.WriteString("\n")
		default:
			b.WriteString("User: ")
			b.WriteString(msg.Content)
			b.WriteString("\n")
		}
	}
	b.WriteString("Assistant:")
	return b.String()
}
