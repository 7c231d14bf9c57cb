package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/deeptavern/deeptavern/pkg/orchestrator"
)

const chatModel = "deep-tavern"

// chatMessage carries OpenAI-shaped content: either a plain string or a
// list of multimodal parts, of which only the text parts matter here.
type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type chatRequest struct {
	Messages []chatMessage `json:"messages"`
	Input    string        `json:"input"`
	Stream   bool          `json:"stream"`
	DeepMode bool          `json:"deep_mode"`
	LiteMode bool          `json:"lite_mode"`
}

// handleChatCompletions is the OpenAI-compatible turn entry point. The
// last user message (or the bare `input` field) becomes the turn input;
// the reply is an SSE chunk stream or a one-shot completion object.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	input := req.Input
	if input == "" {
		input = lastUserText(req.Messages)
	}
	if strings.TrimSpace(input) == "" {
		respondError(w, http.StatusBadRequest, "no user input found")
		return
	}

	chunks, err := s.d.Orc.Chat(r.Context(), input, req.DeepMode, req.LiteMode)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Stream {
		s.streamCompletion(w, chunks)
		return
	}
	s.completeOnce(w, chunks)
}

// lastUserText walks the message list backwards and extracts the text of
// the newest user message, concatenating multimodal text parts.
func lastUserText(messages []chatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		return textContent(messages[i].Content)
	}
	return ""
}

func textContent(raw json.RawMessage) string {
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}

	var sb strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// streamCompletion relays turn chunks as OpenAI chat.completion.chunk
// events. Director previews ride the log bus instead of the reply
// stream, so only text and error chunks become deltas.
func (s *Server) streamCompletion(w http.ResponseWriter, chunks <-chan orchestrator.Chunk) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	id := fmt.Sprintf("chatcmpl-%d", time.Now().UnixMilli())
	created := time.Now().Unix()

	emit := func(delta map[string]any, finish any) {
		chunk := map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   chatModel,
			"choices": []map[string]any{
				{"index": 0, "delta": delta, "finish_reason": finish},
			},
		}
		body, err := json.Marshal(chunk)
		if err != nil {
			slog.Warn("Failed to marshal SSE chunk", "error", err)
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", body)
		flusher.Flush()
	}

	emit(map[string]any{"role": "assistant"}, nil)
	for c := range chunks {
		switch c.Type {
		case "text", "error":
			emit(map[string]any{"content": c.Text}, nil)
		}
	}
	emit(map[string]any{}, "stop")

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// completeOnce drains the turn and replies with a single completion
// object.
func (s *Server) completeOnce(w http.ResponseWriter, chunks <-chan orchestrator.Chunk) {
	var sb strings.Builder
	for c := range chunks {
		if c.Type == "text" || c.Type == "error" {
			sb.WriteString(c.Text)
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"id":      fmt.Sprintf("chatcmpl-%d", time.Now().UnixMilli()),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   chatModel,
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": sb.String()},
				"finish_reason": "stop",
			},
		},
	})
}
