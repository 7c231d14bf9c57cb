package llms

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens for budget decisions: the memory-spine cap
// and the interaction-log prompt size. Encodings are cached per model.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
}

var (
	encodingCache   = map[string]*tiktoken.Tiktoken{}
	encodingCacheMu sync.Mutex
)

// NewTokenCounter builds a counter for a model, falling back to the
// cl100k_base encoding for models tiktoken does not know.
func NewTokenCounter(model string) (*TokenCounter, error) {
	encodingCacheMu.Lock()
	defer encodingCacheMu.Unlock()

	if cached, ok := encodingCache[model]; ok {
		return &TokenCounter{encoding: cached}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	encodingCache[model] = encoding
	return &TokenCounter{encoding: encoding}, nil
}

// Count returns the token count for a text. A nil counter estimates at
// four bytes per token so callers need no guard.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.encoding == nil {
		return len(text) / 4
	}
	return len(tc.encoding.Encode(text, nil, nil))
}
