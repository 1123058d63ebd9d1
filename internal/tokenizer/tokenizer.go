// Package tokenizer estimates token counts for display and usage
// attribution. Counts come from tiktoken encodings when available and
// fall back to a bytes/4 approximation, so callers always get a number.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/cmux/cmux/internal/common/logger"
	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// defaultEncoding covers current-generation models well enough for
// estimates.
const defaultEncoding = "o200k_base"

// Tokenizer counts tokens in text.
type Tokenizer interface {
	// Name identifies the encoding, or "approx" for the fallback.
	Name() string
	Count(text string) int
}

// Service hands out tokenizers per model, caching loaded encodings.
type Service struct {
	logger *logger.Logger

	mu    sync.Mutex
	cache map[string]Tokenizer
}

// NewService creates an empty tokenizer cache.
func NewService(log *logger.Logger) *Service {
	return &Service{
		logger: log.WithComponent("tokenizer"),
		cache:  make(map[string]Tokenizer),
	}
}

// ForModel returns a tokenizer for a "provider:model" string. Loading
// happens synchronously on first use; on failure the approximate
// tokenizer is cached so the cost is paid once.
func (s *Service) ForModel(model string) Tokenizer {
	encoding := encodingForModel(model)

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok, ok := s.cache[encoding]; ok {
		return tok
	}

	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		s.logger.Warn("falling back to approximate tokenizer",
			zap.String("model", model),
			zap.String("encoding", encoding),
			zap.Error(err))
		tok := Approximate()
		s.cache[encoding] = tok
		return tok
	}
	tok := &tiktokenTokenizer{name: encoding, enc: enc}
	s.cache[encoding] = tok
	return tok
}

// Preload warms the encoding for a model so the first stream delta does
// not stall on tokenizer setup.
func (s *Service) Preload(model string) {
	s.ForModel(model)
}

// encodingForModel maps a model string to a tiktoken encoding name.
func encodingForModel(model string) string {
	name := model
	if i := strings.Index(model, ":"); i >= 0 {
		name = model[i+1:]
	}
	switch {
	case strings.HasPrefix(name, "gpt-4o"), strings.HasPrefix(name, "gpt-5"),
		strings.HasPrefix(name, "o1"), strings.HasPrefix(name, "o3"), strings.HasPrefix(name, "o4"):
		return "o200k_base"
	case strings.HasPrefix(name, "gpt-4"), strings.HasPrefix(name, "gpt-3.5"):
		return "cl100k_base"
	default:
		return defaultEncoding
	}
}

type tiktokenTokenizer struct {
	name string
	enc  *tiktoken.Tiktoken
}

func (t *tiktokenTokenizer) Name() string { return t.name }

func (t *tiktokenTokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

type approxTokenizer struct{}

func (approxTokenizer) Name() string { return "approx" }

// Count approximates one token per four bytes, rounded up.
func (approxTokenizer) Count(text string) int {
	return (len(text) + 3) / 4
}

// Approximate returns the bytes/4 fallback tokenizer.
func Approximate() Tokenizer {
	return approxTokenizer{}
}
