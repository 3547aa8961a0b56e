package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TiktokenTokenizer adapts tiktoken BPE encodings for token counting.
// Anthropic does not publish its tokenizer, so Claude models are mapped
// to cl100k_base, which tracks real usage closely enough for budget
// accounting; exact spend always comes from provider usage fields.
type TiktokenTokenizer struct {
	model    string
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

// modelEncodings maps model names to a tiktoken encoding.
var modelEncodings = map[string]string{
	"claude-sonnet-4":   "cl100k_base",
	"claude-opus-4":     "cl100k_base",
	"claude-3-5-sonnet": "cl100k_base",
	"claude-3-5-haiku":  "cl100k_base",
	"gpt-4o":            "o200k_base",
	"gpt-4o-mini":       "o200k_base",
	"gpt-4":             "cl100k_base",
}

// NewTiktokenTokenizer creates a tiktoken-backed tokenizer for the model.
func NewTiktokenTokenizer(model string) (*TiktokenTokenizer, error) {
	encoding, ok := modelEncodings[model]
	if !ok {
		for prefix, e := range modelEncodings {
			if strings.HasPrefix(model, prefix) {
				encoding = e
				ok = true
				break
			}
		}
	}
	if !ok {
		encoding = "cl100k_base"
	}

	return &TiktokenTokenizer{
		model:    model,
		encoding: encoding,
	}, nil
}

// init lazily loads the encoding (may download data on first use).
func (t *TiktokenTokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *TiktokenTokenizer) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	tokens := t.enc.Encode(text, nil, nil)
	return len(tokens), nil
}

func (t *TiktokenTokenizer) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}

// RegisterDefaultTokenizers registers tokenizers for all known models.
func RegisterDefaultTokenizers() {
	for model := range modelEncodings {
		t, err := NewTiktokenTokenizer(model)
		if err != nil {
			continue
		}
		RegisterTokenizer(model, t)
	}
}
