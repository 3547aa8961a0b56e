package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimator_EmptyText(t *testing.T) {
	e := NewEstimatorTokenizer("test-model")
	n, err := e.CountTokens("")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEstimator_ASCII(t *testing.T) {
	e := NewEstimatorTokenizer("test-model")

	// ASCII estimates at ~4 chars per token.
	n, err := e.CountTokens(strings.Repeat("a", 400))
	require.NoError(t, err)
	assert.Equal(t, 100, n)
}

func TestEstimator_CJKWeighsHeavier(t *testing.T) {
	e := NewEstimatorTokenizer("test-model")

	ascii, err := e.CountTokens(strings.Repeat("a", 30))
	require.NoError(t, err)
	cjk, err := e.CountTokens(strings.Repeat("数", 30))
	require.NoError(t, err)

	assert.Greater(t, cjk, ascii, "CJK text should estimate more tokens per character")
}

func TestEstimator_NeverZeroForNonEmpty(t *testing.T) {
	e := NewEstimatorTokenizer("test-model")
	n, err := e.CountTokens("x")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGetTokenizer_PrefixMatch(t *testing.T) {
	RegisterTokenizer("prefix-model", NewEstimatorTokenizer("prefix-model"))

	tok, err := GetTokenizer("prefix-model-20260101")
	require.NoError(t, err)
	assert.Equal(t, "estimator[prefix-model]", tok.Name())
}

func TestGetTokenizerOrEstimator_Fallback(t *testing.T) {
	tok := GetTokenizerOrEstimator("completely-unknown-model")
	require.NotNil(t, tok)

	n, err := tok.CountTokens("hello world")
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}

func TestTiktoken_EncodingSelection(t *testing.T) {
	tok, err := NewTiktokenTokenizer("claude-sonnet-4-20250514")
	require.NoError(t, err)
	assert.Equal(t, "tiktoken[cl100k_base]", tok.Name())

	tok, err = NewTiktokenTokenizer("gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "tiktoken[o200k_base]", tok.Name())

	tok, err = NewTiktokenTokenizer("unknown")
	require.NoError(t, err)
	assert.Equal(t, "tiktoken[cl100k_base]", tok.Name())
}
