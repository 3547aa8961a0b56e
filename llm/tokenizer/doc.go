// Package tokenizer provides a unified token counting interface with
// tiktoken-backed exact counting and a character-based estimator, used
// for budget accounting of LLM requests.
package tokenizer
