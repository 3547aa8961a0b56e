package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/cataloger/llm"
	"github.com/BaSui01/cataloger/llm/tokenizer"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Executor is what the loop needs from an execution runtime: strictly
// sequential code execution with a tri-state outcome. The failed flag
// covers errors raised by the code itself; a non-nil error means the
// runtime infrastructure broke.
type Executor interface {
	Execute(ctx context.Context, code string) (output string, failed bool, err error)
}

// LoopConfig bounds one task.
type LoopConfig struct {
	// Model requested from the provider.
	Model string `yaml:"model" json:"model" env:"LOOP_MODEL"`

	// MaxIterations caps model requests per task.
	MaxIterations int `yaml:"max_iterations" json:"max_iterations" env:"LOOP_MAX_ITERATIONS"`

	// TokenBudget caps cumulative completion tokens per task. Zero
	// disables the budget.
	TokenBudget int `yaml:"token_budget" json:"token_budget" env:"LOOP_TOKEN_BUDGET"`

	// MaxConsecutiveFailures escalates repeated runtime failures to a
	// terminal infrastructure failure.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures" json:"max_consecutive_failures" env:"LOOP_MAX_CONSECUTIVE_FAILURES"`

	// MaxTokensPerTurn is passed through to the provider.
	MaxTokensPerTurn int `yaml:"max_tokens_per_turn" json:"max_tokens_per_turn" env:"LOOP_MAX_TOKENS_PER_TURN"`

	// RequestTimeout bounds one model request.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout" env:"LOOP_REQUEST_TIMEOUT"`

	Temperature float32 `yaml:"temperature" json:"temperature"`
}

// DefaultLoopConfig returns loop defaults.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations:          50,
		TokenBudget:            200000,
		MaxConsecutiveFailures: 3,
		MaxTokensPerTurn:       8192,
		RequestTimeout:         5 * time.Minute,
	}
}

// Loop drives one task to a terminal result by alternating model turns
// and tool execution. Two tools exist: execute_code runs in the bound
// runtime, submit_report ends the task. Malformed invocations and code
// failures are fed back to the model as tool results so it can
// self-correct, bounded by the iteration and budget ceilings.
type Loop struct {
	provider llm.Provider
	exec     Executor
	cfg      LoopConfig
	logger   *zap.Logger
}

// NewLoop binds a loop to a provider and an execution runtime.
func NewLoop(provider llm.Provider, exec Executor, cfg LoopConfig, logger *zap.Logger) *Loop {
	def := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if cfg.MaxTokensPerTurn <= 0 {
		cfg.MaxTokensPerTurn = def.MaxTokensPerTurn
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		provider: provider,
		exec:     exec,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "tool_call_loop")),
	}
}

// Run executes the task to a terminal state. The returned error is
// non-nil only for provider transport failures; every loop-level
// outcome, including the failure kinds, arrives as a Result.
func (l *Loop) Run(ctx context.Context, systemPrompt, userPrompt string) (*Result, error) {
	taskID := uuid.NewString()[:8]
	logger := l.logger.With(zap.String("task_id", taskID))

	conversation := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: userPrompt},
	}
	tools := ToolSchemas()

	tokensUsed := 0
	iterations := 0
	consecutiveFailures := 0

	for {
		// Budget and iteration checks gate every model request; a task
		// that crossed either ceiling never issues another request.
		if l.cfg.TokenBudget > 0 && tokensUsed > l.cfg.TokenBudget {
			logger.Warn("token budget exceeded",
				zap.Int("tokens_used", tokensUsed),
				zap.Int("budget", l.cfg.TokenBudget),
			)
			return &Result{
				Kind:       ResultBudgetExceeded,
				Cause:      fmt.Sprintf("token budget exceeded: used %d of %d", tokensUsed, l.cfg.TokenBudget),
				Iterations: iterations,
				TokensUsed: tokensUsed,
			}, nil
		}
		if iterations >= l.cfg.MaxIterations {
			logger.Warn("iteration ceiling reached", zap.Int("iterations", iterations))
			return &Result{
				Kind:       ResultIterationsExceeded,
				Cause:      fmt.Sprintf("no submission within %d iterations", l.cfg.MaxIterations),
				Iterations: iterations,
				TokensUsed: tokensUsed,
			}, nil
		}
		iterations++

		resp, err := l.request(ctx, taskID, conversation, tools)
		if err != nil {
			return nil, fmt.Errorf("model request (iteration %d): %w", iterations, err)
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("model returned no choices (iteration %d)", iterations)
		}

		tokensUsed += completionCost(resp, l.cfg.Model)
		choice := resp.Choices[0]
		conversation = append(conversation, choice.Message)

		logger.Debug("model turn",
			zap.Int("iteration", iterations),
			zap.Int("tool_calls", len(choice.Message.ToolCalls)),
			zap.Int("tokens_used", tokensUsed),
		)

		if len(choice.Message.ToolCalls) == 0 {
			// Plain text without tool use does not advance the task;
			// nudge the model back toward the tools.
			conversation = append(conversation, llm.Message{
				Role:    llm.RoleUser,
				Content: "Continue working using the execute_code tool, or call submit_report when the report is finished.",
			})
			continue
		}

		for callIdx, tc := range choice.Message.ToolCalls {
			switch tc.Name {
			case ToolSubmitReport:
				var args submitArgs
				if err := json.Unmarshal(tc.Arguments, &args); err != nil || strings.TrimSpace(args.Content) == "" {
					conversation = append(conversation, toolError(tc.ID,
						"submit_report requires a non-empty 'content' string argument"))
					continue
				}
				if skipped := len(choice.Message.ToolCalls) - callIdx - 1; skipped > 0 {
					// A submit ends the turn; anything the model queued
					// after it has no defined continuation.
					logger.Info("ignoring tool calls after submit", zap.Int("skipped", skipped))
				}
				logger.Info("task submitted",
					zap.Int("iterations", iterations),
					zap.Int("tokens_used", tokensUsed),
					zap.Int("artifact_bytes", len(args.Content)),
				)
				return &Result{
					Kind:       ResultSubmitted,
					Artifact:   args.Content,
					Iterations: iterations,
					TokensUsed: tokensUsed,
				}, nil

			case ToolExecuteCode:
				var args executeArgs
				if err := json.Unmarshal(tc.Arguments, &args); err != nil || strings.TrimSpace(args.Code) == "" {
					conversation = append(conversation, toolError(tc.ID,
						"execute_code requires a non-empty 'code' string argument"))
					continue
				}

				output, failed, execErr := l.exec.Execute(ctx, args.Code)
				if execErr != nil {
					consecutiveFailures++
					logger.Warn("runtime execution error",
						zap.Error(execErr),
						zap.Int("consecutive_failures", consecutiveFailures),
					)
					if consecutiveFailures >= l.cfg.MaxConsecutiveFailures {
						return &Result{
							Kind:       ResultInfraFailure,
							Cause:      fmt.Sprintf("runtime failed %d consecutive times: %v", consecutiveFailures, execErr),
							Iterations: iterations,
							TokensUsed: tokensUsed,
						}, nil
					}
					conversation = append(conversation, toolError(tc.ID,
						fmt.Sprintf("execution infrastructure error: %v", execErr)))
					continue
				}
				consecutiveFailures = 0

				content := output
				if failed {
					content = "Error: " + output
				}
				if content == "" {
					content = "(no output)"
				}
				conversation = append(conversation, llm.Message{
					Role:       llm.RoleTool,
					Content:    content,
					ToolCallID: tc.ID,
				})

			default:
				conversation = append(conversation, toolError(tc.ID,
					fmt.Sprintf("unknown tool %q: available tools are %s and %s", tc.Name, ToolExecuteCode, ToolSubmitReport)))
			}
		}
	}
}

func (l *Loop) request(ctx context.Context, taskID string, conversation []llm.Message, tools []llm.ToolSchema) (*llm.ChatResponse, error) {
	if l.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.RequestTimeout)
		defer cancel()
	}
	return l.provider.Completion(ctx, &llm.ChatRequest{
		TraceID:     taskID,
		Model:       l.cfg.Model,
		Messages:    conversation,
		MaxTokens:   l.cfg.MaxTokensPerTurn,
		Temperature: l.cfg.Temperature,
		Tools:       tools,
	})
}

func toolError(callID, msg string) llm.Message {
	return llm.Message{
		Role:       llm.RoleTool,
		Content:    "Error: " + msg,
		ToolCallID: callID,
	}
}

// completionCost charges the turn against the budget. Provider usage is
// authoritative; when it is absent the turn is estimated with the
// model's tokenizer.
func completionCost(resp *llm.ChatResponse, model string) int {
	if resp.Usage.CompletionTokens > 0 {
		return resp.Usage.CompletionTokens
	}

	tok := tokenizer.GetTokenizerOrEstimator(model)
	total := 0
	for _, c := range resp.Choices {
		if n, err := tok.CountTokens(c.Message.Content); err == nil {
			total += n
		}
		for _, tc := range c.Message.ToolCalls {
			if n, err := tok.CountTokens(string(tc.Arguments)); err == nil {
				total += n
			}
		}
	}
	return total
}
