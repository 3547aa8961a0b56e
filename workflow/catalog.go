package workflow

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/BaSui01/cataloger/agent"
	"github.com/BaSui01/cataloger/llm"
	"github.com/BaSui01/cataloger/runtime"
	"github.com/BaSui01/cataloger/storage"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Default environment variables carrying the base64-encoded agent
// prompts.
const (
	CatalogPromptEnv = "CATALOGER_PROMPT_CATALOG"
	SummaryPromptEnv = "CATALOGER_PROMPT_SUMMARY"
)

// RunRecord is what gets persisted about one workflow run.
type RunRecord struct {
	RunID       string
	Prefix      string
	Timestamp   string
	Status      string
	FailureKind string
	CatalogKey  string
	SummaryKey  string
	TokensUsed  int
	Iterations  int
	Duration    time.Duration
	Error       string
}

// Recorder persists run records. A nil Recorder disables persistence.
type Recorder interface {
	RecordRun(ctx context.Context, rec RunRecord) error
}

// Metrics receives workflow observations. A nil Metrics disables them.
type Metrics interface {
	RecordWorkflowRun(prefix, status string, duration time.Duration)
	RecordTaskOutcome(kind string, iterations, tokens int)
}

// Config controls the catalog workflow.
type Config struct {
	AcquireTimeout   time.Duration    `yaml:"acquire_timeout" json:"acquire_timeout" env:"WORKFLOW_ACQUIRE_TIMEOUT"`
	Loop             agent.LoopConfig `yaml:"loop" json:"loop"`
	CatalogPromptEnv string           `yaml:"catalog_prompt_env" json:"catalog_prompt_env"`
	SummaryPromptEnv string           `yaml:"summary_prompt_env" json:"summary_prompt_env"`

	// RuntimeEnv is merged into every task runtime's environment, on
	// top of the per-request connection string. Store credentials
	// travel here so the code the model writes can reach the artifact
	// store directly.
	RuntimeEnv map[string]string `yaml:"runtime_env" json:"runtime_env"`
}

// Request describes one catalog run.
type Request struct {
	// ConnectionString is the read-only data source the agent catalogs.
	// Injected into the evaluation process environment, never shown to
	// the model as a tool argument.
	ConnectionString string `json:"connection_string"`

	// Tables scopes the catalog; empty means everything reachable.
	Tables []string `json:"tables"`

	// Prefix keys the run's artifacts in the store.
	Prefix string `json:"prefix"`
}

// Result is the manifest of one completed run.
type Result struct {
	RunID            string `json:"run_id"`
	Prefix           string `json:"prefix"`
	Timestamp        string `json:"timestamp"`
	CatalogKey       string `json:"catalog_key"`
	CatalogScriptKey string `json:"catalog_script_key"`
	SummaryKey       string `json:"summary_key"`
	SummaryScriptKey string `json:"summary_script_key"`
	TokensUsed       int    `json:"tokens_used"`
	Iterations       int    `json:"iterations"`
}

// Workflow orchestrates one catalog run: acquire a runtime, run the
// catalog agent, persist its report and session script, reset the
// runtime, run the summary agent against the stored artifacts, persist
// again, release. The same warm process serves both phases, with the
// namespace wiped in between.
type Workflow struct {
	pool     *runtime.Pool
	store    storage.Store
	provider llm.Provider
	contexts *ContextBuilder
	recorder Recorder
	metrics  Metrics
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New creates a workflow. recorder and metrics may be nil.
func New(
	pool *runtime.Pool,
	store storage.Store,
	provider llm.Provider,
	contexts *ContextBuilder,
	recorder Recorder,
	metrics Metrics,
	cfg Config,
	logger *zap.Logger,
) *Workflow {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 60 * time.Second
	}
	if cfg.CatalogPromptEnv == "" {
		cfg.CatalogPromptEnv = CatalogPromptEnv
	}
	if cfg.SummaryPromptEnv == "" {
		cfg.SummaryPromptEnv = SummaryPromptEnv
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workflow{
		pool:     pool,
		store:    store,
		provider: provider,
		contexts: contexts,
		recorder: recorder,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "catalog_workflow")),
		tracer:   otel.Tracer("cataloger/workflow"),
	}
}

// Run executes the two-phase workflow to completion.
func (w *Workflow) Run(ctx context.Context, req Request) (*Result, error) {
	runID := uuid.NewString()
	timestamp := storage.GenerateTimestamp()
	started := time.Now()
	logger := w.logger.With(
		zap.String("run_id", runID),
		zap.String("prefix", req.Prefix),
		zap.String("timestamp", timestamp),
	)

	ctx, span := w.tracer.Start(ctx, "workflow.catalog",
		trace.WithAttributes(
			attribute.String("cataloger.prefix", req.Prefix),
			attribute.String("cataloger.run_id", runID),
		),
	)
	defer span.End()

	catalogPrompt, err := loadPrompt(w.cfg.CatalogPromptEnv)
	if err != nil {
		return nil, err
	}
	summaryPrompt, err := loadPrompt(w.cfg.SummaryPromptEnv)
	if err != nil {
		return nil, err
	}

	logger.Info("workflow started", zap.Strings("tables", req.Tables))

	rt, err := w.pool.Acquire(ctx, w.cfg.AcquireTimeout)
	if err != nil {
		w.observe(ctx, RunRecord{
			RunID: runID, Prefix: req.Prefix, Timestamp: timestamp,
			Status: "rejected", Error: err.Error(), Duration: time.Since(started),
		})
		return nil, fmt.Errorf("acquire runtime: %w", err)
	}
	defer w.pool.Release(rt)

	// Bind the pooled runtime to this task: fresh history, fresh
	// process, task-scoped environment.
	env := map[string]string{"DB_CONNECTION_STRING": req.ConnectionString}
	for k, v := range w.cfg.RuntimeEnv {
		env[k] = v
	}
	rt.SetEnv(env)
	rt.ClearHistory()
	if err := rt.Reset(ctx); err != nil {
		w.observe(ctx, RunRecord{
			RunID: runID, Prefix: req.Prefix, Timestamp: timestamp,
			Status: "failed", Error: err.Error(), Duration: time.Since(started),
		})
		return nil, fmt.Errorf("prepare runtime: %w", err)
	}

	previous := ""
	if w.contexts != nil {
		previous = w.contexts.Previous(ctx, req.Prefix)
	}

	result := &Result{RunID: runID, Prefix: req.Prefix, Timestamp: timestamp}

	// Phase 1: catalog the data source.
	catalogRes, err := w.runPhase(ctx, "catalog", rt, catalogPrompt, map[string]any{
		"tables":           req.Tables,
		"previous_context": previous,
	})
	result.TokensUsed += tokensOf(catalogRes)
	result.Iterations += iterationsOf(catalogRes)
	// The session script is the audit trail; keep it even when the
	// phase did not submit.
	result.CatalogScriptKey = w.storeArtifact(ctx, req.Prefix, timestamp, storage.CatalogScriptFile, rt.SessionScript(), logger)
	if err != nil {
		w.finish(ctx, started, result, catalogRes, err)
		return nil, fmt.Errorf("catalog phase: %w", err)
	}
	result.CatalogKey = w.storeArtifact(ctx, req.Prefix, timestamp, storage.CatalogFile, catalogRes.Artifact, logger)

	// Phase 2: summarize, reusing the warm process with a clean
	// namespace and a fresh session.
	if err := rt.Reset(ctx); err != nil {
		w.finish(ctx, started, result, catalogRes, err)
		return nil, fmt.Errorf("reset before summary phase: %w", err)
	}
	rt.ClearHistory()

	summaryRes, err := w.runPhase(ctx, "summary", rt, summaryPrompt, map[string]any{
		"prefix":            req.Prefix,
		"current_timestamp": timestamp,
		"previous_context":  previous,
	})
	result.TokensUsed += tokensOf(summaryRes)
	result.Iterations += iterationsOf(summaryRes)
	result.SummaryScriptKey = w.storeArtifact(ctx, req.Prefix, timestamp, storage.SummaryScriptFile, rt.SessionScript(), logger)
	if err != nil {
		w.finish(ctx, started, result, summaryRes, err)
		return nil, fmt.Errorf("summary phase: %w", err)
	}
	result.SummaryKey = w.storeArtifact(ctx, req.Prefix, timestamp, storage.SummaryFile, summaryRes.Artifact, logger)

	w.finish(ctx, started, result, summaryRes, nil)
	logger.Info("workflow complete",
		zap.String("catalog_key", result.CatalogKey),
		zap.String("summary_key", result.SummaryKey),
		zap.Int("tokens_used", result.TokensUsed),
		zap.Duration("duration", time.Since(started)),
	)
	return result, nil
}

// runPhase runs one agent task and converts non-submission outcomes
// into errors carrying the failure kind.
func (w *Workflow) runPhase(ctx context.Context, phase string, rt *runtime.Runtime, systemPrompt string, taskContext map[string]any) (*agent.Result, error) {
	ctx, span := w.tracer.Start(ctx, "workflow."+phase)
	defer span.End()

	userPrompt, err := json.Marshal(taskContext)
	if err != nil {
		return nil, fmt.Errorf("encode task context: %w", err)
	}

	loop := agent.NewLoop(w.provider, rt, w.cfg.Loop, w.logger.With(zap.String("phase", phase)))
	res, err := loop.Run(ctx, systemPrompt, string(userPrompt))
	if err != nil {
		return nil, err
	}
	if w.metrics != nil {
		w.metrics.RecordTaskOutcome(string(res.Kind), res.Iterations, res.TokensUsed)
	}
	if !res.Submitted() {
		return res, fmt.Errorf("task ended without submission: %s (%s)", res.Kind, res.Cause)
	}
	return res, nil
}

// storeArtifact writes one artifact, logging instead of failing the run
// when storage misbehaves, and returns the object key.
func (w *Workflow) storeArtifact(ctx context.Context, prefix, timestamp, filename, content string, logger *zap.Logger) string {
	if content == "" {
		return ""
	}
	if err := w.store.Write(ctx, prefix, timestamp, filename, []byte(content)); err != nil {
		logger.Error("failed to store artifact",
			zap.String("filename", filename),
			zap.Error(err),
		)
		return ""
	}
	return path.Join(prefix, timestamp, filename)
}

func (w *Workflow) finish(ctx context.Context, started time.Time, result *Result, last *agent.Result, runErr error) {
	rec := RunRecord{
		RunID:      result.RunID,
		Prefix:     result.Prefix,
		Timestamp:  result.Timestamp,
		Status:     "completed",
		CatalogKey: result.CatalogKey,
		SummaryKey: result.SummaryKey,
		TokensUsed: result.TokensUsed,
		Iterations: result.Iterations,
		Duration:   time.Since(started),
	}
	if runErr != nil {
		rec.Status = "failed"
		rec.Error = runErr.Error()
		if last != nil {
			rec.FailureKind = string(last.Kind)
		}
	}
	w.observe(ctx, rec)
}

func (w *Workflow) observe(ctx context.Context, rec RunRecord) {
	if w.metrics != nil {
		w.metrics.RecordWorkflowRun(rec.Prefix, rec.Status, rec.Duration)
	}
	if w.recorder != nil {
		if err := w.recorder.RecordRun(ctx, rec); err != nil {
			w.logger.Error("failed to record run", zap.String("run_id", rec.RunID), zap.Error(err))
		}
	}
}

func tokensOf(r *agent.Result) int {
	if r == nil {
		return 0
	}
	return r.TokensUsed
}

func iterationsOf(r *agent.Result) int {
	if r == nil {
		return 0
	}
	return r.Iterations
}

// loadPrompt decodes a base64 prompt from the environment.
func loadPrompt(envVar string) (string, error) {
	encoded := os.Getenv(envVar)
	if encoded == "" {
		return "", fmt.Errorf("missing prompt environment variable %s", envVar)
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode prompt %s: %w", envVar, err)
	}
	return string(decoded), nil
}
