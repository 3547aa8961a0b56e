package workflow

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/cataloger/agent"
	"github.com/BaSui01/cataloger/llm"
	"github.com/BaSui01/cataloger/runtime"
	"github.com/BaSui01/cataloger/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var markerPattern = regexp.MustCompile(`__CATALOGER_OUTPUT_END_[0-9a-f]+__`)

// echoBox stands in for the evaluation process: every submitted code
// block succeeds with a fixed output. It records the environment of the
// last process start.
type echoBox struct {
	mu     sync.Mutex
	files  map[string][]byte
	marker string
	alive  bool
	env    map[string]string
}

func newEchoBox() *echoBox {
	return &echoBox{files: make(map[string][]byte)}
}

func (b *echoBox) WriteFile(_ context.Context, name string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[name] = data
	if name == "code_input.py" && b.alive {
		delete(b.files, "code_input.py")
		b.files["code_output.txt"] = []byte("ok\n" + b.marker + "\n")
	}
	return nil
}

func (b *echoBox) ReadFile(_ context.Context, name string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.files[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (b *echoBox) RemoveFile(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.files, name)
	return nil
}

func (b *echoBox) StartProcess(_ context.Context, program string, env map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marker = markerPattern.FindString(program)
	b.alive = true
	b.env = env
	return nil
}

func (b *echoBox) StopProcess(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alive = false
	return nil
}

func (b *echoBox) Alive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.alive
}

func (b *echoBox) Close(ctx context.Context) error { return b.StopProcess(ctx) }

func (b *echoBox) lastEnv() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.env
}

// phasedProvider replays one canned script per agent task. When a
// task's script runs out its last turn repeats; emitting a submit call
// advances to the next task's script, matching the workflow starting a
// fresh loop per phase.
type phasedProvider struct {
	mu    sync.Mutex
	tasks [][]*llm.ChatResponse
	task  int
	turn  int
}

func (p *phasedProvider) Completion(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	turns := p.tasks[p.task]
	i := p.turn
	if i >= len(turns) {
		i = len(turns) - 1
	}
	p.turn++

	resp := turns[i]
	for _, call := range resp.Choices[0].Message.ToolCalls {
		if call.Name == agent.ToolSubmitReport && p.task < len(p.tasks)-1 {
			p.task++
			p.turn = 0
			break
		}
	}
	return resp, nil
}

func (p *phasedProvider) HealthCheck(context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (p *phasedProvider) Name() string                        { return "phased" }
func (p *phasedProvider) SupportsNativeFunctionCalling() bool { return true }

func assistantTurn(tokens int, calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model: "test-model",
		Choices: []llm.ChatChoice{{
			Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
		}},
		Usage: llm.ChatUsage{CompletionTokens: tokens},
	}
}

func toolCall(id, name string, args map[string]string) llm.ToolCall {
	raw, _ := json.Marshal(args)
	return llm.ToolCall{ID: id, Name: name, Arguments: raw}
}

type memRecorder struct {
	mu      sync.Mutex
	records []RunRecord
}

func (r *memRecorder) RecordRun(_ context.Context, rec RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *memRecorder) last(t *testing.T) RunRecord {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.records)
	return r.records[len(r.records)-1]
}

func setPromptEnv(t *testing.T) {
	t.Helper()
	t.Setenv(CatalogPromptEnv, base64.StdEncoding.EncodeToString([]byte("catalog the data source")))
	t.Setenv(SummaryPromptEnv, base64.StdEncoding.EncodeToString([]byte("summarize recent changes")))
}

func newTestWorkflow(t *testing.T, provider llm.Provider, recorder Recorder) (*Workflow, storage.Store, *echoBox) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	box := newEchoBox()
	factory := func(ctx context.Context) (*runtime.Runtime, error) {
		rt := runtime.New(box, runtime.Config{
			ExecTimeout:  5 * time.Second,
			PollInterval: time.Millisecond,
		}, logger)
		if err := rt.Start(ctx); err != nil {
			return nil, err
		}
		return rt, nil
	}
	pool, err := runtime.NewPool(context.Background(), runtime.PoolConfig{Capacity: 1, PreWarm: 1}, factory, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	store, err := storage.NewFileStore(t.TempDir(), logger)
	require.NoError(t, err)

	wf := New(pool, store, provider, NewContextBuilder(store, nil, logger), recorder, nil, Config{
		Loop:       agent.LoopConfig{Model: "test-model", MaxIterations: 5, TokenBudget: 10000},
		RuntimeEnv: map[string]string{"STORE_ACCESS_KEY": "ak", "STORE_SECRET_KEY": "sk"},
	}, logger)
	return wf, store, box
}

func TestRunStoresBothPhasesAndRecords(t *testing.T) {
	setPromptEnv(t)

	provider := &phasedProvider{tasks: [][]*llm.ChatResponse{
		{
			assistantTurn(30, toolCall("c1", agent.ToolExecuteCode, map[string]string{"code": "inspect_schema()"})),
			assistantTurn(20, toolCall("c2", agent.ToolSubmitReport, map[string]string{"content": "<html>catalog</html>"})),
		},
		{
			assistantTurn(10, toolCall("s1", agent.ToolSubmitReport, map[string]string{"content": "<html>summary</html>"})),
		},
	}}
	recorder := &memRecorder{}
	wf, store, box := newTestWorkflow(t, provider, recorder)

	ctx := context.Background()
	res, err := wf.Run(ctx, Request{
		ConnectionString: "postgres://reader@db/sales",
		Prefix:           "sales_db",
		Tables:           []string{"orders"},
	})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, "sales_db", res.Prefix)
	assert.NotEmpty(t, res.Timestamp)
	assert.Equal(t, res.Prefix+"/"+res.Timestamp+"/"+storage.CatalogFile, res.CatalogKey)
	assert.Equal(t, res.Prefix+"/"+res.Timestamp+"/"+storage.SummaryFile, res.SummaryKey)
	assert.NotEmpty(t, res.CatalogScriptKey)
	assert.NotEmpty(t, res.SummaryScriptKey)
	assert.Equal(t, 60, res.TokensUsed)
	assert.Equal(t, 3, res.Iterations)

	catalog, err := store.Read(ctx, "sales_db", res.Timestamp, storage.CatalogFile)
	require.NoError(t, err)
	assert.Equal(t, "<html>catalog</html>", string(catalog))

	summary, err := store.Read(ctx, "sales_db", res.Timestamp, storage.SummaryFile)
	require.NoError(t, err)
	assert.Equal(t, "<html>summary</html>", string(summary))

	script, err := store.Read(ctx, "sales_db", res.Timestamp, storage.CatalogScriptFile)
	require.NoError(t, err)
	assert.Contains(t, string(script), "inspect_schema()")

	env := box.lastEnv()
	assert.Equal(t, "postgres://reader@db/sales", env["DB_CONNECTION_STRING"])
	assert.Equal(t, "ak", env["STORE_ACCESS_KEY"])

	rec := recorder.last(t)
	assert.Equal(t, "completed", rec.Status)
	assert.Equal(t, res.CatalogKey, rec.CatalogKey)
	assert.Equal(t, res.TokensUsed, rec.TokensUsed)
}

func TestRunFailsWithoutPromptEnv(t *testing.T) {
	t.Setenv(CatalogPromptEnv, "")
	t.Setenv(SummaryPromptEnv, "")

	provider := &phasedProvider{tasks: [][]*llm.ChatResponse{{assistantTurn(1)}}}
	wf, _, _ := newTestWorkflow(t, provider, nil)

	_, err := wf.Run(context.Background(), Request{Prefix: "sales_db"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), CatalogPromptEnv)
}

func TestRunKeepsScriptWhenCatalogPhaseFails(t *testing.T) {
	setPromptEnv(t)

	// The model pokes the interpreter forever and never submits.
	provider := &phasedProvider{tasks: [][]*llm.ChatResponse{{
		assistantTurn(5, toolCall("c1", agent.ToolExecuteCode, map[string]string{"code": "probe()"})),
	}}}
	recorder := &memRecorder{}
	wf, store, _ := newTestWorkflow(t, provider, recorder)

	ctx := context.Background()
	_, err := wf.Run(ctx, Request{ConnectionString: "postgres://db", Prefix: "sales_db"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog phase")

	timestamps, err := store.ListTimestamps(ctx, "sales_db")
	require.NoError(t, err)
	require.Len(t, timestamps, 1)

	script, err := store.Read(ctx, "sales_db", timestamps[0], storage.CatalogScriptFile)
	require.NoError(t, err)
	assert.Contains(t, string(script), "probe()")

	_, err = store.Read(ctx, "sales_db", timestamps[0], storage.CatalogFile)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	rec := recorder.last(t)
	assert.Equal(t, "failed", rec.Status)
	assert.Equal(t, string(agent.ResultIterationsExceeded), rec.FailureKind)
}

func TestLoadPromptDecodesBase64(t *testing.T) {
	t.Setenv("TEST_PROMPT", base64.StdEncoding.EncodeToString([]byte("hello agent")))
	got, err := loadPrompt("TEST_PROMPT")
	require.NoError(t, err)
	assert.Equal(t, "hello agent", got)

	t.Setenv("TEST_PROMPT", "%%% not base64 %%%")
	_, err = loadPrompt("TEST_PROMPT")
	require.Error(t, err)
}
