package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	inputFile  = "code_input.py"
	outputFile = "code_output.txt"
)

// ErrExecTimeout is returned when the evaluation process does not
// produce output within the per-call timeout.
var ErrExecTimeout = errors.New("code execution timed out")

// ErrNotRunning is returned when Execute is called before Start or after
// the evaluation process died.
var ErrNotRunning = errors.New("evaluation process not running")

// ExecMetrics records execution outcomes. A prometheus collector
// satisfies it; nil disables recording.
type ExecMetrics interface {
	RecordExecution(outcome string)
}

// Execution outcome labels.
const (
	outcomeOK         = "ok"
	outcomeFailed     = "failed"
	outcomeInfraError = "infra_error"
)

// Config controls a single runtime.
type Config struct {
	// ExecTimeout bounds one Execute call.
	ExecTimeout time.Duration `yaml:"exec_timeout" json:"exec_timeout" env:"RUNTIME_EXEC_TIMEOUT"`

	// PollInterval is the base delay between output polls.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval" env:"RUNTIME_POLL_INTERVAL"`

	// StartupDelay gives the evaluation process time to enter its loop.
	StartupDelay time.Duration `yaml:"startup_delay" json:"startup_delay" env:"RUNTIME_STARTUP_DELAY"`

	// Env is injected into the evaluation process at start. Data-source
	// connection strings and store credentials travel here, never as
	// tool arguments.
	Env map[string]string `yaml:"env" json:"env"`
}

// DefaultConfig returns runtime defaults.
func DefaultConfig() Config {
	return Config{
		ExecTimeout:  60 * time.Second,
		PollInterval: 100 * time.Millisecond,
		StartupDelay: 500 * time.Millisecond,
	}
}

// Runtime wraps one long-lived evaluation process. Work is exchanged
// through a two-file handshake inside the box: Execute writes the code
// to the input location and polls the output location until the process
// publishes a result terminated by the session marker. The process's
// accumulated namespace is opaque; the runtime only observes it through
// execution output.
//
// Execution is strictly sequential within a runtime. A mutex enforces
// that, matching the single process behind it.
type Runtime struct {
	box     Box
	cfg     Config
	logger  *zap.Logger
	id      string
	marker  string
	history *History
	metrics ExecMetrics

	execMu sync.Mutex

	stateMu   sync.Mutex
	started   bool
	unhealthy bool
}

// New creates a runtime over the given box. Start must be called before
// Execute.
func New(box Box, cfg Config, logger *zap.Logger) *Runtime {
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = DefaultConfig().ExecTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()[:8]
	return &Runtime{
		box:     box,
		cfg:     cfg,
		id:      id,
		marker:  fmt.Sprintf("__CATALOGER_OUTPUT_END_%s__", id),
		history: NewHistory(),
		logger:  logger.With(zap.String("component", "runtime"), zap.String("runtime_id", id)),
	}
}

// ID returns the runtime's session identifier.
func (r *Runtime) ID() string { return r.id }

// History exposes the session history for script extraction.
func (r *Runtime) History() *History { return r.history }

// SetMetrics installs the execution-outcome recorder.
func (r *Runtime) SetMetrics(m ExecMetrics) {
	r.stateMu.Lock()
	r.metrics = m
	r.stateMu.Unlock()
}

func (r *Runtime) recordOutcome(outcome string) {
	r.stateMu.Lock()
	m := r.metrics
	r.stateMu.Unlock()
	if m != nil {
		m.RecordExecution(outcome)
	}
}

// Start launches the evaluation process.
func (r *Runtime) Start(ctx context.Context) error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	if r.started && r.box.Alive() {
		return fmt.Errorf("runtime %s already started", r.id)
	}

	program := interpreterProgram(r.marker)
	if err := r.box.StartProcess(ctx, program, r.cfg.Env); err != nil {
		return fmt.Errorf("start runtime %s: %w", r.id, err)
	}

	if r.cfg.StartupDelay > 0 {
		select {
		case <-time.After(r.cfg.StartupDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.started = true
	r.unhealthy = false
	r.logger.Info("runtime started")
	return nil
}

// Execute runs code in the persistent evaluation process. The code is
// appended to history before submission, so failed and timed-out
// attempts are recorded too.
//
// The returned failed flag is true when the code itself raised an
// error; a non-nil err means the runtime infrastructure broke (process
// died, output never appeared) and the runtime is marked unhealthy.
func (r *Runtime) Execute(ctx context.Context, code string) (output string, failed bool, err error) {
	r.execMu.Lock()
	defer r.execMu.Unlock()

	idx := r.history.Append(code)

	r.stateMu.Lock()
	ready := r.started && !r.unhealthy
	r.stateMu.Unlock()
	if !ready || !r.box.Alive() {
		r.markUnhealthy()
		r.recordOutcome(outcomeInfraError)
		r.history.Complete(idx, "evaluation process is not running", true)
		return "", true, ErrNotRunning
	}

	// Drop any stale output before submitting new work.
	if err := r.box.RemoveFile(ctx, outputFile); err != nil {
		r.markUnhealthy()
		r.recordOutcome(outcomeInfraError)
		return "", true, fmt.Errorf("clear output location: %w", err)
	}
	if err := r.box.WriteFile(ctx, inputFile, []byte(code)); err != nil {
		r.markUnhealthy()
		r.recordOutcome(outcomeInfraError)
		return "", true, fmt.Errorf("write input location: %w", err)
	}

	raw, err := r.awaitOutput(ctx)
	if err != nil {
		r.markUnhealthy()
		r.recordOutcome(outcomeInfraError)
		msg := fmt.Sprintf("execution did not complete: %v", err)
		r.history.Complete(idx, msg, true)
		return "", true, err
	}

	output, failed = r.parseOutput(raw)
	r.history.Complete(idx, output, failed)

	if failed {
		r.recordOutcome(outcomeFailed)
		r.logger.Debug("code execution failed", zap.Int("fragment", idx))
	} else {
		r.recordOutcome(outcomeOK)
	}
	return output, failed, nil
}

// awaitOutput polls the output location with bounded backoff until the
// evaluation process publishes a complete result or the call times out.
// Completeness is signalled by the session marker, which guards against
// reading a partially written file.
func (r *Runtime) awaitOutput(ctx context.Context) (string, error) {
	deadline := time.Now().Add(r.cfg.ExecTimeout)
	interval := r.cfg.PollInterval

	for {
		data, err := r.box.ReadFile(ctx, outputFile)
		switch {
		case err == nil:
			s := string(data)
			if strings.Contains(s, r.marker) {
				return s, nil
			}
			// Marker absent: the process is still writing.
		case errors.Is(err, os.ErrNotExist):
			// Not produced yet.
		default:
			return "", fmt.Errorf("read output location: %w", err)
		}

		if !r.box.Alive() {
			return "", ErrNotRunning
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w after %s", ErrExecTimeout, r.cfg.ExecTimeout)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}

		// Bounded backoff keeps long waits cheap without adding much
		// latency to short executions.
		if interval < time.Second {
			interval += r.cfg.PollInterval
		}
	}
}

// parseOutput strips the session marker and detects the trailing error
// sentinel the evaluation process appends when the code raised.
func (r *Runtime) parseOutput(raw string) (string, bool) {
	failed := false
	if strings.HasSuffix(raw, "ERROR\n") {
		failed = true
		raw = strings.TrimSuffix(raw, "ERROR\n")
	}
	raw = strings.ReplaceAll(raw, "\n"+r.marker+"\n", "")
	raw = strings.ReplaceAll(raw, r.marker, "")
	return strings.TrimRight(raw, "\n"), failed
}

// Reset kills the evaluation process and starts a fresh one, discarding
// its accumulated namespace. History is deliberately untouched: a task
// may reset mid-flight to recover from a wedged process without losing
// the audit trail. Call ClearHistory at the start of a new task.
func (r *Runtime) Reset(ctx context.Context) error {
	r.execMu.Lock()
	defer r.execMu.Unlock()

	if err := r.box.StopProcess(ctx); err != nil {
		return fmt.Errorf("stop runtime %s: %w", r.id, err)
	}
	_ = r.box.RemoveFile(ctx, inputFile)
	_ = r.box.RemoveFile(ctx, outputFile)

	r.stateMu.Lock()
	r.started = false
	r.stateMu.Unlock()

	if err := r.Start(ctx); err != nil {
		r.markUnhealthy()
		return err
	}
	r.logger.Info("runtime reset")
	return nil
}

// SetEnv replaces the environment injected into the evaluation process
// on the next Start or Reset. Used to bind a pooled runtime to one
// task's data-source credentials before the task begins.
func (r *Runtime) SetEnv(env map[string]string) {
	r.stateMu.Lock()
	r.cfg.Env = env
	r.stateMu.Unlock()
}

// ClearHistory discards the recorded session. Invoked at task start, not
// by Reset.
func (r *Runtime) ClearHistory() {
	r.history.Clear()
}

// SessionScript renders the session history as a replayable script.
func (r *Runtime) SessionScript() string {
	return r.history.Script()
}

// Healthy reports whether the runtime can serve Execute calls.
func (r *Runtime) Healthy() bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.started && !r.unhealthy && r.box.Alive()
}

func (r *Runtime) markUnhealthy() {
	r.stateMu.Lock()
	r.unhealthy = true
	r.stateMu.Unlock()
	r.logger.Warn("runtime marked unhealthy")
}

// Close tears down the evaluation process and the box behind it.
func (r *Runtime) Close(ctx context.Context) error {
	r.stateMu.Lock()
	r.started = false
	r.stateMu.Unlock()
	return r.box.Close(ctx)
}

// interpreterProgram builds the evaluation loop the box runs. The
// program watches the input location, executes submitted code against a
// persistent namespace, captures stdout and stderr as one stream, and
// publishes it to the output location terminated by the session marker,
// with a trailing ERROR sentinel when the code raised.
func interpreterProgram(marker string) string {
	return fmt.Sprintf(`import os
import sys
import time
import traceback
from io import StringIO

_globals = {"__name__": "__main__"}

while True:
    if not os.path.exists(%[1]q):
        time.sleep(0.1)
        continue

    with open(%[1]q) as f:
        code = f.read()
    os.remove(%[1]q)

    buf = StringIO()
    failed = False
    old_out, old_err = sys.stdout, sys.stderr
    sys.stdout = sys.stderr = buf
    try:
        exec(code, _globals)
    except BaseException:
        failed = True
        traceback.print_exc()
    finally:
        sys.stdout, sys.stderr = old_out, old_err

    tmp = %[2]q + ".tmp"
    with open(tmp, "w") as f:
        f.write(buf.getvalue())
        f.write("\n%[3]s\n")
        if failed:
            f.write("ERROR\n")
    os.replace(tmp, %[2]q)
`, inputFile, outputFile, marker)
}
