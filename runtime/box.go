package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Box is the sandbox boundary the runtime talks through. It exposes a
// small file surface plus process control, so the isolation mechanism
// behind it (local process, container, microVM) stays opaque to the
// handshake logic. All paths are relative to the box workspace.
type Box interface {
	// WriteFile writes data to the named file in the box workspace.
	WriteFile(ctx context.Context, name string, data []byte) error

	// ReadFile reads the named file. Returns an error wrapping
	// os.ErrNotExist while the file has not been produced yet.
	ReadFile(ctx context.Context, name string) ([]byte, error)

	// RemoveFile deletes the named file. Missing files are not an error.
	RemoveFile(ctx context.Context, name string) error

	// StartProcess launches the long-lived evaluation process running
	// the given program with the given environment.
	StartProcess(ctx context.Context, program string, env map[string]string) error

	// StopProcess terminates the evaluation process if it is running.
	StopProcess(ctx context.Context) error

	// Alive reports whether the evaluation process is still running.
	Alive() bool

	// Close releases the box and everything in it.
	Close(ctx context.Context) error
}

// LocalBox runs the evaluation process directly on the host inside a
// private temp directory. It is the development backend; containerized
// boxes implement the same interface.
type LocalBox struct {
	dir         string
	interpreter string
	logger      *zap.Logger

	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewLocalBox creates a box rooted at a fresh temp directory.
// interpreter is the evaluation binary, e.g. "python3".
func NewLocalBox(interpreter string, logger *zap.Logger) (*LocalBox, error) {
	if interpreter == "" {
		interpreter = "python3"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dir, err := os.MkdirTemp("", "cataloger-box-*")
	if err != nil {
		return nil, fmt.Errorf("create box workspace: %w", err)
	}
	return &LocalBox{
		dir:         dir,
		interpreter: interpreter,
		logger:      logger.With(zap.String("component", "local_box")),
	}, nil
}

// Dir returns the box workspace directory.
func (b *LocalBox) Dir() string { return b.dir }

func (b *LocalBox) path(name string) string {
	return filepath.Join(b.dir, filepath.Base(name))
}

func (b *LocalBox) WriteFile(_ context.Context, name string, data []byte) error {
	// Write through a temp name so readers never observe a partial file.
	tmp := b.path(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp, b.path(name)); err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}

func (b *LocalBox) ReadFile(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(b.path(name))
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *LocalBox) RemoveFile(_ context.Context, name string) error {
	if err := os.Remove(b.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

func (b *LocalBox) StartProcess(ctx context.Context, program string, env map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cmd != nil && b.cmd.Process != nil && b.cmd.ProcessState == nil {
		return fmt.Errorf("evaluation process already running")
	}

	programPath := b.path("interpreter_program")
	if err := os.WriteFile(programPath, []byte(program), 0o600); err != nil {
		return fmt.Errorf("write interpreter program: %w", err)
	}

	cmd := exec.Command(b.interpreter, "-u", programPath)
	cmd.Dir = b.dir
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logFile, err := os.Create(b.path("interpreter.log"))
	if err != nil {
		return fmt.Errorf("create interpreter log: %w", err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("start evaluation process: %w", err)
	}
	b.cmd = cmd
	b.logger.Info("evaluation process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("workspace", b.dir),
	)

	// Reap the process so Alive sees its exit.
	go func() {
		_ = cmd.Wait()
		logFile.Close()
	}()

	return nil
}

func (b *LocalBox) StopProcess(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cmd == nil || b.cmd.Process == nil {
		return nil
	}
	// Kill the whole process group so child processes spawned by the
	// evaluated code die with the interpreter.
	_ = syscall.Kill(-b.cmd.Process.Pid, syscall.SIGKILL)

	// Give Wait a moment to reap before declaring the process gone.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.cmd.ProcessState != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	b.cmd = nil
	return nil
}

func (b *LocalBox) Alive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cmd != nil && b.cmd.Process != nil && b.cmd.ProcessState == nil
}

func (b *LocalBox) Close(ctx context.Context) error {
	if err := b.StopProcess(ctx); err != nil {
		return err
	}
	if err := os.RemoveAll(b.dir); err != nil {
		return fmt.Errorf("remove box workspace: %w", err)
	}
	return nil
}
