package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// processWaitDelay bounds how long Wait blocks on inherited pipes after the
// process group has been killed.
const processWaitDelay = time.Second

// ProcessBackend implements Backend by starting a disposable interpreter
// process for each submission.
type ProcessBackend struct {
	logger   *zap.Logger
	language string
	binary   string
	args     []string
	env      []string
	fs       FileSystem
}

// ProcessBackendOption defines a functional option for ProcessBackend
type ProcessBackendOption func(*ProcessBackend)

// WithProcessFileSystem sets the FileSystem for ProcessBackend
func WithProcessFileSystem(fs FileSystem) ProcessBackendOption {
	return func(p *ProcessBackend) {
		p.fs = fs
	}
}

// NewProcessBackend resolves the interpreter binary for spec. Nothing is
// started until Run is called.
func NewProcessBackend(logger *zap.Logger, spec LanguageSpec, opts ...ProcessBackendOption) (*ProcessBackend, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("no command configured for %s", spec.Name)
	}
	binary, err := exec.LookPath(spec.Command)
	if err != nil {
		return nil, fmt.Errorf("failed to locate %s: %w", spec.Command, err)
	}

	backend := &ProcessBackend{
		logger:   logger,
		language: spec.Name,
		binary:   binary,
		args:     append([]string(nil), spec.Args...),
		env:      spec.Environment,
		fs:       &RealFileSystem{}, // Default implementation
	}

	for _, opt := range opts {
		opt(backend)
	}

	return backend, nil
}

// Family implements Backend.
func (*ProcessBackend) Family() Family {
	return FamilyProcess
}

// Healthy implements Backend. A ProcessBackend holds no live runtime, so it
// is always reusable.
func (*ProcessBackend) Healthy() bool {
	return true
}

// Close implements Backend.
func (*ProcessBackend) Close(context.Context) error {
	return nil
}

// Run executes code in a fresh process. The process group is killed when
// ctx ends and the working directory is removed on every exit path.
func (p *ProcessBackend) Run(ctx context.Context, code string, capture *Capture) error {
	tempDir, err := p.fs.MkdirTemp("", "coderun-"+p.language+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer func() {
		if rmErr := p.fs.RemoveAll(tempDir); rmErr != nil {
			p.logger.Error("failed to remove temp directory", zap.String("path", tempDir), zap.Error(rmErr))
		}
	}()

	harnessPath := filepath.Join(tempDir, harnessFileName)
	if writeErr := p.fs.WriteFile(harnessPath, processHarness, FilePermission); writeErr != nil {
		return fmt.Errorf("failed to write harness: %w", writeErr)
	}
	sourcePath := filepath.Join(tempDir, submissionFileName)
	if writeErr := p.fs.WriteFile(sourcePath, []byte(code), FilePermission); writeErr != nil {
		return fmt.Errorf("failed to write user code: %w", writeErr)
	}

	args := make([]string, 0, len(p.args)+2)
	args = append(args, p.args...)
	args = append(args, harnessPath, sourcePath)

	frames, frameWriter, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to open frame pipe: %w", err)
	}
	defer frames.Close()

	cmd := exec.CommandContext(ctx, p.binary, args...) //nolint:gosec // Running the configured interpreter is intended functionality
	cmd.Dir = tempDir
	cmd.Env = buildEnv(p.env)
	cmd.ExtraFiles = []*os.File{frameWriter}
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return killProcessGroup(cmd.Process)
	}
	cmd.WaitDelay = processWaitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = frameWriter.Close()
		return fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = frameWriter.Close()
		return fmt.Errorf("failed to open stderr: %w", err)
	}

	startErr := cmd.Start()
	// The child holds its own copy; ours must go so the reader sees EOF.
	_ = frameWriter.Close()
	if startErr != nil {
		return fmt.Errorf("failed to start %s: %w", p.binary, startErr)
	}

	p.logger.Debug("process started", zap.String("language", p.language), zap.Int("pid", cmd.Process.Pid))

	var (
		g       errgroup.Group
		fault   string
		faulted bool
	)
	g.Go(func() error {
		return readFrames(frames, func(f frame) {
			if f.Stream == frameError {
				fault, faulted = f.Text, true
				return
			}
			if stream, ok := frameStream(f.Stream); ok {
				capture.Append(stream, f.Text)
			}
		}, func(line string) {
			capture.Append(StreamStdout, line)
		})
	})
	g.Go(func() error {
		return readLines(stdout, func(line string) { appendLine(capture, StreamStdout, line) })
	})
	g.Go(func() error {
		return readLines(stderr, func(line string) { appendLine(capture, StreamStderr, line) })
	})
	readErr := g.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if faulted {
		return &Fault{Family: FamilyProcess, Detail: fault}
	}
	if readErr != nil {
		return fmt.Errorf("failed to read output: %w", readErr)
	}
	if waitErr != nil {
		// Whatever the process wrote to stderr is already in capture.
		return &Fault{Family: FamilyProcess, Detail: fmt.Sprintf("Process exited: %v", waitErr)}
	}

	return nil
}

// frameStream maps an output frame to the stream it is captured on.
func frameStream(s string) (Stream, bool) {
	switch s {
	case frameOut:
		return StreamStdout, true
	case frameErr:
		return StreamStderr, true
	case frameWarn:
		return StreamWarn, true
	case frameReturn:
		return StreamReturn, true
	default:
		return 0, false
	}
}
