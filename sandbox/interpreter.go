package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// frameBuffer is how many frames the reader may queue ahead of Run.
	frameBuffer = 256
	// lineBuffer is how many raw output lines a stream may queue ahead of Run.
	lineBuffer = 256
	// exitGrace bounds how long a dead interpreter is given to report its
	// exit status.
	exitGrace = 2 * time.Second
	// syncPrefix opens the marker the driver writes to stdout and stderr
	// after each run.
	syncPrefix = "\x00coderun-sync:"
)

// InterpreterBackend implements Backend on top of one long-lived
// interpreter process. The process is expensive to start and is shared by
// every submission for its language, so runs are serialized. A run that is
// terminated by its context poisons the instance: the process is killed and
// the backend refuses further work.
//
// The driver reads requests from fd 4 and reports on fd 3. The submission's
// stdout and stderr are the interpreter's own fd 1 and fd 2.
type InterpreterBackend struct {
	logger   *zap.Logger
	language string

	cmd      *exec.Cmd
	requests io.WriteCloser
	stderr   *tailBuffer

	frames      chan frame
	stdoutLines chan string
	stderrLines chan string
	stopped     chan struct{}
	exited      chan struct{}
	exitErr     error

	mu       sync.Mutex
	poisoned atomic.Bool
	stopOnce sync.Once
}

// StartInterpreterBackend launches the interpreter described by spec and
// waits until it reports ready or ctx ends.
func StartInterpreterBackend(ctx context.Context, logger *zap.Logger, spec LanguageSpec) (*InterpreterBackend, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("no command configured for %s", spec.Name)
	}
	binary, err := exec.LookPath(spec.Command)
	if err != nil {
		return nil, fmt.Errorf("failed to locate %s: %w", spec.Command, err)
	}

	args := make([]string, 0, len(spec.Args)+2)
	args = append(args, spec.Args...)
	args = append(args, "-c", interpreterDriver)

	control, controlWriter, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open control pipe: %w", err)
	}
	requestReader, requests, err := os.Pipe()
	if err != nil {
		_ = control.Close()
		_ = controlWriter.Close()
		return nil, fmt.Errorf("failed to open request pipe: %w", err)
	}

	cmd := exec.Command(binary, args...) //nolint:gosec // Running the configured interpreter is intended functionality
	cmd.Env = buildEnv(spec.Environment)
	cmd.ExtraFiles = []*os.File{controlWriter, requestReader}
	setProcessGroup(cmd)

	b := &InterpreterBackend{
		logger:      logger,
		language:    spec.Name,
		cmd:         cmd,
		requests:    requests,
		stderr:      newTailBuffer(stderrTailSize),
		frames:      make(chan frame, frameBuffer),
		stdoutLines: make(chan string, lineBuffer),
		stderrLines: make(chan string, lineBuffer),
		stopped:     make(chan struct{}),
		exited:      make(chan struct{}),
	}

	closeAll := func() {
		for _, f := range []*os.File{control, controlWriter, requestReader, requests} {
			_ = f.Close()
		}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	started := time.Now()
	startErr := cmd.Start()
	// The child holds its own ends.
	_ = controlWriter.Close()
	_ = requestReader.Close()
	if startErr != nil {
		_ = control.Close()
		_ = requests.Close()
		return nil, fmt.Errorf("failed to start %s: %w", binary, startErr)
	}

	go b.supervise(control, stdout, stderr)

	select {
	case f, ok := <-b.frames:
		if !ok || f.Stream != frameReady {
			b.stop()
			return nil, fmt.Errorf("interpreter exited before becoming ready: %s", b.exitDetail())
		}
	case <-ctx.Done():
		b.stop()
		return nil, fmt.Errorf("interpreter did not become ready: %w", ctx.Err())
	}

	logger.Info("interpreter ready",
		zap.String("language", spec.Name),
		zap.Int("pid", cmd.Process.Pid),
		zap.Duration("startup", time.Since(started)))

	return b, nil
}

// supervise forwards frames and output lines from the interpreter until its
// descriptors close, then records the exit status. Losing the control stream
// leaves nothing to report completion, so the instance is poisoned at once.
func (b *InterpreterBackend) supervise(control *os.File, stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)
	go b.forwardLines(&wg, stdout, b.stdoutLines, nil)
	go b.forwardLines(&wg, stderr, b.stderrLines, b.stderr)

	err := readFrames(control, func(f frame) {
		select {
		case b.frames <- f:
		case <-b.stopped:
		}
	}, func(line string) {
		b.logger.Debug("discarding stray control output", zap.String("language", b.language), zap.String("line", line))
	})
	_ = control.Close()
	close(b.frames)
	if err != nil {
		b.poison("control stream failed: " + err.Error())
	} else {
		b.poison("control stream closed")
	}

	wg.Wait()
	b.exitErr = b.cmd.Wait()
	close(b.exited)
}

// forwardLines relays one output descriptor line by line, keeping a copy in
// tail when it is set.
func (b *InterpreterBackend) forwardLines(wg *sync.WaitGroup, r io.Reader, out chan<- string, tail io.Writer) {
	defer wg.Done()
	defer close(out)
	err := readLines(r, func(line string) {
		if tail != nil && !strings.Contains(line, syncPrefix) {
			_, _ = io.WriteString(tail, line+"\n")
		}
		// Queue while there is room, even after a stop.
		select {
		case out <- line:
			return
		default:
		}
		select {
		case out <- line:
		case <-b.stopped:
		}
	})
	if err != nil {
		b.logger.Warn("interpreter output stream failed", zap.String("language", b.language), zap.Error(err))
		_, _ = io.Copy(io.Discard, r)
	}
}

// Family implements Backend.
func (*InterpreterBackend) Family() Family {
	return FamilyInterpreter
}

// Healthy implements Backend.
func (b *InterpreterBackend) Healthy() bool {
	if b.poisoned.Load() {
		return false
	}
	select {
	case <-b.exited:
		return false
	default:
		return true
	}
}

// Run submits code to the shared interpreter and streams its output into
// capture. Concurrent calls are serialized. A run is complete once the driver
// has reported it done and the run's sync marker has come through on both
// stdout and stderr, so no output trails into the next run.
func (b *InterpreterBackend) Run(ctx context.Context, code string, capture *Capture) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.Healthy() {
		return ErrPoisoned
	}
	b.discardStale()

	id := uuid.NewString()
	request, err := json.Marshal(struct {
		ID   string `json:"id"`
		Code string `json:"code"`
	}{ID: id, Code: code})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	if _, err := b.requests.Write(append(request, '\n')); err != nil {
		b.poison("request write failed")
		return fmt.Errorf("failed to submit code: %w", err)
	}

	marker := syncPrefix + id + "\x00"
	stdout, stderr := b.stdoutLines, b.stderrLines
	var (
		done   bool
		result error
	)
	for !done || stdout != nil || stderr != nil {
		select {
		case f, ok := <-b.frames:
			if !ok {
				b.poison("interpreter exited")
				b.drain(capture, stdout, stderr)
				return &Fault{Family: FamilyInterpreter, Detail: "Interpreter exited unexpectedly: " + b.exitDetail()}
			}
			if f.ID != id || f.Stream != frameDone {
				continue
			}
			done = true
			if f.Error != nil && strings.TrimSpace(*f.Error) != "" {
				result = &Fault{Family: FamilyInterpreter, Detail: *f.Error}
			}
		case line, ok := <-stdout:
			if !ok || acceptLine(capture, StreamStdout, line, marker) {
				stdout = nil
			}
		case line, ok := <-stderr:
			if !ok || acceptLine(capture, StreamStderr, line, marker) {
				stderr = nil
			}
		case <-ctx.Done():
			b.poison(ctx.Err().Error())
			b.collectPending(capture, stdout, stderr)
			return ctx.Err()
		}
	}
	return result
}

// acceptLine captures one output line and reports whether it carried the
// run's sync marker. Text written ahead of the marker on the same line is
// kept.
func acceptLine(capture *Capture, stream Stream, line, marker string) bool {
	if text, found := strings.CutSuffix(line, marker); found {
		appendLine(capture, stream, text)
		return true
	}
	appendLine(capture, stream, line)
	return false
}

// discardStale drops output that arrived while no run was active.
func (b *InterpreterBackend) discardStale() {
	stdout, stderr := b.stdoutLines, b.stderrLines
	for stdout != nil || stderr != nil {
		select {
		case line, ok := <-stdout:
			if !ok {
				stdout = nil
				continue
			}
			b.logger.Debug("discarding output between runs", zap.String("language", b.language), zap.String("line", line))
		case line, ok := <-stderr:
			if !ok {
				stderr = nil
				continue
			}
			b.logger.Debug("discarding output between runs", zap.String("language", b.language), zap.String("line", line))
		default:
			return
		}
	}
}

// collectPending captures lines already queued without waiting for more.
func (b *InterpreterBackend) collectPending(capture *Capture, stdout, stderr <-chan string) {
	for stdout != nil || stderr != nil {
		select {
		case line, ok := <-stdout:
			if !ok {
				stdout = nil
				continue
			}
			appendLine(capture, StreamStdout, line)
		case line, ok := <-stderr:
			if !ok {
				stderr = nil
				continue
			}
			appendLine(capture, StreamStderr, line)
		default:
			return
		}
	}
}

// drain captures what a dead interpreter left in its output pipes, giving
// up after exitGrace.
func (b *InterpreterBackend) drain(capture *Capture, stdout, stderr <-chan string) {
	timeout := time.NewTimer(exitGrace)
	defer timeout.Stop()
	for stdout != nil || stderr != nil {
		select {
		case line, ok := <-stdout:
			if !ok {
				stdout = nil
				continue
			}
			appendLine(capture, StreamStdout, line)
		case line, ok := <-stderr:
			if !ok {
				stderr = nil
				continue
			}
			appendLine(capture, StreamStderr, line)
		case <-timeout.C:
			return
		}
	}
}

// Close implements Backend. The interpreter is asked to exit by closing its
// request pipe and is killed if it has not gone by the time ctx ends.
func (b *InterpreterBackend) Close(ctx context.Context) error {
	b.poisoned.Store(true)
	_ = b.requests.Close()

	select {
	case <-b.exited:
	case <-ctx.Done():
		b.stop()
		<-b.exited
	}
	b.stopOnce.Do(func() { close(b.stopped) })
	return nil
}

// poison marks the instance unusable and kills it.
func (b *InterpreterBackend) poison(reason string) {
	if b.poisoned.CompareAndSwap(false, true) {
		b.logger.Warn("interpreter poisoned", zap.String("language", b.language), zap.String("reason", reason))
	}
	b.stop()
}

func (b *InterpreterBackend) stop() {
	b.poisoned.Store(true)
	b.stopOnce.Do(func() {
		close(b.stopped)
		if err := killProcessGroup(b.cmd.Process); err != nil {
			b.logger.Warn("failed to kill interpreter", zap.String("language", b.language), zap.Error(err))
		}
		_ = b.requests.Close()
	})
}

// exitDetail describes why the interpreter went away, waiting briefly for
// its exit status.
func (b *InterpreterBackend) exitDetail() string {
	select {
	case <-b.exited:
	case <-time.After(exitGrace):
		return "no exit status"
	}
	if tail := strings.TrimSpace(b.stderr.String()); tail != "" {
		return tail
	}
	if b.exitErr != nil {
		return b.exitErr.Error()
	}
	return "exit status 0"
}
