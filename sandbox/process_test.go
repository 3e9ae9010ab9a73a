package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// MockFileSystem implements FileSystem for testing
type MockFileSystem struct {
	mkdirTempErr    error
	writeFileErrors map[string]error
	writeFileData   map[string][]byte
	removed         []string
}

func (m *MockFileSystem) MkdirTemp(_, _ string) (string, error) {
	if m.mkdirTempErr != nil {
		return "", m.mkdirTempErr
	}
	return "/tmp/test", nil
}

func (m *MockFileSystem) WriteFile(filename string, data []byte, _ os.FileMode) error {
	if err, exists := m.writeFileErrors[filename]; exists {
		return err
	}
	if m.writeFileData == nil {
		m.writeFileData = make(map[string][]byte)
	}
	m.writeFileData[filename] = data
	return nil
}

func (m *MockFileSystem) RemoveAll(path string) error {
	m.removed = append(m.removed, path)
	return nil
}

// recordingFileSystem remembers the directories it created.
type recordingFileSystem struct {
	RealFileSystem
	dirs []string
}

func (r *recordingFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	path, err := r.RealFileSystem.MkdirTemp(dir, pattern)
	if err == nil {
		r.dirs = append(r.dirs, path)
	}
	return path, err
}

func selfSpec(t *testing.T) LanguageSpec {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)
	return LanguageSpec{Name: LanguageJavaScript, Family: FamilyProcess, Command: self}
}

func nodeBackend(t *testing.T, fs FileSystem) *ProcessBackend {
	t.Helper()
	if _, err := exec.LookPath("node"); err != nil {
		t.Skip("node not available")
	}
	opts := []ProcessBackendOption{}
	if fs != nil {
		opts = append(opts, WithProcessFileSystem(fs))
	}
	backend, err := NewProcessBackend(zaptest.NewLogger(t), LanguageSpec{
		Name:    LanguageJavaScript,
		Family:  FamilyProcess,
		Command: "node",
	}, opts...)
	require.NoError(t, err)
	return backend
}

func TestNewProcessBackend(t *testing.T) {
	t.Run("EmptyCommand", func(t *testing.T) {
		_, err := NewProcessBackend(zaptest.NewLogger(t), LanguageSpec{Name: "javascript", Family: FamilyProcess})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no command configured")
	})

	t.Run("MissingBinary", func(t *testing.T) {
		_, err := NewProcessBackend(zaptest.NewLogger(t), LanguageSpec{
			Name:    "javascript",
			Family:  FamilyProcess,
			Command: "coderun-no-such-binary",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to locate coderun-no-such-binary")
	})

	t.Run("Defaults", func(t *testing.T) {
		backend, err := NewProcessBackend(zaptest.NewLogger(t), selfSpec(t))
		require.NoError(t, err)
		assert.Equal(t, FamilyProcess, backend.Family())
		assert.True(t, backend.Healthy())
		assert.NoError(t, backend.Close(context.Background()))
		assert.IsType(t, &RealFileSystem{}, backend.fs)
	})
}

func TestProcessBackendFileSystemErrors(t *testing.T) {
	t.Run("MkdirTempFails", func(t *testing.T) {
		fs := &MockFileSystem{mkdirTempErr: errors.New("disk full")}
		backend, err := NewProcessBackend(zaptest.NewLogger(t), selfSpec(t), WithProcessFileSystem(fs))
		require.NoError(t, err)

		err = backend.Run(context.Background(), "console.log(1)", NewCapture())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to create temp dir")
		assert.Empty(t, fs.removed)
	})

	t.Run("WriteHarnessFails", func(t *testing.T) {
		fs := &MockFileSystem{writeFileErrors: map[string]error{
			"/tmp/test/" + harnessFileName: errors.New("read-only"),
		}}
		backend, err := NewProcessBackend(zaptest.NewLogger(t), selfSpec(t), WithProcessFileSystem(fs))
		require.NoError(t, err)

		err = backend.Run(context.Background(), "console.log(1)", NewCapture())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to write harness")
		assert.Equal(t, []string{"/tmp/test"}, fs.removed)
	})

	t.Run("WriteSubmissionFails", func(t *testing.T) {
		fs := &MockFileSystem{writeFileErrors: map[string]error{
			"/tmp/test/" + submissionFileName: errors.New("read-only"),
		}}
		backend, err := NewProcessBackend(zaptest.NewLogger(t), selfSpec(t), WithProcessFileSystem(fs))
		require.NoError(t, err)

		err = backend.Run(context.Background(), "console.log(1)", NewCapture())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to write user code")
		assert.Equal(t, processHarness, fs.writeFileData["/tmp/test/"+harnessFileName])
		assert.Equal(t, []string{"/tmp/test"}, fs.removed)
	})
}

func TestProcessBackendRunIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	t.Run("ConsoleStreams", func(t *testing.T) {
		backend := nodeBackend(t, nil)
		capture := NewCapture()

		err := backend.Run(context.Background(), "console.log('hi', 1); console.warn('careful'); console.error('bad')", capture)
		require.NoError(t, err)
		assert.Equal(t, []Line{
			{Stream: StreamStdout, Text: "hi 1"},
			{Stream: StreamWarn, Text: "careful"},
			{Stream: StreamStderr, Text: "bad"},
		}, capture.Lines())
	})

	t.Run("ReturnValue", func(t *testing.T) {
		backend := nodeBackend(t, nil)
		capture := NewCapture()

		require.NoError(t, backend.Run(context.Background(), "1 + 1", capture))
		assert.Equal(t, []Line{{Stream: StreamReturn, Text: "2"}}, capture.Lines())
	})

	t.Run("ThrownError", func(t *testing.T) {
		backend := nodeBackend(t, nil)
		capture := NewCapture()

		err := backend.Run(context.Background(), "console.log('before'); throw new Error('boom')", capture)
		fault, ok := AsFault(err)
		require.True(t, ok, "expected fault, got %v", err)
		assert.Equal(t, FamilyProcess, fault.Family)
		assert.Equal(t, "Error: boom", fault.Detail)
		assert.Equal(t, []string{"before"}, texts(capture.Lines()))
	})

	t.Run("SyntaxError", func(t *testing.T) {
		backend := nodeBackend(t, nil)

		err := backend.Run(context.Background(), "let = ;", NewCapture())
		fault, ok := AsFault(err)
		require.True(t, ok, "expected fault, got %v", err)
		assert.True(t, strings.HasPrefix(fault.Detail, "SyntaxError"), fault.Detail)
	})

	t.Run("LongLine", func(t *testing.T) {
		backend := nodeBackend(t, nil)
		capture := NewCapture()

		require.NoError(t, backend.Run(context.Background(), "console.log('before'); console.log('x'.repeat(1100000)); console.log('after')", capture))
		lines := capture.Lines()
		require.Len(t, lines, 3)
		assert.Equal(t, "before", lines[0].Text)
		assert.Equal(t, strings.Repeat("x", 1100000), lines[1].Text)
		assert.Equal(t, StreamStdout, lines[1].Stream)
		assert.Equal(t, "after", lines[2].Text)
	})

	t.Run("RawStdoutCannotForgeFrames", func(t *testing.T) {
		backend := nodeBackend(t, nil)
		capture := NewCapture()

		err := backend.Run(context.Background(), `process.stdout.write('{"s":"error","t":"spoof"}\n'); process.stderr.write('raw err\n'); console.log('after')`, capture)
		require.NoError(t, err)
		assert.ElementsMatch(t, []Line{
			{Stream: StreamStdout, Text: `{"s":"error","t":"spoof"}`},
			{Stream: StreamStderr, Text: "raw err"},
			{Stream: StreamStdout, Text: "after"},
		}, capture.Lines())
	})

	t.Run("NonZeroExit", func(t *testing.T) {
		backend := nodeBackend(t, nil)
		capture := NewCapture()

		err := backend.Run(context.Background(), "process.stderr.write('going\\n'); process.exit(3)", capture)
		fault, ok := AsFault(err)
		require.True(t, ok, "expected fault, got %v", err)
		assert.Equal(t, "Process exited: exit status 3", fault.Detail)
		assert.Equal(t, []Line{{Stream: StreamStderr, Text: "going"}}, capture.Lines())
	})

	t.Run("TimeoutKillsProcess", func(t *testing.T) {
		fs := &recordingFileSystem{}
		backend := nodeBackend(t, fs)

		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()

		started := time.Now()
		err := backend.Run(ctx, "console.log('spin'); while (true) {}", NewCapture())
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(started), 5*time.Second)

		require.Len(t, fs.dirs, 1)
		_, statErr := os.Stat(fs.dirs[0])
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("WorkingDirectoryRemoved", func(t *testing.T) {
		fs := &recordingFileSystem{}
		backend := nodeBackend(t, fs)

		require.NoError(t, backend.Run(context.Background(), "console.log(process.cwd())", NewCapture()))
		require.Len(t, fs.dirs, 1)
		_, statErr := os.Stat(fs.dirs[0])
		assert.True(t, os.IsNotExist(statErr))
	})
}
