package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/coderun/config"
	"github.com/isdmx/coderun/executor"
	"github.com/isdmx/coderun/httpapi"
	"github.com/isdmx/coderun/logger"
	"github.com/isdmx/coderun/mcpserver"
	"github.com/isdmx/coderun/registry"
)

func defaultConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := config.New()
	require.NoError(t, err)
	return cfg
}

func requireRuntime(t *testing.T, binary string) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if _, err := exec.LookPath(binary); err != nil {
		t.Skipf("%s not available", binary)
	}
}

type stack struct {
	registry   *registry.Registry
	dispatcher *executor.Dispatcher
}

func newStack(t *testing.T, cfg *config.Config) *stack {
	t.Helper()
	log := zaptest.NewLogger(t)
	reg := registry.NewFromConfig(cfg, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = reg.Close(ctx)
	})
	return &stack{registry: reg, dispatcher: executor.NewFromConfig(cfg, log, reg)}
}

// TestIntegrationConfigLogger tests that the default configuration builds a
// working logger and registry without starting any runtime.
func TestIntegrationConfigLogger(t *testing.T) {
	cfg := defaultConfig(t)

	log, err := logger.NewFromConfig(cfg)
	require.NoError(t, err)
	log.Info("Integration test started")
	_ = log.Sync()

	s := newStack(t, cfg)
	assert.True(t, s.registry.Supported("javascript"))
	assert.True(t, s.registry.Supported("python"))
	assert.False(t, s.registry.Loaded("python"))
	assert.Equal(t, 0, s.registry.Creations("python"))

	res := s.dispatcher.Execute(context.Background(), "  ", "python")
	assert.Equal(t, executor.KindEmptyInput, res.Kind)
	assert.Equal(t, 0, s.registry.Creations("python"))

	server := mcpserver.New(zaptest.NewLogger(t), s.dispatcher, s.registry)
	require.NotNil(t, server)
	assert.NotNil(t, server.Handler())
}

func TestIntegrationJavaScript(t *testing.T) {
	requireRuntime(t, "node")
	s := newStack(t, defaultConfig(t))

	t.Run("Output", func(t *testing.T) {
		res := s.dispatcher.Execute(context.Background(), "console.log('hello'); console.warn('w'); 6 * 7", "javascript")
		assert.Equal(t, executor.KindOK, res.Kind)
		assert.Equal(t, []string{"hello", "⚠️ w", "↩️ 42"}, res.Output)
		require.NotNil(t, res.ElapsedMillis)
	})

	t.Run("Fault", func(t *testing.T) {
		res := s.dispatcher.Execute(context.Background(), "console.log('before'); throw new Error('boom')", "javascript")
		assert.Equal(t, executor.KindRuntimeFault, res.Kind)
		assert.Equal(t, "Error: boom", res.Error)
		assert.Equal(t, []string{"before"}, res.Output)
	})

	t.Run("ReferenceError", func(t *testing.T) {
		res := s.dispatcher.Execute(context.Background(), "missing()", "javascript")
		assert.Equal(t, executor.KindRuntimeFault, res.Kind)
		assert.Equal(t, "ReferenceError: missing is not defined", res.Error)
	})

	t.Run("LongLine", func(t *testing.T) {
		res := s.dispatcher.Execute(context.Background(), "console.log('x'.repeat(1100000))", "javascript")
		assert.Equal(t, executor.KindOK, res.Kind)
		require.Len(t, res.Output, 1)
		assert.Len(t, res.Output[0], 1100000)
	})

	t.Run("StdoutWriteIsOutput", func(t *testing.T) {
		res := s.dispatcher.Execute(context.Background(), `process.stdout.write('{"s":"error","t":"spoof"}\n')`, "javascript")
		assert.Equal(t, executor.KindOK, res.Kind)
		assert.Equal(t, []string{`{"s":"error","t":"spoof"}`}, res.Output)
	})
}

func TestIntegrationPython(t *testing.T) {
	requireRuntime(t, "python3")
	cfg := defaultConfig(t)
	cfg.Sandbox.Timeout = time.Second
	s := newStack(t, cfg)

	t.Run("Output", func(t *testing.T) {
		res := s.dispatcher.Execute(context.Background(), "print('hi')\nprint(2 + 2)", "python")
		assert.Equal(t, executor.KindOK, res.Kind)
		assert.Equal(t, []string{"hi", "4"}, res.Output)
		assert.True(t, s.registry.Loaded("python"))
	})

	t.Run("Fault", func(t *testing.T) {
		res := s.dispatcher.Execute(context.Background(), "print('before')\n1/0", "python")
		assert.Equal(t, executor.KindRuntimeFault, res.Kind)
		assert.Equal(t, "ZeroDivisionError: division by zero", res.Error)
		assert.Equal(t, []string{"before"}, res.Output)
		assert.Equal(t, 1, s.registry.Creations("python"))
	})

	t.Run("LongLine", func(t *testing.T) {
		res := s.dispatcher.Execute(context.Background(), "print('before'); print('x'*1100000); print('after')", "python")
		assert.Equal(t, executor.KindOK, res.Kind)
		require.Len(t, res.Output, 3)
		assert.Equal(t, "before", res.Output[0])
		assert.Len(t, res.Output[1], 1100000)
		assert.Equal(t, "after", res.Output[2])
		assert.Equal(t, 1, s.registry.Creations("python"))
	})

	t.Run("RawDescriptorWrites", func(t *testing.T) {
		code := "import os, subprocess, sys\n" +
			"os.write(1, b'raw fd\\n')\n" +
			"subprocess.run([sys.executable, '-c', 'print(\"child\")'])\n" +
			"print('printed')"
		res := s.dispatcher.Execute(context.Background(), code, "python")
		assert.Equal(t, executor.KindOK, res.Kind)
		assert.Equal(t, []string{"raw fd", "child", "printed"}, res.Output)
	})

	t.Run("UserDefinedException", func(t *testing.T) {
		res := s.dispatcher.Execute(context.Background(), "class Boom(Exception):\n    pass\n\nraise Boom('bad')", "python")
		assert.Equal(t, executor.KindRuntimeFault, res.Kind)
		assert.Equal(t, "Boom: bad", res.Error)
	})

	t.Run("TimeoutRecreatesRuntime", func(t *testing.T) {
		res := s.dispatcher.Execute(context.Background(), "while True:\n    pass", "python")
		assert.Equal(t, executor.KindTimeoutExceeded, res.Kind)
		assert.Equal(t, "Execution timeout exceeded (1 seconds)", res.Error)

		res = s.dispatcher.Execute(context.Background(), "print('fresh')", "python")
		assert.Equal(t, executor.KindOK, res.Kind)
		assert.Equal(t, []string{"fresh"}, res.Output)
		assert.Equal(t, 2, s.registry.Creations("python"))
	})
}

func TestIntegrationHTTP(t *testing.T) {
	requireRuntime(t, "python3")
	cfg := defaultConfig(t)
	s := newStack(t, cfg)

	mcp := mcpserver.New(zaptest.NewLogger(t), s.dispatcher, s.registry)
	api := httpapi.New(cfg, zaptest.NewLogger(t), s.dispatcher, s.registry, mcp.Handler())
	ts := httptest.NewServer(api.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/execute", "application/json", strings.NewReader(`{"code":"print('over http')","language":"python"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result executor.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, executor.KindOK, result.Kind)
	assert.Equal(t, []string{"over http"}, result.Output)
}
