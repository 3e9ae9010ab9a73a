package executor

import (
	"fmt"
	"time"
)

// Kind classifies the outcome of an execution.
type Kind string

const (
	KindOK                    Kind = "ok"
	KindEmptyInput            Kind = "empty_input"
	KindUnsupportedLanguage   Kind = "unsupported_language"
	KindRuntimeFault          Kind = "runtime_fault"
	KindTimeoutExceeded       Kind = "timeout_exceeded"
	KindBackendInitialization Kind = "backend_initialization_failure"
	KindCanceled              Kind = "canceled"
)

// NoCodeMessage is the informational output for an empty submission.
const NoCodeMessage = "No code to execute"

// Result is the outcome of one execution. Output holds everything captured
// before any failure; Error is empty on success; ElapsedMillis is nil only
// when execution never started.
type Result struct {
	Output        []string `json:"output" yaml:"output"`
	Error         string   `json:"error,omitempty" yaml:"error,omitempty"`
	ElapsedMillis *float64 `json:"executionTime,omitempty" yaml:"executionTime,omitempty"`
	Kind          Kind     `json:"kind" yaml:"kind"`
}

// Failed reports whether the result carries an error.
func (r Result) Failed() bool {
	return r.Error != ""
}

// Transcript renders the result the way a console shows it: the output,
// then the error line, then the timing line.
func (r Result) Transcript() []string {
	lines := append([]string(nil), r.Output...)
	if r.Error != "" {
		lines = append(lines, "", "❌ "+r.Error)
	}
	if r.ElapsedMillis != nil {
		lines = append(lines, "", fmt.Sprintf("⏱️  Execution time: %.2fms", *r.ElapsedMillis))
	}
	if len(lines) == 0 {
		return []string{"✅ Code executed successfully (no output)"}
	}
	return lines
}

func millis(d time.Duration) *float64 {
	if d < 0 {
		d = 0
	}
	ms := float64(d) / float64(time.Millisecond)
	return &ms
}
