package sandbox

import (
	"encoding/json"
	"strings"
	"sync"
)

// Stream classifies a captured line.
type Stream int

const (
	StreamStdout Stream = iota
	StreamStderr
	StreamWarn
	StreamReturn
)

func (s Stream) String() string {
	switch s {
	case StreamStdout:
		return "stdout"
	case StreamStderr:
		return "stderr"
	case StreamWarn:
		return "warn"
	case StreamReturn:
		return "return"
	default:
		return "unknown"
	}
}

// Line is one captured unit of output.
type Line struct {
	Stream Stream
	Text   string
}

// Capture is an ordered, append-only log of output lines. It is safe for
// concurrent use: a backend appends while the caller may snapshot.
type Capture struct {
	mu    sync.Mutex
	lines []Line
}

// NewCapture returns an empty Capture.
func NewCapture() *Capture {
	return &Capture{}
}

// Append adds a line to the log.
func (c *Capture) Append(stream Stream, text string) {
	c.mu.Lock()
	c.lines = append(c.lines, Line{Stream: stream, Text: text})
	c.mu.Unlock()
}

// Lines returns a snapshot of everything captured so far.
func (c *Capture) Lines() []Line {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Line, len(c.lines))
	copy(out, c.lines)
	return out
}

// Len returns the number of captured lines.
func (c *Capture) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}

// appendLine adds one line of raw descriptor output to capture. Blank lines
// are dropped.
func appendLine(capture *Capture, stream Stream, text string) {
	text = strings.TrimRight(text, "\r")
	if strings.TrimSpace(text) == "" {
		return
	}
	capture.Append(stream, text)
}

// Wire frame streams shared by the harness scripts.
const (
	frameOut    = "out"
	frameErr    = "err"
	frameWarn   = "warn"
	frameReturn = "ret"
	frameError  = "error"
	frameReady  = "ready"
	frameDone   = "done"
)

// frame is one JSON line written by a harness on its frame descriptor. An
// entry too long for one frame is sent as a run of frames with More set,
// closed by a frame without it.
type frame struct {
	ID     string  `json:"id,omitempty"`
	Stream string  `json:"s"`
	Text   string  `json:"t,omitempty"`
	More   bool    `json:"m,omitempty"`
	Error  *string `json:"error,omitempty"`
}

func decodeFrame(data []byte) (frame, bool) {
	var f frame
	if len(data) == 0 || data[0] != '{' {
		return f, false
	}
	if err := json.Unmarshal(data, &f); err != nil || f.Stream == "" {
		return f, false
	}
	return f, true
}
