package sandbox

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"sync"
)

// stderrTailSize bounds how much of a runtime's stderr is kept for
// describing an abnormal exit.
const stderrTailSize = 64 * 1024

// readLines calls fn with every newline-terminated line read from r, without
// the terminator, and with a trailing unterminated line at EOF. Lines are not
// length-limited. It returns nil once r is exhausted.
func readLines(r io.Reader, fn func(string)) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			fn(strings.TrimSuffix(line, "\n"))
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
	}
}

// readFrames decodes frames from r until it is exhausted. Continuation runs
// are joined before fn sees them. Lines that are not frames go to stray.
func readFrames(r io.Reader, fn func(frame), stray func(string)) error {
	var asm frameAssembler
	return readLines(r, func(line string) {
		f, ok := decodeFrame([]byte(line))
		if !ok {
			if strings.TrimSpace(line) != "" {
				stray(line)
			}
			return
		}
		if f, ok = asm.add(f); ok {
			fn(f)
		}
	})
}

// frameAssembler joins a run of continuation frames into one.
type frameAssembler struct {
	buf strings.Builder
}

func (a *frameAssembler) add(f frame) (frame, bool) {
	if f.More {
		a.buf.WriteString(f.Text)
		return frame{}, false
	}
	if a.buf.Len() > 0 {
		a.buf.WriteString(f.Text)
		f.Text = a.buf.String()
		a.buf.Reset()
	}
	return f, true
}

// tailBuffer keeps the most recent bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		n := copy(t.buf, t.buf[over:])
		t.buf = t.buf[:n]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
