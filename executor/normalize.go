package executor

import (
	"regexp"
	"strings"

	"github.com/isdmx/coderun/sandbox"
)

// Output prefixes distinguishing line categories.
const (
	prefixStderr = "❌ "
	prefixWarn   = "⚠️ "
	prefixReturn = "↩️ "
)

// errorLine matches the summary line of an interpreter traceback,
// e.g. "ValueError: boom" or "KeyboardInterrupt".
var errorLine = regexp.MustCompile(`^[A-Za-z_][\w.]*(Error|Exception|Exit|Interrupt|Warning)(:.*)?$`)

// raisedLine matches the summary line of an exception with any class name,
// e.g. "Boom: bad". It is only tried against unindented lines.
var raisedLine = regexp.MustCompile(`^[A-Za-z_][\w.]*: .+$`)

// normalizeLines maps captured lines into output text.
func normalizeLines(lines []sandbox.Line) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		switch line.Stream {
		case sandbox.StreamStderr:
			out = append(out, prefixStderr+line.Text)
		case sandbox.StreamWarn:
			out = append(out, prefixWarn+line.Text)
		case sandbox.StreamReturn:
			out = append(out, prefixReturn+line.Text)
		default:
			out = append(out, line.Text)
		}
	}
	return out
}

// faultMessage extracts the concise message of a fault using the
// extraction rule of the family that raised it.
func faultMessage(f *sandbox.Fault) string {
	switch f.Family {
	case sandbox.FamilyProcess:
		return processFaultMessage(f.Detail)
	case sandbox.FamilyInterpreter:
		return interpreterFaultMessage(f.Detail)
	default:
		return strings.TrimSpace(f.Detail)
	}
}

// processFaultMessage keeps the first meaningful line of a short
// value-like error such as "ReferenceError: x is not defined".
func processFaultMessage(detail string) string {
	for _, line := range strings.Split(detail, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return "Unknown error"
}

// interpreterFaultMessage returns the last error-like line of a traceback,
// then the last unindented "Name: message" line, or the whole trace when
// neither matches.
func interpreterFaultMessage(detail string) string {
	lines := strings.Split(detail, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if errorLine.MatchString(line) {
			return line
		}
	}
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], " \t\r")
		if raisedLine.MatchString(line) {
			return line
		}
	}
	if trimmed := strings.TrimSpace(detail); trimmed != "" {
		return trimmed
	}
	return "Unknown error"
}
