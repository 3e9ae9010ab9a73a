package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Family identifies how a backend isolates submissions.
type Family string

// Backend families
const (
	FamilyProcess     Family = "process"
	FamilyInterpreter Family = "interpreter"
)

// Exclusive reports whether runs on a backend of this family share one
// mutable runtime and therefore must be serialized.
func (f Family) Exclusive() bool {
	return f == FamilyInterpreter
}

// Default language identifiers
const (
	LanguageJavaScript = "javascript"
	LanguagePython     = "python"
)

// FilePermission is the mode of files written into a run's working directory.
const FilePermission = 0o600

// ErrPoisoned is returned by a backend whose runtime can no longer be trusted,
// typically because a run was forcibly terminated.
var ErrPoisoned = errors.New("backend runtime is poisoned")

// LanguageSpec describes how to bring up the runtime for one language.
type LanguageSpec struct {
	Name        string
	Family      Family
	Command     string
	Args        []string
	Environment []string
}

// Backend executes submissions for a single language.
//
// Run returns nil when the code completed, a *Fault when the submitted code
// itself failed, ctx.Err() when the run was terminated because ctx ended, or
// any other error when the sandbox infrastructure failed. Output produced
// before any failure is left in capture.
type Backend interface {
	Family() Family
	Run(ctx context.Context, code string, capture *Capture) error
	Healthy() bool
	Close(ctx context.Context) error
}

// Fault is a failure raised by the submitted code, tagged with the backend
// family that produced it. Detail holds the native error representation:
// a short value-like message for the process family and a full traceback
// for the interpreter family.
type Fault struct {
	Family Family
	Detail string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s fault: %s", f.Family, f.Detail)
}

// AsFault unwraps err into a *Fault when possible.
func AsFault(err error) (*Fault, bool) {
	var fault *Fault
	if errors.As(err, &fault) {
		return fault, true
	}
	return nil, false
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	WriteFile(filename string, data []byte, perm os.FileMode) error
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// buildEnv returns the process environment extended with KEY=VALUE entries.
// Later entries win.
func buildEnv(extra []string) []string {
	env := os.Environ()
	return append(env[:len(env):len(env)], extra...)
}
