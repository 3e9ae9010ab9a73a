// Package sandbox provides isolated code execution backends.
//
// The sandbox package implements the two backend families used to run
// untrusted snippets. A ProcessBackend starts a brand-new interpreter
// process for every submission and destroys it afterwards, so nothing
// leaks between runs. An InterpreterBackend keeps one expensive
// interpreter process alive and feeds it submissions one at a time.
//
// Harness traffic never shares a descriptor with submitted code. Frames
// travel on fd 3 (and, for the interpreter, requests on fd 4), while fd 1
// and fd 2 are captured verbatim as stdout and stderr.
//
// Both families stream captured output into a Capture as it is produced,
// so a caller that gives up on a run (for example on timeout) still sees
// every line written up to that instant.
//
// Usage:
//
//	backend, err := sandbox.Open(ctx, logger, sandbox.LanguageSpec{
//	    Name:    "python",
//	    Family:  sandbox.FamilyInterpreter,
//	    Command: "python3",
//	    Args:    []string{"-u"},
//	})
//	capture := sandbox.NewCapture()
//	err = backend.Run(ctx, "print('Hello, World!')", capture)
package sandbox
