package sandbox

import _ "embed"

// processHarness is the JavaScript entry point run by every ProcessBackend
// submission. It reads the submission path from argv and writes frames to
// fd 3.
//
//go:embed harness/harness.js
var processHarness []byte

// interpreterDriver is the Python program kept alive by an
// InterpreterBackend. It reads one JSON request per line on fd 4 and reports
// on fd 3.
//
//go:embed harness/driver.py
var interpreterDriver string

const (
	harnessFileName    = "harness.js"
	submissionFileName = "submission.js"
)
