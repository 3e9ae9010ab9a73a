// Package executor is the public entry point of the execution service.
//
// A Dispatcher validates a submission, resolves the language backend
// through the registry, runs the code under the wall-clock timeout and
// normalizes whatever was captured into a Result. Execute never returns an
// error: every failure is reported inside the Result together with the
// output captured before it.
//
// Usage:
//
//	d := executor.New(logger, reg, executor.WithTimeout(30*time.Second))
//	res := d.Execute(ctx, "print('hi')", "python")
//	for _, line := range res.Transcript() {
//	    fmt.Println(line)
//	}
package executor
