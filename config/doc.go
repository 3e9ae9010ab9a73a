// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and CODERUN_* environment variables. It
// covers the transport settings, the execution timeout policy, logging and
// the set of supported languages with the backend family serving each.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Execution timeout: %s\n", cfg.Sandbox.Timeout)
package config
