// Package logger provides structured logging capabilities.
//
// The logger package builds the application's zap logger from the logging
// section of the configuration. Production mode emits JSON with ISO8601
// timestamps and a service field; development mode emits colored console
// output. Both write to stderr unless other output paths are configured.
//
// Usage:
//
//	log, err := logger.New("production", "info", logger.WithServiceName("coderun-edge"))
//	if err != nil {
//	    panic(err)
//	}
//	log.Info("runtime ready", zap.String("language", "python"))
package logger
