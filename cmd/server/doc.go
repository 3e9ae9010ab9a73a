// Package main is the entry point for the coderun execution service.
//
// coderun runs short JavaScript and Python snippets in sandboxed runtimes
// and returns their captured console output. JavaScript runs in a fresh node
// process per submission; Python runs in one warm interpreter that is
// started on first use and reused until it times out or dies.
//
// Subcommands:
//
//	serve       start the HTTP API (or MCP over stdio)
//	run         execute one file and print the result
//	languages   list the configured languages
//
// The serve command uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main
