package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/coderun/config"
	"github.com/isdmx/coderun/executor"
	"github.com/isdmx/coderun/logger"
	"github.com/isdmx/coderun/registry"
)

// Output formats of the run command
const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

// errExecutionFailed makes the process exit non-zero without printing
// anything beyond the rendered result.
var errExecutionFailed = errors.New("execution failed")

var (
	languageFlag string
	formatFlag   string
)

var runCmd = &cobra.Command{
	Use:   "run [FILE|-]",
	Short: "Execute a file and print the result",
	Long: `Execute a single submission and print its output.

The code is read from FILE, or from stdin when FILE is "-" or omitted.
The exit status is 1 when the submission fails.

Examples:
  coderun run --language python script.py
  echo 'console.log(1 + 1)' | coderun run --language javascript --format json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&languageFlag, "language", "l", "", "Language of the submission")
	runCmd.Flags().StringVarP(&formatFlag, "format", "f", formatText, "Output format (text, json, yaml)")
	_ = runCmd.MarkFlagRequired("language")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	if formatFlag != formatText && formatFlag != formatJSON && formatFlag != formatYAML {
		return fmt.Errorf("invalid format %q, must be one of text, json, yaml", formatFlag)
	}

	code, err := readSource(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log, err := logger.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	reg := registry.NewFromConfig(cfg, log)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if closeErr := reg.Close(ctx); closeErr != nil {
			log.Warn("failed to close runtimes", zap.Error(closeErr))
		}
	}()
	dispatcher := executor.NewFromConfig(cfg, log, reg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result := dispatcher.Execute(ctx, code, languageFlag)

	if err := writeResult(cmd.OutOrStdout(), formatFlag, result); err != nil {
		return err
	}
	if result.Failed() {
		return errExecutionFailed
	}
	return nil
}

func readSource(stdin io.Reader, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", args[0], err)
	}
	return string(data), nil
}

func writeResult(w io.Writer, format string, result executor.Result) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		if err := enc.Encode(result); err != nil {
			return err
		}
		return enc.Close()
	default:
		_, err := fmt.Fprintln(w, strings.Join(result.Transcript(), "\n"))
		return err
	}
}
