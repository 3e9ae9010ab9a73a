package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/coderun/config"
	"github.com/isdmx/coderun/executor"
	"github.com/isdmx/coderun/httpapi"
	"github.com/isdmx/coderun/logger"
	"github.com/isdmx/coderun/mcpserver"
	"github.com/isdmx/coderun/registry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the execution service",
	Long: `Start the execution service on the transport selected by server.transport.

With "http" the REST API, websocket endpoint, metrics and the MCP endpoint are
served on server.http_port. With "stdio" the MCP tool is served on stdin/stdout.

Examples:
  coderun serve
  coderun serve --config ./config/config.yaml`,
	RunE: func(*cobra.Command, []string) error {
		newApp().Run()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func newApp() *fx.App {
	return fx.New(
		// Provide dependencies
		fx.Provide(
			func() (*config.Config, error) {
				return config.Load(configPath)
			},

			// Logger with configuration
			logger.NewFromConfig,

			// Backend registry and dispatcher
			registry.NewFromConfig,
			executor.NewFromConfig,

			newMCPServer,
			newHTTPServer,
		),

		fx.Invoke(registerLifecycle),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
}

func newMCPServer(log *zap.Logger, dispatcher *executor.Dispatcher, reg *registry.Registry) *mcpserver.MCPServer {
	return mcpserver.New(log, dispatcher, reg)
}

func newHTTPServer(cfg *config.Config, log *zap.Logger, dispatcher *executor.Dispatcher, reg *registry.Registry, mcp *mcpserver.MCPServer) *httpapi.Server {
	return httpapi.New(cfg, log, dispatcher, reg, mcp.Handler())
}

// registerLifecycle starts the configured transport and tears the runtimes
// down on stop.
func registerLifecycle(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	cfg *config.Config,
	log *zap.Logger,
	reg *registry.Registry,
	mcp *mcpserver.MCPServer,
	api *httpapi.Server,
) {
	preloadCtx, cancelPreload := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if len(cfg.Sandbox.Preload) > 0 {
				go func() {
					if err := reg.Preload(preloadCtx, cfg.Sandbox.Preload...); err != nil {
						log.Warn("runtime preload failed", zap.Error(err))
					}
				}()
			}

			switch cfg.Server.Transport {
			case config.TransportStdio:
				go func() {
					if err := mcp.ServeStdio(); err != nil {
						log.Error("stdio transport stopped", zap.Error(err))
					}
					_ = shutdowner.Shutdown()
				}()
			case config.TransportHTTP:
				go func() {
					if err := api.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("http transport stopped", zap.Error(err))
						_ = shutdowner.Shutdown(fx.ExitCode(1))
					}
				}()
			default:
				return fmt.Errorf("unsupported transport: %s", cfg.Server.Transport)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancelPreload()
			var errs []error
			if cfg.Server.Transport == config.TransportHTTP {
				errs = append(errs, api.Shutdown(ctx))
			}
			errs = append(errs, reg.Close(ctx))
			return errors.Join(errs...)
		},
	})
}
