package mcpserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/coderun/executor"
	"github.com/isdmx/coderun/sandbox"
)

// ToolName is the name of the execution tool
const ToolName = "execute_code"

// Executor runs submissions
type Executor interface {
	Execute(ctx context.Context, code, language string) executor.Result
}

// Catalog lists the supported languages
type Catalog interface {
	Languages() []sandbox.LanguageSpec
}

// MCPServer represents the MCP server
type MCPServer struct {
	logger    *zap.Logger
	exec      Executor
	catalog   Catalog
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(logger *zap.Logger, exec Executor, catalog Catalog) *MCPServer {
	s := &MCPServer{
		logger:  logger,
		exec:    exec,
		catalog: catalog,
	}

	s.mcpServer = server.NewMCPServer("coderun", "1.0.0", server.WithToolCapabilities(false))
	s.registerExecuteCodeTool()

	return s
}

// registerExecuteCodeTool registers the execute_code tool
func (s *MCPServer) registerExecuteCodeTool() {
	languages := make([]string, 0)
	for _, spec := range s.catalog.Languages() {
		languages = append(languages, spec.Name)
	}

	tool := mcp.NewTool(ToolName,
		mcp.WithDescription("Execute a code snippet in an isolated sandbox and return its output"),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("Source code to execute"),
		),
		mcp.WithString("language",
			mcp.Required(),
			mcp.Description("Language of the snippet"),
			mcp.Enum(languages...),
		),
	)

	s.mcpServer.AddTool(tool, s.handleExecuteCode)
}

// handleExecuteCode handles the execute_code tool
func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError("code parameter is required"), nil
	}

	language, err := request.RequireString("language")
	if err != nil {
		return mcp.NewToolResultError("language parameter is required"), nil
	}

	s.logger.Info("code execution requested over MCP", zap.String("language", language))

	result := s.exec.Execute(ctx, code, language)
	text := strings.Join(result.Transcript(), "\n")
	if result.Failed() {
		return mcp.NewToolResultError(text), nil
	}
	return mcp.NewToolResultText(text), nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// Handler returns a streamable HTTP handler for mounting on a router
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}
