// Package mcpserver exposes code execution as a Model Context Protocol tool.
//
// The server registers the execute_code tool with the mark3labs/mcp-go
// library. It can be served over stdio or mounted as a streamable HTTP
// handler next to the REST API.
//
// Usage:
//
//	server := mcpserver.New(logger, dispatcher, registry)
//	err := server.ServeStdio()
package mcpserver
