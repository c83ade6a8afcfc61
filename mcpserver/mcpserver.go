// Package mcpserver exposes the broker's tool dispatcher over the Model
// Context Protocol. Agents connect over stdio (one persistent child process
// per client), enumerate the coordination tools via the standard tools/list
// request and invoke them via tools/call. Results are rendered as JSON text
// content; the dispatcher guarantees every call produces a structured result,
// so nothing here ever surfaces a protocol-level tool error for handler
// failures.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/splitmind/coord/broker"
)

// New builds an MCP server serving every tool the dispatcher enumerates.
func New(d *broker.Dispatcher, name, version string) *server.MCPServer {
	s := server.NewMCPServer(name, version,
		server.WithToolCapabilities(false),
	)
	for _, tool := range d.Tools() {
		s.AddTool(mcpTool(tool), handler(d, tool.Name))
	}
	return s
}

// ServeStdio serves the MCP session over the given streams until the context
// is canceled or the client closes its end.
func ServeStdio(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s).Listen(ctx, in, out)
}

// mcpTool converts a dispatcher tool definition into its MCP declaration.
func mcpTool(tool *broker.Tool) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(tool.Description)}
	for _, arg := range tool.Args {
		opts = append(opts, argOption(arg))
	}
	return mcp.NewTool(tool.Name, opts...)
}

func argOption(arg broker.Arg) mcp.ToolOption {
	switch arg.Type {
	case broker.ArgInteger:
		props := []mcp.PropertyOption{mcp.Description(arg.Description)}
		if arg.Required {
			props = append(props, mcp.Required())
		}
		if def, ok := arg.Default.(int); ok {
			props = append(props, mcp.DefaultNumber(float64(def)))
		}
		return mcp.WithNumber(arg.Name, props...)
	case broker.ArgBoolean:
		props := []mcp.PropertyOption{mcp.Description(arg.Description)}
		if arg.Required {
			props = append(props, mcp.Required())
		}
		if def, ok := arg.Default.(bool); ok {
			props = append(props, mcp.DefaultBool(def))
		}
		return mcp.WithBoolean(arg.Name, props...)
	default:
		props := []mcp.PropertyOption{mcp.Description(arg.Description)}
		if arg.Required {
			props = append(props, mcp.Required())
		}
		return mcp.WithString(arg.Name, props...)
	}
}

// handler adapts a dispatcher tool to the MCP tool handler signature.
func handler(d *broker.Dispatcher, name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result := d.Call(ctx, name, req.GetArguments())
		payload, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("encode %s result: %w", name, err)
		}
		return mcp.NewToolResultText(string(payload)), nil
	}
}
