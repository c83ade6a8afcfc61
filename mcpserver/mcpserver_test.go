package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splitmind/coord/broker"
)

func newDispatcher(t *testing.T) *broker.Dispatcher {
	t.Helper()
	b, err := broker.New(broker.Config{StatusDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b.Dispatcher()
}

func TestMCPToolDeclarations(t *testing.T) {
	d := newDispatcher(t)
	for _, tool := range d.Tools() {
		decl := mcpTool(tool)
		assert.Equal(t, tool.Name, decl.Name)
		assert.Equal(t, tool.Description, decl.Description)
		for _, arg := range tool.Args {
			require.Contains(t, decl.InputSchema.Properties, arg.Name, "tool %s arg %s", tool.Name, arg.Name)
			if arg.Required {
				assert.Contains(t, decl.InputSchema.Required, arg.Name, "tool %s arg %s", tool.Name, arg.Name)
			}
		}
	}
}

func TestHandlerRendersJSONResult(t *testing.T) {
	d := newDispatcher(t)
	h := handler(d, "heartbeat")

	req := mcp.CallToolRequest{}
	req.Params.Name = "heartbeat"
	req.Params.Arguments = map[string]any{
		"project_id":   "p",
		"session_name": "task-001",
	}

	res, err := h(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &payload))
	assert.Equal(t, "not_registered", payload["status"])
}

func TestHandlerNeverReturnsToolError(t *testing.T) {
	d := newDispatcher(t)
	h := handler(d, "heartbeat")

	// Missing args become a structured error result, not a protocol error.
	req := mcp.CallToolRequest{}
	req.Params.Name = "heartbeat"

	res, err := h(context.Background(), req)
	require.NoError(t, err)
	text := res.Content[0].(mcp.TextContent)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &payload))
	assert.Equal(t, "error", payload["status"])
}
