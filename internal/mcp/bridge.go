package mcp

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/legionworks/legion/internal/tools"
)

// BridgeTool adapts one remote MCP tool to the registry's Tool
// interface. The registry name is mcp_<server>_<tool> so bridged tools
// never shadow built-ins and personas can allow them individually.
type BridgeTool struct {
	server    string
	tool      mcpgo.Tool
	client    *mcpclient.Client
	timeout   time.Duration
	connected *atomic.Bool
}

// NewBridgeTool wraps a discovered tool. connected is shared with the
// health loop of the owning server.
func NewBridgeTool(server string, tool mcpgo.Tool, client *mcpclient.Client, timeoutSec int, connected *atomic.Bool) *BridgeTool {
	return &BridgeTool{
		server:    server,
		tool:      tool,
		client:    client,
		timeout:   time.Duration(timeoutSec) * time.Second,
		connected: connected,
	}
}

func (b *BridgeTool) Name() string {
	return "mcp_" + b.server + "_" + b.tool.Name
}

// OriginalName is the name the remote server knows the tool by.
func (b *BridgeTool) OriginalName() string { return b.tool.Name }

// Server is the configured name of the owning server.
func (b *BridgeTool) Server() string { return b.server }

func (b *BridgeTool) Description() string {
	if b.tool.Description != "" {
		return b.tool.Description
	}
	return "Tool " + b.tool.Name + " from MCP server " + b.server
}

func (b *BridgeTool) Parameters() map[string]any {
	schema := map[string]any{"type": "object"}
	if b.tool.InputSchema.Type != "" {
		schema["type"] = b.tool.InputSchema.Type
	}
	if len(b.tool.InputSchema.Properties) > 0 {
		schema["properties"] = b.tool.InputSchema.Properties
	}
	if len(b.tool.InputSchema.Required) > 0 {
		schema["required"] = b.tool.InputSchema.Required
	}
	return schema
}

// Execute forwards the call to the remote server. The per-server
// timeout bounds the call even when the caller's context carries none.
func (b *BridgeTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	if !b.connected.Load() {
		return tools.ErrorResult("mcp server " + b.server + " is not connected")
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.tool.Name
	req.Params.Arguments = args

	res, err := b.client.CallTool(ctx, req)
	if err != nil {
		return tools.ErrorResult("call "+b.tool.Name+": "+err.Error()).WithError(err)
	}

	text := flattenContent(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool " + b.tool.Name + " reported an error"
		}
		return tools.ErrorResult(text)
	}

	// The remote text is the generator-facing content; wrapping it in a
	// JSON envelope would bury it.
	return &tools.Result{
		Payload:      map[string]any{"success": true, "content": text},
		ForGenerator: text,
	}
}

// flattenContent joins the text parts of a tool result. Non-text parts
// are noted by type rather than dropped silently.
func flattenContent(content []mcpgo.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		if tc, ok := mcpgo.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
			continue
		}
		if ic, ok := mcpgo.AsImageContent(c); ok {
			parts = append(parts, "[image "+ic.MIMEType+"]")
		}
	}
	return strings.Join(parts, "\n")
}
