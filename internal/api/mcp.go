package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Resolver    Resolver
	Stats       StatsSource
	Maintenance Maintainer
	Version     string
}

// NewMCPServer creates an MCP server exposing image resolution and cache
// health to MCP clients.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	s := server.NewMCPServer(
		"topicimg",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("topicimg resolves a slide topic into a verified, live image URL."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("resolve_image",
			mcp.WithDescription("Find verified image URLs illustrating a topic. Always returns at least one image; fallback=true marks a generic category image."),
			mcp.WithString("topic", mcp.Description("Topic the image should illustrate"), mcp.Required()),
			mcp.WithString("context", mcp.Description("Optional slide text or HTML for disambiguation")),
		),
		mcpResolveImage(deps),
	)

	s.AddTool(
		mcp.NewTool("cache_stats",
			mcp.WithDescription("Report topic cache size, usage and weekly hit rate."),
		),
		mcpCacheStats(deps),
	)

	s.AddTool(
		mcp.NewTool("maintenance_report",
			mcp.WithDescription("Report overall health, 30-day performance and recommendations."),
		),
		mcpMaintenanceReport(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"topicimg://stats",
			"Cache Statistics",
			mcp.WithResourceDescription("Current topic cache statistics as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpResolveImage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		topic, err := req.RequireString("topic")
		if err != nil || topic == "" {
			return mcpError("topic is required"), nil
		}
		res, err := deps.Resolver.Resolve(ctx, topic, req.GetString("context", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("resolve failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpCacheStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := deps.Stats.Stats(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("reading stats: %v", err)), nil
		}
		return mcpJSON(st)
	}
}

func mcpMaintenanceReport(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rep, err := deps.Maintenance.Report(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("building report: %v", err)), nil
		}
		return mcpJSON(rep)
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st, err := deps.Stats.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading stats: %w", err)
		}
		b, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
