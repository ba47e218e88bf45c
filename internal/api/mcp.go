package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/genexuslabs/ExposureNotifications/internal/scheduler"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Exposure Exposure
	Version  string
}

// NewMCPServer creates an MCP server exposing the exposure notification
// object as tools and resources.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"exposured",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("exposured: privacy-preserving exposure detection. Inspect status, tune the detection interval, and trigger detection runs."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("exposure_status",
			mcp.WithDescription("Report availability, enablement, authorization, detection interval and whether an exposure was detected."),
		),
		mcpExposureStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("set_min_interval",
			mcp.WithDescription("Set the minimum minutes between exposure detection runs. Must be greater than 16."),
			mcp.WithNumber("minutes", mcp.Description("Interval in minutes"), mcp.Required()),
		),
		mcpSetMinInterval(deps),
	)

	s.AddTool(
		mcp.NewTool("reset_exposure_data",
			mcp.WithDescription("Delete the stored detection token, clearing the last exposure detection result."),
		),
		mcpResetExposureData(deps),
	)

	s.AddTool(
		mcp.NewTool("run_detection",
			mcp.WithDescription("Download the latest diagnosis keys and submit them for matching now."),
		),
		mcpRunDetection(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"exposure://result",
			"Last Exposure Detection Result",
			mcp.WithResourceDescription("Result of the last exposure detection session as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceResult(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"exposure://details",
			"Last Exposure Detection Details",
			mcp.WithResourceDescription("Per-exposure information from the last detection session as a JSON array"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceDetails(deps),
	)

	return s
}

func mcpExposureStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(deps.Exposure.Snapshot(ctx))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSetMinInterval(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		minutes := req.GetInt("minutes", 0)
		if minutes == 0 {
			return mcpError("minutes is required"), nil
		}
		if err := deps.Exposure.SetMinInterval(ctx, minutes); err != nil {
			if errors.Is(err, scheduler.ErrIntervalBelowFloor) {
				return mcpError(err.Error()), nil
			}
			return mcpError(fmt.Sprintf("failed to set interval: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Detection interval set to %d minutes", minutes)), nil
	}
}

func mcpResetExposureData(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if !deps.Exposure.ResetLastExposureDetectionResult(ctx) {
			return mcpError("failed to reset exposure data"), nil
		}
		return mcpText("Exposure data reset"), nil
	}
}

func mcpRunDetection(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := deps.Exposure.StartDetectionSession(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to start detection: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Detection run %s queued", id)), nil
	}
}

func mcpResourceResult(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		res, _ := deps.Exposure.LastExposureDetectionResult(ctx)
		b, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
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

func mcpResourceDetails(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Exposure.LastExposureDetectionSessionDetails(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal details: %w", err)
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
