package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/genexuslabs/ExposureNotifications/internal/engine"
	"github.com/genexuslabs/ExposureNotifications/internal/exposure"
)

// --- helpers ---

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestNewMCPServer_Builds(t *testing.T) {
	if s := NewMCPServer(MCPDeps{Exposure: &mockExposure{}}); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPTool_ExposureStatus(t *testing.T) {
	exp := &mockExposure{props: exposure.Properties{IsAvailable: true, ExposureDetected: true}}
	handler := mcpExposureStatus(MCPDeps{Exposure: exp})

	result, err := handler(context.Background(), makeCallToolRequest("exposure_status", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var got exposure.Properties
	if err := json.Unmarshal([]byte(toolText(t, result)), &got); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !got.IsAvailable || !got.ExposureDetected {
		t.Errorf("status = %+v", got)
	}
}

func TestMCPTool_SetMinInterval(t *testing.T) {
	exp := &mockExposure{}
	handler := mcpSetMinInterval(MCPDeps{Exposure: exp})

	result, err := handler(context.Background(), makeCallToolRequest("set_min_interval", map[string]interface{}{
		"minutes": 120,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if exp.interval != 120 {
		t.Errorf("interval = %d, want 120", exp.interval)
	}
}

func TestMCPTool_SetMinInterval_BelowFloor(t *testing.T) {
	exp := &mockExposure{}
	handler := mcpSetMinInterval(MCPDeps{Exposure: exp})

	result, _ := handler(context.Background(), makeCallToolRequest("set_min_interval", map[string]interface{}{
		"minutes": 15,
	}))
	if !result.IsError {
		t.Fatal("expected error result")
	}
	if !strings.Contains(toolText(t, result), "16") {
		t.Errorf("message = %q, want mention of the floor", toolText(t, result))
	}
	if exp.interval != 0 {
		t.Errorf("interval = %d, want untouched", exp.interval)
	}
}

func TestMCPTool_SetMinInterval_Missing(t *testing.T) {
	handler := mcpSetMinInterval(MCPDeps{Exposure: &mockExposure{}})
	result, _ := handler(context.Background(), makeCallToolRequest("set_min_interval", nil))
	if !result.IsError {
		t.Fatal("expected error result")
	}
}

func TestMCPTool_ResetExposureData(t *testing.T) {
	exp := &mockExposure{}
	handler := mcpResetExposureData(MCPDeps{Exposure: exp})

	result, _ := handler(context.Background(), makeCallToolRequest("reset_exposure_data", nil))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if exp.resets != 1 {
		t.Errorf("resets = %d, want 1", exp.resets)
	}
}

func TestMCPTool_RunDetection(t *testing.T) {
	exp := &mockExposure{}
	handler := mcpRunDetection(MCPDeps{Exposure: exp})

	result, _ := handler(context.Background(), makeCallToolRequest("run_detection", nil))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if !strings.Contains(toolText(t, result), "job-42") {
		t.Errorf("text = %q, want job id", toolText(t, result))
	}

	exp.detectErr = engine.ErrUnavailable
	result, _ = handler(context.Background(), makeCallToolRequest("run_detection", nil))
	if !result.IsError {
		t.Error("expected error result when the engine is unavailable")
	}
}

func TestMCPResource_Result(t *testing.T) {
	exp := &mockExposure{
		result:    exposure.SessionResult{ID: "tok", MatchedKeyCount: 2},
		hasResult: true,
	}
	handler := mcpResourceResult(MCPDeps{Exposure: exp})

	contents, err := handler(context.Background(), makeReadResourceRequest("exposure://result"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if tc.URI != "exposure://result" {
		t.Errorf("URI = %q", tc.URI)
	}

	var got exposure.SessionResult
	if err := json.Unmarshal([]byte(tc.Text), &got); err != nil {
		t.Fatalf("failed to parse result JSON: %v", err)
	}
	if got.ID != "tok" || got.MatchedKeyCount != 2 {
		t.Errorf("result = %+v", got)
	}
}

func TestMCPResource_Details(t *testing.T) {
	exp := &mockExposure{details: []engine.ExposureInformation{{DurationMinutes: 15, TotalRiskScore: 4}}}
	handler := mcpResourceDetails(MCPDeps{Exposure: exp})

	contents, err := handler(context.Background(), makeReadResourceRequest("exposure://details"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}

	var got []engine.ExposureInformation
	if err := json.Unmarshal([]byte(tc.Text), &got); err != nil {
		t.Fatalf("failed to parse details JSON: %v", err)
	}
	if len(got) != 1 || got[0].DurationMinutes != 15 || got[0].TotalRiskScore != 4 {
		t.Errorf("details = %+v", got)
	}
}
