package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"attest/internal/catalog"
	"attest/internal/eventlog"
	"attest/internal/evidence"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	RunsDir string
	Catalog *catalog.Catalog
}

// NewMCPServer creates an MCP server exposing read-only inspection tools.
// Agents can check what a pipeline produced and whether its evidence still
// holds, but cannot start runs or modify anything.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"attest",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("attest — local pipeline runs with byte-level evidence grounding. All tools are read-only."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_runs",
			mcp.WithDescription("List recent pipeline runs with their state and progress."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default 20)")),
		),
		mcpListRuns(deps),
	)

	s.AddTool(
		mcp.NewTool("run_status",
			mcp.WithDescription("Show one run's state and per-step statuses."),
			mcp.WithString("run_id", mcp.Description("Run identifier"), mcp.Required()),
		),
		mcpRunStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("show_evidence",
			mcp.WithDescription("Show the evidence records for a content item, including spans and resolution status."),
			mcp.WithString("content_id", mcp.Description("Content identifier"), mcp.Required()),
		),
		mcpShowEvidence(deps),
	)

	s.AddTool(
		mcp.NewTool("validate_evidence",
			mcp.WithDescription("Reconcile a content item's evidence against the current artifact bytes and report valid/stale/unresolved counts."),
			mcp.WithString("content_id", mcp.Description("Content identifier"), mcp.Required()),
		),
		mcpValidateEvidence(deps),
	)

	return s
}

func mcpListRuns(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}

		ids, err := eventlog.ListRuns(deps.RunsDir)
		if err != nil {
			return mcpError(fmt.Sprintf("listing runs: %v", err)), nil
		}

		var summaries []runSummary
		for _, id := range ids {
			run, err := eventlog.ReplayRun(deps.RunsDir, id)
			if err != nil {
				continue
			}
			summaries = append(summaries, summarize(run))
		}
		if len(summaries) > limit {
			summaries = summaries[len(summaries)-limit:]
		}
		return mcpJSON(summaries)
	}
}

func mcpRunStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, err := req.RequireString("run_id")
		if err != nil {
			return mcpError("run_id is required"), nil
		}

		run, err := eventlog.ReplayRun(deps.RunsDir, runID)
		if err != nil {
			if errors.Is(err, eventlog.ErrRunNotFound) {
				return mcpError(fmt.Sprintf("run %s not found", runID)), nil
			}
			return mcpError(fmt.Sprintf("replaying run: %v", err)), nil
		}

		steps := make([]map[string]string, 0, len(run.StepOrder))
		for _, name := range run.StepOrder {
			steps = append(steps, map[string]string{
				"name":   name,
				"status": string(run.StepStatuses[name]),
			})
		}
		return mcpJSON(map[string]any{"run": summarize(run), "steps": steps})
	}
}

func mcpShowEvidence(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		contentID, err := req.RequireString("content_id")
		if err != nil {
			return mcpError("content_id is required"), nil
		}

		_, dir, ok, err := deps.Catalog.Lookup(contentID)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		if !ok {
			return mcpError(fmt.Sprintf("content %s not found", contentID)), nil
		}

		records, err := evidence.OpenLog(dir).Load()
		if err != nil {
			return mcpError(fmt.Sprintf("loading evidence: %v", err)), nil
		}
		if records == nil {
			records = []evidence.Evidence{}
		}
		return mcpJSON(records)
	}
}

func mcpValidateEvidence(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		contentID, err := req.RequireString("content_id")
		if err != nil {
			return mcpError("content_id is required"), nil
		}

		entry, dir, ok, err := deps.Catalog.Lookup(contentID)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		if !ok {
			return mcpError(fmt.Sprintf("content %s not found", contentID)), nil
		}

		meta, err := catalog.LoadMetadata(dir)
		if err != nil {
			return mcpError(fmt.Sprintf("loading metadata: %v", err)), nil
		}
		report, err := evidence.Validate(dir, string(entry.ID), meta.ArtifactDigests)
		if err != nil {
			return mcpError(fmt.Sprintf("validating: %v", err)), nil
		}
		return mcpJSON(report)
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcpError(fmt.Sprintf("serializing result: %v", err)), nil
	}
	return mcpText(string(data)), nil
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
