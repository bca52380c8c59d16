package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/ensemble/internal/diagram"
	"github.com/rendis/ensemble/internal/orchestrator"
	"github.com/rendis/ensemble/pkg/schema"
)

// handleDefine registers a definition in the orchestrator catalog.
func (s *EnsembleServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	s.captureSession(ctx, req.GetString("agent_id", ""))

	def, err := decodeDefinition(raw)
	if err != nil {
		return toolError("invalid definition", err), nil
	}
	if err := s.orch.Register(def); err != nil {
		return toolError("register failed", err), nil
	}
	return marshalResult(map[string]any{
		"name":     def.Name,
		"version":  def.Version,
		"triggers": len(def.Triggers),
	})
}

// handleRun executes a catalog ensemble or an inline definition.
func (s *EnsembleServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.GetString("ensemble", "")
	inline := mcp.ParseStringMap(req, "definition", nil)
	if name == "" && inline == nil {
		return mcp.NewToolResultError("one of ensemble or definition is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)
	s.captureSession(ctx, req.GetString("agent_id", ""))

	if name != "" {
		res, err := s.orch.Run(ctx, name, input)
		return runResult(res, err)
	}

	def, err := decodeDefinition(inline)
	if err != nil {
		return toolError("invalid definition", err), nil
	}
	res, err := s.orch.ExecuteGraph(ctx, def, input)
	return runResult(res, err)
}

// handleStatus returns the current state of an execution.
func (s *EnsembleServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	status, err := s.orch.GetExecutionStatus(ctx, executionID)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	return marshalResult(status)
}

// handleResume continues a suspended execution.
func (s *EnsembleServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := req.RequireString("token")
	if err != nil {
		return mcp.NewToolResultError("token is required"), nil
	}
	s.captureSession(ctx, req.GetString("agent_id", ""))

	var payload any
	if args := req.GetArguments(); args != nil {
		payload = args["payload"]
	}

	res, err := s.orch.Resume(ctx, token, payload)
	return runResult(res, err)
}

// handleApproval returns the metadata of a resumption token.
func (s *EnsembleServer) handleApproval(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := req.RequireString("token")
	if err != nil {
		return mcp.NewToolResultError("token is required"), nil
	}

	md, err := s.orch.Approval(ctx, token)
	if err != nil {
		return toolError("approval lookup failed", err), nil
	}
	return marshalResult(md)
}

// handleCancel stops a running or suspended execution.
func (s *EnsembleServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	reason := req.GetString("reason", "cancelled by caller")

	if err := s.orch.Cancel(ctx, executionID, reason); err != nil {
		return toolError("cancel failed", err), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
	})
}

// handleEvents lists the recorded events of an execution.
func (s *EnsembleServer) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	since := int64(req.GetFloat("since", 0))

	events, err := s.orch.Events(ctx, executionID, since)
	if err != nil {
		return toolError("event query failed", err), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// handleDiagram renders a catalog definition, optionally with an execution's step status.
func (s *EnsembleServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	name := req.GetString("ensemble", "")
	executionID := req.GetString("execution_id", "")
	if name == "" && executionID == "" {
		return mcp.NewToolResultError("at least one of ensemble or execution_id is required"), nil
	}

	var results []*schema.StepResult
	if executionID != "" {
		status, statusErr := s.orch.GetExecutionStatus(ctx, executionID)
		if statusErr != nil {
			return toolError("execution not found", statusErr), nil
		}
		if name == "" {
			name = status.Ensemble
		}
		results = status.Steps
	}

	def, ok := s.orch.Definition(name)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("ensemble %q is not registered", name)), nil
	}

	model, err := diagram.Build(def, results)
	if err != nil {
		return toolError("diagram build failed", err), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "svg":
		svg, imgErr := diagram.RenderImage(ctx, model, diagram.FormatSVG)
		if imgErr != nil {
			return toolError("image render failed", imgErr), nil
		}
		return mcp.NewToolResultText(string(svg)), nil
	case "png":
		png, imgErr := diagram.RenderImage(ctx, model, diagram.FormatPNG)
		if imgErr != nil {
			return toolError("image render failed", imgErr), nil
		}
		return mcp.NewToolResultImage(def.Name, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	default:
		return mcp.NewToolResultError("format must be ascii, mermaid, svg, or png"), nil
	}
}

// --- Internal helpers ---

// decodeDefinition turns a tool argument object into a parsed definition.
func decodeDefinition(raw map[string]any) (*schema.Definition, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return schema.ParseDefinition(data)
}

// runResult reports an execution outcome. A failed execution that still has a
// result is returned as data so the agent sees its status and error.
func runResult(res *orchestrator.ExecutionResult, err error) (*mcp.CallToolResult, error) {
	if res == nil {
		return toolError("execution failed", err), nil
	}
	return marshalResult(res)
}

func toolError(prefix string, err error) *mcp.CallToolResult {
	if err == nil {
		return mcp.NewToolResultError(prefix)
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *EnsembleServer) captureSession(ctx context.Context, agentID string) {
	if agentID == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
