package mcp

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/ensemble/internal/notify"
)

// Scheme is the destination scheme routed to connected MCP agents, as in "mcp:<agent_id>".
const Scheme = "mcp"

const approvalMethod = "notifications/ensemble/approval"

// clientNotifier is the part of server.MCPServer the notifier needs.
type clientNotifier interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// MCPNotifier pushes approval notifications to the session of a connected agent.
// It implements notify.Channel; the target is the agent ID.
type MCPNotifier struct {
	sender   clientNotifier
	sessions *SessionRegistry
}

var _ notify.Channel = (*MCPNotifier)(nil)

// NewMCPNotifier creates a notifier that pushes over the given MCP server.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{sender: mcpServer, sessions: sessions}
}

// Send delivers msg to the agent's session.
// Best-effort: returns nil if the agent is not connected.
func (n *MCPNotifier) Send(_ context.Context, agentID string, msg *notify.Message) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil
	}
	params, err := toParams(msg)
	if err != nil {
		return err
	}
	err = n.sender.SendNotificationToSpecificClient(sessionID, approvalMethod, params)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

func toParams(msg *notify.Message) (map[string]any, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, err
	}
	return params, nil
}
