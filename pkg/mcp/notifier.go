package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/outreach/internal/events"
	"github.com/rendis/outreach/pkg/schema"
)

// UserNotifier pushes notifications to connected users.
type UserNotifier interface {
	Notify(ctx context.Context, userID string, payload map[string]any) error
}

// MCPNotifier implements UserNotifier using MCP server push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via the MCP session.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the user's session.
// Best-effort: returns nil if the user is not connected.
func (n *MCPNotifier) Notify(_ context.Context, userID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(userID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Forward relays execution events from the bus to the owning user until ctx
// is done.
func Forward(ctx context.Context, bus *events.Bus, n UserNotifier, logger *slog.Logger) {
	ch, cancel := bus.Subscribe(events.Filter{})
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := n.Notify(ctx, ev.UserID, eventPayload(ev)); err != nil {
				logger.Warn("execution notification failed",
					slog.String("execution_id", ev.ExecutionID),
					slog.String("error", err.Error()))
			}
		}
	}
}

func eventPayload(ev schema.ExecutionEvent) map[string]any {
	p := map[string]any{
		"level":  "info",
		"logger": "outreach",
		"data": map[string]any{
			"type":         ev.Type,
			"execution_id": ev.ExecutionID,
			"workflow_id":  ev.WorkflowID,
			"status":       ev.Status,
		},
	}
	if ev.Error != "" {
		p["level"] = "warning"
		p["data"].(map[string]any)["error"] = ev.Error
	}
	return p
}
