package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/loomworks/loom/internal/streaming"
)

// EventNotifier bridges the streaming hub to MCP push notifications:
// every event of a watched execution is forwarded to the sessions that
// subscribed via loom.watch. Best-effort; a disconnected session is
// silently dropped from the watch lists.
type EventNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	hub       streaming.EventHub
	logger    *slog.Logger
}

// NewEventNotifier creates an EventNotifier.
func NewEventNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, hub streaming.EventHub, logger *slog.Logger) *EventNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventNotifier{
		mcpServer: mcpServer,
		sessions:  sessions,
		hub:       hub,
		logger:    logger,
	}
}

// Start subscribes to the hub and forwards events until ctx is cancelled.
func (n *EventNotifier) Start(ctx context.Context) error {
	events, unsubscribe, err := n.hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}

	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				n.forward(ev)
			}
		}
	}()
	return nil
}

func (n *EventNotifier) forward(ev streaming.StreamEvent) {
	for _, sessionID := range n.sessions.WatchersOf(ev.ExecutionID) {
		payload := map[string]any{
			"execution_id": ev.ExecutionID,
			"workflow_id":  ev.WorkflowID,
			"event_type":   ev.EventType,
			"payload":      ev.Payload,
		}
		if ev.StepID != "" {
			payload["step_id"] = ev.StepID
		}

		err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
		if errors.Is(err, server.ErrSessionNotFound) {
			// Session expired between lookup and send.
			n.sessions.Remove(sessionID)
			continue
		}
		if err != nil {
			n.logger.Warn("forward event notification",
				slog.String("session_id", sessionID), slog.String("error", err.Error()))
		}
	}
}
