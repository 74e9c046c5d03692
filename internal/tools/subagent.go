package tools

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// TaskTool spawns a subagent and pauses the parent until the child
// reports back. The call is asynchronous: Execute returns (nil, nil)
// and the completion arrives later through the waiter token.
func TaskTool() Tool {
	return &Func{
		ToolName:        "task",
		ToolDescription: "Start a subagent of the given type to work on a task. The result is delivered back to you when the subagent finishes.",
		ToolParameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agentType": map[string]any{
					"type":        "string",
					"description": "Blueprint name of the subagent to start.",
				},
				"message": map[string]any{
					"type":        "string",
					"description": "Task description handed to the subagent.",
				},
				"vars": map[string]any{
					"type":        "object",
					"description": "Optional variables set on the subagent.",
				},
			},
			"required": []string{"agentType", "message"},
		},
		ToolTags: []string{"coordination"},
		Fn: func(ctx context.Context, inv Invocation, args map[string]any) (any, error) {
			agentType, _ := args["agentType"].(string)
			message, _ := args["message"].(string)
			if agentType == "" || message == "" {
				return nil, fmt.Errorf("task: agentType and message are required")
			}
			vars, _ := args["vars"].(map[string]any)
			if inv.Coordinator == nil {
				return nil, fmt.Errorf("task: no coordinator available")
			}

			_, err := inv.Coordinator.SpawnSubagent(ctx, SpawnSpec{
				AgentType: agentType,
				Message:   message,
				Vars:      vars,
				Token:     uuid.NewString(),
				CallID:    inv.CallID,
			})
			if err != nil {
				return nil, fmt.Errorf("task: %w", err)
			}
			// Async: the waiter token completes this call later.
			return nil, nil
		},
	}
}

// MessageAgentTool sends a message to an already-running agent and
// pauses the sender until that agent answers through the token.
func MessageAgentTool() Tool {
	return &Func{
		ToolName:        "message_agent",
		ToolDescription: "Send a message to another running agent and wait for its reply.",
		ToolParameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agentId": map[string]any{
					"type":        "string",
					"description": "ID of the agent to message.",
				},
				"message": map[string]any{
					"type":        "string",
					"description": "Message content.",
				},
			},
			"required": []string{"agentId", "message"},
		},
		ToolTags: []string{"coordination"},
		Fn: func(ctx context.Context, inv Invocation, args map[string]any) (any, error) {
			target, _ := args["agentId"].(string)
			message, _ := args["message"].(string)
			if target == "" || message == "" {
				return nil, fmt.Errorf("message_agent: agentId and message are required")
			}
			if target == inv.AgentID {
				return nil, fmt.Errorf("message_agent: cannot message self")
			}
			if inv.Coordinator == nil {
				return nil, fmt.Errorf("message_agent: no coordinator available")
			}

			err := inv.Coordinator.MessageAgent(ctx, SendSpec{
				TargetID: target,
				Message:  message,
				Token:    uuid.NewString(),
				CallID:   inv.CallID,
			})
			if err != nil {
				return nil, fmt.Errorf("message_agent: %w", err)
			}
			return nil, nil
		},
	}
}
