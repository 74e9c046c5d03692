package tools

import (
	"context"
	"fmt"

	"github.com/agencykit/agentd/internal/files"
)

// FileTools exposes the agency file store to agents. Paths use the
// virtual scheme: ~/ for the agent's home, /shared/ for the agency
// area, /agents/<id>/ for another agent's home (read-only).
func FileTools(store files.Store) []Tool {
	pathParam := func(desc string) map[string]any {
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": desc},
			},
			"required": []string{"path"},
		}
	}

	readFile := &Func{
		ToolName:        "read_file",
		ToolDescription: "Read a file. Paths: ~/ is your home, /shared/ is the agency area, /agents/<id>/ is another agent's home.",
		ToolParameters:  pathParam("Virtual path of the file to read."),
		ToolTags:        []string{"files"},
		Fn: func(ctx context.Context, inv Invocation, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			if path == "" {
				return nil, fmt.Errorf("read_file: path is required")
			}
			data, err := store.Read(ctx, inv.AgentID, path)
			if err != nil {
				return nil, fmt.Errorf("read_file: %w", err)
			}
			return string(data), nil
		},
	}

	writeFile := &Func{
		ToolName:        "write_file",
		ToolDescription: "Write a file in your home (~/) or the shared area (/shared/). Parent directories are created as needed.",
		ToolParameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string", "description": "Virtual path of the file to write."},
				"content": map[string]any{"type": "string", "description": "Full file content."},
			},
			"required": []string{"path", "content"},
		},
		ToolTags: []string{"files"},
		Fn: func(ctx context.Context, inv Invocation, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			content, _ := args["content"].(string)
			if path == "" {
				return nil, fmt.Errorf("write_file: path is required")
			}
			if err := store.Write(ctx, inv.AgentID, path, []byte(content)); err != nil {
				return nil, fmt.Errorf("write_file: %w", err)
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
		},
	}

	listFiles := &Func{
		ToolName:        "list_files",
		ToolDescription: "List files under a directory, recursively.",
		ToolParameters:  pathParam("Virtual path of the directory to list, e.g. ~/ or /shared/."),
		ToolTags:        []string{"files"},
		Fn: func(ctx context.Context, inv Invocation, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			if path == "" {
				path = "~/"
			}
			entries, err := store.List(ctx, inv.AgentID, path)
			if err != nil {
				return nil, fmt.Errorf("list_files: %w", err)
			}
			return entries, nil
		},
	}

	deleteFile := &Func{
		ToolName:        "delete_file",
		ToolDescription: "Delete a file in your home (~/) or the shared area (/shared/).",
		ToolParameters:  pathParam("Virtual path of the file to delete."),
		ToolTags:        []string{"files"},
		Fn: func(ctx context.Context, inv Invocation, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			if path == "" {
				return nil, fmt.Errorf("delete_file: path is required")
			}
			if err := store.Delete(ctx, inv.AgentID, path); err != nil {
				return nil, fmt.Errorf("delete_file: %w", err)
			}
			return "deleted " + path, nil
		},
	}

	return []Tool{readFile, writeFile, listFiles, deleteFile}
}
