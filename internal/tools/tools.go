package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/ABIHAAHEMD4262/todo-agent/internal/auth"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/llm"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/task"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string                                                         `json:"name"`
	Description string                                                         `json:"description"`
	Parameters  map[string]any                                                 `json:"parameters"`
	Handler     func(ctx context.Context, owner string, args map[string]any) (string, error) `json:"-"`
}

// Registry holds the tools exposed to the reasoning model.
type Registry struct {
	tools map[string]*Tool
	order []string
	tasks *task.Store
}

// NewRegistry creates the registry with the task tools registered.
func NewRegistry(tasks *task.Store) *Registry {
	r := &Registry{
		tools: make(map[string]*Tool),
		tasks: tasks,
	}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	r.Register(&Tool{
		Name:        "add_task",
		Description: "Add a new task to the user's todo list.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "Short task title (required, max 200 characters)",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "Optional longer details (max 1000 characters)",
				},
			},
			"required": []string{"title"},
		},
		Handler: r.handleAddTask,
	})

	r.Register(&Tool{
		Name:        "list_tasks",
		Description: "List the user's tasks. Use this first when the user refers to a task by name rather than ID.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"status": map[string]any{
					"type":        "string",
					"description": "Filter: all, pending, or completed (default all)",
					"enum":        []string{"all", "pending", "completed"},
				},
			},
		},
		Handler: r.handleListTasks,
	})

	r.Register(&Tool{
		Name:        "complete_task",
		Description: "Mark a task as completed by its numeric ID.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "integer",
					"description": "The task ID to complete",
				},
			},
			"required": []string{"task_id"},
		},
		Handler: r.handleCompleteTask,
	})

	r.Register(&Tool{
		Name:        "delete_task",
		Description: "Delete a task by its numeric ID. This cannot be undone.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "integer",
					"description": "The task ID to delete",
				},
			},
			"required": []string{"task_id"},
		},
		Handler: r.handleDeleteTask,
	})

	r.Register(&Tool{
		Name:        "update_task",
		Description: "Update a task's title, description, or completion state by its numeric ID. Only the fields given are changed.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "integer",
					"description": "The task ID to update",
				},
				"title": map[string]any{
					"type":        "string",
					"description": "New title (max 200 characters)",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "New description (max 1000 characters)",
				},
				"completed": map[string]any{
					"type":        "boolean",
					"description": "New completion state",
				},
			},
			"required": []string{"task_id"},
		},
		Handler: r.handleUpdateTask,
	})
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Specs returns the tool declarations for the reasoning model, in
// registration order.
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return specs
}

// Execute runs a tool by name with the model-produced JSON arguments.
// The owning user always comes from the request identity on the
// context, never from the model, so a tool call can only ever touch the
// calling user's data.
func (r *Registry) Execute(ctx context.Context, name string, argsJSON string) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", &UnknownToolError{ToolName: name}
	}

	ident, ok := auth.IdentityFromContext(ctx)
	if !ok {
		return "", &AuthorizationError{ToolName: name, Reason: "no user identity bound to request"}
	}

	args := map[string]any{}
	if strings.TrimSpace(argsJSON) != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", &InvalidArgumentsError{ToolName: name, Reason: "arguments are not a JSON object"}
		}
	}
	if err := rejectUndeclaredArgs(tool, args); err != nil {
		return "", err
	}

	return tool.Handler(ctx, ident.UserID, args)
}

// rejectUndeclaredArgs refuses any argument a tool does not declare.
// Ownership fields in particular must never be accepted from the
// model: the owner is always the authenticated caller.
func rejectUndeclaredArgs(tool *Tool, args map[string]any) error {
	props, _ := tool.Parameters["properties"].(map[string]any)
	for key := range args {
		if _, declared := props[key]; !declared {
			return &InvalidArgumentsError{ToolName: tool.Name, Field: key, Reason: "is not an accepted argument"}
		}
	}
	return nil
}

// Tool handlers

func (r *Registry) handleAddTask(ctx context.Context, owner string, args map[string]any) (string, error) {
	title, err := stringArg(args, "add_task", "title", true)
	if err != nil {
		return "", err
	}
	description, err := stringArg(args, "add_task", "description", false)
	if err != nil {
		return "", err
	}
	if len(strings.TrimSpace(title)) > task.MaxTitleLen {
		return "", &InvalidArgumentsError{ToolName: "add_task", Field: "title", Reason: fmt.Sprintf("exceeds %d characters", task.MaxTitleLen)}
	}
	if len(description) > task.MaxDescriptionLen {
		return "", &InvalidArgumentsError{ToolName: "add_task", Field: "description", Reason: fmt.Sprintf("exceeds %d characters", task.MaxDescriptionLen)}
	}

	t, err := r.tasks.Create(ctx, owner, title, description)
	if err != nil {
		return "", err
	}

	return marshalResult(map[string]any{
		"id":      t.ID,
		"title":   t.Title,
		"message": fmt.Sprintf("Task %q added with ID %d.", t.Title, t.ID),
	})
}

func (r *Registry) handleListTasks(ctx context.Context, owner string, args map[string]any) (string, error) {
	statusStr, err := stringArg(args, "list_tasks", "status", false)
	if err != nil {
		return "", err
	}
	status, err := task.ParseStatus(statusStr)
	if err != nil {
		return "", &InvalidArgumentsError{ToolName: "list_tasks", Field: "status", Reason: err.Error()}
	}

	items, err := r.tasks.List(ctx, owner, status)
	if err != nil {
		return "", err
	}

	summaries := make([]map[string]any, 0, len(items))
	for _, t := range items {
		s := map[string]any{
			"id":        t.ID,
			"title":     t.Title,
			"completed": t.Completed,
		}
		if t.Description != "" {
			s["description"] = t.Description
		}
		summaries = append(summaries, s)
	}
	return marshalResult(map[string]any{"count": len(summaries), "tasks": summaries})
}

func (r *Registry) handleCompleteTask(ctx context.Context, owner string, args map[string]any) (string, error) {
	id, err := intArg(args, "complete_task", "task_id")
	if err != nil {
		return "", err
	}

	t, err := r.tasks.Complete(ctx, owner, id)
	if err != nil {
		return "", err
	}
	return marshalResult(map[string]any{
		"id":      t.ID,
		"title":   t.Title,
		"message": fmt.Sprintf("Task %q marked as completed.", t.Title),
	})
}

func (r *Registry) handleDeleteTask(ctx context.Context, owner string, args map[string]any) (string, error) {
	id, err := intArg(args, "delete_task", "task_id")
	if err != nil {
		return "", err
	}

	title, err := r.tasks.Delete(ctx, owner, id)
	if err != nil {
		return "", err
	}
	return marshalResult(map[string]any{
		"id":      id,
		"message": fmt.Sprintf("Task %q deleted.", title),
	})
}

func (r *Registry) handleUpdateTask(ctx context.Context, owner string, args map[string]any) (string, error) {
	id, err := intArg(args, "update_task", "task_id")
	if err != nil {
		return "", err
	}

	var upd task.Update
	if raw, ok := args["title"]; ok {
		s, ok := raw.(string)
		if !ok {
			return "", &InvalidArgumentsError{ToolName: "update_task", Field: "title", Reason: "must be a string"}
		}
		upd.Title = &s
	}
	if raw, ok := args["description"]; ok {
		s, ok := raw.(string)
		if !ok {
			return "", &InvalidArgumentsError{ToolName: "update_task", Field: "description", Reason: "must be a string"}
		}
		upd.Description = &s
	}
	if raw, ok := args["completed"]; ok {
		b, ok := raw.(bool)
		if !ok {
			return "", &InvalidArgumentsError{ToolName: "update_task", Field: "completed", Reason: "must be a boolean"}
		}
		upd.Completed = &b
	}
	if upd.Title == nil && upd.Description == nil && upd.Completed == nil {
		return "", &InvalidArgumentsError{ToolName: "update_task", Reason: "at least one of title, description, completed is required"}
	}
	if upd.Title != nil && len(strings.TrimSpace(*upd.Title)) > task.MaxTitleLen {
		return "", &InvalidArgumentsError{ToolName: "update_task", Field: "title", Reason: fmt.Sprintf("exceeds %d characters", task.MaxTitleLen)}
	}
	if upd.Description != nil && len(*upd.Description) > task.MaxDescriptionLen {
		return "", &InvalidArgumentsError{ToolName: "update_task", Field: "description", Reason: fmt.Sprintf("exceeds %d characters", task.MaxDescriptionLen)}
	}

	t, err := r.tasks.Update(ctx, owner, id, upd)
	if err != nil {
		return "", err
	}
	return marshalResult(map[string]any{
		"id":        t.ID,
		"title":     t.Title,
		"completed": t.Completed,
		"message":   fmt.Sprintf("Task %q updated.", t.Title),
	})
}

// Argument helpers. Model-produced JSON numbers decode as float64.

func stringArg(args map[string]any, tool, field string, required bool) (string, error) {
	raw, ok := args[field]
	if !ok || raw == nil {
		if required {
			return "", &InvalidArgumentsError{ToolName: tool, Field: field, Reason: "is required"}
		}
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", &InvalidArgumentsError{ToolName: tool, Field: field, Reason: "must be a string"}
	}
	if required && strings.TrimSpace(s) == "" {
		return "", &InvalidArgumentsError{ToolName: tool, Field: field, Reason: "must not be empty"}
	}
	return s, nil
}

func intArg(args map[string]any, tool, field string) (int64, error) {
	raw, ok := args[field]
	if !ok || raw == nil {
		return 0, &InvalidArgumentsError{ToolName: tool, Field: field, Reason: "is required"}
	}
	f, ok := raw.(float64)
	if !ok || f != math.Trunc(f) {
		return 0, &InvalidArgumentsError{ToolName: tool, Field: field, Reason: "must be an integer"}
	}
	return int64(f), nil
}

func marshalResult(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal tool result: %w", err)
	}
	return string(b), nil
}
