package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"goa.design/clue/log"

	"github.com/splitmind/coord/broker/state"
)

type (
	// ArgType is the JSON type of a tool argument.
	ArgType string

	// Arg describes one tool argument. The set of args doubles as the
	// tool's input schema: list_tools serves it to clients and the
	// dispatcher validates incoming calls against it.
	Arg struct {
		Name        string
		Type        ArgType
		Description string
		Required    bool
		Default     any
	}

	// Tool is one coordination primitive: its contract plus its handler.
	Tool struct {
		Name        string
		Description string
		Args        []Arg
		// Mutating marks tools whose successful dispatch refreshes the
		// calling session's heartbeat as a side effect.
		Mutating bool

		handler func(ctx context.Context, args map[string]any) (any, error)
		schema  *jsonschema.Schema
	}

	// Dispatcher validates and routes tool calls to the service handlers.
	// It is the single entry point the transport layer drives.
	Dispatcher struct {
		svc   *Service
		tools map[string]*Tool
		order []string
	}
)

// Argument types.
const (
	ArgString  ArgType = "string"
	ArgInteger ArgType = "integer"
	ArgBoolean ArgType = "boolean"
)

// NewDispatcher builds the dispatcher for the enumerated tool set, compiling
// each tool's input schema.
func NewDispatcher(svc *Service) (*Dispatcher, error) {
	d := &Dispatcher{
		svc:   svc,
		tools: make(map[string]*Tool),
	}
	compiler := jsonschema.NewCompiler()
	for _, tool := range toolSet(svc) {
		src := tool.SchemaJSON()
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", tool.Name, err)
		}
		url := tool.Name + ".json"
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", tool.Name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", tool.Name, err)
		}
		tool.schema = schema
		d.tools[tool.Name] = tool
		d.order = append(d.order, tool.Name)
	}
	return d, nil
}

// Tools returns the tool definitions in registration order.
func (d *Dispatcher) Tools() []*Tool {
	tools := make([]*Tool, 0, len(d.order))
	for _, name := range d.order {
		tools = append(tools, d.tools[name])
	}
	return tools
}

// SchemaJSON renders the tool's input schema.
func (t *Tool) SchemaJSON() []byte {
	props := make(map[string]any, len(t.Args))
	var required []string
	for _, arg := range t.Args {
		prop := map[string]any{
			"type":        string(arg.Type),
			"description": arg.Description,
		}
		if arg.Default != nil {
			prop["default"] = arg.Default
		}
		props[arg.Name] = prop
		if arg.Required {
			required = append(required, arg.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	src, _ := json.Marshal(schema)
	return src
}

// Call validates the arguments and routes to the tool handler. It never
// returns an error: every failure mode produces a structured result, and
// internal panics are converted to sanitized error results. On successful
// mutating calls the calling session's heartbeat is refreshed first, so live
// agents stay alive even under burst activity that skips explicit heartbeats.
func (d *Dispatcher) Call(ctx context.Context, name string, args map[string]any) (result any) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(ctx, fmt.Errorf("panic: %v", r), log.KV{K: "msg", V: "tool handler panicked"},
				log.KV{K: "tool", V: name})
			result = errorResult("internal error in %s", name)
		}
	}()

	tool, ok := d.tools[name]
	if !ok {
		return errorResult("unknown tool %q", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	for _, arg := range tool.Args {
		if !arg.Required {
			continue
		}
		if _, present := args[arg.Name]; !present {
			return errorResult("missing arg %s", arg.Name)
		}
	}
	if err := tool.schema.Validate(canonicalArgs(args)); err != nil {
		return errorResult("invalid arguments for %s: %v", name, err)
	}

	if tool.Mutating {
		d.svc.touchIfRegistered(ctx, stringArg(args, "project_id"), callerSession(args))
	}

	res, err := tool.handler(ctx, args)
	if err != nil {
		if errors.Is(err, state.ErrUnavailable) {
			return map[string]any{
				"status": "store_unavailable",
				"error":  "backend store unavailable; retry shortly",
			}
		}
		log.Error(ctx, err, log.KV{K: "msg", V: "tool failed"}, log.KV{K: "tool", V: name})
		return errorResult("%s failed: %v", name, err)
	}
	return res
}

// callerSession extracts the session identity from the arguments, if present.
func callerSession(args map[string]any) string {
	if s := stringArg(args, "session_name"); s != "" {
		return s
	}
	return stringArg(args, "from_session")
}

// canonicalArgs rebuilds the arguments with canonical JSON types so schema
// validation treats programmatic callers (Go ints) and transport callers
// (float64 from JSON decoding) alike.
func canonicalArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		switch n := v.(type) {
		case int:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		default:
			out[k] = v
		}
	}
	return out
}

func stringArg(args map[string]any, name string) string {
	if v, ok := args[name].(string); ok {
		return v
	}
	return ""
}

func intArg(args map[string]any, name string, def int) int {
	switch v := args[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func boolArg(args map[string]any, name string, def bool) bool {
	if v, ok := args[name].(bool); ok {
		return v
	}
	return def
}

// toolSet enumerates the coordination tools. Argument names and return shapes
// are part of the contract agents program against; descriptions are written
// for the LLM agents that consume them.
func toolSet(svc *Service) []*Tool {
	return []*Tool{
		{
			Name:        "register_agent",
			Description: "Register this agent for a project. Returns the other active agents so you can coordinate with them.",
			Mutating:    true,
			Args: []Arg{
				{Name: "project_id", Type: ArgString, Required: true, Description: "Unique project identifier"},
				{Name: "session_name", Type: ArgString, Required: true, Description: "Unique session name (e.g. task-123)"},
				{Name: "task_id", Type: ArgString, Required: true, Description: "The task ID this agent is working on"},
				{Name: "branch", Type: ArgString, Required: true, Description: "Git branch name for this task"},
				{Name: "description", Type: ArgString, Required: true, Description: "Brief description of the task"},
			},
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.RegisterAgent(ctx,
					stringArg(args, "project_id"), stringArg(args, "session_name"),
					stringArg(args, "task_id"), stringArg(args, "branch"), stringArg(args, "description"))
			},
		},
		{
			Name:        "heartbeat",
			Description: "Signal that this agent is still alive. Call every 30-60 seconds.",
			Args: []Arg{
				{Name: "project_id", Type: ArgString, Required: true, Description: "Project identifier"},
				{Name: "session_name", Type: ArgString, Required: true, Description: "Agent's session name"},
			},
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.Heartbeat(ctx, stringArg(args, "project_id"), stringArg(args, "session_name"))
			},
		},
		{
			Name:        "unregister_agent",
			Description: "Unregister this agent when its work is done. Releases all held file locks and returns a final todo summary.",
			Mutating:    true,
			Args: []Arg{
				{Name: "project_id", Type: ArgString, Required: true, Description: "Project identifier"},
				{Name: "session_name", Type: ArgString, Required: true, Description: "Agent's session name"},
			},
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.UnregisterAgent(ctx, stringArg(args, "project_id"), stringArg(args, "session_name"))
			},
		},
		{
			Name:        "list_active_agents",
			Description: "List all agents registered in the project with their task, branch and status.",
			Args: []Arg{
				{Name: "project_id", Type: ArgString, Required: true, Description: "Project identifier"},
			},
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.ListActiveAgents(ctx, stringArg(args, "project_id"))
			},
		},
		{
			Name:        "mark_task_completed",
			Description: "Mark this agent's task as completed. Signals the orchestrator that the session can be terminated.",
			Mutating:    true,
			Args: []Arg{
				{Name: "project_id", Type: ArgString, Required: true, Description: "Project identifier"},
				{Name: "session_name", Type: ArgString, Required: true, Description: "Agent's session name"},
				{Name: "task_id", Type: ArgString, Required: true, Description: "Task ID that was completed"},
			},
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.MarkTaskCompleted(ctx,
					stringArg(args, "project_id"), stringArg(args, "session_name"), stringArg(args, "task_id"))
			},
		},
		{
			Name:        "add_todo",
			Description: "Add a todo item to this agent's task list.",
			Mutating:    true,
			Args: []Arg{
				{Name: "project_id", Type: ArgString, Required: true, Description: "Project identifier"},
				{Name: "session_name", Type: ArgString, Required: true, Description: "Agent's session name"},
				{Name: "todo_item", Type: ArgString, Required: true, Description: "Description of the todo"},
				{Name: "priority", Type: ArgInteger, Description: "Priority level (1=high, 2=medium, 3=low)", Default: 1},
			},
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.AddTodo(ctx,
					stringArg(args, "project_id"), stringArg(args, "session_name"),
					stringArg(args, "todo_item"), intArg(args, "priority", 1))
			},
		},
		{
			Name:        "update_todo",
			Description: "Update the status of a todo item (pending, in_progress, completed, blocked).",
			Mutating:    true,
			Args: []Arg{
				{Name: "project_id", Type: ArgString, Required: true, Description: "Project identifier"},
				{Name: "session_name", Type: ArgString, Required: true, Description: "Agent's session name"},
				{Name: "todo_id", Type: ArgString, Required: true, Description: "ID of the todo to update"},
				{Name: "status", Type: ArgString, Required: true, Description: "New status: pending, in_progress, completed or blocked"},
			},
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.UpdateTodo(ctx,
					stringArg(args, "project_id"), stringArg(args, "session_name"),
					stringArg(args, "todo_id"), stringArg(args, "status"))
			},
		},
		{
			Name:        "get_my_todos",
			Description: "Get this agent's own todo list.",
			Args: []Arg{
				{Name: "project_id", Type: ArgString, Required: true, Description: "Project identifier"},
				{Name: "session_name", Type: ArgString, Required: true, Description: "Agent's session name"},
			},
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.GetMyTodos(ctx, stringArg(args, "project_id"), stringArg(args, "session_name"))
			},
		},
		{
			Name:        "get_all_todos",
			Description: "Get every agent's todos in the project, with per-agent summary counters.",
			Args: []Arg{
				{Name: "project_id", Type: ArgString, Required: true, Description: "Project identifier"},
			},
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.GetAllTodos(ctx, stringArg(args, "project_id"))
			},
		},
		{
			Name:        "query_agent",
			Description: "Send a query to another agent. With wait_for_response the call blocks until the agent responds or the timeout elapses; otherwise the response arrives later via check_messages.",
			Mutating:    true,
			Args: []Arg{
				{Name: "project_id", Type: ArgString, Required: true, Description: "Project identifier"},
				{Name: "from_session", Type: ArgString, Required: true, Description: "Your session name"},
				{Name: "to_session", Type: ArgString, Required: true, Description: "Target agent's session name"},
				{Name: "query_type", Type: ArgString, Required: true, Description: "Kind of query (e.g. api, schema, status)"},
				{Name: "query", Type: ArgString, Required: true, Description: "The question to ask"},
				{Name: "wait_for_response", Type: ArgBoolean, Description: "Block until the target responds", Default: true},
				{Name: "timeout", Type: ArgInteger, Description: "Seconds to wait for a response (max 300)", Default: 30},
			},
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.QueryAgent(ctx,
					stringArg(args, "project_id"), stringArg(args, "from_session"), stringArg(args, "to_session"),
					stringArg(args, "query_type"), stringArg(args, "query"),
					boolArg(args, "wait_for_response", true),
					time.Duration(intArg(args, "timeout", 30))*time.Second)
			},
		},
		{
			Name:        "check_messages",
			Description: "Read and clear this agent's message queue. Returns queries, responses and broadcasts from other agents.",
			Mutating:    true,
			Args: []Arg{
				{Name: "project_id", Type: ArgString, Required: true, Description: "Project identifier"},
				{Name: "session_name", Type: ArgString, Required: true, Description: "Agent's session name"},
			},
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.CheckMessages(ctx, stringArg(args, "project_id"), stringArg(args, "session_name"))
			},
		},
		{
			Name:        "respond_to_query",
			Description: "Respond to a query received via check_messages. Wakes the waiting agent if it is blocked on the answer.",
			Mutating:    true,
			Args: []Arg{
				{Name: "project_id", Type: ArgString, Required: true, Description: "Project identifier"},
				{Name: "from_session", Type: ArgString, Required: true, Description: "Your session name (the responder)"},
				{Name: "to_session", Type: ArgString, Required: true, Description: "Session that asked the query"},
				{Name: "message_id", Type: ArgString, Required: true, Description: "The id of the query message"},
				{Name: "response", Type: ArgString, Required: true, Description: "Your answer"},
			},
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.RespondToQuery(ctx,
					stringArg(args, "project_id"), stringArg(args, "from_session"), stringArg(args, "to_session"),
					stringArg(args, "message_id"), stringArg(args, "response"))
			},
		},
		{
			Name:        "broadcast_message",
			Description: "Broadcast a message to every other active agent in the project.",
			Mutating:    true,
			Args: []Arg{
				{Name: "project_id", Type: ArgString, Required: true, Description: "Project identifier"},
				{Name: "session_name", Type: ArgString, Required: true, Description: "Agent's session name"},
				{Name: "message_type", Type: ArgString, Required: true, Description: "Message category (e.g. info, warning, help_needed)"},
				{Name: "content", Type: ArgString, Required: true, Description: "Message content"},
			},
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.BroadcastMessage(ctx,
					stringArg(args, "project_id"), stringArg(args, "session_name"),
					stringArg(args, "message_type"), stringArg(args, "content"))
			},
		},
		{
			Name:        "announce_file_change",
			Description: "Announce intent to modify a file and take its advisory lock. Conflicts report who holds the lock.",
			Mutating:    true,
			Args: []Arg{
				{Name: "project_id", Type: ArgString, Required: true, Description: "Project identifier"},
				{Name: "session_name", Type: ArgString, Required: true, Description: "Agent's session name"},
				{Name: "file_path", Type: ArgString, Required: true, Description: "Path of the file to modify"},
				{Name: "change_type", Type: ArgString, Required: true, Description: "Kind of change (create, modify, delete, refactor)"},
				{Name: "description", Type: ArgString, Required: true, Description: "What you are changing"},
			},
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.AnnounceFileChange(ctx,
					stringArg(args, "project_id"), stringArg(args, "session_name"),
					stringArg(args, "file_path"), stringArg(args, "change_type"), stringArg(args, "description"))
			},
		},
		{
			Name:        "release_file_lock",
			Description: "Release the advisory lock on a file you locked.",
			Mutating:    true,
			Args: []Arg{
				{Name: "project_id", Type: ArgString, Required: true, Description: "Project identifier"},
				{Name: "session_name", Type: ArgString, Required: true, Description: "Agent's session name"},
				{Name: "file_path", Type: ArgString, Required: true, Description: "Path of the locked file"},
			},
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.ReleaseFileLock(ctx,
					stringArg(args, "project_id"), stringArg(args, "session_name"), stringArg(args, "file_path"))
			},
		},
		{
			Name:        "get_recent_changes",
			Description: "Get the most recent file-change announcements in the project, newest first.",
			Args: []Arg{
				{Name: "project_id", Type: ArgString, Required: true, Description: "Project identifier"},
				{Name: "limit", Type: ArgInteger, Description: "Maximum entries to return (max 100)", Default: 20},
			},
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.GetRecentChanges(ctx, stringArg(args, "project_id"), intArg(args, "limit", 20))
			},
		},
		{
			Name:        "register_interface",
			Description: "Register a shared type or interface definition so other agents can discover it.",
			Mutating:    true,
			Args: []Arg{
				{Name: "project_id", Type: ArgString, Required: true, Description: "Project identifier"},
				{Name: "session_name", Type: ArgString, Required: true, Description: "Agent's session name"},
				{Name: "interface_name", Type: ArgString, Required: true, Description: "Name of the interface or type"},
				{Name: "definition", Type: ArgString, Required: true, Description: "The definition source text"},
				{Name: "file_path", Type: ArgString, Description: "File where the definition lives"},
			},
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.RegisterInterface(ctx,
					stringArg(args, "project_id"), stringArg(args, "session_name"),
					stringArg(args, "interface_name"), stringArg(args, "definition"), stringArg(args, "file_path"))
			},
		},
		{
			Name:        "query_interface",
			Description: "Look up a registered interface definition by name. Misses suggest similar names.",
			Args: []Arg{
				{Name: "project_id", Type: ArgString, Required: true, Description: "Project identifier"},
				{Name: "interface_name", Type: ArgString, Required: true, Description: "Name of the interface to look up"},
			},
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.QueryInterface(ctx, stringArg(args, "project_id"), stringArg(args, "interface_name"))
			},
		},
		{
			Name:        "list_interfaces",
			Description: "List every registered interface definition in the project.",
			Args: []Arg{
				{Name: "project_id", Type: ArgString, Required: true, Description: "Project identifier"},
			},
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.ListInterfaces(ctx, stringArg(args, "project_id"))
			},
		},
	}
}
