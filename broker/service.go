package broker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/splitmind/coord/broker/state"
)

type (
	// Service implements the coordination handlers. Handlers are stateless
	// transformations over the state gateway; all shared state lives in the
	// store, so multiple broker processes against one backend behave
	// identically.
	Service struct {
		gw      state.Gateway
		waiters *waiters

		heartbeatTTL     time.Duration
		maxQueueLen      int
		recentChangesCap int
		statusDir        string
		queryPoll        time.Duration
		maxQueryTimeout  time.Duration
	}

	// TodoSummary is the final todo tally returned by unregister_agent and
	// carried in departure broadcasts.
	TodoSummary struct {
		Total      int `json:"total"`
		Completed  int `json:"completed"`
		Pending    int `json:"pending"`
		InProgress int `json:"in_progress"`
	}
)

// resultTTLGrace pads pending-query and result TTLs past the caller's timeout
// so a late response still reaches an async caller's queue before the record
// expires.
const resultTTLGrace = 60 * time.Second

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// errorResult is the uniform failure shape handlers return for caller bugs.
func errorResult(format string, args ...any) map[string]any {
	return map[string]any{
		"status": "error",
		"error":  fmt.Sprintf(format, args...),
	}
}

// RegisterAgent registers a session for a project. Re-registering the same
// session for the same task is a reconnect and refreshes the record;
// registering it for a different task while the session is alive is rejected.
func (s *Service) RegisterAgent(ctx context.Context, projectID, session, taskID, branch, description string) (any, error) {
	existing, err := s.gw.Agent(ctx, projectID, session)
	reconnect := false
	if err == nil {
		alive, aerr := s.gw.HeartbeatAlive(ctx, projectID, session)
		if aerr != nil {
			return nil, aerr
		}
		if alive && existing.Status == state.StatusActive && existing.TaskID != taskID {
			return errorResult("session %s is already active for task %s", session, existing.TaskID), nil
		}
		reconnect = alive && existing.TaskID == taskID
	} else if !errors.Is(err, state.ErrNotFound) {
		return nil, err
	}

	agent := state.Agent{
		TaskID:      taskID,
		Branch:      branch,
		Description: description,
		Status:      state.StatusActive,
		StartedAt:   nowStamp(),
		ProjectID:   projectID,
	}
	if reconnect {
		agent.StartedAt = existing.StartedAt
		if err := s.gw.SaveAgent(ctx, projectID, session, agent); err != nil {
			return nil, err
		}
		if err := s.gw.TouchHeartbeat(ctx, projectID, session, s.heartbeatTTL); err != nil {
			return nil, err
		}
	} else {
		if err := s.gw.RegisterAgent(ctx, projectID, session, agent, s.heartbeatTTL); err != nil {
			return nil, err
		}
		s.fanOut(ctx, projectID, session, state.Envelope{
			ID:          uuid.NewString(),
			From:        session,
			Type:        state.TypeBroadcast,
			MessageType: "info",
			Content:     fmt.Sprintf("Agent %s joined the project: %s", session, description),
			Timestamp:   nowStamp(),
		})
	}

	agents, err := s.gw.Agents(ctx, projectID)
	if err != nil {
		return nil, err
	}
	others := make([]string, 0, len(agents))
	for name := range agents {
		if name != session {
			others = append(others, name)
		}
	}
	sort.Strings(others)

	log.Info(ctx, log.KV{K: "msg", V: "agent registered"},
		log.KV{K: "project", V: projectID}, log.KV{K: "session", V: session})

	return map[string]any{
		"status":              "registered",
		"project_id":          projectID,
		"session_name":        session,
		"other_active_agents": others,
		"message":             fmt.Sprintf("Successfully registered. %d other agents are active in this project.", len(others)),
	}, nil
}

// Heartbeat refreshes the session's liveness TTL. A reaped or never-registered
// session gets not_registered back and is expected to re-register.
func (s *Service) Heartbeat(ctx context.Context, projectID, session string) (any, error) {
	if _, err := s.gw.Agent(ctx, projectID, session); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return map[string]any{
				"status": "not_registered",
				"error":  fmt.Sprintf("session %s is not registered; call register_agent first", session),
			}, nil
		}
		return nil, err
	}
	if err := s.gw.TouchHeartbeat(ctx, projectID, session, s.heartbeatTTL); err != nil {
		return nil, err
	}
	return map[string]any{"status": "ok", "timestamp": nowStamp()}, nil
}

// UnregisterAgent removes the session and everything it owns, broadcasting the
// departure with a final todo tally. Interfaces the agent registered persist;
// they belong to the project.
func (s *Service) UnregisterAgent(ctx context.Context, projectID, session string) (any, error) {
	if _, err := s.gw.Agent(ctx, projectID, session); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return map[string]any{
				"status": "not_registered",
				"error":  fmt.Sprintf("session %s is not registered", session),
			}, nil
		}
		return nil, err
	}

	todos, err := s.gw.Todos(ctx, projectID, session)
	if err != nil {
		return nil, err
	}
	summary := summarize(todos)

	if _, err := s.cleanupAgent(ctx, projectID, session); err != nil {
		return nil, err
	}

	s.fanOut(ctx, projectID, session, state.Envelope{
		ID:          uuid.NewString(),
		From:        session,
		Type:        state.TypeBroadcast,
		MessageType: "agent_left",
		Content:     fmt.Sprintf("Agent %s left the project (completed %d/%d todos)", session, summary.Completed, summary.Total),
		Timestamp:   nowStamp(),
	})

	log.Info(ctx, log.KV{K: "msg", V: "agent unregistered"},
		log.KV{K: "project", V: projectID}, log.KV{K: "session", V: session})

	return map[string]any{
		"status":       "unregistered",
		"todo_summary": summary,
		"message":      fmt.Sprintf("Successfully unregistered. Completed %d/%d todos.", summary.Completed, summary.Total),
	}, nil
}

// ListActiveAgents returns every registered agent record keyed by session.
func (s *Service) ListActiveAgents(ctx context.Context, projectID string) (any, error) {
	agents, err := s.gw.Agents(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return agents, nil
}

// MarkTaskCompleted writes the durable completion record, flips the agent's
// status and drops a status marker file for filesystem-watching orchestrators.
// The marker write is best-effort; its failure never fails the call.
func (s *Service) MarkTaskCompleted(ctx context.Context, projectID, session, taskID string) (any, error) {
	if err := s.gw.SaveCompletion(ctx, projectID, state.Completion{
		TaskID:      taskID,
		SessionName: session,
		CompletedAt: nowStamp(),
	}); err != nil {
		return nil, err
	}

	agent, err := s.gw.Agent(ctx, projectID, session)
	if err == nil {
		agent.Status = state.StatusCompleted
		if err := s.gw.SaveAgent(ctx, projectID, session, agent); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, state.ErrNotFound) {
		return nil, err
	}

	s.writeStatusFile(ctx, session)

	s.fanOut(ctx, projectID, session, state.Envelope{
		ID:          uuid.NewString(),
		From:        session,
		Type:        state.TypeBroadcast,
		MessageType: "task_completed",
		Content:     fmt.Sprintf("Agent %s completed task %s", session, taskID),
		Timestamp:   nowStamp(),
	})

	log.Info(ctx, log.KV{K: "msg", V: "task completed"},
		log.KV{K: "project", V: projectID}, log.KV{K: "task", V: taskID})

	return map[string]any{
		"status":  "success",
		"message": fmt.Sprintf("Task %s marked as completed", taskID),
	}, nil
}

func (s *Service) writeStatusFile(ctx context.Context, session string) {
	if s.statusDir == "" {
		return
	}
	if err := os.MkdirAll(s.statusDir, 0o755); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "status dir create failed"}, log.KV{K: "err", V: err})
		return
	}
	path := filepath.Join(s.statusDir, session+".status")
	if err := os.WriteFile(path, []byte("COMPLETED\n"), 0o644); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "status file write failed"},
			log.KV{K: "path", V: path}, log.KV{K: "err", V: err})
	}
}

// AddTodo appends a todo with a monotonic id to the session's list.
func (s *Service) AddTodo(ctx context.Context, projectID, session, text string, priority int) (any, error) {
	if priority < 1 || priority > 3 {
		return errorResult("priority must be 1 (high), 2 (medium) or 3 (low)"), nil
	}
	seq, err := s.gw.NextTodoSeq(ctx, projectID, session)
	if err != nil {
		return nil, err
	}
	todo := state.Todo{
		ID:        fmt.Sprintf("todo-%d-%d", seq, time.Now().Unix()),
		Text:      text,
		Status:    state.TodoPending,
		Priority:  priority,
		CreatedAt: nowStamp(),
	}
	if err := s.gw.AppendTodo(ctx, projectID, session, todo); err != nil {
		return nil, err
	}
	return map[string]any{
		"status":  "added",
		"todo_id": todo.ID,
		"message": "Added todo: " + text,
	}, nil
}

// UpdateTodo rewrites the todo in place, stamping completed_at on the
// transition to completed and broadcasting the completion to peers.
func (s *Service) UpdateTodo(ctx context.Context, projectID, session, todoID, status string) (any, error) {
	switch status {
	case state.TodoPending, state.TodoInProgress, state.TodoCompleted, state.TodoBlocked:
	default:
		return errorResult("invalid todo status %q", status), nil
	}

	todos, err := s.gw.Todos(ctx, projectID, session)
	if err != nil {
		return nil, err
	}
	updated := false
	for i := range todos {
		if todos[i].ID != todoID {
			continue
		}
		todos[i].Status = status
		if status == state.TodoCompleted && todos[i].CompletedAt == nil {
			ts := nowStamp()
			todos[i].CompletedAt = &ts
		}
		updated = true
	}
	if !updated {
		return map[string]any{
			"status":     "not_found",
			"todo_id":    todoID,
			"new_status": status,
		}, nil
	}
	if err := s.gw.ReplaceTodos(ctx, projectID, session, todos); err != nil {
		return nil, err
	}
	if status == state.TodoCompleted {
		s.fanOut(ctx, projectID, session, state.Envelope{
			ID:          uuid.NewString(),
			From:        session,
			Type:        state.TypeBroadcast,
			MessageType: "todo_completed",
			Content:     fmt.Sprintf("Agent %s completed todo %s", session, todoID),
			Timestamp:   nowStamp(),
		})
	}
	return map[string]any{
		"status":     "updated",
		"todo_id":    todoID,
		"new_status": status,
	}, nil
}

// GetMyTodos returns the session's own todo list in insertion order.
func (s *Service) GetMyTodos(ctx context.Context, projectID, session string) (any, error) {
	todos, err := s.gw.Todos(ctx, projectID, session)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session_name": session,
		"total":        len(todos),
		"todos":        todos,
	}, nil
}

// GetAllTodos returns every agent's todo list with summary counters.
func (s *Service) GetAllTodos(ctx context.Context, projectID string) (any, error) {
	agents, err := s.gw.Agents(ctx, projectID)
	if err != nil {
		return nil, err
	}
	all := make(map[string]any, len(agents))
	for session, agent := range agents {
		todos, err := s.gw.Todos(ctx, projectID, session)
		if err != nil {
			return nil, err
		}
		summary := summarize(todos)
		all[session] = map[string]any{
			"task_id":     agent.TaskID,
			"description": agent.Description,
			"total":       summary.Total,
			"completed":   summary.Completed,
			"todos":       todos,
		}
	}
	return all, nil
}

// QueryAgent sends a query to another agent. With wait_for_response the call
// parks until the target responds or the timeout elapses; without it the
// message id is returned immediately and the response arrives via
// check_messages.
func (s *Service) QueryAgent(ctx context.Context, projectID, from, to, queryType, query string, wait bool, timeout time.Duration) (any, error) {
	if _, err := s.gw.Agent(ctx, projectID, to); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return map[string]any{
				"status": "agent_not_found",
				"error":  fmt.Sprintf("agent %s not found in project %s", to, projectID),
			}, nil
		}
		return nil, err
	}

	if timeout < 0 {
		timeout = 0
	}
	if timeout > s.maxQueryTimeout {
		timeout = s.maxQueryTimeout
	}

	messageID := fmt.Sprintf("%s-%d", from, time.Now().UnixNano())
	env := state.Envelope{
		ID:               messageID,
		From:             from,
		Type:             state.TypeQuery,
		QueryType:        queryType,
		Content:          query,
		Timestamp:        nowStamp(),
		RequiresResponse: true,
	}
	if err := s.gw.PushMessage(ctx, projectID, to, env, s.maxQueueLen); err != nil {
		return nil, err
	}
	pendingTTL := timeout + resultTTLGrace
	if err := s.gw.SavePendingQuery(ctx, projectID, state.PendingQuery{
		MessageID:   messageID,
		FromSession: from,
		ToSession:   to,
		CreatedAt:   nowStamp(),
		TimeoutAt:   time.Now().UTC().Add(timeout).Format(time.RFC3339Nano),
	}, pendingTTL); err != nil {
		return nil, err
	}

	if !wait {
		return map[string]any{
			"status":     "sent",
			"message_id": messageID,
		}, nil
	}

	result, ok := s.awaitResponse(ctx, projectID, messageID, timeout)
	if derr := s.gw.DeletePendingQuery(ctx, projectID, messageID); derr != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "pending query cleanup failed"}, log.KV{K: "err", V: derr})
	}
	if !ok {
		return map[string]any{
			"status": "timeout",
			"error":  fmt.Sprintf("no response received within %s", timeout),
		}, nil
	}
	if result.Status == "agent_not_found" {
		return map[string]any{
			"status": "agent_not_found",
			"error":  fmt.Sprintf("agent %s died before responding", to),
		}, nil
	}
	return map[string]any{
		"status":   "received",
		"response": result.Response,
	}, nil
}

// awaitResponse parks the caller until a query result arrives or the timeout
// elapses. Same-process responders wake the caller through the waiter channel;
// responses written by another broker process are picked up by polling the
// store's result key.
func (s *Service) awaitResponse(ctx context.Context, projectID, messageID string, timeout time.Duration) (state.QueryResult, bool) {
	ch := s.waiters.register(messageID)
	defer s.waiters.drop(messageID)

	// A responder may have won the race before the channel existed.
	if result, ok, err := s.gw.TakeQueryResult(ctx, projectID, messageID); err == nil && ok {
		return result, true
	}
	if timeout <= 0 {
		return state.QueryResult{}, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(s.queryPoll)
	defer ticker.Stop()
	for {
		select {
		case result := <-ch:
			return result, true
		case <-ticker.C:
			result, ok, err := s.gw.TakeQueryResult(ctx, projectID, messageID)
			if err != nil {
				log.Warn(ctx, log.KV{K: "msg", V: "query result poll failed"}, log.KV{K: "err", V: err})
				continue
			}
			if ok {
				return result, true
			}
		case <-timer.C:
			return state.QueryResult{}, false
		case <-ctx.Done():
			return state.QueryResult{}, false
		}
	}
}

// CheckMessages drains the session's queue: the full list is returned and the
// queue cleared in one atomic step. Parked query responses are not delivered
// here; they are consumed by the parked query_agent call.
func (s *Service) CheckMessages(ctx context.Context, projectID, session string) (any, error) {
	envs, err := s.gw.DrainMessages(ctx, projectID, session)
	if err != nil {
		return nil, err
	}
	return envs, nil
}

// RespondToQuery delivers a response on both paths: the pending-query result
// key (waking a parked caller, possibly on another broker process) and a
// response envelope on the original sender's queue for async callers.
func (s *Service) RespondToQuery(ctx context.Context, projectID, from, to, messageID, response string) (any, error) {
	result := state.QueryResult{Status: "received", Response: response}
	if err := s.gw.PutQueryResult(ctx, projectID, messageID, result, resultTTLGrace); err != nil {
		return nil, err
	}
	s.waiters.resolve(messageID, result)

	env := state.Envelope{
		ID:        "response-" + messageID,
		From:      from,
		Type:      state.TypeResponse,
		InReplyTo: messageID,
		Content:   response,
		Timestamp: nowStamp(),
	}
	if err := s.gw.PushMessage(ctx, projectID, to, env, s.maxQueueLen); err != nil {
		return nil, err
	}
	if err := s.gw.DeletePendingQuery(ctx, projectID, messageID); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "pending query cleanup failed"}, log.KV{K: "err", V: err})
	}
	return map[string]any{
		"status":  "response_sent",
		"to":      to,
		"message": fmt.Sprintf("Response delivered to %s", to),
	}, nil
}

// BroadcastMessage fans the message out to every other active agent's queue.
func (s *Service) BroadcastMessage(ctx context.Context, projectID, session, messageType, content string) (any, error) {
	count, err := s.fanOut(ctx, projectID, session, state.Envelope{
		ID:          uuid.NewString(),
		From:        session,
		Type:        state.TypeBroadcast,
		MessageType: messageType,
		Content:     content,
		Timestamp:   nowStamp(),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status":     "broadcast_sent",
		"recipients": count,
		"message":    fmt.Sprintf("Broadcast delivered to %d agents", count),
	}, nil
}

// AnnounceFileChange takes (or refreshes) the advisory lock on a file path.
// The lock is compare-and-set in the store: exactly one session wins a race.
func (s *Service) AnnounceFileChange(ctx context.Context, projectID, session, filePath, changeType, description string) (any, error) {
	lock := state.Lock{
		SessionName: session,
		LockedAt:    nowStamp(),
		ChangeType:  changeType,
		Description: description,
	}
	current, acquired, err := s.gw.AcquireLock(ctx, projectID, filePath, session, lock)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return map[string]any{
			"status":     "conflict",
			"error":      fmt.Sprintf("file is locked by %s", current.SessionName),
			"lock_info":  current,
			"suggestion": "Query that agent about their progress or wait for the lock to be released",
		}, nil
	}

	if err := s.gw.AppendChange(ctx, projectID, state.Change{
		SessionName: session,
		FilePath:    filePath,
		ChangeType:  changeType,
		Description: description,
		Timestamp:   nowStamp(),
	}, s.recentChangesCap); err != nil {
		return nil, err
	}
	s.fanOut(ctx, projectID, session, state.Envelope{
		ID:          uuid.NewString(),
		From:        session,
		Type:        state.TypeBroadcast,
		MessageType: "file_change_announced",
		Content:     fmt.Sprintf("Agent %s is modifying %s (%s): %s", session, filePath, changeType, description),
		Timestamp:   nowStamp(),
	})

	return map[string]any{
		"status":    "locked",
		"file_path": filePath,
		"message":   "File locked successfully. Remember to release when done.",
	}, nil
}

// ReleaseFileLock releases the advisory lock if the caller owns it. Releasing
// an unheld path is idempotent; a non-owner release never mutates state.
func (s *Service) ReleaseFileLock(ctx context.Context, projectID, session, filePath string) (any, error) {
	outcome, err := s.gw.ReleaseLock(ctx, projectID, filePath, session)
	if err != nil {
		return nil, err
	}
	switch outcome {
	case state.NotOwner:
		return errorResult("not owner"), nil
	case state.Released:
		s.fanOut(ctx, projectID, session, state.Envelope{
			ID:          uuid.NewString(),
			From:        session,
			Type:        state.TypeBroadcast,
			MessageType: "file_lock_released",
			Content:     fmt.Sprintf("Agent %s released the lock on %s", session, filePath),
			Timestamp:   nowStamp(),
		})
	}
	return map[string]any{
		"status":    "released",
		"file_path": filePath,
		"message":   "File lock released",
	}, nil
}

// GetRecentChanges returns up to limit recent file-change announcements,
// newest first. The limit is capped by the configured log size.
func (s *Service) GetRecentChanges(ctx context.Context, projectID string, limit int) (any, error) {
	if limit > s.recentChangesCap {
		limit = s.recentChangesCap
	}
	changes, err := s.gw.RecentChanges(ctx, projectID, limit)
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// RegisterInterface stores a shared definition; later registrations for the
// same name overwrite earlier ones.
func (s *Service) RegisterInterface(ctx context.Context, projectID, session, name, definition, filePath string) (any, error) {
	if err := s.gw.SaveInterface(ctx, projectID, name, state.Interface{
		Definition:   definition,
		RegisteredBy: session,
		FilePath:     filePath,
		Timestamp:    nowStamp(),
	}); err != nil {
		return nil, err
	}
	s.fanOut(ctx, projectID, session, state.Envelope{
		ID:          uuid.NewString(),
		From:        session,
		Type:        state.TypeBroadcast,
		MessageType: "interface_registered",
		Content:     fmt.Sprintf("Agent %s registered interface %s", session, name),
		Timestamp:   nowStamp(),
	})
	return map[string]any{
		"status":         "registered",
		"interface_name": name,
		"message":        "Interface registered and available to all agents",
	}, nil
}

// QueryInterface looks up a definition by name. On a miss it suggests names
// similar to the query.
func (s *Service) QueryInterface(ctx context.Context, projectID, name string) (any, error) {
	def, err := s.gw.Interface(ctx, projectID, name)
	if errors.Is(err, state.ErrNotFound) {
		defs, lerr := s.gw.Interfaces(ctx, projectID)
		if lerr != nil {
			return nil, lerr
		}
		names := make([]string, 0, len(defs))
		for n := range defs {
			names = append(names, n)
		}
		return map[string]any{
			"status":  "not_found",
			"error":   fmt.Sprintf("interface %s not found", name),
			"similar": similarNames(name, names),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"interface_name": name,
		"definition":     def.Definition,
		"registered_by":  def.RegisteredBy,
		"file_path":      def.FilePath,
		"timestamp":      def.Timestamp,
	}, nil
}

// ListInterfaces returns all registered definitions keyed by name.
func (s *Service) ListInterfaces(ctx context.Context, projectID string) (any, error) {
	defs, err := s.gw.Interfaces(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return defs, nil
}

// cleanupAgent removes everything a session owns: held locks, heartbeat,
// message queue, todos and the registry entry. Shared by unregister_agent and
// the liveness monitor; whichever runs second observes empty state and
// returns without error.
func (s *Service) cleanupAgent(ctx context.Context, projectID, session string) ([]string, error) {
	released, err := s.gw.ReleaseLocksOwnedBy(ctx, projectID, session)
	if err != nil {
		return nil, err
	}
	if err := s.gw.RemoveAgent(ctx, projectID, session); err != nil {
		return released, err
	}
	return released, nil
}

// touchIfRegistered refreshes the session's heartbeat as a side effect of a
// state-mutating call, keeping busy agents alive without explicit heartbeats.
func (s *Service) touchIfRegistered(ctx context.Context, projectID, session string) {
	if projectID == "" || session == "" {
		return
	}
	if _, err := s.gw.Agent(ctx, projectID, session); err != nil {
		return
	}
	if err := s.gw.TouchHeartbeat(ctx, projectID, session, s.heartbeatTTL); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "heartbeat refresh failed"},
			log.KV{K: "session", V: session}, log.KV{K: "err", V: err})
	}
}

func summarize(todos []state.Todo) TodoSummary {
	summary := TodoSummary{Total: len(todos)}
	for _, todo := range todos {
		switch todo.Status {
		case state.TodoCompleted:
			summary.Completed++
		case state.TodoPending:
			summary.Pending++
		case state.TodoInProgress:
			summary.InProgress++
		}
	}
	return summary
}
