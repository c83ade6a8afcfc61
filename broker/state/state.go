// Package state defines the persistence layer for the coordination broker.
//
// The Gateway interface abstracts the key-value store the broker keeps all
// shared state in. Available implementations:
//
//   - redisstate: Redis-backed store for production use
//   - memstate: In-memory store for embedding and testing
//
// All keys are namespaced by project: "project:{project_id}:{resource}[:{id}]".
// Operations that touch more than one key (registration, agent removal, queue
// drains, lock acquisition) execute atomically so that concurrent callers never
// observe partial state. Implementations must be safe for concurrent use, and
// multiple broker processes sharing one backend must observe identical state.
package state

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrUnavailable is returned when the backend cannot be reached after the
// implementation has exhausted its retries. Handlers surface it to clients as
// status "store_unavailable".
var ErrUnavailable = errors.New("store unavailable")

// Agent status values.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Todo status values.
const (
	TodoPending    = "pending"
	TodoInProgress = "in_progress"
	TodoCompleted  = "completed"
	TodoBlocked    = "blocked"
)

// Message envelope types.
const (
	TypeQuery     = "query"
	TypeResponse  = "response"
	TypeBroadcast = "broadcast"
	TypeSystem    = "system"
)

type (
	// Agent is a registered participant in a project. The session name is
	// the hash field the record is stored under, not part of the record.
	Agent struct {
		TaskID      string `json:"task_id"`
		Branch      string `json:"branch"`
		Description string `json:"description"`
		Status      string `json:"status"`
		StartedAt   string `json:"started_at"`
		ProjectID   string `json:"project_id"`
	}

	// Todo is one unit of self-reported work progress. CompletedAt is nil
	// until the todo transitions to completed.
	Todo struct {
		ID          string  `json:"id"`
		Text        string  `json:"text"`
		Status      string  `json:"status"`
		Priority    int     `json:"priority"`
		CreatedAt   string  `json:"created_at"`
		CompletedAt *string `json:"completed_at"`
	}

	// Envelope is the wrapper around every inter-agent message. Type is the
	// discriminator: query, response, broadcast or system. Only the fields
	// relevant to the type are populated.
	Envelope struct {
		ID               string `json:"id,omitempty"`
		From             string `json:"from,omitempty"`
		Type             string `json:"type"`
		QueryType        string `json:"query_type,omitempty"`
		MessageType      string `json:"message_type,omitempty"`
		Content          string `json:"content"`
		Timestamp        string `json:"timestamp"`
		RequiresResponse bool   `json:"requires_response,omitempty"`
		InReplyTo        string `json:"in_reply_to,omitempty"`
	}

	// Lock records a declared intent to modify a file path. Advisory only;
	// the broker never touches the filesystem it describes.
	Lock struct {
		SessionName string `json:"session_name"`
		LockedAt    string `json:"locked_at"`
		ChangeType  string `json:"change_type"`
		Description string `json:"description"`
	}

	// Interface is a shared type or contract definition discoverable by all
	// agents in a project. Later registrations overwrite earlier ones.
	Interface struct {
		Definition   string `json:"definition"`
		RegisteredBy string `json:"registered_by"`
		FilePath     string `json:"file_path,omitempty"`
		Timestamp    string `json:"timestamp"`
	}

	// Change is one entry in the bounded per-project recent-change log.
	Change struct {
		SessionName string `json:"session_name"`
		FilePath    string `json:"file_path,omitempty"`
		ChangeType  string `json:"change_type"`
		Description string `json:"description"`
		Timestamp   string `json:"timestamp"`
	}

	// Completion is the durable record written when a task finishes. It
	// outlives the agent's registration.
	Completion struct {
		TaskID      string `json:"task_id"`
		SessionName string `json:"session_name"`
		CompletedAt string `json:"completed_at"`
	}

	// PendingQuery tracks an outstanding synchronous query_agent call so a
	// response can be correlated back to the parked caller, possibly on a
	// different broker process.
	PendingQuery struct {
		MessageID   string `json:"message_id"`
		FromSession string `json:"from_session"`
		ToSession   string `json:"to_session"`
		CreatedAt   string `json:"created_at"`
		TimeoutAt   string `json:"timeout_at"`
	}

	// QueryResult is the terminal outcome of a pending query, written by
	// respond_to_query or by the liveness monitor when the target dies.
	QueryResult struct {
		Status   string `json:"status"`
		Response string `json:"response,omitempty"`
	}

	// ReleaseOutcome is the result of a lock release attempt.
	ReleaseOutcome int
)

// Lock release outcomes.
const (
	// Released means the caller held the lock and it was removed.
	Released ReleaseOutcome = iota
	// NotHeld means no lock existed for the path.
	NotHeld
	// NotOwner means another session holds the lock; nothing was mutated.
	NotOwner
)

// Gateway is the state gateway the coordination handlers and the liveness
// monitor run against.
type Gateway interface {
	// RegisterAgent writes the agent record, its heartbeat (with TTL) and
	// clears any stale todo list left by a previous incarnation of the
	// session, all in one atomic group.
	RegisterAgent(ctx context.Context, projectID, session string, agent Agent, heartbeatTTL time.Duration) error

	// SaveAgent overwrites the agent record without touching other keys.
	SaveAgent(ctx context.Context, projectID, session string, agent Agent) error

	// Agent returns the agent record. Returns ErrNotFound if the session is
	// not registered.
	Agent(ctx context.Context, projectID, session string) (Agent, error)

	// Agents returns all registered agents in the project keyed by session
	// name. Returns an empty map when the project has none.
	Agents(ctx context.Context, projectID string) (map[string]Agent, error)

	// RemoveAgent deletes the agent record, heartbeat, message queue,
	// overflow marker and todo list in one atomic group. Removing an absent
	// agent is not an error.
	RemoveAgent(ctx context.Context, projectID, session string) error

	// ProjectIDs returns the ids of all projects that currently have an
	// agent registry, discovered by key scan.
	ProjectIDs(ctx context.Context) ([]string, error)

	// TouchHeartbeat refreshes the session's heartbeat TTL.
	TouchHeartbeat(ctx context.Context, projectID, session string, ttl time.Duration) error

	// HeartbeatAlive reports whether the session's heartbeat key exists.
	HeartbeatAlive(ctx context.Context, projectID, session string) (bool, error)

	// NextTodoSeq returns the next value of the session's monotonic todo
	// counter.
	NextTodoSeq(ctx context.Context, projectID, session string) (int64, error)

	// AppendTodo appends a todo to the session's list.
	AppendTodo(ctx context.Context, projectID, session string, todo Todo) error

	// Todos returns the session's todo list in insertion order.
	Todos(ctx context.Context, projectID, session string) ([]Todo, error)

	// ReplaceTodos atomically rewrites the session's todo list.
	ReplaceTodos(ctx context.Context, projectID, session string, todos []Todo) error

	// PushMessage appends an envelope to the session's message queue,
	// bounded to max entries. On overflow the oldest entries are dropped and
	// the queue's overflow marker is set; DrainMessages surfaces the marker
	// as a single system sentinel, so repeated overflows coalesce.
	PushMessage(ctx context.Context, projectID, session string, env Envelope, max int) error

	// DrainMessages returns the session's queued envelopes in FIFO order and
	// atomically clears the queue. If messages were dropped since the last
	// drain, a single system sentinel is prepended.
	DrainMessages(ctx context.Context, projectID, session string) ([]Envelope, error)

	// AcquireLock is a compare-and-set on the project's lock table. It
	// succeeds when the path is unlocked or already held by session (the
	// lock is re-entrant and refreshed). On conflict it returns the holder's
	// lock and acquired=false without mutating state.
	AcquireLock(ctx context.Context, projectID, path, session string, lock Lock) (current Lock, acquired bool, err error)

	// ReleaseLock deletes the lock only when session owns it.
	ReleaseLock(ctx context.Context, projectID, path, session string) (ReleaseOutcome, error)

	// ReleaseLocksOwnedBy removes every lock held by session and returns the
	// released paths.
	ReleaseLocksOwnedBy(ctx context.Context, projectID, session string) ([]string, error)

	// Locks returns the project's lock table keyed by file path.
	Locks(ctx context.Context, projectID string) (map[string]Lock, error)

	// SaveInterface stores or overwrites an interface definition.
	SaveInterface(ctx context.Context, projectID, name string, def Interface) error

	// Interface returns a definition by name. Returns ErrNotFound on miss.
	Interface(ctx context.Context, projectID, name string) (Interface, error)

	// Interfaces returns all definitions in the project keyed by name.
	Interfaces(ctx context.Context, projectID string) (map[string]Interface, error)

	// AppendChange prepends an entry to the project's recent-change log,
	// trimming it to cap entries (oldest evicted).
	AppendChange(ctx context.Context, projectID string, change Change, cap int) error

	// RecentChanges returns up to limit entries, newest first.
	RecentChanges(ctx context.Context, projectID string, limit int) ([]Change, error)

	// SaveCompletion writes the durable completion record for a task.
	SaveCompletion(ctx context.Context, projectID string, completion Completion) error

	// Completion returns the completion record for a task. Returns
	// ErrNotFound if the task has not completed.
	Completion(ctx context.Context, projectID, taskID string) (Completion, error)

	// SavePendingQuery records an outstanding synchronous query. The record
	// expires on its own after ttl so disconnected callers leave no garbage.
	SavePendingQuery(ctx context.Context, projectID string, query PendingQuery, ttl time.Duration) error

	// DeletePendingQuery removes the pending-query record.
	DeletePendingQuery(ctx context.Context, projectID, messageID string) error

	// PendingQueries returns all outstanding pending-query records for the
	// project.
	PendingQueries(ctx context.Context, projectID string) ([]PendingQuery, error)

	// PutQueryResult writes the terminal outcome for a pending query. The
	// result expires after ttl if never taken.
	PutQueryResult(ctx context.Context, projectID, messageID string, result QueryResult, ttl time.Duration) error

	// TakeQueryResult atomically reads and deletes the query outcome.
	// ok is false when no outcome has been written.
	TakeQueryResult(ctx context.Context, projectID, messageID string) (result QueryResult, ok bool, err error)

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases resources owned by the gateway. It does not close
	// backend clients the caller provided.
	Close() error
}
