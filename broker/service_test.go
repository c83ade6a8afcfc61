package broker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splitmind/coord/broker/state"
)

// newTestBroker builds a broker over the in-memory gateway with short
// intervals suited to tests.
func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b, err := New(Config{
		HeartbeatTimeout:  time.Minute,
		MonitorInterval:   time.Minute,
		MaxQueueLen:       100,
		RecentChangesCap:  100,
		StatusDir:         t.TempDir(),
		QueryPollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func register(t *testing.T, svc *Service, projectID, session, taskID string) map[string]any {
	t.Helper()
	res, err := svc.RegisterAgent(context.Background(), projectID, session, taskID, "br/"+taskID, "agent "+taskID)
	require.NoError(t, err)
	return res.(map[string]any)
}

func drain(t *testing.T, svc *Service, projectID, session string) []state.Envelope {
	t.Helper()
	res, err := svc.CheckMessages(context.Background(), projectID, session)
	require.NoError(t, err)
	return res.([]state.Envelope)
}

func TestRegisterHandshake(t *testing.T) {
	b := newTestBroker(t)
	svc := b.Service()

	res := register(t, svc, "p", "task-001", "001")
	assert.Equal(t, "registered", res["status"])
	assert.Empty(t, res["other_active_agents"])

	res = register(t, svc, "p", "task-002", "002")
	assert.Equal(t, []string{"task-001"}, res["other_active_agents"])

	msgs := drain(t, svc, "p", "task-001")
	require.Len(t, msgs, 1)
	assert.Equal(t, state.TypeBroadcast, msgs[0].Type)
	assert.Equal(t, "info", msgs[0].MessageType)
	assert.Equal(t, "task-002", msgs[0].From)
	assert.Contains(t, msgs[0].Content, "joined")

	// The joining agent does not receive its own join broadcast.
	assert.Empty(t, drain(t, svc, "p", "task-002"))
}

func TestRegisterRejectsDifferentTask(t *testing.T) {
	b := newTestBroker(t)
	svc := b.Service()
	register(t, svc, "p", "task-001", "001")

	res, err := svc.RegisterAgent(context.Background(), "p", "task-001", "999", "br/x", "imposter")
	require.NoError(t, err)
	m := res.(map[string]any)
	assert.Equal(t, "error", m["status"])
	assert.Contains(t, m["error"], "already active")

	// Same task id is a reconnect, not a conflict.
	res, err = svc.RegisterAgent(context.Background(), "p", "task-001", "001", "br/001", "agent 001")
	require.NoError(t, err)
	assert.Equal(t, "registered", res.(map[string]any)["status"])
}

func TestLockConflictAndRelease(t *testing.T) {
	b := newTestBroker(t)
	svc := b.Service()
	ctx := context.Background()
	register(t, svc, "p", "task-001", "001")
	register(t, svc, "p", "task-002", "002")

	res, err := svc.AnnounceFileChange(ctx, "p", "task-001", "src/x.ts", "modify", "X")
	require.NoError(t, err)
	assert.Equal(t, "locked", res.(map[string]any)["status"])

	res, err = svc.AnnounceFileChange(ctx, "p", "task-002", "src/x.ts", "modify", "Y")
	require.NoError(t, err)
	m := res.(map[string]any)
	assert.Equal(t, "conflict", m["status"])
	lock := m["lock_info"].(state.Lock)
	assert.Equal(t, "task-001", lock.SessionName)
	assert.NotEmpty(t, m["suggestion"])

	res, err = svc.ReleaseFileLock(ctx, "p", "task-001", "src/x.ts")
	require.NoError(t, err)
	assert.Equal(t, "released", res.(map[string]any)["status"])

	res, err = svc.AnnounceFileChange(ctx, "p", "task-002", "src/x.ts", "modify", "Y")
	require.NoError(t, err)
	assert.Equal(t, "locked", res.(map[string]any)["status"])
}

func TestLockReentrant(t *testing.T) {
	b := newTestBroker(t)
	svc := b.Service()
	ctx := context.Background()
	register(t, svc, "p", "task-001", "001")

	for i := 0; i < 2; i++ {
		res, err := svc.AnnounceFileChange(ctx, "p", "task-001", "src/x.ts", "modify", fmt.Sprintf("pass %d", i))
		require.NoError(t, err)
		assert.Equal(t, "locked", res.(map[string]any)["status"])
	}
}

func TestReleaseLockNotOwner(t *testing.T) {
	b := newTestBroker(t)
	svc := b.Service()
	ctx := context.Background()
	register(t, svc, "p", "task-001", "001")
	register(t, svc, "p", "task-002", "002")

	_, err := svc.AnnounceFileChange(ctx, "p", "task-001", "src/x.ts", "modify", "X")
	require.NoError(t, err)

	res, err := svc.ReleaseFileLock(ctx, "p", "task-002", "src/x.ts")
	require.NoError(t, err)
	m := res.(map[string]any)
	assert.Equal(t, "error", m["status"])
	assert.Equal(t, "not owner", m["error"])

	// Lock must be untouched.
	locks, err := svc.gw.Locks(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "task-001", locks["src/x.ts"].SessionName)
}

func TestReleaseLockIdempotent(t *testing.T) {
	b := newTestBroker(t)
	svc := b.Service()
	register(t, svc, "p", "task-001", "001")

	res, err := svc.ReleaseFileLock(context.Background(), "p", "task-001", "never/locked.go")
	require.NoError(t, err)
	assert.Equal(t, "released", res.(map[string]any)["status"])
}

func TestSyncQueryResponse(t *testing.T) {
	b := newTestBroker(t)
	svc := b.Service()
	ctx := context.Background()
	register(t, svc, "p", "task-001", "001")
	register(t, svc, "p", "task-002", "002")
	drain(t, svc, "p", "task-001")

	type outcome struct {
		res any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := svc.QueryAgent(ctx, "p", "task-002", "task-001", "api", "what is the endpoint?", true, 5*time.Second)
		done <- outcome{res, err}
	}()

	// The target sees the query envelope and responds.
	var query state.Envelope
	require.Eventually(t, func() bool {
		for _, env := range drain(t, svc, "p", "task-001") {
			if env.Type == state.TypeQuery {
				query = env
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "task-002", query.From)
	assert.True(t, query.RequiresResponse)

	res, err := svc.RespondToQuery(ctx, "p", "task-001", "task-002", query.ID, "POST /v1/users")
	require.NoError(t, err)
	assert.Equal(t, "response_sent", res.(map[string]any)["status"])

	select {
	case out := <-done:
		require.NoError(t, out.err)
		m := out.res.(map[string]any)
		assert.Equal(t, "received", m["status"])
		assert.Equal(t, "POST /v1/users", m["response"])
	case <-time.After(3 * time.Second):
		t.Fatal("parked query never woke")
	}
}

func TestQueryTimeout(t *testing.T) {
	b := newTestBroker(t)
	svc := b.Service()
	register(t, svc, "p", "task-001", "001")

	start := time.Now()
	res, err := svc.QueryAgent(context.Background(), "p", "task-002", "task-001", "api", "?", true, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "timeout", res.(map[string]any)["status"])
	assert.Less(t, time.Since(start), 1500*time.Millisecond)
}

func TestQueryTimeoutZero(t *testing.T) {
	b := newTestBroker(t)
	svc := b.Service()
	register(t, svc, "p", "task-001", "001")

	start := time.Now()
	res, err := svc.QueryAgent(context.Background(), "p", "task-002", "task-001", "api", "?", true, 0)
	require.NoError(t, err)
	assert.Equal(t, "timeout", res.(map[string]any)["status"])
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestQueryAgentNotFound(t *testing.T) {
	b := newTestBroker(t)
	svc := b.Service()

	res, err := svc.QueryAgent(context.Background(), "p", "task-001", "task-999", "api", "?", true, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "agent_not_found", res.(map[string]any)["status"])
}

func TestAsyncQueryResponseViaMessages(t *testing.T) {
	b := newTestBroker(t)
	svc := b.Service()
	ctx := context.Background()
	register(t, svc, "p", "task-001", "001")
	register(t, svc, "p", "task-002", "002")
	drain(t, svc, "p", "task-001")
	drain(t, svc, "p", "task-002")

	res, err := svc.QueryAgent(ctx, "p", "task-002", "task-001", "api", "?", false, 30*time.Second)
	require.NoError(t, err)
	m := res.(map[string]any)
	assert.Equal(t, "sent", m["status"])
	messageID := m["message_id"].(string)

	_, err = svc.RespondToQuery(ctx, "p", "task-001", "task-002", messageID, "R")
	require.NoError(t, err)

	msgs := drain(t, svc, "p", "task-002")
	require.Len(t, msgs, 1)
	assert.Equal(t, state.TypeResponse, msgs[0].Type)
	assert.Equal(t, messageID, msgs[0].InReplyTo)
	assert.Equal(t, "R", msgs[0].Content)
}

func TestResponseOrderingByArrival(t *testing.T) {
	b := newTestBroker(t)
	svc := b.Service()
	ctx := context.Background()
	register(t, svc, "p", "task-001", "001")
	register(t, svc, "p", "task-002", "002")
	drain(t, svc, "p", "task-002")

	// Two async queries; responses arrive in reverse order and are
	// correlated by message id alone.
	first, err := svc.QueryAgent(ctx, "p", "task-002", "task-001", "api", "q1", false, 0)
	require.NoError(t, err)
	second, err := svc.QueryAgent(ctx, "p", "task-002", "task-001", "api", "q2", false, 0)
	require.NoError(t, err)
	firstID := first.(map[string]any)["message_id"].(string)
	secondID := second.(map[string]any)["message_id"].(string)

	_, err = svc.RespondToQuery(ctx, "p", "task-001", "task-002", secondID, "a2")
	require.NoError(t, err)
	_, err = svc.RespondToQuery(ctx, "p", "task-001", "task-002", firstID, "a1")
	require.NoError(t, err)

	msgs := drain(t, svc, "p", "task-002")
	require.Len(t, msgs, 2)
	assert.Equal(t, secondID, msgs[0].InReplyTo)
	assert.Equal(t, firstID, msgs[1].InReplyTo)
}

func TestUnregisterCleansUp(t *testing.T) {
	b := newTestBroker(t)
	svc := b.Service()
	ctx := context.Background()
	register(t, svc, "p", "task-001", "001")
	register(t, svc, "p", "task-002", "002")

	_, err := svc.AnnounceFileChange(ctx, "p", "task-001", "src/a.go", "modify", "a")
	require.NoError(t, err)
	_, err = svc.AddTodo(ctx, "p", "task-001", "write tests", 1)
	require.NoError(t, err)
	added, err := svc.AddTodo(ctx, "p", "task-001", "ship it", 2)
	require.NoError(t, err)
	todoID := added.(map[string]any)["todo_id"].(string)
	_, err = svc.UpdateTodo(ctx, "p", "task-001", todoID, state.TodoCompleted)
	require.NoError(t, err)

	res, err := svc.UnregisterAgent(ctx, "p", "task-001")
	require.NoError(t, err)
	m := res.(map[string]any)
	assert.Equal(t, "unregistered", m["status"])
	summary := m["todo_summary"].(TodoSummary)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 1, summary.Pending)

	agents, err := svc.gw.Agents(ctx, "p")
	require.NoError(t, err)
	assert.NotContains(t, agents, "task-001")
	locks, err := svc.gw.Locks(ctx, "p")
	require.NoError(t, err)
	assert.Empty(t, locks)

	// Survivors learn about the departure.
	var left bool
	for _, env := range drain(t, svc, "p", "task-002") {
		if env.MessageType == "agent_left" {
			left = true
		}
	}
	assert.True(t, left)

	// Unregistering again reports not_registered.
	res, err = svc.UnregisterAgent(ctx, "p", "task-001")
	require.NoError(t, err)
	assert.Equal(t, "not_registered", res.(map[string]any)["status"])
}

func TestTodoLifecycle(t *testing.T) {
	b := newTestBroker(t)
	svc := b.Service()
	ctx := context.Background()
	register(t, svc, "p", "task-001", "001")

	res, err := svc.AddTodo(ctx, "p", "task-001", "write tests", 1)
	require.NoError(t, err)
	m := res.(map[string]any)
	assert.Equal(t, "added", m["status"])
	todoID := m["todo_id"].(string)

	mine, err := svc.GetMyTodos(ctx, "p", "task-001")
	require.NoError(t, err)
	mm := mine.(map[string]any)
	assert.Equal(t, 1, mm["total"])
	todos := mm["todos"].([]state.Todo)
	require.Len(t, todos, 1)
	assert.Equal(t, todoID, todos[0].ID)
	assert.Equal(t, state.TodoPending, todos[0].Status)
	assert.Nil(t, todos[0].CompletedAt)

	res, err = svc.UpdateTodo(ctx, "p", "task-001", todoID, state.TodoCompleted)
	require.NoError(t, err)
	assert.Equal(t, "updated", res.(map[string]any)["status"])

	todosAfter, err := svc.gw.Todos(ctx, "p", "task-001")
	require.NoError(t, err)
	require.NotNil(t, todosAfter[0].CompletedAt)

	res, err = svc.UpdateTodo(ctx, "p", "task-001", "todo-bogus", state.TodoBlocked)
	require.NoError(t, err)
	assert.Equal(t, "not_found", res.(map[string]any)["status"])

	res, err = svc.AddTodo(ctx, "p", "task-001", "bad", 9)
	require.NoError(t, err)
	assert.Equal(t, "error", res.(map[string]any)["status"])
}

func TestTodoIDsMonotonic(t *testing.T) {
	b := newTestBroker(t)
	svc := b.Service()
	ctx := context.Background()
	register(t, svc, "p", "task-001", "001")

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		res, err := svc.AddTodo(ctx, "p", "task-001", fmt.Sprintf("todo %d", i), 2)
		require.NoError(t, err)
		id := res.(map[string]any)["todo_id"].(string)
		assert.False(t, seen[id], "duplicate todo id %s", id)
		seen[id] = true
	}
}

func TestGetAllTodos(t *testing.T) {
	b := newTestBroker(t)
	svc := b.Service()
	ctx := context.Background()
	register(t, svc, "p", "task-001", "001")
	register(t, svc, "p", "task-002", "002")
	_, err := svc.AddTodo(ctx, "p", "task-001", "a", 1)
	require.NoError(t, err)

	res, err := svc.GetAllTodos(ctx, "p")
	require.NoError(t, err)
	all := res.(map[string]any)
	require.Contains(t, all, "task-001")
	require.Contains(t, all, "task-002")
	entry := all["task-001"].(map[string]any)
	assert.Equal(t, "001", entry["task_id"])
	assert.Equal(t, 1, entry["total"])
	assert.Equal(t, 0, entry["completed"])
}

func TestBroadcastSkipsSenderAndCompleted(t *testing.T) {
	b := newTestBroker(t)
	svc := b.Service()
	ctx := context.Background()
	register(t, svc, "p", "task-001", "001")
	register(t, svc, "p", "task-002", "002")
	register(t, svc, "p", "task-003", "003")
	_, err := svc.MarkTaskCompleted(ctx, "p", "task-003", "003")
	require.NoError(t, err)

	res, err := svc.BroadcastMessage(ctx, "p", "task-001", "info", "hello")
	require.NoError(t, err)
	assert.Equal(t, 1, res.(map[string]any)["recipients"])
}

func TestProjectIsolation(t *testing.T) {
	b := newTestBroker(t)
	svc := b.Service()
	ctx := context.Background()
	register(t, svc, "pA", "task-001", "001")
	register(t, svc, "pB", "task-001", "001")

	_, err := svc.AnnounceFileChange(ctx, "pA", "task-001", "src/x.ts", "modify", "X")
	require.NoError(t, err)

	// The same path in another project is free.
	res, err := svc.AnnounceFileChange(ctx, "pB", "task-001", "src/x.ts", "modify", "Y")
	require.NoError(t, err)
	assert.Equal(t, "locked", res.(map[string]any)["status"])

	locksB, err := svc.gw.Locks(ctx, "pB")
	require.NoError(t, err)
	assert.Equal(t, "task-001", locksB["src/x.ts"].SessionName)
}

func TestQueueOverflowSentinelCoalesces(t *testing.T) {
	b := newTestBroker(t)
	svc := b.Service()
	svc.maxQueueLen = 3
	ctx := context.Background()
	register(t, svc, "p", "task-001", "001")

	for i := 0; i < 5; i++ {
		env := state.Envelope{Type: state.TypeBroadcast, Content: fmt.Sprintf("m%d", i), Timestamp: nowStamp()}
		require.NoError(t, svc.gw.PushMessage(ctx, "p", "task-001", env, svc.maxQueueLen))
	}

	msgs := drain(t, svc, "p", "task-001")
	require.Len(t, msgs, 4) // sentinel + 3 survivors
	assert.Equal(t, state.TypeSystem, msgs[0].Type)
	assert.Equal(t, state.SentinelContent, msgs[0].Content)
	assert.Equal(t, "m2", msgs[1].Content)
	assert.Equal(t, "m4", msgs[3].Content)
	sentinels := 0
	for _, env := range msgs {
		if env.Type == state.TypeSystem {
			sentinels++
		}
	}
	assert.Equal(t, 1, sentinels)

	// After a drain the marker is cleared.
	env := state.Envelope{Type: state.TypeBroadcast, Content: "fresh", Timestamp: nowStamp()}
	require.NoError(t, svc.gw.PushMessage(ctx, "p", "task-001", env, svc.maxQueueLen))
	msgs = drain(t, svc, "p", "task-001")
	require.Len(t, msgs, 1)
	assert.Equal(t, "fresh", msgs[0].Content)
}

func TestMarkTaskCompleted(t *testing.T) {
	b := newTestBroker(t)
	svc := b.Service()
	ctx := context.Background()
	register(t, svc, "p", "task-001", "001")

	res, err := svc.MarkTaskCompleted(ctx, "p", "task-001", "001")
	require.NoError(t, err)
	assert.Equal(t, "success", res.(map[string]any)["status"])

	completion, err := svc.gw.Completion(ctx, "p", "001")
	require.NoError(t, err)
	assert.Equal(t, "task-001", completion.SessionName)

	agent, err := svc.gw.Agent(ctx, "p", "task-001")
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, agent.Status)

	data, err := os.ReadFile(filepath.Join(svc.statusDir, "task-001.status"))
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED\n", string(data))
}

func TestInterfaceRegistry(t *testing.T) {
	b := newTestBroker(t)
	svc := b.Service()
	ctx := context.Background()
	register(t, svc, "p", "task-001", "001")

	res, err := svc.RegisterInterface(ctx, "p", "task-001", "UserProfile", "interface UserProfile { id: string }", "src/types.ts")
	require.NoError(t, err)
	assert.Equal(t, "registered", res.(map[string]any)["status"])

	res, err = svc.QueryInterface(ctx, "p", "UserProfile")
	require.NoError(t, err)
	m := res.(map[string]any)
	assert.Equal(t, "interface UserProfile { id: string }", m["definition"])
	assert.Equal(t, "task-001", m["registered_by"])

	// Near miss suggests the registered name.
	res, err = svc.QueryInterface(ctx, "p", "UserProfil")
	require.NoError(t, err)
	m = res.(map[string]any)
	assert.Equal(t, "not_found", m["status"])
	assert.Contains(t, m["similar"], "UserProfile")

	res, err = svc.ListInterfaces(ctx, "p")
	require.NoError(t, err)
	defs := res.(map[string]state.Interface)
	assert.Len(t, defs, 1)
}

func TestRecentChanges(t *testing.T) {
	b := newTestBroker(t)
	svc := b.Service()
	ctx := context.Background()
	register(t, svc, "p", "task-001", "001")

	for i := 0; i < 3; i++ {
		_, err := svc.AnnounceFileChange(ctx, "p", "task-001", fmt.Sprintf("src/f%d.go", i), "modify", "x")
		require.NoError(t, err)
	}

	res, err := svc.GetRecentChanges(ctx, "p", 2)
	require.NoError(t, err)
	changes := res.([]state.Change)
	require.Len(t, changes, 2)
	assert.Equal(t, "src/f2.go", changes[0].FilePath) // newest first

	res, err = svc.GetRecentChanges(ctx, "p", 0)
	require.NoError(t, err)
	assert.Empty(t, res.([]state.Change))
}

func TestHeartbeatNotRegistered(t *testing.T) {
	b := newTestBroker(t)
	svc := b.Service()

	res, err := svc.Heartbeat(context.Background(), "p", "task-ghost")
	require.NoError(t, err)
	assert.Equal(t, "not_registered", res.(map[string]any)["status"])
}

func TestRegisterUnregisterLeavesNoTrace(t *testing.T) {
	b := newTestBroker(t)
	svc := b.Service()
	ctx := context.Background()

	register(t, svc, "p", "task-001", "001")
	_, err := svc.UnregisterAgent(ctx, "p", "task-001")
	require.NoError(t, err)

	agents, err := svc.gw.Agents(ctx, "p")
	require.NoError(t, err)
	assert.Empty(t, agents)
	alive, err := svc.gw.HeartbeatAlive(ctx, "p", "task-001")
	require.NoError(t, err)
	assert.False(t, alive)
	todos, err := svc.gw.Todos(ctx, "p", "task-001")
	require.NoError(t, err)
	assert.Empty(t, todos)
	assert.Empty(t, drain(t, svc, "p", "task-001"))
}

func TestHumanMessagesAccompanyMutations(t *testing.T) {
	b := newTestBroker(t)
	svc := b.Service()

	res := register(t, svc, "p", "task-001", "001")
	msg, ok := res["message"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(msg, "Successfully registered."))
}
