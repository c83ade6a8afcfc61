// Package memstate implements the broker state gateway in process memory.
//
// It exists for embedding the broker without a Redis backend and for unit
// tests. Semantics mirror redisstate: multi-key operations hold the store
// lock for their whole duration, so handlers observe the same atomicity as
// the Lua-scripted Redis paths.
package memstate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/splitmind/coord/broker/state"
)

type (
	// Store is the in-memory state gateway.
	Store struct {
		mu       sync.Mutex
		projects map[string]*project
	}

	project struct {
		agents     map[string]state.Agent
		heartbeats map[string]time.Time // expiry instants
		todos      map[string][]state.Todo
		todoSeq    map[string]int64
		messages   map[string][]state.Envelope
		dropped    map[string]bool
		locks      map[string]state.Lock
		interfaces map[string]state.Interface
		changes    []state.Change
		completed  map[string]state.Completion
		pending    map[string]pendingEntry
		results    map[string]resultEntry
	}

	pendingEntry struct {
		query     state.PendingQuery
		expiresAt time.Time
	}

	resultEntry struct {
		result    state.QueryResult
		expiresAt time.Time
	}
)

var _ state.Gateway = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{projects: make(map[string]*project)}
}

func (s *Store) project(id string) *project {
	p, ok := s.projects[id]
	if !ok {
		p = &project{
			agents:     make(map[string]state.Agent),
			heartbeats: make(map[string]time.Time),
			todos:      make(map[string][]state.Todo),
			todoSeq:    make(map[string]int64),
			messages:   make(map[string][]state.Envelope),
			dropped:    make(map[string]bool),
			locks:      make(map[string]state.Lock),
			interfaces: make(map[string]state.Interface),
			completed:  make(map[string]state.Completion),
			pending:    make(map[string]pendingEntry),
			results:    make(map[string]resultEntry),
		}
		s.projects[id] = p
	}
	return p
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (s *Store) RegisterAgent(_ context.Context, projectID, session string, agent state.Agent, heartbeatTTL time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.project(projectID)
	p.agents[session] = agent
	p.heartbeats[session] = time.Now().Add(heartbeatTTL)
	delete(p.todos, session)
	delete(p.todoSeq, session)
	return nil
}

func (s *Store) SaveAgent(_ context.Context, projectID, session string, agent state.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.project(projectID).agents[session] = agent
	return nil
}

func (s *Store) Agent(_ context.Context, projectID, session string) (state.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.project(projectID).agents[session]
	if !ok {
		return state.Agent{}, state.ErrNotFound
	}
	return agent, nil
}

func (s *Store) Agents(_ context.Context, projectID string) (map[string]state.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agents := make(map[string]state.Agent)
	for session, agent := range s.project(projectID).agents {
		agents[session] = agent
	}
	return agents, nil
}

func (s *Store) RemoveAgent(_ context.Context, projectID, session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.project(projectID)
	delete(p.agents, session)
	delete(p.heartbeats, session)
	delete(p.messages, session)
	delete(p.dropped, session)
	delete(p.todos, session)
	delete(p.todoSeq, session)
	return nil
}

func (s *Store) ProjectIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.projects))
	for id, p := range s.projects {
		if len(p.agents) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) TouchHeartbeat(_ context.Context, projectID, session string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.project(projectID).heartbeats[session] = time.Now().Add(ttl)
	return nil
}

func (s *Store) HeartbeatAlive(_ context.Context, projectID, session string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.project(projectID).heartbeats[session]
	return ok && time.Now().Before(exp), nil
}

func (s *Store) NextTodoSeq(_ context.Context, projectID, session string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.project(projectID)
	p.todoSeq[session]++
	return p.todoSeq[session], nil
}

func (s *Store) AppendTodo(_ context.Context, projectID, session string, todo state.Todo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.project(projectID)
	p.todos[session] = append(p.todos[session], todo)
	return nil
}

func (s *Store) Todos(_ context.Context, projectID, session string) ([]state.Todo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.project(projectID).todos[session]
	todos := make([]state.Todo, len(src))
	copy(todos, src)
	return todos, nil
}

func (s *Store) ReplaceTodos(_ context.Context, projectID, session string, todos []state.Todo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	replacement := make([]state.Todo, len(todos))
	copy(replacement, todos)
	s.project(projectID).todos[session] = replacement
	return nil
}

func (s *Store) PushMessage(_ context.Context, projectID, session string, env state.Envelope, max int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.project(projectID)
	queue := append(p.messages[session], env)
	if len(queue) > max {
		queue = queue[len(queue)-max:]
		p.dropped[session] = true
	}
	p.messages[session] = queue
	return nil
}

func (s *Store) DrainMessages(_ context.Context, projectID, session string) ([]state.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.project(projectID)
	queue := p.messages[session]
	envs := make([]state.Envelope, 0, len(queue)+1)
	if p.dropped[session] {
		envs = append(envs, state.Sentinel(nowStamp()))
	}
	envs = append(envs, queue...)
	delete(p.messages, session)
	delete(p.dropped, session)
	return envs, nil
}

func (s *Store) AcquireLock(_ context.Context, projectID, path, session string, lock state.Lock) (state.Lock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.project(projectID)
	if current, ok := p.locks[path]; ok && current.SessionName != session {
		return current, false, nil
	}
	p.locks[path] = lock
	return lock, true, nil
}

func (s *Store) ReleaseLock(_ context.Context, projectID, path, session string) (state.ReleaseOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.project(projectID)
	current, ok := p.locks[path]
	if !ok {
		return state.NotHeld, nil
	}
	if current.SessionName != session {
		return state.NotOwner, nil
	}
	delete(p.locks, path)
	return state.Released, nil
}

func (s *Store) ReleaseLocksOwnedBy(_ context.Context, projectID, session string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.project(projectID)
	var released []string
	for path, lock := range p.locks {
		if lock.SessionName == session {
			delete(p.locks, path)
			released = append(released, path)
		}
	}
	sort.Strings(released)
	return released, nil
}

func (s *Store) Locks(_ context.Context, projectID string) (map[string]state.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	locks := make(map[string]state.Lock)
	for path, lock := range s.project(projectID).locks {
		locks[path] = lock
	}
	return locks, nil
}

func (s *Store) SaveInterface(_ context.Context, projectID, name string, def state.Interface) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.project(projectID).interfaces[name] = def
	return nil
}

func (s *Store) Interface(_ context.Context, projectID, name string) (state.Interface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.project(projectID).interfaces[name]
	if !ok {
		return state.Interface{}, state.ErrNotFound
	}
	return def, nil
}

func (s *Store) Interfaces(_ context.Context, projectID string) (map[string]state.Interface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defs := make(map[string]state.Interface)
	for name, def := range s.project(projectID).interfaces {
		defs[name] = def
	}
	return defs, nil
}

func (s *Store) AppendChange(_ context.Context, projectID string, change state.Change, cap int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.project(projectID)
	p.changes = append([]state.Change{change}, p.changes...)
	if len(p.changes) > cap {
		p.changes = p.changes[:cap]
	}
	return nil
}

func (s *Store) RecentChanges(_ context.Context, projectID string, limit int) ([]state.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		return []state.Change{}, nil
	}
	src := s.project(projectID).changes
	if limit > len(src) {
		limit = len(src)
	}
	changes := make([]state.Change, limit)
	copy(changes, src[:limit])
	return changes, nil
}

func (s *Store) SaveCompletion(_ context.Context, projectID string, completion state.Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.project(projectID).completed[completion.TaskID] = completion
	return nil
}

func (s *Store) Completion(_ context.Context, projectID, taskID string) (state.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	completion, ok := s.project(projectID).completed[taskID]
	if !ok {
		return state.Completion{}, state.ErrNotFound
	}
	return completion, nil
}

func (s *Store) SavePendingQuery(_ context.Context, projectID string, query state.PendingQuery, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.project(projectID).pending[query.MessageID] = pendingEntry{
		query:     query,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (s *Store) DeletePendingQuery(_ context.Context, projectID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.project(projectID).pending, messageID)
	return nil
}

func (s *Store) PendingQueries(_ context.Context, projectID string) ([]state.PendingQuery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.project(projectID)
	now := time.Now()
	queries := make([]state.PendingQuery, 0, len(p.pending))
	for id, entry := range p.pending {
		if now.After(entry.expiresAt) {
			delete(p.pending, id)
			continue
		}
		queries = append(queries, entry.query)
	}
	sort.Slice(queries, func(i, j int) bool { return queries[i].MessageID < queries[j].MessageID })
	return queries, nil
}

func (s *Store) PutQueryResult(_ context.Context, projectID, messageID string, result state.QueryResult, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.project(projectID).results[messageID] = resultEntry{
		result:    result,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (s *Store) TakeQueryResult(_ context.Context, projectID, messageID string) (state.QueryResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.project(projectID)
	entry, ok := p.results[messageID]
	if !ok {
		return state.QueryResult{}, false, nil
	}
	delete(p.results, messageID)
	if time.Now().After(entry.expiresAt) {
		return state.QueryResult{}, false, nil
	}
	return entry.result, true, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }
