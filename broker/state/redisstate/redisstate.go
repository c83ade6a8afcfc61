// Package redisstate implements the broker state gateway on Redis.
//
// Callers build a Redis client, pass it to New, and receive a state.Gateway.
// The implementation keeps the key layout pinned by the persisted-state
// contract ("project:{project_id}:{resource}[:{id}]", JSON-encoded values) and
// performs every multi-key write in a single transaction or Lua script so
// other broker processes never observe partial state.
//
// Transient backend failures are retried up to three times with exponential
// backoff before surfacing as state.ErrUnavailable.
package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/splitmind/coord/broker/state"
)

const (
	defaultRetries = 3
	defaultBackoff = 50 * time.Millisecond
)

type (
	// Store is the Redis-backed state gateway.
	Store struct {
		rdb     *redis.Client
		retries int
		backoff time.Duration
	}

	// Option configures optional Store settings.
	Option func(*Store)
)

var _ state.Gateway = (*Store)(nil)

// WithRetries sets the number of retries attempted on transient backend
// failures before surfacing state.ErrUnavailable.
func WithRetries(n int) Option {
	return func(s *Store) { s.retries = n }
}

// WithBackoff sets the initial retry backoff. It doubles on each attempt.
func WithBackoff(d time.Duration) Option {
	return func(s *Store) { s.backoff = d }
}

// New creates a Store backed by the provided Redis client. The caller owns
// the client; Close does not close it.
func New(rdb *redis.Client, opts ...Option) *Store {
	s := &Store{
		rdb:     rdb,
		retries: defaultRetries,
		backoff: defaultBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// do runs op, retrying transient failures with exponential backoff. Misses
// (redis.Nil) and context cancellation are returned as-is; other errors are
// retried and finally wrapped in state.ErrUnavailable.
func (s *Store) do(ctx context.Context, op func(context.Context) error) error {
	delay := s.backoff
	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil || !retryable(err) || attempt >= s.retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	if err != nil && retryable(err) {
		return fmt.Errorf("%w: %v", state.ErrUnavailable, err)
	}
	return err
}

func retryable(err error) bool {
	if errors.Is(err, redis.Nil) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// RegisterAgent writes the agent record, sets the heartbeat with TTL and
// clears any stale todo state in one transaction.
func (s *Store) RegisterAgent(ctx context.Context, projectID, session string, agent state.Agent, heartbeatTTL time.Duration) error {
	payload, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("encode agent: %w", err)
	}
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, state.Key(projectID, state.ResAgents), session, payload)
			p.SetEx(ctx, state.Key(projectID, state.ResHeartbeat, session), nowStamp(), heartbeatTTL)
			p.Del(ctx,
				state.Key(projectID, state.ResTodos, session),
				state.Key(projectID, state.ResTodoSeq, session),
			)
			return nil
		})
		return err
	})
}

func (s *Store) SaveAgent(ctx context.Context, projectID, session string, agent state.Agent) error {
	payload, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("encode agent: %w", err)
	}
	return s.do(ctx, func(ctx context.Context) error {
		return s.rdb.HSet(ctx, state.Key(projectID, state.ResAgents), session, payload).Err()
	})
}

func (s *Store) Agent(ctx context.Context, projectID, session string) (state.Agent, error) {
	var agent state.Agent
	err := s.do(ctx, func(ctx context.Context) error {
		raw, err := s.rdb.HGet(ctx, state.Key(projectID, state.ResAgents), session).Result()
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(raw), &agent)
	})
	if errors.Is(err, redis.Nil) {
		return state.Agent{}, state.ErrNotFound
	}
	return agent, err
}

func (s *Store) Agents(ctx context.Context, projectID string) (map[string]state.Agent, error) {
	agents := make(map[string]state.Agent)
	err := s.do(ctx, func(ctx context.Context) error {
		raw, err := s.rdb.HGetAll(ctx, state.Key(projectID, state.ResAgents)).Result()
		if err != nil {
			return err
		}
		for session, data := range raw {
			var agent state.Agent
			if err := json.Unmarshal([]byte(data), &agent); err != nil {
				return fmt.Errorf("decode agent %s: %w", session, err)
			}
			agents[session] = agent
		}
		return nil
	})
	return agents, err
}

// RemoveAgent deletes all per-agent keys in one transaction. Both the
// unregister handler and the liveness monitor call this; whichever runs second
// observes empty state and succeeds.
func (s *Store) RemoveAgent(ctx context.Context, projectID, session string) error {
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HDel(ctx, state.Key(projectID, state.ResAgents), session)
			p.Del(ctx,
				state.Key(projectID, state.ResHeartbeat, session),
				state.Key(projectID, state.ResMessages, session),
				state.Key(projectID, state.ResDropped, session),
				state.Key(projectID, state.ResTodos, session),
				state.Key(projectID, state.ResTodoSeq, session),
			)
			return nil
		})
		return err
	})
}

func (s *Store) ProjectIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.do(ctx, func(ctx context.Context) error {
		ids = ids[:0]
		seen := make(map[string]bool)
		iter := s.rdb.Scan(ctx, 0, "project:*:"+state.ResAgents, 100).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			id := strings.TrimSuffix(strings.TrimPrefix(key, "project:"), ":"+state.ResAgents)
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		return iter.Err()
	})
	return ids, err
}

func (s *Store) TouchHeartbeat(ctx context.Context, projectID, session string, ttl time.Duration) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.rdb.SetEx(ctx, state.Key(projectID, state.ResHeartbeat, session), nowStamp(), ttl).Err()
	})
}

func (s *Store) HeartbeatAlive(ctx context.Context, projectID, session string) (bool, error) {
	var alive bool
	err := s.do(ctx, func(ctx context.Context) error {
		n, err := s.rdb.Exists(ctx, state.Key(projectID, state.ResHeartbeat, session)).Result()
		alive = n > 0
		return err
	})
	return alive, err
}

func (s *Store) NextTodoSeq(ctx context.Context, projectID, session string) (int64, error) {
	var seq int64
	err := s.do(ctx, func(ctx context.Context) error {
		n, err := s.rdb.Incr(ctx, state.Key(projectID, state.ResTodoSeq, session)).Result()
		seq = n
		return err
	})
	return seq, err
}

func (s *Store) AppendTodo(ctx context.Context, projectID, session string, todo state.Todo) error {
	payload, err := json.Marshal(todo)
	if err != nil {
		return fmt.Errorf("encode todo: %w", err)
	}
	return s.do(ctx, func(ctx context.Context) error {
		return s.rdb.RPush(ctx, state.Key(projectID, state.ResTodos, session), payload).Err()
	})
}

func (s *Store) Todos(ctx context.Context, projectID, session string) ([]state.Todo, error) {
	var todos []state.Todo
	err := s.do(ctx, func(ctx context.Context) error {
		raw, err := s.rdb.LRange(ctx, state.Key(projectID, state.ResTodos, session), 0, -1).Result()
		if err != nil {
			return err
		}
		todos = make([]state.Todo, 0, len(raw))
		for _, item := range raw {
			var todo state.Todo
			if err := json.Unmarshal([]byte(item), &todo); err != nil {
				return fmt.Errorf("decode todo: %w", err)
			}
			todos = append(todos, todo)
		}
		return nil
	})
	return todos, err
}

func (s *Store) ReplaceTodos(ctx context.Context, projectID, session string, todos []state.Todo) error {
	payloads := make([]interface{}, 0, len(todos))
	for _, todo := range todos {
		data, err := json.Marshal(todo)
		if err != nil {
			return fmt.Errorf("encode todo: %w", err)
		}
		payloads = append(payloads, data)
	}
	key := state.Key(projectID, state.ResTodos, session)
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			if len(payloads) > 0 {
				p.RPush(ctx, key, payloads...)
			}
			return nil
		})
		return err
	})
}

func (s *Store) PushMessage(ctx context.Context, projectID, session string, env state.Envelope, max int) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	keys := []string{
		state.Key(projectID, state.ResMessages, session),
		state.Key(projectID, state.ResDropped, session),
	}
	return s.do(ctx, func(ctx context.Context) error {
		return pushMessageScript.Run(ctx, s.rdb, keys, payload, max).Err()
	})
}

func (s *Store) DrainMessages(ctx context.Context, projectID, session string) ([]state.Envelope, error) {
	keys := []string{
		state.Key(projectID, state.ResMessages, session),
		state.Key(projectID, state.ResDropped, session),
	}
	var envs []state.Envelope
	err := s.do(ctx, func(ctx context.Context) error {
		res, err := drainMessagesScript.Run(ctx, s.rdb, keys).Result()
		if err != nil {
			return err
		}
		pair, ok := res.([]interface{})
		if !ok || len(pair) != 2 {
			return fmt.Errorf("unexpected drain result %T", res)
		}
		dropped, _ := pair[0].(int64)
		raw, _ := pair[1].([]interface{})
		envs = make([]state.Envelope, 0, len(raw)+1)
		if dropped > 0 {
			envs = append(envs, state.Sentinel(nowStamp()))
		}
		for _, item := range raw {
			data, ok := item.(string)
			if !ok {
				return fmt.Errorf("unexpected drain element %T", item)
			}
			var env state.Envelope
			if err := json.Unmarshal([]byte(data), &env); err != nil {
				return fmt.Errorf("decode envelope: %w", err)
			}
			envs = append(envs, env)
		}
		return nil
	})
	return envs, err
}

func (s *Store) AcquireLock(ctx context.Context, projectID, path, session string, lock state.Lock) (state.Lock, bool, error) {
	payload, err := json.Marshal(lock)
	if err != nil {
		return state.Lock{}, false, fmt.Errorf("encode lock: %w", err)
	}
	var (
		current  state.Lock
		acquired bool
	)
	err = s.do(ctx, func(ctx context.Context) error {
		res, err := acquireLockScript.Run(ctx, s.rdb,
			[]string{state.Key(projectID, state.ResLocks)}, path, session, payload).Result()
		if err != nil {
			return err
		}
		pair, ok := res.([]interface{})
		if !ok || len(pair) != 2 {
			return fmt.Errorf("unexpected acquire result %T", res)
		}
		won, _ := pair[0].(int64)
		data, _ := pair[1].(string)
		acquired = won == 1
		return json.Unmarshal([]byte(data), &current)
	})
	return current, acquired, err
}

func (s *Store) ReleaseLock(ctx context.Context, projectID, path, session string) (state.ReleaseOutcome, error) {
	var outcome state.ReleaseOutcome
	err := s.do(ctx, func(ctx context.Context) error {
		res, err := releaseLockScript.Run(ctx, s.rdb,
			[]string{state.Key(projectID, state.ResLocks)}, path, session).Text()
		if err != nil {
			return err
		}
		switch res {
		case "released":
			outcome = state.Released
		case "not_held":
			outcome = state.NotHeld
		case "not_owner":
			outcome = state.NotOwner
		default:
			return fmt.Errorf("unexpected release result %q", res)
		}
		return nil
	})
	return outcome, err
}

func (s *Store) ReleaseLocksOwnedBy(ctx context.Context, projectID, session string) ([]string, error) {
	var released []string
	err := s.do(ctx, func(ctx context.Context) error {
		res, err := releaseOwnedScript.Run(ctx, s.rdb,
			[]string{state.Key(projectID, state.ResLocks)}, session).Result()
		if err != nil {
			return err
		}
		items, ok := res.([]interface{})
		if !ok {
			return fmt.Errorf("unexpected release result %T", res)
		}
		released = make([]string, 0, len(items))
		for _, item := range items {
			if path, ok := item.(string); ok {
				released = append(released, path)
			}
		}
		return nil
	})
	return released, err
}

func (s *Store) Locks(ctx context.Context, projectID string) (map[string]state.Lock, error) {
	locks := make(map[string]state.Lock)
	err := s.do(ctx, func(ctx context.Context) error {
		raw, err := s.rdb.HGetAll(ctx, state.Key(projectID, state.ResLocks)).Result()
		if err != nil {
			return err
		}
		for path, data := range raw {
			var lock state.Lock
			if err := json.Unmarshal([]byte(data), &lock); err != nil {
				return fmt.Errorf("decode lock %s: %w", path, err)
			}
			locks[path] = lock
		}
		return nil
	})
	return locks, err
}

func (s *Store) SaveInterface(ctx context.Context, projectID, name string, def state.Interface) error {
	payload, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode interface: %w", err)
	}
	return s.do(ctx, func(ctx context.Context) error {
		return s.rdb.HSet(ctx, state.Key(projectID, state.ResInterfaces), name, payload).Err()
	})
}

func (s *Store) Interface(ctx context.Context, projectID, name string) (state.Interface, error) {
	var def state.Interface
	err := s.do(ctx, func(ctx context.Context) error {
		raw, err := s.rdb.HGet(ctx, state.Key(projectID, state.ResInterfaces), name).Result()
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(raw), &def)
	})
	if errors.Is(err, redis.Nil) {
		return state.Interface{}, state.ErrNotFound
	}
	return def, err
}

func (s *Store) Interfaces(ctx context.Context, projectID string) (map[string]state.Interface, error) {
	defs := make(map[string]state.Interface)
	err := s.do(ctx, func(ctx context.Context) error {
		raw, err := s.rdb.HGetAll(ctx, state.Key(projectID, state.ResInterfaces)).Result()
		if err != nil {
			return err
		}
		for name, data := range raw {
			var def state.Interface
			if err := json.Unmarshal([]byte(data), &def); err != nil {
				return fmt.Errorf("decode interface %s: %w", name, err)
			}
			defs[name] = def
		}
		return nil
	})
	return defs, err
}

func (s *Store) AppendChange(ctx context.Context, projectID string, change state.Change, cap int) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	key := state.Key(projectID, state.ResRecentChanges)
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LPush(ctx, key, payload)
			p.LTrim(ctx, key, 0, int64(cap)-1)
			return nil
		})
		return err
	})
}

func (s *Store) RecentChanges(ctx context.Context, projectID string, limit int) ([]state.Change, error) {
	if limit <= 0 {
		return []state.Change{}, nil
	}
	var changes []state.Change
	err := s.do(ctx, func(ctx context.Context) error {
		raw, err := s.rdb.LRange(ctx, state.Key(projectID, state.ResRecentChanges), 0, int64(limit)-1).Result()
		if err != nil {
			return err
		}
		changes = make([]state.Change, 0, len(raw))
		for _, item := range raw {
			var change state.Change
			if err := json.Unmarshal([]byte(item), &change); err != nil {
				return fmt.Errorf("decode change: %w", err)
			}
			changes = append(changes, change)
		}
		return nil
	})
	return changes, err
}

func (s *Store) SaveCompletion(ctx context.Context, projectID string, completion state.Completion) error {
	payload, err := json.Marshal(completion)
	if err != nil {
		return fmt.Errorf("encode completion: %w", err)
	}
	return s.do(ctx, func(ctx context.Context) error {
		return s.rdb.Set(ctx, state.Key(projectID, state.ResCompleted, completion.TaskID), payload, 0).Err()
	})
}

func (s *Store) Completion(ctx context.Context, projectID, taskID string) (state.Completion, error) {
	var completion state.Completion
	err := s.do(ctx, func(ctx context.Context) error {
		raw, err := s.rdb.Get(ctx, state.Key(projectID, state.ResCompleted, taskID)).Result()
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(raw), &completion)
	})
	if errors.Is(err, redis.Nil) {
		return state.Completion{}, state.ErrNotFound
	}
	return completion, err
}

func (s *Store) SavePendingQuery(ctx context.Context, projectID string, query state.PendingQuery, ttl time.Duration) error {
	payload, err := json.Marshal(query)
	if err != nil {
		return fmt.Errorf("encode pending query: %w", err)
	}
	return s.do(ctx, func(ctx context.Context) error {
		return s.rdb.Set(ctx, state.Key(projectID, state.ResPendingQuery, query.MessageID), payload, ttl).Err()
	})
}

func (s *Store) DeletePendingQuery(ctx context.Context, projectID, messageID string) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.rdb.Del(ctx, state.Key(projectID, state.ResPendingQuery, messageID)).Err()
	})
}

func (s *Store) PendingQueries(ctx context.Context, projectID string) ([]state.PendingQuery, error) {
	var queries []state.PendingQuery
	err := s.do(ctx, func(ctx context.Context) error {
		queries = queries[:0]
		iter := s.rdb.Scan(ctx, 0, state.Key(projectID, state.ResPendingQuery)+":*", 100).Iterator()
		for iter.Next(ctx) {
			raw, err := s.rdb.Get(ctx, iter.Val()).Result()
			if errors.Is(err, redis.Nil) {
				continue // expired between scan and read
			}
			if err != nil {
				return err
			}
			var query state.PendingQuery
			if err := json.Unmarshal([]byte(raw), &query); err != nil {
				return fmt.Errorf("decode pending query: %w", err)
			}
			queries = append(queries, query)
		}
		return iter.Err()
	})
	return queries, err
}

func (s *Store) PutQueryResult(ctx context.Context, projectID, messageID string, result state.QueryResult, ttl time.Duration) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode query result: %w", err)
	}
	return s.do(ctx, func(ctx context.Context) error {
		return s.rdb.Set(ctx, state.Key(projectID, state.ResQueryResult, messageID), payload, ttl).Err()
	})
}

func (s *Store) TakeQueryResult(ctx context.Context, projectID, messageID string) (state.QueryResult, bool, error) {
	var result state.QueryResult
	err := s.do(ctx, func(ctx context.Context) error {
		raw, err := s.rdb.GetDel(ctx, state.Key(projectID, state.ResQueryResult, messageID)).Result()
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(raw), &result)
	})
	if errors.Is(err, redis.Nil) {
		return state.QueryResult{}, false, nil
	}
	if err != nil {
		return state.QueryResult{}, false, err
	}
	return result, true, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases resources owned by the store. The Redis client belongs to
// the caller and is left open.
func (s *Store) Close() error {
	return nil
}
