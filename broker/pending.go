package broker

import (
	"sync"

	"github.com/splitmind/coord/broker/state"
)

// waiters is the process-local table of parked query_agent calls. Each parked
// call registers a channel keyed by message id; respond_to_query (or the
// liveness monitor reaping the target) resolves it. Cross-process delivery
// goes through the store's query-result key, which parked callers poll as a
// fallback, so correctness never depends on this table.
type waiters struct {
	mu sync.Mutex
	m  map[string]chan state.QueryResult
}

func newWaiters() *waiters {
	return &waiters{m: make(map[string]chan state.QueryResult)}
}

// register creates the wakeup channel for a message id. The channel is
// buffered so a resolver arriving before the parker blocks never stalls.
func (w *waiters) register(messageID string) <-chan state.QueryResult {
	ch := make(chan state.QueryResult, 1)
	w.mu.Lock()
	w.m[messageID] = ch
	w.mu.Unlock()
	return ch
}

// resolve delivers the result to a parked caller if one is registered on this
// process. Returns false when nobody is parked here.
func (w *waiters) resolve(messageID string, result state.QueryResult) bool {
	w.mu.Lock()
	ch, ok := w.m[messageID]
	if ok {
		delete(w.m, messageID)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	ch <- result
	return true
}

// drop removes the registration without delivering a result.
func (w *waiters) drop(messageID string) {
	w.mu.Lock()
	delete(w.m, messageID)
	w.mu.Unlock()
}
