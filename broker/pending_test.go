package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/splitmind/coord/broker/state"
)

func TestWaitersResolve(t *testing.T) {
	w := newWaiters()
	ch := w.register("m1")

	ok := w.resolve("m1", state.QueryResult{Status: "received", Response: "R"})
	assert.True(t, ok)
	result := <-ch
	assert.Equal(t, "R", result.Response)

	// The registration is consumed.
	assert.False(t, w.resolve("m1", state.QueryResult{}))
}

func TestWaitersResolveUnknown(t *testing.T) {
	w := newWaiters()
	assert.False(t, w.resolve("nobody", state.QueryResult{}))
}

func TestWaitersDrop(t *testing.T) {
	w := newWaiters()
	w.register("m1")
	w.drop("m1")
	assert.False(t, w.resolve("m1", state.QueryResult{}))
}

func TestWaitersResolveBeforeReceive(t *testing.T) {
	// The channel is buffered: resolving before the parker reads must not
	// block.
	w := newWaiters()
	ch := w.register("m1")
	assert.True(t, w.resolve("m1", state.QueryResult{Status: "received"}))
	result := <-ch
	assert.Equal(t, "received", result.Status)
}
