package mcp

import (
	"encoding/json"
	"sync"
	"time"
)

// callResult is what a pending call's channel eventually carries. Exactly
// one of result, rpcErr, or err is set.
type callResult struct {
	result json.RawMessage
	rpcErr *RPCError
	err    error
}

// pendingCall is one in-flight request awaiting its response.
type pendingCall struct {
	id     int64
	method string
	sentAt time.Time
	ch     chan callResult
}

// correlator matches responses to in-flight requests by id. Ids are
// allocated monotonically starting at 1 and never reused within a
// connection. Resolution and expiry are idempotent, so a late response
// racing a timeout cannot double-deliver.
type correlator struct {
	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingCall
	closed  error // set by failAll; submissions fail afterwards
}

func newCorrelator() *correlator {
	return &correlator{
		nextID:  1,
		pending: make(map[int64]*pendingCall),
	}
}

// submit allocates the next id and registers a result channel for it. The
// channel is buffered so resolution never blocks the read loop.
func (c *correlator) submit(method string) (int64, <-chan callResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed != nil {
		return 0, nil, c.closed
	}

	id := c.nextID
	c.nextID++
	call := &pendingCall{
		id:     id,
		method: method,
		sentAt: time.Now(),
		ch:     make(chan callResult, 1),
	}
	c.pending[id] = call
	return id, call.ch, nil
}

// resolve delivers a response to the pending call with the given id. It
// reports false when the id is unknown, already resolved, or expired.
func (c *correlator) resolve(id int64, result json.RawMessage, rpcErr *RPCError) bool {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	call.ch <- callResult{result: result, rpcErr: rpcErr}
	return true
}

// expire abandons a pending call after a timeout or cancellation. Reports
// false when the id was not pending.
func (c *correlator) expire(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// failAll drains every pending call with err and rejects future
// submissions. Called on transport closure and teardown.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	if c.closed == nil {
		c.closed = err
	}
	drained := make([]*pendingCall, 0, len(c.pending))
	for id, call := range c.pending {
		drained = append(drained, call)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, call := range drained {
		call.ch <- callResult{err: err}
	}
}

// pendingCount reports how many calls are awaiting responses.
func (c *correlator) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
