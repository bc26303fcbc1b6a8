package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ConnState is the lifecycle of one client connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type client struct {
	id    uint64
	conn  *websocket.Conn
	done  chan struct{}
	state atomic.Int32

	// queue holds serialized envelopes in enqueue order until the writer
	// takes them. maxPending caps it; zero means unbounded.
	queueMu    sync.Mutex
	queue      [][]byte
	maxPending int
	overflowed bool
	wake       chan struct{}

	closeOnce sync.Once

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}
}

func newClient(conn *websocket.Conn, maxPending int) *client {
	return &client{
		conn:       conn,
		done:       make(chan struct{}),
		maxPending: maxPending,
		wake:       make(chan struct{}, 1),
		timers:     map[*time.Timer]struct{}{},
	}
}

func (c *client) State() ConnState {
	return ConnState(c.state.Load())
}

// enqueue appends data for the writer without blocking. It reports false when
// the client is closed or has overflowed maxPending; an overflowed client is
// marked so the writer disconnects it.
func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	c.queueMu.Lock()
	if c.overflowed {
		c.queueMu.Unlock()
		return false
	}
	if c.maxPending > 0 && len(c.queue) >= c.maxPending {
		c.overflowed = true
		c.queueMu.Unlock()
		c.signal()
		return false
	}
	c.queue = append(c.queue, data)
	c.queueMu.Unlock()
	c.signal()
	return true
}

func (c *client) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// take hands every queued envelope to the writer.
func (c *client) take() (batch [][]byte, overflowed bool) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	batch, c.queue = c.queue, nil
	return batch, c.overflowed
}

func (c *client) pending() int {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return len(c.queue)
}

// after runs fn once delay has elapsed unless the client stops or closes first.
func (c *client) after(delay time.Duration, fn func()) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		c.timersMu.Lock()
		_, pending := c.timers[t]
		delete(c.timers, t)
		c.timersMu.Unlock()
		if pending {
			fn()
		}
	})
	c.timers[t] = struct{}{}
}

// cancelTimers drops every pending completion and returns how many were pending.
func (c *client) cancelTimers() int {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	n := len(c.timers)
	for t := range c.timers {
		t.Stop()
		delete(c.timers, t)
	}
	return n
}
