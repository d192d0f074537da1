package session

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// OverflowPolicy decides what happens when a connection's outbound queue is full.
type OverflowPolicy string

const (
	// DropOldest discards the oldest queued frame to make room.
	DropOldest OverflowPolicy = "drop_oldest"
	// Disconnect closes the connection.
	Disconnect OverflowPolicy = "disconnect"
)

// ParseOverflowPolicy validates a configured policy name.
func ParseOverflowPolicy(name string) (OverflowPolicy, error) {
	switch OverflowPolicy(name) {
	case DropOldest, Disconnect:
		return OverflowPolicy(name), nil
	case "":
		return DropOldest, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", name)
	}
}

// Connection is one authenticated socket. Frames queued with Send are
// drained by the transport's write loop through Outbound.
type Connection struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	Username string

	send   chan []byte
	policy OverflowPolicy

	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// NewConnection creates a connection with a queue of buffer frames.
func NewConnection(userID uuid.UUID, username string, buffer int, policy OverflowPolicy) *Connection {
	if buffer < 1 {
		buffer = 1
	}
	if policy == "" {
		policy = DropOldest
	}
	return &Connection{
		ID:       uuid.New(),
		UserID:   userID,
		Username: username,
		send:     make(chan []byte, buffer),
		policy:   policy,
		done:     make(chan struct{}),
	}
}

// Send queues frame without blocking. It reports false when the frame was
// not queued because the connection is closed or was closed by the
// disconnect policy.
func (c *Connection) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		select {
		case <-c.done:
			return false
		default:
		}

		select {
		case c.send <- frame:
			return true
		default:
		}

		if c.policy == Disconnect {
			c.Close()
			return false
		}

		select {
		case <-c.send:
			c.dropped.Add(1)
		default:
		}
	}
}

// Outbound is the queue the write loop drains.
func (c *Connection) Outbound() <-chan []byte {
	return c.send
}

// Done is closed once the connection should shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close marks the connection closed. It is safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Dropped returns how many frames the drop_oldest policy discarded.
func (c *Connection) Dropped() uint64 {
	return c.dropped.Load()
}
