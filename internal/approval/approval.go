// Package approval is the owner-facing decision surface for T3 gates and
// graduation proposals. Asking blocks until a decision arrives or the
// deadline elapses; a timeout is always a deny, never an auto-approve.
package approval

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Decision is the owner's answer.
type Decision int

const (
	Declined Decision = iota
	Approved
	TimedOut
)

// String returns the lowercase decision name.
func (d Decision) String() string {
	switch d {
	case Approved:
		return "approved"
	case TimedOut:
		return "timed_out"
	default:
		return "declined"
	}
}

// Request describes what the owner is being asked to approve.
type Request struct {
	ID         string
	Kind       string // "action" or "graduation"
	Capability string
	Scope      string
	Summary    string
	CreatedAt  time.Time
}

// Channel is the asynchronous approval surface consumed by the dispatcher.
type Channel interface {
	// Ask blocks until the owner decides or ctx expires. Implementations
	// must return TimedOut (not Approved) on deadline.
	Ask(ctx context.Context, req Request) (Decision, error)
}

// MemoryChannel queues requests in memory and lets another goroutine (tests,
// the HTTP surface, a local CLI) resolve them by id.
type MemoryChannel struct {
	mu      sync.Mutex
	pending map[string]chan Decision
	queue   []Request
	logger  *zap.Logger
}

// NewMemoryChannel creates an empty channel.
func NewMemoryChannel(logger *zap.Logger) *MemoryChannel {
	return &MemoryChannel{
		pending: make(map[string]chan Decision),
		logger:  logger,
	}
}

// Ask registers the request and blocks for a decision.
func (c *MemoryChannel) Ask(ctx context.Context, req Request) (Decision, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	req.CreatedAt = time.Now()

	ch := make(chan Decision, 1)
	c.mu.Lock()
	c.pending[req.ID] = ch
	c.queue = append(c.queue, req)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		for i, q := range c.queue {
			if q.ID == req.ID {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
	}()

	c.logger.Info("approval requested",
		zap.String("request_id", req.ID),
		zap.String("kind", req.Kind),
		zap.String("capability", req.Capability),
		zap.String("scope", req.Scope),
	)

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		return TimedOut, nil
	}
}

// Resolve answers a pending request. Returns false when the id is unknown
// (already resolved or timed out).
func (c *MemoryChannel) Resolve(id string, approve bool) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return false
	}
	d := Declined
	if approve {
		d = Approved
	}
	select {
	case ch <- d:
		return true
	default:
		return false
	}
}

// Pending returns a snapshot of unanswered requests.
func (c *MemoryChannel) Pending() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Request, len(c.queue))
	copy(out, c.queue)
	return out
}

// DenyAll is the fail-closed Channel used when no owner surface is wired:
// every ask is declined immediately.
type DenyAll struct{}

func (DenyAll) Ask(context.Context, Request) (Decision, error) {
	return Declined, nil
}
