package approval

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMemoryChannel_Approve(t *testing.T) {
	c := NewMemoryChannel(zap.NewNop())

	go func() {
		for {
			pending := c.Pending()
			if len(pending) > 0 {
				c.Resolve(pending[0].ID, true)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	d, err := c.Ask(context.Background(), Request{Kind: "action", Capability: "file_delete"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if d != Approved {
		t.Errorf("expected approved, got %s", d)
	}
	if len(c.Pending()) != 0 {
		t.Error("resolved request should leave the queue")
	}
}

func TestMemoryChannel_Decline(t *testing.T) {
	c := NewMemoryChannel(zap.NewNop())

	go func() {
		for {
			pending := c.Pending()
			if len(pending) > 0 {
				c.Resolve(pending[0].ID, false)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	d, err := c.Ask(context.Background(), Request{Kind: "action"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if d != Declined {
		t.Errorf("expected declined, got %s", d)
	}
}

func TestMemoryChannel_TimeoutIsNotApproval(t *testing.T) {
	c := NewMemoryChannel(zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	d, err := c.Ask(ctx, Request{Kind: "action"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if d != TimedOut {
		t.Errorf("deadline must yield timed_out, got %s", d)
	}
	if len(c.Pending()) != 0 {
		t.Error("timed-out request should leave the queue")
	}
}

func TestMemoryChannel_ResolveUnknownID(t *testing.T) {
	c := NewMemoryChannel(zap.NewNop())
	if c.Resolve("nope", true) {
		t.Error("resolving an unknown id should report false")
	}
}

func TestDenyAll(t *testing.T) {
	d, err := DenyAll{}.Ask(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if d != Declined {
		t.Errorf("DenyAll must decline, got %s", d)
	}
}
