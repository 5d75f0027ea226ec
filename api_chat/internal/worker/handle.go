package worker

import (
	"context"
	"time"
)

// Handle is the Fleet Manager's view of one running Worker. The Manager
// owns and mutates a Handle only from its own command-loop goroutine;
// the Worker itself never touches these fields, only the channels.
type Handle struct {
	ID                string
	AssignedChannels  map[string]struct{}
	JoinedChannels    map[string]struct{}
	Connected         bool
	LastActivity      time.Time

	cmds   chan<- Command
	cancel context.CancelFunc
	done   <-chan struct{}
}

// Send enqueues a command for the Worker without blocking the caller
// indefinitely; ctx bounds the enqueue wait.
func (h *Handle) Send(ctx context.Context, cmd Command) error {
	select {
	case h.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return errWorkerExited
	}
}

// Cancel signals the Worker to shut down. It does not wait for exit;
// callers that need to block on termination should select on Done().
func (h *Handle) Cancel() {
	h.cancel()
}

// Done reports when the Worker's run loop has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Load returns the Worker's current channel count, used by the Fleet
// Manager's balancing policy.
func (h *Handle) Load() int {
	return len(h.AssignedChannels)
}
