package replicator

import (
	"sync"
	"time"

	"go.wsrep.dev/core/gcomm"
)

// flowControl tracks the apply-queue backpressure state: once
// the queue length exceeds a threshold the replicator asserts flow control
// to the group-communication layer, which slows producers cluster-wide.
type flowControl struct {
	threshold int

	mu        sync.Mutex
	active    bool
	requested int64
	pauseAt   time.Time
	paused    time.Duration
}

func newFlowControl(threshold int) *flowControl {
	return &flowControl{threshold: threshold}
}

// Observe folds in the current apply-queue depth and issues a pause/resume
// command on transport if the state crosses the threshold. Returns the
// command issued, or -1 if no change was needed.
func (fc *flowControl) Observe(transport gcomm.Transport, queueLen int) gcomm.FlowCommand {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	switch {
	case !fc.active && queueLen > fc.threshold:
		fc.active = true
		fc.requested++
		fc.pauseAt = time.Now()
		transport.Flow(gcomm.FlowPause)
		return gcomm.FlowPause
	case fc.active && queueLen <= fc.threshold:
		fc.active = false
		fc.paused += time.Since(fc.pauseAt)
		transport.Flow(gcomm.FlowResume)
		return gcomm.FlowResume
	default:
		return -1
	}
}

// Snapshot returns the current pause state, the number of times flow
// control has been requested, and cumulative paused duration.
func (fc *flowControl) Snapshot() (active bool, requested int64, paused time.Duration) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	var total = fc.paused
	if fc.active {
		total += time.Since(fc.pauseAt)
	}
	return fc.active, fc.requested, total
}
