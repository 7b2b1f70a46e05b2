package trx

import (
	"sync"

	"go.wsrep.dev/core/wsrep"
)

// fsm is the shared state-transition machinery embedded by both Master and
// Slave handles (design note: "tagged variant with a shared header"; here
// the discriminator is simply which Go type embeds fsm). A single mutex
// guards every transition, matching the locking discipline
// ("Master transaction handle: one lock per handle; held across any state
// transition initiated by the database").
type fsm struct {
	mu    sync.Mutex
	state State
}

// State returns the handle's current state.
func (f *fsm) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fsm) shiftLocked(to State) error {
	if !legal(f.state, to) {
		return wsrep.Errorf(wsrep.KindInconsistentState, "trx: illegal transition %s -> %s", f.state, to)
	}
	f.state = to
	return nil
}

func (f *fsm) shift(to State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shiftLocked(to)
}

// EnterCertification records that the ordered writeset has returned from
// group communication and certification is beginning.
func (f *fsm) EnterCertification() error { return f.shift(StateCertifying) }

// CertifySuccess records that certification passed and the writeset may be applied.
func (f *fsm) CertifySuccess() error { return f.shift(StateApplying) }

// CertifyFail records a certification conflict; the handle becomes a dummy rollback.
func (f *fsm) CertifyFail() error { return f.shift(StateAborting) }

// BeginReplayApplyCommit records that replay must re-acquire both the apply
// and commit monitors (the victim had entered neither when it lost to a
// conflicting predecessor).
func (f *fsm) BeginReplayApplyCommit() error { return f.shift(StateMustCertAndReplay) }

// BeginReplayAM records that replay must re-acquire the apply monitor
// (commit monitor slot is already held).
func (f *fsm) BeginReplayAM() error { return f.shift(StateMustReplayAM) }

// BeginReplayCM records that replay must re-acquire the commit monitor
// (apply monitor slot is already held).
func (f *fsm) BeginReplayCM() error { return f.shift(StateMustReplayCM) }

// BeginReplay records that replay may proceed holding every monitor slot
// already acquired (both apply and commit already entered).
func (f *fsm) BeginReplay() error { return f.shift(StateMustReplay) }

// StartReplaying transitions out of any must_replay_* holding state into
// the actual replay execution.
func (f *fsm) StartReplaying() error { return f.shift(StateReplaying) }

// EnterApply records entry into the apply critical section.
func (f *fsm) EnterApply() error { return f.shift(StateApplying) }

// EnterCommit records entry into the commit critical section.
func (f *fsm) EnterCommit() error { return f.shift(StateCommitting) }

// Committed records a successful commit. Terminal.
func (f *fsm) Committed() error { return f.shift(StateCommitted) }

// CompleteAbort transitions a pending abort into the active aborting state,
// at the owning thread's next safe point.
func (f *fsm) CompleteAbort() error { return f.shift(StateAborting) }

// RolledBack records that rollback has finished. Terminal.
func (f *fsm) RolledBack() error { return f.shift(StateRolledBack) }
