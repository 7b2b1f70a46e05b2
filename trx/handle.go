package trx

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"go.wsrep.dev/core/wsrep"
)

// Header carries the immutable identity fields common to every shape of
// transaction handle: source replica,
// connection and transaction ids, and the writeset version they produce.
type Header struct {
	Source  uuid.UUID
	ConnID  int64
	TrxID   int64
	Version int
}

// Slave is an immutable view of an already-ordered writeset, local or
// remote. A local transaction's published fragment and a pure remote
// transaction are represented identically; Local distinguishes them only
// for bookkeeping (eg whether a Master still owns this fragment).
//
// Slave is reference-counted (design note "back-references and shared
// ownership"): the replicator pipeline may still hold a Slave after its
// owning Master has moved on to its next fragment.
type Slave struct {
	Header
	fsm

	Local     bool
	Writeset  wsrep.Writeset
	refs      int32
}

// NewSlave returns a Slave for an already-ordered writeset, with one
// reference held by the caller.
func NewSlave(h Header, local bool, ws wsrep.Writeset) *Slave {
	var s = &Slave{Header: h, Local: local, Writeset: ws, refs: 1}
	s.state = StateReplicating
	return s
}

// Ref increments the reference count and returns s, for callers handing a
// copy of the pointer to another owner (eg the replicator's apply queue).
func (s *Slave) Ref() *Slave {
	atomic.AddInt32(&s.refs, 1)
	return s
}

// Unref decrements the reference count. The zero-value return indicates the
// last owner released it; there is no separate resource to free since Slave
// holds no unmanaged state, but callers use this to know when it is safe to
// drop their own map entry.
func (s *Slave) Unref() int32 {
	return atomic.AddInt32(&s.refs, -1)
}

// Master is a local transaction handle: mutable, owned exclusively by the
// database's calling thread until it gathers a writeset and publishes a
// fragment. One lock protects every state transition.
type Master struct {
	Header
	fsm

	lastSeen    wsrep.GSN
	flags       wsrep.Flags
	keys        []wsrep.Key
	data        []wsrep.DataChange
	unordered   [][]byte
	annotations [][]byte

	fragment        *Slave    // current fragment; at most one at a time (design note).
	prevFragmentGSN wsrep.GSN // previous fragment's assigned GSN, for streaming chains.

	enteredApply  bool
	enteredCommit bool
}

// NewMaster returns a Master for a new local transaction, beginning its
// first fragment at lastSeen.
func NewMaster(h Header, lastSeen wsrep.GSN) *Master {
	var m = &Master{
		Header:          h,
		lastSeen:        lastSeen,
		flags:           wsrep.FlagBegin,
		prevFragmentGSN: wsrep.SeqnoUndefined,
	}
	m.state = StateExecuting
	return m
}

// AppendKey records a certification key touched by the transaction so far.
func (m *Master) AppendKey(k wsrep.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, k)
}

// AppendData records an ordered row change.
func (m *Master) AppendData(d wsrep.DataChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append(m.data, d)
}

// AppendUnordered records a side-effect payload applied outside of ordering.
func (m *Master) AppendUnordered(b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unordered = append(m.unordered, b)
}

// AppendAnnotation records an out-of-band annotation payload.
func (m *Master) AppendAnnotation(b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.annotations = append(m.annotations, b)
}

// SetFlags ORs extra bits (eg FlagIsolation, FlagPAUnsafe) into the
// fragment about to be gathered.
func (m *Master) SetFlags(f wsrep.Flags) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags |= f
}

// MarkCommit flags the fragment about to be gathered as the transaction's
// last.
func (m *Master) MarkCommit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags |= wsrep.FlagCommit
}

// BeginAbort marks a victim transaction for abort. From executing or replicating, abort is a pending flag
// state: the owner thread completes it at its next safe point via
// CompleteAbort. From certifying the index's own lock already makes the
// abort synchronous, so it proceeds directly to aborting.
func (m *Master) BeginAbort() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateExecuting, StateReplicating:
		return m.shiftLocked(StateMustAbort)
	case StateCertifying:
		return m.shiftLocked(StateAborting)
	default:
		return wsrep.Errorf(wsrep.KindInconsistentState, "trx: cannot abort from state %s", m.state)
	}
}

// Gather snapshots the builder's accumulated keys/data into a new writeset
// ready to be handed to the group-communication layer, and transitions
// executing -> replicating. If this is not the transaction's first
// fragment, NextFragment has already moved LastSeen to the previous
// fragment's GSN, so certification computes Depends from there.
func (m *Master) Gather() (*wsrep.Writeset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.shiftLocked(StateReplicating); err != nil {
		return nil, err
	}

	var ws = &wsrep.Writeset{
		Source:      m.Source,
		ConnID:      m.ConnID,
		TrxID:       m.TrxID,
		Timestamp:   time.Now(),
		Flags:       m.flags,
		LastSeen:    m.lastSeen,
		Keys:        append([]wsrep.Key(nil), m.keys...),
		Data:        append([]wsrep.DataChange(nil), m.data...),
		Unordered:   append([][]byte(nil), m.unordered...),
		Annotations: append([][]byte(nil), m.annotations...),
	}
	return ws, nil
}

// Publish attaches the now-ordered writeset as this Master's current
// fragment, holding a second reference on the pipeline's behalf.
func (m *Master) Publish(ws *wsrep.Writeset) *Slave {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s = &Slave{Header: m.Header, Local: true, Writeset: *ws, refs: 2}
	s.state = StateCertifying
	m.fragment = s
	return s
}

// Fragment returns the Master's current published fragment, or nil before
// the first Gather/Publish.
func (m *Master) Fragment() *Slave {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fragment
}

// NextFragment resets per-fragment builder state for a streaming
// transaction's next fragment: the previous fragment's GSN becomes the
// floor for this fragment's dependency, begin is
// cleared, and the handle returns to executing.
func (m *Master) NextFragment() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fragment == nil || !m.fragment.Writeset.Assigned.Defined() {
		return wsrep.Errorf(wsrep.KindInconsistentState, "trx: no completed fragment to chain from")
	}
	if m.state != StateCommitted {
		return wsrep.Errorf(wsrep.KindInconsistentState,
			"trx: next fragment requested from %s, expected %s", m.state, StateCommitted)
	}
	m.state = StateExecuting
	m.prevFragmentGSN = m.fragment.Writeset.Assigned
	m.lastSeen = m.fragment.Writeset.Assigned
	m.flags = m.flags.Clear(wsrep.FlagBegin | wsrep.FlagCommit)
	m.keys, m.data, m.unordered, m.annotations = nil, nil, nil, nil
	m.fragment = nil
	return nil
}

// PreviousFragmentGSN returns the GSN of the last fragment this streaming
// transaction committed, or SeqnoUndefined for the first fragment.
func (m *Master) PreviousFragmentGSN() wsrep.GSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prevFragmentGSN
}

// EnteredApplyMonitor/EnteredCommitMonitor record which monitor slots this
// master currently holds, so a replay decision can
// choose the correct must_replay_* variant.
func (m *Master) EnteredApplyMonitor(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enteredApply = v
}

func (m *Master) EnteredCommitMonitor(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enteredCommit = v
}

// BeginReplayFor picks the must_replay_* transition matching which monitor
// slots are already held: "Replay re-runs the apply + commit
// steps while holding the already-acquired monitor slots."
//
// The neither-entered case (must_cert_and_replay) is only legal from
// StateReplicating: a victim that reaches StateCertifying without ever
// entering either monitor must still lose via CertifyFail into
// StateAborting, not through here. Calling this from any other state while
// holding neither monitor slot (eg StateCertifying, replay decided before
// certification's outcome was known) is a caller bug and is rejected
// explicitly rather than silently forced into StateMustCertAndReplay.
func (m *Master) BeginReplayFor() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.enteredApply && m.enteredCommit:
		return m.shiftLocked(StateMustReplay)
	case m.enteredApply:
		return m.shiftLocked(StateMustReplayCM)
	case m.enteredCommit:
		return m.shiftLocked(StateMustReplayAM)
	case m.state != StateReplicating:
		return wsrep.Errorf(wsrep.KindInconsistentState,
			"trx: replay requested from %s holding neither monitor slot, expected %s", m.state, StateReplicating)
	default:
		return m.shiftLocked(StateMustCertAndReplay)
	}
}
