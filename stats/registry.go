// Package stats defines the replicator's observable counters: a typed
// Snapshot struct rather than a packed variable-length buffer, since
// nothing here requires a stable binary ABI.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"go.wsrep.dev/core/cert"
	"go.wsrep.dev/core/monitor"
	"go.wsrep.dev/core/wsrep"
)

// Snapshot is a point-in-time copy of every observable counter. Fields
// follow the STATS_* enumeration of replicator_smm_stats.cpp one-to-one,
// named for what they hold rather than their original macro spelling.
type Snapshot struct {
	StateUUID       uuid.UUID
	ProtocolVersion int
	LastCommitted   wsrep.GSN
	LocalState      string // human-readable, eg "Joining: receiving State Transfer".

	BytesReplicated int64
	KeysReplicated  int64
	DataReplicated  int64
	BytesReceived   int64

	LocalCommits          int64
	CertificationFailures int64
	Replays               int64

	SendQueueLength     int
	SendQueueMax        int64
	SendQueueAverage    float64
	ReceiveQueueLength  int
	ReceiveQueueMax     int64
	ReceiveQueueAverage float64

	FlowControlPaused      bool
	FlowControlRequested   int64
	FlowControlPausedNanos int64

	ApplyOutOfOrderEntryFraction   float64
	ApplyOutOfOrderLeaveFraction   float64
	ApplyWindowAverage             float64
	CommitOutOfOrderEntryFraction  float64
	CommitOutOfOrderLeaveFraction  float64
	CommitWindowAverage            float64

	CertificationInterval float64
	DependsDistance       float64
	CertIndexSize         int

	OpenTransactions int
	OpenConnections  int
	IncomingAddrs    []string
	CachePoolSize    int64

	// fc_csent intentionally absent: the original carries a commented-out
	// counter here whose intent was never documented upstream — left unimplemented, not retired.
}

// Registry accumulates the counters the replicator itself is the source
// of truth for (as opposed to ones read live off the monitors/index/cache
// at Snapshot time). Safe for concurrent use.
type Registry struct {
	stateUUID      uuid.UUID
	protoVersion   int
	mu             sync.Mutex
	localState     string
	bytesReplicated, keysReplicated, dataReplicated, bytesReceived int64

	localCommits, certFailures, replays int64

	sendQueueMax, recvQueueMax               int64
	sendQueueSum, recvQueueSum, queueSamples int64

	flowPaused        int32
	flowRequested     int64
	flowPausedNanos   int64

	openTxns, openConns int32
}

// New returns a Registry for a replica identified by stateUUID, running
// the given protocol version.
func New(stateUUID uuid.UUID, protocolVersion int) *Registry {
	return &Registry{stateUUID: stateUUID, protoVersion: protocolVersion, localState: "Closed"}
}

func (r *Registry) RecordReplicated(bytes, keys, data int64) {
	atomic.AddInt64(&r.bytesReplicated, bytes)
	atomic.AddInt64(&r.keysReplicated, keys)
	atomic.AddInt64(&r.dataReplicated, data)
}

func (r *Registry) RecordReceived(bytes int64) { atomic.AddInt64(&r.bytesReceived, bytes) }

func (r *Registry) RecordLocalCommit()         { atomic.AddInt64(&r.localCommits, 1) }
func (r *Registry) RecordCertificationFailure() { atomic.AddInt64(&r.certFailures, 1) }
func (r *Registry) RecordReplay()              { atomic.AddInt64(&r.replays, 1) }

// SetLocalState records the replica's current human-readable membership
// state string (eg membership.State.String()).
func (r *Registry) SetLocalState(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localState = s
}

// ObserveQueueLengths folds one sample of the send/receive queue depths
// into the running max and average.
func (r *Registry) ObserveQueueLengths(send, recv int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if send > r.sendQueueMax {
		r.sendQueueMax = send
	}
	if recv > r.recvQueueMax {
		r.recvQueueMax = recv
	}
	r.sendQueueSum += send
	r.recvQueueSum += recv
	r.queueSamples++
}

func (r *Registry) SetFlowControl(paused bool, requested int64, pausedFor time.Duration) {
	if paused {
		atomic.StoreInt32(&r.flowPaused, 1)
	} else {
		atomic.StoreInt32(&r.flowPaused, 0)
	}
	atomic.StoreInt64(&r.flowRequested, requested)
	atomic.AddInt64(&r.flowPausedNanos, pausedFor.Nanoseconds())
}

func (r *Registry) SetOpenCounts(txns, conns int) {
	atomic.StoreInt32(&r.openTxns, int32(txns))
	atomic.StoreInt32(&r.openConns, int32(conns))
}

// Snapshot assembles a point-in-time Snapshot. Callers pass the already-
// computed Stats() of their own apply/commit monitors directly — Monitor's
// generic type parameter is irrelevant here since monitor.Stats itself is
// not generic.
func (r *Registry) Snapshot(idx cert.Stats, applyMon, commitMon monitor.Stats, lastCommitted wsrep.GSN, cachePoolSize int64, incoming []string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out = Snapshot{
		StateUUID:       r.stateUUID,
		ProtocolVersion: r.protoVersion,
		LastCommitted:   lastCommitted,
		LocalState:      r.localState,

		BytesReplicated: atomic.LoadInt64(&r.bytesReplicated),
		KeysReplicated:  atomic.LoadInt64(&r.keysReplicated),
		DataReplicated:  atomic.LoadInt64(&r.dataReplicated),
		BytesReceived:   atomic.LoadInt64(&r.bytesReceived),

		LocalCommits:          atomic.LoadInt64(&r.localCommits),
		CertificationFailures: atomic.LoadInt64(&r.certFailures),
		Replays:               atomic.LoadInt64(&r.replays),

		SendQueueMax:    r.sendQueueMax,
		ReceiveQueueMax: r.recvQueueMax,

		FlowControlPaused:      atomic.LoadInt32(&r.flowPaused) != 0,
		FlowControlRequested:   atomic.LoadInt64(&r.flowRequested),
		FlowControlPausedNanos: atomic.LoadInt64(&r.flowPausedNanos),

		ApplyOutOfOrderEntryFraction:   applyMon.EntryOutOfOrderFraction,
		ApplyOutOfOrderLeaveFraction:   applyMon.LeaveOutOfOrderFraction,
		ApplyWindowAverage:             applyMon.AverageWindowSize,
		CommitOutOfOrderEntryFraction:  commitMon.EntryOutOfOrderFraction,
		CommitOutOfOrderLeaveFraction:  commitMon.LeaveOutOfOrderFraction,
		CommitWindowAverage:            commitMon.AverageWindowSize,

		CertificationInterval: idx.AverageCertificationInterval,
		DependsDistance:       idx.AverageDependsDistance,
		CertIndexSize:         idx.IndexSize,

		OpenTransactions: int(atomic.LoadInt32(&r.openTxns)),
		OpenConnections:  int(atomic.LoadInt32(&r.openConns)),
		IncomingAddrs:    incoming,
		CachePoolSize:    cachePoolSize,
	}
	if r.queueSamples > 0 {
		out.SendQueueAverage = float64(r.sendQueueSum) / float64(r.queueSamples)
		out.ReceiveQueueAverage = float64(r.recvQueueSum) / float64(r.queueSamples)
	}
	return out
}
